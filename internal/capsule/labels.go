package capsule

import "strings"

// Sensitivity classifies how private a capsule's content is.
type Sensitivity string

// Retention classifies how long a capsule should be kept.
type Retention string

// Sharing classifies who a capsule may be shared with.
type Sharing string

const (
	SensitivityPersonal  Sensitivity = "personal"
	SensitivityMedical   Sensitivity = "medical"
	SensitivityFinancial Sensitivity = "financial"
	SensitivityPublic    Sensitivity = "public"

	Retention7d        Retention = "7d"
	Retention30d       Retention = "30d"
	Retention1y        Retention = "1y"
	RetentionPermanent Retention = "permanent"

	SharingNone    Sharing = "none"
	SharingTrusted Sharing = "trusted"
	SharingMedical Sharing = "medical"
	SharingPublic  Sharing = "public"
)

// Labels is the closed classification triple carried by every capsule.
type Labels struct {
	Sensitivity Sensitivity `json:"sensitivity"`
	Retention   Retention   `json:"retention"`
	Sharing     Sharing     `json:"sharing"`
}

// DefaultLabels returns the safe defaults used for unknown or legacy
// values: personal, permanent, none.
func DefaultLabels() Labels {
	return Labels{
		Sensitivity: SensitivityPersonal,
		Retention:   RetentionPermanent,
		Sharing:     SharingNone,
	}
}

// sensitivitySynonyms maps legacy and colloquial values onto the enum.
var sensitivitySynonyms = map[string]Sensitivity{
	"personal":  SensitivityPersonal,
	"private":   SensitivityPersonal,
	"medical":   SensitivityMedical,
	"health":    SensitivityMedical,
	"financial": SensitivityFinancial,
	"finance":   SensitivityFinancial,
	"money":     SensitivityFinancial,
	"public":    SensitivityPublic,
	"open":      SensitivityPublic,
}

var retentionSynonyms = map[string]Retention{
	"7d":        Retention7d,
	"week":      Retention7d,
	"30d":       Retention30d,
	"month":     Retention30d,
	"1y":        Retention1y,
	"year":      Retention1y,
	"365d":      Retention1y,
	"permanent": RetentionPermanent,
	"forever":   RetentionPermanent,
}

var sharingSynonyms = map[string]Sharing{
	"none":     SharingNone,
	"no":       SharingNone,
	"never":    SharingNone,
	"trusted":  SharingTrusted,
	"family":   SharingTrusted,
	"medical":  SharingMedical,
	"doctors":  SharingMedical,
	"public":   SharingPublic,
	"everyone": SharingPublic,
}

// StandardizeLabels maps raw label values onto the closed enums.
// Synonyms resolve to their canonical value; unknown or missing values
// fall back to the safe defaults.
func StandardizeLabels(raw map[string]string) Labels {
	out := DefaultLabels()
	if raw == nil {
		return out
	}
	if s, ok := sensitivitySynonyms[normalizeLabel(raw["sensitivity"])]; ok {
		out.Sensitivity = s
	}
	if r, ok := retentionSynonyms[normalizeLabel(raw["retention"])]; ok {
		out.Retention = r
	}
	if s, ok := sharingSynonyms[normalizeLabel(raw["sharing"])]; ok {
		out.Sharing = s
	}
	return out
}

// ValidLabels reports whether every label value is a member of its enum.
func ValidLabels(l Labels) bool {
	_, s := sensitivitySynonyms[string(l.Sensitivity)]
	_, r := retentionSynonyms[string(l.Retention)]
	_, sh := sharingSynonyms[string(l.Sharing)]
	return s && sensitivitySynonyms[string(l.Sensitivity)] == l.Sensitivity &&
		r && retentionSynonyms[string(l.Retention)] == l.Retention &&
		sh && sharingSynonyms[string(l.Sharing)] == l.Sharing
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
