package token

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/errors"
)

// Projection is a field allowlist plus a label redaction list applied
// to a capsule before it is returned to a capability holder.
type Projection struct {
	Fields []string `json:"fields,omitempty"`
	Redact []string `json:"redact,omitempty"`
}

// Hash returns the canonical hash binding a projection into a
// projection-hash caveat.
func (p Projection) Hash() (string, error) {
	return canon.Hash(map[string]any{
		"fields": p.Fields,
		"redact": p.Redact,
	})
}

// Apply copies the projected fields of a capsule into a partial result.
// An empty field list yields only the capsule identity (safe by
// default). Redacted label keys are blanked with a placeholder rather
// than omitted, so consumers know a field existed but was withheld.
func Apply(c *capsule.Capsule, p Projection) (map[string]any, error) {
	full, err := capsuleAsMap(c)
	if err != nil {
		return nil, err
	}

	result := map[string]any{"id": c.ID}
	for _, path := range p.Fields {
		if path == "content" {
			// Whole-field copy: the envelope is opaque and indivisible.
			result["content"] = full["content"]
			continue
		}
		copyPath(full, result, strings.Split(path, "."))
	}

	for _, label := range p.Redact {
		if labels, ok := result["labels"].(map[string]any); ok {
			if _, present := labels[label]; present {
				labels[label] = fmt.Sprintf("[REDACTED:%s]", label)
			}
		}
	}
	return result, nil
}

// capsuleAsMap reduces a capsule to the JSON data model for projection.
func capsuleAsMap(c *capsule.Capsule) (map[string]any, error) {
	s, err := canon.Canonicalize(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, errors.NewInternal(err)
	}
	return m, nil
}

// copyPath copies one dotted path from src into dst, creating
// intermediate maps as needed. Missing paths are skipped silently.
func copyPath(src, dst map[string]any, parts []string) {
	if len(parts) == 0 {
		return
	}

	head := parts[0]
	val, ok := src[head]
	if !ok {
		return
	}

	if len(parts) == 1 {
		dst[head] = val
		return
	}

	srcChild, ok := val.(map[string]any)
	if !ok {
		return
	}
	dstChild, ok := dst[head].(map[string]any)
	if !ok {
		dstChild = make(map[string]any)
		dst[head] = dstChild
	}
	copyPath(srcChild, dstChild, parts[1:])
}
