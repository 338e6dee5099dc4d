// Package capsule defines the immutable, content-addressed, encrypted
// memory record and its builder.
package capsule

import (
	"regexp"
	"strings"
	"time"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/errors"
)

// Version is the capsule format version bound into the encryption AAD.
const Version = "1.0"

// IDPrefix is the capsule URN prefix.
const IDPrefix = "capsule:sha256:"

// idRegex matches a well-formed capsule URN.
var idRegex = regexp.MustCompile(`^capsule:sha256:[0-9a-f]{64}$`)

// timestampRegex matches the exact RFC3339-millisecond shape every
// capsule timestamp must carry.
var timestampRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)

// Capsule is an immutable memory record. Created once at construction;
// edits produce a new capsule rather than mutating content in place.
type Capsule struct {
	// ID is a URN content-addressed over the capsule minus the id itself
	ID string `json:"id,omitempty"`

	// Subject is the owning identity reference
	Subject string `json:"subject"`

	// Created and Modified are RFC3339 millisecond timestamps
	Created  string `json:"created"`
	Modified string `json:"modified"`

	// Provenance records who created the capsule and its event lineage
	Provenance Provenance `json:"provenance"`

	// Content is the encrypted payload envelope
	Content ContentEnvelope `json:"content"`

	// Labels classify sensitivity, retention, and sharing
	Labels Labels `json:"labels"`

	// Extensions is an open key/value map, recursively sorted on
	// serialization
	Extensions map[string]any `json:"extensions,omitempty"`
}

// Provenance links a capsule to its creator and event history.
type Provenance struct {
	Creator     string `json:"creator"`
	Signature   string `json:"signature,omitempty"`
	ParentEvent string `json:"parentEvent,omitempty"`
	EventLog    string `json:"eventLog,omitempty"`
}

// ContentEnvelope holds the encrypted content and the material needed
// to verify and decrypt it. Nonce and Data are unpadded base64url;
// ContentHash is the hash of the plaintext, used for deduplication and
// post-decryption verification.
type ContentEnvelope struct {
	Type        string `json:"type"`
	Encoding    string `json:"encoding"`
	Data        string `json:"data"`
	ContentHash string `json:"contentHash"`
	Nonce       string `json:"nonce"`
	AADHash     string `json:"aad_hash"`
	Algorithm   string `json:"algorithm"`
}

// FormatTimestamp renders a time in the canonical capsule shape.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ValidTimestamp reports whether s has the exact canonical shape.
func ValidTimestamp(s string) bool {
	return timestampRegex.MatchString(s)
}

// ValidID reports whether s is a well-formed capsule URN.
func ValidID(s string) bool {
	return idRegex.MatchString(s)
}

// identityMap is the canonical serialization input for the capsule id:
// the full record minus the id itself and minus the per-encryption
// randomness (ciphertext, nonce, AAD hash). The plaintext content is
// represented by its hash, and the ciphertext is bound to the id
// through the AEAD AAD rather than through the hash.
func (c *Capsule) identityMap() map[string]any {
	prov := map[string]any{"creator": c.Provenance.Creator}
	if c.Provenance.Signature != "" {
		prov["signature"] = c.Provenance.Signature
	}
	if c.Provenance.ParentEvent != "" {
		prov["parentEvent"] = c.Provenance.ParentEvent
	}
	if c.Provenance.EventLog != "" {
		prov["eventLog"] = c.Provenance.EventLog
	}

	m := map[string]any{
		"subject":    c.Subject,
		"created":    c.Created,
		"modified":   c.Modified,
		"provenance": prov,
		"content": map[string]any{
			"type":        c.Content.Type,
			"encoding":    c.Content.Encoding,
			"contentHash": c.Content.ContentHash,
			"algorithm":   c.Content.Algorithm,
		},
		"labels": map[string]any{
			"sensitivity": string(c.Labels.Sensitivity),
			"retention":   string(c.Labels.Retention),
			"sharing":     string(c.Labels.Sharing),
		},
	}
	if len(c.Extensions) > 0 {
		m["extensions"] = c.Extensions
	}
	return m
}

// ComputeID derives the content-addressed URN for a capsule.
func ComputeID(c *Capsule) (string, error) {
	h, err := canon.Hash(c.identityMap())
	if err != nil {
		return "", err
	}
	return "capsule:" + h, nil
}

// VerifyID recomputes the capsule id and compares it to the stored one.
// A mismatch is an integrity failure.
func VerifyID(c *Capsule) error {
	want, err := ComputeID(c)
	if err != nil {
		return err
	}
	if c.ID != want {
		return errors.NewIntegrity(c.ID, "capsule id does not match its content")
	}
	return nil
}

// HeaderHash hashes the capsule identity map; the storage engine records
// it as an independent header checksum.
func HeaderHash(c *Capsule) (string, error) {
	return canon.Hash(c.identityMap())
}

// ShortID returns the first hex digits of a capsule URN for display.
func ShortID(id string) string {
	hexPart := strings.TrimPrefix(id, IDPrefix)
	if len(hexPart) > 12 {
		return hexPart[:12]
	}
	return hexPart
}
