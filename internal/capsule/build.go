package capsule

import (
	"encoding/base64"
	"time"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/envelope"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/keys"
)

// EncodingUTF8 is the fixed encoding for text payloads.
const EncodingUTF8 = "utf-8"

// EncodingBase64 marks raw binary payloads.
const EncodingBase64 = "base64"

// CreateInput carries the material for building one capsule.
type CreateInput struct {
	Content     any    // string, []byte, or JSON-compatible structure
	ContentType string // optional media type override
	Subject     string // owning identity; defaults to Creator
	Creator     string // creating identity; defaults to "self"
	Labels      map[string]string
	Extensions  map[string]any
	ParentEvent string
	EventLog    string
}

// Builder assembles capsules for one vault. The master key is fetched
// through the provider on every build so a locked vault fails fast.
type Builder struct {
	keys    keys.Provider
	vaultID string
	now     func() time.Time
}

// NewBuilder creates a builder for the given vault.
func NewBuilder(kp keys.Provider, vaultID string) *Builder {
	return &Builder{keys: kp, vaultID: vaultID, now: time.Now}
}

// NewBuilderAt creates a builder with an injected clock.
func NewBuilderAt(kp keys.Provider, vaultID string, now func() time.Time) *Builder {
	return &Builder{keys: kp, vaultID: vaultID, now: now}
}

// Create builds, encrypts, and validates a new capsule. Two capsules
// built from identical content at different instants get different ids;
// content-level deduplication happens at the storage layer via the
// plaintext ContentHash.
func (b *Builder) Create(input CreateInput) (*Capsule, error) {
	plaintext, contentType, encoding, err := resolveContent(input.Content, input.ContentType)
	if err != nil {
		return nil, err
	}

	creator := input.Creator
	if creator == "" {
		creator = "self"
	}
	subject := input.Subject
	if subject == "" {
		subject = creator
	}

	now := FormatTimestamp(b.now())
	c := &Capsule{
		Subject:  subject,
		Created:  now,
		Modified: now,
		Provenance: Provenance{
			Creator:     creator,
			ParentEvent: input.ParentEvent,
			EventLog:    input.EventLog,
		},
		Content: ContentEnvelope{
			Type:        contentType,
			Encoding:    encoding,
			ContentHash: canon.HashBytes(plaintext),
			Algorithm:   envelope.Algorithm,
		},
		Labels:     StandardizeLabels(input.Labels),
		Extensions: input.Extensions,
	}

	id, err := ComputeID(c)
	if err != nil {
		return nil, err
	}
	c.ID = id

	master, err := b.keys.MasterKey(b.vaultID)
	if err != nil {
		return nil, err
	}

	sealed, err := envelope.Encrypt(master, plaintext, c.ID, Version, c.Labels)
	if err != nil {
		return nil, err
	}
	c.Content.Data = base64.RawURLEncoding.EncodeToString(sealed.Ciphertext)
	c.Content.Nonce = base64.RawURLEncoding.EncodeToString(sealed.Nonce)
	c.Content.AADHash = sealed.AADHash

	if err := Validate(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Open decrypts a capsule's content and verifies the plaintext hash.
func Open(c *Capsule, master []byte) ([]byte, error) {
	ciphertext, err := base64.RawURLEncoding.DecodeString(c.Content.Data)
	if err != nil {
		return nil, errors.NewDecryption("content data is not valid base64url")
	}
	nonce, err := base64.RawURLEncoding.DecodeString(c.Content.Nonce)
	if err != nil {
		return nil, errors.NewDecryption("content nonce is not valid base64url")
	}

	plaintext, err := envelope.Decrypt(master, &envelope.Sealed{
		Algorithm:  c.Content.Algorithm,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		AADHash:    c.Content.AADHash,
	}, c.ID, Version, c.Labels)
	if err != nil {
		return nil, err
	}

	if canon.HashBytes(plaintext) != c.Content.ContentHash {
		return nil, errors.NewIntegrity(c.ID, "decrypted content does not match recorded content hash")
	}
	return plaintext, nil
}

// resolveContent maps input content to plaintext bytes, a media type,
// and an encoding. Strings are utf-8 text, byte slices are opaque
// binary, and anything else canonicalizes to JSON.
func resolveContent(content any, override string) (plaintext []byte, contentType, encoding string, err error) {
	switch v := content.(type) {
	case nil:
		return nil, "", "", errors.NewValidation("content", "must not be empty")
	case string:
		if v == "" {
			return nil, "", "", errors.NewValidation("content", "must not be empty")
		}
		plaintext, contentType, encoding = []byte(v), "text/plain", EncodingUTF8
	case []byte:
		if len(v) == 0 {
			return nil, "", "", errors.NewValidation("content", "must not be empty")
		}
		plaintext, contentType, encoding = v, "application/octet-stream", EncodingBase64
	default:
		s, cerr := canon.Canonicalize(v)
		if cerr != nil {
			return nil, "", "", cerr
		}
		plaintext, contentType, encoding = []byte(s), "application/json", EncodingUTF8
	}
	if override != "" {
		contentType = override
	}
	return plaintext, contentType, encoding, nil
}
