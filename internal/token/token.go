// Package token implements capability tokens: signed, scoped grants
// allowing a subject to read a specific projection of specific
// capsules, bound by caveats and protected against request replay.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/errors"
)

// Capability names.
const (
	CapabilityReadProjection = "read-projection"
)

// Caveat types.
const (
	CaveatExpiry         = "expiry"
	CaveatPurpose        = "purpose"
	CaveatMaxAccesses    = "max-accesses"
	CaveatProjectionHash = "projection-hash"
)

// Token is an immutable capability grant. Revocation is caveat- or
// epoch-based, never an in-place edit.
type Token struct {
	ID           string     `json:"id"`
	Issuer       string     `json:"issuer"`
	Subject      string     `json:"subject"`
	KeyEpoch     int        `json:"keyEpoch"`
	Capsules     []string   `json:"capsules"`
	Capabilities []string   `json:"capabilities"`
	Projection   Projection `json:"projection"`
	Caveats      []Caveat   `json:"caveats,omitempty"`
	Signature    string     `json:"signature,omitempty"`
}

// Caveat restricts how a token may be used.
type Caveat struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Caveat returns the value of the first caveat of the given type.
func (t *Token) Caveat(caveatType string) (string, bool) {
	for _, c := range t.Caveats {
		if c.Type == caveatType {
			return c.Value, true
		}
	}
	return "", false
}

// Covers reports whether the token's scope includes the capsule id.
func (t *Token) Covers(capsuleID string) bool {
	for _, id := range t.Capsules {
		if id == capsuleID {
			return true
		}
	}
	return false
}

// SigningPayload is the canonical serialization of the token minus its
// signature; it is what Signer implementations sign and verify.
func (t *Token) SigningPayload() ([]byte, error) {
	unsigned := *t
	unsigned.Signature = ""
	s, err := canon.Canonicalize(&unsigned)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Signer is the pluggable signature scheme for capability tokens.
// Key issuance is out of scope; any scheme that can sign and verify the
// canonical token payload satisfies it.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, signature string) error
	Epoch() int
}

// hmacSigner signs with HMAC-SHA256 under an epoch-scoped key.
type hmacSigner struct {
	key   []byte
	epoch int
}

// NewHMACSigner creates a Signer keyed by the given secret for a key
// epoch. Rotating the key bumps the epoch, invalidating older tokens.
func NewHMACSigner(key []byte, epoch int) Signer {
	k := make([]byte, len(key))
	copy(k, key)
	return &hmacSigner{key: k, epoch: epoch}
}

func (s *hmacSigner) Sign(data []byte) (string, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (s *hmacSigner) Verify(data []byte, signature string) error {
	want, err := s.Sign(data)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return errors.NewValidation("signature", "token signature verification failed")
	}
	return nil
}

func (s *hmacSigner) Epoch() int { return s.epoch }
