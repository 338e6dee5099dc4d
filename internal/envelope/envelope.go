// Package envelope implements the authenticated encryption layer for
// capsule content. Ciphertext is bound to the capsule identity, format
// version, and labels through deterministic AAD, so swapping any of
// them invalidates decryption.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/errors"
)

// Algorithm is the one AEAD identifier this implementation supports.
const Algorithm = "xchacha20-poly1305"

// contentKeySalt is the fixed HKDF domain-separation string for
// per-capsule content keys.
const contentKeySalt = "keep.content.v1"

// Sealed is the result of encrypting one plaintext: the AEAD nonce,
// ciphertext, and the hash of the AAD actually used. The AAD hash is
// verified before the authentication tag check on decrypt.
type Sealed struct {
	Algorithm  string
	Nonce      []byte
	Ciphertext []byte
	AADHash    string
}

// DeriveContentKey derives the per-capsule content key from the vault
// master key via HKDF-SHA256, info = "content-" + capsuleID.
func DeriveContentKey(master []byte, capsuleID string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte(contentKeySalt), []byte("content-"+capsuleID))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.NewEncryption("content key derivation failed")
	}
	return key, nil
}

// BuildAAD constructs the additional authenticated data as length-prefixed
// triples of capsuleID, version, and the SHA-256 of the canonicalized
// labels. Returns the AAD bytes and their hash.
func BuildAAD(capsuleID, version string, labels any) (aad []byte, aadHash string, err error) {
	labelsHash, err := canon.Hash(labels)
	if err != nil {
		return nil, "", err
	}
	labelsRaw, err := hex.DecodeString(strings.TrimPrefix(labelsHash, "sha256:"))
	if err != nil {
		return nil, "", errors.NewInternal(err)
	}
	aad = canon.LengthPrefixed([]byte(capsuleID), []byte(version), labelsRaw)
	return aad, canon.HashBytes(aad), nil
}

// Encrypt seals plaintext for a capsule with a fresh random nonce.
// The content key is derived per capsule; the nonce is never reused for
// the same key.
func Encrypt(master, plaintext []byte, capsuleID, version string, labels any) (*Sealed, error) {
	key, err := DeriveContentKey(master, capsuleID)
	if err != nil {
		return nil, err
	}
	aad, aadHash, err := BuildAAD(capsuleID, version, labels)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.NewEncryption("cipher construction failed")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.NewInternal(err)
	}

	return &Sealed{
		Algorithm:  Algorithm,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
		AADHash:    aadHash,
	}, nil
}

// Decrypt opens a sealed envelope. The recorded AAD hash is checked
// against the recomputed AAD before the authentication tag runs, so an
// AAD mismatch is reported without touching the ciphertext.
func Decrypt(master []byte, s *Sealed, capsuleID, version string, labels any) ([]byte, error) {
	if s.Algorithm != Algorithm {
		return nil, errors.NewUnsupportedAlgorithm(s.Algorithm)
	}

	key, err := DeriveContentKey(master, capsuleID)
	if err != nil {
		return nil, err
	}
	aad, aadHash, err := BuildAAD(capsuleID, version, labels)
	if err != nil {
		return nil, err
	}
	if s.AADHash != "" && s.AADHash != aadHash {
		return nil, errors.NewDecryption("AAD mismatch: envelope bound to different capsule context")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.NewDecryption("cipher construction failed")
	}
	plaintext, err := aead.Open(nil, s.Nonce, s.Ciphertext, aad)
	if err != nil {
		return nil, errors.NewDecryption("authentication failed: wrong key or corrupted ciphertext")
	}
	return plaintext, nil
}
