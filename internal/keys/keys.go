// Package keys defines the master-key provider consumed by the crypto
// and storage components. The vault master key is a random 256-bit DEK
// wrapped at rest by a KEK derived from the owner's passphrase; the
// provider interface keeps that lifecycle out of the crypto core and
// replaces any process-wide key singleton.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/hpungsan/keep/internal/errors"
)

const (
	// KeySize is the master key length in bytes (256-bit).
	KeySize = 32

	// SaltSize is the KEK salt length in bytes.
	SaltSize = 16

	// MinKDFIterations is the floor for PBKDF2 iteration counts.
	MinKDFIterations = 100_000
)

// Provider returns master key material for a vault. Implementations
// must fail closed: a locked or unavailable vault returns VAULT_LOCKED,
// never a default key.
type Provider interface {
	MasterKey(vaultID string) ([]byte, error)
}

// static is an unlocked provider holding key material in memory.
type static struct {
	key []byte
}

// Static returns a provider serving the given 256-bit key.
func Static(key []byte) Provider {
	k := make([]byte, len(key))
	copy(k, key)
	return &static{key: k}
}

func (s *static) MasterKey(string) ([]byte, error) {
	if len(s.key) != KeySize {
		return nil, errors.NewVaultLocked()
	}
	out := make([]byte, KeySize)
	copy(out, s.key)
	return out, nil
}

// locked is a provider for a vault whose key is not available.
type locked struct{}

// Locked returns a provider that always fails with VAULT_LOCKED.
func Locked() Provider {
	return locked{}
}

func (locked) MasterKey(string) ([]byte, error) {
	return nil, errors.NewVaultLocked()
}

// NewMasterKey generates a fresh random 256-bit DEK.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errors.NewInternal(err)
	}
	return key, nil
}

// NewSalt generates a fresh random KEK salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.NewInternal(err)
	}
	return salt, nil
}

// DeriveKEK derives a key-encryption key from a passphrase and salt via
// PBKDF2-SHA256. Iteration counts below MinKDFIterations are raised to
// the floor.
func DeriveKEK(passphrase string, salt []byte, iterations int) []byte {
	if iterations < MinKDFIterations {
		iterations = MinKDFIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
}

// DeriveSigningKey derives the capability-token signing key from the
// vault master key via HKDF-SHA256. The raw master key never signs
// anything directly.
func DeriveSigningKey(master []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte("keep.token.v1"), []byte("token-signing"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.NewInternal(err)
	}
	return key, nil
}

// WrapKey encrypts the DEK under the KEK. Returns nonce and ciphertext.
func WrapKey(kek, dek []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, nil, errors.NewEncryption("key wrap failed")
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.NewInternal(err)
	}
	ciphertext = aead.Seal(nil, nonce, dek, []byte("keep.keywrap.v1"))
	return nonce, ciphertext, nil
}

// UnwrapKey decrypts a wrapped DEK. A wrong passphrase surfaces as
// VAULT_LOCKED so callers can prompt for unlock rather than treat it as
// corruption.
func UnwrapKey(kek, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, errors.NewDecryption("key unwrap failed")
	}
	dek, err := aead.Open(nil, nonce, ciphertext, []byte("keep.keywrap.v1"))
	if err != nil {
		return nil, errors.NewVaultLocked()
	}
	return dek, nil
}
