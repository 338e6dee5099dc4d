package envelope

import (
	"bytes"
	"testing"

	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/keys"
)

var testLabels = map[string]string{
	"sensitivity": "personal",
	"retention":   "permanent",
	"sharing":     "none",
}

func testMaster(t *testing.T) []byte {
	t.Helper()
	key, err := keys.NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey failed: %v", err)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	master := testMaster(t)
	plaintext := []byte("hello")

	sealed, err := Encrypt(master, plaintext, "capsule:sha256:ab", "1.0", testLabels)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if sealed.Algorithm != Algorithm {
		t.Errorf("Algorithm = %s, want %s", sealed.Algorithm, Algorithm)
	}
	if len(sealed.Nonce) != 24 {
		t.Errorf("nonce length = %d, want 24", len(sealed.Nonce))
	}
	if bytes.Contains(sealed.Ciphertext, plaintext) {
		t.Error("ciphertext must not contain plaintext")
	}

	got, err := Decrypt(master, sealed, "capsule:sha256:ab", "1.0", testLabels)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongContextFails(t *testing.T) {
	master := testMaster(t)
	sealed, err := Encrypt(master, []byte("secret"), "capsule:sha256:ab", "1.0", testLabels)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Wrong capsule id.
	if _, err := Decrypt(master, sealed, "capsule:sha256:cd", "1.0", testLabels); !errors.Is(err, errors.ErrDecryption) {
		t.Errorf("wrong capsule id: err = %v, want DECRYPTION_FAILED", err)
	}

	// Wrong version.
	if _, err := Decrypt(master, sealed, "capsule:sha256:ab", "2.0", testLabels); !errors.Is(err, errors.ErrDecryption) {
		t.Errorf("wrong version: err = %v, want DECRYPTION_FAILED", err)
	}

	// Wrong labels.
	other := map[string]string{"sensitivity": "public", "retention": "7d", "sharing": "public"}
	if _, err := Decrypt(master, sealed, "capsule:sha256:ab", "1.0", other); !errors.Is(err, errors.ErrDecryption) {
		t.Errorf("wrong labels: err = %v, want DECRYPTION_FAILED", err)
	}

	// Wrong key.
	if _, err := Decrypt(testMaster(t), sealed, "capsule:sha256:ab", "1.0", testLabels); !errors.Is(err, errors.ErrDecryption) {
		t.Errorf("wrong key: err = %v, want DECRYPTION_FAILED", err)
	}
}

func TestDecryptCorruptedCiphertext(t *testing.T) {
	master := testMaster(t)
	sealed, err := Encrypt(master, []byte("secret"), "capsule:sha256:ab", "1.0", testLabels)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	sealed.Ciphertext[0] ^= 0x01
	if _, err := Decrypt(master, sealed, "capsule:sha256:ab", "1.0", testLabels); !errors.Is(err, errors.ErrDecryption) {
		t.Errorf("err = %v, want DECRYPTION_FAILED", err)
	}
}

func TestDecryptUnsupportedAlgorithm(t *testing.T) {
	master := testMaster(t)
	sealed, err := Encrypt(master, []byte("secret"), "capsule:sha256:ab", "1.0", testLabels)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	sealed.Algorithm = "aes-128-cbc"
	if _, err := Decrypt(master, sealed, "capsule:sha256:ab", "1.0", testLabels); !errors.Is(err, errors.ErrUnsupportedAlgorithm) {
		t.Errorf("err = %v, want UNSUPPORTED_ALGORITHM", err)
	}
}

func TestNonceFreshPerCall(t *testing.T) {
	master := testMaster(t)
	a, _ := Encrypt(master, []byte("x"), "capsule:sha256:ab", "1.0", testLabels)
	b, _ := Encrypt(master, []byte("x"), "capsule:sha256:ab", "1.0", testLabels)
	if bytes.Equal(a.Nonce, b.Nonce) {
		t.Error("nonce must be fresh per encryption")
	}
}

func TestDeriveContentKeyIsPerCapsule(t *testing.T) {
	master := testMaster(t)
	k1, err := DeriveContentKey(master, "capsule:sha256:ab")
	if err != nil {
		t.Fatalf("DeriveContentKey failed: %v", err)
	}
	k2, err := DeriveContentKey(master, "capsule:sha256:cd")
	if err != nil {
		t.Fatalf("DeriveContentKey failed: %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("content keys must differ per capsule")
	}
}

func TestBuildAADDeterministic(t *testing.T) {
	aad1, hash1, err := BuildAAD("capsule:sha256:ab", "1.0", testLabels)
	if err != nil {
		t.Fatalf("BuildAAD failed: %v", err)
	}
	aad2, hash2, err := BuildAAD("capsule:sha256:ab", "1.0", testLabels)
	if err != nil {
		t.Fatalf("BuildAAD failed: %v", err)
	}
	if !bytes.Equal(aad1, aad2) || hash1 != hash2 {
		t.Error("AAD construction must be deterministic")
	}
}
