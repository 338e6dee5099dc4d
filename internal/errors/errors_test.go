package errors

import "testing"

func TestVaultError_Error(t *testing.T) {
	err := NewValidation("labels.sensitivity", "not a known value")
	want := "VALIDATION_FAILED: invalid labels.sensitivity: not a known value"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if err.Details["field"] != "labels.sensitivity" {
		t.Errorf("Details[field] = %v, want labels.sensitivity", err.Details["field"])
	}
}

func TestIs(t *testing.T) {
	err := NewReplayNonce("token:uuid:abc")
	if !Is(err, ErrReplayNonce) {
		t.Error("Is should match ERR_REPLAY_NONCE")
	}
	if Is(err, ErrProjectionMismatch) {
		t.Error("Is should not match a different code")
	}
	if Is(nil, ErrInternal) {
		t.Error("Is(nil) should be false")
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(NewVaultLocked()) != ErrVaultLocked {
		t.Error("CodeOf should return VAULT_LOCKED")
	}
	if CodeOf(errPlain{}) != ErrInternal {
		t.Error("CodeOf should default to INTERNAL for untyped errors")
	}
}

type errPlain struct{}

func (errPlain) Error() string { return "plain" }

func TestStatusCodes(t *testing.T) {
	cases := []struct {
		err    *VaultError
		status int
	}{
		{NewInvalidRequest("x"), 400},
		{NewNotFound("capsule:sha256:ff"), 404},
		{NewReplayNonce("t"), 409},
		{NewProjectionMismatch("t"), 403},
		{NewVaultLocked(), 423},
		{NewTransaction(nil), 500},
		{NewBackup("weak passphrase"), 400},
	}
	for _, c := range cases {
		if c.err.Status != c.status {
			t.Errorf("%s status = %d, want %d", c.err.Code, c.err.Status, c.status)
		}
	}
}
