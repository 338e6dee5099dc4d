package errors

import "fmt"

// ErrorCode represents a Keep error code.
// Codes are stable strings: they cross the CLI/MCP boundary unchanged.
type ErrorCode string

const (
	ErrValidation           ErrorCode = "VALIDATION_FAILED"       // 400
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"         // 400
	ErrMalformedInput       ErrorCode = "MALFORMED_INPUT"         // 400
	ErrNotFound             ErrorCode = "NOT_FOUND"               // 404
	ErrReplayNonce          ErrorCode = "ERR_REPLAY_NONCE"        // 409
	ErrProjectionMismatch   ErrorCode = "ERR_PROJECTION_MISMATCH" // 403
	ErrTokenExpired         ErrorCode = "TOKEN_EXPIRED"           // 403
	ErrCaveatViolation      ErrorCode = "CAVEAT_VIOLATION"        // 403
	ErrVaultLocked          ErrorCode = "VAULT_LOCKED"            // 423
	ErrEncryption           ErrorCode = "ENCRYPTION_FAILED"       // 500
	ErrDecryption           ErrorCode = "DECRYPTION_FAILED"       // 400
	ErrUnsupportedAlgorithm ErrorCode = "UNSUPPORTED_ALGORITHM"   // 400
	ErrIntegrity            ErrorCode = "INTEGRITY_FAILURE"       // 500
	ErrTransaction          ErrorCode = "TRANSACTION_FAILED"      // 500
	ErrBackup               ErrorCode = "BACKUP_FAILED"           // 400
	ErrCancelled            ErrorCode = "CANCELLED"               // 499
	ErrInternal             ErrorCode = "INTERNAL"                // 500
)

// VaultError represents a structured error with code, status, and details.
type VaultError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *VaultError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidation creates a 400 error naming the offending field.
func NewValidation(field, msg string) *VaultError {
	return &VaultError{
		Code:    ErrValidation,
		Status:  400,
		Message: fmt.Sprintf("invalid %s: %s", field, msg),
		Details: map[string]any{"field": field},
	}
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *VaultError {
	return &VaultError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewMalformedInput creates a 400 error for values the canonicalizer
// cannot represent (circular references, unsupported types).
func NewMalformedInput(msg string) *VaultError {
	return &VaultError{
		Code:    ErrMalformedInput,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing record.
func NewNotFound(identifier string) *VaultError {
	return &VaultError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("record not found: %s", identifier),
		Details: map[string]any{"identifier": identifier},
	}
}

// NewReplayNonce creates a 409 error for a request nonce that was
// already consumed for the token.
func NewReplayNonce(tokenID string) *VaultError {
	return &VaultError{
		Code:    ErrReplayNonce,
		Status:  409,
		Message: "request nonce already used for this token",
		Details: map[string]any{"token_id": tokenID},
	}
}

// NewProjectionMismatch creates a 403 error for a requested projection
// that does not match the token's projection-hash caveat.
func NewProjectionMismatch(tokenID string) *VaultError {
	return &VaultError{
		Code:    ErrProjectionMismatch,
		Status:  403,
		Message: "requested projection does not match the projection bound at issuance",
		Details: map[string]any{"token_id": tokenID},
	}
}

// NewTokenExpired creates a 403 error for an expired capability token.
func NewTokenExpired(tokenID string) *VaultError {
	return &VaultError{
		Code:    ErrTokenExpired,
		Status:  403,
		Message: "capability token has expired",
		Details: map[string]any{"token_id": tokenID},
	}
}

// NewCaveatViolation creates a 403 error for any other failed caveat.
func NewCaveatViolation(caveat, msg string) *VaultError {
	return &VaultError{
		Code:    ErrCaveatViolation,
		Status:  403,
		Message: msg,
		Details: map[string]any{"caveat": caveat},
	}
}

// NewVaultLocked creates a 423 error for operations attempted while the
// master key is unavailable. Callers are responsible for prompting unlock.
func NewVaultLocked() *VaultError {
	return &VaultError{
		Code:    ErrVaultLocked,
		Status:  423,
		Message: "vault is locked: master key unavailable",
	}
}

// NewEncryption creates a 500 error for a failed encryption.
func NewEncryption(msg string) *VaultError {
	return &VaultError{
		Code:    ErrEncryption,
		Status:  500,
		Message: msg,
	}
}

// NewDecryption creates a 400 error for a failed decryption
// (wrong key, corrupted ciphertext, or AAD mismatch).
func NewDecryption(msg string) *VaultError {
	return &VaultError{
		Code:    ErrDecryption,
		Status:  400,
		Message: msg,
	}
}

// NewUnsupportedAlgorithm creates a 400 error for an envelope declaring
// an algorithm this implementation does not support.
func NewUnsupportedAlgorithm(algorithm string) *VaultError {
	return &VaultError{
		Code:    ErrUnsupportedAlgorithm,
		Status:  400,
		Message: fmt.Sprintf("unsupported encryption algorithm: %s", algorithm),
		Details: map[string]any{"algorithm": algorithm},
	}
}

// NewIntegrity creates a 500 error for a checksum or hash-chain mismatch.
// Never recovered from silently; callers log a critical corruption event.
func NewIntegrity(id, msg string) *VaultError {
	return &VaultError{
		Code:    ErrIntegrity,
		Status:  500,
		Message: msg,
		Details: map[string]any{"id": id},
	}
}

// NewTransaction creates a 500 error for a failed multi-store write.
// The entire transaction was rolled back; the caller may retry the whole
// operation.
func NewTransaction(err error) *VaultError {
	return &VaultError{
		Code:    ErrTransaction,
		Status:  500,
		Message: fmt.Sprintf("transaction failed: %v", err),
	}
}

// NewBackup creates a 400 error for backup/restore failures
// (weak passphrase, corrupted package, format mismatch).
func NewBackup(msg string) *VaultError {
	return &VaultError{
		Code:    ErrBackup,
		Status:  400,
		Message: msg,
	}
}

// NewCancelled creates a 499 error for a cooperatively cancelled operation.
func NewCancelled(operation string) *VaultError {
	return &VaultError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", operation),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *VaultError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &VaultError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a VaultError with the given code.
func Is(err error, code ErrorCode) bool {
	if vErr, ok := err.(*VaultError); ok {
		return vErr.Code == code
	}
	return false
}

// CodeOf returns the error code of a VaultError, or ErrInternal for any
// other error.
func CodeOf(err error) ErrorCode {
	if vErr, ok := err.(*VaultError); ok {
		return vErr.Code
	}
	return ErrInternal
}
