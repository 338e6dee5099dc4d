// Package vault is the storage engine: it owns the vault lifecycle
// (init/unlock), the transactional write path for memories and
// attachments, integrity-checked reads, and the audit log surface.
package vault

import (
	"context"
	"crypto/rand"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
	"github.com/hpungsan/keep/internal/hlc"
	"github.com/hpungsan/keep/internal/keys"
	"github.com/hpungsan/keep/internal/retry"
)

// MinPassphraseLen is the minimum vault passphrase length.
const MinPassphraseLen = 8

// retryableCodes lists the error codes the engine retries. Security
// failures are deliberately absent.
var retryableCodes = []errors.ErrorCode{errors.ErrTransaction}

// Engine serves all storage operations for one unlocked vault.
// Mutating operations are serialized: one logical owner per vault.
type Engine struct {
	mu       sync.Mutex
	database *sql.DB
	keys     keys.Provider
	clock    *hlc.Clock
	cfg      *config.Config
	vaultID  string
	actor    string
	now      func() time.Time
}

// NewEngine creates an engine over an initialized database and an
// unlocked key provider.
func NewEngine(database *sql.DB, kp keys.Provider, vaultID string, cfg *config.Config) *Engine {
	return NewEngineAt(database, kp, vaultID, cfg, time.Now)
}

// NewEngineAt creates an engine with an injected wall clock.
func NewEngineAt(database *sql.DB, kp keys.Provider, vaultID string, cfg *config.Config, now func() time.Time) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Engine{
		database: database,
		keys:     kp,
		clock:    hlc.NewClockAt(now),
		cfg:      cfg,
		vaultID:  vaultID,
		actor:    "self",
		now:      now,
	}
}

// VaultID returns the id of the vault this engine serves.
func (e *Engine) VaultID() string {
	return e.vaultID
}

// Keys returns the engine's key provider.
func (e *Engine) Keys() keys.Provider {
	return e.keys
}

// InitVault creates the vault metadata row: a fresh vault id, a random
// 256-bit master key, and that key wrapped by a KEK derived from the
// passphrase. Fails if the vault already exists.
func InitVault(ctx context.Context, database *sql.DB, passphrase string, cfg *config.Config) (string, error) {
	if len(passphrase) < MinPassphraseLen {
		return "", errors.NewValidation("passphrase",
			"must be at least 8 characters")
	}
	if _, err := db.GetVaultMeta(ctx, database); err == nil {
		return "", errors.NewInvalidRequest("vault already initialized")
	} else if !errors.Is(err, errors.ErrNotFound) {
		return "", err
	}

	iterations := keys.MinKDFIterations
	if cfg != nil && cfg.KDFIterations > iterations {
		iterations = cfg.KDFIterations
	}

	salt, err := keys.NewSalt()
	if err != nil {
		return "", err
	}
	dek, err := keys.NewMasterKey()
	if err != nil {
		return "", err
	}
	kek := keys.DeriveKEK(passphrase, salt, iterations)
	nonce, wrapped, err := keys.WrapKey(kek, dek)
	if err != nil {
		return "", err
	}

	vaultID := "vault:uuid:" + uuid.NewString()
	err = db.WithTx(ctx, database, func(tx *sql.Tx) error {
		return db.InsertVaultMeta(ctx, tx, &db.VaultMeta{
			VaultID:       vaultID,
			KDFSalt:       salt,
			KDFIterations: iterations,
			WrapNonce:     nonce,
			WrappedKey:    wrapped,
			CreatedAt:     time.Now().Unix(),
		})
	})
	if err != nil {
		return "", err
	}
	return vaultID, nil
}

// Unlock derives the KEK from the passphrase and unwraps the vault
// master key. A wrong passphrase surfaces as VAULT_LOCKED.
func Unlock(ctx context.Context, database *sql.DB, passphrase string) (keys.Provider, string, error) {
	meta, err := db.GetVaultMeta(ctx, database)
	if err != nil {
		return nil, "", err
	}

	kek := keys.DeriveKEK(passphrase, meta.KDFSalt, meta.KDFIterations)
	dek, err := keys.UnwrapKey(kek, meta.WrapNonce, meta.WrappedKey)
	if err != nil {
		return nil, "", err
	}
	return keys.Static(dek), meta.VaultID, nil
}

// VerifyLogOutput reports the result of a full chain verification.
type VerifyLogOutput struct {
	OK       bool   `json:"ok"`
	FailedAt string `json:"failed_at,omitempty"`
	Checked  int    `json:"checked"`
}

// VerifyLog walks the persisted event chain and reports the first
// divergence, if any.
func (e *Engine) VerifyLog(ctx context.Context) (*VerifyLogOutput, error) {
	events, err := db.NewEventStore(e.database).All(ctx)
	if err != nil {
		return nil, err
	}
	result := eventlog.VerifyEvents(events)
	return &VerifyLogOutput{OK: result.OK, FailedAt: result.FailedAt, Checked: result.Checked}, nil
}

// ListEvents returns the most recent events, newest last. A limit of 0
// returns the whole chain.
func (e *Engine) ListEvents(ctx context.Context, limit int) ([]*eventlog.Event, error) {
	events, err := db.NewEventStore(e.database).All(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	return events, nil
}

// RecordEvent appends a domain event outside the transactional write
// paths, such as token issuance or a sensitive read.
func (e *Engine) RecordEvent(ctx context.Context, eventType, capsuleID string, payload map[string]any) (*eventlog.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appendEvent(ctx, e.database, eventType, capsuleID, payload)
}

// appendEvent writes one event to the chain through a querier, which
// may be an open transaction. Callers serialize through e.mu.
func (e *Engine) appendEvent(ctx context.Context, q db.Querier, eventType, capsuleID string, payload any) (*eventlog.Event, error) {
	log := eventlog.NewLogAt(db.NewEventStore(q), e.clock, e.now)
	return log.CreateEvent(ctx, eventType, capsuleID, payload, e.actor)
}

// logCorruption records exactly one critical corruption event for a
// failed integrity check. The original error is returned regardless.
func (e *Engine) logCorruption(ctx context.Context, id string, cause *errors.VaultError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.appendEvent(ctx, e.database, eventlog.TypeCorruptionFound, id, map[string]any{
		"code":    string(cause.Code),
		"message": cause.Message,
		"id":      id,
	})
}

// withWriteTx runs one logical write as a retried transaction.
// Callers hold e.mu.
func (e *Engine) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.WithBackoff(ctx, retry.DefaultPolicy(), func() error {
		return db.WithTx(ctx, e.database, fn)
	}, retryableCodes)
}

// generateULID generates a new ULID.
func generateULID() (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
