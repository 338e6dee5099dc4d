package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/errors"
)

// ErrUniqueConstraint is returned when an insert violates a UNIQUE constraint.
var ErrUniqueConstraint = &errors.VaultError{
	Code:    errors.ErrInvalidRequest,
	Status:  409,
	Message: "record already exists",
}

// VaultMeta is the single row describing the vault: its id, the KDF
// parameters, and the passphrase-wrapped master key.
type VaultMeta struct {
	VaultID       string
	KDFSalt       []byte
	KDFIterations int
	WrapNonce     []byte
	WrappedKey    []byte
	CreatedAt     int64
}

// Memory is one stored memory record: the full capsule (content still
// encrypted inside its envelope) plus the independent integrity block.
type Memory struct {
	ID              string
	CapsuleID       string
	Capsule         *capsule.Capsule
	ContentChecksum string
	HeaderChecksum  string
	CreatedAt       int64
}

// Attachment references an encrypted blob from a memory record.
// Multiple attachments may share one blob through content_hash.
type Attachment struct {
	ID          string
	MemoryID    string
	Name        string
	MediaType   string
	ContentHash string
	SizeBytes   int64
	CreatedAt   int64
}

// Blob is one encrypted attachment body, stored once per content hash.
type Blob struct {
	ContentHash string
	Algorithm   string
	Nonce       string
	AADHash     string
	Data        []byte
	SizeBytes   int64
	CreatedAt   int64
}

// InsertVaultMeta stores the vault metadata row.
func InsertVaultMeta(ctx context.Context, q Querier, m *VaultMeta) error {
	query := `
		INSERT INTO vault_meta (vault_id, kdf_salt, kdf_iterations, wrap_nonce, wrapped_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		m.VaultID, m.KDFSalt, m.KDFIterations, m.WrapNonce, m.WrappedKey, m.CreatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetVaultMeta returns the vault metadata row, or NOT_FOUND for an
// uninitialized vault.
func GetVaultMeta(ctx context.Context, q Querier) (*VaultMeta, error) {
	query := `
		SELECT vault_id, kdf_salt, kdf_iterations, wrap_nonce, wrapped_key, created_at
		FROM vault_meta LIMIT 1
	`
	var m VaultMeta
	err := q.QueryRowContext(ctx, query).Scan(
		&m.VaultID, &m.KDFSalt, &m.KDFIterations, &m.WrapNonce, &m.WrappedKey, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound("vault")
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &m, nil
}

// InsertMemory stores a new memory record. Saving the same capsule
// twice violates the capsule_id unique index.
func InsertMemory(ctx context.Context, q Querier, m *Memory) error {
	capsuleJSON, err := json.Marshal(m.Capsule)
	if err != nil {
		return errors.NewInternal(err)
	}

	query := `
		INSERT INTO memories (id, capsule_id, capsule_json, content_checksum, header_checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = q.ExecContext(ctx, query,
		m.ID, m.CapsuleID, string(capsuleJSON), m.ContentChecksum, m.HeaderChecksum, m.CreatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetMemory retrieves a memory record by its ULID or by its capsule URN.
func GetMemory(ctx context.Context, q Querier, id string) (*Memory, error) {
	query := `
		SELECT id, capsule_id, capsule_json, content_checksum, header_checksum, created_at
		FROM memories
		WHERE id = ? OR capsule_id = ?
	`
	m, err := scanMemory(q.QueryRowContext(ctx, query, id, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return m, nil
}

// ListMemories returns memory records newest-first.
func ListMemories(ctx context.Context, q Querier, limit, offset int) ([]*Memory, error) {
	query := `
		SELECT id, capsule_id, capsule_json, content_checksum, header_checksum, created_at
		FROM memories
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := q.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// CountMemories returns the total number of memory records.
func CountMemories(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n); err != nil {
		return 0, errors.NewInternal(err)
	}
	return n, nil
}

// AllMemories returns every memory record in insertion order. Used by
// the backup snapshot.
func AllMemories(ctx context.Context, q Querier) ([]*Memory, error) {
	query := `
		SELECT id, capsule_id, capsule_json, content_checksum, header_checksum, created_at
		FROM memories
		ORDER BY created_at ASC, id ASC
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// UpsertBlob stores an encrypted blob unless one with the same content
// hash already exists. Returns true if a new row was written.
func UpsertBlob(ctx context.Context, q Querier, b *Blob) (bool, error) {
	query := `
		INSERT OR IGNORE INTO blobs (content_hash, algorithm, nonce, aad_hash, data, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := q.ExecContext(ctx, query,
		b.ContentHash, b.Algorithm, b.Nonce, b.AADHash, b.Data, b.SizeBytes, b.CreatedAt)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n > 0, nil
}

// GetBlob retrieves an encrypted blob by content hash.
func GetBlob(ctx context.Context, q Querier, contentHash string) (*Blob, error) {
	query := `
		SELECT content_hash, algorithm, nonce, aad_hash, data, size_bytes, created_at
		FROM blobs
		WHERE content_hash = ?
	`
	var b Blob
	err := q.QueryRowContext(ctx, query, contentHash).Scan(
		&b.ContentHash, &b.Algorithm, &b.Nonce, &b.AADHash, &b.Data, &b.SizeBytes, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(contentHash)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &b, nil
}

// AllBlobs returns every blob. Data stays in its encrypted form.
func AllBlobs(ctx context.Context, q Querier) ([]*Blob, error) {
	query := `
		SELECT content_hash, algorithm, nonce, aad_hash, data, size_bytes, created_at
		FROM blobs
		ORDER BY created_at ASC, content_hash ASC
	`
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*Blob
	for rows.Next() {
		var b Blob
		if err := rows.Scan(&b.ContentHash, &b.Algorithm, &b.Nonce, &b.AADHash,
			&b.Data, &b.SizeBytes, &b.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// DeleteBlobIfUnreferenced removes a blob once no attachment references
// it. Returns true if the blob was deleted.
func DeleteBlobIfUnreferenced(ctx context.Context, q Querier, contentHash string) (bool, error) {
	query := `
		DELETE FROM blobs
		WHERE content_hash = ?
		AND NOT EXISTS (SELECT 1 FROM attachments WHERE content_hash = ?)
	`
	result, err := q.ExecContext(ctx, query, contentHash, contentHash)
	if err != nil {
		return false, errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewInternal(err)
	}
	return n > 0, nil
}

// InsertAttachment stores a new attachment record.
func InsertAttachment(ctx context.Context, q Querier, a *Attachment) error {
	query := `
		INSERT INTO attachments (id, memory_id, name, media_type, content_hash, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		a.ID, a.MemoryID, a.Name, a.MediaType, a.ContentHash, a.SizeBytes, a.CreatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrUniqueConstraint
		}
		return errors.NewInternal(err)
	}
	return nil
}

// GetAttachment retrieves an attachment record by its ULID.
func GetAttachment(ctx context.Context, q Querier, id string) (*Attachment, error) {
	query := `
		SELECT id, memory_id, name, media_type, content_hash, size_bytes, created_at
		FROM attachments
		WHERE id = ?
	`
	var a Attachment
	err := q.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.MemoryID, &a.Name, &a.MediaType, &a.ContentHash, &a.SizeBytes, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(id)
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return &a, nil
}

// ListAttachments returns the attachments of one memory in insertion
// order. Pass an empty memoryID to list every attachment.
func ListAttachments(ctx context.Context, q Querier, memoryID string) ([]*Attachment, error) {
	query := `
		SELECT id, memory_id, name, media_type, content_hash, size_bytes, created_at
		FROM attachments
	`
	var args []any
	if memoryID != "" {
		query += " WHERE memory_id = ?"
		args = append(args, memoryID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MemoryID, &a.Name, &a.MediaType,
			&a.ContentHash, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// DeleteAttachment removes an attachment record.
func DeleteAttachment(ctx context.Context, q Querier, id string) error {
	result, err := q.ExecContext(ctx, "DELETE FROM attachments WHERE id = ?", id)
	if err != nil {
		return errors.NewInternal(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(id)
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helper.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanMemory scans a single row into a Memory struct.
func scanMemory(row rowScanner) (*Memory, error) {
	var (
		m           Memory
		capsuleJSON string
	)
	err := row.Scan(&m.ID, &m.CapsuleID, &capsuleJSON,
		&m.ContentChecksum, &m.HeaderChecksum, &m.CreatedAt)
	if err != nil {
		return nil, err
	}

	m.Capsule = &capsule.Capsule{}
	if err := json.Unmarshal([]byte(capsuleJSON), m.Capsule); err != nil {
		return nil, err
	}
	return &m, nil
}

// isUniqueConstraintError checks if the error is a SQLite UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	// SQLite returns "UNIQUE constraint failed: ..." for unique violations
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
