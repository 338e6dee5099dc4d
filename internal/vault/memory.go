package vault

import (
	"context"
	"database/sql"

	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
)

// Pagination limits
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Pagination contains pagination metadata for list operations.
type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
	Total   int  `json:"total"`
}

// SaveMemoryInput contains parameters for the SaveMemory operation.
type SaveMemoryInput struct {
	Content     any               // required: string, []byte, or JSON structure
	ContentType string            // optional media type override
	Subject     string            // optional; defaults to actor
	Labels      map[string]string // standardized onto the closed enums
	Extensions  map[string]any
	Attachments []AttachmentInput
}

// AttachmentInput is one attachment saved together with its memory.
type AttachmentInput struct {
	Name      string
	MediaType string
	Data      []byte
}

// AttachmentRef identifies a stored attachment.
type AttachmentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MediaType   string `json:"media_type"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`
	Reused      bool   `json:"reused,omitempty"`
}

// SaveMemoryOutput contains the result of the SaveMemory operation.
type SaveMemoryOutput struct {
	MemoryID    string          `json:"memory_id"`
	CapsuleID   string          `json:"capsule_id"`
	EventID     string          `json:"event_id"`
	Created     string          `json:"created"`
	Labels      capsule.Labels  `json:"labels"`
	Attachments []AttachmentRef `json:"attachments,omitempty"`
}

// SaveMemory builds and encrypts a capsule from the input, then commits
// the memory record, its attachments, their blobs, and the audit event
// in one transaction. Nothing becomes visible on failure.
func (e *Engine) SaveMemory(ctx context.Context, input SaveMemoryInput) (*SaveMemoryOutput, error) {
	if s, ok := input.Content.(string); ok && len(s) > e.cfg.MemoryMaxBytes {
		return nil, errors.NewValidation("content", "exceeds configured size limit")
	}
	if b, ok := input.Content.([]byte); ok && len(b) > e.cfg.MemoryMaxBytes {
		return nil, errors.NewValidation("content", "exceeds configured size limit")
	}
	for _, a := range input.Attachments {
		if len(a.Data) == 0 {
			return nil, errors.NewValidation("attachment.data", "must not be empty")
		}
		if len(a.Data) > e.cfg.AttachmentMaxBytes {
			return nil, errors.NewValidation("attachment.data", "exceeds configured size limit")
		}
	}

	// Fail closed before any work if the vault is locked.
	master, err := e.keys.MasterKey(e.vaultID)
	if err != nil {
		return nil, err
	}

	builder := capsule.NewBuilderAt(e.keys, e.vaultID, e.now)
	c, err := builder.Create(capsule.CreateInput{
		Content:     input.Content,
		ContentType: input.ContentType,
		Subject:     input.Subject,
		Creator:     e.actor,
		Labels:      input.Labels,
		Extensions:  input.Extensions,
	})
	if err != nil {
		return nil, err
	}

	headerHash, err := capsule.HeaderHash(c)
	if err != nil {
		return nil, err
	}

	memoryID, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	// Encrypt attachment blobs outside the transaction; only the writes
	// happen inside it.
	blobs := make([]*db.Blob, len(input.Attachments))
	refs := make([]AttachmentRef, len(input.Attachments))
	for i, a := range input.Attachments {
		blob, ref, err := e.sealBlob(master, a)
		if err != nil {
			return nil, err
		}
		blobs[i], refs[i] = blob, ref
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var eventID string
	err = e.withWriteTx(ctx, func(tx *sql.Tx) error {
		now := e.now().Unix()
		if err := db.InsertMemory(ctx, tx, &db.Memory{
			ID:              memoryID,
			CapsuleID:       c.ID,
			Capsule:         c,
			ContentChecksum: c.Content.ContentHash,
			HeaderChecksum:  headerHash,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		for i := range blobs {
			inserted, err := db.UpsertBlob(ctx, tx, blobs[i])
			if err != nil {
				return err
			}
			refs[i].Reused = !inserted

			attachmentID, err := generateULID()
			if err != nil {
				return errors.NewInternal(err)
			}
			refs[i].ID = attachmentID
			if err := db.InsertAttachment(ctx, tx, &db.Attachment{
				ID:          attachmentID,
				MemoryID:    memoryID,
				Name:        refs[i].Name,
				MediaType:   refs[i].MediaType,
				ContentHash: refs[i].ContentHash,
				SizeBytes:   refs[i].SizeBytes,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		}

		event, err := e.appendEvent(ctx, tx, eventlog.TypeMemoryCreated, c.ID, map[string]any{
			"memoryId":    memoryID,
			"contentHash": c.Content.ContentHash,
			"attachments": len(blobs),
		})
		if err != nil {
			return err
		}
		eventID = event.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &SaveMemoryOutput{
		MemoryID:    memoryID,
		CapsuleID:   c.ID,
		EventID:     eventID,
		Created:     c.Created,
		Labels:      c.Labels,
		Attachments: refs,
	}, nil
}

// GetMemoryInput contains parameters for the GetMemory operation.
type GetMemoryInput struct {
	ID string // memory ULID or capsule URN
}

// GetMemoryOutput is the decrypted logical record.
type GetMemoryOutput struct {
	MemoryID    string           `json:"memory_id"`
	CapsuleID   string           `json:"capsule_id"`
	Content     []byte           `json:"-"`
	ContentType string           `json:"content_type"`
	Encoding    string           `json:"encoding"`
	Created     string           `json:"created"`
	Modified    string           `json:"modified"`
	Subject     string           `json:"subject"`
	Labels      capsule.Labels   `json:"labels"`
	Capsule     *capsule.Capsule `json:"-"`
	Attachments []AttachmentRef  `json:"attachments,omitempty"`
}

// GetMemory reads, integrity-checks, and decrypts one memory record.
// Any checksum mismatch is logged as a single critical corruption event
// and surfaces as INTEGRITY_FAILURE; nothing is auto-repaired.
func (e *Engine) GetMemory(ctx context.Context, input GetMemoryInput) (*GetMemoryOutput, error) {
	if input.ID == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}

	master, err := e.keys.MasterKey(e.vaultID)
	if err != nil {
		return nil, err
	}

	m, err := db.GetMemory(ctx, e.database, input.ID)
	if err != nil {
		return nil, err
	}

	if err := e.verifyMemory(ctx, m); err != nil {
		return nil, err
	}

	plaintext, err := capsule.Open(m.Capsule, master)
	if err != nil {
		if vErr, ok := err.(*errors.VaultError); ok && vErr.Code == errors.ErrIntegrity {
			e.logCorruption(ctx, m.CapsuleID, vErr)
		}
		return nil, err
	}

	attachments, err := db.ListAttachments(ctx, e.database, m.ID)
	if err != nil {
		return nil, err
	}
	refs := make([]AttachmentRef, len(attachments))
	for i, a := range attachments {
		refs[i] = AttachmentRef{
			ID: a.ID, Name: a.Name, MediaType: a.MediaType,
			ContentHash: a.ContentHash, SizeBytes: a.SizeBytes,
		}
	}

	return &GetMemoryOutput{
		MemoryID:    m.ID,
		CapsuleID:   m.CapsuleID,
		Content:     plaintext,
		ContentType: m.Capsule.Content.Type,
		Encoding:    m.Capsule.Content.Encoding,
		Created:     m.Capsule.Created,
		Modified:    m.Capsule.Modified,
		Subject:     m.Capsule.Subject,
		Labels:      m.Capsule.Labels,
		Capsule:     m.Capsule,
		Attachments: refs,
	}, nil
}

// verifyMemory checks the stored integrity block and the capsule's
// content address against the record as read back from storage.
func (e *Engine) verifyMemory(ctx context.Context, m *db.Memory) error {
	fail := func(msg string) error {
		vErr := errors.NewIntegrity(m.CapsuleID, msg)
		e.logCorruption(ctx, m.CapsuleID, vErr)
		return vErr
	}

	if m.Capsule.Content.ContentHash != m.ContentChecksum {
		return fail("stored content checksum does not match capsule envelope")
	}
	headerHash, err := capsule.HeaderHash(m.Capsule)
	if err != nil {
		return err
	}
	if headerHash != m.HeaderChecksum {
		return fail("stored header checksum does not match capsule header")
	}
	if err := capsule.VerifyID(m.Capsule); err != nil {
		if vErr, ok := err.(*errors.VaultError); ok && vErr.Code == errors.ErrIntegrity {
			e.logCorruption(ctx, m.CapsuleID, vErr)
		}
		return err
	}
	return nil
}

// ListMemoriesInput contains parameters for the ListMemories operation.
type ListMemoriesInput struct {
	Limit  int
	Offset int
}

// MemorySummary is one undecrypted row of a memory listing.
type MemorySummary struct {
	MemoryID    string         `json:"memory_id"`
	CapsuleID   string         `json:"capsule_id"`
	ContentType string         `json:"content_type"`
	Created     string         `json:"created"`
	Labels      capsule.Labels `json:"labels"`
}

// ListMemoriesOutput contains the result of the ListMemories operation.
type ListMemoriesOutput struct {
	Memories   []MemorySummary `json:"memories"`
	Pagination Pagination      `json:"pagination"`
}

// ListMemories pages through memory records newest-first. Content stays
// encrypted; only header metadata is returned.
func (e *Engine) ListMemories(ctx context.Context, input ListMemoriesInput) (*ListMemoriesOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := input.Offset
	if offset < 0 {
		return nil, errors.NewInvalidRequest("offset must not be negative")
	}

	rows, err := db.ListMemories(ctx, e.database, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := db.CountMemories(ctx, e.database)
	if err != nil {
		return nil, err
	}

	memories := make([]MemorySummary, len(rows))
	for i, m := range rows {
		memories[i] = MemorySummary{
			MemoryID:    m.ID,
			CapsuleID:   m.CapsuleID,
			ContentType: m.Capsule.Content.Type,
			Created:     m.Capsule.Created,
			Labels:      m.Capsule.Labels,
		}
	}

	return &ListMemoriesOutput{
		Memories: memories,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: offset+len(memories) < total,
			Total:   total,
		},
	}, nil
}
