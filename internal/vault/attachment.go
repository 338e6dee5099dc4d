package vault

import (
	"context"
	"database/sql"
	"encoding/base64"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/envelope"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
)

// blobLabels is the fixed label context blobs are encrypted under.
// Blobs are shared across memories through dedup, so their AAD binds to
// the blob identity alone, not to any one capsule's labels.
var blobLabels = map[string]string{}

// sealBlob hashes and encrypts one attachment body. The AEAD context is
// derived from the plaintext content hash, so every attachment record
// referencing the blob can decrypt it.
func (e *Engine) sealBlob(master []byte, input AttachmentInput) (*db.Blob, AttachmentRef, error) {
	mediaType := input.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	name := input.Name
	if name == "" {
		return nil, AttachmentRef{}, errors.NewValidation("attachment.name", "must not be empty")
	}

	contentHash := canon.HashBytes(input.Data)
	sealed, err := envelope.Encrypt(master, input.Data, "blob:"+contentHash, capsule.Version, blobLabels)
	if err != nil {
		return nil, AttachmentRef{}, err
	}

	blob := &db.Blob{
		ContentHash: contentHash,
		Algorithm:   sealed.Algorithm,
		Nonce:       base64.RawURLEncoding.EncodeToString(sealed.Nonce),
		AADHash:     sealed.AADHash,
		Data:        sealed.Ciphertext,
		SizeBytes:   int64(len(input.Data)),
		CreatedAt:   e.now().Unix(),
	}
	ref := AttachmentRef{
		Name:        name,
		MediaType:   mediaType,
		ContentHash: contentHash,
		SizeBytes:   int64(len(input.Data)),
	}
	return blob, ref, nil
}

// openBlob decrypts a stored blob and verifies the plaintext against
// the content hash it is addressed by.
func openBlob(master []byte, b *db.Blob) ([]byte, error) {
	nonce, err := base64.RawURLEncoding.DecodeString(b.Nonce)
	if err != nil {
		return nil, errors.NewDecryption("blob nonce is not valid base64url")
	}

	plaintext, err := envelope.Decrypt(master, &envelope.Sealed{
		Algorithm:  b.Algorithm,
		Nonce:      nonce,
		Ciphertext: b.Data,
		AADHash:    b.AADHash,
	}, "blob:"+b.ContentHash, capsule.Version, blobLabels)
	if err != nil {
		return nil, err
	}

	if canon.HashBytes(plaintext) != b.ContentHash {
		return nil, errors.NewIntegrity(b.ContentHash, "decrypted blob does not match its content hash")
	}
	return plaintext, nil
}

// AddAttachmentInput contains parameters for the AddAttachment operation.
type AddAttachmentInput struct {
	MemoryID  string
	Name      string
	MediaType string
	Data      []byte
}

// AddAttachment attaches a blob to an existing memory. The blob is
// deduplicated by content hash; record, blob, and audit event commit
// together.
func (e *Engine) AddAttachment(ctx context.Context, input AddAttachmentInput) (*AttachmentRef, error) {
	if input.MemoryID == "" {
		return nil, errors.NewInvalidRequest("memory_id is required")
	}
	if len(input.Data) == 0 {
		return nil, errors.NewValidation("data", "must not be empty")
	}
	if len(input.Data) > e.cfg.AttachmentMaxBytes {
		return nil, errors.NewValidation("data", "exceeds configured size limit")
	}

	master, err := e.keys.MasterKey(e.vaultID)
	if err != nil {
		return nil, err
	}

	m, err := db.GetMemory(ctx, e.database, input.MemoryID)
	if err != nil {
		return nil, err
	}

	blob, ref, err := e.sealBlob(master, AttachmentInput{
		Name: input.Name, MediaType: input.MediaType, Data: input.Data,
	})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err = e.withWriteTx(ctx, func(tx *sql.Tx) error {
		inserted, err := db.UpsertBlob(ctx, tx, blob)
		if err != nil {
			return err
		}
		ref.Reused = !inserted

		attachmentID, err := generateULID()
		if err != nil {
			return errors.NewInternal(err)
		}
		ref.ID = attachmentID
		if err := db.InsertAttachment(ctx, tx, &db.Attachment{
			ID:          attachmentID,
			MemoryID:    m.ID,
			Name:        ref.Name,
			MediaType:   ref.MediaType,
			ContentHash: ref.ContentHash,
			SizeBytes:   ref.SizeBytes,
			CreatedAt:   e.now().Unix(),
		}); err != nil {
			return err
		}

		_, err = e.appendEvent(ctx, tx, eventlog.TypeAttachmentAdded, m.CapsuleID, map[string]any{
			"attachmentId": attachmentID,
			"memoryId":     m.ID,
			"contentHash":  ref.ContentHash,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// GetAttachmentOutput is one decrypted attachment.
type GetAttachmentOutput struct {
	AttachmentRef
	MemoryID string `json:"memory_id"`
	Data     []byte `json:"-"`
}

// GetAttachment decrypts one attachment and verifies its content hash.
// A mismatch is logged as a corruption event and surfaces as
// INTEGRITY_FAILURE.
func (e *Engine) GetAttachment(ctx context.Context, id string) (*GetAttachmentOutput, error) {
	if id == "" {
		return nil, errors.NewInvalidRequest("id is required")
	}

	master, err := e.keys.MasterKey(e.vaultID)
	if err != nil {
		return nil, err
	}

	a, err := db.GetAttachment(ctx, e.database, id)
	if err != nil {
		return nil, err
	}
	blob, err := db.GetBlob(ctx, e.database, a.ContentHash)
	if err != nil {
		return nil, err
	}

	plaintext, err := openBlob(master, blob)
	if err != nil {
		if vErr, ok := err.(*errors.VaultError); ok && vErr.Code == errors.ErrIntegrity {
			e.logCorruption(ctx, a.ContentHash, vErr)
		}
		return nil, err
	}

	return &GetAttachmentOutput{
		AttachmentRef: AttachmentRef{
			ID: a.ID, Name: a.Name, MediaType: a.MediaType,
			ContentHash: a.ContentHash, SizeBytes: a.SizeBytes,
		},
		MemoryID: a.MemoryID,
		Data:     plaintext,
	}, nil
}

// ListAttachments returns the attachment records of one memory.
func (e *Engine) ListAttachments(ctx context.Context, memoryID string) ([]AttachmentRef, error) {
	if memoryID == "" {
		return nil, errors.NewInvalidRequest("memory_id is required")
	}

	m, err := db.GetMemory(ctx, e.database, memoryID)
	if err != nil {
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
	return refs, nil
}

// DeleteAttachment removes an attachment record and collects its blob
// once no other attachment references it.
func (e *Engine) DeleteAttachment(ctx context.Context, id string) error {
	if id == "" {
		return errors.NewInvalidRequest("id is required")
	}

	a, err := db.GetAttachment(ctx, e.database, id)
	if err != nil {
		return err
	}
	m, err := db.GetMemory(ctx, e.database, a.MemoryID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.withWriteTx(ctx, func(tx *sql.Tx) error {
		if err := db.DeleteAttachment(ctx, tx, a.ID); err != nil {
			return err
		}
		if _, err := db.DeleteBlobIfUnreferenced(ctx, tx, a.ContentHash); err != nil {
			return err
		}
		_, err := e.appendEvent(ctx, tx, eventlog.TypeAttachmentDeleted, m.CapsuleID, map[string]any{
			"attachmentId": a.ID,
			"memoryId":     a.MemoryID,
			"contentHash":  a.ContentHash,
		})
		return err
	})
}
