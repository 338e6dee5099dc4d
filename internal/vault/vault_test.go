package vault

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
	"github.com/hpungsan/keep/internal/keys"
)

const testPassphrase = "correct horse battery"

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	if _, err := InitVault(ctx, database, testPassphrase, nil); err != nil {
		t.Fatalf("InitVault failed: %v", err)
	}
	kp, vaultID, err := Unlock(ctx, database, testPassphrase)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	return NewEngine(database, kp, vaultID, config.DefaultConfig()), database
}

func TestInitVault_AndUnlock(t *testing.T) {
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	defer database.Close()
	ctx := context.Background()

	vaultID, err := InitVault(ctx, database, testPassphrase, nil)
	if err != nil {
		t.Fatalf("InitVault failed: %v", err)
	}
	if !strings.HasPrefix(vaultID, "vault:uuid:") {
		t.Errorf("vaultID = %q, want vault:uuid: prefix", vaultID)
	}

	kp, unlockedID, err := Unlock(ctx, database, testPassphrase)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if unlockedID != vaultID {
		t.Errorf("unlocked id = %q, want %q", unlockedID, vaultID)
	}
	key, err := kp.MasterKey(vaultID)
	if err != nil {
		t.Fatalf("MasterKey failed: %v", err)
	}
	if len(key) != keys.KeySize {
		t.Errorf("key length = %d, want %d", len(key), keys.KeySize)
	}
}

func TestUnlock_WrongPassphrase(t *testing.T) {
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	defer database.Close()
	ctx := context.Background()

	if _, err := InitVault(ctx, database, testPassphrase, nil); err != nil {
		t.Fatalf("InitVault failed: %v", err)
	}
	_, _, err = Unlock(ctx, database, "wrong passphrase")
	if !errors.Is(err, errors.ErrVaultLocked) {
		t.Errorf("err = %v, want VAULT_LOCKED", err)
	}
}

func TestInitVault_Guards(t *testing.T) {
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	defer database.Close()
	ctx := context.Background()

	if _, err := InitVault(ctx, database, "short", nil); !errors.Is(err, errors.ErrValidation) {
		t.Errorf("short passphrase err = %v, want VALIDATION_FAILED", err)
	}

	if _, err := InitVault(ctx, database, testPassphrase, nil); err != nil {
		t.Fatalf("InitVault failed: %v", err)
	}
	if _, err := InitVault(ctx, database, testPassphrase, nil); !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("second init err = %v, want INVALID_REQUEST", err)
	}
}

func TestSaveAndGetMemory(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	saved, err := e.SaveMemory(ctx, SaveMemoryInput{
		Content: "Grandma's pie recipe: butter, apples, patience.",
		Labels:  map[string]string{"sensitivity": "private", "sharing": "family"},
		Attachments: []AttachmentInput{
			{Name: "recipe.jpg", MediaType: "image/jpeg", Data: []byte{0xFF, 0xD8, 0xFF}},
		},
	})
	if err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}
	if !strings.HasPrefix(saved.CapsuleID, "capsule:sha256:") {
		t.Errorf("CapsuleID = %q", saved.CapsuleID)
	}
	if saved.Labels.Sensitivity != "personal" || saved.Labels.Sharing != "trusted" {
		t.Errorf("labels not standardized: %+v", saved.Labels)
	}
	if len(saved.Attachments) != 1 || saved.Attachments[0].ID == "" {
		t.Fatalf("attachments = %+v", saved.Attachments)
	}

	// Both ids resolve to the decrypted record.
	for _, id := range []string{saved.MemoryID, saved.CapsuleID} {
		got, err := e.GetMemory(ctx, GetMemoryInput{ID: id})
		if err != nil {
			t.Fatalf("GetMemory(%s) failed: %v", id, err)
		}
		if string(got.Content) != "Grandma's pie recipe: butter, apples, patience." {
			t.Errorf("content = %q", got.Content)
		}
		if got.ContentType != "text/plain" || got.Encoding != "utf-8" {
			t.Errorf("type/encoding = %s/%s", got.ContentType, got.Encoding)
		}
		if len(got.Attachments) != 1 || got.Attachments[0].Name != "recipe.jpg" {
			t.Errorf("attachments = %+v", got.Attachments)
		}
	}
}

func TestSaveMemory_LockedVaultFailsClosed(t *testing.T) {
	e, database := newTestEngine(t)
	locked := NewEngine(database, keys.Locked(), e.VaultID(), config.DefaultConfig())

	_, err := locked.SaveMemory(context.Background(), SaveMemoryInput{Content: "secret"})
	if !errors.Is(err, errors.ErrVaultLocked) {
		t.Errorf("err = %v, want VAULT_LOCKED", err)
	}

	// Nothing was written.
	out, err := e.ListMemories(context.Background(), ListMemoriesInput{})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(out.Memories) != 0 {
		t.Errorf("memories = %v", out.Memories)
	}
}

func TestSaveMemory_SizeLimits(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg = &config.Config{MemoryMaxBytes: 10, AttachmentMaxBytes: 10}
	ctx := context.Background()

	_, err := e.SaveMemory(ctx, SaveMemoryInput{Content: "this is longer than ten bytes"})
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("oversized content err = %v", err)
	}

	_, err = e.SaveMemory(ctx, SaveMemoryInput{
		Content:     "ok",
		Attachments: []AttachmentInput{{Name: "big.bin", Data: make([]byte, 11)}},
	})
	if !errors.Is(err, errors.ErrValidation) {
		t.Errorf("oversized attachment err = %v", err)
	}
}

func TestGetMemory_CorruptionDetectedAndLogged(t *testing.T) {
	e, database := newTestEngine(t)
	ctx := context.Background()

	saved, err := e.SaveMemory(ctx, SaveMemoryInput{Content: "original"})
	if err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}

	// Simulate storage-layer corruption of the integrity block.
	if _, err := database.Exec(
		"UPDATE memories SET content_checksum = 'sha256:0000' WHERE id = ?", saved.MemoryID); err != nil {
		t.Fatalf("corrupting row failed: %v", err)
	}

	_, err = e.GetMemory(ctx, GetMemoryInput{ID: saved.MemoryID})
	if !errors.Is(err, errors.ErrIntegrity) {
		t.Fatalf("err = %v, want INTEGRITY_FAILURE", err)
	}

	// Exactly one corruption event was appended after the save event.
	events, err := e.ListEvents(ctx, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	var corruption int
	for _, ev := range events {
		if ev.Type == eventlog.TypeCorruptionFound {
			corruption++
		}
	}
	if corruption != 1 {
		t.Errorf("corruption events = %d, want 1", corruption)
	}

	// The chain itself still verifies: corruption of a memory row does
	// not damage the log.
	result, err := e.VerifyLog(ctx)
	if err != nil || !result.OK {
		t.Errorf("VerifyLog = %+v, %v", result, err)
	}
}

func TestListMemories_Pagination(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		if _, err := e.SaveMemory(ctx, SaveMemoryInput{Content: content}); err != nil {
			t.Fatalf("SaveMemory(%s) failed: %v", content, err)
		}
	}

	out, err := e.ListMemories(ctx, ListMemoriesInput{Limit: 2})
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(out.Memories) != 2 || !out.Pagination.HasMore || out.Pagination.Total != 3 {
		t.Errorf("page = %+v", out)
	}

	rest, err := e.ListMemories(ctx, ListMemoriesInput{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListMemories offset failed: %v", err)
	}
	if len(rest.Memories) != 1 || rest.Pagination.HasMore {
		t.Errorf("rest = %+v", rest)
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	saved, err := e.SaveMemory(ctx, SaveMemoryInput{Content: "with attachments"})
	if err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}

	data := []byte("lab results 2024")
	ref, err := e.AddAttachment(ctx, AddAttachmentInput{
		MemoryID: saved.MemoryID, Name: "labs.txt", MediaType: "text/plain", Data: data,
	})
	if err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if ref.Reused {
		t.Error("first blob must not report reuse")
	}

	// Same bytes on a second attachment reuse the blob.
	ref2, err := e.AddAttachment(ctx, AddAttachmentInput{
		MemoryID: saved.MemoryID, Name: "labs-copy.txt", Data: data,
	})
	if err != nil {
		t.Fatalf("second AddAttachment failed: %v", err)
	}
	if !ref2.Reused || ref2.ContentHash != ref.ContentHash {
		t.Errorf("dedup not applied: %+v", ref2)
	}

	got, err := e.GetAttachment(ctx, ref.ID)
	if err != nil {
		t.Fatalf("GetAttachment failed: %v", err)
	}
	if string(got.Data) != string(data) || got.MemoryID != saved.MemoryID {
		t.Errorf("attachment = %+v", got)
	}

	list, err := e.ListAttachments(ctx, saved.MemoryID)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListAttachments = %v, %v", list, err)
	}

	// Deleting one reference keeps the shared blob alive.
	if err := e.DeleteAttachment(ctx, ref.ID); err != nil {
		t.Fatalf("DeleteAttachment failed: %v", err)
	}
	if _, err := e.GetAttachment(ctx, ref2.ID); err != nil {
		t.Errorf("shared blob lost after first delete: %v", err)
	}

	if err := e.DeleteAttachment(ctx, ref2.ID); err != nil {
		t.Fatalf("second DeleteAttachment failed: %v", err)
	}
	if _, err := e.GetAttachment(ctx, ref2.ID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestEventChain_RecordsOperations(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	saved, err := e.SaveMemory(ctx, SaveMemoryInput{Content: "audited"})
	if err != nil {
		t.Fatalf("SaveMemory failed: %v", err)
	}
	ref, err := e.AddAttachment(ctx, AddAttachmentInput{
		MemoryID: saved.MemoryID, Name: "a.txt", Data: []byte("x"),
	})
	if err != nil {
		t.Fatalf("AddAttachment failed: %v", err)
	}
	if err := e.DeleteAttachment(ctx, ref.ID); err != nil {
		t.Fatalf("DeleteAttachment failed: %v", err)
	}

	events, err := e.ListEvents(ctx, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	want := []string{
		eventlog.TypeMemoryCreated,
		eventlog.TypeAttachmentAdded,
		eventlog.TypeAttachmentDeleted,
	}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %s, want %s", i, types[i], want[i])
		}
	}

	result, err := e.VerifyLog(ctx)
	if err != nil || !result.OK || result.Checked != 3 {
		t.Errorf("VerifyLog = %+v, %v", result, err)
	}
}

func TestSaveMemory_DuplicateContentRejected(t *testing.T) {
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("db.Init failed: %v", err)
	}
	defer database.Close()
	ctx := context.Background()

	if _, err := InitVault(ctx, database, testPassphrase, nil); err != nil {
		t.Fatalf("InitVault failed: %v", err)
	}
	kp, vaultID, err := Unlock(ctx, database, testPassphrase)
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}

	// Capsule identity includes the creation instant, so identical
	// content only collides under a frozen clock.
	frozen := time.UnixMilli(1_700_000_000_000)
	e := NewEngineAt(database, kp, vaultID, config.DefaultConfig(), func() time.Time { return frozen })

	if _, err := e.SaveMemory(ctx, SaveMemoryInput{Content: "same"}); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	_, err = e.SaveMemory(ctx, SaveMemoryInput{Content: "same"})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("err = %v, want INVALID_REQUEST for duplicate capsule", err)
	}
}
