package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
	"github.com/hpungsan/keep/internal/hlc"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := Init(t.TempDir())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// newTestMemory creates a memory row with a minimal capsule for testing.
func newTestMemory(id, capsuleID string, createdAt int64) *Memory {
	ts := capsule.FormatTimestamp(time.UnixMilli(createdAt * 1000))
	return &Memory{
		ID:        id,
		CapsuleID: capsuleID,
		Capsule: &capsule.Capsule{
			ID:         capsuleID,
			Subject:    "user:self",
			Created:    ts,
			Modified:   ts,
			Provenance: capsule.Provenance{Creator: "self"},
			Content: capsule.ContentEnvelope{
				Type:        "text/plain",
				Encoding:    "utf-8",
				Data:        "Y2lwaGVydGV4dA",
				ContentHash: "sha256:aa",
				Nonce:       "bm9uY2U",
				AADHash:     "sha256:bb",
				Algorithm:   "xchacha20-poly1305",
			},
			Labels: capsule.DefaultLabels(),
		},
		ContentChecksum: "sha256:aa",
		HeaderChecksum:  "sha256:cc",
		CreatedAt:       createdAt,
	}
}

func TestInsertAndGetMemory(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	m := newTestMemory("01ABC", "capsule:sha256:aa", 100)
	if err := InsertMemory(ctx, database, m); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}

	// Lookup by ULID and by capsule URN both resolve.
	for _, id := range []string{"01ABC", "capsule:sha256:aa"} {
		got, err := GetMemory(ctx, database, id)
		if err != nil {
			t.Fatalf("GetMemory(%s) failed: %v", id, err)
		}
		if got.ID != m.ID || got.CapsuleID != m.CapsuleID {
			t.Errorf("got %+v, want %+v", got, m)
		}
		if got.Capsule.Content.Data != m.Capsule.Content.Data {
			t.Errorf("capsule content not round-tripped")
		}
		if got.ContentChecksum != m.ContentChecksum || got.HeaderChecksum != m.HeaderChecksum {
			t.Errorf("integrity block not round-tripped")
		}
	}
}

func TestInsertMemory_DuplicateCapsule(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	if err := InsertMemory(ctx, database, newTestMemory("01A", "capsule:sha256:aa", 1)); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	err := InsertMemory(ctx, database, newTestMemory("01B", "capsule:sha256:aa", 2))
	if err != ErrUniqueConstraint {
		t.Errorf("err = %v, want ErrUniqueConstraint", err)
	}
}

func TestGetMemory_NotFound(t *testing.T) {
	database := testDB(t)
	_, err := GetMemory(context.Background(), database, "missing")
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v, want NOT_FOUND", err)
	}
}

func TestListMemories_NewestFirst(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	for i, id := range []string{"01A", "01B", "01C"} {
		m := newTestMemory(id, "capsule:sha256:"+id, int64(i+1))
		if err := InsertMemory(ctx, database, m); err != nil {
			t.Fatalf("insert %s failed: %v", id, err)
		}
	}

	page, err := ListMemories(ctx, database, 2, 0)
	if err != nil {
		t.Fatalf("ListMemories failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "01C" || page[1].ID != "01B" {
		t.Errorf("page = %v", page)
	}

	rest, err := ListMemories(ctx, database, 2, 2)
	if err != nil {
		t.Fatalf("ListMemories offset failed: %v", err)
	}
	if len(rest) != 1 || rest[0].ID != "01A" {
		t.Errorf("rest = %v", rest)
	}

	n, err := CountMemories(ctx, database)
	if err != nil || n != 3 {
		t.Errorf("CountMemories = %d, %v, want 3", n, err)
	}
}

func TestUpsertBlob_DeduplicatesByHash(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	b := &Blob{
		ContentHash: "sha256:dd",
		Algorithm:   "xchacha20-poly1305",
		Nonce:       "bm9uY2U",
		AADHash:     "sha256:ee",
		Data:        []byte{1, 2, 3},
		SizeBytes:   3,
		CreatedAt:   1,
	}

	inserted, err := UpsertBlob(ctx, database, b)
	if err != nil || !inserted {
		t.Fatalf("first upsert = %v, %v, want inserted", inserted, err)
	}
	inserted, err = UpsertBlob(ctx, database, b)
	if err != nil || inserted {
		t.Fatalf("second upsert = %v, %v, want reuse", inserted, err)
	}

	got, err := GetBlob(ctx, database, "sha256:dd")
	if err != nil {
		t.Fatalf("GetBlob failed: %v", err)
	}
	if string(got.Data) != string(b.Data) || got.SizeBytes != 3 {
		t.Errorf("blob = %+v", got)
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	if err := InsertMemory(ctx, database, newTestMemory("01A", "capsule:sha256:aa", 1)); err != nil {
		t.Fatalf("InsertMemory failed: %v", err)
	}
	if _, err := UpsertBlob(ctx, database, &Blob{
		ContentHash: "sha256:dd", Algorithm: "xchacha20-poly1305",
		Nonce: "n", AADHash: "sha256:ee", Data: []byte{1}, SizeBytes: 1, CreatedAt: 1,
	}); err != nil {
		t.Fatalf("UpsertBlob failed: %v", err)
	}

	a := &Attachment{
		ID: "02A", MemoryID: "01A", Name: "scan.pdf", MediaType: "application/pdf",
		ContentHash: "sha256:dd", SizeBytes: 1, CreatedAt: 1,
	}
	if err := InsertAttachment(ctx, database, a); err != nil {
		t.Fatalf("InsertAttachment failed: %v", err)
	}

	list, err := ListAttachments(ctx, database, "01A")
	if err != nil || len(list) != 1 || list[0].Name != "scan.pdf" {
		t.Fatalf("ListAttachments = %v, %v", list, err)
	}

	// Blob is referenced, so conditional delete is a no-op.
	deleted, err := DeleteBlobIfUnreferenced(ctx, database, "sha256:dd")
	if err != nil || deleted {
		t.Fatalf("referenced blob must survive: %v, %v", deleted, err)
	}

	if err := DeleteAttachment(ctx, database, "02A"); err != nil {
		t.Fatalf("DeleteAttachment failed: %v", err)
	}
	deleted, err = DeleteBlobIfUnreferenced(ctx, database, "sha256:dd")
	if err != nil || !deleted {
		t.Fatalf("orphaned blob must be collected: %v, %v", deleted, err)
	}

	if err := DeleteAttachment(ctx, database, "02A"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second delete = %v, want NOT_FOUND", err)
	}
}

func TestEventStore_ChainsAcrossReopen(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	now := time.UnixMilli(1_700_000_000_000)
	nowFn := func() time.Time { return now }
	log := eventlog.NewLogAt(NewEventStore(database), hlc.NewClockAt(nowFn), nowFn)

	for i := 0; i < 3; i++ {
		if _, err := log.CreateEvent(ctx, eventlog.TypeMemoryCreated, "capsule:sha256:aa",
			map[string]any{"seq": i}, "self"); err != nil {
			t.Fatalf("CreateEvent %d failed: %v", i, err)
		}
	}

	// A fresh log over the same table continues the persisted chain.
	log2 := eventlog.NewLogAt(NewEventStore(database), hlc.NewClockAt(nowFn), nowFn)
	if _, err := log2.CreateEvent(ctx, eventlog.TypeMemoryRead, "capsule:sha256:aa",
		map[string]any{"seq": 3}, "self"); err != nil {
		t.Fatalf("CreateEvent after reopen failed: %v", err)
	}

	result, err := log2.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain failed: %v", err)
	}
	if !result.OK || result.Checked != 4 {
		t.Errorf("result = %+v, want ok with 4 checked", result)
	}

	events, err := log2.All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if events[3].PreviousEvent != events[2].Hash {
		t.Errorf("chain not continued across reopen")
	}
}

func TestEventStore_AppendInTransaction(t *testing.T) {
	database := testDB(t)
	ctx := context.Background()

	err := WithTx(ctx, database, func(tx *sql.Tx) error {
		e, err := eventlog.BuildEvent(eventlog.TypeMemoryCreated, "capsule:sha256:aa", "self",
			map[string]any{"n": 1}, "", time.UnixMilli(1_700_000_000_000), hlc.New(1_700_000_000_000, 0))
		if err != nil {
			return err
		}
		if err := NewEventStore(tx).Append(ctx, e); err != nil {
			return err
		}
		return errors.NewValidation("content", "forced failure")
	})
	if !errors.Is(err, errors.ErrValidation) {
		t.Fatalf("err = %v", err)
	}

	events, err := NewEventStore(database).All(ctx)
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("event visible after rollback")
	}
}
