package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/keys"
	"github.com/hpungsan/keep/internal/token"
	"github.com/hpungsan/keep/internal/vault"
)

const testPassphrase = "a test vault passphrase"

// testSetup creates an initialized, unlocked vault and wired handlers.
func testSetup(t *testing.T) (*Handlers, func()) {
	t.Helper()

	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}

	ctx := context.Background()
	if _, err := vault.InitVault(ctx, database, testPassphrase, nil); err != nil {
		t.Fatalf("failed to init vault: %v", err)
	}
	kp, vaultID, err := vault.Unlock(ctx, database, testPassphrase)
	if err != nil {
		t.Fatalf("failed to unlock vault: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true // Allow temp dirs in tests

	engine := vault.NewEngine(database, kp, vaultID, cfg)
	master, err := kp.MasterKey(vaultID)
	if err != nil {
		t.Fatalf("failed to get master key: %v", err)
	}
	signingKey, err := keys.DeriveSigningKey(master)
	if err != nil {
		t.Fatalf("failed to derive signing key: %v", err)
	}
	tokens := token.NewEngine(token.NewHMACSigner(signingKey, 1))

	h := NewHandlers(database, engine, tokens, kp, cfg)
	return h, func() { database.Close() }
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

// resultJSON unmarshals a success result's JSON payload.
func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %s", extractErrorMessage(result))
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is not TextContent")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	return payload
}

// saveMemory stores one memory through the handler and returns its ids.
func saveMemory(t *testing.T, h *Handlers, content string) (memoryID, capsuleID string) {
	t.Helper()
	result, err := h.HandleMemorySave(context.Background(), makeRequest(map[string]any{
		"content": content,
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := resultJSON(t, result)
	return out["memory_id"].(string), out["capsule_id"].(string)
}

func TestHandleMemorySaveAndGet(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()
	ctx := context.Background()

	saveResult, err := h.HandleMemorySave(ctx, makeRequest(map[string]any{
		"content": "remember the milk",
		"labels":  map[string]any{"sensitivity": "medical"},
		"attachments": []any{
			map[string]any{
				"name": "list.txt",
				"data": base64.StdEncoding.EncodeToString([]byte("eggs, milk")),
			},
		},
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	saved := resultJSON(t, saveResult)
	if saved["capsule_id"] == "" {
		t.Fatal("no capsule_id in save result")
	}

	getResult, err := h.HandleMemoryGet(ctx, makeRequest(map[string]any{
		"id": saved["memory_id"],
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	got := resultJSON(t, getResult)
	if got["content"] != "remember the milk" {
		t.Errorf("content = %v", got["content"])
	}
	labels := got["labels"].(map[string]any)
	if labels["sensitivity"] != "medical" {
		t.Errorf("labels = %v", labels)
	}
	attachments := got["attachments"].([]any)
	if len(attachments) != 1 {
		t.Fatalf("attachments = %v", attachments)
	}
}

func TestHandleMemoryGet_Errors(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name      string
		args      map[string]any
		errorCode string
	}{
		{
			name:      "missing id",
			args:      map[string]any{},
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "unknown id",
			args:      map[string]any{"id": "01ARZ3NDEKTSV4RRFFQ69G5FAV"},
			errorCode: "NOT_FOUND",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleMemoryGet(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected error result, got success")
			}
			assertErrorCode(t, result, tt.errorCode)
		})
	}
}

func TestHandleMemoryList(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()
	ctx := context.Background()

	saveMemory(t, h, "first")
	saveMemory(t, h, "second")
	saveMemory(t, h, "third")

	result, err := h.HandleMemoryList(ctx, makeRequest(map[string]any{"limit": 2}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := resultJSON(t, result)
	memories := out["memories"].([]any)
	if len(memories) != 2 {
		t.Errorf("listed %d memories, want 2", len(memories))
	}
	pagination := out["pagination"].(map[string]any)
	if pagination["has_more"] != true || pagination["total"] != float64(3) {
		t.Errorf("pagination = %v", pagination)
	}
	// Listing never returns decrypted content.
	for _, m := range memories {
		if _, ok := m.(map[string]any)["content"]; ok {
			t.Error("listing leaked content")
		}
	}
}

func TestHandleAttachmentLifecycle(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()
	ctx := context.Background()

	memoryID, _ := saveMemory(t, h, "carrier")

	addResult, err := h.HandleAttachmentAdd(ctx, makeRequest(map[string]any{
		"memory_id":  memoryID,
		"name":       "photo.bin",
		"media_type": "image/png",
		"data":       base64.StdEncoding.EncodeToString([]byte{0x89, 0x50, 0x4E, 0x47}),
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	added := resultJSON(t, addResult)
	attachmentID := added["id"].(string)

	getResult, err := h.HandleAttachmentGet(ctx, makeRequest(map[string]any{"id": attachmentID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	got := resultJSON(t, getResult)
	data, err := base64.StdEncoding.DecodeString(got["data"].(string))
	if err != nil || len(data) != 4 || data[0] != 0x89 {
		t.Errorf("data = %v, %v", got["data"], err)
	}

	delResult, err := h.HandleAttachmentDelete(ctx, makeRequest(map[string]any{"id": attachmentID}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if delResult.IsError {
		t.Fatalf("delete failed: %s", extractErrorMessage(delResult))
	}

	gone, _ := h.HandleAttachmentGet(ctx, makeRequest(map[string]any{"id": attachmentID}))
	assertErrorCode(t, gone, "NOT_FOUND")
}

func TestHandleAttachmentAdd_BadBase64(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()

	memoryID, _ := saveMemory(t, h, "carrier")
	result, err := h.HandleAttachmentAdd(context.Background(), makeRequest(map[string]any{
		"memory_id": memoryID,
		"name":      "bad",
		"data":      "not base64!!!",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "VALIDATION_FAILED")
}

func TestHandleTokenIssueAndRead(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()
	ctx := context.Background()

	_, capsuleID := saveMemory(t, h, "shared secret")

	issueResult, err := h.HandleTokenIssue(ctx, makeRequest(map[string]any{
		"subject":            "friend:alice",
		"capsules":           []any{capsuleID},
		"projection":         map[string]any{"fields": []any{"content", "labels"}},
		"expires_in_seconds": 300,
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	issued := resultJSON(t, issueResult)
	if issued["signature"] == "" {
		t.Fatal("issued token is unsigned")
	}

	readResult, err := h.HandleTokenRead(ctx, makeRequest(map[string]any{
		"token":      issued,
		"capsule_id": capsuleID,
		"projection": map[string]any{"fields": []any{"content", "labels"}},
		"nonce":      "nonce-1",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	view := resultJSON(t, readResult)
	if view["id"] != capsuleID {
		t.Errorf("projected id = %v", view["id"])
	}
	if _, ok := view["content"]; !ok {
		t.Error("projection did not include content")
	}

	// The same nonce is consumed; a second read with it is a replay.
	replayResult, err := h.HandleTokenRead(ctx, makeRequest(map[string]any{
		"token":      issued,
		"capsule_id": capsuleID,
		"projection": map[string]any{"fields": []any{"content", "labels"}},
		"nonce":      "nonce-1",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, replayResult, "ERR_REPLAY_NONCE")

	// Both sides of the grant hit the audit log.
	verifyResult, err := h.HandleLogVerify(ctx, makeRequest(map[string]any{"limit": 10}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	verified := resultJSON(t, verifyResult)
	if verified["ok"] != true {
		t.Errorf("log verification = %v", verified)
	}
	var sawIssued, sawRead bool
	for _, ev := range verified["events"].([]any) {
		switch ev.(map[string]any)["type"] {
		case "token.issued":
			sawIssued = true
		case "memory.read":
			sawRead = true
		}
	}
	if !sawIssued || !sawRead {
		t.Errorf("audit events missing: issued=%v read=%v", sawIssued, sawRead)
	}
}

func TestHandleTokenTools_LockedEngine(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()
	h.tokens = nil

	result, err := h.HandleTokenIssue(context.Background(), makeRequest(map[string]any{
		"subject":  "friend:alice",
		"capsules": []any{"capsule:sha256:0000000000000000000000000000000000000000000000000000000000000000"},
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "VAULT_LOCKED")
}

func TestHandleBackupCreateAndRestore(t *testing.T) {
	h, cleanup := testSetup(t)
	defer cleanup()
	ctx := context.Background()

	saveMemory(t, h, "backed up")
	path := filepath.Join(t.TempDir(), "vault.json")

	createResult, err := h.HandleBackupCreate(ctx, makeRequest(map[string]any{
		"path":       path,
		"passphrase": "a long backup passphrase",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	created := resultJSON(t, createResult)
	if created["memories"] != float64(1) {
		t.Errorf("created = %v", created)
	}

	// Restore runs against a separate, empty vault.
	target, tCleanup := testRestoreTarget(t)
	defer tCleanup()

	restoreResult, err := target.HandleBackupRestore(ctx, makeRequest(map[string]any{
		"path":              path,
		"backup_passphrase": "a long backup passphrase",
		"new_passphrase":    "a fresh passphrase",
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	restored := resultJSON(t, restoreResult)
	if restored["memories"] != float64(1) {
		t.Errorf("restored = %v", restored)
	}
}

// testRestoreTarget wires handlers over an empty database, the state a
// restore expects.
func testRestoreTarget(t *testing.T) (*Handlers, func()) {
	t.Helper()
	database, err := db.Init(t.TempDir())
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true
	h := NewHandlers(database, nil, nil, keys.Locked(), cfg)
	return h, func() { database.Close() }
}

func TestValidateDisabledTools(t *testing.T) {
	unknown := ValidateDisabledTools([]string{"memory_save", "no_such_tool"})
	if len(unknown) != 1 || unknown[0] != "no_such_tool" {
		t.Errorf("unknown = %v", unknown)
	}
	if len(AllToolNames()) != len(toolRegistry) {
		t.Error("AllToolNames out of sync with registry")
	}
}

// assertErrorCode checks the error payload of an error result.
func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()

	if !result.IsError {
		t.Errorf("expected error result, got success")
		return
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Errorf("content is not TextContent")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Errorf("failed to unmarshal error payload: %v", err)
		return
	}
	errorObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Errorf("no error object in payload")
		return
	}
	if errorObj["code"] != expectedCode {
		t.Errorf("error code = %v, want %s", errorObj["code"], expectedCode)
	}
}

// extractErrorMessage returns the raw text of a result for diagnostics.
func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}
	return text.Text
}
