package mcp

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/keep/internal/backup"
	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
	"github.com/hpungsan/keep/internal/keys"
	"github.com/hpungsan/keep/internal/token"
	"github.com/hpungsan/keep/internal/vault"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	database *sql.DB
	engine   *vault.Engine
	tokens   *token.Engine
	keys     keys.Provider
	cfg      *config.Config
}

// NewHandlers creates a new Handlers instance. A nil tokens engine
// disables the capability tools with VAULT_LOCKED.
func NewHandlers(database *sql.DB, engine *vault.Engine, tokens *token.Engine, kp keys.Provider, cfg *config.Config) *Handlers {
	return &Handlers{database: database, engine: engine, tokens: tokens, keys: kp, cfg: cfg}
}

// Request types for each tool

// MemorySaveRequest represents the arguments for memory_save.
type MemorySaveRequest struct {
	Content     string              `json:"content"`
	ContentType string              `json:"content_type,omitempty"`
	Subject     string              `json:"subject,omitempty"`
	Labels      map[string]string   `json:"labels,omitempty"`
	Extensions  map[string]any      `json:"extensions,omitempty"`
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
}

// AttachmentPayload carries one attachment's bytes as base64.
type AttachmentPayload struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data"`
}

// MemoryGetRequest represents the arguments for memory_get.
type MemoryGetRequest struct {
	ID string `json:"id"`
}

// MemoryListRequest represents the arguments for memory_list.
type MemoryListRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// AttachmentAddRequest represents the arguments for attachment_add.
type AttachmentAddRequest struct {
	MemoryID  string `json:"memory_id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data"`
}

// AttachmentGetRequest represents the arguments for attachment_get.
type AttachmentGetRequest struct {
	ID string `json:"id"`
}

// AttachmentDeleteRequest represents the arguments for attachment_delete.
type AttachmentDeleteRequest struct {
	ID string `json:"id"`
}

// TokenIssueRequest represents the arguments for token_issue.
type TokenIssueRequest struct {
	Subject          string           `json:"subject"`
	Capsules         []string         `json:"capsules"`
	Projection       token.Projection `json:"projection,omitempty"`
	ExpiresInSeconds int              `json:"expires_in_seconds,omitempty"`
	Purpose          string           `json:"purpose,omitempty"`
	MaxAccesses      int              `json:"max_accesses,omitempty"`
	BindProjection   bool             `json:"bind_projection,omitempty"`
}

// TokenReadRequest represents the arguments for token_read.
type TokenReadRequest struct {
	Token      *token.Token     `json:"token"`
	CapsuleID  string           `json:"capsule_id"`
	Projection token.Projection `json:"projection,omitempty"`
	Nonce      string           `json:"nonce"`
}

// LogVerifyRequest represents the arguments for log_verify.
type LogVerifyRequest struct {
	Limit int `json:"limit,omitempty"`
}

// BackupCreateRequest represents the arguments for backup_create.
type BackupCreateRequest struct {
	Path       string `json:"path,omitempty"`
	Passphrase string `json:"passphrase"`
}

// BackupRestoreRequest represents the arguments for backup_restore.
type BackupRestoreRequest struct {
	Path             string `json:"path"`
	BackupPassphrase string `json:"backup_passphrase"`
	NewPassphrase    string `json:"new_passphrase"`
	ReuseVaultID     bool   `json:"reuse_vault_id,omitempty"`
}

// memoryResponse is the decrypted record shape returned to clients.
type memoryResponse struct {
	MemoryID      string                `json:"memory_id"`
	CapsuleID     string                `json:"capsule_id"`
	Content       string                `json:"content,omitempty"`
	ContentBase64 string                `json:"content_base64,omitempty"`
	ContentType   string                `json:"content_type"`
	Created       string                `json:"created"`
	Modified      string                `json:"modified"`
	Subject       string                `json:"subject"`
	Labels        capsule.Labels        `json:"labels"`
	Attachments   []vault.AttachmentRef `json:"attachments,omitempty"`
}

// Handler implementations

// HandleMemorySave handles the memory_save tool call.
func (h *Handlers) HandleMemorySave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MemorySaveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	attachments := make([]vault.AttachmentInput, len(input.Attachments))
	for i, a := range input.Attachments {
		data, derr := base64.StdEncoding.DecodeString(a.Data)
		if derr != nil {
			return errorResult(errors.NewValidation("attachments.data", "not valid base64")), nil
		}
		attachments[i] = vault.AttachmentInput{Name: a.Name, MediaType: a.MediaType, Data: data}
	}

	result, err := h.engine.SaveMemory(ctx, vault.SaveMemoryInput{
		Content:     input.Content,
		ContentType: input.ContentType,
		Subject:     input.Subject,
		Labels:      input.Labels,
		Extensions:  input.Extensions,
		Attachments: attachments,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleMemoryGet handles the memory_get tool call.
func (h *Handlers) HandleMemoryGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MemoryGetRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	out, err := h.engine.GetMemory(ctx, vault.GetMemoryInput{ID: input.ID})
	if err != nil {
		return errorResult(err), nil
	}

	resp := memoryResponse{
		MemoryID:    out.MemoryID,
		CapsuleID:   out.CapsuleID,
		ContentType: out.ContentType,
		Created:     out.Created,
		Modified:    out.Modified,
		Subject:     out.Subject,
		Labels:      out.Labels,
		Attachments: out.Attachments,
	}
	if out.Encoding == capsule.EncodingUTF8 {
		resp.Content = string(out.Content)
	} else {
		resp.ContentBase64 = base64.StdEncoding.EncodeToString(out.Content)
	}
	return successResult(resp)
}

// HandleMemoryList handles the memory_list tool call.
func (h *Handlers) HandleMemoryList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MemoryListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.engine.ListMemories(ctx, vault.ListMemoriesInput{
		Limit:  input.Limit,
		Offset: input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleAttachmentAdd handles the attachment_add tool call.
func (h *Handlers) HandleAttachmentAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AttachmentAddRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	data, err := base64.StdEncoding.DecodeString(input.Data)
	if err != nil {
		return errorResult(errors.NewValidation("data", "not valid base64")), nil
	}

	result, err := h.engine.AddAttachment(ctx, vault.AddAttachmentInput{
		MemoryID:  input.MemoryID,
		Name:      input.Name,
		MediaType: input.MediaType,
		Data:      data,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleAttachmentGet handles the attachment_get tool call.
func (h *Handlers) HandleAttachmentGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AttachmentGetRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	out, err := h.engine.GetAttachment(ctx, input.ID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{
		"id":           out.ID,
		"memory_id":    out.MemoryID,
		"name":         out.Name,
		"media_type":   out.MediaType,
		"content_hash": out.ContentHash,
		"size_bytes":   out.SizeBytes,
		"data":         base64.StdEncoding.EncodeToString(out.Data),
	})
}

// HandleAttachmentDelete handles the attachment_delete tool call.
func (h *Handlers) HandleAttachmentDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AttachmentDeleteRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	if err := h.engine.DeleteAttachment(ctx, input.ID); err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"deleted": input.ID})
}

// HandleTokenIssue handles the token_issue tool call.
func (h *Handlers) HandleTokenIssue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.tokens == nil {
		return errorResult(errors.NewVaultLocked()), nil
	}
	input, err := decode[TokenIssueRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	issue := token.IssueInput{
		Issuer:         h.engine.VaultID(),
		Subject:        input.Subject,
		Capsules:       input.Capsules,
		Projection:     input.Projection,
		Purpose:        input.Purpose,
		MaxAccesses:    input.MaxAccesses,
		BindProjection: input.BindProjection,
	}
	if input.ExpiresInSeconds > 0 {
		issue.ExpiresAt = time.Now().Add(time.Duration(input.ExpiresInSeconds) * time.Second)
	}

	t, err := h.tokens.Issue(issue)
	if err != nil {
		return errorResult(err), nil
	}

	_, _ = h.engine.RecordEvent(ctx, eventlog.TypeTokenIssued, "", map[string]any{
		"tokenId": t.ID,
		"subject": t.Subject,
		"scope":   len(t.Capsules),
	})
	return successResult(t)
}

// HandleTokenRead handles the token_read tool call.
func (h *Handlers) HandleTokenRead(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.tokens == nil {
		return errorResult(errors.NewVaultLocked()), nil
	}
	input, err := decode[TokenReadRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Token == nil {
		return errorResult(errors.NewInvalidRequest("token is required")), nil
	}

	// Integrity-verified load; the projection is applied to the capsule
	// record, so content stays in its encrypted envelope unless the
	// projection selects it.
	out, err := h.engine.GetMemory(ctx, vault.GetMemoryInput{ID: input.CapsuleID})
	if err != nil {
		return errorResult(err), nil
	}

	view, err := h.tokens.Read(input.Token, out.Capsule, input.Projection, input.Nonce)
	if err != nil {
		return errorResult(err), nil
	}

	_, _ = h.engine.RecordEvent(ctx, eventlog.TypeMemoryRead, out.CapsuleID, map[string]any{
		"tokenId": input.Token.ID,
		"subject": input.Token.Subject,
	})
	return successResult(view)
}

// HandleLogVerify handles the log_verify tool call.
func (h *Handlers) HandleLogVerify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[LogVerifyRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := h.engine.VerifyLog(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	resp := map[string]any{
		"ok":      result.OK,
		"checked": result.Checked,
	}
	if result.FailedAt != "" {
		resp["failed_at"] = result.FailedAt
	}
	if input.Limit > 0 {
		events, err := h.engine.ListEvents(ctx, input.Limit)
		if err != nil {
			return errorResult(err), nil
		}
		resp["events"] = events
	}
	return successResult(resp)
}

// HandleBackupCreate handles the backup_create tool call.
func (h *Handlers) HandleBackupCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[BackupCreateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := backup.Create(ctx, h.database, h.keys, h.cfg, backup.CreateInput{
		Path:       input.Path,
		Passphrase: input.Passphrase,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// HandleBackupRestore handles the backup_restore tool call.
func (h *Handlers) HandleBackupRestore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[BackupRestoreRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := backup.Restore(ctx, h.database, h.cfg, backup.RestoreInput{
		Path:             input.Path,
		BackupPassphrase: input.BackupPassphrase,
		NewPassphrase:    input.NewPassphrase,
		ReuseVaultID:     input.ReuseVaultID,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

// errorResult creates an MCP error result from any error.
// Every failure carries a stable error code; internal details never
// leak to clients.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if vErr, ok := err.(*errors.VaultError); ok {
		errorObj := map[string]any{
			"code":    vErr.Code,
			"message": vErr.Message,
			"status":  vErr.Status,
		}
		// Only include details for non-internal errors to avoid leaking
		// sensitive info like file paths or SQL errors
		if vErr.Code != errors.ErrInternal && vErr.Details != nil {
			errorObj["details"] = vErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    "INTERNAL",
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
