package mcp

import (
	"context"
	"database/sql"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/keys"
	"github.com/hpungsan/keep/internal/token"
	"github.com/hpungsan/keep/internal/vault"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"memory_save": {
		def:     memorySaveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMemorySave },
	},
	"memory_get": {
		def:     memoryGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMemoryGet },
	},
	"memory_list": {
		def:     memoryListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMemoryList },
	},
	"attachment_add": {
		def:     attachmentAddToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAttachmentAdd },
	},
	"attachment_get": {
		def:     attachmentGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAttachmentGet },
	},
	"attachment_delete": {
		def:     attachmentDeleteToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAttachmentDelete },
	},
	"token_issue": {
		def:     tokenIssueToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTokenIssue },
	},
	"token_read": {
		def:     tokenReadToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleTokenRead },
	},
	"log_verify": {
		def:     logVerifyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleLogVerify },
	},
	"backup_create": {
		def:     backupCreateToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleBackupCreate },
	},
	"backup_restore": {
		def:     backupRestoreToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleBackupRestore },
	},
}

// AllToolNames returns a list of all valid tool names.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with keep tools registered.
// Tools listed in cfg.DisabledTools are excluded from registration.
func NewServer(database *sql.DB, engine *vault.Engine, tokens *token.Engine, kp keys.Provider, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"keep",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(database, engine, tokens, kp, cfg)

	disabled := make(map[string]bool)
	for _, name := range cfg.DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(database *sql.DB, engine *vault.Engine, tokens *token.Engine, kp keys.Provider, cfg *config.Config, version string) error {
	s := NewServer(database, engine, tokens, kp, cfg, version)
	return server.ServeStdio(s)
}

// ToolHandlerFunc is the signature for tool handlers.
type ToolHandlerFunc func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
