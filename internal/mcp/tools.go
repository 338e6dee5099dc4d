package mcp

import "github.com/mark3labs/mcp-go/mcp"

var memorySaveToolDef = mcp.NewTool("memory_save",
	mcp.WithDescription("Encrypt and store a memory in the vault. Content, attachments, and the audit event commit atomically."),
	mcp.WithString("content", mcp.Required(),
		mcp.Description("Memory content. Stored encrypted; never leaves the vault unencrypted.")),
	mcp.WithString("content_type",
		mcp.Description("Optional media type override (default text/plain).")),
	mcp.WithString("subject",
		mcp.Description("Owning identity reference (default: the creator).")),
	mcp.WithObject("labels",
		mcp.Description("Classification labels: sensitivity, retention, sharing. Synonyms are standardized; unknown values fall back to safe defaults.")),
	mcp.WithObject("extensions",
		mcp.Description("Open extension map carried on the capsule.")),
	mcp.WithArray("attachments",
		mcp.Description("Attachments to store with the memory: objects with name, media_type, and base64 data."),
		mcp.Items(map[string]any{"type": "object"})),
)

var memoryGetToolDef = mcp.NewTool("memory_get",
	mcp.WithDescription("Decrypt and return one memory. Every read verifies the integrity block and the capsule's content address."),
	mcp.WithString("id", mcp.Required(),
		mcp.Description("Memory ULID or capsule URN (capsule:sha256:<hex>).")),
)

var memoryListToolDef = mcp.NewTool("memory_list",
	mcp.WithDescription("List memories newest-first. Content stays encrypted; only header metadata is returned."),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100).")),
	mcp.WithNumber("offset", mcp.Description("Page offset (default 0).")),
)

var attachmentAddToolDef = mcp.NewTool("attachment_add",
	mcp.WithDescription("Attach a file to an existing memory. Blobs are deduplicated by content hash."),
	mcp.WithString("memory_id", mcp.Required(), mcp.Description("Memory ULID or capsule URN.")),
	mcp.WithString("name", mcp.Required(), mcp.Description("Attachment file name.")),
	mcp.WithString("media_type", mcp.Description("Media type (default application/octet-stream).")),
	mcp.WithString("data", mcp.Required(), mcp.Description("Attachment bytes, base64-encoded.")),
)

var attachmentGetToolDef = mcp.NewTool("attachment_get",
	mcp.WithDescription("Decrypt and return one attachment, verified against its content hash."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Attachment ULID.")),
)

var attachmentDeleteToolDef = mcp.NewTool("attachment_delete",
	mcp.WithDescription("Delete an attachment record. The underlying blob is collected once nothing references it."),
	mcp.WithString("id", mcp.Required(), mcp.Description("Attachment ULID.")),
)

var tokenIssueToolDef = mcp.NewTool("token_issue",
	mcp.WithDescription("Issue a signed capability token granting scoped, projected read access to specific capsules."),
	mcp.WithString("subject", mcp.Required(), mcp.Description("Identity the token is issued to.")),
	mcp.WithArray("capsules", mcp.Required(),
		mcp.Description("Capsule URNs the token may read."),
		mcp.Items(map[string]any{"type": "string"})),
	mcp.WithObject("projection",
		mcp.Description("Field projection: {fields: [dotted paths], redact: [labels]}. Empty grants id only.")),
	mcp.WithNumber("expires_in_seconds", mcp.Description("Lifetime of the token; 0 means no expiry caveat.")),
	mcp.WithString("purpose", mcp.Description("Purpose caveat recorded on the token.")),
	mcp.WithNumber("max_accesses", mcp.Description("Access-count caveat; 0 means unlimited.")),
	mcp.WithBoolean("bind_projection",
		mcp.Description("Bind the projection hash so reads must request exactly this projection.")),
)

var tokenReadToolDef = mcp.NewTool("token_read",
	mcp.WithDescription("Read a capsule through a capability token. Requires a fresh request nonce; replays are rejected."),
	mcp.WithObject("token", mcp.Required(), mcp.Description("The capability token as issued.")),
	mcp.WithString("capsule_id", mcp.Required(), mcp.Description("Capsule URN to read; must be in the token's scope.")),
	mcp.WithObject("projection", mcp.Description("Requested projection. Must match the bound projection if the token binds one.")),
	mcp.WithString("nonce", mcp.Required(), mcp.Description("Fresh request nonce; consumed on success.")),
)

var logVerifyToolDef = mcp.NewTool("log_verify",
	mcp.WithDescription("Verify the hash-chained event log and report the first divergence, if any."),
	mcp.WithNumber("limit", mcp.Description("Also return the most recent N events (0 returns none).")),
)

var backupCreateToolDef = mcp.NewTool("backup_create",
	mcp.WithDescription("Export the whole vault into one encrypted backup file."),
	mcp.WithString("path", mcp.Description("Backup file path (.json). Defaults to ~/.keep/backups/keep-<timestamp>.json.")),
	mcp.WithString("passphrase", mcp.Required(),
		mcp.Description("Backup passphrase (minimum 12 characters), independent of the vault passphrase.")),
)

var backupRestoreToolDef = mcp.NewTool("backup_restore",
	mcp.WithDescription("Restore a vault from an encrypted backup into an empty base directory under a new passphrase."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Backup file path (.json).")),
	mcp.WithString("backup_passphrase", mcp.Required(), mcp.Description("Passphrase the backup was created with.")),
	mcp.WithString("new_passphrase", mcp.Required(), mcp.Description("Passphrase for the restored vault (minimum 8 characters).")),
	mcp.WithBoolean("reuse_vault_id", mcp.Description("Keep the original vault id instead of minting a fresh one.")),
)
