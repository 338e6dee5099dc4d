package main

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/keep/internal/backup"
	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/keys"
	"github.com/hpungsan/keep/internal/vault"
	"github.com/hpungsan/keep/internal/web"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp(database *sql.DB, cfg *config.Config) *cli.App {
	app := &cli.App{
		Name:    "keep",
		Usage:   "Encrypted personal memory vault",
		Version: Version,
		Commands: []*cli.Command{
			initCmd(database, cfg),
			saveCmd(database, cfg),
			getCmd(database, cfg),
			listCmd(database, cfg),
			attachCmd(database, cfg),
			attachmentsCmd(database, cfg),
			verifyLogCmd(database, cfg),
			backupCmd(database, cfg),
			restoreCmd(database, cfg),
			webCmd(database, cfg),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// unlockEngine unlocks the vault from the passphrase environment
// variable and returns an engine over it.
func unlockEngine(c *cli.Context, database *sql.DB, cfg *config.Config) (*vault.Engine, error) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, errors.NewInvalidRequest(passphraseEnv + " must be set")
	}
	kp, vaultID, err := vault.Unlock(c.Context, database, passphrase)
	if err != nil {
		return nil, err
	}
	return vault.NewEngine(database, kp, vaultID, cfg), nil
}

// initCmd creates the init command.
func initCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize a new vault (passphrase from " + passphraseEnv + ")",
		Action: func(c *cli.Context) error {
			passphrase := os.Getenv(passphraseEnv)
			if passphrase == "" {
				return outputError(errors.NewInvalidRequest(passphraseEnv + " must be set"))
			}
			vaultID, err := vault.InitVault(c.Context, database, passphrase, cfg)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(map[string]any{"vault_id": vaultID})
		},
	}
}

// saveCmd creates the save command.
func saveCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "save",
		Usage: "Encrypt and store a memory (content piped via stdin)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "content-type", Aliases: []string{"t"}, Usage: "Media type override (default text/plain)"},
			&cli.StringFlag{Name: "subject", Aliases: []string{"s"}, Usage: "Owning identity reference"},
			&cli.StringFlag{Name: "labels", Usage: "Comma-separated labels, e.g. sensitivity=medical,sharing=trusted"},
			&cli.StringSliceFlag{Name: "attach", Aliases: []string{"a"}, Usage: "File to attach (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			if !stdinHasData() {
				return outputError(errors.NewInvalidRequest("content must be piped via stdin"))
			}
			content, err := readStdin()
			if err != nil {
				return outputError(errors.NewInternal(err))
			}
			if content == "" {
				return outputError(errors.NewInvalidRequest("content is required"))
			}

			engine, err := unlockEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}

			input := vault.SaveMemoryInput{
				Content:     content,
				ContentType: c.String("content-type"),
				Subject:     c.String("subject"),
				Labels:      parseLabels(c.String("labels")),
			}
			for _, path := range c.StringSlice("attach") {
				data, err := os.ReadFile(path)
				if err != nil {
					return outputError(errors.NewInvalidRequest("cannot read attachment: " + path))
				}
				input.Attachments = append(input.Attachments, vault.AttachmentInput{
					Name: filepath.Base(path),
					Data: data,
				})
			}

			output, err := engine.SaveMemory(c.Context, input)
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// getCmd creates the get command.
func getCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Decrypt and print one memory",
		ArgsUsage: "<id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "raw", Usage: "Write the decrypted content bytes to stdout instead of JSON"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("memory id is required"))
			}
			engine, err := unlockEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}

			output, err := engine.GetMemory(c.Context, vault.GetMemoryInput{ID: c.Args().First()})
			if err != nil {
				return outputError(err)
			}

			if c.Bool("raw") {
				_, err := os.Stdout.Write(output.Content)
				return err
			}

			view := map[string]any{
				"memory_id":    output.MemoryID,
				"capsule_id":   output.CapsuleID,
				"content_type": output.ContentType,
				"created":      output.Created,
				"modified":     output.Modified,
				"subject":      output.Subject,
				"labels":       output.Labels,
				"attachments":  output.Attachments,
			}
			if output.Encoding == capsule.EncodingUTF8 {
				view["content"] = string(output.Content)
			} else {
				view["content_base64"] = base64.StdEncoding.EncodeToString(output.Content)
			}
			return outputJSON(view)
		},
	}
}

// listCmd creates the list command.
func listCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List memories newest-first (metadata only)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: vault.DefaultListLimit, Usage: "Maximum items to return"},
			&cli.IntFlag{Name: "offset", Aliases: []string{"o"}, Value: 0, Usage: "Items to skip"},
		},
		Action: func(c *cli.Context) error {
			engine, err := unlockEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}
			output, err := engine.ListMemories(c.Context, vault.ListMemoriesInput{
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// attachCmd creates the attach command.
func attachCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "attach",
		Usage:     "Attach a file to an existing memory",
		ArgsUsage: "<memory-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "File to attach"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Attachment name (defaults to the file name)"},
			&cli.StringFlag{Name: "media-type", Aliases: []string{"t"}, Usage: "Media type (default application/octet-stream)"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("memory id is required"))
			}
			engine, err := unlockEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}

			path := c.String("file")
			data, err := os.ReadFile(path)
			if err != nil {
				return outputError(errors.NewInvalidRequest("cannot read attachment: " + path))
			}
			name := c.String("name")
			if name == "" {
				name = filepath.Base(path)
			}

			output, err := engine.AddAttachment(c.Context, vault.AddAttachmentInput{
				MemoryID:  c.Args().First(),
				Name:      name,
				MediaType: c.String("media-type"),
				Data:      data,
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// attachmentsCmd creates the attachments command.
func attachmentsCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:      "attachments",
		Usage:     "List a memory's attachments, or fetch/delete one by id",
		ArgsUsage: "[memory-id]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "get", Usage: "Attachment id to decrypt; bytes go to --out or stdout"},
			&cli.StringFlag{Name: "out", Usage: "Output file for --get"},
			&cli.StringFlag{Name: "delete", Usage: "Attachment id to delete"},
		},
		Action: func(c *cli.Context) error {
			engine, err := unlockEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}

			if id := c.String("get"); id != "" {
				output, err := engine.GetAttachment(c.Context, id)
				if err != nil {
					return outputError(err)
				}
				if out := c.String("out"); out != "" {
					if err := os.WriteFile(out, output.Data, 0600); err != nil {
						return outputError(errors.NewInternal(err))
					}
					return outputJSON(map[string]any{"id": output.ID, "written": out, "size_bytes": output.SizeBytes})
				}
				_, err = os.Stdout.Write(output.Data)
				return err
			}

			if id := c.String("delete"); id != "" {
				if err := engine.DeleteAttachment(c.Context, id); err != nil {
					return outputError(err)
				}
				return outputJSON(map[string]any{"deleted": id})
			}

			if c.NArg() == 0 {
				return outputError(errors.NewInvalidRequest("memory id is required"))
			}
			output, err := engine.ListAttachments(c.Context, c.Args().First())
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// verifyLogCmd creates the verify-log command. Chain verification
// needs no key material, so it works on a locked vault.
func verifyLogCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "verify-log",
		Usage: "Verify the hash-chained audit log",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Also print the most recent N events"},
		},
		Action: func(c *cli.Context) error {
			engine, err := lockedEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}
			result, err := engine.VerifyLog(c.Context)
			if err != nil {
				return outputError(err)
			}
			if limit := c.Int("limit"); limit > 0 {
				events, err := engine.ListEvents(c.Context, limit)
				if err != nil {
					return outputError(err)
				}
				return outputJSON(map[string]any{"verification": result, "events": events})
			}
			return outputJSON(result)
		},
	}
}

// backupCmd creates the backup command.
func backupCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Export the vault into one encrypted file (backup passphrase from " + backupPassphraseEnv + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Backup file path (default: ~/.keep/backups/keep-<timestamp>.json)"},
		},
		Action: func(c *cli.Context) error {
			engine, err := unlockEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}
			output, err := backup.Create(c.Context, database, engine.Keys(), cfg, backup.CreateInput{
				Path:       c.String("path"),
				Passphrase: os.Getenv(backupPassphraseEnv),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// restoreCmd creates the restore command.
func restoreCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Restore a vault from an encrypted backup into an empty base directory",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Required: true, Usage: "Backup file path"},
			&cli.BoolFlag{Name: "reuse-vault-id", Usage: "Keep the original vault id"},
		},
		Action: func(c *cli.Context) error {
			output, err := backup.Restore(c.Context, database, cfg, backup.RestoreInput{
				Path:             c.String("path"),
				BackupPassphrase: os.Getenv(backupPassphraseEnv),
				NewPassphrase:    os.Getenv(passphraseEnv),
				ReuseVaultID:     c.Bool("reuse-vault-id"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(output)
		},
	}
}

// webCmd creates the web command.
func webCmd(database *sql.DB, cfg *config.Config) *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "Serve the read-only local viewer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bind", Value: "127.0.0.1", Usage: "Bind address"},
			&cli.IntFlag{Name: "port", Value: 8787, Usage: "Port"},
		},
		Action: func(c *cli.Context) error {
			engine, err := unlockEngine(c, database, cfg)
			if err != nil {
				return outputError(err)
			}
			srv := web.NewServer(engine, Version, c.String("bind"), c.Int("port"))
			return web.Run(srv)
		},
	}
}

// lockedEngine builds an engine without key material for operations
// that never decrypt.
func lockedEngine(c *cli.Context, database *sql.DB, cfg *config.Config) (*vault.Engine, error) {
	meta, err := db.GetVaultMeta(c.Context, database)
	if err != nil {
		return nil, err
	}
	return vault.NewEngine(database, keys.Locked(), meta.VaultID, cfg), nil
}

// Helper functions

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if vErr, ok := err.(*errors.VaultError); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", vErr.Code, vErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

// readStdin reads all content from stdin.
func readStdin() (string, error) {
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// parseLabels splits "k=v,k=v" into a label map.
func parseLabels(s string) map[string]string {
	if s == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" {
			labels[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return labels
}
