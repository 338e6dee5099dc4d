package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/keys"
	"github.com/hpungsan/keep/internal/mcp"
	"github.com/hpungsan/keep/internal/token"
	"github.com/hpungsan/keep/internal/vault"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// passphraseEnv is where unlock passphrases come from; they never
// appear on the command line.
const (
	passphraseEnv       = "KEEP_PASSPHRASE"
	backupPassphraseEnv = "KEEP_BACKUP_PASSPHRASE"
)

// cliCommands contains known CLI subcommands.
var cliCommands = map[string]bool{
	"init": true, "save": true, "get": true, "list": true,
	"attach": true, "attachments": true, "verify-log": true,
	"backup": true, "restore": true, "web": true,
	"help": true,
}

// isCLIMode determines if we should run CLI vs MCP server.
func isCLIMode() bool {
	if len(os.Args) < 2 {
		return false // No args → MCP server
	}
	arg := os.Args[1]
	if cliCommands[arg] {
		return true
	}
	if arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" {
		return true
	}
	return false
}

// isHelpOrVersion returns true if the user is requesting help or version info.
func isHelpOrVersion() bool {
	if len(os.Args) < 2 {
		return false
	}
	arg := os.Args[1]
	return arg == "--help" || arg == "-h" || arg == "--version" || arg == "-v" || arg == "help"
}

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, _ := os.Stdin.Stat()
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   _
  | | _____  ___ _ __
  | |/ / _ \/ _ \ '_ \
  |   <  __/  __/ |_) |
  |_|\_\___|\___| .__/
                |_|

  Encrypted personal memory vault

  Usage: keep <command> [options]
         keep --help

  MCP server mode requires piped input.`)
}

func main() {
	// No args + interactive terminal → show banner and exit
	if len(os.Args) < 2 && isTerminal() {
		printBanner()
		return
	}

	// Handle --help/--version before DB init (no DB needed)
	if isHelpOrVersion() {
		app := newCLIApp(nil, nil)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: could not determine home directory: %v\n", err)
		os.Exit(1)
	}

	baseDir := filepath.Join(homeDir, ".keep")

	database, err := db.Init(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to initialize database: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	cfg, err := config.Load(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	db.ConfigurePool(database, cfg)

	// CLI mode: known subcommand
	if isCLIMode() {
		app := newCLIApp(database, cfg)
		if err := app.Run(os.Args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Unknown argument + terminal → show error (don't start MCP server)
	if len(os.Args) >= 2 && isTerminal() {
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "Run 'keep --help' for usage.\n")
		os.Exit(1)
	}

	// MCP server mode (default). Without a passphrase in the
	// environment the server still starts, but every tool that needs
	// key material fails closed with VAULT_LOCKED.
	engine, kp, tokens := serverDeps(database, cfg)
	if err := mcp.Run(database, engine, tokens, kp, cfg, Version); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// serverDeps wires the vault engine and token engine for server mode
// from the passphrase environment variable, falling back to a locked
// provider.
func serverDeps(database *sql.DB, cfg *config.Config) (*vault.Engine, keys.Provider, *token.Engine) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return lockedDeps(database, cfg)
	}

	kp, vaultID, err := vault.Unlock(context.Background(), database, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: vault unlock failed, serving locked: %v\n", err)
		return lockedDeps(database, cfg)
	}

	engine := vault.NewEngine(database, kp, vaultID, cfg)
	master, err := kp.MasterKey(vaultID)
	if err != nil {
		return engine, kp, nil
	}
	signingKey, err := keys.DeriveSigningKey(master)
	if err != nil {
		return engine, kp, nil
	}
	return engine, kp, token.NewEngine(token.NewHMACSigner(signingKey, 1))
}

// lockedDeps builds fail-closed dependencies: reads of vault metadata
// still work, everything touching key material returns VAULT_LOCKED.
func lockedDeps(database *sql.DB, cfg *config.Config) (*vault.Engine, keys.Provider, *token.Engine) {
	vaultID := ""
	if meta, err := db.GetVaultMeta(context.Background(), database); err == nil {
		vaultID = meta.VaultID
	}
	kp := keys.Locked()
	return vault.NewEngine(database, kp, vaultID, cfg), kp, nil
}
