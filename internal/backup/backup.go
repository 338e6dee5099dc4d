// Package backup implements the single-file encrypted export and the
// matching restore. The whole vault snapshot travels as one JSON
// package whose payload is sealed under a passphrase-derived key;
// attachment blobs stay in their vault-key-encrypted form throughout.
package backup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/capsule"
	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
	"github.com/hpungsan/keep/internal/hlc"
	"github.com/hpungsan/keep/internal/keys"
)

// Format is the backup file discriminator.
const Format = "keep.backup.v1"

// MinBackupPassphraseLen is enforced before any vault data is read.
const MinBackupPassphraseLen = 12

// backupAAD binds the sealed payload to the backup format.
var backupAAD = []byte(Format)

// batchSize is the cancellation check interval for record loops.
const batchSize = 100

// File is the on-disk backup package. Only encrypted_data carries vault
// content; everything else is framing.
type File struct {
	Format     string     `json:"format"`
	Encryption Encryption `json:"encryption"`
	Data       []byte     `json:"encrypted_data"`
	Integrity  string     `json:"integrity_hash"`
	Metadata   Metadata   `json:"metadata"`
}

// Encryption holds the parameters needed to re-derive the payload key.
type Encryption struct {
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Algorithm  string `json:"algorithm"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
}

// Metadata describes the backup without revealing content.
type Metadata struct {
	VaultID   string `json:"vault_id"`
	Encrypted bool   `json:"encrypted"`
	Secure    bool   `json:"secure"`
	CreatedAt int64  `json:"created_at"`
}

// payload is the plaintext snapshot sealed into encrypted_data. It
// carries the raw master key so restore can re-wrap it under a new
// passphrase without knowing the old one.
type payload struct {
	VaultID     string              `json:"vault_id"`
	MasterKey   []byte              `json:"master_key"`
	Memories    []payloadMemory     `json:"memories"`
	Attachments []payloadAttachment `json:"attachments"`
	Blobs       []payloadBlob       `json:"blobs"`
	Events      []*eventlog.Event   `json:"events"`
}

type payloadMemory struct {
	ID              string           `json:"id"`
	CapsuleID       string           `json:"capsule_id"`
	Capsule         *capsule.Capsule `json:"capsule"`
	ContentChecksum string           `json:"content_checksum"`
	HeaderChecksum  string           `json:"header_checksum"`
	CreatedAt       int64            `json:"created_at"`
}

type payloadAttachment struct {
	ID          string `json:"id"`
	MemoryID    string `json:"memory_id"`
	Name        string `json:"name"`
	MediaType   string `json:"media_type"`
	ContentHash string `json:"content_hash"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedAt   int64  `json:"created_at"`
}

type payloadBlob struct {
	ContentHash string `json:"content_hash"`
	Algorithm   string `json:"algorithm"`
	Nonce       string `json:"nonce"`
	AADHash     string `json:"aad_hash"`
	Data        []byte `json:"data"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedAt   int64  `json:"created_at"`
}

// CreateInput contains parameters for the Create operation.
type CreateInput struct {
	Path       string // optional, default: <baseDir>/backups/keep-<timestamp>.json
	Passphrase string // backup passphrase, independent of the vault passphrase
}

// CreateOutput contains the result of the Create operation.
type CreateOutput struct {
	Path        string `json:"path"`
	VaultID     string `json:"vault_id"`
	Memories    int    `json:"memories"`
	Attachments int    `json:"attachments"`
	Events      int    `json:"events"`
	CreatedAt   int64  `json:"created_at"`
}

// Create exports the whole vault into one encrypted file. The snapshot
// is read inside a single transaction; blobs are exported in their
// already-encrypted form and never decrypted here.
func Create(ctx context.Context, database *sql.DB, kp keys.Provider, cfg *config.Config, input CreateInput) (*CreateOutput, error) {
	// Passphrase policy is checked before any data is touched.
	if len(input.Passphrase) < MinBackupPassphraseLen {
		return nil, errors.NewBackup("backup passphrase must be at least 12 characters")
	}

	now := time.Now()
	backupPath := input.Path
	if backupPath == "" {
		var err error
		backupPath, err = defaultBackupPath(now)
		if err != nil {
			return nil, err
		}
	}
	if err := ValidatePath(backupPath, PathCheckWrite, cfg); err != nil {
		return nil, err
	}

	var (
		meta *db.VaultMeta
		p    payload
	)
	err := db.WithTx(ctx, database, func(tx *sql.Tx) error {
		var err error
		meta, err = db.GetVaultMeta(ctx, tx)
		if err != nil {
			return err
		}

		master, err := kp.MasterKey(meta.VaultID)
		if err != nil {
			return err
		}
		p.VaultID = meta.VaultID
		p.MasterKey = master

		memories, err := db.AllMemories(ctx, tx)
		if err != nil {
			return err
		}
		for i, m := range memories {
			if err := checkBatch(ctx, i, "backup"); err != nil {
				return err
			}
			p.Memories = append(p.Memories, payloadMemory{
				ID: m.ID, CapsuleID: m.CapsuleID, Capsule: m.Capsule,
				ContentChecksum: m.ContentChecksum, HeaderChecksum: m.HeaderChecksum,
				CreatedAt: m.CreatedAt,
			})
		}

		attachments, err := db.ListAttachments(ctx, tx, "")
		if err != nil {
			return err
		}
		for i, a := range attachments {
			if err := checkBatch(ctx, i, "backup"); err != nil {
				return err
			}
			p.Attachments = append(p.Attachments, payloadAttachment{
				ID: a.ID, MemoryID: a.MemoryID, Name: a.Name, MediaType: a.MediaType,
				ContentHash: a.ContentHash, SizeBytes: a.SizeBytes, CreatedAt: a.CreatedAt,
			})
		}

		blobs, err := db.AllBlobs(ctx, tx)
		if err != nil {
			return err
		}
		for i, b := range blobs {
			if err := checkBatch(ctx, i, "backup"); err != nil {
				return err
			}
			p.Blobs = append(p.Blobs, payloadBlob{
				ContentHash: b.ContentHash, Algorithm: b.Algorithm, Nonce: b.Nonce,
				AADHash: b.AADHash, Data: b.Data, SizeBytes: b.SizeBytes, CreatedAt: b.CreatedAt,
			})
		}

		p.Events, err = db.NewEventStore(tx).All(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(&p)
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	file, err := seal(plaintext, input.Passphrase, meta.VaultID, cfg, now)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(backupPath, file); err != nil {
		return nil, err
	}

	// Record the export on the audit chain after the file is in place.
	log := eventlog.NewLog(db.NewEventStore(database), hlc.NewClock())
	_, _ = log.CreateEvent(ctx, eventlog.TypeBackupCreated, "", map[string]any{
		"vaultId":  meta.VaultID,
		"memories": len(p.Memories),
	}, "self")

	return &CreateOutput{
		Path:        backupPath,
		VaultID:     meta.VaultID,
		Memories:    len(p.Memories),
		Attachments: len(p.Attachments),
		Events:      len(p.Events),
		CreatedAt:   now.Unix(),
	}, nil
}

// seal encrypts the payload under a fresh PBKDF2 key and frames it.
func seal(plaintext []byte, passphrase, vaultID string, cfg *config.Config, now time.Time) (*File, error) {
	iterations := keys.MinKDFIterations
	if cfg != nil && cfg.KDFIterations > iterations {
		iterations = cfg.KDFIterations
	}

	salt, err := keys.NewSalt()
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(passphrase), salt, iterations, chacha20poly1305.KeySize, sha256.New)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.NewEncryption("backup cipher construction failed")
	}
	iv := make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.NewInternal(err)
	}
	ciphertext := aead.Seal(nil, iv, plaintext, backupAAD)

	return &File{
		Format: Format,
		Encryption: Encryption{
			Salt:       salt,
			IV:         iv,
			Algorithm:  "xchacha20-poly1305",
			KDF:        "pbkdf2-sha256",
			Iterations: iterations,
		},
		Data:      ciphertext,
		Integrity: canon.HashBytes(ciphertext),
		Metadata: Metadata{
			VaultID:   vaultID,
			Encrypted: true,
			Secure:    true,
			CreatedAt: now.Unix(),
		},
	}, nil
}

// writeAtomic writes the backup file via temp file, fsync, and rename,
// so a failure never leaves a truncated backup in place.
func writeAtomic(path string, f *File) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.NewInternal(err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create backup directory: %w", err))
	}

	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return errors.NewInternal(err)
	}
	tempPath := path + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.NewInternal(fmt.Errorf("failed to create backup file: %w", err))
	}

	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := file.Write(data); err != nil {
		return errors.NewInternal(err)
	}
	if err := file.Sync(); err != nil {
		return errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return errors.NewInternal(fmt.Errorf("failed to close backup file: %w", err))
	}
	file = nil

	// os.Rename would follow a symlink destination.
	if info, err := os.Lstat(path); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return errors.NewInvalidRequest("backup path must not be a symlink")
	}
	if err := os.Rename(tempPath, path); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(path); statErr == nil {
				return errors.NewInvalidRequest("backup destination already exists; choose a new path or delete the existing file")
			}
		}
		return errors.NewInternal(fmt.Errorf("failed to finalize backup: %w", err))
	}

	success = true
	return nil
}

// checkBatch checks for cooperative cancellation every batchSize records.
func checkBatch(ctx context.Context, i int, operation string) error {
	if i%batchSize != 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.NewCancelled(operation)
	default:
		return nil
	}
}

// defaultBackupPath generates the default backup path.
// Format: ~/.keep/backups/keep-<timestamp>.json
func defaultBackupPath(now time.Time) (string, error) {
	dir, err := DefaultBackupsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("keep-%s.json", now.Format("2006-01-02T150405"))), nil
}
