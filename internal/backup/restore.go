package backup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/hpungsan/keep/internal/canon"
	"github.com/hpungsan/keep/internal/config"
	"github.com/hpungsan/keep/internal/db"
	"github.com/hpungsan/keep/internal/errors"
	"github.com/hpungsan/keep/internal/eventlog"
	"github.com/hpungsan/keep/internal/hlc"
	"github.com/hpungsan/keep/internal/keys"
	"github.com/hpungsan/keep/internal/vault"
)

// RestoreInput contains parameters for the Restore operation.
type RestoreInput struct {
	Path             string
	BackupPassphrase string
	NewPassphrase    string // passphrase for the restored vault
	ReuseVaultID     bool   // keep the original vault id instead of minting one
}

// RestoreOutput contains the result of the Restore operation.
type RestoreOutput struct {
	VaultID     string `json:"vault_id"`
	Memories    int    `json:"memories"`
	Attachments int    `json:"attachments"`
	Events      int    `json:"events"`
}

// Restore rebuilds a vault from an encrypted backup file. The package
// integrity hash is verified before decryption is attempted; all
// records land in one write transaction, so a partially restored vault
// cannot exist. The master key from the backup is re-wrapped under the
// new passphrase, keeping every existing ciphertext readable.
func Restore(ctx context.Context, database *sql.DB, cfg *config.Config, input RestoreInput) (*RestoreOutput, error) {
	if len(input.NewPassphrase) < vault.MinPassphraseLen {
		return nil, errors.NewValidation("new_passphrase", "must be at least 8 characters")
	}
	if err := ValidatePath(input.Path, PathCheckRead, cfg); err != nil {
		return nil, err
	}

	// The target must not already hold a vault.
	if _, err := db.GetVaultMeta(ctx, database); err == nil {
		return nil, errors.NewInvalidRequest("vault already initialized; restore into an empty base directory")
	} else if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	p, originalVaultID, err := open(input.Path, input.BackupPassphrase)
	if err != nil {
		return nil, err
	}

	vaultID := "vault:uuid:" + uuid.NewString()
	if input.ReuseVaultID {
		vaultID = originalVaultID
	}

	if len(p.MasterKey) != keys.KeySize {
		return nil, errors.NewBackup("backup payload carries no usable master key")
	}

	iterations := keys.MinKDFIterations
	if cfg != nil && cfg.KDFIterations > iterations {
		iterations = cfg.KDFIterations
	}
	salt, err := keys.NewSalt()
	if err != nil {
		return nil, err
	}
	kek := keys.DeriveKEK(input.NewPassphrase, salt, iterations)
	wrapNonce, wrapped, err := keys.WrapKey(kek, p.MasterKey)
	if err != nil {
		return nil, err
	}

	err = db.WithTx(ctx, database, func(tx *sql.Tx) error {
		if err := db.InsertVaultMeta(ctx, tx, &db.VaultMeta{
			VaultID:       vaultID,
			KDFSalt:       salt,
			KDFIterations: iterations,
			WrapNonce:     wrapNonce,
			WrappedKey:    wrapped,
			CreatedAt:     time.Now().Unix(),
		}); err != nil {
			return err
		}

		for i, m := range p.Memories {
			if err := checkBatch(ctx, i, "restore"); err != nil {
				return err
			}
			if err := db.InsertMemory(ctx, tx, &db.Memory{
				ID: m.ID, CapsuleID: m.CapsuleID, Capsule: m.Capsule,
				ContentChecksum: m.ContentChecksum, HeaderChecksum: m.HeaderChecksum,
				CreatedAt: m.CreatedAt,
			}); err != nil {
				return err
			}
		}

		for i, b := range p.Blobs {
			if err := checkBatch(ctx, i, "restore"); err != nil {
				return err
			}
			if _, err := db.UpsertBlob(ctx, tx, &db.Blob{
				ContentHash: b.ContentHash, Algorithm: b.Algorithm, Nonce: b.Nonce,
				AADHash: b.AADHash, Data: b.Data, SizeBytes: b.SizeBytes, CreatedAt: b.CreatedAt,
			}); err != nil {
				return err
			}
		}

		for i, a := range p.Attachments {
			if err := checkBatch(ctx, i, "restore"); err != nil {
				return err
			}
			if err := db.InsertAttachment(ctx, tx, &db.Attachment{
				ID: a.ID, MemoryID: a.MemoryID, Name: a.Name, MediaType: a.MediaType,
				ContentHash: a.ContentHash, SizeBytes: a.SizeBytes, CreatedAt: a.CreatedAt,
			}); err != nil {
				return err
			}
		}

		// The original chain is preserved verbatim; the restore itself
		// becomes its next link.
		store := db.NewEventStore(tx)
		for i, e := range p.Events {
			if err := checkBatch(ctx, i, "restore"); err != nil {
				return err
			}
			if err := store.Append(ctx, e); err != nil {
				return err
			}
		}
		log := eventlog.NewLog(store, hlc.NewClock())
		_, err := log.CreateEvent(ctx, eventlog.TypeVaultRestored, "", map[string]any{
			"vaultId":         vaultID,
			"originalVaultId": originalVaultID,
			"memories":        len(p.Memories),
		}, "self")
		return err
	})
	if err != nil {
		return nil, err
	}

	return &RestoreOutput{
		VaultID:     vaultID,
		Memories:    len(p.Memories),
		Attachments: len(p.Attachments),
		Events:      len(p.Events) + 1,
	}, nil
}

// open reads a backup file, verifies its integrity hash, and decrypts
// the payload.
func open(path, passphrase string) (*payload, string, error) {
	file, err := openFileNoFollowRead(path)
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	var f File
	if err := json.NewDecoder(file).Decode(&f); err != nil {
		return nil, "", errors.NewBackup("backup file is not valid JSON")
	}
	if f.Format != Format {
		return nil, "", errors.NewBackup("unrecognized backup format: " + f.Format)
	}

	// Integrity before decryption: a flipped bit fails here, before any
	// key derivation work.
	if canon.HashBytes(f.Data) != f.Integrity {
		return nil, "", errors.NewBackup("backup integrity hash mismatch")
	}

	iterations := f.Encryption.Iterations
	if iterations < keys.MinKDFIterations {
		return nil, "", errors.NewBackup("backup KDF iteration count below security floor")
	}
	key := pbkdf2.Key([]byte(passphrase), f.Encryption.Salt, iterations, chacha20poly1305.KeySize, sha256.New)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, "", errors.NewDecryption("backup cipher construction failed")
	}
	plaintext, err := aead.Open(nil, f.Encryption.IV, f.Data, backupAAD)
	if err != nil {
		return nil, "", errors.NewDecryption("wrong backup passphrase or corrupted package")
	}

	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return nil, "", errors.NewBackup("backup payload is malformed")
	}
	return &p, p.VaultID, nil
}
