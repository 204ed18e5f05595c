package totp

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no TOTP record exists for a login
	ErrNotFound = errors.New("totp record not found")
	// ErrConflict is returned when an optimistic update lost against a
	// concurrent writer; the caller must treat the operation as failed.
	ErrConflict = errors.New("totp record modified concurrently")
)

// TotpEntity represents the TOTP state persisted for one login. Secret and
// backup codes are stored sealed; plaintext never reaches the repository.
type TotpEntity struct {
	LoginID                uuid.UUID
	EncryptedSecret        string
	SecretValid            bool
	EncryptedBackupCodes   string
	BackupCodesValid       bool
	BackupCodesGeneratedAt time.Time
	GeneratedAtValid       bool
	Enabled                bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// SaveBackupCodesParams represents parameters for storing a sealed backup-code batch
type SaveBackupCodesParams struct {
	LoginID              uuid.UUID
	EncryptedBackupCodes string
	GeneratedAt          time.Time
	// PrevEncryptedBackupCodes, when non-empty, guards the write: the update
	// only applies if the stored blob still matches, otherwise ErrConflict.
	// Backup-code consumption uses this so two concurrent submissions of the
	// same code cannot both succeed.
	PrevEncryptedBackupCodes string
}

// TotpRepository defines the persistence contract for TOTP state
type TotpRepository interface {
	Get(ctx context.Context, loginID uuid.UUID) (TotpEntity, error)
	SaveSecret(ctx context.Context, loginID uuid.UUID, encryptedSecret string) error
	SaveBackupCodes(ctx context.Context, params SaveBackupCodesParams) error
	SetEnabled(ctx context.Context, loginID uuid.UUID, enabled bool) error
	// Clear removes secret, backup codes, generation timestamp and the
	// enabled flag in one atomic write.
	Clear(ctx context.Context, loginID uuid.UUID) error
}
