package totp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresTotpRepository implements TotpRepository using PostgreSQL
type PostgresTotpRepository struct {
	db DBTX
}

// NewPostgresTotpRepository creates a new PostgreSQL TOTP repository
func NewPostgresTotpRepository(db DBTX) *PostgresTotpRepository {
	return &PostgresTotpRepository{db: db}
}

// Get retrieves the TOTP record for a login
func (r *PostgresTotpRepository) Get(ctx context.Context, loginID uuid.UUID) (TotpEntity, error) {
	query := `
		SELECT login_id, totp_secret, backup_codes, backup_codes_generated_at, totp_enabled, created_at, updated_at
		FROM user_totp
		WHERE login_id = $1
	`

	var entity TotpEntity
	var secret, backupCodes sql.NullString
	var generatedAt sql.NullTime

	err := r.db.QueryRow(ctx, query, loginID).Scan(
		&entity.LoginID,
		&secret,
		&backupCodes,
		&generatedAt,
		&entity.Enabled,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TotpEntity{}, ErrNotFound
	}
	if err != nil {
		return TotpEntity{}, fmt.Errorf("failed to get totp record: %w", err)
	}

	entity.EncryptedSecret = secret.String
	entity.SecretValid = secret.Valid && secret.String != ""
	entity.EncryptedBackupCodes = backupCodes.String
	entity.BackupCodesValid = backupCodes.Valid && backupCodes.String != ""
	entity.BackupCodesGeneratedAt = generatedAt.Time
	entity.GeneratedAtValid = generatedAt.Valid
	return entity, nil
}

// SaveSecret stores a sealed TOTP secret, creating the record if needed
func (r *PostgresTotpRepository) SaveSecret(ctx context.Context, loginID uuid.UUID, encryptedSecret string) error {
	query := `
		INSERT INTO user_totp (login_id, totp_secret, totp_enabled, created_at, updated_at)
		VALUES ($1, $2, false, $3, $3)
		ON CONFLICT (login_id) DO UPDATE
		SET totp_secret = EXCLUDED.totp_secret, updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Exec(ctx, query, loginID, encryptedSecret, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save totp secret: %w", err)
	}
	return nil
}

// SaveBackupCodes stores a sealed backup-code batch, honoring the optimistic guard
func (r *PostgresTotpRepository) SaveBackupCodes(ctx context.Context, params SaveBackupCodesParams) error {
	var tag pgconn.CommandTag
	var err error

	if params.PrevEncryptedBackupCodes != "" {
		query := `
			UPDATE user_totp
			SET backup_codes = $2, backup_codes_generated_at = $3, updated_at = $4
			WHERE login_id = $1 AND backup_codes = $5
		`
		tag, err = r.db.Exec(ctx, query,
			params.LoginID, params.EncryptedBackupCodes, params.GeneratedAt,
			time.Now().UTC(), params.PrevEncryptedBackupCodes)
	} else {
		query := `
			UPDATE user_totp
			SET backup_codes = $2, backup_codes_generated_at = $3, updated_at = $4
			WHERE login_id = $1
		`
		tag, err = r.db.Exec(ctx, query,
			params.LoginID, params.EncryptedBackupCodes, params.GeneratedAt,
			time.Now().UTC())
	}
	if err != nil {
		return fmt.Errorf("failed to save backup codes: %w", err)
	}

	if tag.RowsAffected() == 0 {
		if params.PrevEncryptedBackupCodes != "" {
			return ErrConflict
		}
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag for a login
func (r *PostgresTotpRepository) SetEnabled(ctx context.Context, loginID uuid.UUID, enabled bool) error {
	query := `
		UPDATE user_totp
		SET totp_enabled = $2, updated_at = $3
		WHERE login_id = $1
	`

	tag, err := r.db.Exec(ctx, query, loginID, enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update totp enabled flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Clear wipes secret, backup codes and the enabled flag in one step
func (r *PostgresTotpRepository) Clear(ctx context.Context, loginID uuid.UUID) error {
	query := `DELETE FROM user_totp WHERE login_id = $1`

	_, err := r.db.Exec(ctx, query, loginID)
	if err != nil {
		return fmt.Errorf("failed to clear totp record: %w", err)
	}
	return nil
}
