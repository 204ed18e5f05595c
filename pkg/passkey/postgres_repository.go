package passkey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
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

// PostgresCredentialRepository implements CredentialRepository using PostgreSQL
type PostgresCredentialRepository struct {
	db DBTX
}

// NewPostgresCredentialRepository creates a new PostgreSQL credential repository
func NewPostgresCredentialRepository(db DBTX) *PostgresCredentialRepository {
	return &PostgresCredentialRepository{db: db}
}

const credentialColumns = `
	id, login_id, credential_id, public_key, attestation_type, aaguid,
	transports, sign_count, nickname, active, last_used_at, created_at, updated_at
`

func scanCredential(row pgx.Row) (CredentialEntity, error) {
	var entity CredentialEntity
	var lastUsedAt sql.NullTime

	err := row.Scan(
		&entity.ID,
		&entity.LoginID,
		&entity.CredentialID,
		&entity.PublicKey,
		&entity.AttestationType,
		&entity.AAGUID,
		&entity.Transports,
		&entity.SignCount,
		&entity.Nickname,
		&entity.Active,
		&lastUsedAt,
		&entity.CreatedAt,
		&entity.UpdatedAt,
	)
	if err != nil {
		return CredentialEntity{}, err
	}

	entity.LastUsedAt = lastUsedAt.Time
	entity.LastUsedAtValid = lastUsedAt.Valid
	return entity, nil
}

// Create persists a freshly verified credential
func (r *PostgresCredentialRepository) Create(ctx context.Context, params CreateCredentialParams) (CredentialEntity, error) {
	query := `
		INSERT INTO webauthn_credentials
			(id, login_id, credential_id, public_key, attestation_type, aaguid,
			 transports, sign_count, nickname, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $10)
		RETURNING ` + credentialColumns

	entity, err := scanCredential(r.db.QueryRow(ctx, query,
		uuid.New(), params.LoginID, params.CredentialID, params.PublicKey,
		params.AttestationType, params.AAGUID, params.Transports,
		params.SignCount, params.Nickname, time.Now().UTC()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if strings.Contains(pgErr.ConstraintName, "nickname") {
				return CredentialEntity{}, ErrNicknameExists
			}
			return CredentialEntity{}, ErrCredentialExists
		}
		return CredentialEntity{}, fmt.Errorf("failed to create credential: %w", err)
	}
	return entity, nil
}

// GetByCredentialID retrieves a credential by its authenticator-assigned ID
func (r *PostgresCredentialRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (CredentialEntity, error) {
	query := `SELECT ` + credentialColumns + ` FROM webauthn_credentials WHERE credential_id = $1`

	entity, err := scanCredential(r.db.QueryRow(ctx, query, credentialID))
	if errors.Is(err, pgx.ErrNoRows) {
		return CredentialEntity{}, ErrNotFound
	}
	if err != nil {
		return CredentialEntity{}, fmt.Errorf("failed to get credential: %w", err)
	}
	return entity, nil
}

func (r *PostgresCredentialRepository) findByLogin(ctx context.Context, loginID uuid.UUID, activeOnly bool) ([]CredentialEntity, error) {
	query := `SELECT ` + credentialColumns + ` FROM webauthn_credentials WHERE login_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, loginID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var result []CredentialEntity
	for rows.Next() {
		entity, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		result = append(result, entity)
	}
	return result, rows.Err()
}

// FindByLogin retrieves all credentials for a login
func (r *PostgresCredentialRepository) FindByLogin(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error) {
	return r.findByLogin(ctx, loginID, false)
}

// FindActiveByLogin retrieves the credentials usable for authentication
func (r *PostgresCredentialRepository) FindActiveByLogin(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error) {
	return r.findByLogin(ctx, loginID, true)
}

// UpdateSignCount advances the sign counter, honoring the optimistic guard
func (r *PostgresCredentialRepository) UpdateSignCount(ctx context.Context, params UpdateSignCountParams) error {
	query := `
		UPDATE webauthn_credentials
		SET sign_count = $2, last_used_at = $3, updated_at = $4
		WHERE id = $1 AND sign_count = $5
	`

	tag, err := r.db.Exec(ctx, query,
		params.ID, params.SignCount, params.LastUsedAt, time.Now().UTC(),
		params.PrevSignCount)
	if err != nil {
		return fmt.Errorf("failed to update sign count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Rename updates a credential's nickname, scoped to the login
func (r *PostgresCredentialRepository) Rename(ctx context.Context, loginID, id uuid.UUID, nickname string) error {
	query := `
		UPDATE webauthn_credentials
		SET nickname = $3, updated_at = $4
		WHERE id = $1 AND login_id = $2
	`

	tag, err := r.db.Exec(ctx, query, id, loginID, nickname, time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrNicknameExists
		}
		return fmt.Errorf("failed to rename credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActive flips a credential's active flag, scoped to the login
func (r *PostgresCredentialRepository) SetActive(ctx context.Context, loginID, id uuid.UUID, active bool) error {
	query := `
		UPDATE webauthn_credentials
		SET active = $3, updated_at = $4
		WHERE id = $1 AND login_id = $2
	`

	tag, err := r.db.Exec(ctx, query, id, loginID, active, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update credential active flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a credential, scoped to the login
func (r *PostgresCredentialRepository) Delete(ctx context.Context, loginID, id uuid.UUID) (bool, error) {
	query := `DELETE FROM webauthn_credentials WHERE id = $1 AND login_id = $2`

	tag, err := r.db.Exec(ctx, query, id, loginID)
	if err != nil {
		return false, fmt.Errorf("failed to delete credential: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
