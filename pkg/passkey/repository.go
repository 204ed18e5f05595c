package passkey

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no credential matches the lookup
	ErrNotFound = errors.New("credential not found")
	// ErrCredentialExists is returned when the authenticator-assigned
	// credential ID is already registered. Credential IDs are globally
	// unique; authenticators are not shared across logins.
	ErrCredentialExists = errors.New("credential already registered")
	// ErrNicknameExists is returned when the login already has a credential
	// with the requested nickname
	ErrNicknameExists = errors.New("credential nickname already in use")
	// ErrConflict is returned when the sign-count guard lost against a
	// concurrent authentication on the same credential
	ErrConflict = errors.New("credential modified concurrently")
)

// CredentialEntity represents one registered WebAuthn authenticator.
// CredentialID and PublicKey are immutable after creation; SignCount only
// moves upward and only through UpdateSignCount.
type CredentialEntity struct {
	ID              uuid.UUID
	LoginID         uuid.UUID
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	Transports      []string
	SignCount       int64
	Nickname        string
	Active          bool
	LastUsedAt      time.Time
	LastUsedAtValid bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateCredentialParams represents parameters for persisting a freshly
// verified registration
type CreateCredentialParams struct {
	LoginID         uuid.UUID
	CredentialID    []byte
	PublicKey       []byte
	AttestationType string
	AAGUID          []byte
	Transports      []string
	SignCount       int64
	Nickname        string
}

// UpdateSignCountParams represents the single authentication-time mutation.
// The write only applies while the stored counter still equals PrevSignCount,
// so two concurrent replays of one assertion cannot both succeed.
type UpdateSignCountParams struct {
	ID            uuid.UUID
	PrevSignCount int64
	SignCount     int64
	LastUsedAt    time.Time
}

// CredentialRepository defines the persistence contract for WebAuthn credentials
type CredentialRepository interface {
	Create(ctx context.Context, params CreateCredentialParams) (CredentialEntity, error)
	GetByCredentialID(ctx context.Context, credentialID []byte) (CredentialEntity, error)
	FindByLogin(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error)
	FindActiveByLogin(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error)
	UpdateSignCount(ctx context.Context, params UpdateSignCountParams) error
	Rename(ctx context.Context, loginID, id uuid.UUID, nickname string) error
	SetActive(ctx context.Context, loginID, id uuid.UUID, active bool) error
	// Delete removes the credential scoped to the login. It reports false,
	// not an error, when nothing matched, so callers cannot probe for other
	// logins' credentials.
	Delete(ctx context.Context, loginID, id uuid.UUID) (bool, error)
}
