package passkey

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemCredentialRepository implements CredentialRepository using an in-memory map
type InMemCredentialRepository struct {
	credentials map[uuid.UUID]CredentialEntity
	mu          sync.Mutex
}

// NewInMemCredentialRepository creates a new in-memory credential repository
func NewInMemCredentialRepository() *InMemCredentialRepository {
	return &InMemCredentialRepository{
		credentials: make(map[uuid.UUID]CredentialEntity),
	}
}

// Create persists a freshly verified credential
func (r *InMemCredentialRepository) Create(ctx context.Context, params CreateCredentialParams) (CredentialEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.credentials {
		if bytes.Equal(existing.CredentialID, params.CredentialID) {
			return CredentialEntity{}, ErrCredentialExists
		}
		if existing.LoginID == params.LoginID &&
			strings.EqualFold(existing.Nickname, params.Nickname) {
			return CredentialEntity{}, ErrNicknameExists
		}
	}

	now := time.Now().UTC()
	entity := CredentialEntity{
		ID:              uuid.New(),
		LoginID:         params.LoginID,
		CredentialID:    params.CredentialID,
		PublicKey:       params.PublicKey,
		AttestationType: params.AttestationType,
		AAGUID:          params.AAGUID,
		Transports:      params.Transports,
		SignCount:       params.SignCount,
		Nickname:        params.Nickname,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.credentials[entity.ID] = entity
	return entity, nil
}

// GetByCredentialID retrieves a credential by its authenticator-assigned ID
func (r *InMemCredentialRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (CredentialEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entity := range r.credentials {
		if bytes.Equal(entity.CredentialID, credentialID) {
			return entity, nil
		}
	}
	return CredentialEntity{}, ErrNotFound
}

// FindByLogin retrieves all credentials for a login
func (r *InMemCredentialRepository) FindByLogin(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []CredentialEntity
	for _, entity := range r.credentials {
		if entity.LoginID == loginID {
			result = append(result, entity)
		}
	}
	return result, nil
}

// FindActiveByLogin retrieves the credentials usable for authentication
func (r *InMemCredentialRepository) FindActiveByLogin(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []CredentialEntity
	for _, entity := range r.credentials {
		if entity.LoginID == loginID && entity.Active {
			result = append(result, entity)
		}
	}
	return result, nil
}

// UpdateSignCount advances the sign counter, honoring the optimistic guard
func (r *InMemCredentialRepository) UpdateSignCount(ctx context.Context, params UpdateSignCountParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.credentials[params.ID]
	if !exists {
		return ErrNotFound
	}
	if entity.SignCount != params.PrevSignCount {
		return ErrConflict
	}

	entity.SignCount = params.SignCount
	entity.LastUsedAt = params.LastUsedAt
	entity.LastUsedAtValid = true
	entity.UpdatedAt = time.Now().UTC()
	r.credentials[params.ID] = entity
	return nil
}

// Rename updates a credential's nickname, scoped to the login
func (r *InMemCredentialRepository) Rename(ctx context.Context, loginID, id uuid.UUID, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.credentials[id]
	if !exists || entity.LoginID != loginID {
		return ErrNotFound
	}

	for _, other := range r.credentials {
		if other.ID != id && other.LoginID == loginID &&
			strings.EqualFold(other.Nickname, nickname) {
			return ErrNicknameExists
		}
	}

	entity.Nickname = nickname
	entity.UpdatedAt = time.Now().UTC()
	r.credentials[id] = entity
	return nil
}

// SetActive flips a credential's active flag, scoped to the login
func (r *InMemCredentialRepository) SetActive(ctx context.Context, loginID, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.credentials[id]
	if !exists || entity.LoginID != loginID {
		return ErrNotFound
	}

	entity.Active = active
	entity.UpdatedAt = time.Now().UTC()
	r.credentials[id] = entity
	return nil
}

// Delete removes a credential, scoped to the login
func (r *InMemCredentialRepository) Delete(ctx context.Context, loginID, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.credentials[id]
	if !exists || entity.LoginID != loginID {
		return false, nil
	}

	delete(r.credentials, id)
	return true, nil
}
