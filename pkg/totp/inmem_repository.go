package totp

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemTotpRepository implements TotpRepository using an in-memory map
type InMemTotpRepository struct {
	records map[uuid.UUID]TotpEntity
	mu      sync.Mutex
}

// NewInMemTotpRepository creates a new in-memory TOTP repository
func NewInMemTotpRepository() *InMemTotpRepository {
	return &InMemTotpRepository{
		records: make(map[uuid.UUID]TotpEntity),
	}
}

// Get retrieves the TOTP record for a login
func (r *InMemTotpRepository) Get(ctx context.Context, loginID uuid.UUID) (TotpEntity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.records[loginID]
	if !exists {
		return TotpEntity{}, ErrNotFound
	}
	return entity, nil
}

// SaveSecret stores a sealed TOTP secret, creating the record if needed
func (r *InMemTotpRepository) SaveSecret(ctx context.Context, loginID uuid.UUID, encryptedSecret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	entity, exists := r.records[loginID]
	if !exists {
		entity = TotpEntity{
			LoginID:   loginID,
			CreatedAt: now,
		}
	}
	entity.EncryptedSecret = encryptedSecret
	entity.SecretValid = true
	entity.UpdatedAt = now
	r.records[loginID] = entity
	return nil
}

// SaveBackupCodes stores a sealed backup-code batch, honoring the optimistic guard
func (r *InMemTotpRepository) SaveBackupCodes(ctx context.Context, params SaveBackupCodesParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.records[params.LoginID]
	if !exists {
		return ErrNotFound
	}

	if params.PrevEncryptedBackupCodes != "" &&
		entity.EncryptedBackupCodes != params.PrevEncryptedBackupCodes {
		return ErrConflict
	}

	entity.EncryptedBackupCodes = params.EncryptedBackupCodes
	entity.BackupCodesValid = true
	entity.BackupCodesGeneratedAt = params.GeneratedAt
	entity.GeneratedAtValid = true
	entity.UpdatedAt = time.Now().UTC()
	r.records[params.LoginID] = entity
	return nil
}

// SetEnabled flips the enabled flag for a login
func (r *InMemTotpRepository) SetEnabled(ctx context.Context, loginID uuid.UUID, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.records[loginID]
	if !exists {
		return ErrNotFound
	}
	entity.Enabled = enabled
	entity.UpdatedAt = time.Now().UTC()
	r.records[loginID] = entity
	return nil
}

// Clear wipes secret, backup codes and the enabled flag in one step
func (r *InMemTotpRepository) Clear(ctx context.Context, loginID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, loginID)
	return nil
}
