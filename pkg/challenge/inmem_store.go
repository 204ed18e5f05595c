package challenge

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// InMemStore implements Store using an in-memory map keyed by session ID
type InMemStore struct {
	entries map[string]PendingChallenge
	mu      sync.Mutex
	options StoreOptions
	now     func() time.Time
}

// NewInMemStore creates a new in-memory challenge store
func NewInMemStore() *InMemStore {
	return NewInMemStoreWithOptions(DefaultStoreOptions())
}

// NewInMemStoreWithOptions creates a new in-memory challenge store with custom options
func NewInMemStoreWithOptions(options StoreOptions) *InMemStore {
	return &InMemStore{
		entries: make(map[string]PendingChallenge),
		options: options,
		now:     time.Now,
	}
}

// Put stores a pending challenge for the session, replacing any prior one
func (s *InMemStore) Put(ctx context.Context, sessionID string, pending PendingChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pending.CreatedAt.IsZero() {
		pending.CreatedAt = s.now().UTC()
	}
	s.entries[sessionID] = pending
	slog.Debug("Pending challenge stored", "loginID", pending.LoginID)
	return nil
}

// TakeAndClear removes and returns the pending challenge for the session.
// The removal happens under the lock, so two concurrent takes on the same
// session cannot both succeed.
func (s *InMemStore) TakeAndClear(ctx context.Context, sessionID string) (PendingChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, exists := s.entries[sessionID]
	if !exists {
		return PendingChallenge{}, ErrNoActiveChallenge
	}
	delete(s.entries, sessionID)

	if s.options.TTL > 0 && s.now().UTC().Sub(pending.CreatedAt) > s.options.TTL {
		slog.Debug("Pending challenge expired", "loginID", pending.LoginID, "createdAt", pending.CreatedAt)
		return PendingChallenge{}, ErrNoActiveChallenge
	}

	return pending, nil
}
