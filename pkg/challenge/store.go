package challenge

import (
	"context"
	"errors"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// ErrNoActiveChallenge is returned by TakeAndClear when no challenge is
// outstanding for the session, including when a previous take already
// consumed it or the entry expired.
var ErrNoActiveChallenge = errors.New("no active challenge for session")

// PendingChallenge is the server-held state of one outstanding WebAuthn
// ceremony: the library session data (challenge bytes included) and the
// login awaiting second-factor completion. It is ephemeral and never
// written to the database.
type PendingChallenge struct {
	LoginID   uuid.UUID            `json:"login_id"`
	Session   webauthn.SessionData `json:"session"`
	CreatedAt time.Time            `json:"created_at"`
}

// NewPendingChallenge builds the pending state for a just-issued ceremony
func NewPendingChallenge(loginID uuid.UUID, session webauthn.SessionData) PendingChallenge {
	return PendingChallenge{
		LoginID:   loginID,
		Session:   session,
		CreatedAt: time.Now().UTC(),
	}
}

// Store holds at most one pending challenge per login session.
//
// Put overwrites any prior value for the session; only the most recent
// challenge is honorable. TakeAndClear is destructive: the entry is removed
// before the caller sees it, so a challenge can be consumed exactly once
// regardless of whether verification later succeeds or fails.
type Store interface {
	Put(ctx context.Context, sessionID string, pending PendingChallenge) error
	TakeAndClear(ctx context.Context, sessionID string) (PendingChallenge, error)
}

// StoreOptions contains configuration options for challenge stores
type StoreOptions struct {
	// TTL is how long a pending challenge stays honorable after Put
	TTL time.Duration
}

// DefaultStoreOptions returns the default options for challenge stores
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{
		TTL: 5 * time.Minute,
	}
}
