package passkey

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	mfaerrors "github.com/tendant/simple-mfa/pkg/errors"
)

var (
	// ErrNoCredentials is returned when a login attempts an authentication
	// ceremony without any active credential
	ErrNoCredentials = errors.New("no active credentials registered")
)

// Config carries the relying-party identity. All three fields are required;
// a service constructed with an incomplete relying party would issue
// challenges no authenticator could honor.
type Config struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

// PasskeyService defines the interface for WebAuthn credential ceremonies
// and lifecycle management
type PasskeyService interface {
	BeginRegistration(ctx context.Context, user User) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	FinishRegistration(ctx context.Context, user User, session webauthn.SessionData, nickname string, response io.Reader) (CredentialEntity, error)
	BeginLogin(ctx context.Context, user User) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	FinishLogin(ctx context.Context, user User, session webauthn.SessionData, response io.Reader) (CredentialEntity, error)
	ListCredentials(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error)
	HasActiveCredentials(ctx context.Context, loginID uuid.UUID) (bool, error)
	RenameCredential(ctx context.Context, loginID, id uuid.UUID, nickname string) error
	DeactivateCredential(ctx context.Context, loginID, id uuid.UUID) error
	RemoveCredential(ctx context.Context, loginID, id uuid.UUID) (bool, error)
}

// PasskeyEngine implements PasskeyService on top of go-webauthn
type PasskeyEngine struct {
	wa       *webauthn.WebAuthn
	repo     CredentialRepository
	now      func() time.Time
	validate func(user webauthn.User, session webauthn.SessionData, parsed *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
}

// NewPasskeyEngine creates a new passkey engine. It fails when the
// relying-party configuration is incomplete.
func NewPasskeyEngine(config Config, repo CredentialRepository) (*PasskeyEngine, error) {
	if config.RPID == "" || config.RPDisplayName == "" || len(config.RPOrigins) == 0 {
		return nil, fmt.Errorf("incomplete relying party config: rp_id, rp_display_name and rp_origins are required")
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          config.RPID,
		RPDisplayName: config.RPDisplayName,
		RPOrigins:     config.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize webauthn: %w", err)
	}

	return &PasskeyEngine{
		wa:       wa,
		repo:     repo,
		now:      time.Now,
		validate: wa.ValidateLogin,
	}, nil
}

// BeginRegistration starts a registration ceremony. Credentials the login
// already holds are sent as exclusions so the browser refuses to re-register
// the same authenticator.
func (e *PasskeyEngine) BeginRegistration(ctx context.Context, user User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	existing, err := e.repo.FindByLogin(ctx, user.LoginID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load existing credentials: %w", err)
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(existing))
	for _, entity := range existing {
		exclusions = append(exclusions, protocol.CredentialDescriptor{
			Type:         protocol.PublicKeyCredentialType,
			CredentialID: entity.CredentialID,
		})
	}

	options, session, err := e.wa.BeginRegistration(
		newWebauthnUser(user, existing),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin registration: %w", err)
	}

	slog.Info("Started passkey registration ceremony", "loginID", user.LoginID)
	return options, session, nil
}

// FinishRegistration verifies the attestation response and persists the new
// credential under the given nickname
func (e *PasskeyEngine) FinishRegistration(ctx context.Context, user User, session webauthn.SessionData, nickname string, response io.Reader) (CredentialEntity, error) {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return CredentialEntity{}, mfaerrors.New(mfaerrors.ErrCodeInvalidInput, "credential nickname is required")
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(response)
	if err != nil {
		return CredentialEntity{}, categorizeCeremonyError(err, "failed to parse registration response")
	}

	existing, err := e.repo.FindByLogin(ctx, user.LoginID)
	if err != nil {
		return CredentialEntity{}, fmt.Errorf("failed to load existing credentials: %w", err)
	}

	credential, err := e.wa.CreateCredential(newWebauthnUser(user, existing), session, parsed)
	if err != nil {
		return CredentialEntity{}, categorizeCeremonyError(err, "registration verification failed")
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}

	entity, err := e.repo.Create(ctx, CreateCredentialParams{
		LoginID:         user.LoginID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		Transports:      transports,
		SignCount:       int64(credential.Authenticator.SignCount),
		Nickname:        nickname,
	})
	if errors.Is(err, ErrCredentialExists) {
		// Browser-side exclusions should have caught this already
		return CredentialEntity{}, mfaerrors.Wrap(err, mfaerrors.ErrCodeCredentialExists, "this authenticator is already registered")
	}
	if errors.Is(err, ErrNicknameExists) {
		return CredentialEntity{}, mfaerrors.Wrap(err, mfaerrors.ErrCodeAlreadyExists, "a credential with this nickname already exists")
	}
	if err != nil {
		return CredentialEntity{}, fmt.Errorf("failed to store credential: %w", err)
	}

	slog.Info("Registered passkey credential",
		"loginID", user.LoginID, "credentialUUID", entity.ID, "nickname", nickname)
	return entity, nil
}

// BeginLogin starts an authentication ceremony restricted to the login's
// active credentials
func (e *PasskeyEngine) BeginLogin(ctx context.Context, user User) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	active, err := e.repo.FindActiveByLogin(ctx, user.LoginID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active credentials: %w", err)
	}
	if len(active) == 0 {
		return nil, nil, ErrNoCredentials
	}

	assertion, session, err := e.wa.BeginLogin(newWebauthnUser(user, active))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin login: %w", err)
	}

	slog.Info("Started passkey authentication ceremony", "loginID", user.LoginID)
	return assertion, session, nil
}

// FinishLogin verifies the assertion response and advances the credential's
// sign counter. An assertion whose counter does not strictly exceed the
// stored value is treated as a possible cloned authenticator and rejected.
func (e *PasskeyEngine) FinishLogin(ctx context.Context, user User, session webauthn.SessionData, response io.Reader) (CredentialEntity, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(response)
	if err != nil {
		return CredentialEntity{}, categorizeCeremonyError(err, "failed to parse authentication response")
	}

	// Resolve the asserted credential before any signature work so an
	// unknown or foreign credential fails immediately
	entity, err := e.repo.GetByCredentialID(ctx, parsed.RawID)
	if errors.Is(err, ErrNotFound) {
		return CredentialEntity{}, mfaerrors.Wrap(err, mfaerrors.ErrCodeVerificationFailed, "unknown credential")
	}
	if err != nil {
		return CredentialEntity{}, fmt.Errorf("failed to resolve credential: %w", err)
	}
	if entity.LoginID != user.LoginID || !entity.Active {
		return CredentialEntity{}, mfaerrors.New(mfaerrors.ErrCodeVerificationFailed, "credential not usable for this login")
	}

	active, err := e.repo.FindActiveByLogin(ctx, user.LoginID)
	if err != nil {
		return CredentialEntity{}, fmt.Errorf("failed to load active credentials: %w", err)
	}

	credential, err := e.validate(newWebauthnUser(user, active), session, parsed)
	if err != nil {
		return CredentialEntity{}, categorizeCeremonyError(err, "authentication verification failed")
	}

	newCount := int64(credential.Authenticator.SignCount)
	if err := checkSignCount(entity.SignCount, newCount); err != nil {
		slog.Warn("Rejected passkey assertion with non-advancing sign count",
			"loginID", user.LoginID, "credentialUUID", entity.ID,
			"storedCount", entity.SignCount, "reportedCount", newCount)
		return CredentialEntity{}, mfaerrors.Wrap(err, mfaerrors.ErrCodeVerificationFailed, "authenticator state is inconsistent")
	}

	usedAt := e.now().UTC()
	err = e.repo.UpdateSignCount(ctx, UpdateSignCountParams{
		ID:            entity.ID,
		PrevSignCount: entity.SignCount,
		SignCount:     newCount,
		LastUsedAt:    usedAt,
	})
	if errors.Is(err, ErrConflict) {
		return CredentialEntity{}, mfaerrors.Wrap(err, mfaerrors.ErrCodeVerificationFailed, "credential was used concurrently")
	}
	if err != nil {
		return CredentialEntity{}, fmt.Errorf("failed to update sign count: %w", err)
	}

	entity.SignCount = newCount
	entity.LastUsedAt = usedAt
	entity.LastUsedAtValid = true

	slog.Info("Verified passkey assertion", "loginID", user.LoginID, "credentialUUID", entity.ID)
	return entity, nil
}

// checkSignCount enforces strict counter monotonicity. A reported counter
// that does not exceed the stored one means the assertion was replayed or
// the authenticator was cloned; either way it is a hard failure.
func checkSignCount(stored, reported int64) error {
	if reported > stored {
		return nil
	}
	return fmt.Errorf("sign count did not advance: stored %d, reported %d", stored, reported)
}

// ListCredentials retrieves all credentials for a login
func (e *PasskeyEngine) ListCredentials(ctx context.Context, loginID uuid.UUID) ([]CredentialEntity, error) {
	return e.repo.FindByLogin(ctx, loginID)
}

// HasActiveCredentials reports whether a login can run an authentication ceremony
func (e *PasskeyEngine) HasActiveCredentials(ctx context.Context, loginID uuid.UUID) (bool, error) {
	active, err := e.repo.FindActiveByLogin(ctx, loginID)
	if err != nil {
		return false, err
	}
	return len(active) > 0, nil
}

// RenameCredential updates a credential's nickname
func (e *PasskeyEngine) RenameCredential(ctx context.Context, loginID, id uuid.UUID, nickname string) error {
	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		return mfaerrors.New(mfaerrors.ErrCodeInvalidInput, "credential nickname is required")
	}

	err := e.repo.Rename(ctx, loginID, id, nickname)
	if errors.Is(err, ErrNotFound) {
		return mfaerrors.Wrap(err, mfaerrors.ErrCodeNotFound, "credential not found")
	}
	if errors.Is(err, ErrNicknameExists) {
		return mfaerrors.Wrap(err, mfaerrors.ErrCodeAlreadyExists, "a credential with this nickname already exists")
	}
	return err
}

// DeactivateCredential takes a credential out of authentication ceremonies
// without deleting its record
func (e *PasskeyEngine) DeactivateCredential(ctx context.Context, loginID, id uuid.UUID) error {
	err := e.repo.SetActive(ctx, loginID, id, false)
	if errors.Is(err, ErrNotFound) {
		return mfaerrors.Wrap(err, mfaerrors.ErrCodeNotFound, "credential not found")
	}
	if err != nil {
		return err
	}

	slog.Info("Deactivated passkey credential", "loginID", loginID, "credentialUUID", id)
	return nil
}

// RemoveCredential deletes a credential scoped to the login. It reports
// whether anything was removed.
func (e *PasskeyEngine) RemoveCredential(ctx context.Context, loginID, id uuid.UUID) (bool, error) {
	removed, err := e.repo.Delete(ctx, loginID, id)
	if err != nil {
		return false, fmt.Errorf("failed to remove credential: %w", err)
	}
	if removed {
		slog.Info("Removed passkey credential", "loginID", loginID, "credentialUUID", id)
	}
	return removed, nil
}

// categorizeCeremonyError maps go-webauthn protocol errors onto the error
// taxonomy so the API layer can answer with a specific reason
func categorizeCeremonyError(err error, message string) error {
	var protocolErr *protocol.Error
	if errors.As(err, &protocolErr) {
		if strings.Contains(protocolErr.Details, "Expired") {
			return mfaerrors.Wrap(err, mfaerrors.ErrCodeCeremonyTimedOut, "the ceremony timed out, please try again")
		}
		switch protocolErr.Type {
		case "verification_error", "challenge_mismatch", "attestation_error":
			return mfaerrors.Wrap(err, mfaerrors.ErrCodeVerificationFailed, message)
		case "invalid_request", "parse_error":
			return mfaerrors.Wrap(err, mfaerrors.ErrCodeNotAllowed, message)
		}
	}
	return mfaerrors.Wrap(err, mfaerrors.ErrCodeVerificationFailed, message)
}
