package mfa

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-mfa/pkg/challenge"
	"github.com/tendant/simple-mfa/pkg/passkey"
	"github.com/tendant/simple-mfa/pkg/totp"
)

// Second-factor methods reported by VerifySecondFactor
const (
	MethodTotp       = "totp"
	MethodBackupCode = "backup_code"
	MethodPasskey    = "passkey"
)

// User is the identity a second-factor decision runs for. ProviderID names
// the identity provider that authenticated the first factor; it is empty
// for password logins.
type User struct {
	LoginID     uuid.UUID
	Email       string
	DisplayName string
	ProviderID  string
}

// MfaService defines the login-time second-factor policy surface
type MfaService interface {
	RequiresSecondFactor(ctx context.Context, user User) (bool, error)
	EnrolledMethods(ctx context.Context, user User) ([]string, error)
	VerifySecondFactor(ctx context.Context, sessionID string, user User, input string) (bool, string, error)
}

// Options configures the orchestrator policy
type Options struct {
	// TrustedProviders lists identity providers whose logins skip the
	// second factor. Those providers enforce their own MFA upstream.
	TrustedProviders []string
}

// Orchestrator implements MfaService over the TOTP and passkey engines
type Orchestrator struct {
	totpService    totp.TotpService
	passkeyService passkey.PasskeyService
	challenges     challenge.Store
	trusted        map[string]bool
}

// NewOrchestrator creates a new MFA orchestrator
func NewOrchestrator(totpService totp.TotpService, passkeyService passkey.PasskeyService, challenges challenge.Store, options Options) *Orchestrator {
	trusted := make(map[string]bool, len(options.TrustedProviders))
	for _, provider := range options.TrustedProviders {
		if provider = strings.TrimSpace(provider); provider != "" {
			trusted[strings.ToLower(provider)] = true
		}
	}
	return &Orchestrator{
		totpService:    totpService,
		passkeyService: passkeyService,
		challenges:     challenges,
		trusted:        trusted,
	}
}

// RequiresSecondFactor reports whether the login must present a second
// factor. Logins arriving through a trusted identity provider are exempt
// regardless of enrollment.
func (o *Orchestrator) RequiresSecondFactor(ctx context.Context, user User) (bool, error) {
	if user.ProviderID != "" && o.trusted[strings.ToLower(user.ProviderID)] {
		slog.Info("Second factor bypassed for trusted provider",
			"loginID", user.LoginID, "provider", user.ProviderID)
		return false, nil
	}

	methods, err := o.EnrolledMethods(ctx, user)
	if err != nil {
		return false, err
	}
	return len(methods) > 0, nil
}

// EnrolledMethods lists the second-factor methods the login can answer with
func (o *Orchestrator) EnrolledMethods(ctx context.Context, user User) ([]string, error) {
	var methods []string

	enabled, err := o.totpService.Enabled(ctx, user.LoginID)
	if err != nil {
		return nil, err
	}
	if enabled {
		methods = append(methods, MethodTotp, MethodBackupCode)
	}

	hasPasskeys, err := o.passkeyService.HasActiveCredentials(ctx, user.LoginID)
	if err != nil {
		return nil, err
	}
	if hasPasskeys {
		methods = append(methods, MethodPasskey)
	}
	return methods, nil
}

// VerifySecondFactor checks a submitted second factor and reports which
// method satisfied it. A WebAuthn assertion consumes the session's pending
// challenge; otherwise the input is tried as a TOTP code and then as a
// backup code. Verification failures return false with a nil error.
func (o *Orchestrator) VerifySecondFactor(ctx context.Context, sessionID string, user User, input string) (bool, string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return false, "", nil
	}

	if looksLikeAssertion(input) {
		return o.verifyPasskey(ctx, sessionID, user, input)
	}

	valid, err := o.totpService.VerifyCode(ctx, user.LoginID, input)
	if err != nil {
		return false, "", err
	}
	if valid {
		slog.Info("Second factor verified", "loginID", user.LoginID, "method", MethodTotp)
		return true, MethodTotp, nil
	}

	valid, err = o.totpService.VerifyAndConsumeBackupCode(ctx, user.LoginID, input)
	if err != nil {
		return false, "", err
	}
	if valid {
		slog.Info("Second factor verified", "loginID", user.LoginID, "method", MethodBackupCode)
		return true, MethodBackupCode, nil
	}

	slog.Info("Second factor rejected", "loginID", user.LoginID)
	return false, "", nil
}

func (o *Orchestrator) verifyPasskey(ctx context.Context, sessionID string, user User, input string) (bool, string, error) {
	pending, err := o.challenges.TakeAndClear(ctx, sessionID)
	if errors.Is(err, challenge.ErrNoActiveChallenge) {
		slog.Info("Passkey assertion without active challenge", "loginID", user.LoginID)
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if pending.LoginID != user.LoginID {
		slog.Warn("Pending challenge belongs to a different login",
			"loginID", user.LoginID, "challengeLoginID", pending.LoginID)
		return false, "", nil
	}

	_, err = o.passkeyService.FinishLogin(ctx, toPasskeyUser(user), pending.Session, strings.NewReader(input))
	if err != nil {
		slog.Info("Passkey assertion rejected", "loginID", user.LoginID, "error", err)
		return false, "", nil
	}

	slog.Info("Second factor verified", "loginID", user.LoginID, "method", MethodPasskey)
	return true, MethodPasskey, nil
}

func toPasskeyUser(user User) passkey.User {
	return passkey.User{
		LoginID:     user.LoginID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
	}
}

// looksLikeAssertion reports whether the input is a WebAuthn assertion
// response rather than a short code
func looksLikeAssertion(input string) bool {
	if !strings.HasPrefix(input, "{") {
		return false
	}
	var probe struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal([]byte(input), &probe); err != nil {
		return false
	}
	return len(probe.Response) > 0
}
