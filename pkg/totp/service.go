package totp

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/tendant/simple-mfa/pkg/secretvault"
)

// ErrNoSecret is returned when an operation needs a provisioned TOTP secret
// and none exists for the login.
var ErrNoSecret = errors.New("no totp secret provisioned")

const (
	defaultPeriod     = 30
	defaultSkew       = 1
	defaultSecretSize = 20

	backupCodeCount  = 8
	backupCodeLength = 8
)

// Lowercase alphanumeric, matching how backup codes are normalized on input.
const backupCodeAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// TotpService defines TOTP and backup-code operations for a login
type TotpService interface {
	GenerateSecret(ctx context.Context, loginID uuid.UUID, issuer, accountName string) (*otp.Key, error)
	ProvisioningURI(ctx context.Context, loginID uuid.UUID, issuer, accountName string) (string, error)
	GenerateTotpQRCode(ctx context.Context, loginID uuid.UUID, issuer, accountName string) (string, error)
	VerifyCode(ctx context.Context, loginID uuid.UUID, passcode string) (bool, error)
	GenerateBackupCodes(ctx context.Context, loginID uuid.UUID) ([]string, error)
	VerifyAndConsumeBackupCode(ctx context.Context, loginID uuid.UUID, code string) (bool, error)
	Enable(ctx context.Context, loginID uuid.UUID, verificationCode string) (bool, []string, error)
	Disable(ctx context.Context, loginID uuid.UUID) error
	Enabled(ctx context.Context, loginID uuid.UUID) (bool, error)
	BackupCodesGeneratedAt(ctx context.Context, loginID uuid.UUID) (time.Time, bool, error)
}

// TotpEngine implements TotpService over a TotpRepository and a secret vault
type TotpEngine struct {
	repo   TotpRepository
	vault  *secretvault.Vault
	period uint
	skew   uint
	now    func() time.Time
}

// Option configures a TotpEngine
type Option func(*TotpEngine)

// WithPeriod sets the TOTP step length in seconds (default 30)
func WithPeriod(period uint) Option {
	return func(e *TotpEngine) {
		e.period = period
	}
}

// WithSkew sets how many adjacent steps are accepted on either side of now
// (default 1, i.e. ±30s of clock drift at the standard period)
func WithSkew(skew uint) Option {
	return func(e *TotpEngine) {
		e.skew = skew
	}
}

// NewTotpEngine creates a new TOTP engine
func NewTotpEngine(repo TotpRepository, vault *secretvault.Vault, opts ...Option) *TotpEngine {
	engine := &TotpEngine{
		repo:   repo,
		vault:  vault,
		period: defaultPeriod,
		skew:   defaultSkew,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// GenerateSecret creates a fresh random seed, persists it sealed, and returns
// the key once for QR display. The plaintext seed is not retrievable later.
func (e *TotpEngine) GenerateSecret(ctx context.Context, loginID uuid.UUID, issuer, accountName string) (*otp.Key, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      e.period,
		SecretSize:  defaultSecretSize,
	})
	if err != nil {
		slog.Error("Failed to generate totp secret", "loginID", loginID, "issuer", issuer, "error", err)
		return nil, fmt.Errorf("failed to generate totp secret: %w", err)
	}

	sealed, err := e.vault.Seal(secretvault.PurposeTotpSeed, []byte(key.Secret()))
	if err != nil {
		return nil, fmt.Errorf("failed to seal totp secret: %w", err)
	}

	if err := e.repo.SaveSecret(ctx, loginID, sealed); err != nil {
		return nil, fmt.Errorf("failed to persist totp secret: %w", err)
	}

	slog.Info("Generated new totp secret", "loginID", loginID, "issuer", issuer)
	return key, nil
}

// ProvisioningURI builds the otpauth://totp/ URI for the login's seed.
// Returns ErrNoSecret when none is provisioned.
func (e *TotpEngine) ProvisioningURI(ctx context.Context, loginID uuid.UUID, issuer, accountName string) (string, error) {
	secret, err := e.openSecret(ctx, loginID)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", issuer)
	v.Set("period", strconv.FormatUint(uint64(e.period), 10))
	v.Set("algorithm", otp.AlgorithmSHA1.String())
	v.Set("digits", otp.DigitsSix.String())

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + issuer + ":" + accountName,
		RawQuery: v.Encode(),
	}
	return u.String(), nil
}

// GenerateTotpQRCode renders the provisioning URI as a base64-encoded PNG
func (e *TotpEngine) GenerateTotpQRCode(ctx context.Context, loginID uuid.UUID, issuer, accountName string) (string, error) {
	uri, err := e.ProvisioningURI(ctx, loginID, issuer, accountName)
	if err != nil {
		return "", err
	}

	key, err := otp.NewKeyFromURL(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse provisioning uri: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return "", fmt.Errorf("failed to render qr code: %w", err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// VerifyCode checks a 6-digit passcode against the login's seed with the
// configured drift tolerance. Blank input fails before any crypto runs, and
// every cryptographic or parse failure is treated as a failed verification.
func (e *TotpEngine) VerifyCode(ctx context.Context, loginID uuid.UUID, passcode string) (bool, error) {
	passcode = strings.TrimSpace(passcode)
	if passcode == "" {
		return false, nil
	}

	secret, err := e.openSecret(ctx, loginID)
	if errors.Is(err, ErrNoSecret) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	valid, err := totp.ValidateCustom(passcode, secret, e.now().UTC(), totp.ValidateOpts{
		Period:    e.period,
		Skew:      e.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		slog.Warn("Totp passcode validation failed", "loginID", loginID, "error", err)
		return false, nil
	}
	return valid, nil
}

// GenerateBackupCodes produces a fresh batch of 8 single-use codes, seals it
// as one blob with a generation timestamp, and returns the plaintext once.
// Any previous batch is replaced.
func (e *TotpEngine) GenerateBackupCodes(ctx context.Context, loginID uuid.UUID) ([]string, error) {
	codes := make([]string, backupCodeCount)
	for i := range codes {
		code, err := randomBackupCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		codes[i] = code
	}

	sealed, err := e.sealBackupCodes(codes)
	if err != nil {
		return nil, err
	}

	err = e.repo.SaveBackupCodes(ctx, SaveBackupCodesParams{
		LoginID:              loginID,
		EncryptedBackupCodes: sealed,
		GeneratedAt:          e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist backup codes: %w", err)
	}

	slog.Info("Generated backup codes", "loginID", loginID, "count", len(codes))
	return codes, nil
}

// VerifyAndConsumeBackupCode checks a candidate against the stored batch and,
// on match, removes it permanently. A guarded write ensures two concurrent
// submissions of the same code cannot both succeed. No mutation on a miss.
func (e *TotpEngine) VerifyAndConsumeBackupCode(ctx context.Context, loginID uuid.UUID, code string) (bool, error) {
	code = NormalizeBackupCode(code)
	if code == "" {
		return false, nil
	}

	entity, err := e.repo.Get(ctx, loginID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !entity.BackupCodesValid {
		return false, nil
	}

	plaintext, err := e.vault.Open(secretvault.PurposeBackupCodes, entity.EncryptedBackupCodes)
	if err != nil {
		slog.Warn("Failed to open backup code batch", "loginID", loginID, "error", err)
		return false, nil
	}

	var codes []string
	if err := json.Unmarshal(plaintext, &codes); err != nil {
		slog.Warn("Malformed backup code batch", "loginID", loginID)
		return false, nil
	}

	idx := -1
	for i, c := range codes {
		if c == code {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}

	remaining := append(codes[:idx:idx], codes[idx+1:]...)
	sealed, err := e.sealBackupCodes(remaining)
	if err != nil {
		return false, err
	}

	err = e.repo.SaveBackupCodes(ctx, SaveBackupCodesParams{
		LoginID:                  loginID,
		EncryptedBackupCodes:     sealed,
		GeneratedAt:              entity.BackupCodesGeneratedAt,
		PrevEncryptedBackupCodes: entity.EncryptedBackupCodes,
	})
	if errors.Is(err, ErrConflict) {
		slog.Warn("Backup code consumption lost a concurrent write", "loginID", loginID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	slog.Info("Backup code consumed", "loginID", loginID, "remaining", len(remaining))
	return true, nil
}

// Enable turns on the TOTP requirement after the user proves possession of
// the seed with a valid code. Backup codes are generated on first enable and
// returned in plaintext exactly once. A wrong code mutates nothing.
func (e *TotpEngine) Enable(ctx context.Context, loginID uuid.UUID, verificationCode string) (bool, []string, error) {
	valid, err := e.VerifyCode(ctx, loginID, verificationCode)
	if err != nil {
		return false, nil, err
	}
	if !valid {
		return false, nil, nil
	}

	entity, err := e.repo.Get(ctx, loginID)
	if err != nil {
		return false, nil, fmt.Errorf("failed to get totp record: %w", err)
	}

	var codes []string
	if !entity.BackupCodesValid {
		codes, err = e.GenerateBackupCodes(ctx, loginID)
		if err != nil {
			return false, nil, err
		}
	}

	if err := e.repo.SetEnabled(ctx, loginID, true); err != nil {
		return false, nil, fmt.Errorf("failed to enable totp: %w", err)
	}

	slog.Info("Totp enabled", "loginID", loginID)
	return true, codes, nil
}

// Disable clears the seed, backup codes, generation timestamp and the
// required flag in one atomic repository write.
func (e *TotpEngine) Disable(ctx context.Context, loginID uuid.UUID) error {
	if err := e.repo.Clear(ctx, loginID); err != nil {
		return fmt.Errorf("failed to disable totp: %w", err)
	}
	slog.Info("Totp disabled", "loginID", loginID)
	return nil
}

// Enabled reports whether the TOTP requirement is on for the login
func (e *TotpEngine) Enabled(ctx context.Context, loginID uuid.UUID) (bool, error) {
	entity, err := e.repo.Get(ctx, loginID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return entity.Enabled, nil
}

// BackupCodesGeneratedAt returns when the current batch was generated, so the
// UI can warn about stale codes. The bool reports whether a batch exists.
func (e *TotpEngine) BackupCodesGeneratedAt(ctx context.Context, loginID uuid.UUID) (time.Time, bool, error) {
	entity, err := e.repo.Get(ctx, loginID)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return entity.BackupCodesGeneratedAt, entity.GeneratedAtValid && entity.BackupCodesValid, nil
}

func (e *TotpEngine) openSecret(ctx context.Context, loginID uuid.UUID) (string, error) {
	entity, err := e.repo.Get(ctx, loginID)
	if errors.Is(err, ErrNotFound) {
		return "", ErrNoSecret
	}
	if err != nil {
		return "", fmt.Errorf("failed to get totp record: %w", err)
	}
	if !entity.SecretValid {
		return "", ErrNoSecret
	}

	secret, err := e.vault.Open(secretvault.PurposeTotpSeed, entity.EncryptedSecret)
	if err != nil {
		slog.Error("Failed to open sealed totp secret", "loginID", loginID, "error", err)
		return "", fmt.Errorf("failed to open sealed totp secret: %w", err)
	}
	return string(secret), nil
}

func (e *TotpEngine) sealBackupCodes(codes []string) (string, error) {
	data, err := json.Marshal(codes)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup codes: %w", err)
	}
	sealed, err := e.vault.Seal(secretvault.PurposeBackupCodes, data)
	if err != nil {
		return "", fmt.Errorf("failed to seal backup codes: %w", err)
	}
	return sealed, nil
}

// NormalizeBackupCode lowercases a candidate and strips whitespace and dashes,
// matching the format codes are generated in.
func NormalizeBackupCode(code string) string {
	code = strings.TrimSpace(code)
	code = strings.ReplaceAll(code, "-", "")
	code = strings.ReplaceAll(code, " ", "")
	return strings.ToLower(code)
}

func randomBackupCode() (string, error) {
	buf := make([]byte, backupCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = backupCodeAlphabet[int(b)%len(backupCodeAlphabet)]
	}
	return string(buf), nil
}
