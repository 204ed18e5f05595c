package mfa

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-mfa/pkg/challenge"
	"github.com/tendant/simple-mfa/pkg/passkey"
	"github.com/tendant/simple-mfa/pkg/secretvault"
	totppkg "github.com/tendant/simple-mfa/pkg/totp"
)

type orchestratorFixture struct {
	orchestrator *Orchestrator
	totpEngine   *totppkg.TotpEngine
	passkeyRepo  *passkey.InMemCredentialRepository
	challenges   *challenge.InMemStore
}

func setupOrchestrator(t *testing.T, options Options) orchestratorFixture {
	vault, err := secretvault.New("test-encryption-key-123")
	require.NoError(t, err)

	totpEngine := totppkg.NewTotpEngine(totppkg.NewInMemTotpRepository(), vault)

	passkeyRepo := passkey.NewInMemCredentialRepository()
	passkeyEngine, err := passkey.NewPasskeyEngine(passkey.Config{
		RPID:          "localhost",
		RPDisplayName: "simple-mfa",
		RPOrigins:     []string{"http://localhost:8080"},
	}, passkeyRepo)
	require.NoError(t, err)

	challenges := challenge.NewInMemStore()

	return orchestratorFixture{
		orchestrator: NewOrchestrator(totpEngine, passkeyEngine, challenges, options),
		totpEngine:   totpEngine,
		passkeyRepo:  passkeyRepo,
		challenges:   challenges,
	}
}

func enrollTotp(t *testing.T, fixture orchestratorFixture, loginID uuid.UUID) (secret string, backupCodes []string) {
	ctx := context.Background()
	key, err := fixture.totpEngine.GenerateSecret(ctx, loginID, "simple-mfa", "user@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCodeCustom(key.Secret(), time.Now().UTC(), totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	ok, codes, err := fixture.totpEngine.Enable(ctx, loginID, code)
	require.NoError(t, err)
	require.True(t, ok)
	return key.Secret(), codes
}

func TestRequiresSecondFactor(t *testing.T) {
	fixture := setupOrchestrator(t, Options{TrustedProviders: []string{"corporate-sso"}})
	ctx := context.Background()
	loginID := uuid.New()
	user := User{LoginID: loginID, Email: "user@example.com"}

	// Nothing enrolled
	required, err := fixture.orchestrator.RequiresSecondFactor(ctx, user)
	require.NoError(t, err)
	assert.False(t, required)

	enrollTotp(t, fixture, loginID)

	required, err = fixture.orchestrator.RequiresSecondFactor(ctx, user)
	require.NoError(t, err)
	assert.True(t, required)

	// Trusted provider bypasses even with TOTP enrolled
	federated := user
	federated.ProviderID = "Corporate-SSO"
	required, err = fixture.orchestrator.RequiresSecondFactor(ctx, federated)
	require.NoError(t, err)
	assert.False(t, required)

	// An unknown provider gets no bypass
	federated.ProviderID = "random-idp"
	required, err = fixture.orchestrator.RequiresSecondFactor(ctx, federated)
	require.NoError(t, err)
	assert.True(t, required)
}

func TestRequiresSecondFactor_PasskeyOnly(t *testing.T) {
	fixture := setupOrchestrator(t, Options{})
	ctx := context.Background()
	loginID := uuid.New()
	user := User{LoginID: loginID, Email: "user@example.com"}

	entity, err := fixture.passkeyRepo.Create(ctx, passkey.CreateCredentialParams{
		LoginID:      loginID,
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("pubkey"),
		Nickname:     "yubikey",
	})
	require.NoError(t, err)

	required, err := fixture.orchestrator.RequiresSecondFactor(ctx, user)
	require.NoError(t, err)
	assert.True(t, required)

	methods, err := fixture.orchestrator.EnrolledMethods(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{MethodPasskey}, methods)

	// Deactivating the only credential lifts the requirement
	require.NoError(t, fixture.passkeyRepo.SetActive(ctx, loginID, entity.ID, false))
	required, err = fixture.orchestrator.RequiresSecondFactor(ctx, user)
	require.NoError(t, err)
	assert.False(t, required)
}

func TestVerifySecondFactor_BlankInput(t *testing.T) {
	fixture := setupOrchestrator(t, Options{})
	ctx := context.Background()
	user := User{LoginID: uuid.New(), Email: "user@example.com"}

	for _, input := range []string{"", "   ", "\t"} {
		valid, method, err := fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, input)
		require.NoError(t, err)
		assert.False(t, valid)
		assert.Empty(t, method)
	}
}

func TestVerifySecondFactor_TotpAndBackupCodes(t *testing.T) {
	fixture := setupOrchestrator(t, Options{})
	ctx := context.Background()
	loginID := uuid.New()
	user := User{LoginID: loginID, Email: "user@example.com"}

	secret, backupCodes := enrollTotp(t, fixture, loginID)

	code, err := totp.GenerateCodeCustom(secret, time.Now().UTC(), totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	valid, method, err := fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, code)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, MethodTotp, method)

	// A backup code is recognized when the TOTP code fails
	valid, method, err = fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, backupCodes[0])
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, MethodBackupCode, method)

	// The consumed backup code no longer works
	valid, _, err = fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, backupCodes[0])
	require.NoError(t, err)
	assert.False(t, valid)

	// Garbage input is just a failed verification
	valid, _, err = fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, "not-a-code")
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifySecondFactor_PasskeyWithoutChallenge(t *testing.T) {
	fixture := setupOrchestrator(t, Options{})
	ctx := context.Background()
	user := User{LoginID: uuid.New(), Email: "user@example.com"}

	assertion := `{"id":"abc","response":{"clientDataJSON":"e30"}}`
	valid, method, err := fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, assertion)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Empty(t, method)
}

// passkeyAssertion builds a parseable authentication response for the given
// credential so the orchestrator hands it to the passkey engine
func passkeyAssertion(t *testing.T, credentialID []byte, signCount uint32) string {
	authenticatorData := make([]byte, 37)
	authenticatorData[32] = 0x05
	binary.BigEndian.PutUint32(authenticatorData[33:], signCount)

	clientData := `{"type":"webauthn.get","challenge":"dGVzdC1jaGFsbGVuZ2U","origin":"http://localhost:8080"}`
	body := map[string]any{
		"id":    base64.RawURLEncoding.EncodeToString(credentialID),
		"rawId": base64.RawURLEncoding.EncodeToString(credentialID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    base64.RawURLEncoding.EncodeToString([]byte(clientData)),
			"authenticatorData": base64.RawURLEncoding.EncodeToString(authenticatorData),
			"signature":         base64.RawURLEncoding.EncodeToString([]byte("test-signature")),
		},
	}

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return string(raw)
}

func TestVerifySecondFactor_PasskeyAssertionRejected(t *testing.T) {
	fixture := setupOrchestrator(t, Options{})
	ctx := context.Background()
	loginID := uuid.New()
	user := User{LoginID: loginID, Email: "user@example.com"}

	_, err := fixture.passkeyRepo.Create(ctx, passkey.CreateCredentialParams{
		LoginID:      loginID,
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("pubkey"),
		Nickname:     "yubikey",
	})
	require.NoError(t, err)

	err = fixture.challenges.Put(ctx, "session-1",
		challenge.NewPendingChallenge(loginID, webauthn.SessionData{Challenge: "stale-challenge"}))
	require.NoError(t, err)

	// The assertion reaches the passkey engine, which rejects it against the
	// stale session; that is a failed verification, not an error
	valid, method, err := fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, passkeyAssertion(t, []byte("cred-1"), 1))
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Empty(t, method)

	// The challenge is single use regardless of outcome
	_, err = fixture.challenges.TakeAndClear(ctx, "session-1")
	assert.ErrorIs(t, err, challenge.ErrNoActiveChallenge)
}

func TestVerifySecondFactor_ChallengeLoginMismatch(t *testing.T) {
	fixture := setupOrchestrator(t, Options{})
	ctx := context.Background()
	user := User{LoginID: uuid.New(), Email: "user@example.com"}

	// A challenge issued for a different login must not be consumable
	err := fixture.challenges.Put(ctx, "session-1", challenge.PendingChallenge{
		LoginID:   uuid.New(),
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	assertion := `{"id":"abc","response":{"clientDataJSON":"e30"}}`
	valid, _, err := fixture.orchestrator.VerifySecondFactor(ctx, "session-1", user, assertion)
	require.NoError(t, err)
	assert.False(t, valid)

	// The mismatched challenge was still consumed; replaying finds nothing
	_, err = fixture.challenges.TakeAndClear(ctx, "session-1")
	assert.ErrorIs(t, err, challenge.ErrNoActiveChallenge)
}

func TestLooksLikeAssertion(t *testing.T) {
	assert.True(t, looksLikeAssertion(`{"id":"abc","response":{"clientDataJSON":"e30"}}`))
	assert.False(t, looksLikeAssertion("123456"))
	assert.False(t, looksLikeAssertion("aaaa1111"))
	assert.False(t, looksLikeAssertion(`{"not":"an assertion"}`))
	assert.False(t, looksLikeAssertion("{broken json"))
}
