package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-mfa/pkg/challenge"
	"github.com/tendant/simple-mfa/pkg/mfa"
	"github.com/tendant/simple-mfa/pkg/passkey"
	"github.com/tendant/simple-mfa/pkg/secretvault"
	totppkg "github.com/tendant/simple-mfa/pkg/totp"
)

type testServer struct {
	server      *httptest.Server
	tokenAuth   *jwtauth.JWTAuth
	totpEngine  *totppkg.TotpEngine
	passkeyRepo *passkey.InMemCredentialRepository
}

func setupTestServer(t *testing.T) *testServer {
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
	orchestrator := mfa.NewOrchestrator(totpEngine, passkeyEngine, challenges, mfa.Options{})
	handler := NewMfaHandler(orchestrator, totpEngine, passkeyEngine, challenges, nil, "simple-mfa")

	tokenAuth := jwtauth.New("HS256", []byte("test-signing-key"), nil)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(jwtauth.Verifier(tokenAuth))
		r.Use(jwtauth.Authenticator(tokenAuth))
		r.Mount("/mfa", Handler(handler))
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &testServer{
		server:      server,
		tokenAuth:   tokenAuth,
		totpEngine:  totpEngine,
		passkeyRepo: passkeyRepo,
	}
}

func (ts *testServer) tokenFor(t *testing.T, loginID uuid.UUID) string {
	_, tokenString, err := ts.tokenAuth.Encode(map[string]interface{}{
		"login_id": loginID.String(),
		"email":    "user@example.com",
	})
	require.NoError(t, err)
	return tokenString
}

func (ts *testServer) request(t *testing.T, method, path, token string, body interface{}) *http.Response {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, ts.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.server.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestMfaAPI_RequiresAuthentication(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.request(t, http.MethodGet, "/mfa/methods", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestMfaAPI_TotpLifecycle(t *testing.T) {
	ts := setupTestServer(t)
	loginID := uuid.New()
	token := ts.tokenFor(t, loginID)

	// Nothing enrolled yet
	resp := ts.request(t, http.MethodGet, "/mfa/methods", token, nil)
	var methods MethodsResponse
	decodeBody(t, resp, &methods)
	assert.False(t, methods.Required)
	assert.Empty(t, methods.Methods)

	// Provision a secret
	resp = ts.request(t, http.MethodPost, "/mfa/totp/setup", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var setup TotpSetupResponse
	decodeBody(t, resp, &setup)
	assert.Contains(t, setup.ProvisioningURI, "otpauth://totp/")
	assert.NotEmpty(t, setup.QRCodeImage)

	parsedKey, err := otp.NewKeyFromURL(setup.ProvisioningURI)
	require.NoError(t, err)

	// Wrong code does not enable
	resp = ts.request(t, http.MethodPost, "/mfa/totp/enable", token, VerifyRequest{Code: "000000"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct code enables and returns the backup codes once
	code, err := totp.GenerateCodeCustom(parsedKey.Secret(), time.Now().UTC(), totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	resp = ts.request(t, http.MethodPost, "/mfa/totp/enable", token, VerifyRequest{Code: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var enabled EnableTotpResponse
	decodeBody(t, resp, &enabled)
	require.Len(t, enabled.BackupCodes, 8)

	// The login now requires a second factor
	resp = ts.request(t, http.MethodGet, "/mfa/methods", token, nil)
	decodeBody(t, resp, &methods)
	assert.True(t, methods.Required)
	assert.Contains(t, methods.Methods, mfa.MethodTotp)
	assert.Contains(t, methods.Methods, mfa.MethodBackupCode)

	// Generic verify accepts a backup code and reports the method
	resp = ts.request(t, http.MethodPost, "/mfa/verify", token, VerifyRequest{Code: enabled.BackupCodes[0]})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify VerifyResponse
	decodeBody(t, resp, &verify)
	assert.True(t, verify.Valid)
	assert.Equal(t, mfa.MethodBackupCode, verify.Method)

	// The consumed backup code is rejected on replay
	resp = ts.request(t, http.MethodPost, "/mfa/verify", token, VerifyRequest{Code: enabled.BackupCodes[0]})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	decodeBody(t, resp, &verify)
	assert.False(t, verify.Valid)

	// Regenerate replaces the batch
	resp = ts.request(t, http.MethodPost, "/mfa/backup-codes/regenerate", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var regenerated BackupCodesResponse
	decodeBody(t, resp, &regenerated)
	require.Len(t, regenerated.BackupCodes, 8)

	resp = ts.request(t, http.MethodPost, "/mfa/verify", token, VerifyRequest{Code: enabled.BackupCodes[1]})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Disable clears everything
	resp = ts.request(t, http.MethodPost, "/mfa/totp/disable", token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/mfa/methods", token, nil)
	decodeBody(t, resp, &methods)
	assert.False(t, methods.Required)
}

func TestMfaAPI_TotpVerifyEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	loginID := uuid.New()
	token := ts.tokenFor(t, loginID)

	key, err := ts.totpEngine.GenerateSecret(context.Background(), loginID, "simple-mfa", "user@example.com")
	require.NoError(t, err)

	code, err := totp.GenerateCodeCustom(key.Secret(), time.Now().UTC(), totp.ValidateOpts{
		Period: 30, Skew: 1, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	resp := ts.request(t, http.MethodPost, "/mfa/totp/verify", token, VerifyRequest{Code: code})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var verify VerifyResponse
	decodeBody(t, resp, &verify)
	assert.True(t, verify.Valid)

	resp = ts.request(t, http.MethodPost, "/mfa/totp/verify", token, VerifyRequest{Code: "000000"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	decodeBody(t, resp, &verify)
	assert.False(t, verify.Valid)
}

func TestMfaAPI_CredentialManagement(t *testing.T) {
	ts := setupTestServer(t)
	loginID := uuid.New()
	token := ts.tokenFor(t, loginID)

	entity, err := ts.passkeyRepo.Create(context.Background(), passkey.CreateCredentialParams{
		LoginID:      loginID,
		CredentialID: []byte("cred-1"),
		PublicKey:    []byte("pubkey"),
		Nickname:     "yubikey",
	})
	require.NoError(t, err)

	resp := ts.request(t, http.MethodGet, "/mfa/credentials", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list ListCredentialsResponse
	decodeBody(t, resp, &list)
	require.Len(t, list.Credentials, 1)
	assert.Equal(t, "yubikey", list.Credentials[0].Nickname)
	assert.True(t, list.Credentials[0].Active)

	// Rename
	resp = ts.request(t, http.MethodPut, "/mfa/credentials/"+entity.ID.String(), token, RenameCredentialRequest{Nickname: "work key"})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Deactivate
	resp = ts.request(t, http.MethodPost, "/mfa/credentials/"+entity.ID.String()+"/deactivate", token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/mfa/credentials", token, nil)
	decodeBody(t, resp, &list)
	require.Len(t, list.Credentials, 1)
	assert.Equal(t, "work key", list.Credentials[0].Nickname)
	assert.False(t, list.Credentials[0].Active)

	// Another login cannot delete the credential
	otherToken := ts.tokenFor(t, uuid.New())
	resp = ts.request(t, http.MethodDelete, "/mfa/credentials/"+entity.ID.String(), otherToken, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The owner can
	resp = ts.request(t, http.MethodDelete, "/mfa/credentials/"+entity.ID.String(), token, nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.request(t, http.MethodGet, "/mfa/credentials", token, nil)
	decodeBody(t, resp, &list)
	assert.Empty(t, list.Credentials)
}

func TestMfaAPI_RegistrationOptions(t *testing.T) {
	ts := setupTestServer(t)
	loginID := uuid.New()
	token := ts.tokenFor(t, loginID)

	resp := ts.request(t, http.MethodGet, "/mfa/webauthn/registration/options", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// A session cookie is minted for the ceremony
	var sessionCookie *http.Cookie
	for _, cookie := range resp.Cookies() {
		if cookie.Name == sessionCookieName {
			sessionCookie = cookie
		}
	}
	require.NotNil(t, sessionCookie)
	assert.NotEmpty(t, sessionCookie.Value)

	var options struct {
		PublicKey struct {
			Challenge string `json:"challenge"`
			RP        struct {
				ID string `json:"id"`
			} `json:"rp"`
		} `json:"publicKey"`
	}
	decodeBody(t, resp, &options)
	assert.NotEmpty(t, options.PublicKey.Challenge)
	assert.Equal(t, "localhost", options.PublicKey.RP.ID)
}

func TestMfaAPI_AuthenticationOptionsWithoutCredentials(t *testing.T) {
	ts := setupTestServer(t)
	token := ts.tokenFor(t, uuid.New())

	resp := ts.request(t, http.MethodGet, "/mfa/webauthn/authentication/options", token, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMfaAPI_FinishAuthenticationWithoutChallenge(t *testing.T) {
	ts := setupTestServer(t)
	token := ts.tokenFor(t, uuid.New())

	resp := ts.request(t, http.MethodPost, "/mfa/webauthn/authentication", token, map[string]string{"id": "abc"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp))
	assert.Equal(t, "error", errResp.Status)
}
