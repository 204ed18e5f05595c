package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/jwtauth/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-mfa/pkg/challenge"
	mfaerrors "github.com/tendant/simple-mfa/pkg/errors"
	"github.com/tendant/simple-mfa/pkg/mfa"
	"github.com/tendant/simple-mfa/pkg/notify"
	"github.com/tendant/simple-mfa/pkg/passkey"
	"github.com/tendant/simple-mfa/pkg/totp"
)

const (
	sessionCookieName = "mfa_session"

	// registration ceremonies share the challenge store with login
	// ceremonies under a separate key space
	registrationKeyPrefix = "register:"
)

// MfaHandler handles HTTP requests for second-factor management and ceremonies
type MfaHandler struct {
	mfaService     mfa.MfaService
	totpService    totp.TotpService
	passkeyService passkey.PasskeyService
	challenges     challenge.Store
	notifier       notify.Notifier
	issuer         string
}

// NewMfaHandler creates a new MFA handler. The notifier may be nil when
// security notices are not wanted.
func NewMfaHandler(mfaService mfa.MfaService, totpService totp.TotpService, passkeyService passkey.PasskeyService, challenges challenge.Store, notifier notify.Notifier, issuer string) *MfaHandler {
	return &MfaHandler{
		mfaService:     mfaService,
		totpService:    totpService,
		passkeyService: passkeyService,
		challenges:     challenges,
		notifier:       notifier,
		issuer:         issuer,
	}
}

// TotpSetupResponse carries the provisioning material for an authenticator app
type TotpSetupResponse struct {
	Status          string `json:"status"`
	ProvisioningURI string `json:"provisioning_uri"`
	QRCodeImage     string `json:"qr_code_image"`
}

// VerifyRequest represents a submitted second-factor code
type VerifyRequest struct {
	Code string `json:"code"`
}

// VerifyResponse reports the outcome of a verification attempt
type VerifyResponse struct {
	Valid  bool   `json:"valid"`
	Method string `json:"method,omitempty"`
}

// EnableTotpResponse carries the one-time backup code batch
type EnableTotpResponse struct {
	Status      string   `json:"status"`
	BackupCodes []string `json:"backup_codes"`
}

// BackupCodesResponse carries a regenerated backup code batch
type BackupCodesResponse struct {
	Status      string   `json:"status"`
	BackupCodes []string `json:"backup_codes"`
}

// FinishRegistrationRequest wraps the browser attestation response with the
// nickname for the new credential
type FinishRegistrationRequest struct {
	Nickname string          `json:"nickname"`
	Response json.RawMessage `json:"response"`
}

// CredentialInfo represents a registered credential in API responses
type CredentialInfo struct {
	ID         string   `json:"id"`
	Nickname   string   `json:"nickname"`
	Transports []string `json:"transports,omitempty"`
	Active     bool     `json:"active"`
	LastUsedAt string   `json:"last_used_at,omitempty"`
	CreatedAt  string   `json:"created_at"`
}

// ListCredentialsResponse represents the response body for listing credentials
type ListCredentialsResponse struct {
	Status      string           `json:"status"`
	Credentials []CredentialInfo `json:"credentials"`
}

// RenameCredentialRequest represents the request body for renaming a credential
type RenameCredentialRequest struct {
	Nickname string `json:"nickname"`
}

// MethodsResponse lists the second-factor methods a login can answer with
type MethodsResponse struct {
	Required bool     `json:"required"`
	Methods  []string `json:"methods"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Handler returns a http.Handler for the MFA API
func Handler(h *MfaHandler) http.Handler {
	r := chi.NewRouter()

	r.Get("/methods", h.GetMethods)
	r.Post("/verify", h.VerifySecondFactor)

	r.Post("/totp/setup", h.SetupTotp)
	r.Post("/totp/verify", h.VerifyTotp)
	r.Post("/totp/enable", h.EnableTotp)
	r.Post("/totp/disable", h.DisableTotp)
	r.Post("/backup-codes/regenerate", h.RegenerateBackupCodes)

	r.Get("/webauthn/registration/options", h.BeginRegistration)
	r.Post("/webauthn/registration", h.FinishRegistration)
	r.Get("/webauthn/authentication/options", h.BeginAuthentication)
	r.Post("/webauthn/authentication", h.FinishAuthentication)

	r.Get("/credentials", h.ListCredentials)
	r.Put("/credentials/{id}", h.RenameCredential)
	r.Post("/credentials/{id}/deactivate", h.DeactivateCredential)
	r.Delete("/credentials/{id}", h.DeleteCredential)

	return r
}

// GetMethods reports whether the login needs a second factor and which
// methods it has enrolled
func (h *MfaHandler) GetMethods(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	required, err := h.mfaService.RequiresSecondFactor(r.Context(), user)
	if err != nil {
		slog.Error("Failed to evaluate second-factor requirement", "error", err)
		renderError(w, r, err)
		return
	}

	methods, err := h.mfaService.EnrolledMethods(r.Context(), user)
	if err != nil {
		slog.Error("Failed to list enrolled methods", "error", err)
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, MethodsResponse{Required: required, Methods: methods})
}

// VerifySecondFactor checks any submitted second factor: a TOTP code, a
// backup code or a WebAuthn assertion
func (h *MfaHandler) VerifySecondFactor(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Unable to read request body", "")
		return
	}

	input := string(body)
	var req VerifyRequest
	if err := json.Unmarshal(body, &req); err == nil && req.Code != "" {
		input = req.Code
	}

	valid, method, err := h.mfaService.VerifySecondFactor(r.Context(), h.sessionID(w, r), user, input)
	if err != nil {
		slog.Error("Second-factor verification errored", "error", err)
		renderError(w, r, err)
		return
	}

	status := http.StatusOK
	if !valid {
		status = http.StatusUnauthorized
	}
	render.Status(r, status)
	render.JSON(w, r, VerifyResponse{Valid: valid, Method: method})
}

// SetupTotp provisions a fresh TOTP secret and returns the enrollment material
func (h *MfaHandler) SetupTotp(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	if _, err := h.totpService.GenerateSecret(r.Context(), user.LoginID, h.issuer, user.Email); err != nil {
		slog.Error("Failed to generate totp secret", "error", err)
		renderError(w, r, err)
		return
	}

	uri, err := h.totpService.ProvisioningURI(r.Context(), user.LoginID, h.issuer, user.Email)
	if err != nil {
		slog.Error("Failed to build provisioning uri", "error", err)
		renderError(w, r, err)
		return
	}

	qrCode, err := h.totpService.GenerateTotpQRCode(r.Context(), user.LoginID, h.issuer, user.Email)
	if err != nil {
		slog.Error("Failed to render qr code", "error", err)
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, TotpSetupResponse{
		Status:          "success",
		ProvisioningURI: uri,
		QRCodeImage:     qrCode,
	})
}

// VerifyTotp checks a TOTP code without consuming anything
func (h *MfaHandler) VerifyTotp(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	var req VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	valid, err := h.totpService.VerifyCode(r.Context(), user.LoginID, req.Code)
	if err != nil {
		slog.Error("Failed to verify totp code", "error", err)
		renderError(w, r, err)
		return
	}

	status := http.StatusOK
	if !valid {
		status = http.StatusUnauthorized
	}
	render.Status(r, status)
	render.JSON(w, r, VerifyResponse{Valid: valid, Method: mfa.MethodTotp})
}

// EnableTotp turns TOTP on once the user proves possession of the secret.
// The backup codes in the response are shown exactly once.
func (h *MfaHandler) EnableTotp(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	var req VerifyRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	ok, backupCodes, err := h.totpService.Enable(r.Context(), user.LoginID, req.Code)
	if err != nil {
		slog.Error("Failed to enable totp", "error", err)
		renderError(w, r, err)
		return
	}
	if !ok {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Verification code is incorrect", "")
		return
	}

	h.sendNotice(r, user, "Two-factor authentication enabled",
		"An authenticator app was enabled for your account. If this was not you, contact support immediately.")

	render.Status(r, http.StatusOK)
	render.JSON(w, r, EnableTotpResponse{Status: "success", BackupCodes: backupCodes})
}

// DisableTotp turns TOTP off and discards the secret and backup codes
func (h *MfaHandler) DisableTotp(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	if err := h.totpService.Disable(r.Context(), user.LoginID); err != nil {
		slog.Error("Failed to disable totp", "error", err)
		renderError(w, r, err)
		return
	}

	h.sendNotice(r, user, "Two-factor authentication disabled",
		"The authenticator app was removed from your account. If this was not you, contact support immediately.")

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SuccessResponse{Status: "success", Message: "TOTP disabled"})
}

// RegenerateBackupCodes replaces the whole backup code batch
func (h *MfaHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	codes, err := h.totpService.GenerateBackupCodes(r.Context(), user.LoginID)
	if err != nil {
		slog.Error("Failed to regenerate backup codes", "error", err)
		renderError(w, r, err)
		return
	}

	h.sendNotice(r, user, "Backup codes regenerated",
		"Your two-factor backup codes were replaced. The previous codes no longer work.")

	render.Status(r, http.StatusOK)
	render.JSON(w, r, BackupCodesResponse{Status: "success", BackupCodes: codes})
}

// BeginRegistration starts a WebAuthn registration ceremony
func (h *MfaHandler) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	options, session, err := h.passkeyService.BeginRegistration(r.Context(), toPasskeyUser(user))
	if err != nil {
		slog.Error("Failed to begin registration ceremony", "error", err)
		renderError(w, r, err)
		return
	}

	err = h.challenges.Put(r.Context(), registrationKeyPrefix+h.sessionID(w, r), challenge.NewPendingChallenge(user.LoginID, *session))
	if err != nil {
		slog.Error("Failed to store registration challenge", "error", err)
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, options)
}

// FinishRegistration verifies the attestation response and stores the credential
func (h *MfaHandler) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	var req FinishRegistrationRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	pending, err := h.challenges.TakeAndClear(r.Context(), registrationKeyPrefix+h.sessionID(w, r))
	if err != nil {
		renderError(w, r, mfaerrors.Wrap(err, mfaerrors.ErrCodeNoActiveChallenge, "no registration ceremony in progress"))
		return
	}
	if pending.LoginID != user.LoginID {
		renderErrorResponse(w, r, http.StatusForbidden, "Ceremony belongs to a different login", "")
		return
	}

	entity, err := h.passkeyService.FinishRegistration(r.Context(), toPasskeyUser(user), pending.Session, req.Nickname, bytes.NewReader(req.Response))
	if err != nil {
		slog.Error("Failed to finish registration ceremony", "error", err)
		renderError(w, r, err)
		return
	}

	h.sendNotice(r, user, "New passkey registered",
		fmt.Sprintf("A passkey named %q was added to your account. If this was not you, contact support immediately.", entity.Nickname))

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toCredentialInfo(entity))
}

// BeginAuthentication starts a WebAuthn authentication ceremony and parks the
// challenge for the session
func (h *MfaHandler) BeginAuthentication(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	assertion, session, err := h.passkeyService.BeginLogin(r.Context(), toPasskeyUser(user))
	if errors.Is(err, passkey.ErrNoCredentials) {
		renderErrorResponse(w, r, http.StatusBadRequest, "No active passkeys registered", "")
		return
	}
	if err != nil {
		slog.Error("Failed to begin authentication ceremony", "error", err)
		renderError(w, r, err)
		return
	}

	err = h.challenges.Put(r.Context(), h.sessionID(w, r), challenge.NewPendingChallenge(user.LoginID, *session))
	if err != nil {
		slog.Error("Failed to store authentication challenge", "error", err)
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, assertion)
}

// FinishAuthentication verifies the assertion response against the session's
// pending challenge
func (h *MfaHandler) FinishAuthentication(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	pending, err := h.challenges.TakeAndClear(r.Context(), h.sessionID(w, r))
	if err != nil {
		renderError(w, r, mfaerrors.Wrap(err, mfaerrors.ErrCodeNoActiveChallenge, "no authentication ceremony in progress"))
		return
	}
	if pending.LoginID != user.LoginID {
		renderErrorResponse(w, r, http.StatusForbidden, "Ceremony belongs to a different login", "")
		return
	}

	_, err = h.passkeyService.FinishLogin(r.Context(), toPasskeyUser(user), pending.Session, r.Body)
	if err != nil {
		slog.Error("Failed to finish authentication ceremony", "error", err)
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, VerifyResponse{Valid: true, Method: mfa.MethodPasskey})
}

// ListCredentials lists the login's registered credentials
func (h *MfaHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	entities, err := h.passkeyService.ListCredentials(r.Context(), user.LoginID)
	if err != nil {
		slog.Error("Failed to list credentials", "error", err)
		renderError(w, r, err)
		return
	}

	credentials := make([]CredentialInfo, 0, len(entities))
	for _, entity := range entities {
		credentials = append(credentials, toCredentialInfo(entity))
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, ListCredentialsResponse{Status: "success", Credentials: credentials})
}

// RenameCredential updates a credential's nickname
func (h *MfaHandler) RenameCredential(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	var req RenameCredentialRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid request body", "")
		return
	}

	if err := h.passkeyService.RenameCredential(r.Context(), user.LoginID, id, req.Nickname); err != nil {
		slog.Error("Failed to rename credential", "error", err)
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SuccessResponse{Status: "success", Message: "Credential renamed"})
}

// DeactivateCredential takes a credential out of use without deleting it
func (h *MfaHandler) DeactivateCredential(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	if err := h.passkeyService.DeactivateCredential(r.Context(), user.LoginID, id); err != nil {
		slog.Error("Failed to deactivate credential", "error", err)
		renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SuccessResponse{Status: "success", Message: "Credential deactivated"})
}

// DeleteCredential removes a credential
func (h *MfaHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	user, err := h.loginUser(r)
	if err != nil {
		renderErrorResponse(w, r, http.StatusUnauthorized, "Authentication required", "")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		renderErrorResponse(w, r, http.StatusBadRequest, "Invalid credential id", "")
		return
	}

	removed, err := h.passkeyService.RemoveCredential(r.Context(), user.LoginID, id)
	if err != nil {
		slog.Error("Failed to remove credential", "error", err)
		renderError(w, r, err)
		return
	}
	if !removed {
		renderErrorResponse(w, r, http.StatusNotFound, "Credential not found", "")
		return
	}

	h.sendNotice(r, user, "Passkey removed",
		"A passkey was removed from your account. If this was not you, contact support immediately.")

	render.Status(r, http.StatusOK)
	render.JSON(w, r, SuccessResponse{Status: "success", Message: "Credential removed"})
}

// loginUser resolves the authenticated user from the verified JWT claims
func (h *MfaHandler) loginUser(r *http.Request) (mfa.User, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return mfa.User{}, fmt.Errorf("failed to get token claims: %w", err)
	}

	loginIDStr, _ := claims["login_id"].(string)
	loginID, err := uuid.Parse(loginIDStr)
	if err != nil {
		return mfa.User{}, fmt.Errorf("login_id claim is missing or invalid")
	}

	email, _ := claims["email"].(string)
	displayName, _ := claims["name"].(string)
	providerID, _ := claims["provider_id"].(string)

	return mfa.User{
		LoginID:     loginID,
		Email:       email,
		DisplayName: displayName,
		ProviderID:  providerID,
	}, nil
}

// sessionID returns the browser session key the pending challenge is scoped
// to, minting a cookie when the browser does not carry one yet
func (h *MfaHandler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}

	sessionID := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sessionID
}

// sendNotice delivers a best-effort security notice; failures never fail the
// operation that triggered them
func (h *MfaHandler) sendNotice(r *http.Request, user mfa.User, subject, body string) {
	if h.notifier == nil || user.Email == "" {
		return
	}
	if err := h.notifier.SendSecurityNotice(r.Context(), user.Email, subject, body); err != nil {
		slog.Error("Failed to send security notice", "error", err, "subject", subject)
	}
}

func toPasskeyUser(user mfa.User) passkey.User {
	return passkey.User{
		LoginID:     user.LoginID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
	}
}

func toCredentialInfo(entity passkey.CredentialEntity) CredentialInfo {
	info := CredentialInfo{
		ID:         entity.ID.String(),
		Nickname:   entity.Nickname,
		Transports: entity.Transports,
		Active:     entity.Active,
		CreatedAt:  entity.CreatedAt.Format(http.TimeFormat),
	}
	if entity.LastUsedAtValid {
		info.LastUsedAt = entity.LastUsedAt.Format(http.TimeFormat)
	}
	return info
}

// renderError maps a service error onto its HTTP status and safe message
func renderError(w http.ResponseWriter, r *http.Request, err error) {
	code := mfaerrors.GetCode(err)
	response := ErrorResponse{
		Status:  "error",
		Message: mfaerrors.UserMessage(err),
		Code:    string(code),
	}
	render.Status(r, mfaerrors.MapErrorCodeToHTTPStatus(code))
	render.JSON(w, r, response)
}

// renderErrorResponse renders an error response with the given status code and message
func renderErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, message, code string) {
	response := ErrorResponse{
		Status:  "error",
		Message: message,
		Code:    code,
	}
	render.Status(r, statusCode)
	render.JSON(w, r, response)
}
