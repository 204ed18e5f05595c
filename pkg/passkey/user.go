package passkey

import (
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
)

// User carries the login identity a ceremony runs for
type User struct {
	LoginID     uuid.UUID
	Email       string
	DisplayName string
}

// webauthnUser adapts a login and its stored credentials to the
// webauthn.User interface. The login UUID bytes serve as the user handle.
type webauthnUser struct {
	user        User
	credentials []webauthn.Credential
}

func newWebauthnUser(user User, entities []CredentialEntity) webauthnUser {
	credentials := make([]webauthn.Credential, 0, len(entities))
	for _, entity := range entities {
		credentials = append(credentials, toWebauthnCredential(entity))
	}
	return webauthnUser{user: user, credentials: credentials}
}

func toWebauthnCredential(entity CredentialEntity) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, 0, len(entity.Transports))
	for _, transport := range entity.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}
	return webauthn.Credential{
		ID:              entity.CredentialID,
		PublicKey:       entity.PublicKey,
		AttestationType: entity.AttestationType,
		Transport:       transports,
		Authenticator: webauthn.Authenticator{
			AAGUID:    entity.AAGUID,
			SignCount: uint32(entity.SignCount),
		},
	}
}

func (u webauthnUser) WebAuthnID() []byte {
	return u.user.LoginID[:]
}

func (u webauthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u webauthnUser) WebAuthnDisplayName() string {
	if u.user.DisplayName != "" {
		return u.user.DisplayName
	}
	return u.user.Email
}

func (u webauthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

// WebAuthnIcon satisfies the deprecated icon accessor still present in the
// webauthn.User interface of the pinned library version.
func (u webauthnUser) WebAuthnIcon() string {
	return ""
}
