// Package passkey manages WebAuthn credentials: registration and
// authentication ceremonies, credential lifecycle (rename, deactivate,
// remove), and the sign-count monotonicity check that guards against
// cloned authenticators.
package passkey
