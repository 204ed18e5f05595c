// Package errors provides structured error handling with error codes for simple-mfa.
//
// This package standardizes error handling across all services with typed error codes,
// structured error details, and automatic HTTP status code mapping.
//
// # Overview
//
// The errors package provides:
//   - Structured Error type with error codes
//   - Predefined error codes for MFA scenarios (TOTP, WebAuthn ceremonies, challenges)
//   - Error wrapping with context
//   - HTTP status code mapping
//   - A UserMessage helper that never leaks protocol internals to end users
//
// # Basic Usage
//
// Creating errors with codes:
//
//	import "github.com/tendant/simple-mfa/pkg/errors"
//
//	// Create a simple error
//	err := errors.New(errors.ErrCodeVerificationFailed, "security key could not be verified")
//
//	// Wrap an existing error
//	err := errors.Wrap(protocolErr, errors.ErrCodeCeremonyTimedOut, "the operation timed out")
//
// Inspecting errors:
//
//	if errors.IsCode(err, errors.ErrCodeCredentialExists) {
//		// credential already registered
//	}
//
//	status := errors.MapErrorCodeToHTTPStatus(errors.GetCode(err))
//	msg := errors.UserMessage(err) // safe for API responses
package errors
