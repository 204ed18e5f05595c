// Package totp implements time-based one-time-password enrollment and
// verification plus single-use backup codes. Seeds and backup code batches
// are stored sealed through the secretvault package and never logged.
package totp
