package secretvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/pbkdf2"
)

// Purpose tags bind a sealed token to the kind of secret it carries. A token
// sealed for one purpose will not open under another.
const (
	PurposeTotpSeed    = "totp-seed"
	PurposeBackupCodes = "backup-codes"
)

// ErrInvalidToken is returned when a token fails to open: tampered, truncated,
// or sealed for a different purpose. Callers must treat it as a hard failure.
var ErrInvalidToken = errors.New("invalid sealed token")

// Vault seals and opens short secrets with AES-256-GCM. The purpose tag is
// authenticated as additional data, so swapping tokens between purposes fails
// the same way as tampering does.
type Vault struct {
	key []byte
}

// New creates a vault from the provided encryption key. The key is stretched
// to 32 bytes with PBKDF2-SHA256.
func New(encryptionKey string) (*Vault, error) {
	if len(encryptionKey) < 16 {
		return nil, fmt.Errorf("encryption key must be at least 16 characters long")
	}

	salt := []byte("simple-mfa-vault-salt")
	key := pbkdf2.Key([]byte(encryptionKey), salt, 10000, 32, sha256.New)

	return &Vault{key: key}, nil
}

// Seal encrypts plaintext under the given purpose tag and returns a base64
// token suitable for storage.
func (v *Vault) Seal(purpose string, plaintext []byte) (string, error) {
	if purpose == "" {
		return "", fmt.Errorf("purpose tag cannot be empty")
	}
	if len(plaintext) == 0 {
		return "", fmt.Errorf("plaintext cannot be empty")
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, []byte(purpose))

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed token. It fails closed with ErrInvalidToken on any
// tampered, truncated, or wrong-purpose input; only the purpose tag and error
// class are logged, never secret material.
func (v *Vault) Open(purpose, token string) ([]byte, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		slog.Warn("Failed to decode sealed token", "purpose", purpose, "error", "bad encoding")
		return nil, ErrInvalidToken
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		slog.Warn("Sealed token too short", "purpose", purpose)
		return nil, ErrInvalidToken
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(purpose))
	if err != nil {
		slog.Warn("Failed to open sealed token", "purpose", purpose, "error", "authentication failed")
		return nil, ErrInvalidToken
	}

	return plaintext, nil
}
