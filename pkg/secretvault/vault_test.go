package secretvault

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVault_RoundTrip(t *testing.T) {
	vault, err := New("test-encryption-key-123")
	require.NoError(t, err)

	plaintexts := [][]byte{
		[]byte("JBSWY3DPEHPK3PXP"),
		[]byte(`["aaaa1111","bbbb2222"]`),
		[]byte("x"),
	}

	for _, plaintext := range plaintexts {
		token, err := vault.Seal(PurposeTotpSeed, plaintext)
		require.NoError(t, err)
		require.NotEmpty(t, token)

		opened, err := vault.Open(PurposeTotpSeed, token)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestVault_PurposeMismatch(t *testing.T) {
	vault, err := New("test-encryption-key-123")
	require.NoError(t, err)

	token, err := vault.Seal(PurposeTotpSeed, []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	// A token sealed for one purpose must not open under another
	_, err = vault.Open(PurposeBackupCodes, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVault_TamperedToken(t *testing.T) {
	vault, err := New("test-encryption-key-123")
	require.NoError(t, err)

	token, err := vault.Seal(PurposeTotpSeed, []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)

	// Flip one bit in the ciphertext
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = vault.Open(PurposeTotpSeed, tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVault_TruncatedToken(t *testing.T) {
	vault, err := New("test-encryption-key-123")
	require.NoError(t, err)

	token, err := vault.Seal(PurposeTotpSeed, []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)

	truncated := base64.StdEncoding.EncodeToString(raw[:4])
	_, err = vault.Open(PurposeTotpSeed, truncated)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVault_GarbageInput(t *testing.T) {
	vault, err := New("test-encryption-key-123")
	require.NoError(t, err)

	for _, token := range []string{"", "not-base64!!!", "YWJjZGVm"} {
		_, err := vault.Open(PurposeTotpSeed, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestVault_WrongKey(t *testing.T) {
	vault1, err := New("test-encryption-key-123")
	require.NoError(t, err)
	vault2, err := New("another-encryption-key")
	require.NoError(t, err)

	token, err := vault1.Seal(PurposeTotpSeed, []byte("JBSWY3DPEHPK3PXP"))
	require.NoError(t, err)

	_, err = vault2.Open(PurposeTotpSeed, token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNew_RejectsShortKey(t *testing.T) {
	_, err := New("short")
	assert.Error(t, err)
}
