package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iqbridge/iqbridge/internal/domain"
)

var testCreds = domain.Credentials{Email: "trader@test", Password: "hunter2"}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptCredentials(testCreds, "file-password")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "hunter2", "ciphertext must not leak the password")

	got, err := DecryptCredentials(blob, "file-password")
	require.NoError(t, err)
	assert.Equal(t, testCreds, got)
}

func TestDecryptWrongPassword(t *testing.T) {
	blob, err := EncryptCredentials(testCreds, "file-password")
	require.NoError(t, err)

	_, err = DecryptCredentials(blob, "wrong")
	assert.Error(t, err)
}

func TestDecryptGarbage(t *testing.T) {
	_, err := DecryptCredentials([]byte("not json"), "pw")
	assert.Error(t, err)
}

func TestEncryptIsSalted(t *testing.T) {
	a, err := EncryptCredentials(testCreds, "file-password")
	require.NoError(t, err)
	b, err := EncryptCredentials(testCreds, "file-password")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh salt and nonce per encryption")
}

func TestLoadCredentialsInlineTakesPrecedence(t *testing.T) {
	got, err := LoadCredentials(CredsConfig{
		Email:         "trader@test",
		Password:      "inline",
		EncryptedPath: "does-not-exist.json",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Credentials{Email: "trader@test", Password: "inline"}, got)
}

func TestLoadCredentialsFromEncryptedFile(t *testing.T) {
	blob, err := EncryptCredentials(testCreds, "file-password")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "creds.enc.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadCredentials(CredsConfig{
		EncryptedPath: path,
		FilePassword:  "file-password",
	})
	require.NoError(t, err)
	assert.Equal(t, testCreds, got)
}

func TestLoadCredentialsNoSource(t *testing.T) {
	_, err := LoadCredentials(CredsConfig{})
	assert.Error(t, err)
}
