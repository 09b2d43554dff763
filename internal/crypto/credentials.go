// Package crypto provides encrypted-at-rest storage for brokerage
// credentials, so the warm-account password never sits on disk in plain
// text.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pbkdf2"

	"github.com/iqbridge/iqbridge/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-credentials JSON schema version.
	currentVersion = 1
)

// encryptedCredsJSON is the on-disk format for encrypted credentials.
type encryptedCredsJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// credsPayload is the plaintext structure inside the ciphertext.
type credsPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// EncryptCredentials encrypts brokerage credentials with a password using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated
// encryption. It returns the JSON blob suitable for writing to disk.
func EncryptCredentials(creds domain.Credentials, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if creds.Email == "" || creds.Password == "" {
		return nil, errors.New("crypto: credentials must have email and password")
	}

	plaintext, err := json.Marshal(credsPayload{
		Email:    creds.Email,
		Password: creds.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal credentials: %w", err)
	}

	// Generate random salt and derive AES key.
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	// AES-256-GCM encrypt.
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := encryptedCredsJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return json.MarshalIndent(out, "", "  ")
}

// DecryptCredentials decrypts a JSON blob produced by EncryptCredentials.
func DecryptCredentials(encryptedJSON []byte, password string) (domain.Credentials, error) {
	if password == "" {
		return domain.Credentials{}, errors.New("crypto: password must not be empty")
	}

	var stored encryptedCredsJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: parsing encrypted credentials JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return domain.Credentials{}, fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	var payload credsPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: parsing decrypted payload: %w", err)
	}

	return domain.Credentials{
		Email:    payload.Email,
		Password: payload.Password,
	}, nil
}

// CredsConfig carries the information LoadCredentials needs to resolve the
// warm-account credentials. Populate the fields from the [account] config
// section.
type CredsConfig struct {
	// Email and Password are inline credentials. If Password is non-empty,
	// LoadCredentials returns them directly.
	Email    string
	Password string

	// EncryptedPath is the path to a JSON file produced by
	// EncryptCredentials.
	EncryptedPath string

	// FilePassword is the password used to decrypt the file at EncryptedPath.
	FilePassword string
}

// LoadCredentials resolves credentials from the provided configuration.
//
// Resolution order:
//  1. If inline Password is set, return Email/Password directly.
//  2. If EncryptedPath is set, read the file and decrypt with FilePassword.
//  3. Otherwise, return an error.
func LoadCredentials(cfg CredsConfig) (domain.Credentials, error) {
	// 1. Inline credentials take precedence.
	if cfg.Password != "" {
		if cfg.Email == "" {
			return domain.Credentials{}, errors.New("crypto: inline password set without email")
		}
		return domain.Credentials{Email: cfg.Email, Password: cfg.Password}, nil
	}

	// 2. Encrypted credentials file.
	if cfg.EncryptedPath != "" {
		data, err := os.ReadFile(cfg.EncryptedPath)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("crypto: reading encrypted credentials file: %w", err)
		}
		return DecryptCredentials(data, cfg.FilePassword)
	}

	return domain.Credentials{}, errors.New("crypto: no credential source configured (set password or encrypted_creds_path)")
}
