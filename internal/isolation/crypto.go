package isolation

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ledgermigrate/internal/errs"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

// Anonymizer derives stable one-way tokens from user identities
type Anonymizer struct {
	salt []byte
}

// NewAnonymizer creates an anonymizer keyed by salt. The same salt always maps
// a user to the same token, so re-running against the same backup is reproducible.
func NewAnonymizer(salt string) *Anonymizer {
	return &Anonymizer{salt: []byte(salt)}
}

// Token returns the anonymized identity of user
func (a *Anonymizer) Token(user string) string {
	mac := hmac.New(sha256.New, a.salt)
	mac.Write([]byte(user))
	return fmt.Sprintf("user-%x", mac.Sum(nil)[:8])
}

// Cipher seals ledger payloads with AES-256-GCM
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.KindConfig, "invalid encryption key length", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "failed to create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "failed to create GCM", err)
	}
	return &Cipher{aead: gcm}, nil
}

// Seal encrypts data; the nonce is prepended to the ciphertext. additional
// binds the ciphertext to its ledger so payloads cannot be swapped between users.
func (c *Cipher) Seal(data, additional []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, data, additional), nil
}

// Open decrypts data produced by Seal
func (c *Cipher) Open(data, additional []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, fmt.Errorf("encrypted data too short")
	}
	nonce := data[:c.aead.NonceSize()]
	plaintext, err := c.aead.Open(nil, nonce, data[c.aead.NonceSize():], additional)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt ledger payload: %w", err)
	}
	return plaintext, nil
}

// LoadKey reads a hex-encoded key from path. A missing file is reported as
// an error satisfying os.IsNotExist.
func LoadKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errs.New(errs.KindConfig, "failed to decode encryption key", err)
	}
	if len(key) != KeySize {
		return nil, errs.New(errs.KindConfig, "invalid encryption key length", nil)
	}
	return key, nil
}

// LoadOrCreateKey reads a hex-encoded key from path, generating one with
// owner-only permissions when the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	key, err := LoadKey(path)
	if err == nil || !os.IsNotExist(err) {
		if err != nil && errs.KindOf(err) == errs.KindUnknown {
			return nil, errs.New(errs.KindPrerequisite, "failed to read encryption key file", err)
		}
		return key, err
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, errs.New(errs.KindPrerequisite, "failed to generate encryption key", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errs.New(errs.KindPrerequisite, "failed to create key directory", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, errs.New(errs.KindPrerequisite, "failed to write encryption key file", err)
	}
	return key, nil
}
