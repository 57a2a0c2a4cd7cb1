// Package crypto implements authenticated symmetric encryption for
// credential plaintext. Ciphertext is nonce||AES-256-GCM(sealed);
// tampered or foreign ciphertext fails decryption with ErrIntegrity
// instead of returning garbage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keySize = 32

	// Fixed, versioned salt so the same passphrase always derives the
	// same key. Bump the version if the derivation parameters change.
	derivationSalt = "vaultgate_encryption_salt_v1"
	derivationIter = 100_000
)

// ErrIntegrity is returned when ciphertext fails authentication.
var ErrIntegrity = errors.New("ciphertext integrity check failed")

// Engine encrypts and decrypts credential plaintext with a master key.
type Engine struct {
	key  []byte
	aead cipher.AEAD
}

// New creates an Engine with a freshly generated random master key.
func New() (*Engine, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return NewFromKey(key)
}

// NewFromPassphrase derives the master key from a passphrase using
// PBKDF2-SHA256 with a fixed salt, so the same passphrase always
// yields the same key across processes.
func NewFromPassphrase(passphrase string) (*Engine, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(derivationSalt), derivationIter, keySize, sha256.New)
	return NewFromKey(key)
}

// NewFromKey creates an Engine from a raw 32-byte master key.
func NewFromKey(key []byte) (*Engine, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Engine{key: append([]byte(nil), key...), aead: aead}, nil
}

// NewFromKeyBase64 creates an Engine from a base64-encoded master key.
func NewFromKeyBase64(encoded string) (*Engine, error) {
	key, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return NewFromKey(key)
}

// KeyBase64 returns the master key encoded for storage.
func (e *Engine) KeyBase64() string {
	return base64.URLEncoding.EncodeToString(e.key)
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any authentication
// failure is reported as ErrIntegrity.
func (e *Engine) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < e.aead.NonceSize() {
		return nil, ErrIntegrity
	}
	nonce, sealed := ciphertext[:e.aead.NonceSize()], ciphertext[e.aead.NonceSize():]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
