// Package crypto encrypts OAuth credentials at rest.
//
// Ciphertext layout is nonce(12) || AES-256-GCM sealed data. The key is
// read from a file holding exactly 32 raw bytes; a single trailing
// newline is tolerated so keys generated with shell redirection work.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
)

const keySize = 32

var (
	ErrKeySize             = errors.New("encryption key must be exactly 32 bytes")
	ErrCiphertextTooShort  = errors.New("ciphertext too short")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrKeyFileNotFound     = errors.New("encryption key file not found")
	ErrKeyFilePermissions  = errors.New("encryption key file is world-readable")
	ErrKeyGenerationFailed = errors.New("key generation failed")
)

// Cipher encrypts and decrypts small payloads with a fixed key.
type Cipher struct {
	aead cipher.AEAD
}

// New creates a Cipher from a raw 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: got %d", ErrKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// NewFromFile reads the key from path and creates a Cipher.
// A single trailing newline in the file is stripped.
func NewFromFile(path string) (*Cipher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyFileNotFound, path)
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if len(data) == keySize+1 && data[keySize] == '\n' {
		data = data[:keySize]
	}

	return New(data)
}

// GenerateKeyFile writes a fresh random key to path with 0600 permissions.
// It refuses to overwrite an existing file.
func GenerateKeyFile(path string) error {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}
	defer f.Close()

	if _, err := f.Write(key); err != nil {
		return fmt.Errorf("%w: %w", ErrKeyGenerationFailed, err)
	}
	return nil
}

// Encrypt seals plaintext and returns nonce || ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	if len(data) < c.aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString seals a string; the result is safe to store in a BLOB column.
func (c *Cipher) EncryptString(s string) ([]byte, error) {
	return c.Encrypt([]byte(s))
}

// DecryptString opens data produced by EncryptString.
func (c *Cipher) DecryptString(data []byte) (string, error) {
	b, err := c.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
