// Package crypt encrypts file contents before they're sent to a peer. Both
// peers must be configured with the same passphrase.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/pbkdf2"

	"github.com/sidkik/peersync/pkg/errors"
)

const (
	saltSize   = 16
	keySize    = 32
	iterations = 10000
)

var (
	// ErrEmptyPassphrase is returned when creating a Cipher without a
	// passphrase.
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")

	// ErrCiphertextTooShort is returned when decrypting data that's too short
	// to contain the salt and nonce.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Cipher encrypts and decrypts with a key derived from a passphrase. Each
// call to Encrypt uses a fresh salt and nonce, which are prepended to the
// ciphertext.
type Cipher struct {
	passphrase []byte
}

// New returns a Cipher for `passphrase`.
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	return &Cipher{passphrase: []byte(passphrase)}, nil
}

// Encrypt seals `plain` with AES-256-GCM. The result is the salt, followed by
// the nonce, followed by the ciphertext.
func (c *Cipher) Encrypt(plain []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.WithContext(err, "generate salt")
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.WithContext(err, "generate nonce")
	}

	sealed := append(salt, nonce...)
	return gcm.Seal(sealed, nonce, plain, nil), nil
}

// Decrypt opens data sealed by Encrypt. It fails if the data was sealed with
// a different passphrase, or was modified.
func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < saltSize {
		return nil, ErrCiphertextTooShort
	}

	salt, rest := sealed[:saltSize], sealed[saltSize:]
	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	if len(rest) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.WithContext(err, "decrypt")
	}
	return plain, nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.WithContext(err, "create block cipher")
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.WithContext(err, "create gcm")
	}
	return gcm, nil
}
