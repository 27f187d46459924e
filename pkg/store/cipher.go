package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Cipher encrypts values before they reach disk.
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// NoEncrypt stores values as is.
type NoEncrypt struct{}

func (NoEncrypt) Encrypt(plain []byte) ([]byte, error) { return plain, nil }
func (NoEncrypt) Decrypt(sealed []byte) ([]byte, error) { return sealed, nil }

var errShortCiphertext = errors.New("ciphertext shorter than nonce")

// AESGCM seals values with AES-GCM. The random nonce is prepended.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates a cipher from a 16, 24 or 32 byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

// CipherFromHexKey returns NoEncrypt for an empty key and AESGCM otherwise.
func CipherFromHexKey(key string) (Cipher, error) {
	if key == "" {
		return NoEncrypt{}, nil
	}
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return NewAESGCM(raw)
}

func (c *AESGCM) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *AESGCM) Decrypt(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, errShortCiphertext
	}
	return c.aead.Open(nil, sealed[:n], sealed[n:], nil)
}
