// Package crypto provides the content-confidentiality capability for
// message bodies. The engine treats ciphers as opaque: encrypt before
// transmit, decrypt before store.
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

	"golang.org/x/crypto/hkdf"
)

const aes256KeySize = 32

// Cipher transforms message content between plaintext and the base64
// wire form.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// AESCipher seals content with AES-256-GCM. The wire form is
// base64(nonce || ciphertext).
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher derives a 256-bit key from the shared secret with HKDF
// and returns a ready cipher. The salt binds derived keys to this
// application so the same secret used elsewhere yields different keys.
func NewAESCipher(secret []byte) (*AESCipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	key := make([]byte, aes256KeySize)
	kdf := hkdf.New(sha256.New, secret, []byte("chatsync-content-v1"), nil)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return string(plaintext), nil
}

// XORCipher is the legacy scheme older peers still speak: base64 over a
// repeating-key XOR. It provides obfuscation, not confidentiality, and
// exists only for wire compatibility.
type XORCipher struct {
	key []byte
}

// NewXORCipher returns a legacy cipher with the given shared key.
func NewXORCipher(key string) (*XORCipher, error) {
	if key == "" {
		return nil, errors.New("key is required")
	}
	return &XORCipher{key: []byte(key)}, nil
}

func (c *XORCipher) apply(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}

func (c *XORCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString(c.apply([]byte(plaintext))), nil
}

// Decrypt reverses Encrypt. Input that is not valid base64 is passed
// through unchanged; older peers sometimes send plaintext frames.
func (c *XORCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return ciphertext, nil
	}
	return string(c.apply(raw)), nil
}
