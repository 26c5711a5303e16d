package hipaa

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// sealedMagic prefixes every sealed value so Open can tell sealed data from
// payloads written while encryption was disabled.
var sealedMagic = []byte("phi1:")

// ErrCiphertextTooShort is returned when sealed data is shorter than its nonce.
var ErrCiphertextTooShort = errors.New("phi decrypt: ciphertext too short")

// PayloadEncryptor provides AES-256-GCM encryption of record payloads at rest.
type PayloadEncryptor struct {
	aead cipher.AEAD
}

// NewPayloadEncryptor creates a PayloadEncryptor with the given 32-byte AES-256 key.
func NewPayloadEncryptor(key []byte) (*PayloadEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("payload encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("payload encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("payload encryptor: create GCM: %w", err)
	}

	return &PayloadEncryptor{aead: aead}, nil
}

// EncryptBytes returns magic + nonce + ciphertext.
func (e *PayloadEncryptor) EncryptBytes(data []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}

	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(data)+e.aead.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return e.aead.Seal(out, nonce, data, nil), nil
}

// DecryptBytes reverses EncryptBytes.
func (e *PayloadEncryptor) DecryptBytes(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return nil, fmt.Errorf("phi decrypt: missing sealed header")
	}
	data = data[len(sealedMagic):]

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %w", err)
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

// IsSealed reports whether data carries the sealed header.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}
