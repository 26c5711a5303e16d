package hipaa

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"
)

// EncryptionService seals record payloads before they reach device-local
// storage. It wraps a PayloadEncryptor and adds a disabled mode for
// development environments where no encryption key is configured.
type EncryptionService struct {
	encryptor *PayloadEncryptor
	enabled   bool
}

// NewEncryptionService creates a new encryption service.
//
// If key is empty, encryption is disabled (development mode) and a warning is
// logged. Seal returns the payload as-is.
//
// If key is non-empty, it must be a valid 64-character hex string encoding a
// 32-byte AES-256 key. An invalid key is an error so the application
// refuses to start with a misconfigured key.
func NewEncryptionService(key string, logger zerolog.Logger) (*EncryptionService, error) {
	if key == "" {
		logger.Warn().Msg("payload encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return &EncryptionService{}, nil
	}

	keyBytes, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
	}

	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	enc, err := NewPayloadEncryptor(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("create payload encryptor: %w", err)
	}

	logger.Info().Msg("payload encryption at rest enabled")
	return &EncryptionService{
		encryptor: enc,
		enabled:   true,
	}, nil
}

// Seal encrypts payload. Returns the payload unchanged if encryption is
// disabled.
func (s *EncryptionService) Seal(payload []byte) ([]byte, error) {
	if !s.enabled {
		return payload, nil
	}
	return s.encryptor.EncryptBytes(payload)
}

// Open decrypts data produced by Seal. Data without the sealed header was
// written while encryption was disabled and is returned unchanged. Sealed
// data with encryption disabled is an error.
func (s *EncryptionService) Open(data []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}
	if !s.enabled {
		return nil, fmt.Errorf("phi decrypt: payload is sealed but HIPAA_ENCRYPTION_KEY is not set")
	}
	return s.encryptor.DecryptBytes(data)
}

// IsEnabled returns true if encryption is active.
func (s *EncryptionService) IsEnabled() bool {
	return s.enabled
}
