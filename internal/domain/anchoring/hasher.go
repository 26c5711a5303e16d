package anchoring

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// FingerprintSize is the length of a Fingerprint in bytes.
const FingerprintSize = sha256.Size

// Fingerprint is the SHA-256 digest of a record payload.
type Fingerprint [FingerprintSize]byte

// Hash returns the fingerprint of payload. The payload is treated as opaque
// bytes: two payloads that are semantically equal but serialized differently
// (for example JSON with a different key order) hash differently, so callers
// must serialize records the same way every time they anchor or verify.
// An empty payload is valid.
func Hash(payload []byte) Fingerprint {
	return Fingerprint(sha256.Sum256(payload))
}

// ParseFingerprint decodes a 64 character hex fingerprint. A leading "0x"
// is accepted and upper-case hex digits are tolerated.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 2*FingerprintSize {
		return fp, fmt.Errorf("fingerprint must be %d hex characters, got %d", 2*FingerprintSize, len(s))
	}
	if _, err := hex.Decode(fp[:], []byte(s)); err != nil {
		return fp, fmt.Errorf("fingerprint is not valid hex: %w", err)
	}
	return fp, nil
}

// String returns the lowercase hex rendering.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(b []byte) error {
	fp, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = fp
	return nil
}
