package anchoring

import (
	"time"

	"github.com/google/uuid"
)

// AnchorReceipt is the immutable proof that a fingerprint was anchored.
// ReceiptID is the ledger transaction id on the ledger backend and a
// generated "local_" id on the local backend.
type AnchorReceipt struct {
	ReceiptID          string      `json:"receipt_id"`
	Fingerprint        Fingerprint `json:"fingerprint"`
	SubjectID          string      `json:"subject_id"`
	IssuerID           string      `json:"issuer_id"`
	IssuedAt           int64       `json:"issued_at"`
	ValidatorReference string      `json:"validator_reference"`
	Backend            string      `json:"backend,omitempty"`
}

// IssuedTime returns IssuedAt as a time.Time in UTC.
func (r *AnchorReceipt) IssuedTime() time.Time {
	return time.Unix(r.IssuedAt, 0).UTC()
}

// VerificationResult is the outcome of comparing a payload with an anchored
// receipt. It is never persisted. Matched is true only when the recomputed
// fingerprint equals the anchored one and the receipt was issued under the
// expected validator.
type VerificationResult struct {
	Matched              bool           `json:"matched"`
	Receipt              *AnchorReceipt `json:"receipt"`
	RecoveredFingerprint Fingerprint    `json:"recovered_fingerprint"`
	FingerprintMatched   bool           `json:"fingerprint_matched"`
	ValidatorMatched     bool           `json:"validator_matched"`
	IssuerMatched        *bool          `json:"issuer_matched,omitempty"`
}

// Verification statuses rendered to callers.
const (
	StatusVerified   = "verified"
	StatusUnverified = "unverified"
)

// Status returns "verified" when Matched, otherwise "unverified".
func (v *VerificationResult) Status() string {
	if v != nil && v.Matched {
		return StatusVerified
	}
	return StatusUnverified
}

// StoredRecord is a receipt together with the payload a backend kept for it.
// Payload is nil on backends that only keep the fingerprint.
type StoredRecord struct {
	Receipt *AnchorReceipt
	Payload []byte
}

// IndexEntry is a row in the server-side receipt index used for listing a
// subject's anchored records.
type IndexEntry struct {
	ID                 uuid.UUID  `json:"id"`
	ReceiptID          string     `json:"receipt_id"`
	Backend            string     `json:"backend"`
	SubjectID          string     `json:"subject_id"`
	IssuerID           string     `json:"issuer_id"`
	Fingerprint        string     `json:"fingerprint"`
	ValidatorReference string     `json:"validator_reference"`
	IssuedAt           time.Time  `json:"issued_at"`
	CreatedAt          time.Time  `json:"created_at"`
	EvictedAt          *time.Time `json:"evicted_at,omitempty"`
}

// NewIndexEntry builds the index row for a freshly anchored receipt.
func NewIndexEntry(r *AnchorReceipt) *IndexEntry {
	return &IndexEntry{
		ReceiptID:          r.ReceiptID,
		Backend:            r.Backend,
		SubjectID:          r.SubjectID,
		IssuerID:           r.IssuerID,
		Fingerprint:        r.Fingerprint.String(),
		ValidatorReference: r.ValidatorReference,
		IssuedAt:           r.IssuedTime(),
	}
}
