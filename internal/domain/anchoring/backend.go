package anchoring

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Backend names.
const (
	BackendLedger = "ledger"
	BackendLocal  = "local"
)

// Backend is a place receipts can be written to and read back from. The
// anchorer is constructed with exactly one Backend; the verifier may consult
// several in order.
type Backend interface {
	Name() string
	// ValidateIdentifiers rejects subject or issuer ids this backend cannot
	// record, with ErrInvalidIdentifier.
	ValidateIdentifiers(subjectID, issuerID string) error
	// Write persists the submission and returns the receipt id it was
	// accepted under.
	Write(ctx context.Context, sub *Submission) (string, error)
	// Read returns the stored receipt, ErrReceiptNotFound when the id is
	// unknown, ErrRetrievalFailed when the stored data is malformed and
	// ErrAnchoringUnavailable when the backend cannot be reached.
	Read(ctx context.Context, receiptID string) (*StoredRecord, error)
}

// Evictor is implemented by backends whose copies may be removed.
type Evictor interface {
	Evict(ctx context.Context, receiptID string) error
}

// Submission is what the anchorer hands to a backend.
type Submission struct {
	Receipt  *AnchorReceipt
	Payload  []byte
	Identity IdentityProvider
}

// Identity is a signing identity exposed by an IdentityProvider. KeyHash is
// the stable reference recorded as the issuer on ledger receipts.
type Identity struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	KeyHash string `json:"key_hash"`
}

// SigningRequest asks an identity provider to authorize a ledger submission
// carrying Metadata under Label.
type SigningRequest struct {
	Label    uint64
	Metadata map[string]any
}

// SignedSubmission is a transaction authorized by an identity provider.
type SignedSubmission struct {
	TxID string
	Tx   []byte
}

// IdentityProvider enumerates signing identities and authorizes ledger
// submissions. Authorize returns ErrSigningRejected when the holder declines.
type IdentityProvider interface {
	Identities(ctx context.Context) ([]Identity, error)
	Current(ctx context.Context) (Identity, error)
	Authorize(ctx context.Context, req SigningRequest) (*SignedSubmission, error)
}

// Ledger submits signed transactions and queries transaction metadata.
// Metadata returns ErrReceiptNotFound when the transaction or label is
// unknown and ErrAnchoringUnavailable when the ledger cannot be reached.
// Pending reports whether txID was accepted but is not yet in a block; its
// metadata is not queryable until then.
type Ledger interface {
	Submit(ctx context.Context, signedTx []byte) (string, error)
	Metadata(ctx context.Context, txID string, label uint64) (json.RawMessage, error)
	Pending(ctx context.Context, txID string) (bool, error)
}

// ReceiptCache caches confirmed ledger receipts by id. Receipts are
// immutable so entries are never invalidated.
type ReceiptCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Observer receives anchor and verify outcomes for metrics.
type Observer interface {
	ObserveAnchor(backend, outcome string, d time.Duration)
	ObserveVerify(backend, outcome string, d time.Duration)
}

// Sealer encrypts payload bytes at rest.
type Sealer interface {
	Seal(payload []byte) ([]byte, error)
	Open(data []byte) ([]byte, error)
}

type nopObserver struct{}

func (nopObserver) ObserveAnchor(string, string, time.Duration) {}
func (nopObserver) ObserveVerify(string, string, time.Duration) {}

// outcome renders an error as a short metrics label.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidIdentifier):
		return "invalid_identifier"
	case errors.Is(err, ErrSigningRejected):
		return "signing_rejected"
	case errors.Is(err, ErrAnchoringUnavailable):
		return "unavailable"
	case errors.Is(err, ErrReceiptNotFound):
		return "not_found"
	case errors.Is(err, ErrRetrievalFailed):
		return "retrieval_failed"
	default:
		return "error"
	}
}
