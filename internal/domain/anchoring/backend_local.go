package anchoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/anchor/internal/platform/kvstore"
)

// Local storage layout: record_<id> holds the JSON receipt and
// recordData_<id> the (optionally sealed) payload bytes.
const (
	recordKeyPrefix     = "record_"
	recordDataKeyPrefix = "recordData_"
	localReceiptPrefix  = "local_"

	maxLocalIdentifierLen = 256
	localIDAttempts       = 3
)

func recordKey(id string) string     { return recordKeyPrefix + id }
func recordDataKey(id string) string { return recordDataKeyPrefix + id }

// LocalBackend keeps receipts and payloads in device-local durable storage.
// It never performs network calls.
type LocalBackend struct {
	store  kvstore.Store
	sealer Sealer
	newID  func() string
}

// LocalOption configures a LocalBackend.
type LocalOption func(*LocalBackend)

// WithSealer encrypts payload bytes before they are stored.
func WithSealer(s Sealer) LocalOption {
	return func(b *LocalBackend) { b.sealer = s }
}

// WithIDGenerator replaces the receipt id generator.
func WithIDGenerator(f func() string) LocalOption {
	return func(b *LocalBackend) { b.newID = f }
}

// NewLocalBackend creates a LocalBackend over store.
func NewLocalBackend(store kvstore.Store, opts ...LocalOption) *LocalBackend {
	b := &LocalBackend{
		store: store,
		newID: func() string { return localReceiptPrefix + uuid.NewString() },
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *LocalBackend) Name() string { return BackendLocal }

func (b *LocalBackend) ValidateIdentifiers(subjectID, issuerID string) error {
	if err := validateIdentifier("subject", subjectID, maxLocalIdentifierLen); err != nil {
		return err
	}
	return validateIdentifier("issuer", issuerID, maxLocalIdentifierLen)
}

// Write stores the receipt and payload under a freshly generated id. The
// pair is written atomically and only if neither key exists, so an id
// collision is retried with a new id instead of overwriting an earlier
// receipt.
func (b *LocalBackend) Write(ctx context.Context, sub *Submission) (string, error) {
	data := sub.Payload
	if b.sealer != nil {
		sealed, err := b.sealer.Seal(sub.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: seal payload: %v", ErrAnchoringUnavailable, err)
		}
		data = sealed
	}
	if data == nil {
		data = []byte{}
	}

	for attempt := 0; attempt < localIDAttempts; attempt++ {
		id := b.newID()
		rec := *sub.Receipt
		rec.ReceiptID = id
		rec.Backend = BackendLocal

		raw, err := json.Marshal(&rec)
		if err != nil {
			return "", fmt.Errorf("marshal receipt: %w", err)
		}

		err = b.store.PutIfAbsent(ctx, map[string][]byte{
			recordKey(id):     raw,
			recordDataKey(id): data,
		})
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, kvstore.ErrExists):
			continue
		default:
			return "", fmt.Errorf("%w: local store write: %v", ErrAnchoringUnavailable, err)
		}
	}
	return "", fmt.Errorf("%w: could not allocate a unique receipt id", ErrAnchoringUnavailable)
}

func (b *LocalBackend) Read(ctx context.Context, receiptID string) (*StoredRecord, error) {
	raw, err := b.store.Get(ctx, recordKey(receiptID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
		}
		return nil, fmt.Errorf("%w: local store read: %v", ErrAnchoringUnavailable, err)
	}

	var rec AnchorReceipt
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: decode receipt %s: %v", ErrRetrievalFailed, receiptID, err)
	}
	if rec.ReceiptID == "" {
		rec.ReceiptID = receiptID
	}
	if rec.ReceiptID != receiptID {
		return nil, fmt.Errorf("%w: receipt %s is stored under %s", ErrRetrievalFailed, rec.ReceiptID, receiptID)
	}
	rec.Backend = BackendLocal

	data, err := b.store.Get(ctx, recordDataKey(receiptID))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: payload missing for %s", ErrRetrievalFailed, receiptID)
		}
		return nil, fmt.Errorf("%w: local store read: %v", ErrAnchoringUnavailable, err)
	}
	if b.sealer != nil {
		data, err = b.sealer.Open(data)
		if err != nil {
			return nil, fmt.Errorf("%w: open payload %s: %v", ErrRetrievalFailed, receiptID, err)
		}
	}

	return &StoredRecord{Receipt: &rec, Payload: data}, nil
}

// Evict removes a local receipt and its payload.
func (b *LocalBackend) Evict(ctx context.Context, receiptID string) error {
	ok, err := b.store.Has(ctx, recordKey(receiptID))
	if err != nil {
		return fmt.Errorf("%w: local store read: %v", ErrAnchoringUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
	}
	if err := b.store.Delete(ctx, recordKey(receiptID), recordDataKey(receiptID)); err != nil {
		return fmt.Errorf("%w: local store delete: %v", ErrAnchoringUnavailable, err)
	}
	return nil
}

func validateIdentifier(kind, id string, max int) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: %s id is empty", ErrInvalidIdentifier, kind)
	case len(id) > max:
		return fmt.Errorf("%w: %s id exceeds %d bytes", ErrInvalidIdentifier, kind, max)
	case !utf8.ValidString(id):
		return fmt.Errorf("%w: %s id is not valid UTF-8", ErrInvalidIdentifier, kind)
	}
	return nil
}
