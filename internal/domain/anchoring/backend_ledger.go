package anchoring

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// MetadataLabel is the transaction metadata label receipts are written
// under (CIP-20 message label).
const MetadataLabel uint64 = 674

// Receipt metadata keys.
const (
	mdValidator = "anchor_validator"
	mdIssuer    = "issuer_id"
	mdSubject   = "patient_id"
	mdHash      = "record_hash"
	mdIssuedAt  = "issued_at"
)

const (
	// Cardano metadata strings are limited to 64 bytes.
	maxLedgerSubjectLen = 64
	issuerKeyHashHexLen = 56
	txIDSize            = 32
	receiptCachePrefix  = "receipt:"
)

func isHex(s string) bool {
	_, err := hex.DecodeString(s)
	return err == nil
}

// LedgerBackend anchors receipts as transaction metadata. The accepted
// transaction id is the receipt id.
type LedgerBackend struct {
	ledger Ledger
	cache  ReceiptCache
	logger zerolog.Logger
}

// LedgerOption configures a LedgerBackend.
type LedgerOption func(*LedgerBackend)

// WithReceiptCache caches receipts read from the ledger.
func WithReceiptCache(c ReceiptCache) LedgerOption {
	return func(b *LedgerBackend) { b.cache = c }
}

// WithLedgerLogger sets the logger used for cache failures.
func WithLedgerLogger(l zerolog.Logger) LedgerOption {
	return func(b *LedgerBackend) { b.logger = l }
}

// NewLedgerBackend creates a LedgerBackend that submits through ledger.
func NewLedgerBackend(ledger Ledger, opts ...LedgerOption) *LedgerBackend {
	b := &LedgerBackend{ledger: ledger, logger: zerolog.Nop()}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *LedgerBackend) Name() string { return BackendLedger }

func (b *LedgerBackend) ValidateIdentifiers(subjectID, issuerID string) error {
	if err := validateIdentifier("subject", subjectID, maxLedgerSubjectLen); err != nil {
		return err
	}
	if len(issuerID) != issuerKeyHashHexLen {
		return fmt.Errorf("%w: issuer id must be a %d character key hash", ErrInvalidIdentifier, issuerKeyHashHexLen)
	}
	if _, err := hex.DecodeString(issuerID); err != nil || strings.ToLower(issuerID) != issuerID {
		return fmt.Errorf("%w: issuer id must be lowercase hex", ErrInvalidIdentifier)
	}
	return nil
}

// Write asks the submission's identity provider to authorize a transaction
// carrying the receipt metadata and submits it. The issuer must be the key
// hash of the identity that signs.
func (b *LedgerBackend) Write(ctx context.Context, sub *Submission) (string, error) {
	if sub.Identity == nil {
		return "", fmt.Errorf("%w: no signing identity", ErrAnchoringUnavailable)
	}

	current, err := sub.Identity.Current(ctx)
	if err != nil {
		return "", classify("resolve signing identity", err)
	}
	if current.KeyHash != sub.Receipt.IssuerID {
		return "", fmt.Errorf("%w: issuer %s is not the signing identity", ErrInvalidIdentifier, sub.Receipt.IssuerID)
	}

	signed, err := sub.Identity.Authorize(ctx, SigningRequest{
		Label:    MetadataLabel,
		Metadata: receiptMetadata(sub.Receipt),
	})
	if err != nil {
		return "", classify("authorize submission", err)
	}

	txID, err := b.ledger.Submit(ctx, signed.Tx)
	if err != nil {
		return "", classify("submit transaction", err)
	}
	if txID == "" {
		txID = signed.TxID
	}
	return strings.ToLower(txID), nil
}

func (b *LedgerBackend) Read(ctx context.Context, receiptID string) (*StoredRecord, error) {
	receiptID = strings.ToLower(receiptID)
	// transaction ids are 32-byte hashes; anything else, such as a local
	// receipt id, cannot be on the ledger
	if len(receiptID) != 2*txIDSize || !isHex(receiptID) {
		return nil, fmt.Errorf("%w: %s is not a transaction id", ErrReceiptNotFound, receiptID)
	}

	if rec := b.cached(ctx, receiptID); rec != nil {
		return &StoredRecord{Receipt: rec}, nil
	}

	raw, err := b.ledger.Metadata(ctx, receiptID, MetadataLabel)
	if errors.Is(err, ErrReceiptNotFound) {
		// unconfirmed transactions have no queryable metadata yet
		pending, perr := b.ledger.Pending(ctx, receiptID)
		if perr != nil {
			return nil, classify("query transaction status", perr)
		}
		if pending {
			return nil, fmt.Errorf("%w: transaction %s is pending confirmation", ErrAnchoringUnavailable, receiptID)
		}
	}
	if err != nil {
		return nil, classify("query metadata", err)
	}

	rec, err := parseReceiptMetadata(receiptID, raw)
	if err != nil {
		return nil, err
	}

	if b.cache != nil {
		if data, err := json.Marshal(rec); err == nil {
			if err := b.cache.Set(ctx, receiptCachePrefix+receiptID, data); err != nil {
				b.logger.Warn().Err(err).Str("receipt_id", receiptID).Msg("receipt cache write failed")
			}
		}
	}
	return &StoredRecord{Receipt: rec}, nil
}

func (b *LedgerBackend) cached(ctx context.Context, receiptID string) *AnchorReceipt {
	if b.cache == nil {
		return nil
	}
	data, ok, err := b.cache.Get(ctx, receiptCachePrefix+receiptID)
	if err != nil {
		b.logger.Warn().Err(err).Str("receipt_id", receiptID).Msg("receipt cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	var rec AnchorReceipt
	if err := json.Unmarshal(data, &rec); err != nil || rec.ReceiptID != receiptID {
		return nil
	}
	return &rec
}

func receiptMetadata(r *AnchorReceipt) map[string]any {
	return map[string]any{
		mdValidator: r.ValidatorReference,
		mdIssuer:    r.IssuerID,
		mdSubject:   r.SubjectID,
		mdHash:      r.Fingerprint.String(),
		mdIssuedAt:  r.IssuedAt,
	}
}

// parseReceiptMetadata decodes the label's JSON metadata. Some writers store
// the object as a JSON-encoded string, so both forms are accepted.
func parseReceiptMetadata(receiptID string, raw json.RawMessage) (*AnchorReceipt, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, fmt.Errorf("%w: metadata for %s: %v", ErrRetrievalFailed, receiptID, err)
		}
		raw = json.RawMessage(inner)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: metadata for %s is not an object: %v", ErrRetrievalFailed, receiptID, err)
	}

	str := func(key string) (string, error) {
		v, ok := fields[key]
		if !ok {
			return "", fmt.Errorf("%w: metadata for %s is missing %s", ErrRetrievalFailed, receiptID, key)
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil || s == "" {
			return "", fmt.Errorf("%w: metadata for %s has invalid %s", ErrRetrievalFailed, receiptID, key)
		}
		return s, nil
	}

	rec := &AnchorReceipt{ReceiptID: receiptID, Backend: BackendLedger}
	var err error
	if rec.ValidatorReference, err = str(mdValidator); err != nil {
		return nil, err
	}
	if rec.SubjectID, err = str(mdSubject); err != nil {
		return nil, err
	}
	if rec.IssuerID, err = str(mdIssuer); err != nil {
		return nil, err
	}
	hash, err := str(mdHash)
	if err != nil {
		return nil, err
	}
	if rec.Fingerprint, err = ParseFingerprint(hash); err != nil {
		return nil, fmt.Errorf("%w: metadata for %s: %v", ErrRetrievalFailed, receiptID, err)
	}
	if v, ok := fields[mdIssuedAt]; ok {
		if rec.IssuedAt, err = parseUnix(v); err != nil {
			return nil, fmt.Errorf("%w: metadata for %s has invalid %s", ErrRetrievalFailed, receiptID, mdIssuedAt)
		}
	}
	return rec, nil
}

func parseUnix(v json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.Int64()
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 10, 64)
}

// classify keeps anchoring sentinels and maps every other failure, including
// deadlines, to ErrAnchoringUnavailable.
func classify(op string, err error) error {
	for _, sentinel := range []error{
		ErrSigningRejected, ErrInvalidIdentifier, ErrReceiptNotFound,
		ErrRetrievalFailed, ErrAnchoringUnavailable,
	} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrAnchoringUnavailable, op, err)
}
