package anchoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Service is the entry point the HTTP handler and CLI use. It pairs the
// single-backend Anchorer with the multi-backend Verifier and keeps the
// receipt index current.
type Service struct {
	anchorer *Anchorer
	verifier *Verifier
	index    ReceiptIndex
	identity IdentityProvider
	logger   zerolog.Logger
	now      func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceIndex sets the receipt index used for listings. The default is
// an in-memory index.
func WithServiceIndex(idx ReceiptIndex) ServiceOption {
	return func(s *Service) { s.index = idx }
}

// WithIdentityProvider sets the signing identity used for ledger anchoring
// and as the default issuer.
func WithIdentityProvider(p IdentityProvider) ServiceOption {
	return func(s *Service) { s.identity = p }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service. The anchorer should have been built with
// the same index so anchored receipts appear in listings.
func NewService(anchorer *Anchorer, verifier *Verifier, opts ...ServiceOption) *Service {
	s := &Service{
		anchorer: anchorer,
		verifier: verifier,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.index == nil {
		s.index = NewMemoryReceiptIndex()
	}
	return s
}

// BackendName returns the backend new receipts are written to.
func (s *Service) BackendName() string { return s.anchorer.Backend().Name() }

// ValidatorReference returns the scheme id receipts are issued under.
func (s *Service) ValidatorReference() string { return s.anchorer.ValidatorReference() }

// DefaultIssuer returns the key hash of the current signing identity, or
// fallback when there is no identity provider.
func (s *Service) DefaultIssuer(ctx context.Context, fallback string) (string, error) {
	if s.identity == nil {
		return fallback, nil
	}
	id, err := s.identity.Current(ctx)
	if err != nil {
		return "", classify("resolve signing identity", err)
	}
	return id.KeyHash, nil
}

// Anchor fingerprints payload and anchors it for subjectID.
func (s *Service) Anchor(ctx context.Context, subjectID, issuerID string, payload []byte) (*AnchorReceipt, error) {
	return s.anchorer.Anchor(ctx, AnchorRequest{
		Payload:   payload,
		SubjectID: subjectID,
		IssuerID:  issuerID,
		Identity:  s.identity,
	})
}

// Verify checks payload against the receipt. When expectedIssuer is set the
// receipt must also have been issued by it.
func (s *Service) Verify(ctx context.Context, receiptID string, payload []byte, expectedIssuer string) (*VerificationResult, error) {
	var opts []VerifyOption
	if expectedIssuer != "" {
		opts = append(opts, WithExpectedIssuer(expectedIssuer))
	}
	return s.verifier.Verify(ctx, receiptID, payload, opts...)
}

// Resolve returns a receipt and any stored payload.
func (s *Service) Resolve(ctx context.Context, receiptID string) (*StoredRecord, error) {
	return s.verifier.Resolve(ctx, receiptID)
}

// Evict removes a receipt from every backend that keeps removable copies.
// Ledger receipts are permanent and report ErrReceiptNotFound here.
func (s *Service) Evict(ctx context.Context, receiptID string) error {
	evicted := false
	for _, b := range s.verifier.Backends() {
		ev, ok := b.(Evictor)
		if !ok {
			continue
		}
		err := ev.Evict(ctx, receiptID)
		if errors.Is(err, ErrReceiptNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		evicted = true
	}
	if !evicted {
		return fmt.Errorf("%w: %s has no evictable copy", ErrReceiptNotFound, receiptID)
	}

	if err := s.index.MarkEvicted(ctx, receiptID, s.now().UTC()); err != nil && !errors.Is(err, ErrIndexEntryNotFound) {
		s.logger.Warn().Err(err).Str("receipt_id", receiptID).Msg("receipt index eviction mark failed")
	}
	s.logger.Info().Str("receipt_id", receiptID).Msg("local receipt evicted")
	return nil
}

// ListBySubject returns a page of indexed receipts for subjectID, newest
// first, and the total count.
func (s *Service) ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]*IndexEntry, int, error) {
	return s.index.ListBySubject(ctx, subjectID, limit, offset)
}

// HandoffCode resolves a receipt and returns its scannable handoff code.
func (s *Service) HandoffCode(ctx context.Context, receiptID string) (string, *AnchorReceipt, error) {
	stored, err := s.Resolve(ctx, receiptID)
	if err != nil {
		return "", nil, err
	}
	code, err := NewHandoff(stored.Receipt).Encode()
	if err != nil {
		return "", nil, err
	}
	return code, stored.Receipt, nil
}

// Identities lists the signing identities available for ledger anchoring.
func (s *Service) Identities(ctx context.Context) ([]Identity, error) {
	if s.identity == nil {
		return []Identity{}, nil
	}
	ids, err := s.identity.Identities(ctx)
	if err != nil {
		return nil, classify("list identities", err)
	}
	return ids, nil
}
