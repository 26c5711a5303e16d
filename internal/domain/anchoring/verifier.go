package anchoring

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Verifier checks payloads against anchored receipts. Backends are consulted
// in order; the ledger backend goes first so that a receipt anchored locally
// is still found after the ledger reports it unknown.
type Verifier struct {
	backends  []Backend
	validator string
	opts      options
}

// NewVerifier creates a Verifier that expects receipts issued under
// validatorRef.
func NewVerifier(validatorRef string, backends []Backend, opts ...Option) *Verifier {
	return &Verifier{backends: backends, validator: validatorRef, opts: buildOptions(opts)}
}

// ValidatorReference returns the expected scheme id.
func (v *Verifier) ValidatorReference() string { return v.validator }

// Backends returns the backends consulted, in order.
func (v *Verifier) Backends() []Backend { return v.backends }

type verifyParams struct {
	issuer   string
	identity IdentityProvider
}

// VerifyOption adds an optional check to Verify.
type VerifyOption func(*verifyParams)

// WithExpectedIssuer additionally requires the receipt's issuer to equal
// issuerID.
func WithExpectedIssuer(issuerID string) VerifyOption {
	return func(p *verifyParams) { p.issuer = issuerID }
}

// WithIssuerIdentity additionally requires the receipt to have been issued by
// the current identity of p.
func WithIssuerIdentity(p IdentityProvider) VerifyOption {
	return func(vp *verifyParams) { vp.identity = p }
}

// Resolve retrieves a receipt and any payload stored with it. A backend that
// does not know the id, times out, or cannot be reached is skipped in favour
// of the next one. Malformed data stops the search with ErrRetrievalFailed.
// When every backend missed, the result is ErrReceiptNotFound if all of them
// answered and ErrAnchoringUnavailable otherwise.
func (v *Verifier) Resolve(ctx context.Context, receiptID string) (*StoredRecord, error) {
	receiptID = strings.TrimSpace(receiptID)
	if receiptID == "" {
		return nil, fmt.Errorf("%w: empty receipt id", ErrReceiptNotFound)
	}

	var unreachable error
	for _, b := range v.backends {
		rec, err := v.read(ctx, b, receiptID)
		if err == nil {
			return rec, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrAnchoringUnavailable, ctx.Err())
		}
		switch {
		case errors.Is(err, ErrReceiptNotFound):
			v.opts.logger.Debug().Str("backend", b.Name()).Str("receipt_id", receiptID).Msg("receipt not on backend")
		case errors.Is(err, ErrAnchoringUnavailable):
			v.opts.logger.Warn().Err(err).Str("backend", b.Name()).Str("receipt_id", receiptID).Msg("backend unavailable during lookup")
			unreachable = err
		default:
			return nil, err
		}
	}
	if unreachable != nil {
		return nil, fmt.Errorf("receipt %s not found on any reachable backend: %w", receiptID, unreachable)
	}
	if v.issuedOnLedger(ctx, receiptID) {
		return nil, fmt.Errorf("%w: ledger receipt %s is pending confirmation", ErrAnchoringUnavailable, receiptID)
	}
	return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
}

// issuedOnLedger reports whether the index holds a ledger receipt for
// receiptID, meaning it was accepted by the ledger but is not yet readable.
func (v *Verifier) issuedOnLedger(ctx context.Context, receiptID string) bool {
	if v.opts.index == nil {
		return false
	}
	e, err := v.opts.index.GetByReceiptID(ctx, receiptID)
	if err != nil {
		if !errors.Is(err, ErrIndexEntryNotFound) {
			v.opts.logger.Warn().Err(err).Str("receipt_id", receiptID).Msg("receipt index lookup failed")
		}
		return false
	}
	return e.Backend == BackendLedger && e.EvictedAt == nil
}

func (v *Verifier) read(ctx context.Context, b Backend, receiptID string) (*StoredRecord, error) {
	rctx := ctx
	if v.opts.timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, v.opts.timeout)
		defer cancel()
	}
	rec, err := b.Read(rctx, receiptID)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s lookup timed out after %s", ErrAnchoringUnavailable, b.Name(), v.opts.timeout)
	}
	return rec, err
}

// Verify recomputes the payload fingerprint and compares it with the
// anchored receipt. Matched is true only when the fingerprints are equal and
// the receipt was issued under the expected validator (and, if requested,
// by the expected issuer). Any error means the payload is unverified.
func (v *Verifier) Verify(ctx context.Context, receiptID string, payload []byte, opts ...VerifyOption) (*VerificationResult, error) {
	start := time.Now()
	res, backend, err := v.verify(ctx, receiptID, payload, opts)

	out := outcome(err)
	if err == nil {
		out = res.Status()
	}
	v.opts.observer.ObserveVerify(backend, out, time.Since(start))

	if err != nil {
		v.opts.logger.Warn().Err(err).Str("receipt_id", receiptID).Msg("verification failed")
		return nil, err
	}
	v.opts.logger.Info().
		Str("receipt_id", res.Receipt.ReceiptID).
		Str("backend", backend).
		Str("status", res.Status()).
		Bool("fingerprint_matched", res.FingerprintMatched).
		Bool("validator_matched", res.ValidatorMatched).
		Msg("record verified")
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, receiptID string, payload []byte, opts []VerifyOption) (*VerificationResult, string, error) {
	var p verifyParams
	for _, o := range opts {
		o(&p)
	}
	if p.identity != nil {
		id, err := p.identity.Current(ctx)
		if err != nil {
			return nil, "", classify("resolve issuer identity", err)
		}
		p.issuer = id.KeyHash
	}

	stored, err := v.Resolve(ctx, receiptID)
	if err != nil {
		return nil, "", err
	}

	fp := Hash(payload)
	anchored := stored.Receipt.Fingerprint
	res := &VerificationResult{
		Receipt:              stored.Receipt,
		RecoveredFingerprint: fp,
		FingerprintMatched:   subtle.ConstantTimeCompare(fp[:], anchored[:]) == 1,
		ValidatorMatched:     stored.Receipt.ValidatorReference == v.validator,
	}
	res.Matched = res.FingerprintMatched && res.ValidatorMatched
	if p.issuer != "" {
		ok := stored.Receipt.IssuerID == p.issuer
		res.IssuerMatched = &ok
		res.Matched = res.Matched && ok
	}
	return res, stored.Receipt.Backend, nil
}
