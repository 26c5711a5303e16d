package anchoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type options struct {
	index    ReceiptIndex
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
	timeout  time.Duration
}

// Option configures an Anchorer or a Verifier.
type Option func(*options)

// WithIndex records every anchored receipt in the server-side index. A
// Verifier uses it to report ledger receipts that are accepted but not yet
// readable as pending rather than unknown.
func WithIndex(idx ReceiptIndex) Option {
	return func(o *options) { o.index = idx }
}

// WithObserver reports outcomes to a metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithTimeout bounds each backend call: the submission for an Anchorer and
// each backend lookup for a Verifier. Zero means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

func buildOptions(opts []Option) options {
	o := options{
		observer: nopObserver{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// AnchorRequest is the input to Anchor. Identity is required by the ledger
// backend and ignored by the local backend.
type AnchorRequest struct {
	Payload   []byte
	SubjectID string
	IssuerID  string
	Identity  IdentityProvider
}

// Anchorer fingerprints payloads and anchors receipts on a single backend
// chosen at construction.
type Anchorer struct {
	backend   Backend
	validator string
	opts      options
}

// NewAnchorer creates an Anchorer that writes to backend and stamps receipts
// with validatorRef.
func NewAnchorer(backend Backend, validatorRef string, opts ...Option) *Anchorer {
	return &Anchorer{backend: backend, validator: validatorRef, opts: buildOptions(opts)}
}

// Backend returns the backend receipts are written to.
func (a *Anchorer) Backend() Backend { return a.backend }

// ValidatorReference returns the scheme id stamped on receipts.
func (a *Anchorer) ValidatorReference() string { return a.validator }

// Anchor fingerprints the payload and writes a receipt. There is no retry
// and no fallback to another backend; a failed or timed out submission
// returns an error and the caller decides whether to try again.
func (a *Anchorer) Anchor(ctx context.Context, req AnchorRequest) (*AnchorReceipt, error) {
	start := time.Now()
	rec, err := a.anchor(ctx, req)
	a.opts.observer.ObserveAnchor(a.backend.Name(), outcome(err), time.Since(start))

	if err != nil {
		a.opts.logger.Warn().Err(err).
			Str("backend", a.backend.Name()).
			Str("subject_id", req.SubjectID).
			Msg("anchor failed")
		return nil, err
	}

	a.opts.logger.Info().
		Str("receipt_id", rec.ReceiptID).
		Str("backend", rec.Backend).
		Str("subject_id", rec.SubjectID).
		Str("fingerprint", rec.Fingerprint.String()).
		Msg("record anchored")
	return rec, nil
}

func (a *Anchorer) anchor(ctx context.Context, req AnchorRequest) (*AnchorReceipt, error) {
	if err := a.backend.ValidateIdentifiers(req.SubjectID, req.IssuerID); err != nil {
		return nil, err
	}

	rec := &AnchorReceipt{
		Fingerprint:        Hash(req.Payload),
		SubjectID:          req.SubjectID,
		IssuerID:           req.IssuerID,
		IssuedAt:           a.opts.now().Unix(),
		ValidatorReference: a.validator,
		Backend:            a.backend.Name(),
	}

	wctx := ctx
	if a.opts.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, a.opts.timeout)
		defer cancel()
	}

	id, err := a.backend.Write(wctx, &Submission{Receipt: rec, Payload: req.Payload, Identity: req.Identity})
	if err != nil {
		if ctx.Err() == nil && errors.Is(wctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrAnchoringUnavailable) {
			return nil, fmt.Errorf("%w: submission timed out after %s", ErrAnchoringUnavailable, a.opts.timeout)
		}
		return nil, err
	}
	rec.ReceiptID = id

	if a.opts.index != nil {
		if err := a.opts.index.Record(ctx, NewIndexEntry(rec)); err != nil {
			a.opts.logger.Warn().Err(err).Str("receipt_id", id).Msg("receipt index write failed")
		}
	}
	return rec, nil
}
