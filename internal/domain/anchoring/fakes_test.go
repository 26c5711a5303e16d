package anchoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	testValidator = "5f1c2bd1a3e6a7b0c9d8e7f6a5b4c3d2e1f0a9b8c7d6e5f4a3b2c1d0"
	testKeyHash   = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c"
)

// fakeIdentity signs by serializing the metadata as JSON; the tx id is the
// SHA-256 of that encoding.
type fakeIdentity struct {
	mu         sync.Mutex
	keyHash    string
	decline    bool
	err        error
	authorized []SigningRequest
}

func newFakeIdentity() *fakeIdentity { return &fakeIdentity{keyHash: testKeyHash} }

func (f *fakeIdentity) Identities(ctx context.Context) ([]Identity, error) {
	id, err := f.Current(ctx)
	if err != nil {
		return nil, err
	}
	return []Identity{id}, nil
}

func (f *fakeIdentity) Current(context.Context) (Identity, error) {
	if f.err != nil {
		return Identity{}, f.err
	}
	return Identity{Name: "test wallet", Address: "addr_test1fake", KeyHash: f.keyHash}, nil
}

func (f *fakeIdentity) Authorize(_ context.Context, req SigningRequest) (*SignedSubmission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.decline {
		return nil, fmt.Errorf("%w: user declined", ErrSigningRejected)
	}
	f.authorized = append(f.authorized, req)
	tx, err := json.Marshal(req.Metadata)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(tx)
	return &SignedSubmission{TxID: hex.EncodeToString(sum[:]), Tx: tx}, nil
}

// fakeLedger stores submitted metadata keyed by tx id.
type fakeLedger struct {
	mu            sync.Mutex
	metadata      map[string]json.RawMessage
	submitErr     error
	metadataErr   error
	submitCalls   int
	metadataCalls int
	blockSubmit   bool
	// unconfirmed holds submitted txs whose metadata is not queryable yet
	unconfirmed map[string]bool
	pendingErr  error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{metadata: make(map[string]json.RawMessage), unconfirmed: make(map[string]bool)}
}

// holdConfirmation keeps later submissions out of Metadata until confirm.
func (l *fakeLedger) holdConfirmation() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unconfirmed[""] = true
}

func (l *fakeLedger) confirm(txID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.unconfirmed, txID)
}

func (l *fakeLedger) Submit(ctx context.Context, tx []byte) (string, error) {
	l.mu.Lock()
	l.submitCalls++
	block, err := l.blockSubmit, l.submitErr
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(tx)
	id := hex.EncodeToString(sum[:])

	l.mu.Lock()
	l.metadata[id] = json.RawMessage(tx)
	if l.unconfirmed[""] {
		l.unconfirmed[id] = true
	}
	l.mu.Unlock()
	return id, nil
}

func (l *fakeLedger) Pending(_ context.Context, txID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pendingErr != nil {
		return false, l.pendingErr
	}
	return l.unconfirmed[strings.ToLower(txID)], nil
}

func (l *fakeLedger) Metadata(_ context.Context, txID string, _ uint64) (json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metadataCalls++
	if l.metadataErr != nil {
		return nil, l.metadataErr
	}
	raw, ok := l.metadata[strings.ToLower(txID)]
	if !ok || l.unconfirmed[strings.ToLower(txID)] {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, txID)
	}
	return raw, nil
}

type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newFakeCache() *fakeCache { return &fakeCache{data: make(map[string][]byte)} }

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, false, c.err
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[key] = value
	return nil
}

// fakeBackend is a scripted Backend for verifier and anchorer tests.
type fakeBackend struct {
	mu       sync.Mutex
	name     string
	records  map[string]*StoredRecord
	readErr  error
	writeErr error
	delay    time.Duration
	reads    int
	writes   int
	nextID   string
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, records: make(map[string]*StoredRecord)}
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) ValidateIdentifiers(subjectID, issuerID string) error {
	if err := validateIdentifier("subject", subjectID, 64); err != nil {
		return err
	}
	return validateIdentifier("issuer", issuerID, 64)
}

func (b *fakeBackend) wait(ctx context.Context) error {
	if b.delay == 0 {
		return nil
	}
	select {
	case <-time.After(b.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *fakeBackend) Write(ctx context.Context, sub *Submission) (string, error) {
	b.mu.Lock()
	b.writes++
	n := b.writes
	b.mu.Unlock()
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	if b.writeErr != nil {
		return "", b.writeErr
	}
	id := b.nextID
	if id == "" {
		id = fmt.Sprintf("%s_%d", b.name, n)
	}
	rec := *sub.Receipt
	rec.ReceiptID = id
	b.put(&rec, sub.Payload)
	return id, nil
}

func (b *fakeBackend) put(rec *AnchorReceipt, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.ReceiptID] = &StoredRecord{Receipt: rec, Payload: payload}
}

func (b *fakeBackend) Read(ctx context.Context, receiptID string) (*StoredRecord, error) {
	b.mu.Lock()
	b.reads++
	b.mu.Unlock()
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.readErr != nil {
		return nil, b.readErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[receiptID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, receiptID)
	}
	return rec, nil
}

type observation struct {
	backend, outcome string
}

type recordingObserver struct {
	mu       sync.Mutex
	anchors  []observation
	verifies []observation
}

func (o *recordingObserver) ObserveAnchor(backend, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.anchors = append(o.anchors, observation{backend, outcome})
}

func (o *recordingObserver) ObserveVerify(backend, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verifies = append(o.verifies, observation{backend, outcome})
}

func testReceipt(id string, payload []byte) *AnchorReceipt {
	return &AnchorReceipt{
		ReceiptID:          id,
		Fingerprint:        Hash(payload),
		SubjectID:          "PAT-001",
		IssuerID:           "DOC-001",
		IssuedAt:           1700000000,
		ValidatorReference: testValidator,
		Backend:            BackendLocal,
	}
}
