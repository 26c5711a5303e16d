package anchoring

import (
	"context"
	"errors"
	"time"
)

// ErrIndexEntryNotFound is returned by ReceiptIndex lookups that match no row.
var ErrIndexEntryNotFound = errors.New("index entry not found")

// ReceiptIndex is the server-side listing of anchored receipts. Verify never
// takes a receipt from it; a Verifier only asks it whether an unreadable
// receipt was accepted by the ledger and is still awaiting confirmation.
type ReceiptIndex interface {
	Record(ctx context.Context, e *IndexEntry) error
	GetByReceiptID(ctx context.Context, receiptID string) (*IndexEntry, error)
	ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]*IndexEntry, int, error)
	MarkEvicted(ctx context.Context, receiptID string, at time.Time) error
}
