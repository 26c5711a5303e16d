package anchoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type receiptIndexPG struct{ db queryable }

// NewReceiptIndexPG returns a ReceiptIndex stored in the anchor_receipt table.
func NewReceiptIndexPG(pool *pgxpool.Pool) ReceiptIndex {
	return &receiptIndexPG{db: pool}
}

const indexCols = `id, receipt_id, backend, subject_id, issuer_id, fingerprint,
	validator_reference, issued_at, created_at, evicted_at`

func (r *receiptIndexPG) scanRow(row pgx.Row) (*IndexEntry, error) {
	var e IndexEntry
	err := row.Scan(&e.ID, &e.ReceiptID, &e.Backend, &e.SubjectID, &e.IssuerID, &e.Fingerprint,
		&e.ValidatorReference, &e.IssuedAt, &e.CreatedAt, &e.EvictedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIndexEntryNotFound
	}
	return &e, err
}

func (r *receiptIndexPG) Record(ctx context.Context, e *IndexEntry) error {
	e.ID = uuid.New()
	err := r.db.QueryRow(ctx, `
		INSERT INTO anchor_receipt (id, receipt_id, backend, subject_id, issuer_id, fingerprint,
			validator_reference, issued_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (receipt_id) DO NOTHING
		RETURNING created_at`,
		e.ID, e.ReceiptID, e.Backend, e.SubjectID, e.IssuerID, e.Fingerprint,
		e.ValidatorReference, e.IssuedAt).Scan(&e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// already indexed; receipts are immutable so the existing row stands
		return nil
	}
	if err != nil {
		return fmt.Errorf("index receipt %s: %w", e.ReceiptID, err)
	}
	return nil
}

func (r *receiptIndexPG) GetByReceiptID(ctx context.Context, receiptID string) (*IndexEntry, error) {
	return r.scanRow(r.db.QueryRow(ctx, `SELECT `+indexCols+` FROM anchor_receipt WHERE receipt_id = $1`, receiptID))
}

func (r *receiptIndexPG) ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]*IndexEntry, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM anchor_receipt WHERE subject_id = $1`, subjectID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+indexCols+` FROM anchor_receipt
		WHERE subject_id = $1 ORDER BY issued_at DESC, created_at DESC LIMIT $2 OFFSET $3`, subjectID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*IndexEntry
	for rows.Next() {
		e, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *receiptIndexPG) MarkEvicted(ctx context.Context, receiptID string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE anchor_receipt SET evicted_at = $2 WHERE receipt_id = $1 AND evicted_at IS NULL`, receiptID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIndexEntryNotFound
	}
	return nil
}
