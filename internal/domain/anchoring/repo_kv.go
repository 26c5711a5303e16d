package anchoring

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/anchor/internal/platform/kvstore"
)

const (
	indexEntryPrefix   = "idx_"
	indexSubjectPrefix = "idxSubject_"
	indexEvictedPrefix = "idxEvicted_"
)

// StoreReceiptIndex is a ReceiptIndex kept in a kvstore.Store, so listings
// survive restarts without a database. Every key is written once: an
// eviction is a separate marker key rather than a rewrite of the entry.
//
// Subject keys embed the hex subject, the issue time and the creation time,
// so an ascending prefix scan read backwards is the listing order.
type StoreReceiptIndex struct {
	store kvstore.Store
	now   func() time.Time
	mu    sync.Mutex
}

func NewStoreReceiptIndex(store kvstore.Store) *StoreReceiptIndex {
	return &StoreReceiptIndex{store: store, now: time.Now}
}

func subjectKeyPrefix(subjectID string) string {
	return indexSubjectPrefix + hex.EncodeToString([]byte(subjectID)) + "/"
}

// Times before the Unix epoch are clamped to zero; receipts never carry them.
func sortableNanos(t time.Time) string {
	n := t.UnixNano()
	if n < 0 {
		n = 0
	}
	return fmt.Sprintf("%020d", n)
}

func (s *StoreReceiptIndex) Record(ctx context.Context, e *IndexEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryKey := indexEntryPrefix + e.ReceiptID
	if ok, err := s.store.Has(ctx, entryKey); err != nil {
		return fmt.Errorf("check index entry: %w", err)
	} else if ok {
		return nil
	}

	e.ID = uuid.New()
	e.CreatedAt = s.now().UTC()
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode index entry: %w", err)
	}
	subjectKey := subjectKeyPrefix(e.SubjectID) +
		sortableNanos(e.IssuedAt) + "/" + sortableNanos(e.CreatedAt) + "/" + e.ReceiptID

	err = s.store.PutIfAbsent(ctx, map[string][]byte{
		entryKey:   raw,
		subjectKey: nil,
	})
	if errors.Is(err, kvstore.ErrExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write index entry: %w", err)
	}
	return nil
}

func (s *StoreReceiptIndex) GetByReceiptID(ctx context.Context, receiptID string) (*IndexEntry, error) {
	raw, err := s.store.Get(ctx, indexEntryPrefix+receiptID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrIndexEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read index entry: %w", err)
	}
	var e IndexEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode index entry %s: %w", receiptID, err)
	}

	marker, err := s.store.Get(ctx, indexEvictedPrefix+receiptID)
	switch {
	case errors.Is(err, kvstore.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("read eviction marker: %w", err)
	default:
		var at time.Time
		if err := at.UnmarshalText(marker); err != nil {
			return nil, fmt.Errorf("decode eviction marker %s: %w", receiptID, err)
		}
		e.EvictedAt = &at
	}
	return &e, nil
}

func (s *StoreReceiptIndex) ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]*IndexEntry, int, error) {
	keys, err := s.store.Keys(ctx, subjectKeyPrefix(subjectID))
	if err != nil {
		return nil, 0, fmt.Errorf("scan subject index: %w", err)
	}
	total := len(keys)
	if offset >= total {
		return []*IndexEntry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	page := make([]*IndexEntry, 0, end-offset)
	prefix := subjectKeyPrefix(subjectID)
	for i := offset; i < end; i++ {
		parts := strings.SplitN(strings.TrimPrefix(keys[total-1-i], prefix), "/", 3)
		if len(parts) != 3 {
			return nil, 0, fmt.Errorf("malformed subject index key %q", keys[total-1-i])
		}
		receiptID := parts[2]
		e, err := s.GetByReceiptID(ctx, receiptID)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, e)
	}
	return page, total, nil
}

func (s *StoreReceiptIndex) MarkEvicted(ctx context.Context, receiptID string, at time.Time) error {
	ok, err := s.store.Has(ctx, indexEntryPrefix+receiptID)
	if err != nil {
		return fmt.Errorf("check index entry: %w", err)
	}
	if !ok {
		return ErrIndexEntryNotFound
	}
	marker, err := at.UTC().MarshalText()
	if err != nil {
		return err
	}
	err = s.store.PutIfAbsent(ctx, map[string][]byte{indexEvictedPrefix + receiptID: marker})
	if errors.Is(err, kvstore.ErrExists) {
		return ErrIndexEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("write eviction marker: %w", err)
	}
	return nil
}
