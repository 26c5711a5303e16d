package anchoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryReceiptIndex is an in-memory ReceiptIndex for tests and embedding.
type MemoryReceiptIndex struct {
	mu      sync.RWMutex
	entries map[string]*IndexEntry
	now     func() time.Time
}

func NewMemoryReceiptIndex() *MemoryReceiptIndex {
	return &MemoryReceiptIndex{entries: make(map[string]*IndexEntry), now: time.Now}
}

func (m *MemoryReceiptIndex) Record(_ context.Context, e *IndexEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ReceiptID]; ok {
		return nil
	}
	e.ID = uuid.New()
	e.CreatedAt = m.now().UTC()
	cp := *e
	m.entries[e.ReceiptID] = &cp
	return nil
}

func (m *MemoryReceiptIndex) GetByReceiptID(_ context.Context, receiptID string) (*IndexEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[receiptID]
	if !ok {
		return nil, ErrIndexEntryNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryReceiptIndex) ListBySubject(_ context.Context, subjectID string, limit, offset int) ([]*IndexEntry, int, error) {
	m.mu.RLock()
	var matched []*IndexEntry
	for _, e := range m.entries {
		if e.SubjectID == subjectID {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].IssuedAt.Equal(matched[j].IssuedAt) {
			return matched[i].IssuedAt.After(matched[j].IssuedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return []*IndexEntry{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *MemoryReceiptIndex) MarkEvicted(_ context.Context, receiptID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[receiptID]
	if !ok || e.EvictedAt != nil {
		return ErrIndexEntryNotFound
	}
	t := at.UTC()
	e.EvictedAt = &t
	return nil
}
