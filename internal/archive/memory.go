package archive

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/park285/cheese-roomsync/internal/domain"
)

// memoryStore is used when no database is configured and by tests.
type memoryStore struct {
	mu sync.RWMutex

	byID    map[string]*domain.GameRecord
	byGame  map[string]*domain.GameRecord // roomID|startedAt -> record
	ordered []*domain.GameRecord          // insertion order
}

func NewMemoryStore() Store {
	return &memoryStore{
		byID:   make(map[string]*domain.GameRecord),
		byGame: make(map[string]*domain.GameRecord),
	}
}

func gameKey(rec *domain.GameRecord) string {
	return fmt.Sprintf("%s|%d", rec.RoomID, rec.StartedAt.UnixNano())
}

func (m *memoryStore) Insert(_ context.Context, rec *domain.GameRecord) error {
	if rec == nil {
		return fmt.Errorf("nil game record")
	}
	key := gameKey(rec)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byGame[key]; exists {
		return ErrDuplicateRecord
	}
	if _, exists := m.byID[rec.ID]; exists {
		return ErrDuplicateRecord
	}
	cp := *rec
	m.byID[cp.ID] = &cp
	m.byGame[key] = &cp
	m.ordered = append(m.ordered, &cp)
	return nil
}

func (m *memoryStore) Query(_ context.Context, f domain.RecordFilter) ([]*domain.GameRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.GameRecord
	for _, rec := range m.ordered {
		if f.RoomID != "" && rec.RoomID != f.RoomID {
			continue
		}
		if f.PeerID != "" && !containsPeer(rec, f.PeerID) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FinishedAt.After(out[j].FinishedAt) })
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }

func containsPeer(rec *domain.GameRecord, peer string) bool {
	for _, id := range rec.PeerIDs() {
		if id == peer {
			return true
		}
	}
	return false
}
