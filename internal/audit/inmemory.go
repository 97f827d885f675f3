package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultPerSessionCap = 256

// InMemoryStore keeps the most recent entries per session in process.
// TODO: evict ledgers of sessions destroyed longer than the inactivity timeout ago.
type InMemoryStore struct {
	mu         sync.RWMutex
	perSession int
	entries    map[string][]Entry
}

func NewInMemoryStore(perSessionCap int) *InMemoryStore {
	if perSessionCap <= 0 {
		perSessionCap = defaultPerSessionCap
	}
	return &InMemoryStore{perSession: perSessionCap, entries: make(map[string][]Entry)}
}

func (s *InMemoryStore) Record(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	arr := append(s.entries[entry.SessionID], entry)
	if len(arr) > s.perSession {
		arr = append([]Entry(nil), arr[len(arr)-s.perSession:]...)
	}
	s.entries[entry.SessionID] = arr
	return nil
}

// Recent returns up to limit entries in chronological order.
func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.entries[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, 0, limit)
	out = append(out, arr[len(arr)-limit:]...)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
