package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxTurnsPerSession bounds the in-process history kept per session.
const maxTurnsPerSession = 500

// InMemoryStore keeps transcripts in process for local use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]TurnRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	arr := append(s.records[record.SessionID], record)
	if over := len(arr) - maxTurnsPerSession; over > 0 {
		arr = append([]TurnRecord(nil), arr[over:]...)
	}
	s.records[record.SessionID] = arr
	return nil
}

func (s *InMemoryStore) Recent(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	limit = normalizeLimit(limit)
	if limit > len(arr) {
		limit = len(arr)
	}
	return append([]TurnRecord(nil), arr[len(arr)-limit:]...), nil
}

func (s *InMemoryStore) Close() error { return nil }
