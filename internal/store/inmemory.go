package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
	events   map[string][]EventRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]SessionRecord),
		events:   make(map[string][]EventRecord),
	}
}

func (s *InMemoryStore) UpsertSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if existing, ok := s.sessions[record.ID]; ok {
		record.CreatedAt = existing.CreatedAt
	}
	s.sessions[record.ID] = record
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return record, nil
}

func (s *InMemoryStore) MarkStarted(_ context.Context, id string, durationSeconds int, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	record.Status = StatusActive
	record.DurationSeconds = durationSeconds
	record.StartedAt = &startedAt
	s.sessions[id] = record
	return nil
}

func (s *InMemoryStore) MarkEnded(_ context.Context, id string, reason string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	record.Status = StatusEnded
	record.EndReason = reason
	record.EndedAt = &endedAt
	s.sessions[id] = record
	return nil
}

func (s *InMemoryStore) RecordEvent(_ context.Context, record EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.events[record.SessionID] = append(s.events[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) RecentEvents(_ context.Context, sessionID string, limit int) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.events[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]EventRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
