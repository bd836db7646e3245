package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by deployments that
// run without Postgres. It mirrors the Postgres contract: Upsert is
// atomic per user, Get copies the record out.
type Memory struct {
	mu      sync.RWMutex
	records map[int64]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[int64]Record)}
}

func (s *Memory) Get(_ context.Context, userID int64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *Memory) Upsert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.records[rec.UserID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.UserID] = rec
	return nil
}

func (s *Memory) ListByStatus(_ context.Context, status Status) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Record
	for _, rec := range s.records {
		if rec.Status == status {
			records = append(records, rec)
		}
	}
	return records, nil
}
