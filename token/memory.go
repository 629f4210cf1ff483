package token

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs tests, examples,
// and the load-test harness; it is not meant for production use because it
// does not survive restarts and cannot arbitrate across service instances.
type MemoryStore struct {
	mu       sync.Mutex
	tokens   map[string]RefreshTokenRecord
	sessions map[string]SessionEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]RefreshTokenRecord),
		sessions: make(map[string]SessionEntry),
	}
}

// CreateSession implements Store.
func (s *MemoryStore) CreateSession(_ context.Context, rec RefreshTokenRecord, entry SessionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tokens[rec.ID] = cloneRecord(rec)
	s.sessions[entry.SessionID] = cloneEntry(entry)
	return nil
}

// GetToken implements Store.
func (s *MemoryStore) GetToken(_ context.Context, id string) (*RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := cloneRecord(rec)
	return &out, nil
}

// Rotate implements Store. The single mutex stands in for the conditional
// UPDATE of the durable implementations: the consumed check and transition
// happen under one critical section, so exactly one caller wins.
func (s *MemoryStore) Rotate(_ context.Context, oldID string, now time.Time, next RefreshTokenRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldID]
	if !ok || old.Consumed {
		return false, nil
	}

	consumedAt := now
	old.Consumed = true
	old.ConsumedAt = &consumedAt
	old.SupersededBy = next.ID
	s.tokens[oldID] = old

	s.tokens[next.ID] = cloneRecord(next)

	if entry, ok := s.sessions[next.SessionID]; ok {
		entry.CurrentRefreshTokenID = next.ID
		entry.LastRotatedAt = now
		s.sessions[next.SessionID] = entry
	}

	return true, nil
}

// GetSession implements Store.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := cloneEntry(entry)
	return &out, nil
}

// SessionsForUser implements Store.
func (s *MemoryStore) SessionsForUser(_ context.Context, userID string) ([]SessionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []SessionEntry
	for _, entry := range s.sessions {
		if entry.UserID == userID {
			entries = append(entries, cloneEntry(entry))
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// DeleteSession implements Store.
func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.tokens {
		if rec.SessionID == sessionID {
			delete(s.tokens, id)
			removed++
		}
	}
	delete(s.sessions, sessionID)
	return removed, nil
}

// DeleteExpired implements Store.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, rec := range s.tokens {
		if rec.Expired(now) {
			delete(s.tokens, id)
			removed++
		}
	}
	for sid, entry := range s.sessions {
		if !now.Before(entry.ExpiresAt) {
			delete(s.sessions, sid)
		}
	}
	return removed, nil
}

// Lineage implements Store.
func (s *MemoryStore) Lineage(_ context.Context, sessionID string) ([]RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []RefreshTokenRecord
	for _, rec := range s.tokens {
		if rec.SessionID == sessionID {
			recs = append(recs, cloneRecord(rec))
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].IssuedAt.Before(recs[j].IssuedAt)
	})
	return recs, nil
}

func cloneRecord(rec RefreshTokenRecord) RefreshTokenRecord {
	out := rec
	if rec.ConsumedAt != nil {
		at := *rec.ConsumedAt
		out.ConsumedAt = &at
	}
	return out
}

func cloneEntry(entry SessionEntry) SessionEntry {
	out := entry
	if entry.Roles != nil {
		out.Roles = append([]string(nil), entry.Roles...)
	}
	return out
}
