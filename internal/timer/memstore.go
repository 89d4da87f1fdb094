package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/careflow/model"
)

type memEntry struct {
	timer model.Timer
	dueAt time.Time
	token string
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Schedule implements Store.
func (s *MemoryStore) Schedule(_ context.Context, t model.Timer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[t.Key] = &memEntry{timer: t, dueAt: t.FireAt}
	return nil
}

// Cancel implements Store.
func (s *MemoryStore) Cancel(_ context.Context, _, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// CancelInstance implements Store.
func (s *MemoryStore) CancelInstance(_ context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if e.timer.Payload.InstanceID == instanceID {
			delete(s.entries, k)
		}
	}
	return nil
}

// ClaimDue implements Store.
func (s *MemoryStore) ClaimDue(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*memEntry
	for _, e := range s.entries {
		if !e.dueAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].dueAt.Equal(due[j].dueAt) {
			return due[i].timer.Key < due[j].timer.Key
		}
		return due[i].dueAt.Before(due[j].dueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	leaseUntil := now.Add(lease)
	token := uuid.NewString()
	claims := make([]Claim, 0, len(due))
	for _, e := range due {
		e.dueAt = leaseUntil
		e.token = token
		claims = append(claims, Claim{Timer: e.timer, LeaseUntil: leaseUntil, Token: token})
	}
	return claims, nil
}

// Ack implements Store.
func (s *MemoryStore) Ack(_ context.Context, c Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[c.Timer.Key]; ok && e.token != "" && e.token == c.Token {
		delete(s.entries, c.Timer.Key)
	}
	return nil
}

// Pending returns the number of stored timers.
func (s *MemoryStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns the stored timer for key.
func (s *MemoryStore) Get(key string) (model.Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return model.Timer{}, false
	}
	return e.timer, true
}
