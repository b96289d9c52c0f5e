package store

import (
	"context"
	"sync"

	"github.com/pricebox/game-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]model.SessionRecord
	bets     map[string]model.BetRecord
	history  []model.StatusEntry
	configs  map[string]model.BoxSize
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]model.SessionRecord),
		bets:     make(map[string]model.BetRecord),
		configs:  make(map[string]model.BoxSize),
	}
}

func (s *MemoryStore) LoadSession(_ context.Context, userID string) (*model.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[userID]
	if !ok {
		return nil, nil
	}
	copy := rec
	return &copy, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, rec *model.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[rec.UserID] = *rec
	return nil
}

func (s *MemoryStore) SaveBet(_ context.Context, rec *model.BetRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bets[rec.ID] = *rec
	return nil
}

func (s *MemoryStore) SaveStatusEntry(_ context.Context, entry *model.StatusEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, *entry)
	return nil
}

func (s *MemoryStore) GetBoxConfigs(_ context.Context) ([]model.BoxSize, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	configs := make([]model.BoxSize, 0, len(s.configs))
	for _, c := range s.configs {
		configs = append(configs, c)
	}
	return configs, nil
}

func (s *MemoryStore) UpsertBoxConfigs(_ context.Context, configs []model.BoxSize) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range configs {
		s.configs[c.Instrument] = c
	}
	return nil
}

// --- Test inspection helpers ---

// Bets returns a snapshot of all saved bets.
func (s *MemoryStore) Bets() []model.BetRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BetRecord, 0, len(s.bets))
	for _, b := range s.bets {
		out = append(out, b)
	}
	return out
}

// StatusEntries returns a snapshot of the status history.
func (s *MemoryStore) StatusEntries() []model.StatusEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StatusEntry, len(s.history))
	copy(out, s.history)
	return out
}
