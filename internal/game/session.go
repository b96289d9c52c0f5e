package game

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/model"
)

// In-memory caps. The durable store is the audit trail; the session keeps
// only a bounded tail of history and bets.
const (
	maxStatusHistory = 20
	maxOpenBets      = 1000
)

// Session is one user's in-memory state: balance, a capped status history,
// and a capped list of recent bets. The balance is mutated only through
// the session's own lock.
type Session struct {
	UserID string

	mu           sync.Mutex
	balance      decimal.Decimal
	currentState int
	history      []model.StatusEntry
	bets         []*Bet
	lastChange   time.Time
}

// newSession creates a session with the given starting balance.
func newSession(userID string, balance decimal.Decimal, currentState int) *Session {
	return &Session{
		UserID:       userID,
		balance:      balance,
		currentState: currentState,
		lastChange:   time.Now().UTC(),
	}
}

// Balance returns the current balance.
func (s *Session) Balance() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance
}

// SetBalance overwrites the balance.
func (s *Session) SetBalance(newBalance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = newBalance
	s.lastChange = time.Now().UTC()
}

// debit subtracts amount if covered by the balance, in one critical
// section so two concurrent placements cannot both spend the same funds.
func (s *Session) debit(amount decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount.GreaterThan(s.balance) {
		return false
	}
	s.balance = s.balance.Sub(amount)
	s.lastChange = time.Now().UTC()
	return true
}

// credit adds a payout to the balance.
func (s *Session) credit(amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = s.balance.Add(amount)
	s.lastChange = time.Now().UTC()
}

// SetStatus records a status transition, truncating the oldest entry once
// the history exceeds its cap, and returns the new entry for persistence.
func (s *Session) SetStatus(status int, message string) model.StatusEntry {
	entry := model.StatusEntry{
		UserID:    s.UserID,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Message:   message,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, entry)
	if len(s.history) > maxStatusHistory {
		s.history = s.history[1:]
	}
	s.currentState = status
	s.lastChange = entry.Timestamp
	return entry
}

// StatusHistory returns a copy of the retained status entries.
func (s *Session) StatusHistory() []model.StatusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.StatusEntry, len(s.history))
	copy(out, s.history)
	return out
}

// addBet appends a bet, truncating the oldest once the list exceeds its
// cap. Truncated bets live on in the durable store.
func (s *Session) addBet(b *Bet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bets = append(s.bets, b)
	if len(s.bets) > maxOpenBets {
		s.bets = s.bets[1:]
	}
	s.lastChange = time.Now().UTC()
}

// OpenBets returns a copy of the retained bet list.
func (s *Session) OpenBets() []*Bet {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Bet, len(s.bets))
	copy(out, s.bets)
	return out
}

// HasLiveBets reports whether any bet is still Waiting or OnGoing.
// A session with live bets must never be evicted.
func (s *Session) HasLiveBets() bool {
	for _, b := range s.OpenBets() {
		if !b.Status().Terminal() {
			return true
		}
	}
	return false
}

// LastChange returns the last-activity timestamp used by the eviction
// policy.
func (s *Session) LastChange() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChange
}

// Record builds the durable form of the session.
func (s *Session) Record() *model.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return &model.SessionRecord{
		UserID:       s.UserID,
		Balance:      s.balance,
		CurrentState: s.currentState,
		LastChange:   s.lastChange,
	}
}

// stopBetTimers cancels the timers of every retained bet. Used on dispose.
func (s *Session) stopBetTimers() {
	for _, b := range s.OpenBets() {
		b.stopTimers()
	}
}
