package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/metrics"
	"github.com/pricebox/game-engine/internal/model"
	"github.com/pricebox/game-engine/internal/store"
)

// SessionStore is the bounded in-memory cache of user sessions, backed by
// the durable store for cold loads and saves.
//
// The capacity is a soft cap: when exceeded, the least-recently-active
// session is evicted only if none of its bets is live. A live oldest
// session simply stays cached — no further search — until it naturally
// becomes evictable.
type SessionStore struct {
	capacity int
	store    store.Store
	pub      Publisher
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionStore creates a session cache with the given soft capacity.
func NewSessionStore(capacity int, st store.Store, pub Publisher, log *slog.Logger) *SessionStore {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = 128
	}
	return &SessionStore{
		capacity: capacity,
		store:    st,
		pub:      pub,
		log:      log,
		sessions: make(map[string]*Session),
	}
}

// GetOrCreate returns the cached session, loading it from the durable
// store or creating a fresh zero-balance one when absent. The whole
// lookup-or-create-or-evict path is one critical section: two concurrent
// requests for the same absent user cannot both create and persist
// separate sessions.
func (ss *SessionStore) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if sess, ok := ss.sessions[userID]; ok {
		return sess, nil
	}

	rec, err := ss.store.LoadSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}

	var sess *Session
	if rec == nil {
		sess = newSession(userID, decimal.Zero, 0)
		if err := ss.store.SaveSession(ctx, sess.Record()); err != nil {
			return nil, fmt.Errorf("persist new session %s: %w", userID, err)
		}
	} else {
		sess = newSession(userID, rec.Balance, rec.CurrentState)
	}

	// Open the user's outward notification topic before the session is
	// visible to anyone.
	if ss.pub != nil {
		ss.pub.Register(userID)
	}

	if len(ss.sessions) >= ss.capacity {
		ss.evictOldest()
	}

	ss.sessions[userID] = sess
	metrics.CachedSessions.Set(float64(len(ss.sessions)))
	return sess, nil
}

// evictOldest drops the least-recently-active session unless it has live
// bets. Caller holds ss.mu.
func (ss *SessionStore) evictOldest() {
	var oldest *Session
	for _, sess := range ss.sessions {
		if oldest == nil || sess.LastChange().Before(oldest.LastChange()) {
			oldest = sess
		}
	}
	if oldest == nil {
		return
	}
	if oldest.HasLiveBets() {
		// Soft cap: the cache stays over capacity until this session's
		// bets settle.
		return
	}
	delete(ss.sessions, oldest.UserID)
	ss.log.Info("session evicted", "user", oldest.UserID)
}

// Cached reports whether a session is currently in the cache, without
// touching the durable store.
func (ss *SessionStore) Cached(userID string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.sessions[userID]
	return ok
}

// Len returns the number of cached sessions.
func (ss *SessionStore) Len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.sessions)
}

// Each calls fn for every cached session.
func (ss *SessionStore) Each(fn func(*Session)) {
	ss.mu.Lock()
	snapshot := make([]*Session, 0, len(ss.sessions))
	for _, sess := range ss.sessions {
		snapshot = append(snapshot, sess)
	}
	ss.mu.Unlock()

	for _, sess := range snapshot {
		fn(sess)
	}
}

// Publisher delivers result snapshots to a per-user topic. Delivery is
// best-effort, at-most-once; a slow subscriber loses messages rather than
// blocking the engine.
type Publisher interface {
	// Register opens the user's topic.
	Register(userID string)

	// Publish sends a result snapshot to the user's topic.
	Publish(userID string, res model.BetResult)
}
