// Package store defines the persistence interfaces for the game engine.
// Implementations include PostgreSQL (source of truth), Redis (raw quote
// history), and in-memory (for testing).
package store

import (
	"context"

	"github.com/pricebox/game-engine/internal/model"
)

// Store is the durable session/bet store. The in-memory caches are bounded
// working sets; this store is the audit trail.
type Store interface {
	// --- Sessions ---

	// LoadSession retrieves a session record, or (nil, nil) if the user
	// has never been seen.
	LoadSession(ctx context.Context, userID string) (*model.SessionRecord, error)

	// SaveSession upserts a session record.
	SaveSession(ctx context.Context, rec *model.SessionRecord) error

	// --- Bets and status history ---

	// SaveBet upserts a bet by its ID.
	SaveBet(ctx context.Context, rec *model.BetRecord) error

	// SaveStatusEntry appends one status-history entry.
	SaveStatusEntry(ctx context.Context, entry *model.StatusEntry) error

	// --- Box configuration ---

	// GetBoxConfigs returns all stored per-instrument box parameters.
	GetBoxConfigs(ctx context.Context) ([]model.BoxSize, error)

	// UpsertBoxConfigs inserts or replaces box parameters by instrument.
	UpsertBoxConfigs(ctx context.Context, configs []model.BoxSize) error
}

// QuoteHistory is the raw-quote sink. Every valid quote is appended
// fire-and-forget; a failing sink must never block ingestion.
type QuoteHistory interface {
	Append(ctx context.Context, q model.Quote) error
}

// NopHistory discards quotes. Used when no history backend is configured.
type NopHistory struct{}

func (NopHistory) Append(context.Context, model.Quote) error { return nil }
