package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) LoadSession(ctx context.Context, userID string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	var balance string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, current_state, last_change
		 FROM sessions WHERE user_id = $1`, userID).
		Scan(&rec.UserID, &balance, &rec.CurrentState, &rec.LastChange)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", userID, err)
	}

	rec.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("load session %s: bad balance %q: %w", userID, balance, err)
	}
	return &rec, nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, rec *model.SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (user_id, balance, current_state, last_change)
		 VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = EXCLUDED.balance,
		     current_state = EXCLUDED.current_state,
		     last_change = EXCLUDED.last_change`,
		rec.UserID, rec.Balance.String(), rec.CurrentState, rec.LastChange,
	)
	return err
}

func (s *PostgresStore) SaveBet(ctx context.Context, rec *model.BetRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bets (id, user_id, instrument, box, bet_amount, parameters, status, placed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status`,
		rec.ID, rec.UserID, rec.Instrument, rec.Box,
		rec.BetAmount.String(), rec.Parameters, rec.Status, rec.Timestamp,
	)
	return err
}

func (s *PostgresStore) SaveStatusEntry(ctx context.Context, entry *model.StatusEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO status_history (user_id, at, status, message)
		 VALUES ($1, $2, $3, $4)`,
		entry.UserID, entry.Timestamp, entry.Status, entry.Message,
	)
	return err
}

func (s *PostgresStore) GetBoxConfigs(ctx context.Context) ([]model.BoxSize, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT instrument, boxes_per_row, box_height, box_width, time_to_first_box
		 FROM box_configs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []model.BoxSize
	for rows.Next() {
		var c model.BoxSize
		if err := rows.Scan(&c.Instrument, &c.BoxesPerRow, &c.BoxHeight,
			&c.BoxWidth, &c.TimeToFirstBox); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (s *PostgresStore) UpsertBoxConfigs(ctx context.Context, configs []model.BoxSize) error {
	for _, c := range configs {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO box_configs (instrument, boxes_per_row, box_height, box_width, time_to_first_box)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (instrument) DO UPDATE
			 SET boxes_per_row = EXCLUDED.boxes_per_row,
			     box_height = EXCLUDED.box_height,
			     box_width = EXCLUDED.box_width,
			     time_to_first_box = EXCLUDED.time_to_first_box`,
			c.Instrument, c.BoxesPerRow, c.BoxHeight, c.BoxWidth, c.TimeToFirstBox,
		)
		if err != nil {
			return fmt.Errorf("upsert box config %s: %w", c.Instrument, err)
		}
	}
	return nil
}
