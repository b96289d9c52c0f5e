// Package model defines the core domain types shared across the game engine.
// All monetary values (balances, bet amounts, payouts) use shopspring/decimal —
// never float64 for money. Feed prices stay float64, matching the upstream
// feed's native precision.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one raw tick from an upstream feed: a single-sided price update
// for one instrument. IsBuy selects the bid side; otherwise the ask side.
type Quote struct {
	Instrument string    `json:"instrument"`
	IsBuy      bool      `json:"is_buy"`
	Price      float64   `json:"price"`
	Timestamp  time.Time `json:"timestamp"`
}

// InstrumentPrice is an immutable snapshot of one instrument's bid/ask at a
// point in time. The ingestor mutates its own cache entries and hands out
// copies; a snapshot handed outward is never modified again.
type InstrumentPrice struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Timestamp  time.Time `json:"timestamp"`
}

// MidPrice returns (bid+ask)/2. Only meaningful when HasBothSides is true.
func (p InstrumentPrice) MidPrice() float64 {
	return (p.Bid + p.Ask) / 2
}

// HasBothSides reports whether both bid and ask have been observed.
// The mid-price is undefined until then.
func (p InstrumentPrice) HasBothSides() bool {
	return p.Bid > 0 && p.Ask > 0
}

// BoxSize holds the per-instrument box sizing parameters. Loaded once at
// startup per allowed instrument; defaulted and written back when absent
// from the configuration store.
type BoxSize struct {
	Instrument     string  `json:"instrument" db:"instrument"`
	BoxesPerRow    int     `json:"boxes_per_row" db:"boxes_per_row"`
	BoxHeight      float64 `json:"box_height" db:"box_height"`
	BoxWidth       float64 `json:"box_width" db:"box_width"`
	TimeToFirstBox float64 `json:"time_to_first_box" db:"time_to_first_box"`
}

// Box is one placed price/time rectangle. Constant once a bet references it.
// TimeToGraph and TimeLength are in seconds.
type Box struct {
	ID          string          `json:"id"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	Coefficient decimal.Decimal `json:"coefficient"`
	TimeToGraph float64         `json:"time_to_graph"`
	TimeLength  float64         `json:"time_length"`
}

// BoxFromJSON deserializes a client-supplied box description.
func BoxFromJSON(data string) (Box, error) {
	var b Box
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return Box{}, fmt.Errorf("parse box: %w", err)
	}
	return b, nil
}

// GraphDuration is the delay before the box becomes active for win-checking.
func (b Box) GraphDuration() time.Duration {
	return time.Duration(b.TimeToGraph * float64(time.Second))
}

// LengthDuration is how long the box stays active once activated.
func (b Box) LengthDuration() time.Duration {
	return time.Duration(b.TimeLength * float64(time.Second))
}

// BetStatus is the bet lifecycle state. Win and Lose are terminal: once
// reached, no further transition occurs.
type BetStatus int

const (
	BetWaiting BetStatus = iota + 1
	BetOnGoing
	BetWin
	BetLose
)

// Terminal reports whether the status permits no further transitions.
func (s BetStatus) Terminal() bool {
	return s == BetWin || s == BetLose
}

func (s BetStatus) String() string {
	switch s {
	case BetWaiting:
		return "waiting"
	case BetOnGoing:
		return "ongoing"
	case BetWin:
		return "win"
	case BetLose:
		return "lose"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// User status codes recorded in the session status history.
const (
	StatusBalanceChanged = 1
	StatusBetPlaced      = 2
	StatusBetWon         = 3
	StatusBetLost        = 4
)

// BetResult is the snapshot published to the user's topic after every bet
// check. PriceKnown is false when the price cache had no entry for the
// bet's instrument at result time; the price fields are then empty rather
// than fabricated zeros presented as real quotes.
type BetResult struct {
	BoxID       string          `json:"box_id"`
	Instrument  string          `json:"instrument"`
	BetAmount   decimal.Decimal `json:"bet_amount"`
	Coefficient decimal.Decimal `json:"coefficient"`
	MinPrice    decimal.Decimal `json:"min_price"`
	MaxPrice    decimal.Decimal `json:"max_price"`
	TimeToGraph float64         `json:"time_to_graph"`
	TimeLength  float64         `json:"time_length"`

	PreviousPrice InstrumentPrice `json:"previous_price"`
	CurrentPrice  InstrumentPrice `json:"current_price"`
	PriceKnown    bool            `json:"price_known"`

	Timestamp        time.Time `json:"timestamp"`
	TimeToGraphStamp time.Time `json:"time_to_graph_stamp"`
	WinStamp         time.Time `json:"win_stamp"`
	FinishedStamp    time.Time `json:"finished_stamp"`

	Status int  `json:"status"`
	IsWin  bool `json:"is_win"`
}

// SessionRecord is the durable form of a user session. The in-memory
// session (balance mutations, open bets, timers) lives in the game package;
// this is what the store persists.
type SessionRecord struct {
	UserID       string          `json:"user_id" db:"user_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	CurrentState int             `json:"current_state" db:"current_state"`
	LastChange   time.Time       `json:"last_change" db:"last_change"`
}

// BetRecord is the durable form of a placed bet.
type BetRecord struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Instrument string          `json:"instrument" db:"instrument"`
	Box        string          `json:"box" db:"box"` // box geometry as JSON
	BetAmount  decimal.Decimal `json:"bet_amount" db:"bet_amount"`
	Parameters string          `json:"parameters" db:"parameters"` // box sizing as JSON
	Status     int             `json:"status" db:"status"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// StatusEntry is one entry in a user's status history. The durable store is
// the audit trail; the in-memory session keeps only a bounded tail.
type StatusEntry struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
	Status    int       `json:"status" db:"status"`
	Message   string    `json:"message" db:"message"`
}
