// Package game implements the bet lifecycle: placement, per-bet timers,
// win/lose evaluation against live prices, session balances, and result
// publication. All monetary arithmetic uses shopspring/decimal; feed
// prices are converted at the comparison boundary with a drift check.
package game

import (
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/model"
)

// maxConversionDrift is the tolerated difference between a float64 price
// and its decimal round-trip. Anything larger is logged, never silently
// accepted.
const maxConversionDrift = 1e-6

// Bet is the core lifecycle entity. Its status and timestamps are mutated
// from two different triggers (timer callbacks and price events), so every
// mutation goes through the bet's own lock with a terminal-state guard
// checked first.
type Bet struct {
	ID         string
	UserID     string
	Instrument string
	Amount     decimal.Decimal
	Box        model.Box
	Params     model.BoxSize
	PlacedAt   time.Time

	session *Session

	mu            sync.Mutex
	status        model.BetStatus
	graphStamp    time.Time
	winStamp      time.Time
	finishedStamp time.Time
	graphTimer    *time.Timer
	lengthTimer   *time.Timer
}

// Status returns the bet's current lifecycle state.
func (b *Bet) Status() model.BetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// markOnGoing transitions Waiting→OnGoing when the time-to-graph timer
// fires. Returns false if the bet is already terminal.
func (b *Bet) markOnGoing(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status != model.BetWaiting {
		return false
	}
	b.status = model.BetOnGoing
	b.graphStamp = now
	return true
}

// tryWin transitions to Win unless the bet is already terminal. The
// terminal guard and the transition share one critical section, which is
// what makes concurrent win checks idempotent.
func (b *Bet) tryWin(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.status.Terminal() {
		return false
	}
	b.status = model.BetWin
	b.winStamp = now
	return true
}

// finish marks the end of the bet's window when the time-length timer
// fires. Returns true when the bet became Lose (it had not won).
func (b *Bet) finish(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.finishedStamp = now
	if b.status.Terminal() {
		return false
	}
	b.status = model.BetLose
	return true
}

// stopTimers cancels both armed timers. Safe to call more than once.
func (b *Bet) stopTimers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.graphTimer != nil {
		b.graphTimer.Stop()
	}
	if b.lengthTimer != nil {
		b.lengthTimer.Stop()
	}
}

// stamps returns a consistent copy of the lifecycle timestamps and status.
func (b *Bet) stamps() (status model.BetStatus, graph, win, finished time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.graphStamp, b.winStamp, b.finishedStamp
}

// record builds the durable form of the bet.
func (b *Bet) record() *model.BetRecord {
	status, _, _, _ := b.stamps()
	return &model.BetRecord{
		ID:         b.ID,
		UserID:     b.UserID,
		Instrument: b.Instrument,
		Box:        boxJSON(b.Box),
		BetAmount:  b.Amount,
		Parameters: boxSizeJSON(b.Params),
		Status:     int(status),
		Timestamp:  b.PlacedAt,
	}
}

func boxJSON(b model.Box) string {
	data, _ := json.Marshal(b)
	return string(data)
}

func boxSizeJSON(s model.BoxSize) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// toDecimalChecked converts a feed price to decimal and warns when the
// round-trip drifts beyond tolerance.
func toDecimalChecked(price float64, log *slog.Logger, which string) decimal.Decimal {
	d := decimal.NewFromFloat(price)
	roundTrip, _ := d.Float64()
	if drift := roundTrip - price; math.Abs(drift) > maxConversionDrift {
		log.Warn("float to decimal conversion drift",
			"which", which,
			"float", price,
			"decimal", d.String(),
			"drift", drift,
		)
	}
	return d
}

// checkWinOnStart is the single-sided check run the moment the bet's
// window activates: win only if the current mid-price is strictly inside
// the box.
func checkWinOnStart(box model.Box, currentMid float64, log *slog.Logger) bool {
	cur := toDecimalChecked(currentMid, log, "current")
	return cur.GreaterThan(box.MinPrice) && cur.LessThan(box.MaxPrice)
}

// checkWinOngoing is the running check: win if the current mid-price is
// strictly inside the box, or if the price crossed the box entirely
// between the previous and current samples. A single sample may be the
// only observation between two ticks straddling a thin box; counting a
// full straddle as a win keeps fast-moving instruments fair.
func checkWinOngoing(box model.Box, currentMid, previousMid float64, log *slog.Logger) bool {
	cur := toDecimalChecked(currentMid, log, "current")
	prev := toDecimalChecked(previousMid, log, "previous")

	inside := cur.GreaterThan(box.MinPrice) && cur.LessThan(box.MaxPrice)
	crossedDown := prev.GreaterThan(box.MaxPrice) && cur.LessThan(box.MinPrice)
	crossedUp := prev.LessThan(box.MinPrice) && cur.GreaterThan(box.MaxPrice)

	return inside || crossedDown || crossedUp
}
