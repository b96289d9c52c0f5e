package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/coeff"
	"github.com/pricebox/game-engine/internal/logx"
	"github.com/pricebox/game-engine/internal/metrics"
	"github.com/pricebox/game-engine/internal/model"
	"github.com/pricebox/game-engine/internal/store"
)

// Rejection and failure modes surfaced to callers of the synchronous
// user-facing operations. The error text is the user-visible reason.
var (
	ErrInsufficientBalance = errors.New("user has no balance for the bet")
	ErrUnknownInstrument   = errors.New("box size parameters are not set for this instrument")
	ErrEngineDisposed      = errors.New("engine is shutting down")
)

// PriceSource is the live price cache the engine checks bets against.
// Implemented by quote.Ingestor.
type PriceSource interface {
	Snapshot(instrument string) (current, previous model.InstrumentPrice, ok bool)
	TrailingAverage(instrument string) (avg float64, ok bool)
	GraphedInstruments() []string
}

// Options configures an Engine.
type Options struct {
	// AllowedInstruments is the distinct set of instruments bets may be
	// placed on (the primary feed's allow-list).
	AllowedInstruments []string

	// DefaultBoxSize is applied to allowed instruments missing from the
	// box-configuration store; the default is written back.
	DefaultBoxSize model.BoxSize

	// CoeffRefreshInterval is the coefficient cache refresh period.
	CoeffRefreshInterval time.Duration

	// SideEffectQueueSize bounds the background work queue for
	// persistence and publication. Zero means a sensible default.
	SideEffectQueueSize int
}

// Engine runs the bet state machine. Timers and price events never mutate
// shared state directly: timer callbacks route through the engine's locked
// accessors, and side effects (persistence, publication) are background
// work items with best-effort, at-most-once semantics.
type Engine struct {
	// ID identifies this engine instance to the coefficient calculator,
	// which keeps per-session server-side state.
	ID string

	prices   PriceSource
	sessions *SessionStore
	store    store.Store
	coeffs   *coeff.Cache
	pub      Publisher
	log      *slog.Logger
	reporter *logx.Reporter
	opts     Options

	// betMu guards the actively-monitored set. Never held while running
	// win/lose processing; price events copy the relevant bets out first.
	betMu  sync.Mutex
	active []*Bet

	// boxMu guards the box configuration loaded on first user init.
	boxMu     sync.Mutex
	boxConfig []model.BoxSize

	jobs      chan func()
	workerWg  sync.WaitGroup
	workStop  chan struct{}
	disposed  atomic.Bool
	disposeMu sync.Mutex

	now func() time.Time
}

const defaultSideEffectQueue = 1024

// NewEngine wires the state machine to its collaborators and starts the
// side-effect workers.
func NewEngine(prices PriceSource, sessions *SessionStore, st store.Store,
	coeffs *coeff.Cache, pub Publisher, log *slog.Logger, opts Options) *Engine {

	if log == nil {
		log = slog.Default()
	}
	queue := opts.SideEffectQueueSize
	if queue <= 0 {
		queue = defaultSideEffectQueue
	}

	e := &Engine{
		ID:       uuid.New().String(),
		prices:   prices,
		sessions: sessions,
		store:    st,
		coeffs:   coeffs,
		pub:      pub,
		log:      log,
		reporter: logx.NewReporter(log),
		opts:     opts,
		jobs:     make(chan func(), queue),
		workStop: make(chan struct{}),
		now:      time.Now,
	}

	for n := 0; n < 4; n++ {
		e.workerWg.Add(1)
		go e.worker()
	}
	return e
}

func (e *Engine) worker() {
	defer e.workerWg.Done()
	for {
		select {
		case <-e.workStop:
			return
		case job := <-e.jobs:
			job()
		}
	}
}

// submit enqueues a background work item. Best-effort: under load or
// during shutdown the item is dropped, never blocking the caller.
func (e *Engine) submit(job func()) {
	if e.disposed.Load() {
		return
	}
	select {
	case e.jobs <- job:
	default:
		e.log.Warn("side-effect queue full, work item dropped")
	}
}

// --- User operations ---

// InitUser loads (or creates) the user's session and returns the box
// sizing parameters scaled to current prices. The first ever init also
// bootstraps the box configuration and the coefficient cache.
func (e *Engine) InitUser(ctx context.Context, userID string) ([]model.BoxSize, error) {
	if e.disposed.Load() {
		return nil, ErrEngineDisposed
	}

	if _, err := e.sessions.GetOrCreate(ctx, userID); err != nil {
		return nil, err
	}

	boxConfig, err := e.loadBoxParameters(ctx)
	if err != nil {
		return nil, err
	}

	e.boxMu.Lock()
	first := e.boxConfig == nil
	if first {
		e.boxConfig = boxConfig
	}
	e.boxMu.Unlock()

	if first {
		e.bootstrapCoefficients(ctx)
	}

	return e.calculatedBoxes(boxConfig), nil
}

// loadBoxParameters reads stored box configuration and fills in defaults
// for allowed instruments that have none, writing the defaults back.
func (e *Engine) loadBoxParameters(ctx context.Context) ([]model.BoxSize, error) {
	stored, err := e.store.GetBoxConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load box configs: %w", err)
	}

	byInstrument := make(map[string]model.BoxSize, len(stored))
	for _, c := range stored {
		byInstrument[c.Instrument] = c
	}

	var missing []model.BoxSize
	for _, inst := range distinct(e.opts.AllowedInstruments) {
		if _, ok := byInstrument[inst]; ok {
			continue
		}
		def := e.opts.DefaultBoxSize
		def.Instrument = inst
		byInstrument[inst] = def
		missing = append(missing, def)
	}

	if len(missing) > 0 {
		if err := e.store.UpsertBoxConfigs(ctx, missing); err != nil {
			return nil, fmt.Errorf("write default box configs: %w", err)
		}
	}

	out := make([]model.BoxSize, 0, len(e.opts.AllowedInstruments))
	for _, inst := range distinct(e.opts.AllowedInstruments) {
		out = append(out, byInstrument[inst])
	}
	return out, nil
}

// calculatedBoxes scales each instrument's box width by its trailing
// average mid-price. Instruments with no price data yet are omitted.
func (e *Engine) calculatedBoxes(boxConfig []model.BoxSize) []model.BoxSize {
	out := make([]model.BoxSize, 0, len(boxConfig))
	for _, c := range boxConfig {
		avg, ok := e.prices.TrailingAverage(c.Instrument)
		if !ok {
			continue
		}
		c.BoxWidth = avg * c.BoxWidth
		out = append(out, c)
	}
	return out
}

// bootstrapCoefficients pushes the calculated box parameters to the
// calculator, loads the first coefficient batch, and starts the refresh
// monitor. Failures are logged; the engine keeps running with an empty
// coefficient cache until the next refresh succeeds.
func (e *Engine) bootstrapCoefficients(ctx context.Context) {
	calculated := e.calculatedBoxes(e.boxConfigSnapshot())
	if len(calculated) > 0 {
		if err := e.coeffs.ChangeParameters(ctx, calculated); err != nil {
			e.reporter.Error("init-coeff-calc", err)
		}
	}
	if err := e.coeffs.Refresh(ctx, e.allowedInstruments()); err != nil {
		e.reporter.Error("load-coefficient-cache", err)
	}
	e.coeffs.StartMonitor(e.opts.CoeffRefreshInterval, e.allowedInstruments)
}

func (e *Engine) boxConfigSnapshot() []model.BoxSize {
	e.boxMu.Lock()
	defer e.boxMu.Unlock()
	out := make([]model.BoxSize, len(e.boxConfig))
	copy(out, e.boxConfig)
	return out
}

func (e *Engine) allowedInstruments() []string {
	return distinct(e.opts.AllowedInstruments)
}

// PlaceBet validates and opens a new bet. The balance check and the
// optimistic debit are one critical section on the session. Returns the
// placement timestamp; on rejection the zero time and an error whose text
// is the user-facing reason.
func (e *Engine) PlaceBet(ctx context.Context, userID, instrument, boxDescription string, amount decimal.Decimal) (time.Time, error) {
	if e.disposed.Load() {
		return time.Time{}, ErrEngineDisposed
	}

	sess, err := e.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return time.Time{}, err
	}

	box, err := model.BoxFromJSON(boxDescription)
	if err != nil {
		return time.Time{}, err
	}

	params, ok := e.boxParamsFor(instrument)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}

	if !sess.debit(amount) {
		return time.Time{}, ErrInsufficientBalance
	}

	bet := &Bet{
		ID:         uuid.New().String(),
		UserID:     userID,
		Instrument: instrument,
		Amount:     amount,
		Box:        box,
		Params:     params,
		PlacedAt:   e.now().UTC(),
		session:    sess,
		status:     model.BetWaiting,
	}
	sess.addBet(bet)

	// Both timers are armed relative to placement time.
	bet.mu.Lock()
	bet.graphTimer = time.AfterFunc(box.GraphDuration(), func() { e.betActivated(bet) })
	bet.lengthTimer = time.AfterFunc(box.GraphDuration()+box.LengthDuration(), func() { e.betExpired(bet) })
	bet.mu.Unlock()

	metrics.BetsPlaced.WithLabelValues(instrument).Inc()

	e.submit(func() {
		e.persistBet(bet)
		e.setUserStatus(sess, model.StatusBetPlaced,
			fmt.Sprintf("BetPlaced[%s] instrument:%s bet:%s balance:%s",
				bet.Box.ID, instrument, amount.String(), sess.Balance().String()))
	})

	return bet.PlacedAt, nil
}

func (e *Engine) boxParamsFor(instrument string) (model.BoxSize, bool) {
	e.boxMu.Lock()
	defer e.boxMu.Unlock()
	for _, c := range e.boxConfig {
		if c.Instrument == instrument {
			return c, true
		}
	}
	return model.BoxSize{}, false
}

// GetBalance returns the user's current balance.
func (e *Engine) GetBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	sess, err := e.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return sess.Balance(), nil
}

// SetBalance overwrites the user's balance and records the change.
func (e *Engine) SetBalance(ctx context.Context, userID string, balance decimal.Decimal) (decimal.Decimal, error) {
	sess, err := e.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	sess.SetBalance(balance)
	e.submit(func() {
		e.setUserStatus(sess, model.StatusBalanceChanged, "new balance: "+balance.String())
	})
	return balance, nil
}

// GetCoefficients returns the cached coefficient grid for an instrument.
// The value is stale up to one refresh period.
func (e *Engine) GetCoefficients(instrument string) (string, bool) {
	return e.coeffs.Get(instrument)
}

// LogUserEvent records a client-supplied event in the user's status
// history and the durable log.
func (e *Engine) LogUserEvent(ctx context.Context, userID string, eventCode int, message string) error {
	sess, err := e.sessions.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	entry := sess.SetStatus(eventCode, message)
	if err := e.store.SaveStatusEntry(ctx, &entry); err != nil {
		return fmt.Errorf("save user event: %w", err)
	}
	e.submit(func() { e.persistSession(sess) })
	return nil
}

// --- Price events ---

// OnPriceChanged is the price-changed subscriber. It runs under the
// ingestor's delivery lock, so it only copies the relevant bets out of the
// monitored set and dispatches the checks to the background workers.
func (e *Engine) OnPriceChanged(current, previous model.InstrumentPrice) {
	if e.disposed.Load() {
		return
	}

	e.betMu.Lock()
	var toCheck []*Bet
	for _, bet := range e.active {
		if bet.Instrument == current.Instrument && bet.Status() != model.BetWin {
			toCheck = append(toCheck, bet)
		}
	}
	e.betMu.Unlock()

	for _, bet := range toCheck {
		b := bet
		e.submit(func() { e.checkBet(b, current, previous, false) })
	}
}

// --- Timer callbacks ---

// betActivated fires when the time-to-graph timer elapses: the window
// becomes active. If a full current/previous price pair is already known,
// the on-start check runs before the bet joins the monitored set.
func (e *Engine) betActivated(bet *Bet) {
	if e.disposed.Load() {
		return
	}
	if !bet.markOnGoing(e.now().UTC()) {
		return
	}

	if cur, prev, ok := e.prices.Snapshot(bet.Instrument); ok &&
		cur.MidPrice() > 0 && prev.MidPrice() > 0 {
		e.checkBet(bet, cur, prev, true)
	}

	// Only now does the bet become visible to the price-change handler.
	e.betMu.Lock()
	e.active = append(e.active, bet)
	metrics.ActiveBets.Set(float64(len(e.active)))
	e.betMu.Unlock()
}

// betExpired fires when the time-length timer elapses: the bet leaves the
// monitored set, and becomes Lose unless it already won.
func (e *Engine) betExpired(bet *Bet) {
	e.betMu.Lock()
	for idx, b := range e.active {
		if b == bet {
			e.active = append(e.active[:idx], e.active[idx+1:]...)
			break
		}
	}
	metrics.ActiveBets.Set(float64(len(e.active)))
	e.betMu.Unlock()

	if e.disposed.Load() {
		return
	}

	if !bet.finish(e.now().UTC()) {
		return // already won; result was published on the win path
	}

	metrics.BetsSettled.WithLabelValues(bet.Instrument, "lose").Inc()
	e.log.Info("bet lost",
		"bet", bet.ID,
		"user", bet.UserID,
		"instrument", bet.Instrument,
		"amount", bet.Amount.String(),
	)

	e.submit(func() {
		e.publishResult(bet, false)
		e.persistBet(bet)
		e.setUserStatus(bet.session, model.StatusBetLost,
			fmt.Sprintf("Bet LOST [%s] [%s] bet:%s", bet.Box.ID, bet.Instrument, bet.Amount.String()))
	})
}

// --- Win/lose evaluation ---

// checkBet evaluates one bet against a price sample. No-ops if the bet is
// already terminal or the engine is disposing.
func (e *Engine) checkBet(bet *Bet, current, previous model.InstrumentPrice, onStart bool) {
	if e.disposed.Load() || bet.Status().Terminal() {
		return
	}

	var win bool
	if onStart {
		win = checkWinOnStart(bet.Box, current.MidPrice(), e.log)
	} else {
		win = checkWinOngoing(bet.Box, current.MidPrice(), previous.MidPrice(), e.log)
	}

	if win {
		e.processWin(bet)
		return
	}

	// Every non-win check still reports the bet's state to the user.
	e.submit(func() { e.publishResult(bet, false) })
}

// processWin performs the terminal Win transition: guarded, idempotent,
// and the only place a payout is credited.
func (e *Engine) processWin(bet *Bet) {
	if !bet.tryWin(e.now().UTC()) {
		return
	}

	prize := bet.Amount.Mul(bet.Box.Coefficient)
	bet.session.credit(prize)

	metrics.BetsSettled.WithLabelValues(bet.Instrument, "win").Inc()
	e.log.Info("bet won",
		"bet", bet.ID,
		"user", bet.UserID,
		"instrument", bet.Instrument,
		"amount", bet.Amount.String(),
		"coefficient", bet.Box.Coefficient.String(),
		"prize", prize.String(),
	)

	e.submit(func() {
		e.publishResult(bet, true)
		e.persistBet(bet)
		e.setUserStatus(bet.session, model.StatusBetWon,
			fmt.Sprintf("Bet WON [%s] [%s] bet:%s coef:%s prize:%s",
				bet.Box.ID, bet.Instrument, bet.Amount.String(),
				bet.Box.Coefficient.String(), prize.String()))
	})
}

// --- Side effects ---

// publishResult sends a result snapshot to the user's topic. When the
// price cache has no entry for the instrument the snapshot says so
// explicitly instead of fabricating zero prices.
func (e *Engine) publishResult(bet *Bet, isWin bool) {
	status, graphStamp, winStamp, finishedStamp := bet.stamps()

	res := model.BetResult{
		BoxID:       bet.Box.ID,
		Instrument:  bet.Instrument,
		BetAmount:   bet.Amount,
		Coefficient: bet.Box.Coefficient,
		MinPrice:    bet.Box.MinPrice,
		MaxPrice:    bet.Box.MaxPrice,
		TimeToGraph: bet.Box.TimeToGraph,
		TimeLength:  bet.Box.TimeLength,

		Timestamp:        bet.PlacedAt,
		TimeToGraphStamp: graphStamp,
		WinStamp:         winStamp,
		FinishedStamp:    finishedStamp,

		Status: int(status),
		IsWin:  isWin,
	}

	if cur, prev, ok := e.prices.Snapshot(bet.Instrument); ok {
		res.CurrentPrice = cur
		res.PreviousPrice = prev
		res.PriceKnown = true
	}

	if e.pub != nil {
		e.pub.Publish(bet.UserID, res)
	}
}

func (e *Engine) persistBet(bet *Bet) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveBet(ctx, bet.record()); err != nil {
		e.reporter.Error("save-bet", err)
	}
}

func (e *Engine) persistSession(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveSession(ctx, sess.Record()); err != nil {
		e.reporter.Error("save-session", err)
	}
}

// setUserStatus records a status transition and persists both the session
// and the history entry. Persistence failures are logged, never rolled
// back into the in-memory state.
func (e *Engine) setUserStatus(sess *Session, status int, message string) {
	entry := sess.SetStatus(status, message)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.SaveSession(ctx, sess.Record()); err != nil {
		e.reporter.Error("save-session", err)
	}
	if err := e.store.SaveStatusEntry(ctx, &entry); err != nil {
		e.reporter.Error("save-status-entry", err)
	}
}

// --- Lifecycle ---

// Dispose stops the refresh monitor, cancels every armed bet timer, and
// shuts the side-effect workers down. No new check or refresh begins once
// Dispose returns; in-flight checks no-op against the disposed flag.
func (e *Engine) Dispose() {
	e.disposeMu.Lock()
	defer e.disposeMu.Unlock()

	if e.disposed.Swap(true) {
		return
	}

	e.coeffs.StopMonitor()

	e.sessions.Each(func(sess *Session) { sess.stopBetTimers() })

	e.betMu.Lock()
	e.active = nil
	metrics.ActiveBets.Set(0)
	e.betMu.Unlock()

	close(e.workStop)
	e.workerWg.Wait()
}

func distinct(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
