// Package quote turns raw, possibly-redundant feed ticks into a clean
// current/previous mid-price cache per instrument and monitors feed
// liveness.
//
// Quotes arrive one side at a time (bid or ask). A price-changed event is
// emitted only once both sides of an instrument are known; a bet is never
// checked against a half-known price.
package quote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pricebox/game-engine/internal/logx"
	"github.com/pricebox/game-engine/internal/metrics"
	"github.com/pricebox/game-engine/internal/model"
	"github.com/pricebox/game-engine/internal/store"
)

// FeedConfig describes one upstream feed as seen by the ingestor.
// Reconnection and transport concerns belong to the feed client.
type FeedConfig struct {
	ID                 string
	AllowedInstruments []string
	StalenessThreshold time.Duration
	ExclusionStart     string
	ExclusionEnd       string
}

// Handler receives price-changed events. Delivery is single-consumer and
// in-order per instrument. The handler runs under the ingestor lock, so it
// must only capture the snapshots and dispatch; calling back into the
// ingestor deadlocks.
type Handler func(current, previous model.InstrumentPrice)

type feedState struct {
	cfg      FeedConfig
	allowed  map[string]struct{}
	lastSeen time.Time // guarded by Ingestor.mu
}

// priceEntry owns the price state for one instrument. pending is the
// running bid/ask being assembled from single-sided ticks; current and
// previous are the last two emitted snapshots. previous is always the
// prior value of current, replaced in one step under the ingestor lock.
type priceEntry struct {
	pending  model.InstrumentPrice
	current  model.InstrumentPrice
	previous model.InstrumentPrice
	emitted  bool
}

// Ingestor consumes quotes from one or two redundant feeds, deduplicates
// them into a running bid/ask cache, and emits normalized price-changed
// events. One Ingestor instance owns its own locks; multiple independent
// instances can coexist in tests.
type Ingestor struct {
	mu      sync.Mutex
	feeds   map[string]*feedState
	cache   map[string]*priceEntry
	graph   map[string][]float64 // trailing mid-prices, capped
	handler Handler

	graphPoints int
	history     store.QuoteHistory
	log         *slog.Logger
	reporter    *logx.Reporter
	now         func() time.Time

	healthStop chan struct{}
	healthDone chan struct{}
}

// NewIngestor creates an ingestor for the given feeds. history may be nil
// when no raw-quote sink is configured.
func NewIngestor(feeds []FeedConfig, graphPoints int, history store.QuoteHistory, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	if history == nil {
		history = store.NopHistory{}
	}
	if graphPoints <= 0 {
		graphPoints = 50
	}

	ing := &Ingestor{
		feeds:       make(map[string]*feedState, len(feeds)),
		cache:       make(map[string]*priceEntry),
		graph:       make(map[string][]float64),
		graphPoints: graphPoints,
		history:     history,
		log:         log,
		reporter:    logx.NewReporter(log),
		now:         time.Now,
	}

	start := time.Now()
	for _, cfg := range feeds {
		allowed := make(map[string]struct{}, len(cfg.AllowedInstruments))
		for _, inst := range cfg.AllowedInstruments {
			allowed[inst] = struct{}{}
		}
		ing.feeds[cfg.ID] = &feedState{cfg: cfg, allowed: allowed, lastSeen: start}
	}
	return ing
}

// Subscribe registers the single price-changed consumer. Must be called
// before quotes start flowing.
func (i *Ingestor) Subscribe(h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handler = h
}

// OnQuote processes one raw tick from the named feed. Per-message failures
// are contained: a bad quote is logged and dropped, never stopping the
// stream.
func (i *Ingestor) OnQuote(feedID string, q model.Quote) {
	i.mu.Lock()
	defer i.mu.Unlock()

	fs, ok := i.feeds[feedID]
	if !ok {
		i.reporter.Error("ingest", fmt.Errorf("quote from unknown feed %q discarded", feedID))
		return
	}

	// Liveness bookkeeping happens before any filtering: a feed sending
	// non-allow-listed instruments is still alive.
	fs.lastSeen = i.now()

	if _, ok := fs.allowed[q.Instrument]; !ok {
		metrics.QuotesDiscarded.WithLabelValues(feedID, "not_allowed").Inc()
		return
	}

	if q.Price <= 0 {
		metrics.QuotesDiscarded.WithLabelValues(feedID, "zero_price").Inc()
		i.log.Warn("quote with non-positive price discarded",
			"feed", feedID,
			"instrument", q.Instrument,
			"is_buy", q.IsBuy,
			"price", q.Price,
			"upstream_ts", q.Timestamp,
		)
		return
	}

	metrics.QuotesReceived.WithLabelValues(feedID).Inc()

	// Fire-and-forget history write; a failing sink never blocks ingestion.
	go i.appendHistory(q)

	entry, ok := i.cache[q.Instrument]
	if !ok {
		entry = &priceEntry{}
		entry.pending.Instrument = q.Instrument
		i.cache[q.Instrument] = entry
	}

	if q.IsBuy {
		entry.pending.Bid = q.Price
	} else {
		entry.pending.Ask = q.Price
	}
	// Normalize to local receipt time, not the upstream timestamp.
	entry.pending.Timestamp = i.now()

	if !entry.pending.HasBothSides() {
		// Half-known price: no event until both sides observed.
		return
	}

	// Value copy: downstream holds an immutable snapshot, never the
	// mutable pending entry.
	snapshot := entry.pending

	if entry.emitted {
		entry.previous = entry.current
	} else {
		entry.previous = snapshot
		entry.emitted = true
	}
	entry.current = snapshot

	mids := append(i.graph[q.Instrument], snapshot.MidPrice())
	if len(mids) > i.graphPoints {
		mids = mids[len(mids)-i.graphPoints:]
	}
	i.graph[q.Instrument] = mids

	// Deliver while still holding the lock: this is what makes delivery
	// totally ordered per instrument with a single consumer.
	if i.handler != nil {
		i.handler(entry.current, entry.previous)
	}
}

func (i *Ingestor) appendHistory(q model.Quote) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := i.history.Append(ctx, q); err != nil {
		i.reporter.Error("quote-history", err)
	}
}

// Snapshot returns copies of the current and previous price for an
// instrument. ok is false until the instrument has emitted at least one
// price-changed event.
func (i *Ingestor) Snapshot(instrument string) (current, previous model.InstrumentPrice, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entry, found := i.cache[instrument]
	if !found || !entry.emitted {
		return model.InstrumentPrice{}, model.InstrumentPrice{}, false
	}
	return entry.current, entry.previous, true
}

// TrailingAverage returns the average of the instrument's recent mid-prices.
// ok is false when no full quote has been observed yet.
func (i *Ingestor) TrailingAverage(instrument string) (avg float64, ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	mids := i.graph[instrument]
	if len(mids) == 0 {
		return 0, false
	}
	var sum float64
	for _, m := range mids {
		sum += m
	}
	return sum / float64(len(mids)), true
}

// GraphedInstruments lists instruments with at least one full quote.
func (i *Ingestor) GraphedInstruments() []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]string, 0, len(i.graph))
	for inst := range i.graph {
		out = append(out, inst)
	}
	return out
}
