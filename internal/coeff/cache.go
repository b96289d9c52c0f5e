package coeff

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pricebox/game-engine/internal/logx"
	"github.com/pricebox/game-engine/internal/metrics"
	"github.com/pricebox/game-engine/internal/model"
)

// Cache holds the last successfully fetched coefficient string per
// instrument. Values are stale up to one refresh period; callers must
// tolerate that.
//
// Two locks with distinct scopes: calcMu serializes every call against the
// external calculator (its per-session state is a shared resource system
// wide), cacheMu guards only the in-memory map. calcMu is never taken
// while holding cacheMu.
type Cache struct {
	calc      Calculator
	sessionID string
	log       *slog.Logger
	reporter  *logx.Reporter

	calcMu sync.Mutex

	cacheMu sync.Mutex
	coeffs  map[string]string

	monitorStop chan struct{}
	monitorDone chan struct{}
	stateMu     sync.Mutex
}

// NewCache creates a coefficient cache owned by the given calculator
// session.
func NewCache(calc Calculator, sessionID string, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		calc:      calc,
		sessionID: sessionID,
		log:       log,
		reporter:  logx.NewReporter(log),
		coeffs:    make(map[string]string),
	}
}

// Get returns the cached coefficient string for an instrument from the
// last successful refresh.
func (c *Cache) Get(instrument string) (string, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	v, ok := c.coeffs[instrument]
	return v, ok
}

// Refresh fetches coefficients for every instrument and atomically
// replaces the cache contents. The whole batch runs under the calculator
// guard so no parameter change interleaves with it.
func (c *Cache) Refresh(ctx context.Context, instruments []string) error {
	start := time.Now()

	c.calcMu.Lock()
	fresh := make(map[string]string, len(instruments))
	var err error
	for _, inst := range instruments {
		var v string
		v, err = c.calc.Request(ctx, c.sessionID, inst)
		if err != nil {
			err = fmt.Errorf("refresh coefficients %s: %w", inst, err)
			break
		}
		fresh[inst] = v
	}
	c.calcMu.Unlock()

	if err != nil {
		return err
	}

	c.cacheMu.Lock()
	c.coeffs = fresh
	c.cacheMu.Unlock()

	metrics.CoeffRefreshDuration.Observe(time.Since(start).Seconds())
	return nil
}

// ChangeParameters pushes box-sizing parameters to the calculator one
// instrument at a time, aborting the whole batch on the first non-"OK"
// answer. Serialized against refreshes by the calculator guard.
func (c *Cache) ChangeParameters(ctx context.Context, boxes []model.BoxSize) error {
	c.calcMu.Lock()
	defer c.calcMu.Unlock()

	for _, box := range boxes {
		res, err := c.calc.Change(ctx, c.sessionID, box.Instrument,
			int(box.TimeToFirstBox), int(box.BoxHeight), box.BoxWidth,
			NPriceIndex, NTimeIndex)
		if err != nil {
			return fmt.Errorf("change parameters %s: %w", box.Instrument, err)
		}
		if res != "OK" {
			return fmt.Errorf("change parameters %s: calculator answered %q", box.Instrument, res)
		}
	}
	return nil
}

// StartMonitor begins the recurring refresh. instruments is re-evaluated
// on every tick so newly configured instruments join the refresh without a
// restart. StopMonitor halts it; no refresh starts afterwards.
func (c *Cache) StartMonitor(interval time.Duration, instruments func() []string) {
	c.stateMu.Lock()
	if c.monitorStop != nil {
		c.stateMu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.monitorStop = stop
	c.monitorDone = done
	c.stateMu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval*10)
				if err := c.Refresh(ctx, instruments()); err != nil {
					c.reporter.Error("coeff-refresh", err)
				}
				cancel()
			}
		}
	}()
}

// StopMonitor halts the recurring refresh.
func (c *Cache) StopMonitor() {
	c.stateMu.Lock()
	stop, done := c.monitorStop, c.monitorDone
	c.monitorStop, c.monitorDone = nil, nil
	c.stateMu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
