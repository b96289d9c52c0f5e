// Package logx provides a de-duplicating error reporter on top of log/slog.
// Event handlers on hot paths (quote ingestion, bet checks) can hit the same
// failure thousands of times per minute; identical messages are suppressed
// within a fixed window to avoid log storms.
package logx

import (
	"log/slog"
	"sync"
	"time"
)

// DedupWindow is how long an identical error message is suppressed after
// being logged once.
const DedupWindow = time.Minute

// Reporter logs errors through slog, dropping repeats of the same message
// seen within DedupWindow. Safe for concurrent use.
type Reporter struct {
	log *slog.Logger

	mu       sync.Mutex
	lastMsg  string
	lastTime time.Time
	now      func() time.Time
}

// NewReporter creates a reporter writing to the given logger. A nil logger
// falls back to slog.Default.
func NewReporter(log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{log: log, now: time.Now}
}

// Error logs err under the named process unless the same message was
// already logged within the last minute.
func (r *Reporter) Error(process string, err error) {
	if err == nil {
		return
	}
	msg := err.Error()

	r.mu.Lock()
	suppress := msg == r.lastMsg && r.now().Before(r.lastTime.Add(DedupWindow))
	if !suppress {
		r.lastMsg = msg
		r.lastTime = r.now()
	}
	r.mu.Unlock()

	if suppress {
		return
	}
	r.log.Error("operation failed", "process", process, "err", msg)
}
