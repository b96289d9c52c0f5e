package quote

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pricebox/game-engine/internal/metrics"
)

// StartHealthMonitor begins the recurring feed-liveness check. Stop halts
// it; no check starts after Stop returns.
func (i *Ingestor) StartHealthMonitor(interval time.Duration) {
	i.mu.Lock()
	if i.healthStop != nil {
		i.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	i.healthStop = stop
	i.healthDone = done
	i.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				i.CheckFeeds(i.now())
			}
		}
	}()
}

// Stop halts the health monitor.
func (i *Ingestor) Stop() {
	i.mu.Lock()
	stop, done := i.healthStop, i.healthDone
	i.healthStop, i.healthDone = nil, nil
	i.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// CheckFeeds evaluates every feed's silence against its staleness
// threshold, raising a warning unless now falls inside the feed's weekly
// exclusion window. Called on each health-monitor tick.
func (i *Ingestor) CheckFeeds(now time.Time) {
	type silentFeed struct {
		cfg     FeedConfig
		elapsed time.Duration
	}

	i.mu.Lock()
	var silent []silentFeed
	for _, fs := range i.feeds {
		elapsed := now.Sub(fs.lastSeen)
		if elapsed > fs.cfg.StalenessThreshold {
			silent = append(silent, silentFeed{cfg: fs.cfg, elapsed: elapsed})
		}
	}
	i.mu.Unlock()

	for _, sf := range silent {
		if i.inExclusionWindow(now, sf.cfg.ExclusionStart, sf.cfg.ExclusionEnd) {
			continue
		}
		metrics.FeedSilenceWarnings.WithLabelValues(sf.cfg.ID).Inc()
		i.log.Warn("no messages from feed",
			"feed", sf.cfg.ID,
			"silent_for", sf.elapsed.String(),
			"threshold", sf.cfg.StalenessThreshold.String(),
		)
	}
}

// inExclusionWindow reports whether now falls inside the weekly window
// [start, end]. An unconfigured window (both specs empty) never excludes.
// A malformed window fails open: the check reports "excluded" so the
// monitor suppresses the warning instead of crashing or storming the log.
func (i *Ingestor) inExclusionWindow(now time.Time, startSpec, endSpec string) bool {
	if startSpec == "" && endSpec == "" {
		return false
	}

	start, end, err := exclusionBounds(now, startSpec, endSpec)
	if err != nil {
		i.reporter.Error("exclusion-window", err)
		return true
	}
	return now.After(start) && now.Before(end)
}

// exclusionBounds resolves the weekly window specs against the current
// week: the start boundary walks backward from today to the nearest
// matching day-of-week, the end boundary walks forward from the start day.
func exclusionBounds(now time.Time, startSpec, endSpec string) (start, end time.Time, err error) {
	startDay, sh, sm, ss, err := parseWeekBoundary(startSpec)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("exclusion start %q: %w", startSpec, err)
	}
	endDay, eh, em, es, err := parseWeekBoundary(endSpec)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("exclusion end %q: %w", endSpec, err)
	}

	start = time.Date(now.Year(), now.Month(), now.Day(), sh, sm, ss, 0, now.Location())
	for start.Weekday() != startDay {
		start = start.AddDate(0, 0, -1)
	}

	end = time.Date(start.Year(), start.Month(), start.Day(), eh, em, es, 0, now.Location())
	for end.Weekday() != endDay {
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

// parseWeekBoundary parses a "Weekday;HH:MM:SS" boundary spec.
func parseWeekBoundary(spec string) (day time.Weekday, h, m, s int, err error) {
	parts := strings.Split(spec, ";")
	if len(parts) != 2 {
		return 0, 0, 0, 0, fmt.Errorf("want \"Weekday;HH:MM:SS\", got %q", spec)
	}

	day, ok := weekdayByName(parts[0])
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("unknown weekday %q", parts[0])
	}

	clock := strings.Split(parts[1], ":")
	if len(clock) != 3 {
		return 0, 0, 0, 0, fmt.Errorf("bad time of day %q", parts[1])
	}
	h, err = strconv.Atoi(clock[0])
	if err == nil {
		m, err = strconv.Atoi(clock[1])
	}
	if err == nil {
		s, err = strconv.Atoi(clock[2])
	}
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("bad time of day %q: %w", parts[1], err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 || s < 0 || s > 59 {
		return 0, 0, 0, 0, fmt.Errorf("time of day out of range %q", parts[1])
	}
	return day, h, m, s, nil
}

func weekdayByName(name string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), name) {
			return d, true
		}
	}
	return 0, false
}
