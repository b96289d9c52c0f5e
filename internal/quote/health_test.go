package quote

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// newHealthIngestor builds an ingestor with a single feed carrying the
// given exclusion window, with lastSeen pinned far in the past.
func newHealthIngestor(t *testing.T, exclStart, exclEnd string) (*Ingestor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	ing := NewIngestor([]FeedConfig{{
		ID:                 "primary",
		AllowedInstruments: []string{"EURUSD"},
		StalenessThreshold: 30 * time.Second,
		ExclusionStart:     exclStart,
		ExclusionEnd:       exclEnd,
	}}, 10, nil, log)

	ing.feeds["primary"].lastSeen = time.Now().Add(-time.Hour)
	return ing, &buf
}

func TestCheckFeeds_WarnsOnSilence(t *testing.T) {
	ing, buf := newHealthIngestor(t, "", "")

	ing.CheckFeeds(time.Now())

	if !strings.Contains(buf.String(), "no messages from feed") {
		t.Errorf("expected a liveness warning, got: %s", buf.String())
	}
}

func TestCheckFeeds_NoWarningWhenFresh(t *testing.T) {
	ing, buf := newHealthIngestor(t, "", "")
	ing.feeds["primary"].lastSeen = time.Now()

	ing.CheckFeeds(time.Now())

	if strings.Contains(buf.String(), "no messages from feed") {
		t.Errorf("fresh feed should not warn, got: %s", buf.String())
	}
}

func TestCheckFeeds_SuppressedInsideExclusionWindow(t *testing.T) {
	// Saturday 2025-06-07 12:00 UTC sits inside Friday 21:00 → Sunday 21:00.
	now := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)

	ing, buf := newHealthIngestor(t, "Friday;21:00:00", "Sunday;21:00:00")
	ing.feeds["primary"].lastSeen = now.Add(-time.Hour)

	ing.CheckFeeds(now)

	if strings.Contains(buf.String(), "no messages from feed") {
		t.Errorf("warning should be suppressed inside exclusion window, got: %s", buf.String())
	}
}

func TestCheckFeeds_WarnsOutsideExclusionWindow(t *testing.T) {
	// Wednesday 2025-06-04 12:00 UTC is outside the weekend window.
	now := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)

	ing, buf := newHealthIngestor(t, "Friday;21:00:00", "Sunday;21:00:00")
	ing.feeds["primary"].lastSeen = now.Add(-time.Hour)

	ing.CheckFeeds(now)

	if !strings.Contains(buf.String(), "no messages from feed") {
		t.Errorf("expected a liveness warning outside the window, got: %s", buf.String())
	}
}

func TestCheckFeeds_MalformedWindowFailsOpen(t *testing.T) {
	now := time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC)

	// Garbage start spec: the check must fail open and suppress the
	// warning instead of crashing the monitor.
	ing, buf := newHealthIngestor(t, "Fridayy 21-00", "Sunday;21:00:00")
	ing.feeds["primary"].lastSeen = now.Add(-time.Hour)

	ing.CheckFeeds(now)

	if strings.Contains(buf.String(), "no messages from feed") {
		t.Errorf("malformed window must suppress the warning, got: %s", buf.String())
	}
}

func TestExclusionBounds_WalksToNearestDays(t *testing.T) {
	// From a Saturday, the start walks back to Friday and the end walks
	// forward to Sunday.
	now := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC) // Saturday

	start, end, err := exclusionBounds(now, "Friday;21:00:00", "Sunday;21:00:00")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantStart := time.Date(2025, 6, 6, 21, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2025, 6, 8, 21, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestParseWeekBoundary(t *testing.T) {
	tests := []struct {
		spec    string
		wantDay time.Weekday
		wantErr bool
	}{
		{"Friday;21:00:00", time.Friday, false},
		{"sunday;09:30:15", time.Sunday, false},
		{"Friday", 0, true},
		{"Noday;21:00:00", 0, true},
		{"Friday;21:00", 0, true},
		{"Friday;25:00:00", 0, true},
		{"Friday;21:xx:00", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		day, _, _, _, err := parseWeekBoundary(tt.spec)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseWeekBoundary(%q): expected error", tt.spec)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseWeekBoundary(%q): unexpected error %v", tt.spec, err)
			continue
		}
		if day != tt.wantDay {
			t.Errorf("parseWeekBoundary(%q) day = %v, want %v", tt.spec, day, tt.wantDay)
		}
	}
}
