package logx

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestReporter_SuppressesRepeats(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(slog.New(slog.NewTextHandler(&buf, nil)))

	now := time.Now()
	r.now = func() time.Time { return now }

	r.Error("ingest", errors.New("connection refused"))
	r.Error("ingest", errors.New("connection refused"))
	r.Error("ingest", errors.New("connection refused"))

	if got := strings.Count(buf.String(), "connection refused"); got != 1 {
		t.Errorf("expected 1 logged error, got %d: %s", got, buf.String())
	}
}

func TestReporter_LogsAgainAfterWindow(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(slog.New(slog.NewTextHandler(&buf, nil)))

	now := time.Now()
	r.now = func() time.Time { return now }
	r.Error("ingest", errors.New("connection refused"))

	r.now = func() time.Time { return now.Add(DedupWindow + time.Second) }
	r.Error("ingest", errors.New("connection refused"))

	if got := strings.Count(buf.String(), "connection refused"); got != 2 {
		t.Errorf("expected 2 logged errors, got %d", got)
	}
}

func TestReporter_DifferentMessagesNotSuppressed(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(slog.New(slog.NewTextHandler(&buf, nil)))

	r.Error("ingest", errors.New("first failure"))
	r.Error("ingest", errors.New("second failure"))

	out := buf.String()
	if !strings.Contains(out, "first failure") || !strings.Contains(out, "second failure") {
		t.Errorf("both messages should be logged, got: %s", out)
	}
}

func TestReporter_NilError(t *testing.T) {
	var buf bytes.Buffer
	r := NewReporter(slog.New(slog.NewTextHandler(&buf, nil)))

	r.Error("ingest", nil)

	if buf.Len() != 0 {
		t.Errorf("nil error should not log, got: %s", buf.String())
	}
}
