package feed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pricebox/game-engine/internal/model"
)

type captureSink struct {
	mu     sync.Mutex
	quotes []model.Quote
	feeds  []string
}

func (s *captureSink) OnQuote(feedID string, q model.Quote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = append(s.feeds, feedID)
	s.quotes = append(s.quotes, q)
}

func (s *captureSink) snapshot() []model.Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Quote, len(s.quotes))
	copy(out, s.quotes)
	return out
}

var testUpgrader = websocket.Upgrader{}

// quoteServer serves each given payload once to every connecting client.
func quoteServer(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, p := range payloads {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitForQuotes(t *testing.T, sink *captureSink, n int) []model.Quote {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if quotes := sink.snapshot(); len(quotes) >= n {
			return quotes
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("got %d quotes, want %d", len(sink.snapshot()), n)
	return nil
}

func TestClientDeliversQuotes(t *testing.T) {
	srv := quoteServer(t, []string{
		`{"instrument":"EURUSD","side":"bid","price":1.1004,"timestamp":1700000000000}`,
		`{"instrument":"EURUSD","side":"ask","price":1.1006,"timestamp":1700000000001}`,
	})
	defer srv.Close()

	sink := &captureSink{}
	client := NewClient("primary", wsURL(srv), sink, nil)
	client.Start()
	defer client.Stop()

	quotes := waitForQuotes(t, sink, 2)

	if quotes[0].Instrument != "EURUSD" || !quotes[0].IsBuy || quotes[0].Price != 1.1004 {
		t.Errorf("first quote = %+v, want EURUSD bid 1.1004", quotes[0])
	}
	if quotes[1].IsBuy {
		t.Errorf("second quote should be the ask side: %+v", quotes[1])
	}
	if got := quotes[0].Timestamp; got != time.UnixMilli(1700000000000).UTC() {
		t.Errorf("timestamp = %v, want upstream milliseconds preserved", got)
	}

	sink.mu.Lock()
	feedID := sink.feeds[0]
	sink.mu.Unlock()
	if feedID != "primary" {
		t.Errorf("feed id = %q, want primary", feedID)
	}
}

func TestClientSkipsMalformedMessages(t *testing.T) {
	srv := quoteServer(t, []string{
		`not json`,
		`{"instrument":"GBPUSD","side":"bid","price":1.27,"timestamp":1700000000000}`,
	})
	defer srv.Close()

	sink := &captureSink{}
	client := NewClient("primary", wsURL(srv), sink, nil)
	client.Start()
	defer client.Stop()

	quotes := waitForQuotes(t, sink, 1)
	if quotes[0].Instrument != "GBPUSD" {
		t.Errorf("quote = %+v, want the GBPUSD tick after the malformed one", quotes[0])
	}
}

func TestClientStopEndsReconnectLoop(t *testing.T) {
	srv := quoteServer(t, nil)
	sink := &captureSink{}
	client := NewClient("primary", wsURL(srv), sink, nil)
	client.Start()

	done := make(chan struct{})
	go func() {
		client.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	srv.Close()
}
