package game_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/coeff"
	"github.com/pricebox/game-engine/internal/game"
	"github.com/pricebox/game-engine/internal/model"
	"github.com/pricebox/game-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type staticPrices struct{}

func (staticPrices) Snapshot(instrument string) (model.InstrumentPrice, model.InstrumentPrice, bool) {
	at := time.Now().UTC()
	cur := model.InstrumentPrice{Instrument: instrument, Bid: 1.1005, Ask: 1.1006, Timestamp: at}
	prev := model.InstrumentPrice{Instrument: instrument, Bid: 1.1004, Ask: 1.1005, Timestamp: at.Add(-time.Second)}
	return cur, prev, true
}

func (staticPrices) TrailingAverage(string) (float64, bool) { return 1.1, true }

func (staticPrices) GraphedInstruments() []string { return []string{"EURUSD"} }

type stubCalculator struct{}

func (stubCalculator) Request(_ context.Context, _, instrument string) (string, error) {
	return `{"pair":"` + instrument + `","coefficients":[[1.5,2.0]]}`, nil
}

func (stubCalculator) Change(_ context.Context, _, _ string, _, _ int, _ float64, _, _ int) (string, error) {
	return "OK", nil
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*game.Engine, *store.MemoryStore, chi.Router) {
	t.Helper()

	ms := store.NewMemoryStore()
	sessions := game.NewSessionStore(8, ms, nil, nil)
	cache := coeff.NewCache(stubCalculator{}, "test-engine", nil)

	engine := game.NewEngine(staticPrices{}, sessions, ms, cache, nil, nil, game.Options{
		AllowedInstruments: []string{"EURUSD"},
		DefaultBoxSize: model.BoxSize{
			BoxesPerRow:    7,
			BoxHeight:      7,
			BoxWidth:       0.00003,
			TimeToFirstBox: 4,
		},
		CoeffRefreshInterval: time.Hour,
	})
	t.Cleanup(engine.Dispose)

	svc := game.NewService(engine, nil)

	r := chi.NewRouter()
	r.Post("/api/v1/users/{userID}/init", svc.InitUser)
	r.Get("/api/v1/users/{userID}/balance", svc.GetBalance)
	r.Put("/api/v1/users/{userID}/balance", svc.SetBalance)
	r.Post("/api/v1/users/{userID}/events", svc.PostUserEvent)
	r.Post("/api/v1/bets", svc.PlaceBet)
	r.Get("/api/v1/coefficients/{instrument}", svc.GetCoefficients)

	return engine, ms, r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func initUser(t *testing.T, router chi.Router, userID string) game.InitResponse {
	t.Helper()
	w := doJSON(t, router, "POST", "/api/v1/users/"+userID+"/init", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("init user: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp game.InitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode init response: %v", err)
	}
	return resp
}

func setBalance(t *testing.T, router chi.Router, userID string, amount float64) {
	t.Helper()
	w := doJSON(t, router, "PUT", "/api/v1/users/"+userID+"/balance",
		game.SetBalanceRequest{Balance: d(amount)})
	if w.Code != http.StatusOK {
		t.Fatalf("set balance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func betBox() json.RawMessage {
	data, _ := json.Marshal(model.Box{
		ID:          "box-1",
		MinPrice:    d(1.1000),
		MaxPrice:    d(1.1010),
		Coefficient: d(2),
		TimeToGraph: 4,
		TimeLength:  10,
	})
	return data
}

func TestInitUser_ReturnsScaledBoxes(t *testing.T) {
	_, _, router := newTestEnv(t)

	resp := initUser(t, router, "alice")
	if resp.UserID != "alice" {
		t.Errorf("user_id = %q, want alice", resp.UserID)
	}
	if !resp.Balance.IsZero() {
		t.Errorf("new user balance = %s, want 0", resp.Balance)
	}
	if len(resp.BoxSizes) != 1 || resp.BoxSizes[0].Instrument != "EURUSD" {
		t.Fatalf("box sizes = %+v, want one EURUSD entry", resp.BoxSizes)
	}
}

func TestPlaceBet_HTTPHappyPath(t *testing.T) {
	_, ms, router := newTestEnv(t)
	initUser(t, router, "alice")
	setBalance(t, router, "alice", 100)

	w := doJSON(t, router, "POST", "/api/v1/bets", game.PlaceBetRequest{
		UserID:     "alice",
		Instrument: "EURUSD",
		Box:        betBox(),
		Amount:     d(10),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp game.PlaceBetResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Timestamp.IsZero() {
		t.Error("placement timestamp missing")
	}

	// The stake must be debited immediately.
	w = doJSON(t, router, "GET", "/api/v1/users/alice/balance", nil)
	var bal game.BalanceResponse
	json.Unmarshal(w.Body.Bytes(), &bal)
	if !bal.Balance.Equal(d(90)) {
		t.Errorf("balance after placement = %s, want 90", bal.Balance)
	}

	// And the bet persisted on the background path.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(ms.Bets()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("bet not persisted, store holds %d bets", len(ms.Bets()))
}

func TestPlaceBet_InsufficientBalanceIsConflict(t *testing.T) {
	_, _, router := newTestEnv(t)
	initUser(t, router, "alice")

	w := doJSON(t, router, "POST", "/api/v1/bets", game.PlaceBetRequest{
		UserID:     "alice",
		Instrument: "EURUSD",
		Box:        betBox(),
		Amount:     d(10),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceBet_UnknownInstrumentIsBadRequest(t *testing.T) {
	_, _, router := newTestEnv(t)
	initUser(t, router, "alice")
	setBalance(t, router, "alice", 100)

	w := doJSON(t, router, "POST", "/api/v1/bets", game.PlaceBetRequest{
		UserID:     "alice",
		Instrument: "XAUUSD",
		Box:        betBox(),
		Amount:     d(10),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestPlaceBet_RejectsNonPositiveAmount(t *testing.T) {
	_, _, router := newTestEnv(t)
	initUser(t, router, "alice")

	w := doJSON(t, router, "POST", "/api/v1/bets", game.PlaceBetRequest{
		UserID:     "alice",
		Instrument: "EURUSD",
		Box:        betBox(),
		Amount:     d(0),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSetBalance_RejectsNegative(t *testing.T) {
	_, _, router := newTestEnv(t)
	initUser(t, router, "alice")

	w := doJSON(t, router, "PUT", "/api/v1/users/alice/balance",
		game.SetBalanceRequest{Balance: d(-5)})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestGetCoefficients_HTTP(t *testing.T) {
	_, _, router := newTestEnv(t)
	initUser(t, router, "alice") // first init bootstraps the cache

	w := doJSON(t, router, "GET", "/api/v1/coefficients/EURUSD", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("EURUSD")) {
		t.Errorf("grid body missing instrument: %s", w.Body.String())
	}

	w = doJSON(t, router, "GET", "/api/v1/coefficients/XAUUSD", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for uncached instrument, got %d", w.Code)
	}
}

func TestPostUserEvent(t *testing.T) {
	_, ms, router := newTestEnv(t)
	initUser(t, router, "alice")

	w := doJSON(t, router, "POST", "/api/v1/users/alice/events",
		game.UserEventRequest{Event: 7, Message: "graph opened"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	found := false
	for _, e := range ms.StatusEntries() {
		if e.UserID == "alice" && e.Status == 7 {
			found = true
		}
	}
	if !found {
		t.Error("event not persisted")
	}
}
