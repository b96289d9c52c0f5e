package game

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pricebox/game-engine/internal/model"
)

// Service exposes the engine's user-facing operations over HTTP.
type Service struct {
	engine *Engine
	wsHub  *WSHub // optional WebSocket hub for per-user result delivery
}

// NewService creates a new game service.
// Pass nil for hub if WebSocket delivery is not needed.
func NewService(engine *Engine, hub *WSHub) *Service {
	return &Service{engine: engine, wsHub: hub}
}

// --- Request/Response types ---

// InitResponse is the JSON body returned from POST /users/{userID}/init.
type InitResponse struct {
	UserID   string          `json:"user_id"`
	Balance  decimal.Decimal `json:"balance"`
	BoxSizes []model.BoxSize `json:"box_sizes"`
}

// PlaceBetRequest is the JSON body for POST /bets.
type PlaceBetRequest struct {
	UserID     string          `json:"user_id"`
	Instrument string          `json:"instrument"`
	Box        json.RawMessage `json:"box"`
	Amount     decimal.Decimal `json:"amount"`
}

// PlaceBetResponse is the JSON body returned from POST /bets.
type PlaceBetResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

// BalanceResponse is the JSON body returned from balance endpoints.
type BalanceResponse struct {
	UserID  string          `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// SetBalanceRequest is the JSON body for PUT /users/{userID}/balance.
type SetBalanceRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

// UserEventRequest is the JSON body for POST /users/{userID}/events.
type UserEventRequest struct {
	Event   int    `json:"event"`
	Message string `json:"message"`
}

// --- HTTP Handlers ---

// InitUser handles POST /api/v1/users/{userID}/init
func (s *Service) InitUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, "user id is required", http.StatusBadRequest)
		return
	}

	boxes, err := s.engine.InitUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to initialize user", http.StatusInternalServerError)
		return
	}

	balance, err := s.engine.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}

	writeJSON(w, InitResponse{UserID: userID, Balance: balance, BoxSizes: boxes})
}

// PlaceBet handles POST /api/v1/bets
func (s *Service) PlaceBet(w http.ResponseWriter, r *http.Request) {
	var req PlaceBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Instrument == "" {
		writeError(w, "instrument is required", http.StatusBadRequest)
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	placed, err := s.engine.PlaceBet(r.Context(), req.UserID, req.Instrument, string(req.Box), req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientBalance):
			writeError(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ErrUnknownInstrument):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrEngineDisposed):
			writeError(w, err.Error(), http.StatusServiceUnavailable)
		default:
			writeError(w, err.Error(), http.StatusBadRequest)
		}
		return
	}

	writeJSON(w, PlaceBetResponse{Timestamp: placed})
}

// GetBalance handles GET /api/v1/users/{userID}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	balance, err := s.engine.GetBalance(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, BalanceResponse{UserID: userID, Balance: balance})
}

// SetBalance handles PUT /api/v1/users/{userID}/balance
func (s *Service) SetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Balance.IsNegative() {
		writeError(w, "balance must not be negative", http.StatusBadRequest)
		return
	}

	balance, err := s.engine.SetBalance(r.Context(), userID, req.Balance)
	if err != nil {
		writeError(w, "failed to set balance", http.StatusInternalServerError)
		return
	}
	writeJSON(w, BalanceResponse{UserID: userID, Balance: balance})
}

// GetCoefficients handles GET /api/v1/coefficients/{instrument}
func (s *Service) GetCoefficients(w http.ResponseWriter, r *http.Request) {
	instrument := chi.URLParam(r, "instrument")
	data, ok := s.engine.GetCoefficients(instrument)
	if !ok {
		writeError(w, "no coefficients for instrument: "+instrument, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(data))
}

// PostUserEvent handles POST /api/v1/users/{userID}/events
func (s *Service) PostUserEvent(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req UserEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.engine.LogUserEvent(r.Context(), userID, req.Event, req.Message); err != nil {
		writeError(w, "failed to record event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleWS handles GET /api/v1/ws/{userID}
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		writeError(w, "websocket delivery is disabled", http.StatusNotImplemented)
		return
	}
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, "user id is required", http.StatusBadRequest)
		return
	}
	s.wsHub.HandleWS(w, r, userID)
}

// writeJSON writes a JSON response body.
func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
