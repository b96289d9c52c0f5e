package game

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pricebox/game-engine/internal/metrics"
	"github.com/pricebox/game-engine/internal/model"
)

// WSMessage is a JSON message sent to a user's WebSocket clients.
type WSMessage struct {
	Type   string           `json:"type"`
	UserID string           `json:"user_id"`
	Result *model.BetResult `json:"result,omitempty"`
}

type wsClient struct {
	conn   *websocket.Conn
	userID string
}

type userMessage struct {
	userID string
	data   []byte
}

// WSHub manages WebSocket connections keyed by user and delivers bet
// results to the clients of the user they belong to. Implements Publisher.
type WSHub struct {
	clients    map[*wsClient]bool
	byUser     map[string]map[*wsClient]bool
	send       chan userMessage
	register   chan *wsClient
	unregister chan *wsClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]bool),
		byUser:     make(map[string]map[*wsClient]bool),
		send:       make(chan userMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			peers := h.byUser[client.userID]
			if peers == nil {
				peers = make(map[*wsClient]bool)
				h.byUser[client.userID] = peers
			}
			peers[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			slog.Info("ws client connected", "user", client.userID, "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.send:
			h.mu.Lock()
			for client := range h.byUser[msg.userID] {
				if err := client.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					h.drop(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop removes a client from both indexes. Caller holds h.mu.
func (h *WSHub) drop(client *wsClient) {
	delete(h.clients, client)
	if peers := h.byUser[client.userID]; peers != nil {
		delete(peers, client)
		if len(peers) == 0 {
			delete(h.byUser, client.userID)
		}
	}
	client.conn.Close()
}

// Register creates the user's topic so results published before any client
// connects are simply dropped rather than misrouted.
func (h *WSHub) Register(userID string) {
	h.mu.Lock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*wsClient]bool)
	}
	h.mu.Unlock()
}

// Publish sends a bet result to the user's connected clients. Drops the
// message if the hub's buffer is full to avoid blocking settlement.
func (h *WSHub) Publish(userID string, res model.BetResult) {
	data, err := json.Marshal(WSMessage{Type: "bet_result", UserID: userID, Result: &res})
	if err != nil {
		return
	}
	select {
	case h.send <- userMessage{userID: userID, data: data}:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws/{userID}.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	client := &wsClient{conn: conn, userID: userID}
	h.register <- client

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- client }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[client]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
