// Package feed streams quotes from upstream price providers into the
// ingestor over WebSocket.
package feed

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pricebox/game-engine/internal/model"
)

// QuoteSink receives quotes tagged with the feed they arrived on.
// Implemented by quote.Ingestor.
type QuoteSink interface {
	OnQuote(feedID string, q model.Quote)
}

// wireQuote is the upstream feed's JSON quote message.
type wireQuote struct {
	Instrument string  `json:"instrument"`
	Side       string  `json:"side"` // "bid" or "ask"
	Price      float64 `json:"price"`
	Timestamp  int64   `json:"timestamp"` // unix milliseconds
}

// Client maintains one WebSocket connection to a quote provider and
// forwards every message to the sink. Reconnects forever until Stop.
type Client struct {
	feedID string
	url    string
	sink   QuoteSink
	log    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewClient creates a feed client. feedID is the identity quotes are
// tagged with when delivered to the sink.
func NewClient(feedID, url string, sink QuoteSink, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		feedID: feedID,
		url:    url,
		sink:   sink,
		log:    log.With("feed", feedID),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start begins streaming in a background goroutine.
func (c *Client) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	go c.run()
}

// Stop closes the connection and ends the reconnect loop.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	<-c.done
}

func (c *Client) run() {
	defer close(c.done)

	for c.isRunning() {
		if err := c.connect(); err != nil {
			c.log.Error("feed connection failed", "err", err)
			if !c.sleep(5 * time.Second) {
				return
			}
			continue
		}

		c.readMessages()

		if c.isRunning() {
			c.log.Warn("feed disconnected, reconnecting")
			if !c.sleep(time.Second) {
				return
			}
		}
	}
}

func (c *Client) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.log.Info("feed connected", "url", c.url)
	return nil
}

func (c *Client) readMessages() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.isRunning() {
				c.log.Error("feed read error", "err", err)
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg wireQuote
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed quote message dropped", "err", err)
		return
	}

	c.sink.OnQuote(c.feedID, model.Quote{
		Instrument: msg.Instrument,
		IsBuy:      msg.Side == "bid",
		Price:      msg.Price,
		Timestamp:  time.UnixMilli(msg.Timestamp).UTC(),
	})
}

func (c *Client) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}
