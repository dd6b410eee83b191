// Package relay forwards viewer events to a local websocket peer.
//
// Messages sent while the connection is down are dropped, not queued.
package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "atlas_relay",
		Name:      "sent_total",
		Help:      "Events written to the relay peer.",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Subsystem: "atlas_relay",
		Name:      "dropped_total",
		Help:      "Events dropped because the relay was disconnected.",
	})
)

// Envelope is the wire form of a relayed event.
type Envelope struct {
	Event string `json:"event"`
	Ev    any    `json:"ev"`
}

// Config contains relay settings.
type Config struct {
	URL          string
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MinBackoff <= 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Client keeps a websocket connection open and reconnects with
// exponential backoff.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a relay client. Call Start to connect.
func New(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg, dialer: websocket.DefaultDialer}
}

// Start launches the connection loop. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one event. It reports whether the event was written.
func (c *Client) Send(name string, ev any) bool {
	payload, err := json.Marshal(Envelope{Event: name, Ev: ev})
	if err != nil {
		log.Printf("[Relay] Failed to encode %s: %v", name, err)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		droppedTotal.Inc()
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("[Relay] Write error: %v", err)
		c.conn.Close()
		c.conn = nil
		droppedTotal.Inc()
		return false
	}
	sentTotal.Inc()
	return true
}

func (c *Client) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := c.cfg.MinBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Relay] Dial error: %v. Retrying in %v...", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}
		backoff = c.cfg.MinBackoff

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()
		log.Printf("[Relay] Connected to %s", c.cfg.URL)

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Relay] Read error: %v. Reconnecting...", err)
				}
				break
			}
			log.Printf("[Relay] Received: %s", msg)
		}

		c.mu.Lock()
		if c.conn == conn {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
	}
}
