package events

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 32
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one subscriber. A non-empty entities set limits what it receives.
type Client struct {
	hub      *Hub
	conn     *ws.Conn
	send     chan []byte
	entities map[string]bool
}

func NewClient(hub *Hub, conn *ws.Conn, entities ...string) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	for _, e := range entities {
		if e = strings.TrimSpace(e); e != "" {
			if c.entities == nil {
				c.entities = make(map[string]bool)
			}
			c.entities[e] = true
		}
	}
	return c
}

func (c *Client) wants(entity string) bool {
	return c.entities == nil || c.entities[entity]
}

// Run streams queued events until the peer disconnects or ctx ends.
// Subscribers never send; inbound frames close the stream.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx = c.conn.CloseRead(ctx)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.write(ctx, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, ws.MessageText, msg)
}

func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Ping(ctx)
}

// Handler upgrades the request and streams events until the client leaves.
// ?entity=backup,reconcile restricts the stream to those entities.
func Handler(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var entities []string
		if v := r.URL.Query().Get("entity"); v != "" {
			entities = strings.Split(v, ",")
		}

		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			logger.Warn("event stream accept", "error", err)
			return
		}
		defer conn.CloseNow()

		logger.Debug("event subscriber connected", "remote", r.RemoteAddr, "entities", entities)
		NewClient(hub, conn, entities...).Run(r.Context())
		conn.Close(ws.StatusNormalClosure, "")
	}
}
