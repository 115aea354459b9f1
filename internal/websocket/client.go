package websocket

import (
	"context"
	"strings"
	"time"

	ws "github.com/coder/websocket"
)

const (
	sendBufferSize = 16
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Client is one admin feed connection.
type Client struct {
	hub     *Hub
	conn    *ws.Conn
	send    chan []byte
	adminID int64
	// types limits delivery to these event types; nil means everything.
	types map[string]bool
}

// NewClient returns a feed client for adminID. types filters event types,
// case-insensitively; empty subscribes to all events.
func NewClient(hub *Hub, conn *ws.Conn, adminID int64, types []string) *Client {
	c := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		adminID: adminID,
	}
	for _, t := range types {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if c.types == nil {
			c.types = make(map[string]bool)
		}
		c.types[t] = true
	}
	return c
}

func (c *Client) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

// Run streams hub events until the peer disconnects or ctx ends. The feed is
// one-way: inbound data frames are discarded and only control frames matter.
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
			if err := c.conn.Ping(ctx); err != nil {
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
