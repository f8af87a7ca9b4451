package caster

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/wire"
)

// Client is the broadcaster's signaling connection to the hub. Reads are
// decoded into concrete wire messages on an owned goroutine; writes are
// serialized with a mutex so the coordinator and callers never interleave
// frames.
type Client struct {
	logger *logrus.Entry
	conn   *websocket.Conn

	writeMu sync.Mutex

	messages  chan any
	closeOnce sync.Once
}

// Dial connects to the hub's websocket endpoint and starts the read loop.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		logger:   logrus.WithField("component", "signaling-client"),
		conn:     conn,
		messages: make(chan any, 64),
	}
	go c.readLoop()
	return c, nil
}

// Messages delivers decoded hub messages. Closed when the connection drops.
func (c *Client) Messages() <-chan any {
	return c.messages
}

// Send marshals and writes one wire message.
func (c *Client) Send(msg any) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down. Idempotent; the read loop exits and
// Messages closes.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) readLoop() {
	defer close(c.messages)
	defer c.Close()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Warn("signaling connection lost")
			}
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed hub message")
			continue
		}
		c.messages <- msg
	}
}
