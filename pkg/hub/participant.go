package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/wallgrid/wallgrid/pkg/registry"
	"github.com/wallgrid/wallgrid/pkg/wire"
)

// EgressLimit bounds the per-participant outbound queue. A participant that
// cannot drain this many messages is dead weight; its transport is closed
// rather than letting it stall the hub.
const EgressLimit = 256

var (
	ErrConduitClosed  = errors.New("conduit is closed")
	ErrEgressOverflow = errors.New("egress queue overflow")
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Conduit is the hub's handle on one participant transport. Implementations
// must be safe for concurrent use; the hub loop and the region coalescer both
// enqueue.
type Conduit interface {
	TransportID() registry.TransportID
	// Enqueue serializes and queues one outbound message without blocking.
	// An overflow closes the transport and returns ErrEgressOverflow.
	Enqueue(msg any) error
	// Kick closes the transport. The read side unwinds and detaches the
	// participant from the hub.
	Kick(reason string)
}

// wsConduit is the production Conduit over a websocket connection.
type wsConduit struct {
	id     registry.TransportID
	logger *logrus.Entry
	conn   *websocket.Conn

	egress    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newWSConduit(id registry.TransportID, conn *websocket.Conn) *wsConduit {
	return &wsConduit{
		id:     id,
		logger: logrus.WithField("transport_id", id),
		conn:   conn,
		egress: make(chan []byte, EgressLimit),
		closed: make(chan struct{}),
	}
}

func (c *wsConduit) TransportID() registry.TransportID {
	return c.id
}

func (c *wsConduit) Enqueue(msg any) error {
	data, err := wire.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return ErrConduitClosed
	default:
	}

	select {
	case c.egress <- data:
		return nil
	default:
		c.Kick("egress overflow")
		return ErrEgressOverflow
	}
}

func (c *wsConduit) Kick(reason string) {
	c.closeOnce.Do(func() {
		c.logger.WithField("reason", reason).Info("closing participant transport")
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			deadline,
		)
		c.conn.Close()
	})
}

// writePump owns all writes on the connection: queued frames plus keepalive
// pings. Runs until Kick.
func (c *wsConduit) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.egress:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Kick("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Kick("ping failed")
				return
			}
		}
	}
}
