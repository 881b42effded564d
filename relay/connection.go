// Package relay implements the server-side connection registry: it binds
// ephemeral WebSocket connections to authenticated identities, fans
// messages out to every other authenticated connection, and answers
// roster queries through the presence tracker.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
)

const (
	// outboundQueueSize bounds the per-connection write backlog. A peer
	// that cannot drain this many envelopes is dropped rather than being
	// allowed to stall the registry.
	outboundQueueSize = 64

	writeTimeout = 10 * time.Second
)

var errConnectionClosed = errors.New("connection closed")

// Metadata describes the client behind a connection, captured at accept.
type Metadata struct {
	RemoteIP  string
	UserAgent string
	IsMobile  bool
}

// Connection is one live WebSocket channel. It starts unauthenticated;
// the registry binds it to an identity when an auth envelope succeeds.
// identity and authenticated are guarded by the registry's mutex.
type Connection struct {
	ID   string
	meta Metadata

	ws  *websocket.Conn
	out chan *envelope.Envelope

	closeOnce sync.Once
	closed    chan struct{}

	identity      string
	authenticated bool
}

func newConnection(id string, ws *websocket.Conn, meta Metadata) *Connection {
	c := &Connection{
		ID:     id,
		meta:   meta,
		ws:     ws,
		out:    make(chan *envelope.Envelope, outboundQueueSize),
		closed: make(chan struct{}),
	}
	go c.writePump()
	return c
}

// send queues an envelope for delivery without blocking. It fails when
// the connection is closed or its outbound queue is full.
func (c *Connection) send(env *envelope.Envelope) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	select {
	case c.out <- env:
		return nil
	case <-c.closed:
		return errConnectionClosed
	default:
		return errors.New("outbound queue full")
	}
}

// close tears down the underlying channel. Safe to call more than once;
// the read loop observing the closed socket drives registry cleanup.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// writePump serializes all writes to the WebSocket. gorilla/websocket
// permits only one concurrent writer per connection.
func (c *Connection) writePump() {
	for {
		select {
		case env := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":      "writePump",
					"connection_id": c.ID,
				}).WithError(err).Debug("Write failed, closing connection")
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
