package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
)

// ErrNotConnected is returned by Send when the transport has no live
// channel.
var ErrNotConnected = errors.New("transport not connected")

const wsWriteTimeout = 10 * time.Second

// WebSocketTransport carries both directions over one persistent
// connection.
type WebSocketTransport struct {
	url string

	mu       sync.Mutex
	ws       *websocket.Conn
	status   Status
	closeCb  CloseFunc
	manual   bool
	handlers handlerMap
}

// NewWebSocketTransport creates a transport that dials url on Connect.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{url: url}
}

// Connect dials the server and starts the read loop.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.status != StatusDisconnected {
		t.mu.Unlock()
		return errors.New("transport already connected or connecting")
	}
	t.status = StatusConnecting
	t.manual = false
	t.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.mu.Lock()
		t.status = StatusDisconnected
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.ws = ws
	t.status = StatusConnected
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"url":      t.url,
	}).Info("WebSocket transport connected")

	go t.readLoop(ws)
	return nil
}

// Disconnect closes the channel cleanly; the close callback receives a
// nil error.
func (t *WebSocketTransport) Disconnect() error {
	t.mu.Lock()
	ws := t.ws
	t.manual = true
	t.ws = nil
	t.status = StatusDisconnected
	t.mu.Unlock()

	if ws == nil {
		return nil
	}

	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return ws.Close()
}

// Send writes one envelope to the channel.
func (t *WebSocketTransport) Send(env *envelope.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ws == nil || t.status != StatusConnected {
		return ErrNotConnected
	}
	_ = t.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return t.ws.WriteJSON(env)
}

// RegisterHandler subscribes a handler for an envelope type.
func (t *WebSocketTransport) RegisterHandler(typ envelope.Type, h Handler) {
	t.handlers.set(typ, h)
}

// OnClose sets the close callback.
func (t *WebSocketTransport) OnClose(f CloseFunc) {
	t.mu.Lock()
	t.closeCb = f
	t.mu.Unlock()
}

// Status reports the current connection state.
func (t *WebSocketTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// readLoop parses inbound frames and dispatches them to handlers,
// running each handler to completion before reading the next frame.
func (t *WebSocketTransport) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			t.handleClosed(ws, err)
			return
		}

		env, err := envelope.Decode(raw)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
			}).WithError(err).Debug("Dropping undecodable frame")
			continue
		}

		// Liveness probes are answered at the transport level.
		if env.Type == envelope.TypePing {
			pong, err := envelope.New(envelope.TypePong, nil)
			if err == nil {
				_ = t.Send(pong)
			}
			continue
		}

		t.handlers.dispatch(env)
	}
}

// handleClosed reports an unexpected close. A close that follows a
// manual Disconnect is reported with a nil error so reconnect logic
// stays quiet.
func (t *WebSocketTransport) handleClosed(ws *websocket.Conn, err error) {
	t.mu.Lock()
	// A stale read loop from a previous connection must not reset state
	// for the current one.
	if t.ws != ws && !t.manual {
		t.mu.Unlock()
		return
	}
	manual := t.manual
	cb := t.closeCb
	t.ws = nil
	t.status = StatusDisconnected
	t.mu.Unlock()

	if manual {
		err = nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleClosed",
		"manual":   manual,
	}).Info("WebSocket transport closed")

	if cb != nil {
		cb(err)
	}
}

// handlerMap is a typed, mutex-guarded handler registry shared by both
// backends.
type handlerMap struct {
	mu sync.RWMutex
	m  map[envelope.Type]Handler
}

func (hm *handlerMap) set(typ envelope.Type, h Handler) {
	hm.mu.Lock()
	if hm.m == nil {
		hm.m = make(map[envelope.Type]Handler)
	}
	hm.m[typ] = h
	hm.mu.Unlock()
}

func (hm *handlerMap) dispatch(env *envelope.Envelope) {
	hm.mu.RLock()
	h := hm.m[env.Type]
	hm.mu.RUnlock()

	if h != nil {
		h(env)
	}
}
