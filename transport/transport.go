// Package transport provides the client-side delivery channel
// abstraction. Two interchangeable backends implement the same
// interface: a persistent bidirectional WebSocket, and a push stream
// (server-sent events) paired with fire-and-forget command requests.
//
// Handlers are registered per envelope type and dispatched synchronously
// in the read loop, so each handler runs to completion before the next
// inbound envelope is processed. Ordering is FIFO within one stream;
// there is no ordering guarantee across the two halves of the push
// backend.
package transport

import (
	"context"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
)

// Status is the connection state of a transport.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler processes one inbound envelope of a registered type.
type Handler func(env *envelope.Envelope)

// CloseFunc is invoked once when the transport loses its connection.
// err is nil for a clean, locally requested shutdown.
type CloseFunc func(err error)

// Transport is the uniform surface the message service consumes. All
// implementations are safe for concurrent use.
type Transport interface {
	// Connect establishes the channel. It blocks until the channel is
	// usable or ctx is done.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down cleanly. No reconnect should be
	// attempted by callers observing the resulting close callback.
	Disconnect() error

	// Send transmits one envelope. It fails when disconnected.
	Send(env *envelope.Envelope) error

	// RegisterHandler subscribes a handler for a given envelope type,
	// replacing any previous handler for that type.
	RegisterHandler(t envelope.Type, h Handler)

	// OnClose sets the callback invoked when the channel closes.
	OnClose(f CloseFunc)

	// Status reports the current connection state.
	Status() Status
}
