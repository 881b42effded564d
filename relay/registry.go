package relay

import (
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
	"github.com/boris-chu/Private-Messaging-Service-sub000/presence"
)

// Registry owns every live connection and relays envelopes between them.
// One mutex serializes all envelope handling, so each event mutates the
// connection and identity maps to completion before the next one runs.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*Connection
	tracker *presence.ConnTracker
}

// NewRegistry creates a registry backed by a connection-count presence
// tracker.
func NewRegistry(tracker *presence.ConnTracker) *Registry {
	return &Registry{
		conns:   make(map[string]*Connection),
		tracker: tracker,
	}
}

// Accept registers a freshly upgraded WebSocket. The connection starts
// unauthenticated and always succeeds.
func (r *Registry) Accept(ws *websocket.Conn, meta Metadata) *Connection {
	conn := newConnection(uuid.NewString(), ws, meta)

	r.mu.Lock()
	r.conns[conn.ID] = conn
	total := len(r.conns)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Accept",
		"connection_id": conn.ID,
		"remote_ip":     meta.RemoteIP,
		"is_mobile":     meta.IsMobile,
		"total":         total,
	}).Info("Connection accepted")

	return conn
}

// HandleEnvelope processes one envelope from a connection. Protocol
// errors are reported back to the originating connection only and are
// never fatal to the registry.
func (r *Registry) HandleEnvelope(connectionID string, env *envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}

	switch env.Type {
	case envelope.TypeAuth:
		r.handleAuth(conn, env)
	case envelope.TypeMessage, envelope.TypeEncryptedMessage,
		envelope.TypeMessageDelivered, envelope.TypeMessageRead:
		r.relayBroadcast(conn, env)
	case envelope.TypePublicKeyExchange:
		r.relayBroadcast(conn, env)
	case envelope.TypePublicKeyRequest:
		r.handleKeyRequest(conn, env)
	case envelope.TypeUserListRequest:
		r.sendRoster(conn)
	case envelope.TypePing:
		pong, _ := envelope.New(envelope.TypePong, nil)
		r.sendTo(conn, pong)
	default:
		r.sendError(conn, "Unknown message type")
	}
}

// HandleClose unbinds a connection and, when its identity has no live
// connections left, announces the departure to everyone remaining.
func (r *Registry) HandleClose(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connectionID]
	if !ok {
		return
	}
	delete(r.conns, connectionID)
	conn.close()

	if !conn.authenticated {
		return
	}

	identity, last, ok := r.tracker.Disconnect(connectionID)
	logrus.WithFields(logrus.Fields{
		"function":      "HandleClose",
		"connection_id": connectionID,
		"identity":      identity,
		"last":          last,
	}).Info("Connection closed")

	if ok && last {
		left, err := envelope.New(envelope.TypeUserLeft, envelope.UserEventPayload{User: identity})
		if err != nil {
			return
		}
		r.broadcastLocked(left, "")
	}
}

// handleAuth binds the connection to the identity supplied in the auth
// payload. Multiple simultaneous connections per identity are supported;
// user_joined is broadcast only for the first one. Re-authenticating
// under the same identity is acknowledged without touching presence;
// re-authenticating under a different identity releases the old binding
// first so the old identity cannot stay online with no connection.
func (r *Registry) handleAuth(conn *Connection, env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		r.sendError(conn, "Malformed auth payload")
		return
	}
	auth := payload.(*envelope.AuthPayload)
	if auth.Username == "" {
		r.sendError(conn, "Authentication requires a username")
		return
	}

	if conn.authenticated {
		if conn.identity == auth.Username {
			r.ackAuthLocked(conn)
			return
		}
		r.unbindLocked(conn)
	}

	conn.identity = auth.Username
	conn.authenticated = true
	first := r.tracker.Connect(auth.Username, conn.ID)

	logrus.WithFields(logrus.Fields{
		"function":      "handleAuth",
		"connection_id": conn.ID,
		"identity":      auth.Username,
		"first":         first,
	}).Info("Connection authenticated")

	r.ackAuthLocked(conn)

	if first {
		joined, err := envelope.New(envelope.TypeUserJoined, envelope.UserEventPayload{User: auth.Username})
		if err == nil {
			r.broadcastLocked(joined, conn.ID)
		}
	}
}

// ackAuthLocked confirms a successful auth to the caller: connection
// status first, then the current roster excluding the caller.
func (r *Registry) ackAuthLocked(conn *Connection) {
	status, err := envelope.New(envelope.TypeConnectionStatus, envelope.ConnectionStatusPayload{
		Status:        "connected",
		Authenticated: true,
	})
	if err == nil {
		r.sendTo(conn, status)
	}
	r.sendRosterLocked(conn)
}

// unbindLocked releases a connection's current identity binding,
// broadcasting user_left when that identity has no other connection.
func (r *Registry) unbindLocked(conn *Connection) {
	identity, last, ok := r.tracker.Disconnect(conn.ID)

	logrus.WithFields(logrus.Fields{
		"function":      "unbindLocked",
		"connection_id": conn.ID,
		"identity":      identity,
		"last":          last,
	}).Info("Connection identity released")

	conn.identity = ""
	conn.authenticated = false

	if ok && last {
		left, err := envelope.New(envelope.TypeUserLeft, envelope.UserEventPayload{User: identity})
		if err == nil {
			r.broadcastLocked(left, conn.ID)
		}
	}
}

// relayBroadcast stamps the sender from the bound identity and fans the
// envelope out to every other authenticated connection. The recipient
// field inside message payloads is carried untouched and intentionally
// not used to narrow delivery.
func (r *Registry) relayBroadcast(conn *Connection, env *envelope.Envelope) {
	if !conn.authenticated {
		r.sendError(conn, "Not authenticated")
		return
	}

	env.Sender = conn.identity
	count := r.broadcastLocked(env, conn.ID)

	logrus.WithFields(logrus.Fields{
		"function":   "relayBroadcast",
		"type":       env.Type,
		"sender":     conn.identity,
		"recipients": count,
	}).Debug("Envelope relayed")
}

// handleKeyRequest forwards a public key request only to the connections
// bound to the requested identity, dropping it silently when that
// identity has no live connection.
func (r *Registry) handleKeyRequest(conn *Connection, env *envelope.Envelope) {
	if !conn.authenticated {
		r.sendError(conn, "Not authenticated")
		return
	}

	payload, err := env.Payload()
	if err != nil {
		r.sendError(conn, "Malformed key request")
		return
	}
	request := payload.(*envelope.PublicKeyRequestPayload)

	env.Sender = conn.identity
	for _, target := range r.conns {
		if target.authenticated && target.identity == request.Username {
			if err := target.send(env); err != nil {
				target.close()
			}
		}
	}
}

// sendRoster answers a roster query with the online identities,
// excluding the requester's own identity.
func (r *Registry) sendRoster(conn *Connection) {
	r.sendRosterLocked(conn)
}

func (r *Registry) sendRosterLocked(conn *Connection) {
	var users []string
	for _, identity := range r.tracker.ListOnline() {
		if identity != conn.identity {
			users = append(users, identity)
		}
	}
	if users == nil {
		users = []string{}
	}

	list, err := envelope.New(envelope.TypeUserList, envelope.UserListPayload{Users: users})
	if err != nil {
		return
	}
	r.sendTo(conn, list)
}

// broadcastLocked delivers env to every authenticated connection except
// exceptID. A connection whose queue overflows is closed; its read loop
// drives the usual disconnect path. Returns the number of recipients.
func (r *Registry) broadcastLocked(env *envelope.Envelope, exceptID string) int {
	count := 0
	for id, conn := range r.conns {
		if id == exceptID || !conn.authenticated {
			continue
		}
		if err := conn.send(env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "broadcastLocked",
				"connection_id": id,
			}).WithError(err).Warn("Dropping unresponsive connection")
			conn.close()
			continue
		}
		count++
	}
	return count
}

func (r *Registry) sendTo(conn *Connection, env *envelope.Envelope) {
	if err := conn.send(env); err != nil {
		conn.close()
	}
}

// sendErrorByID reports a protocol error to a connection looked up by
// id, used by the read loop for boundary validation failures.
func (r *Registry) sendErrorByID(connectionID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[connectionID]; ok {
		r.sendError(conn, message)
	}
}

func (r *Registry) sendError(conn *Connection, message string) {
	env, err := envelope.New(envelope.TypeError, envelope.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	r.sendTo(conn, env)
}

// ConnectionCount reports the number of live connections, used by
// operational endpoints and tests.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
