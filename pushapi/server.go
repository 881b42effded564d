// Package pushapi implements the push+command transport surface: a
// one-way server-sent event stream for inbound delivery, paired with
// independent fire-and-forget command endpoints for outbound actions
// (send, key exchange, heartbeat, logout, roster poll).
//
// Presence on this surface is lease-based: clients heartbeat every few
// seconds and the HeartbeatTracker expires identities that go quiet.
package pushapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
	"github.com/boris-chu/Private-Messaging-Service-sub000/presence"
)

const (
	// subscriberQueueSize bounds the per-stream backlog. Events beyond
	// this are dropped for that subscriber rather than blocking the
	// publisher.
	subscriberQueueSize = 64

	keepaliveInterval = 15 * time.Second
)

// Server serves the push stream and its command endpoints.
type Server struct {
	tracker *presence.HeartbeatTracker

	mu   sync.Mutex
	subs map[string]map[chan *envelope.Envelope]struct{}
}

// NewServer creates a push/command server backed by a heartbeat tracker.
func NewServer(tracker *presence.HeartbeatTracker) *Server {
	return &Server{
		tracker: tracker,
		subs:    make(map[string]map[chan *envelope.Envelope]struct{}),
	}
}

// Register mounts the API endpoints on a mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/users", s.handleUsers)
	mux.HandleFunc("/api/keys", s.handleKeys)
	mux.HandleFunc("/api/keys/request", s.handleKeyRequest)
}

// handleStream serves the one-way event stream for a single identity.
// Envelopes are written as SSE data frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch := s.subscribe(username)
	defer s.unsubscribe(username, ch)

	logrus.WithFields(logrus.Fields{
		"function": "handleStream",
		"identity": username,
	}).Info("Push stream opened")

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case env := <-ch:
			data, err := env.Encode()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			logrus.WithFields(logrus.Fields{
				"function": "handleStream",
				"identity": username,
			}).Debug("Push stream closed")
			return
		}
	}
}

// SendRequest wraps an outbound envelope with the sender's identity.
// The identity is validated against the heartbeat lease, not trusted
// into the relayed envelope's sender field directly from the payload.
type SendRequest struct {
	Username string          `json:"username"`
	Envelope json.RawMessage `json:"envelope"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Envelope) == 0 {
		writeError(w, http.StatusBadRequest, "username and envelope are required")
		return
	}

	env, err := envelope.Decode(req.Envelope)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed envelope")
		return
	}

	switch env.Type {
	case envelope.TypeMessage, envelope.TypeEncryptedMessage,
		envelope.TypeMessageDelivered, envelope.TypeMessageRead:
	default:
		writeError(w, http.StatusBadRequest, "unsupported envelope type")
		return
	}

	if s.tracker.Status(req.Username) != presence.StatusOnline {
		writeError(w, http.StatusUnauthorized, "unknown or expired identity")
		return
	}

	env.Sender = req.Username
	env.Timestamp = envelope.NowMillis()
	count := s.publish(env, req.Username)

	logrus.WithFields(logrus.Fields{
		"function":   "handleMessages",
		"type":       env.Type,
		"sender":     req.Username,
		"recipients": count,
	}).Debug("Command message published")

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// HeartbeatRequest announces an identity's liveness.
type HeartbeatRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	IsAnonymous bool   `json:"isAnonymous,omitempty"`
}

// RosterResponse is shared by the heartbeat and logout endpoints.
type RosterResponse struct {
	Success     bool                  `json:"success"`
	OnlineUsers []presence.OnlineUser `json:"onlineUsers"`
	TotalOnline int                   `json:"totalOnline"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	s.tracker.Heartbeat(req.Username, req.DisplayName, req.IsAnonymous)
	s.writeRoster(w)
}

// LogoutRequest removes an identity immediately, bypassing lease expiry.
type LogoutRequest struct {
	Username string `json:"username"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}

	s.tracker.Logout(req.Username)
	s.writeRoster(w)
}

func (s *Server) writeRoster(w http.ResponseWriter) {
	users := s.tracker.OnlineUsers()
	writeJSON(w, http.StatusOK, RosterResponse{
		Success:     true,
		OnlineUsers: users,
		TotalOnline: len(users),
	})
}

// UsersResponse answers a direct roster poll.
type UsersResponse struct {
	Success bool     `json:"success"`
	Users   []string `json:"users"`
	Total   int      `json:"total"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	users := s.tracker.ListOnline()
	if exclude := r.URL.Query().Get("exclude"); exclude != "" {
		filtered := users[:0]
		for _, u := range users {
			if u != exclude {
				filtered = append(filtered, u)
			}
		}
		users = filtered
	}
	if users == nil {
		users = []string{}
	}

	writeJSON(w, http.StatusOK, UsersResponse{
		Success: true,
		Users:   users,
		Total:   len(users),
	})
}

// KeyPublishRequest floods an identity's public key to everyone else.
type KeyPublishRequest struct {
	Username  string `json:"username"`
	PublicKey string `json:"publicKey"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req KeyPublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "username and publicKey are required")
		return
	}
	if s.tracker.Status(req.Username) != presence.StatusOnline {
		writeError(w, http.StatusUnauthorized, "unknown or expired identity")
		return
	}

	env, err := envelope.New(envelope.TypePublicKeyExchange, envelope.PublicKeyExchangePayload{
		PublicKey: req.PublicKey,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	env.Sender = req.Username
	s.publish(env, req.Username)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// KeyRequestRequest asks one specific identity to republish its key.
type KeyRequestRequest struct {
	Username  string `json:"username"`
	Requester string `json:"requester"`
}

func (s *Server) handleKeyRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req KeyRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Requester == "" {
		writeError(w, http.StatusBadRequest, "username and requester are required")
		return
	}
	if s.tracker.Status(req.Requester) != presence.StatusOnline {
		writeError(w, http.StatusUnauthorized, "unknown or expired identity")
		return
	}

	env, err := envelope.New(envelope.TypePublicKeyRequest, envelope.PublicKeyRequestPayload{
		Username: req.Username,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	env.Sender = req.Requester

	if !s.publishTo(req.Username, env) {
		writeError(w, http.StatusNotFound, "identity has no open stream")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) subscribe(username string) chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, subscriberQueueSize)

	s.mu.Lock()
	set, ok := s.subs[username]
	if !ok {
		set = make(map[chan *envelope.Envelope]struct{})
		s.subs[username] = set
	}
	set[ch] = struct{}{}
	s.mu.Unlock()

	return ch
}

func (s *Server) unsubscribe(username string, ch chan *envelope.Envelope) {
	s.mu.Lock()
	if set, ok := s.subs[username]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(s.subs, username)
		}
	}
	s.mu.Unlock()
}

// publish fans an envelope out to every subscriber except those of the
// originating identity. A full subscriber queue loses the event rather
// than blocking the publisher.
func (s *Server) publish(env *envelope.Envelope, except string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for username, set := range s.subs {
		if username == except {
			continue
		}
		for ch := range set {
			select {
			case ch <- env:
				count++
			default:
				logrus.WithFields(logrus.Fields{
					"function": "publish",
					"identity": username,
				}).Warn("Subscriber queue full, dropping event")
			}
		}
	}
	return count
}

// publishTo delivers an envelope only to one identity's streams,
// reporting whether any stream was open.
func (s *Server) publishTo(username string, env *envelope.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.subs[username]
	if !ok || len(set) == 0 {
		return false
	}
	for ch := range set {
		select {
		case ch <- env:
		default:
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
