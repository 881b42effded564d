package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
	"github.com/boris-chu/Private-Messaging-Service-sub000/pushapi"
)

// DefaultHeartbeatInterval is how often the push transport re-announces
// its identity to keep the presence lease alive.
const DefaultHeartbeatInterval = 10 * time.Second

// PushConfig configures a PushTransport.
type PushConfig struct {
	// BaseURL is the root of the push/command API, e.g. "http://host:8080".
	BaseURL string
	// Identity is the username the inbound stream is keyed by.
	Identity string
	// DisplayName and IsAnonymous are carried on heartbeats.
	DisplayName string
	IsAnonymous bool
	// HeartbeatInterval defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// PushTransport pairs a one-way server-sent event stream (inbound) with
// independent command requests (outbound). The two halves are one
// logical transport: a command failure does not tear down the stream,
// and a stream outage does not block commands.
type PushTransport struct {
	cfg  PushConfig
	http *http.Client

	mu      sync.Mutex
	status  Status
	cancel  context.CancelFunc
	manual  bool
	closeCb CloseFunc

	handlers handlerMap
}

// NewPushTransport creates a push+command transport.
func NewPushTransport(cfg PushConfig) *PushTransport {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &PushTransport{cfg: cfg, http: client}
}

// Connect opens the inbound stream and starts the heartbeat loop.
func (t *PushTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.status != StatusDisconnected {
		t.mu.Unlock()
		return errors.New("transport already connected or connecting")
	}
	t.status = StatusConnecting
	t.manual = false
	t.mu.Unlock()

	// The stream outlives Connect, so it runs on its own context; the
	// caller's ctx only governs the dial and is detached once it resolves.
	streamCtx, cancel := context.WithCancel(context.Background())
	stopPropagation := context.AfterFunc(ctx, cancel)

	url := fmt.Sprintf("%s/api/stream?username=%s", strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.Identity)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		stopPropagation()
		cancel()
		t.setDisconnected()
		return err
	}

	resp, err := t.http.Do(req)
	stopPropagation()
	if err != nil {
		cancel()
		t.setDisconnected()
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.setDisconnected()
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	t.mu.Lock()
	t.cancel = cancel
	t.status = StatusConnected
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"identity": t.cfg.Identity,
		"base_url": t.cfg.BaseURL,
	}).Info("Push transport connected")

	go t.readLoop(resp)
	go t.heartbeatLoop(streamCtx)

	return nil
}

// Disconnect logs the identity out, closes the stream, and reports a
// clean close.
func (t *PushTransport) Disconnect() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.manual = true
	t.status = StatusDisconnected
	t.mu.Unlock()

	// Best-effort immediate removal; lease expiry covers failures.
	_, _ = t.post("/api/logout", pushapi.LogoutRequest{Username: t.cfg.Identity})

	if cancel != nil {
		cancel()
	}
	return nil
}

// Send issues the command request matching the envelope type. Inbound
// consequences (if any) arrive over the stream, or are synthesized
// locally for request/response commands like roster polls.
func (t *PushTransport) Send(env *envelope.Envelope) error {
	if t.Status() != StatusConnected {
		return ErrNotConnected
	}

	switch env.Type {
	case envelope.TypeAuth:
		return t.sendAuth()

	case envelope.TypeMessage, envelope.TypeEncryptedMessage,
		envelope.TypeMessageDelivered, envelope.TypeMessageRead:
		raw, err := env.Encode()
		if err != nil {
			return err
		}
		_, err = t.post("/api/messages", pushapi.SendRequest{
			Username: t.cfg.Identity,
			Envelope: raw,
		})
		return err

	case envelope.TypeUserListRequest:
		return t.pollRoster()

	case envelope.TypePublicKeyExchange:
		payload, err := env.Payload()
		if err != nil {
			return err
		}
		_, err = t.post("/api/keys", pushapi.KeyPublishRequest{
			Username:  t.cfg.Identity,
			PublicKey: payload.(*envelope.PublicKeyExchangePayload).PublicKey,
		})
		return err

	case envelope.TypePublicKeyRequest:
		payload, err := env.Payload()
		if err != nil {
			return err
		}
		status, err := t.post("/api/keys/request", pushapi.KeyRequestRequest{
			Username:  payload.(*envelope.PublicKeyRequestPayload).Username,
			Requester: t.cfg.Identity,
		})
		// A request for an identity with no open stream is dropped
		// silently, matching the relay's behavior.
		if status == http.StatusNotFound {
			return nil
		}
		return err

	case envelope.TypePing:
		return t.heartbeatOnce()

	default:
		return fmt.Errorf("push transport cannot send %s envelopes", env.Type)
	}
}

// RegisterHandler subscribes a handler for an envelope type.
func (t *PushTransport) RegisterHandler(typ envelope.Type, h Handler) {
	t.handlers.set(typ, h)
}

// OnClose sets the close callback.
func (t *PushTransport) OnClose(f CloseFunc) {
	t.mu.Lock()
	t.closeCb = f
	t.mu.Unlock()
}

// Status reports the current connection state.
func (t *PushTransport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// sendAuth announces the identity and synthesizes the same envelopes the
// bidirectional backend would receive after authenticating, so the
// message service sees one uniform surface.
func (t *PushTransport) sendAuth() error {
	roster, err := t.heartbeatRoster()
	if err != nil {
		return err
	}

	status, err := envelope.New(envelope.TypeConnectionStatus, envelope.ConnectionStatusPayload{
		Status:        "connected",
		Authenticated: true,
	})
	if err == nil {
		t.handlers.dispatch(status)
	}

	list, err := envelope.New(envelope.TypeUserList, envelope.UserListPayload{Users: roster})
	if err == nil {
		t.handlers.dispatch(list)
	}
	return nil
}

// pollRoster issues a roster command and synthesizes a user_list event.
func (t *PushTransport) pollRoster() error {
	url := fmt.Sprintf("%s/api/users?exclude=%s", strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.Identity)
	resp, err := t.http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("roster poll returned status %d", resp.StatusCode)
	}

	var users pushapi.UsersResponse
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return fmt.Errorf("decode roster response: %w", err)
	}

	list, err := envelope.New(envelope.TypeUserList, envelope.UserListPayload{Users: users.Users})
	if err != nil {
		return err
	}
	t.handlers.dispatch(list)
	return nil
}

func (t *PushTransport) heartbeatOnce() error {
	_, err := t.heartbeatRoster()
	return err
}

// heartbeatRoster issues one heartbeat and returns the roster excluding
// the local identity.
func (t *PushTransport) heartbeatRoster() ([]string, error) {
	body, err := json.Marshal(pushapi.HeartbeatRequest{
		Username:    t.cfg.Identity,
		DisplayName: t.cfg.DisplayName,
		IsAnonymous: t.cfg.IsAnonymous,
	})
	if err != nil {
		return nil, err
	}

	resp, err := t.http.Post(strings.TrimRight(t.cfg.BaseURL, "/")+"/api/heartbeat", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("heartbeat returned status %d", resp.StatusCode)
	}

	var roster pushapi.RosterResponse
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		return nil, fmt.Errorf("decode heartbeat response: %w", err)
	}

	users := make([]string, 0, len(roster.OnlineUsers))
	for _, u := range roster.OnlineUsers {
		if u.Username != t.cfg.Identity {
			users = append(users, u.Username)
		}
	}
	return users, nil
}

// heartbeatLoop keeps the presence lease alive while the stream is up.
// Heartbeat failures are logged and retried on the next tick; a command
// outage does not mean the push path is down.
func (t *PushTransport) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.heartbeatOnce(); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "heartbeatLoop",
					"identity": t.cfg.Identity,
				}).WithError(err).Warn("Heartbeat failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// readLoop parses SSE frames off the stream and dispatches their
// envelopes to completion, in arrival order.
func (t *PushTransport) readLoop(resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		case line == "" && len(data) > 0:
			env, err := envelope.Decode(data)
			data = nil
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readLoop",
				}).WithError(err).Debug("Dropping undecodable stream event")
				continue
			}
			t.handlers.dispatch(env)
		}
	}

	t.handleStreamEnded(scanner.Err())
}

func (t *PushTransport) handleStreamEnded(err error) {
	t.mu.Lock()
	manual := t.manual
	cb := t.closeCb
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.status = StatusDisconnected
	t.mu.Unlock()

	if manual {
		err = nil
	} else if err == nil {
		err = errors.New("push stream ended")
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleStreamEnded",
		"identity": t.cfg.Identity,
		"manual":   manual,
	}).Info("Push transport closed")

	if cb != nil {
		cb(err)
	}
}

func (t *PushTransport) setDisconnected() {
	t.mu.Lock()
	t.status = StatusDisconnected
	t.mu.Unlock()
}

// post issues a JSON command and returns the HTTP status code. Non-2xx
// responses other than codes the caller handles are returned as errors
// carrying the server's error message.
func (t *PushTransport) post(path string, body any) (int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	resp, err := t.http.Post(strings.TrimRight(t.cfg.BaseURL, "/")+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}

	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apiErr)
	if apiErr.Error == "" {
		apiErr.Error = http.StatusText(resp.StatusCode)
	}
	return resp.StatusCode, fmt.Errorf("%s: %s (status %d)", path, apiErr.Error, resp.StatusCode)
}
