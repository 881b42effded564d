// Package session orchestrates the client side of a chat connection: it
// owns a transport, a crypto engine, and a reconnection controller, and
// translates raw envelope traffic into the event surface consumed by UI
// collaborators: message received, message status changed, roster
// changed, connection status changed, and encryption state changed.
//
// A Service is explicitly constructed and owned; multiple independent
// sessions can coexist in one process.
//
// Example:
//
//	svc, err := session.New(session.Config{
//	    Identity:  "alice",
//	    Transport: transport.NewWebSocketTransport(url),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc.OnMessage(func(msg session.Message) { fmt.Println(msg.Content) })
//	if err := svc.Initialize(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/crypto"
	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
	"github.com/boris-chu/Private-Messaging-Service-sub000/reconnect"
	"github.com/boris-chu/Private-Messaging-Service-sub000/transport"
)

// Message is a received chat message as surfaced to collaborators. A
// message that failed to decrypt is still delivered, flagged with
// DecryptionFailed, rather than dropped.
type Message struct {
	ID               string
	Sender           string
	Content          string
	Timestamp        time.Time
	Encrypted        bool
	DecryptionFailed bool
}

// ReceiptKind distinguishes message status change notifications.
type ReceiptKind uint8

const (
	ReceiptDelivered ReceiptKind = iota
	ReceiptRead
)

// Callbacks for the externally observable signals.
type (
	MessageCallback         func(msg Message)
	MessageStatusCallback   func(messageID string, kind ReceiptKind, by string)
	ConnectionCallback      func(status transport.Status)
	RosterCallback          func(users []string)
	EncryptionStateCallback func(state EncryptionState, cause string)
)

// Config assembles a Service.
type Config struct {
	// Identity is the username presented in the auth envelope.
	Identity string
	// Transport is the delivery backend (WebSocket or push+command).
	Transport transport.Transport
	// Crypto defaults to an in-memory engine when nil.
	Crypto *crypto.Engine
	// Reconnect tunes the backoff controller.
	Reconnect reconnect.Config

	// RequestReadReceipts marks outbound messages as wanting a read
	// receipt. SendReadReceipts answers peers' requests.
	// SendDeliveryConfirmations acknowledges every received message.
	RequestReadReceipts       bool
	SendReadReceipts          bool
	SendDeliveryConfirmations bool
}

// Service is one owned chat session.
type Service struct {
	cfg    Config
	engine *crypto.Engine
	ctrl   *reconnect.Controller

	mu       sync.Mutex
	roster   map[string]struct{}
	encState EncryptionState
	encCause string
	closed   bool

	onMessage       MessageCallback
	onMessageStatus MessageStatusCallback
	onConnection    ConnectionCallback
	onRoster        RosterCallback
	onEncryption    EncryptionStateCallback
}

// New validates the configuration and assembles a session. Initialize
// must be called before the session is live.
func New(cfg Config) (*Service, error) {
	if cfg.Identity == "" {
		return nil, errors.New("identity is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}

	engine := cfg.Crypto
	if engine == nil {
		engine = crypto.NewEngine(nil)
	}

	return &Service{
		cfg:      cfg,
		engine:   engine,
		roster:   make(map[string]struct{}),
		encState: EncryptionInitializing,
	}, nil
}

// OnMessage sets the message-received callback.
func (s *Service) OnMessage(cb MessageCallback) {
	s.mu.Lock()
	s.onMessage = cb
	s.mu.Unlock()
}

// OnMessageStatus sets the delivery/read receipt callback.
func (s *Service) OnMessageStatus(cb MessageStatusCallback) {
	s.mu.Lock()
	s.onMessageStatus = cb
	s.mu.Unlock()
}

// OnConnectionStatus sets the connection state callback.
func (s *Service) OnConnectionStatus(cb ConnectionCallback) {
	s.mu.Lock()
	s.onConnection = cb
	s.mu.Unlock()
}

// OnRoster sets the roster-changed callback.
func (s *Service) OnRoster(cb RosterCallback) {
	s.mu.Lock()
	s.onRoster = cb
	s.mu.Unlock()
}

// OnEncryptionState sets the encryption-state callback.
func (s *Service) OnEncryptionState(cb EncryptionStateCallback) {
	s.mu.Lock()
	s.onEncryption = cb
	s.mu.Unlock()
}

// Initialize prepares key material, wires the transport handlers, and
// connects. Reconnection after transport failures is automatic from
// here until Close.
func (s *Service) Initialize(ctx context.Context) error {
	s.setEncryptionState(EncryptionGeneratingKeys, "")

	if err := s.engine.Initialize(s.cfg.Identity); err != nil {
		s.setEncryptionState(EncryptionError, err.Error())
		return fmt.Errorf("initialize crypto engine: %w", err)
	}

	tr := s.cfg.Transport
	tr.RegisterHandler(envelope.TypeMessage, s.handlePlainMessage)
	tr.RegisterHandler(envelope.TypeEncryptedMessage, s.handleEncryptedMessage)
	tr.RegisterHandler(envelope.TypeUserList, s.handleUserList)
	tr.RegisterHandler(envelope.TypeUserJoined, s.handleUserJoined)
	tr.RegisterHandler(envelope.TypeUserLeft, s.handleUserLeft)
	tr.RegisterHandler(envelope.TypePublicKeyExchange, s.handlePublicKeyExchange)
	tr.RegisterHandler(envelope.TypePublicKeyRequest, s.handlePublicKeyRequest)
	tr.RegisterHandler(envelope.TypeMessageDelivered, s.handleDelivered)
	tr.RegisterHandler(envelope.TypeMessageRead, s.handleRead)
	tr.RegisterHandler(envelope.TypeError, s.handleServerError)

	ctrl := reconnect.NewController(tr, s.cfg.Reconnect)
	ctrl.OnStatusChange(s.handleConnectionStatus)
	s.mu.Lock()
	s.ctrl = ctrl
	s.mu.Unlock()

	return ctrl.Connect(ctx)
}

// Close disconnects and drops in-memory key material. The service must
// not be used afterwards.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ctrl := s.ctrl
	s.mu.Unlock()

	var err error
	if ctrl != nil {
		err = ctrl.Disconnect()
	}
	s.engine.Clear()
	return err
}

// NotifyLifecycleResume forwards a device-lifecycle signal (foreground
// resume, network online, window focus) to the reconnection controller.
func (s *Service) NotifyLifecycleResume() {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.NotifyLifecycleResume()
	}
}

// SendMessage sends content to recipient, encrypting when the
// recipient's public key is cached and falling back to plaintext
// transparently when it is not. It returns the generated message id.
func (s *Service) SendMessage(content, recipient string) (string, error) {
	messageID := uuid.NewString()

	var env *envelope.Envelope
	var err error

	if recipient != "" && s.engine.HasPeerKey(recipient) {
		ciphertext, encErr := s.engine.Encrypt([]byte(content), recipient)
		if encErr == nil {
			env, err = envelope.New(envelope.TypeEncryptedMessage, envelope.EncryptedMessagePayload{
				EncryptedContent:   ciphertext,
				Recipient:          recipient,
				MessageID:          messageID,
				IsEncrypted:        true,
				RequireReadReceipt: s.cfg.RequestReadReceipts,
			})
		} else {
			logrus.WithFields(logrus.Fields{
				"function":  "SendMessage",
				"recipient": recipient,
			}).WithError(encErr).Warn("Encryption failed, sending plaintext")
		}
	}

	if env == nil && err == nil {
		env, err = envelope.New(envelope.TypeMessage, envelope.MessagePayload{
			Content:            content,
			Recipient:          recipient,
			MessageID:          messageID,
			RequireReadReceipt: s.cfg.RequestReadReceipts,
		})
	}
	if err != nil {
		return "", err
	}

	if err := s.cfg.Transport.Send(env); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return messageID, nil
}

// RequestPeerKey asks a specific identity to republish its public key.
func (s *Service) RequestPeerKey(username string) error {
	env, err := envelope.New(envelope.TypePublicKeyRequest, envelope.PublicKeyRequestPayload{
		Username: username,
	})
	if err != nil {
		return err
	}
	return s.cfg.Transport.Send(env)
}

// RequestRoster issues an explicit roster query; the result arrives via
// the roster callback.
func (s *Service) RequestRoster() error {
	env, err := envelope.New(envelope.TypeUserListRequest, nil)
	if err != nil {
		return err
	}
	return s.cfg.Transport.Send(env)
}

// Roster returns the last known set of online peers.
func (s *Service) Roster() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.roster))
	for u := range s.roster {
		users = append(users, u)
	}
	return users
}

// EncryptionStatus returns the current encryption state and its cause
// string (non-empty only for the error state).
func (s *Service) EncryptionStatus() (EncryptionState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encState, s.encCause
}

// ConnectionStatus reports the reconnection controller's view.
func (s *Service) ConnectionStatus() transport.Status {
	s.mu.Lock()
	ctrl := s.ctrl
	s.mu.Unlock()
	if ctrl == nil {
		return transport.StatusDisconnected
	}
	return ctrl.Status()
}

// handleConnectionStatus relays controller state to collaborators and
// runs the post-connect handshake: authenticate, then publish our
// public key so peers can encrypt to us.
func (s *Service) handleConnectionStatus(status transport.Status) {
	s.mu.Lock()
	cb := s.onConnection
	s.mu.Unlock()
	if cb != nil {
		cb(status)
	}

	if status != transport.StatusConnected {
		return
	}

	auth, err := envelope.New(envelope.TypeAuth, envelope.AuthPayload{Username: s.cfg.Identity})
	if err == nil {
		if err := s.cfg.Transport.Send(auth); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleConnectionStatus",
			}).WithError(err).Warn("Auth send failed")
			return
		}
	}

	s.setEncryptionState(EncryptionExchangingKeys, "")
	s.publishPublicKey()
}

// publishPublicKey floods the local public key to all peers.
func (s *Service) publishPublicKey() {
	key, err := s.engine.ExportPublicKey()
	if err != nil {
		s.setEncryptionState(EncryptionError, err.Error())
		return
	}

	env, err := envelope.New(envelope.TypePublicKeyExchange, envelope.PublicKeyExchangePayload{
		PublicKey: key,
	})
	if err != nil {
		return
	}
	if err := s.cfg.Transport.Send(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "publishPublicKey",
		}).WithError(err).Warn("Key publication failed")
	}
}

func (s *Service) handlePlainMessage(env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	msg := payload.(*envelope.MessagePayload)

	s.deliver(Message{
		ID:        msg.MessageID,
		Sender:    env.Sender,
		Content:   msg.Content,
		Timestamp: env.Time(),
	})
	s.acknowledge(msg.MessageID, msg.RequireReadReceipt)
}

func (s *Service) handleEncryptedMessage(env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	enc := payload.(*envelope.EncryptedMessagePayload)

	message := Message{
		ID:        enc.MessageID,
		Sender:    env.Sender,
		Timestamp: env.Time(),
		Encrypted: true,
	}

	// Encrypted traffic is flooded to everyone; only the named
	// recipient can open it. Ciphertext addressed elsewhere is ignored
	// rather than surfaced as a decryption failure.
	if enc.Recipient != "" && enc.Recipient != s.cfg.Identity {
		return
	}

	plaintext, err := s.engine.Decrypt(enc.EncryptedContent)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleEncryptedMessage",
			"sender":   env.Sender,
		}).WithError(err).Warn("Message failed to decrypt")
		message.DecryptionFailed = true
	} else {
		message.Content = string(plaintext)
	}

	s.deliver(message)
	s.acknowledge(enc.MessageID, enc.RequireReadReceipt)
}

// acknowledge runs the delivery-confirmation and read-receipt round
// trips when the privacy settings ask for them.
func (s *Service) acknowledge(messageID string, wantsReadReceipt bool) {
	if s.cfg.SendDeliveryConfirmations {
		if env, err := envelope.New(envelope.TypeMessageDelivered, envelope.ReceiptPayload{MessageID: messageID}); err == nil {
			_ = s.cfg.Transport.Send(env)
		}
	}
	if wantsReadReceipt && s.cfg.SendReadReceipts {
		if env, err := envelope.New(envelope.TypeMessageRead, envelope.ReceiptPayload{MessageID: messageID}); err == nil {
			_ = s.cfg.Transport.Send(env)
		}
	}
}

func (s *Service) deliver(msg Message) {
	s.mu.Lock()
	cb := s.onMessage
	s.mu.Unlock()
	if cb != nil {
		cb(msg)
	}
}

func (s *Service) handleUserList(env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	users := payload.(*envelope.UserListPayload).Users

	s.mu.Lock()
	s.roster = make(map[string]struct{}, len(users))
	for _, u := range users {
		s.roster[u] = struct{}{}
	}
	s.mu.Unlock()

	s.emitRoster()
	s.recomputeEncryptionState()
}

func (s *Service) handleUserJoined(env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	user := payload.(*envelope.UserEventPayload).User
	if user == s.cfg.Identity {
		return
	}

	s.mu.Lock()
	s.roster[user] = struct{}{}
	s.mu.Unlock()

	s.emitRoster()
	// Re-publish so the newcomer can encrypt to us; it publishes its own
	// key on connect, closing the exchange in both directions.
	s.publishPublicKey()
	s.recomputeEncryptionState()
}

func (s *Service) handleUserLeft(env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	user := payload.(*envelope.UserEventPayload).User

	s.mu.Lock()
	delete(s.roster, user)
	s.mu.Unlock()

	s.emitRoster()
	s.recomputeEncryptionState()
}

func (s *Service) handlePublicKeyExchange(env *envelope.Envelope) {
	if env.Sender == "" || env.Sender == s.cfg.Identity {
		return
	}
	payload, err := env.Payload()
	if err != nil {
		return
	}

	key := payload.(*envelope.PublicKeyExchangePayload).PublicKey
	if err := s.engine.ImportPeerKey(env.Sender, key); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePublicKeyExchange",
			"peer":     env.Sender,
		}).WithError(err).Warn("Rejecting malformed peer key")
		return
	}
	s.recomputeEncryptionState()
}

func (s *Service) handlePublicKeyRequest(env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	request := payload.(*envelope.PublicKeyRequestPayload)
	if request.Username != "" && request.Username != s.cfg.Identity {
		return
	}
	s.publishPublicKey()
}

func (s *Service) handleDelivered(env *envelope.Envelope) {
	s.emitReceipt(env, ReceiptDelivered)
}

func (s *Service) handleRead(env *envelope.Envelope) {
	s.emitReceipt(env, ReceiptRead)
}

func (s *Service) emitReceipt(env *envelope.Envelope, kind ReceiptKind) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	receipt := payload.(*envelope.ReceiptPayload)

	s.mu.Lock()
	cb := s.onMessageStatus
	s.mu.Unlock()
	if cb != nil {
		cb(receipt.MessageID, kind, env.Sender)
	}
}

func (s *Service) handleServerError(env *envelope.Envelope) {
	payload, err := env.Payload()
	if err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleServerError",
		"identity": s.cfg.Identity,
	}).Warnf("Server reported error: %s", payload.(*envelope.ErrorPayload).Message)
}

func (s *Service) emitRoster() {
	users := s.Roster()

	s.mu.Lock()
	cb := s.onRoster
	s.mu.Unlock()
	if cb != nil {
		cb(users)
	}
}

// recomputeEncryptionState derives the terminal encryption state from
// the roster and the peer key cache.
func (s *Service) recomputeEncryptionState() {
	s.mu.Lock()
	online := len(s.roster)
	cached := 0
	for user := range s.roster {
		if s.engine.HasPeerKey(user) {
			cached++
		}
	}
	s.mu.Unlock()

	switch {
	case online == 0:
		s.setEncryptionState(EncryptionExchangingKeys, "")
	case cached == 0:
		s.setEncryptionState(EncryptionNone, "")
	case cached < online:
		s.setEncryptionState(EncryptionPartial, "")
	default:
		s.setEncryptionState(EncryptionActive, "")
	}
}

func (s *Service) setEncryptionState(state EncryptionState, cause string) {
	s.mu.Lock()
	changed := s.encState != state || s.encCause != cause
	s.encState = state
	s.encCause = cause
	cb := s.onEncryption
	s.mu.Unlock()

	if changed && cb != nil {
		cb(state, cause)
	}
}
