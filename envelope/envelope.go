// Package envelope defines the typed message unit exchanged over every
// transport in the messaging service.
//
// An envelope carries a closed set of type tags, a type-specific payload,
// a millisecond timestamp, and a server-assigned sender. Payloads are
// concrete structs keyed by the type tag and are validated when an
// envelope is decoded at a transport boundary.
//
// Example:
//
//	env, err := envelope.New(envelope.TypeMessage, envelope.MessagePayload{
//	    Content:   "hello",
//	    MessageID: uuid.NewString(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	data, _ := env.Encode()
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies the kind of payload an envelope carries.
type Type string

const (
	TypeAuth              Type = "auth"
	TypeMessage           Type = "message"
	TypeEncryptedMessage  Type = "encrypted_message"
	TypeUserListRequest   Type = "user_list_request"
	TypeUserList          Type = "user_list"
	TypeUserJoined        Type = "user_joined"
	TypeUserLeft          Type = "user_left"
	TypePublicKeyExchange Type = "public_key_exchange"
	TypePublicKeyRequest  Type = "public_key_request"
	TypeMessageDelivered  Type = "message_delivered"
	TypeMessageRead       Type = "message_read"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeConnectionStatus  Type = "connection_status"
	TypeError             Type = "error"
)

var knownTypes = map[Type]struct{}{
	TypeAuth:              {},
	TypeMessage:           {},
	TypeEncryptedMessage:  {},
	TypeUserListRequest:   {},
	TypeUserList:          {},
	TypeUserJoined:        {},
	TypeUserLeft:          {},
	TypePublicKeyExchange: {},
	TypePublicKeyRequest:  {},
	TypeMessageDelivered:  {},
	TypeMessageRead:       {},
	TypePing:              {},
	TypePong:              {},
	TypeConnectionStatus:  {},
	TypeError:             {},
}

// Valid reports whether t is a member of the closed type set.
func (t Type) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

var (
	// ErrUnknownType is returned when an envelope carries a type tag
	// outside the closed set.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrMalformedEnvelope is returned when raw bytes cannot be decoded
	// into a valid envelope or its payload does not match the type tag.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Envelope is the unit relayed between clients and the server.
//
// Data keeps the raw payload bytes; Payload decodes them into the
// concrete struct for the envelope's type. Sender is assigned by the
// server on relay and is never trusted from a client.
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Sender    string          `json:"sender,omitempty"`
}

// New creates an envelope of the given type with the payload marshaled
// into Data and the timestamp set to the current time.
func New(t Type, payload any) (*Envelope, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	env := &Envelope{
		Type:      t,
		Timestamp: NowMillis(),
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = data
	}

	return env, nil
}

// NowMillis returns the current time as epoch milliseconds, the wire
// representation of envelope timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Time converts the envelope timestamp back into a time.Time.
func (e *Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses raw wire bytes into an envelope, validating the type tag
// against the closed set and the payload against the type's schema.
// A sender field supplied by the peer is preserved; server code must
// overwrite it before relaying.
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	// Validate the payload shape eagerly so malformed data is rejected
	// at the boundary rather than deep inside a handler.
	if _, err := env.Payload(); err != nil {
		return nil, err
	}

	return &env, nil
}
