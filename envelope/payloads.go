package envelope

import (
	"encoding/json"
	"fmt"
)

// AuthPayload carries the identity a connection wants to bind to.
type AuthPayload struct {
	Username string `json:"username"`
}

// MessagePayload is the body of a plaintext chat message.
type MessagePayload struct {
	Content            string `json:"content"`
	Recipient          string `json:"recipient,omitempty"`
	MessageID          string `json:"messageId"`
	RequireReadReceipt bool   `json:"requireReadReceipt,omitempty"`
}

// EncryptedMessagePayload is the body of an end-to-end encrypted chat
// message. EncryptedContent is opaque to the server.
type EncryptedMessagePayload struct {
	EncryptedContent   string `json:"encryptedContent"`
	Recipient          string `json:"recipient"`
	MessageID          string `json:"messageId"`
	IsEncrypted        bool   `json:"isEncrypted"`
	RequireReadReceipt bool   `json:"requireReadReceipt,omitempty"`
}

// UserListPayload answers a roster request with the identities currently
// online, excluding the requester.
type UserListPayload struct {
	Users []string `json:"users"`
}

// UserEventPayload announces a single identity joining or leaving.
type UserEventPayload struct {
	User string `json:"user"`
}

// PublicKeyExchangePayload publishes the sender's serialized public key.
type PublicKeyExchangePayload struct {
	PublicKey string `json:"publicKey"`
}

// PublicKeyRequestPayload asks a specific identity to republish its key.
type PublicKeyRequestPayload struct {
	Username string `json:"username"`
}

// ReceiptPayload acknowledges delivery or reading of a message.
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
}

// ConnectionStatusPayload reports the server's view of a connection.
type ConnectionStatusPayload struct {
	Status        string `json:"status"`
	Authenticated bool   `json:"authenticated"`
}

// ErrorPayload carries a human-readable protocol error.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Payload decodes Data into the concrete payload struct for the
// envelope's type. Types with no payload (ping, pong, user_list_request)
// return nil. The returned value is a pointer to the payload struct.
func (e *Envelope) Payload() (any, error) {
	switch e.Type {
	case TypeAuth:
		return decodeInto[AuthPayload](e)
	case TypeMessage:
		return decodeInto[MessagePayload](e)
	case TypeEncryptedMessage:
		return decodeInto[EncryptedMessagePayload](e)
	case TypeUserList:
		return decodeInto[UserListPayload](e)
	case TypeUserJoined, TypeUserLeft:
		return decodeInto[UserEventPayload](e)
	case TypePublicKeyExchange:
		return decodeInto[PublicKeyExchangePayload](e)
	case TypePublicKeyRequest:
		return decodeInto[PublicKeyRequestPayload](e)
	case TypeMessageDelivered, TypeMessageRead:
		return decodeInto[ReceiptPayload](e)
	case TypeConnectionStatus:
		return decodeInto[ConnectionStatusPayload](e)
	case TypeError:
		return decodeInto[ErrorPayload](e)
	case TypePing, TypePong, TypeUserListRequest:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

func decodeInto[P any](e *Envelope) (*P, error) {
	var p P
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("%w: %s envelope has no data", ErrMalformedEnvelope, e.Type)
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, e.Type, err)
	}
	return &p, nil
}
