package session

// EncryptionState tracks the end-to-end encryption handshake for a
// session. It advances initializing → generating-keys → exchanging-keys
// and then settles on one of the terminal states, re-evaluated whenever
// the roster or the peer key cache changes.
type EncryptionState uint8

const (
	// EncryptionInitializing is the state before Initialize runs.
	EncryptionInitializing EncryptionState = iota
	// EncryptionGeneratingKeys means the local key pair is being loaded
	// or generated.
	EncryptionGeneratingKeys
	// EncryptionExchangingKeys means the local key is published and no
	// peers are online to exchange with yet.
	EncryptionExchangingKeys
	// EncryptionActive means every online peer has a cached key.
	EncryptionActive
	// EncryptionPartial means only some online peers have cached keys.
	EncryptionPartial
	// EncryptionNone means no online peer has exchanged a key.
	EncryptionNone
	// EncryptionError means key generation or loading failed; the cause
	// accompanies the state callback.
	EncryptionError
)

// String returns the wire-friendly name of the state.
func (s EncryptionState) String() string {
	switch s {
	case EncryptionInitializing:
		return "initializing"
	case EncryptionGeneratingKeys:
		return "generating-keys"
	case EncryptionExchangingKeys:
		return "exchanging-keys"
	case EncryptionActive:
		return "encrypted"
	case EncryptionPartial:
		return "partial-encryption"
	case EncryptionNone:
		return "no-encryption"
	case EncryptionError:
		return "error"
	default:
		return "unknown"
	}
}
