package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
)

var (
	// ErrNotInitialized is returned when the engine is used before
	// Initialize has loaded or generated a key pair.
	ErrNotInitialized = errors.New("crypto engine not initialized")

	// ErrNoPeerKey is returned by Encrypt when the recipient has not
	// exchanged a public key with us yet.
	ErrNoPeerKey = errors.New("no cached public key for recipient")

	// ErrDecryptionFailed is returned when a ciphertext cannot be opened
	// with the local key pair.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Engine owns the local key pair and the peer key cache for one session.
// All methods are safe for concurrent use.
type Engine struct {
	mu       sync.RWMutex
	identity string
	keyPair  *KeyPair
	peers    map[string][KeySize]byte
	store    *KeyStore
}

// NewEngine creates an engine. store may be nil, in which case key pairs
// are held in memory only and regenerated per session.
func NewEngine(store *KeyStore) *Engine {
	return &Engine{
		peers: make(map[string][KeySize]byte),
		store: store,
	}
}

// Initialize loads the persisted key pair for identity if one exists,
// otherwise generates a fresh pair and persists it. Calling Initialize
// again for the same identity is a no-op.
func (e *Engine) Initialize(identity string) error {
	if identity == "" {
		return errors.New("identity is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.keyPair != nil && e.identity == identity {
		return nil
	}

	if e.store != nil {
		pair, err := e.store.LoadKeyPair(identity)
		if err == nil {
			e.identity = identity
			e.keyPair = pair
			logrus.WithFields(logrus.Fields{
				"function": "Initialize",
				"identity": identity,
			}).Debug("Loaded persisted key pair")
			return nil
		}
		if !errors.Is(err, ErrKeyNotFound) {
			return fmt.Errorf("load key pair: %w", err)
		}
	}

	pair, err := GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}

	if e.store != nil {
		if err := e.store.SaveKeyPair(identity, pair); err != nil {
			return fmt.Errorf("persist key pair: %w", err)
		}
	}

	e.identity = identity
	e.keyPair = pair

	logrus.WithFields(logrus.Fields{
		"function": "Initialize",
		"identity": identity,
	}).Info("Generated new key pair")

	return nil
}

// Identity returns the identity the engine was initialized for.
func (e *Engine) Identity() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.identity
}

// ExportPublicKey returns the local public key serialized for a
// public_key_exchange envelope.
func (e *Engine) ExportPublicKey() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.keyPair == nil {
		return "", ErrNotInitialized
	}
	return EncodePublicKey(e.keyPair.Public), nil
}

// ImportPeerKey deserializes and caches a peer's public key, overwriting
// any earlier entry for that identity.
func (e *Engine) ImportPeerKey(identity, encoded string) error {
	key, err := DecodePublicKey(encoded)
	if err != nil {
		return fmt.Errorf("import peer key for %q: %w", identity, err)
	}

	e.mu.Lock()
	e.peers[identity] = key
	e.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "ImportPeerKey",
		"peer":     identity,
	}).Debug("Cached peer public key")

	return nil
}

// HasPeerKey reports whether a public key is cached for identity.
func (e *Engine) HasPeerKey(identity string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.peers[identity]
	return ok
}

// PeerCount returns the number of cached peer keys.
func (e *Engine) PeerCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.peers)
}

// Encrypt seals plaintext for the recipient using its cached public key.
// The output is randomized: encrypting the same plaintext twice yields
// different ciphertexts.
func (e *Engine) Encrypt(plaintext []byte, recipient string) (string, error) {
	e.mu.RLock()
	key, ok := e.peers[recipient]
	initialized := e.keyPair != nil
	e.mu.RUnlock()

	if !initialized {
		return "", ErrNotInitialized
	}
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNoPeerKey, recipient)
	}

	sealed, err := box.SealAnonymous(nil, plaintext, &key, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("seal message: %w", err)
	}

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by a peer with our public key.
func (e *Engine) Decrypt(encoded string) ([]byte, error) {
	e.mu.RLock()
	pair := e.keyPair
	e.mu.RUnlock()

	if pair == nil {
		return nil, ErrNotInitialized
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrDecryptionFailed)
	}

	plaintext, ok := box.OpenAnonymous(nil, sealed, &pair.Public, &pair.Private)
	if !ok {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// Clear drops the in-memory key pair and peer cache, as on logout.
// Persisted key material is left untouched.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.identity = ""
	e.keyPair = nil
	e.peers = make(map[string][KeySize]byte)
}
