// Package crypto implements the client-side end-to-end encryption engine.
//
// Each local identity owns one asymmetric key pair (curve25519, used via
// NaCl anonymous sealed boxes through Go's x/crypto packages). Public keys
// are exchanged over the ordinary message channel and cached per peer;
// outbound messages are encrypted only when the recipient's key is cached.
//
// Example:
//
//	engine := crypto.NewEngine(nil)
//	if err := engine.Initialize("alice"); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", engine.ExportPublicKey())
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

// KeySize is the length in bytes of public and private keys.
const KeySize = 32

// KeyPair holds the asymmetric key material for one local identity.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// EncodePublicKey serializes a public key for transmission in a
// public_key_exchange envelope.
func EncodePublicKey(key [KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DecodePublicKey parses a serialized public key received from a peer.
func DecodePublicKey(encoded string) ([KeySize]byte, error) {
	var key [KeySize]byte

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != KeySize {
		return key, fmt.Errorf("decode public key: got %d bytes, want %d", len(raw), KeySize)
	}
	if isZeroKey(raw) {
		return key, errors.New("decode public key: all zeros")
	}

	copy(key[:], raw)
	return key, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key []byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
