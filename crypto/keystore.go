package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ErrKeyNotFound is returned by LoadKeyPair when no key pair has been
// persisted for the identity.
var ErrKeyNotFound = errors.New("no persisted key pair for identity")

const (
	// pbkdf2Iterations is the iteration count for deriving the at-rest
	// encryption key from the master password.
	pbkdf2Iterations = 100000
	// keystoreVersion is the on-disk format version.
	keystoreVersion = 1
	// saltSize is the size of the PBKDF2 salt.
	saltSize = 32
)

// KeyStore persists per-identity key pairs on disk, encrypted at rest
// with AES-GCM under a key derived from a master password.
type KeyStore struct {
	encryptionKey [32]byte
	dataDir       string
	saltFile      string
}

// NewKeyStore opens (creating if needed) a key store rooted at dataDir.
// masterPassword should come from the user or the system keyring.
func NewKeyStore(dataDir string, masterPassword []byte) (*KeyStore, error) {
	if len(masterPassword) == 0 {
		return nil, errors.New("master password cannot be empty")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}

	ks := &KeyStore{
		dataDir:  dataDir,
		saltFile: filepath.Join(dataDir, ".salt"),
	}

	salt, err := ks.loadOrGenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("initialize salt: %w", err)
	}

	derived := pbkdf2.Key(masterPassword, salt, pbkdf2Iterations, 32, sha256.New)
	copy(ks.encryptionKey[:], derived)
	for i := range derived {
		derived[i] = 0
	}

	return ks, nil
}

func (ks *KeyStore) loadOrGenerateSalt() ([]byte, error) {
	data, err := os.ReadFile(ks.saltFile)
	if err == nil {
		if len(data) != saltSize {
			return nil, fmt.Errorf("salt file has %d bytes, want %d", len(data), saltSize)
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(ks.saltFile, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt file: %w", err)
	}
	return salt, nil
}

// SaveKeyPair persists the key pair for an identity, overwriting any
// previous pair for that identity.
func (ks *KeyStore) SaveKeyPair(identity string, pair *KeyPair) error {
	plaintext := make([]byte, 2*KeySize)
	copy(plaintext[:KeySize], pair.Public[:])
	copy(plaintext[KeySize:], pair.Private[:])
	defer func() {
		for i := range plaintext {
			plaintext[i] = 0
		}
	}()

	return ks.writeEncrypted(keyFileName(identity), plaintext)
}

// LoadKeyPair loads the persisted key pair for an identity. Returns
// ErrKeyNotFound when the identity has never been persisted.
func (ks *KeyStore) LoadKeyPair(identity string) (*KeyPair, error) {
	plaintext, err := ks.readEncrypted(keyFileName(identity))
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	if len(plaintext) != 2*KeySize {
		return nil, fmt.Errorf("key file for %q has %d bytes, want %d", identity, len(plaintext), 2*KeySize)
	}

	pair := &KeyPair{}
	copy(pair.Public[:], plaintext[:KeySize])
	copy(pair.Private[:], plaintext[KeySize:])
	for i := range plaintext {
		plaintext[i] = 0
	}
	return pair, nil
}

// DeleteKeyPair removes the persisted key pair for an identity, used
// when a caller explicitly wants a fresh identity.
func (ks *KeyStore) DeleteKeyPair(identity string) error {
	path := filepath.Join(ks.dataDir, keyFileName(identity))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete key file: %w", err)
	}
	return nil
}

// Close wipes the derived encryption key from memory. The store must not
// be used afterwards.
func (ks *KeyStore) Close() error {
	for i := range ks.encryptionKey {
		ks.encryptionKey[i] = 0
	}
	return nil
}

// writeEncrypted encrypts and atomically writes data to a file.
// Format: [version:2][nonce:12][ciphertext+tag:N]
func (ks *KeyStore) writeEncrypted(filename string, plaintext []byte) error {
	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	output := make([]byte, 2+len(nonce)+len(ciphertext))
	binary.BigEndian.PutUint16(output[0:2], keystoreVersion)
	copy(output[2:2+len(nonce)], nonce)
	copy(output[2+len(nonce):], ciphertext)

	tmpFile := filepath.Join(ks.dataDir, filename+".tmp")
	finalFile := filepath.Join(ks.dataDir, filename)

	if err := os.WriteFile(tmpFile, output, 0o600); err != nil {
		return fmt.Errorf("write temporary file: %w", err)
	}
	if err := os.Rename(tmpFile, finalFile); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("rename key file: %w", err)
	}
	return nil
}

// readEncrypted reads and decrypts a file written by writeEncrypted.
func (ks *KeyStore) readEncrypted(filename string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(ks.dataDir, filename))
	if err != nil {
		return nil, err
	}

	if len(data) < 2+12+16 {
		return nil, fmt.Errorf("key file too short: %d bytes", len(data))
	}

	version := binary.BigEndian.Uint16(data[0:2])
	if version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version: %d", version)
	}

	block, err := aes.NewCipher(ks.encryptionKey[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 2+nonceSize {
		return nil, fmt.Errorf("key file too short for nonce: %d bytes", len(data))
	}

	nonce := data[2 : 2+nonceSize]
	ciphertext := data[2+nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open key file (wrong password or corrupted data): %w", err)
	}
	return plaintext, nil
}

// keyFileName maps an identity to a safe file name.
func keyFileName(identity string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, identity)
	return sanitized + ".key"
}
