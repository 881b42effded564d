package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_EncryptDecryptRoundTrip(t *testing.T) {
	alice := NewEngine(nil)
	require.NoError(t, alice.Initialize("alice"))
	bob := NewEngine(nil)
	require.NoError(t, bob.Initialize("bob"))

	// Alice learns Bob's key as if a public_key_exchange arrived.
	bobKey, err := bob.ExportPublicKey()
	require.NoError(t, err)
	require.NoError(t, alice.ImportPeerKey("bob", bobKey))

	plaintexts := []string{"hi", "", "унікод 🙂", "a longer message with\nnewlines and spaces"}
	for _, p := range plaintexts {
		ciphertext, err := alice.Encrypt([]byte(p), "bob")
		require.NoError(t, err)

		decrypted, err := bob.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, p, string(decrypted))
	}
}

func TestEngine_EncryptIsRandomized(t *testing.T) {
	alice := NewEngine(nil)
	require.NoError(t, alice.Initialize("alice"))
	bob := NewEngine(nil)
	require.NoError(t, bob.Initialize("bob"))

	bobKey, err := bob.ExportPublicKey()
	require.NoError(t, err)
	require.NoError(t, alice.ImportPeerKey("bob", bobKey))

	first, err := alice.Encrypt([]byte("same plaintext"), "bob")
	require.NoError(t, err)
	second, err := alice.Encrypt([]byte("same plaintext"), "bob")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestEngine_EncryptWithoutPeerKey(t *testing.T) {
	alice := NewEngine(nil)
	require.NoError(t, alice.Initialize("alice"))

	_, err := alice.Encrypt([]byte("secret"), "carol")
	assert.ErrorIs(t, err, ErrNoPeerKey)
}

func TestEngine_DecryptFailure(t *testing.T) {
	bob := NewEngine(nil)
	require.NoError(t, bob.Initialize("bob"))

	_, err := bob.Decrypt("not even base64!!")
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Valid base64 but garbage ciphertext.
	_, err = bob.Decrypt("aGVsbG8gd29ybGQgdGhpcyBpcyBub3QgYSBzZWFsZWQgYm94IGF0IGFsbCBzb3JyeQ==")
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEngine_DecryptWrongRecipient(t *testing.T) {
	alice := NewEngine(nil)
	require.NoError(t, alice.Initialize("alice"))
	bob := NewEngine(nil)
	require.NoError(t, bob.Initialize("bob"))
	eve := NewEngine(nil)
	require.NoError(t, eve.Initialize("eve"))

	bobKey, err := bob.ExportPublicKey()
	require.NoError(t, err)
	require.NoError(t, alice.ImportPeerKey("bob", bobKey))

	ciphertext, err := alice.Encrypt([]byte("for bob only"), "bob")
	require.NoError(t, err)

	_, err = eve.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestEngine_ImportPeerKeyIdempotent(t *testing.T) {
	alice := NewEngine(nil)
	require.NoError(t, alice.Initialize("alice"))
	bob := NewEngine(nil)
	require.NoError(t, bob.Initialize("bob"))

	bobKey, err := bob.ExportPublicKey()
	require.NoError(t, err)

	require.NoError(t, alice.ImportPeerKey("bob", bobKey))
	require.NoError(t, alice.ImportPeerKey("bob", bobKey))

	assert.Equal(t, 1, alice.PeerCount())
	assert.True(t, alice.HasPeerKey("bob"))
}

func TestEngine_ImportPeerKeyRejectsGarbage(t *testing.T) {
	alice := NewEngine(nil)
	require.NoError(t, alice.Initialize("alice"))

	assert.Error(t, alice.ImportPeerKey("bob", "!!!"))
	assert.Error(t, alice.ImportPeerKey("bob", "c2hvcnQ=")) // wrong length
	assert.False(t, alice.HasPeerKey("bob"))
}

func TestEngine_Clear(t *testing.T) {
	alice := NewEngine(nil)
	require.NoError(t, alice.Initialize("alice"))
	bob := NewEngine(nil)
	require.NoError(t, bob.Initialize("bob"))

	bobKey, err := bob.ExportPublicKey()
	require.NoError(t, err)
	require.NoError(t, alice.ImportPeerKey("bob", bobKey))

	alice.Clear()

	assert.Equal(t, 0, alice.PeerCount())
	assert.Empty(t, alice.Identity())
	_, err = alice.ExportPublicKey()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestEngine_UninitializedOperations(t *testing.T) {
	e := NewEngine(nil)

	_, err := e.ExportPublicKey()
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.Decrypt("d2hhdGV2ZXI=")
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = e.Encrypt([]byte("x"), "bob")
	assert.ErrorIs(t, err, ErrNotInitialized)
}
