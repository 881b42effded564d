package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyStore_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir, []byte("master-password"))
	require.NoError(t, err)
	defer ks.Close()

	pair, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, ks.SaveKeyPair("alice", pair))

	loaded, err := ks.LoadKeyPair("alice")
	require.NoError(t, err)
	assert.Equal(t, pair.Public, loaded.Public)
	assert.Equal(t, pair.Private, loaded.Private)
}

func TestKeyStore_LoadMissingIdentity(t *testing.T) {
	ks, err := NewKeyStore(t.TempDir(), []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()

	_, err = ks.LoadKeyPair("nobody")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewKeyStore(dir, []byte("pw"))
	require.NoError(t, err)
	pair, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ks.SaveKeyPair("alice", pair))
	require.NoError(t, ks.Close())

	// Same password, fresh store: the same salt must be reused so the
	// derived key matches.
	reopened, err := NewKeyStore(dir, []byte("pw"))
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadKeyPair("alice")
	require.NoError(t, err)
	assert.Equal(t, pair.Public, loaded.Public)
}

func TestKeyStore_WrongPassword(t *testing.T) {
	dir := t.TempDir()

	ks, err := NewKeyStore(dir, []byte("right"))
	require.NoError(t, err)
	pair, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ks.SaveKeyPair("alice", pair))
	ks.Close()

	wrong, err := NewKeyStore(dir, []byte("wrong"))
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.LoadKeyPair("alice")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyNotFound)
}

func TestKeyStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir, []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()

	pair, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ks.SaveKeyPair("alice", pair))

	info, err := os.Stat(filepath.Join(dir, "alice.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestKeyStore_IdentitySanitization(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir, []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()

	pair, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, ks.SaveKeyPair("../../etc/passwd", pair))

	// The key file must land inside the data directory.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "/")
	}

	loaded, err := ks.LoadKeyPair("../../etc/passwd")
	require.NoError(t, err)
	assert.Equal(t, pair.Public, loaded.Public)
}

func TestEngine_InitializePersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	ks, err := NewKeyStore(dir, []byte("pw"))
	require.NoError(t, err)
	defer ks.Close()

	first := NewEngine(ks)
	require.NoError(t, first.Initialize("alice"))
	firstKey, err := first.ExportPublicKey()
	require.NoError(t, err)

	// Initialize is idempotent per identity.
	require.NoError(t, first.Initialize("alice"))
	again, err := first.ExportPublicKey()
	require.NoError(t, err)
	assert.Equal(t, firstKey, again)

	// A new engine for the same identity loads the persisted pair
	// instead of generating a fresh one.
	second := NewEngine(ks)
	require.NoError(t, second.Initialize("alice"))
	secondKey, err := second.ExportPublicKey()
	require.NoError(t, err)
	assert.Equal(t, firstKey, secondKey)
}
