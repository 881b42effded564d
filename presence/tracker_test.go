package presence

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnTracker_OnlineIffConnected(t *testing.T) {
	tracker := NewConnTracker(nil)

	assert.Equal(t, StatusOffline, tracker.Status("alice"))

	first := tracker.Connect("alice", "c1")
	assert.True(t, first)
	assert.Equal(t, StatusOnline, tracker.Status("alice"))

	identity, last, ok := tracker.Disconnect("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", identity)
	assert.True(t, last)
	assert.Equal(t, StatusOffline, tracker.Status("alice"))
}

func TestConnTracker_MultiDevice(t *testing.T) {
	tracker := NewConnTracker(nil)

	first := tracker.Connect("alice", "c1")
	assert.True(t, first, "first connection should report coming online")

	second := tracker.Connect("alice", "c2")
	assert.False(t, second, "second device must not report coming online again")
	assert.Equal(t, 2, tracker.ConnectionCount("alice"))

	// Dropping one of two devices keeps the identity online.
	_, last, ok := tracker.Disconnect("c1")
	require.True(t, ok)
	assert.False(t, last)
	assert.Equal(t, StatusOnline, tracker.Status("alice"))

	// Dropping the last device takes it offline.
	_, last, ok = tracker.Disconnect("c2")
	require.True(t, ok)
	assert.True(t, last)
	assert.Equal(t, StatusOffline, tracker.Status("alice"))
}

func TestConnTracker_DisconnectUnknownConnection(t *testing.T) {
	tracker := NewConnTracker(nil)

	_, _, ok := tracker.Disconnect("never-seen")
	assert.False(t, ok)
}

func TestConnTracker_ListOnline(t *testing.T) {
	tracker := NewConnTracker(nil)
	tracker.Connect("alice", "c1")
	tracker.Connect("bob", "c2")
	tracker.Connect("bob", "c3")

	online := tracker.ListOnline()
	sort.Strings(online)
	assert.Equal(t, []string{"alice", "bob"}, online)
}

// failingMirror always errors, proving mirror failures never block
// presence operations.
type failingMirror struct {
	upserts int
	deletes int
}

func (m *failingMirror) Upsert(Record) error {
	m.upserts++
	return errors.New("disk on fire")
}

func (m *failingMirror) Delete(string) error {
	m.deletes++
	return errors.New("disk on fire")
}

func TestConnTracker_MirrorFailuresAreSwallowed(t *testing.T) {
	mirror := &failingMirror{}
	tracker := NewConnTracker(mirror)

	tracker.Connect("alice", "c1")
	tracker.Disconnect("c1")

	assert.Equal(t, StatusOffline, tracker.Status("alice"))
	assert.Greater(t, mirror.upserts, 0, "mirror should have been attempted")
}

func TestSQLiteMirror_RoundTrip(t *testing.T) {
	mirror, err := OpenSQLiteMirror(t.TempDir() + "/presence.db")
	require.NoError(t, err)
	defer mirror.Close()

	tracker := NewConnTracker(mirror)
	tracker.Connect("alice", "c1")

	rec, found, err := mirror.Load("alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusOnline, rec.Status)
	assert.Equal(t, 1, rec.Connections)

	tracker.Disconnect("c1")

	rec, found, err = mirror.Load("alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusOffline, rec.Status)
}
