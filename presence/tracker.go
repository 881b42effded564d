// Package presence tracks which identities are online.
//
// Two models are provided, one per transport family. ConnTracker derives
// presence from connection lifecycle events and is bound to the WebSocket
// relay: an identity is online iff it has at least one live connection.
// HeartbeatTracker derives presence from periodic heartbeat commands and
// is bound to the push+command API: an identity is online until its lease
// expires or it logs out explicitly.
//
// Both trackers can mirror state into a durable store; the mirror is
// best-effort and never blocks a presence operation.
package presence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the derived availability of an identity.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Record is the durable form of an identity's presence, written to a
// Mirror when one is configured.
type Record struct {
	Identity     string
	Status       Status
	Connections  int
	LastActivity time.Time
	UpdatedAt    time.Time
}

// ConnTracker implements the connection-count presence model. An
// identity is online exactly while its connection set is non-empty.
type ConnTracker struct {
	mu           sync.Mutex
	connections  map[string]string              // connectionId -> identity
	identities   map[string]map[string]struct{} // identity -> connectionId set
	lastActivity map[string]time.Time
	mirror       Mirror
}

// NewConnTracker creates a connection-count tracker. mirror may be nil.
func NewConnTracker(mirror Mirror) *ConnTracker {
	return &ConnTracker{
		connections:  make(map[string]string),
		identities:   make(map[string]map[string]struct{}),
		lastActivity: make(map[string]time.Time),
		mirror:       mirror,
	}
}

// Connect binds a connection to an identity and reports whether this is
// the identity's first live connection (i.e. it just came online).
func (t *ConnTracker) Connect(identity, connectionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connections[connectionID] = identity
	set, ok := t.identities[identity]
	if !ok {
		set = make(map[string]struct{})
		t.identities[identity] = set
	}
	set[connectionID] = struct{}{}
	now := time.Now()
	t.lastActivity[identity] = now

	first := len(set) == 1

	logrus.WithFields(logrus.Fields{
		"function":      "Connect",
		"identity":      identity,
		"connection_id": connectionID,
		"connections":   len(set),
		"first":         first,
	}).Info("Identity connection registered")

	mirrorUpsert(t.mirror, Record{
		Identity:     identity,
		Status:       StatusOnline,
		Connections:  len(set),
		LastActivity: now,
		UpdatedAt:    now,
	})

	return first
}

// Disconnect removes a connection. It returns the identity the
// connection was bound to and whether that identity now has zero live
// connections (i.e. it just went offline). ok is false when the
// connection was never bound.
func (t *ConnTracker) Disconnect(connectionID string) (identity string, last bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	identity, ok = t.connections[connectionID]
	if !ok {
		return "", false, false
	}
	delete(t.connections, connectionID)

	set := t.identities[identity]
	delete(set, connectionID)
	now := time.Now()
	t.lastActivity[identity] = now

	if len(set) == 0 {
		delete(t.identities, identity)
		delete(t.lastActivity, identity)
		last = true
	}

	logrus.WithFields(logrus.Fields{
		"function":      "Disconnect",
		"identity":      identity,
		"connection_id": connectionID,
		"remaining":     len(set),
		"last":          last,
	}).Info("Identity connection removed")

	if last {
		mirrorUpsert(t.mirror, Record{
			Identity:  identity,
			Status:    StatusOffline,
			UpdatedAt: now,
		})
	} else {
		mirrorUpsert(t.mirror, Record{
			Identity:     identity,
			Status:       StatusOnline,
			Connections:  len(set),
			LastActivity: now,
			UpdatedAt:    now,
		})
	}

	return identity, last, true
}

// Identity returns the identity bound to a connection, if any.
func (t *ConnTracker) Identity(connectionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	identity, ok := t.connections[connectionID]
	return identity, ok
}

// Status reports the current availability of an identity.
func (t *ConnTracker) Status(identity string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.identities[identity]) > 0 {
		return StatusOnline
	}
	return StatusOffline
}

// ListOnline returns the identities with at least one live connection.
func (t *ConnTracker) ListOnline() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	online := make([]string, 0, len(t.identities))
	for identity := range t.identities {
		online = append(online, identity)
	}
	return online
}

// ConnectionCount returns the number of live connections for an identity.
func (t *ConnTracker) ConnectionCount(identity string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.identities[identity])
}

// mirrorUpsert writes a record to the mirror, logging and swallowing any
// failure so presence operations are never blocked by storage.
func mirrorUpsert(m Mirror, rec Record) {
	if m == nil {
		return
	}
	if err := m.Upsert(rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "mirrorUpsert",
			"identity": rec.Identity,
			"status":   rec.Status,
		}).WithError(err).Warn("Presence mirror write failed")
	}
}

// mirrorDelete removes a record from the mirror, best-effort.
func mirrorDelete(m Mirror, identity string) {
	if m == nil {
		return
	}
	if err := m.Delete(identity); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "mirrorDelete",
			"identity": identity,
		}).WithError(err).Warn("Presence mirror delete failed")
	}
}
