package presence

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultHeartbeatTimeout is how long an identity stays online after
	// its last heartbeat before the sweeper expires it.
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 60 * time.Second
)

// OnlineUser describes one identity in a heartbeat roster response.
type OnlineUser struct {
	Username    string    `json:"username"`
	DisplayName string    `json:"displayName,omitempty"`
	IsAnonymous bool      `json:"isAnonymous,omitempty"`
	LastSeen    time.Time `json:"lastSeen"`
	Status      Status    `json:"status"`
}

type heartbeatEntry struct {
	displayName string
	anonymous   bool
	lastSeen    time.Time
}

// HeartbeatTracker implements the lease-based presence model. Identities
// announce themselves with periodic heartbeats; a background sweep expires
// any identity whose lease has run out, without needing an explicit
// disconnect signal.
type HeartbeatTracker struct {
	mu      sync.Mutex
	entries map[string]*heartbeatEntry
	mirror  Mirror

	timeout       time.Duration
	sweepInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}

	// now is swapped out by tests to control lease expiry.
	now func() time.Time
}

// HeartbeatOption adjusts a HeartbeatTracker at construction time.
type HeartbeatOption func(*HeartbeatTracker)

// WithTimeout overrides the lease timeout.
func WithTimeout(d time.Duration) HeartbeatOption {
	return func(t *HeartbeatTracker) { t.timeout = d }
}

// WithSweepInterval overrides how often expired leases are collected.
func WithSweepInterval(d time.Duration) HeartbeatOption {
	return func(t *HeartbeatTracker) { t.sweepInterval = d }
}

// NewHeartbeatTracker creates a lease-based tracker and starts its
// background sweeper. mirror may be nil. Call Stop to release the sweeper.
func NewHeartbeatTracker(mirror Mirror, opts ...HeartbeatOption) *HeartbeatTracker {
	t := &HeartbeatTracker{
		entries:       make(map[string]*heartbeatEntry),
		mirror:        mirror,
		timeout:       DefaultHeartbeatTimeout,
		sweepInterval: DefaultSweepInterval,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.sweepLoop()

	return t
}

// Heartbeat records a liveness signal for an identity, creating the
// entry on first contact.
func (t *HeartbeatTracker) Heartbeat(username, displayName string, anonymous bool) {
	t.mu.Lock()
	now := t.now()
	entry, ok := t.entries[username]
	if !ok {
		entry = &heartbeatEntry{}
		t.entries[username] = entry
	}
	entry.displayName = displayName
	entry.anonymous = anonymous
	entry.lastSeen = now
	t.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function": "Heartbeat",
			"identity": username,
		}).Info("Identity came online via heartbeat")
	}

	mirrorUpsert(t.mirror, Record{
		Identity:     username,
		Status:       StatusOnline,
		LastActivity: now,
		UpdatedAt:    now,
	})
}

// Logout removes an identity immediately, bypassing lease expiry.
func (t *HeartbeatTracker) Logout(username string) {
	t.mu.Lock()
	_, ok := t.entries[username]
	delete(t.entries, username)
	t.mu.Unlock()

	if ok {
		logrus.WithFields(logrus.Fields{
			"function": "Logout",
			"identity": username,
		}).Info("Identity logged out")
		mirrorDelete(t.mirror, username)
	}
}

// Status reports the current availability of an identity.
func (t *HeartbeatTracker) Status(username string) Status {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[username]
	if !ok || t.now().Sub(entry.lastSeen) > t.timeout {
		return StatusOffline
	}
	return StatusOnline
}

// ListOnline returns identities whose lease has not expired.
func (t *HeartbeatTracker) ListOnline() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	online := make([]string, 0, len(t.entries))
	for username, entry := range t.entries {
		if now.Sub(entry.lastSeen) <= t.timeout {
			online = append(online, username)
		}
	}
	return online
}

// OnlineUsers returns the full roster records for unexpired identities,
// as served in heartbeat and roster responses.
func (t *HeartbeatTracker) OnlineUsers() []OnlineUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	users := make([]OnlineUser, 0, len(t.entries))
	for username, entry := range t.entries {
		if now.Sub(entry.lastSeen) > t.timeout {
			continue
		}
		users = append(users, OnlineUser{
			Username:    username,
			DisplayName: entry.displayName,
			IsAnonymous: entry.anonymous,
			LastSeen:    entry.lastSeen,
			Status:      StatusOnline,
		})
	}
	return users
}

// Sweep removes every identity whose lease has expired and returns the
// identities that were removed. The background loop calls this on a
// timer; tests may call it directly.
func (t *HeartbeatTracker) Sweep() []string {
	t.mu.Lock()
	now := t.now()
	var expired []string
	for username, entry := range t.entries {
		if now.Sub(entry.lastSeen) > t.timeout {
			expired = append(expired, username)
			delete(t.entries, username)
		}
	}
	t.mu.Unlock()

	for _, username := range expired {
		logrus.WithFields(logrus.Fields{
			"function": "Sweep",
			"identity": username,
		}).Info("Identity expired from presence")
		mirrorDelete(t.mirror, username)
	}
	return expired
}

// Stop shuts down the background sweeper. Safe to call more than once.
func (t *HeartbeatTracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		<-t.done
	})
}

func (t *HeartbeatTracker) sweepLoop() {
	defer close(t.done)

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.stop:
			return
		}
	}
}
