// Package reconnect wraps a transport with automatic reconnection:
// exponential backoff after unexpected closes, a manual-disconnect latch
// that suppresses all retries, and device-lifecycle triggers (foreground
// resume, network online, window focus) that restart a stopped backoff
// sequence immediately.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boris-chu/Private-Messaging-Service-sub000/transport"
)

const (
	// DefaultBaseInterval is the first retry delay; each subsequent
	// attempt doubles it.
	DefaultBaseInterval = time.Second

	// DefaultMaxAttempts is how many retries are scheduled before the
	// controller gives up until an external trigger restarts it.
	DefaultMaxAttempts = 10
)

// Config tunes a Controller.
type Config struct {
	BaseInterval time.Duration
	MaxAttempts  int
}

// StatusCallback is invoked whenever the controller's connection state
// changes.
type StatusCallback func(status transport.Status)

// Controller drives a Transport through connect/retry cycles. In-flight
// connect attempts cannot be cancelled; an attempt that succeeds after a
// manual disconnect was requested is treated as stale and torn down.
type Controller struct {
	transport transport.Transport
	cfg       Config

	mu       sync.Mutex
	status   transport.Status
	attempts int
	manual   bool
	// generation invalidates scheduled retries and in-flight attempts
	// whenever the caller manually connects or disconnects.
	generation uint64
	stopTimer  func() bool
	onStatus   StatusCallback

	// afterFunc is swapped out by tests to observe backoff scheduling.
	afterFunc func(d time.Duration, f func()) func() bool
}

// NewController wraps a transport. The transport's close callback is
// claimed by the controller; collaborators should subscribe to the
// controller's status callback instead.
func NewController(tr transport.Transport, cfg Config) *Controller {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultBaseInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	c := &Controller{
		transport: tr,
		cfg:       cfg,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	tr.OnClose(c.handleClose)
	return c
}

// OnStatusChange sets the status callback.
func (c *Controller) OnStatusChange(cb StatusCallback) {
	c.mu.Lock()
	c.onStatus = cb
	c.mu.Unlock()
}

// Status reports the controller's view of the connection.
func (c *Controller) Status() transport.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect establishes the connection, clearing the manual-disconnect
// latch and resetting the attempt counter. A failed initial connect
// schedules the usual backoff retries.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.manual = false
	c.attempts = 0
	c.generation++
	gen := c.generation
	c.cancelTimerLocked()
	c.mu.Unlock()

	return c.attempt(ctx, gen)
}

// Disconnect stops the controller: the manual latch is set, any pending
// retry is cancelled, and a connect attempt still in flight will be torn
// down when it completes.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	c.manual = true
	c.generation++
	c.cancelTimerLocked()
	c.mu.Unlock()

	err := c.transport.Disconnect()
	c.setStatus(transport.StatusDisconnected)
	return err
}

// NotifyLifecycleResume signals a device-lifecycle event (foreground
// resume, network online, window focus). It resets the attempt counter
// and reconnects immediately, but only when the controller is genuinely
// disconnected and not manually stopped; a controller merely between
// backoff intervals keeps its pending retry instead of starting a storm.
func (c *Controller) NotifyLifecycleResume() {
	c.mu.Lock()
	if c.manual || c.status != transport.StatusDisconnected || c.stopTimer != nil {
		c.mu.Unlock()
		return
	}
	c.attempts = 0
	gen := c.generation
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "NotifyLifecycleResume",
	}).Info("Lifecycle trigger, reconnecting immediately")

	go func() { _ = c.attempt(context.Background(), gen) }()
}

// attempt runs one connect against the transport and handles the
// outcome for the given generation.
func (c *Controller) attempt(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.manual || gen != c.generation {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setStatus(transport.StatusConnecting)

	err := c.transport.Connect(ctx)

	c.mu.Lock()
	stale := c.manual || gen != c.generation
	c.mu.Unlock()

	if stale {
		// The caller disconnected while this attempt was in flight; a
		// late success must not be adopted.
		if err == nil {
			_ = c.transport.Disconnect()
		}
		return nil
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "attempt",
		}).WithError(err).Warn("Connect attempt failed")
		c.setStatus(transport.StatusDisconnected)
		c.mu.Lock()
		c.scheduleRetryLocked(gen)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
	c.setStatus(transport.StatusConnected)
	return nil
}

// handleClose reacts to the transport closing. A nil error marks a clean
// local shutdown and never triggers a retry.
func (c *Controller) handleClose(err error) {
	c.setStatus(transport.StatusDisconnected)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil || c.manual {
		return
	}
	c.scheduleRetryLocked(c.generation)
}

// scheduleRetryLocked arms the backoff timer for the next attempt:
// baseInterval × 2^attempts, up to MaxAttempts retries.
func (c *Controller) scheduleRetryLocked(gen uint64) {
	if c.attempts >= c.cfg.MaxAttempts {
		logrus.WithFields(logrus.Fields{
			"function": "scheduleRetryLocked",
			"attempts": c.attempts,
		}).Warn("Reconnect attempts exhausted")
		return
	}

	delay := c.cfg.BaseInterval << uint(c.attempts)
	c.attempts++

	logrus.WithFields(logrus.Fields{
		"function": "scheduleRetryLocked",
		"attempt":  c.attempts,
		"delay":    delay,
	}).Info("Reconnect scheduled")

	c.stopTimer = c.afterFunc(delay, func() {
		c.mu.Lock()
		c.stopTimer = nil
		stale := c.manual || gen != c.generation
		c.mu.Unlock()
		if stale {
			return
		}
		_ = c.attempt(context.Background(), gen)
	})
}

func (c *Controller) cancelTimerLocked() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
}

func (c *Controller) setStatus(status transport.Status) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	cb := c.onStatus
	c.mu.Unlock()

	if changed && cb != nil {
		cb(status)
	}
}
