package reconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boris-chu/Private-Messaging-Service-sub000/envelope"
	"github.com/boris-chu/Private-Messaging-Service-sub000/transport"
)

// fakeTransport scripts connect outcomes and records calls.
type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	disconnects int
	closeCb     transport.CloseFunc
	// block, when non-nil, makes Connect wait for a result.
	block chan error
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	block := f.block
	var err error
	if len(f.connectErrs) > 0 {
		err = f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
	}
	f.mu.Unlock()

	if block != nil {
		return <-block
	}
	return err
}

func (f *fakeTransport) Disconnect() error {
	f.mu.Lock()
	f.disconnects++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(*envelope.Envelope) error { return nil }

func (f *fakeTransport) RegisterHandler(envelope.Type, transport.Handler) {}

func (f *fakeTransport) Status() transport.Status { return transport.StatusDisconnected }

func (f *fakeTransport) OnClose(cb transport.CloseFunc) {
	f.mu.Lock()
	f.closeCb = cb
	f.mu.Unlock()
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// manualTimers replaces time.AfterFunc so tests observe scheduled delays
// and fire retries deterministically.
type manualTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays = append(m.delays, d)
	m.pending = append(m.pending, f)
	idx := len(m.pending) - 1
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending[idx] == nil {
			return false
		}
		m.pending[idx] = nil
		return true
	}
}

// fireNext runs the oldest still-armed timer, reporting whether one existed.
func (m *manualTimers) fireNext() bool {
	m.mu.Lock()
	var f func()
	for i, p := range m.pending {
		if p != nil {
			f = p
			m.pending[i] = nil
			break
		}
	}
	m.mu.Unlock()

	if f == nil {
		return false
	}
	f()
	return true
}

func (m *manualTimers) recordedDelays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.delays...)
}

func alwaysFailing(n int) *fakeTransport {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = errors.New("connection refused")
	}
	return &fakeTransport{connectErrs: errs}
}

func newTestController(tr transport.Transport, timers *manualTimers) *Controller {
	c := NewController(tr, Config{BaseInterval: time.Second, MaxAttempts: 10})
	c.afterFunc = timers.afterFunc
	return c
}

func TestController_BackoffSequence(t *testing.T) {
	fake := alwaysFailing(100)
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	require.Error(t, c.Connect(context.Background()))

	// Drain every scheduled retry.
	for timers.fireNext() {
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		32000 * time.Millisecond,
		64000 * time.Millisecond,
		128000 * time.Millisecond,
		256000 * time.Millisecond,
		512000 * time.Millisecond,
	}
	assert.Equal(t, want, timers.recordedDelays())

	// Initial connect plus ten retries, then the controller gives up.
	assert.Equal(t, 11, fake.connectCount())
	assert.Equal(t, transport.StatusDisconnected, c.Status())
}

func TestController_ManualDisconnectCancelsRetry(t *testing.T) {
	fake := alwaysFailing(100)
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	require.Error(t, c.Connect(context.Background()))
	require.Equal(t, 1, fake.connectCount())

	require.NoError(t, c.Disconnect())

	// The armed retry must not produce another attempt.
	timers.fireNext()
	assert.Equal(t, 1, fake.connectCount())
}

func TestController_SuccessResetsBackoff(t *testing.T) {
	fake := &fakeTransport{connectErrs: []error{
		errors.New("refused"),
		errors.New("refused"),
		nil, // third attempt succeeds
	}}
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	_ = c.Connect(context.Background())
	require.True(t, timers.fireNext())
	require.True(t, timers.fireNext())
	assert.Equal(t, transport.StatusConnected, c.Status())

	// An unexpected close after a successful connect starts the backoff
	// over at the base interval.
	fake.closeCb(errors.New("connection reset"))

	delays := timers.recordedDelays()
	require.Len(t, delays, 3)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, 2*time.Second, delays[1])
	assert.Equal(t, time.Second, delays[2], "attempt counter resets on success")
}

func TestController_CleanCloseDoesNotRetry(t *testing.T) {
	fake := &fakeTransport{}
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, transport.StatusConnected, c.Status())

	// A nil error marks a locally requested shutdown.
	fake.closeCb(nil)

	assert.Empty(t, timers.recordedDelays())
	assert.Equal(t, transport.StatusDisconnected, c.Status())
}

func TestController_StaleConnectTornDown(t *testing.T) {
	fake := &fakeTransport{block: make(chan error)}
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	// Wait until the attempt is in flight.
	require.Eventually(t, func() bool { return fake.connectCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, c.Disconnect())
	before := fake.disconnectCount()

	// The in-flight attempt now succeeds, too late. It must be torn
	// down, not adopted.
	fake.block <- nil
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return fake.disconnectCount() == before+1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, transport.StatusDisconnected, c.Status())
}

func TestController_LifecycleResume(t *testing.T) {
	fake := alwaysFailing(100)
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	_ = c.Connect(context.Background())
	for timers.fireNext() {
	}
	require.Equal(t, 11, fake.connectCount(), "backoff exhausted")

	c.NotifyLifecycleResume()
	require.Eventually(t, func() bool { return fake.connectCount() == 12 },
		time.Second, 5*time.Millisecond)
}

func TestController_LifecycleResumeIgnoredWhileManual(t *testing.T) {
	fake := &fakeTransport{}
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	c.NotifyLifecycleResume()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fake.connectCount(), "resume must not reconnect after manual disconnect")
}

func TestController_LifecycleResumeIgnoredBetweenBackoffIntervals(t *testing.T) {
	fake := alwaysFailing(100)
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	_ = c.Connect(context.Background())
	require.Equal(t, 1, fake.connectCount())

	// A retry timer is armed; a lifecycle trigger must not stack a
	// second attempt on top of it.
	c.NotifyLifecycleResume()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fake.connectCount())
}

func TestController_StatusCallback(t *testing.T) {
	fake := &fakeTransport{}
	timers := &manualTimers{}
	c := newTestController(fake, timers)

	var mu sync.Mutex
	var seen []transport.Status
	c.OnStatusChange(func(s transport.Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []transport.Status{
		transport.StatusConnecting,
		transport.StatusConnected,
		transport.StatusDisconnected,
	}, seen)
}
