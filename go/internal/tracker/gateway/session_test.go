package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/autotracker/go/internal/tracker/catalog"
	"github.com/mcdev12/autotracker/go/internal/tracker/snapshot"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFlakyWrite = errors.New("i/o hiccup")

// fakeSender scripts one result per Send call; calls past the script succeed.
type fakeSender struct {
	mu       sync.Mutex
	results  []error
	payloads [][]byte
	calls    int
	onSend   func(call int)
	block    bool

	done       chan struct{}
	doneOnce   sync.Once
	closeCalls atomic.Int32
}

func newFakeSender(results ...error) *fakeSender {
	return &fakeSender{results: results, done: make(chan struct{})}
}

func (f *fakeSender) Send(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	call := f.calls
	f.calls++
	var err error
	if call < len(f.results) {
		err = f.results[call]
	}
	if err == nil {
		f.payloads = append(f.payloads, payload)
	}
	hook, block := f.onSend, f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if hook != nil {
		hook(call)
	}
	return err
}

func (f *fakeSender) Done() <-chan struct{} { return f.done }

func (f *fakeSender) Close() error {
	f.closeCalls.Add(1)
	f.peerGone()
	return nil
}

func (f *fakeSender) peerGone() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeSender) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// goneAfter makes the peer disappear right after the given Send call returns.
func (f *fakeSender) goneAfter(call int) *fakeSender {
	f.onSend = func(c int) {
		if c == call {
			f.peerGone()
		}
	}
	return f
}

type fakeMirror struct {
	mu       sync.Mutex
	subjects []string
}

func (m *fakeMirror) Publish(_ context.Context, sessionID string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, sessionID)
	return nil
}

func (m *fakeMirror) Close() error { return nil }

func (m *fakeMirror) published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subjects...)
}

const testTick = 500 * time.Millisecond

func newTestSession(t *testing.T, sender Sender, clock clockwork.Clock, config SessionConfig, opts ...SessionOption) *Session {
	t.Helper()
	if config.TickInterval == 0 {
		config.TickInterval = testTick
	}
	opts = append([]SessionOption{WithClock(clock)}, opts...)
	return NewSession(sender, snapshot.NewSeededGenerator(catalog.Default(), 1), config, opts...)
}

func runSession(ctx context.Context, s *Session) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return errCh
}

// advanceTicks waits for the session to park on its tick timer and fires it, n times.
func advanceTicks(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		require.NoError(t, clock.BlockUntilContext(ctx, 1), "session never waited for tick %d", i+1)
		cancel()
		clock.Advance(testTick)
	}
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func TestSession_TransientFailuresThenSuccess(t *testing.T) {
	const n = 3
	sender := newFakeSender(errFlakyWrite, errFlakyWrite, errFlakyWrite).goneAfter(n)
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, sender, clock, SessionConfig{})

	errCh := runSession(context.Background(), s)
	advanceTicks(t, clock, n)

	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, uint64(n+1), s.Generated())
	assert.Equal(t, uint64(1), s.Delivered())
	assert.Equal(t, uint64(n), s.Failures())
	assert.Equal(t, SessionClosed, s.State())
	assert.Equal(t, int32(1), sender.closeCalls.Load())
}

func TestSession_ConnectionClosedStopsWithoutRetry(t *testing.T) {
	const k = 3
	closed := fmt.Errorf("write: %w", ErrConnectionClosed)
	sender := newFakeSender(nil, nil, closed)
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, sender, clock, SessionConfig{})

	errCh := runSession(context.Background(), s)
	advanceTicks(t, clock, k-1)

	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, uint64(k), s.Generated())
	assert.Equal(t, uint64(k-1), s.Delivered())
	assert.Equal(t, SessionClosed, s.State())

	clock.Advance(10 * testTick)
	assert.Equal(t, k, sender.sendCalls(), "no ticks after the connection closed")
	assert.Equal(t, int32(1), sender.closeCalls.Load())
}

func TestSession_ShutdownMidDelay(t *testing.T) {
	sender := newFakeSender()
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, sender, clock, SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runSession(ctx, s)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	cancel()

	err := waitResult(t, errCh)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), s.Generated())
	assert.Equal(t, SessionClosed, s.State())
	assert.Equal(t, int32(1), sender.closeCalls.Load(), "connection released")

	clock.Advance(10 * testTick)
	assert.Equal(t, 1, sender.sendCalls())
}

func TestSession_ShutdownDuringSendIsNotSwallowed(t *testing.T) {
	sender := newFakeSender()
	sender.block = true
	s := newTestSession(t, sender, clockwork.NewFakeClock(), SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := runSession(ctx, s)

	require.Eventually(t, func() bool { return sender.sendCalls() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	assert.ErrorIs(t, waitResult(t, errCh), context.Canceled)
	assert.Equal(t, uint64(1), s.Generated())
	assert.Equal(t, uint64(0), s.Delivered())
	assert.Equal(t, int32(1), sender.closeCalls.Load())
}

func TestSession_AlreadyCancelledContext(t *testing.T) {
	sender := newFakeSender()
	s := newTestSession(t, sender, clockwork.NewFakeClock(), SessionConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.Equal(t, uint64(0), s.Generated())
	assert.Equal(t, int32(1), sender.closeCalls.Load())
}

func TestSession_PeerGoneMidDelay(t *testing.T) {
	sender := newFakeSender()
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, sender, clock, SessionConfig{})

	errCh := runSession(context.Background(), s)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	sender.peerGone()

	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, uint64(1), s.Generated())
	assert.Equal(t, uint64(1), s.Delivered())
}

func TestSession_ClosedLogReportsConnectedFor(t *testing.T) {
	var buf bytes.Buffer
	sender := newFakeSender()
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, sender, clock, SessionConfig{}, WithLogger(zerolog.New(&buf)))

	errCh := runSession(context.Background(), s)
	advanceTicks(t, clock, 2)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	sender.peerGone()
	require.NoError(t, waitResult(t, errCh))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var closed map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &closed))
	assert.Equal(t, "session closed", closed["message"])
	assert.Equal(t, string(CloseReasonPeerGone), closed["reason"])
	assert.Equal(t, float64(2*testTick/time.Millisecond), closed["connected_for"])
}

func TestSession_MaxConsecutiveFailures(t *testing.T) {
	sender := newFakeSender(errFlakyWrite, nil, errFlakyWrite, errFlakyWrite, errFlakyWrite)
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, sender, clock, SessionConfig{MaxConsecutiveFailures: 3})

	errCh := runSession(context.Background(), s)
	// The success on tick 2 resets the run, so the cap is reached on tick 5.
	advanceTicks(t, clock, 4)

	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, uint64(5), s.Generated())
	assert.Equal(t, uint64(1), s.Delivered())
	assert.Equal(t, uint64(4), s.Failures())
}

func TestSession_EncodeFailureIsTransient(t *testing.T) {
	sender := newFakeSender().goneAfter(0)
	clock := clockwork.NewFakeClock()

	var encodes atomic.Int32
	encode := func(snap snapshot.Snapshot) ([]byte, error) {
		if encodes.Add(1) == 1 {
			return nil, errors.New("encoder exploded")
		}
		return snapshot.Encode(snap)
	}
	s := newTestSession(t, sender, clock, SessionConfig{}, WithEncoder(encode))

	errCh := runSession(context.Background(), s)
	advanceTicks(t, clock, 1)

	require.NoError(t, waitResult(t, errCh))
	assert.Equal(t, uint64(2), s.Generated())
	assert.Equal(t, uint64(1), s.Delivered())
	assert.Equal(t, 1, sender.sendCalls(), "failed encode never reaches the connection")
}

func TestSession_PayloadsFollowCatalogOrder(t *testing.T) {
	sender := newFakeSender().goneAfter(2)
	clock := clockwork.NewFakeClock()
	s := newTestSession(t, sender, clock, SessionConfig{})

	errCh := runSession(context.Background(), s)
	advanceTicks(t, clock, 2)
	require.NoError(t, waitResult(t, errCh))

	sender.mu.Lock()
	payloads := sender.payloads
	sender.mu.Unlock()
	require.Len(t, payloads, 3)

	cat := catalog.Default()
	for _, p := range payloads {
		var snap snapshot.Snapshot
		require.NoError(t, json.Unmarshal(p, &snap))
		assert.Equal(t, snapshot.TypeItemCounts, snap.Type)
		require.Len(t, snap.Counts, len(cat))
		for i, c := range snap.Counts {
			assert.Equal(t, cat[i].Name, c.Item)
			assert.LessOrEqual(t, c.Count, cat[i].MaxCount)
		}
	}
}

func TestSession_MirrorsDeliveredSnapshots(t *testing.T) {
	sender := newFakeSender(nil, errFlakyWrite, nil).goneAfter(2)
	clock := clockwork.NewFakeClock()
	mirror := &fakeMirror{}
	s := newTestSession(t, sender, clock, SessionConfig{}, WithMirror(mirror), WithSessionID("abc"))

	errCh := runSession(context.Background(), s)
	advanceTicks(t, clock, 2)
	require.NoError(t, waitResult(t, errCh))

	assert.Equal(t, []string{"abc", "abc"}, mirror.published())
}

func TestNewSession_Defaults(t *testing.T) {
	s := NewSession(newFakeSender(), snapshot.NewGenerator(catalog.Default()), SessionConfig{})

	assert.NotEmpty(t, s.ID())
	assert.Equal(t, SessionRunning, s.State())
	assert.Equal(t, DefaultSessionConfig().TickInterval, s.config.TickInterval)
}
