package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/broadcast"
	"treesync/internal/modules"
	"treesync/internal/protocol"
	"treesync/internal/relay"
	"treesync/internal/state"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []protocol.Frame
	SendErr error
	onSend  func(n int)

	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(_ context.Context, f protocol.Frame) error {
	c.mu.Lock()
	if c.SendErr != nil {
		c.mu.Unlock()
		return c.SendErr
	}
	c.sent = append(c.sent, f)
	n := len(c.sent)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (c *fakeConn) Recv() <-chan protocol.Frame { return nil }
func (c *fakeConn) Done() <-chan struct{}       { return c.done }
func (c *fakeConn) Err() error                  { return nil }
func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) Sent() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.sent...)
}

func newHost(t *testing.T) (*state.Store, *broadcast.Broadcaster) {
	t.Helper()
	store := state.New(protocol.RoleHost, protocol.HostOrigin)
	modules.Register(store)
	b := broadcast.New(16, time.Second)
	store.SetEmitter(b)
	t.Cleanup(b.Close)
	return store, b
}

func TestProvider_SendsSnapshotThenMarksReady(t *testing.T) {
	store, b := newHost(t)
	require.NoError(t, store.Commit(modules.KindSet, modules.SetPayload("audio", map[string]any{"volume": 40})))

	conn := newFakeConn()
	require.NoError(t, b.RegisterReplica("r-a", conn))

	p := NewProvider(store, b)
	require.NoError(t, p.HandleRequest("r-a"))
	assert.True(t, b.IsReady("r-a"))

	require.NoError(t, store.Commit(modules.KindSet, modules.SetPayload("audio", map[string]any{"volume": 50})))

	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, time.Second, 5*time.Millisecond)
	sent := conn.Sent()
	assert.Equal(t, protocol.MsgLoadState, sent[0].Type)
	assert.Equal(t, uint64(1), sent[0].Seq)
	assert.Equal(t, map[string]any{"volume": 40.0}, sent[0].State["audio"])
	assert.Equal(t, protocol.MsgMutation, sent[1].Type)
	assert.Equal(t, uint64(2), sent[1].Seq)
}

func TestProvider_DuplicateRequestIsNoop(t *testing.T) {
	store, b := newHost(t)
	conn := newFakeConn()
	require.NoError(t, b.RegisterReplica("r-a", conn))

	p := NewProvider(store, b)
	require.NoError(t, p.HandleRequest("r-a"))
	require.NoError(t, p.HandleRequest("r-a"))

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, conn.Sent(), 1)
}

func TestProvider_UnknownReplica(t *testing.T) {
	store, b := newHost(t)
	p := NewProvider(store, b)

	err := p.HandleRequest("r-missing")
	require.ErrorIs(t, err, broadcast.ErrUnknownReplica)
	assert.False(t, b.IsReady("r-missing"))
}

func TestBootstrapper_ReadyOnFirstAttempt(t *testing.T) {
	gate := state.NewGate()
	conn := newFakeConn()
	conn.onSend = func(int) { gate.Open() }

	bs := NewBootstrapper("r-a", conn, gate, BootstrapConfig{Timeout: time.Second, Attempts: 3})
	require.NoError(t, bs.Run(context.Background()))

	sent := conn.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.MsgRegister, sent[0].Type)
	assert.Equal(t, protocol.ReplicaID("r-a"), sent[0].From)
}

func TestBootstrapper_RetriesUntilSnapshotArrives(t *testing.T) {
	gate := state.NewGate()
	conn := newFakeConn()
	conn.onSend = func(n int) {
		if n == 3 {
			gate.Open()
		}
	}

	bs := NewBootstrapper("r-a", conn, gate, BootstrapConfig{Timeout: 10 * time.Millisecond, Attempts: 5, Backoff: time.Millisecond})
	require.NoError(t, bs.Run(context.Background()))
	assert.Len(t, conn.Sent(), 3)
}

func TestBootstrapper_GivesUp(t *testing.T) {
	gate := state.NewGate()
	conn := newFakeConn()

	bs := NewBootstrapper("r-a", conn, gate, BootstrapConfig{Timeout: 5 * time.Millisecond, Attempts: 3})
	err := bs.Run(context.Background())
	require.ErrorIs(t, err, ErrBootstrapTimeout)
	assert.Len(t, conn.Sent(), 3)
	assert.False(t, gate.IsOpen())
}

func TestBootstrapper_StopsOnClosedChannel(t *testing.T) {
	gate := state.NewGate()
	conn := newFakeConn()
	conn.onSend = func(int) { _ = conn.Close() }

	bs := NewBootstrapper("r-a", conn, gate, BootstrapConfig{Timeout: time.Second, Attempts: 3})
	require.ErrorIs(t, bs.Run(context.Background()), relay.ErrClosed)
}

func TestBootstrapper_SendFailure(t *testing.T) {
	conn := newFakeConn()
	conn.SendErr = errors.Join(relay.ErrTransport, errors.New("down"))

	bs := NewBootstrapper("r-a", conn, state.NewGate(), BootstrapConfig{})
	require.ErrorIs(t, bs.Run(context.Background()), relay.ErrTransport)
}

func TestBootstrapper_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	conn := newFakeConn()
	conn.onSend = func(int) { cancel() }

	bs := NewBootstrapper("r-a", conn, state.NewGate(), BootstrapConfig{Timeout: time.Second})
	require.ErrorIs(t, bs.Run(ctx), context.Canceled)
}
