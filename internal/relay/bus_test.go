package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/protocol"
)

func dialPair(t *testing.T, bus *Bus) (host, replica Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := bus.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	replica, err := bus.Dial(ctx)
	require.NoError(t, err)
	select {
	case host = <-accepted:
	case <-ctx.Done():
		t.Fatal("accept did not return")
	}
	return host, replica
}

func recvFrame(t *testing.T, c Conn) protocol.Frame {
	t.Helper()
	select {
	case f, ok := <-c.Recv():
		require.True(t, ok, "channel closed")
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return protocol.Frame{}
	}
}

func TestBus_PreservesOrder(t *testing.T) {
	bus := NewBus(4)
	host, replica := dialPair(t, bus)
	ctx := context.Background()

	go func() {
		for i := 1; i <= 20; i++ {
			_ = host.Send(ctx, protocol.MutationRecord{Kind: "k", Seq: uint64(i)}.MutationFrame())
		}
	}()

	for i := 1; i <= 20; i++ {
		f := recvFrame(t, replica)
		assert.Equal(t, uint64(i), f.Seq)
	}
}

func TestBus_DoesNotShareMemory(t *testing.T) {
	bus := NewBus(4)
	host, replica := dialPair(t, bus)

	tree := protocol.Tree{"scene": map[string]any{"name": "a"}}
	require.NoError(t, host.Send(context.Background(), protocol.LoadStateFrame(tree, 1)))
	tree["scene"].(map[string]any)["name"] = "mutated"

	f := recvFrame(t, replica)
	assert.Equal(t, "a", f.State["scene"].(map[string]any)["name"])
}

func TestBus_PeerCloseDrainsThenCloses(t *testing.T) {
	bus := NewBus(8)
	host, replica := dialPair(t, bus)
	ctx := context.Background()

	require.NoError(t, replica.Send(ctx, protocol.RegisterFrame("r-1")))
	require.NoError(t, replica.Send(ctx, protocol.CommitRequestFrame("r-1", "k", nil)))
	require.NoError(t, replica.Close())

	assert.Equal(t, protocol.MsgRegister, recvFrame(t, host).Type)
	assert.Equal(t, protocol.MsgMutation, recvFrame(t, host).Type)

	select {
	case _, ok := <-host.Recv():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("recv not closed after peer close")
	}
	<-host.Done()
	require.ErrorIs(t, host.Err(), ErrClosed)

	err := host.Send(ctx, protocol.RegisterFrame("r-1"))
	require.ErrorIs(t, err, ErrTransport)
	require.ErrorIs(t, err, ErrClosed)
}

func TestBus_RejectsUnencodableFrame(t *testing.T) {
	bus := NewBus(1)
	host, _ := dialPair(t, bus)

	f := protocol.Frame{Type: protocol.MsgMutation, Mutation: &protocol.Mutation{
		Kind:    "k",
		Payload: map[string]any{"bad": make(chan int)},
	}}
	require.ErrorIs(t, host.Send(context.Background(), f), ErrTransport)
}

func TestBus_CloseStopsAcceptAndDial(t *testing.T) {
	bus := NewBus(1)
	require.NoError(t, bus.Close())

	_, err := bus.Accept(context.Background())
	require.ErrorIs(t, err, ErrClosed)

	_, err = bus.Dial(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
