package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_OpensOnce(t *testing.T) {
	g := NewGate()
	assert.False(t, g.IsOpen())

	assert.True(t, g.Open())
	assert.False(t, g.Open())
	assert.True(t, g.IsOpen())
}

func TestGate_WaitBlocksUntilOpen(t *testing.T) {
	g := NewGate()

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()

	select {
	case <-done:
		t.Fatal("wait returned before open")
	case <-time.After(20 * time.Millisecond):
	}

	g.Open()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return after open")
	}
}

func TestGate_WaitHonorsContext(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
	assert.True(t, NewOpenGate().IsOpen())
}
