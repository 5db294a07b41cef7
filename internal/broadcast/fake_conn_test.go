package broadcast

import (
	"context"
	"sync"

	"treesync/internal/protocol"
	"treesync/internal/relay"
)

type fakeConn struct {
	mu      sync.Mutex
	sent    []protocol.Frame
	SendErr error
	// block, when set, holds every Send until it is closed.
	block chan struct{}

	recv      chan protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		recv: make(chan protocol.Frame),
		done: make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, f protocol.Frame) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.done:
			return relay.ErrClosed
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *fakeConn) Recv() <-chan protocol.Frame { return c.recv }
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

func (c *fakeConn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
