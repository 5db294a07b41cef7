package relay

import (
	"context"
	"fmt"
	"sync"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
)

// Bus is a process-local relay for single-process harnesses. Every frame is
// passed through the wire codec, so the two ends never share memory.
type Bus struct {
	bufSize int

	accept    chan *busConn
	closed    chan struct{}
	closeOnce sync.Once
}

func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		bufSize: bufSize,
		accept:  make(chan *busConn),
		closed:  make(chan struct{}),
	}
}

func (b *Bus) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-b.accept:
		return c, nil
	case <-b.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting. Established channels stay open.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// Dial creates a channel pair and hands the host end to Accept.
func (b *Bus) Dial(ctx context.Context) (Conn, error) {
	p := &busPipe{done: make(chan struct{})}
	hostEnd := newBusConn(p, b.bufSize)
	replicaEnd := newBusConn(p, b.bufSize)
	hostEnd.peer, replicaEnd.peer = replicaEnd, hostEnd

	go hostEnd.pump()
	go replicaEnd.pump()

	select {
	case b.accept <- hostEnd:
		return replicaEnd, nil
	case <-b.closed:
		p.close(ErrClosed)
		return nil, fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	case <-ctx.Done():
		p.close(ctx.Err())
		return nil, fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
}

type busPipe struct {
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func (p *busPipe) close(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *busPipe) closedErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

type busConn struct {
	p    *busPipe
	peer *busConn

	// queue is written by the peer's Send, out is what Recv exposes.
	queue chan protocol.Frame
	out   chan protocol.Frame

	local     chan struct{}
	localOnce sync.Once
}

func newBusConn(p *busPipe, bufSize int) *busConn {
	return &busConn{
		p:     p,
		queue: make(chan protocol.Frame, bufSize),
		out:   make(chan protocol.Frame),
		local: make(chan struct{}),
	}
}

func (c *busConn) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-c.p.done:
		return fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	default:
	}

	wire, err := protocol.RoundTrip(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	select {
	case c.peer.queue <- wire:
		metrics.RelayFramesTotal.WithLabelValues("bus", "sent").Inc()
		return nil
	case <-c.p.done:
		return fmt.Errorf("%w: %w", ErrTransport, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
}

func (c *busConn) Recv() <-chan protocol.Frame { return c.out }
func (c *busConn) Done() <-chan struct{}       { return c.p.done }

func (c *busConn) Err() error {
	select {
	case <-c.p.done:
		return c.p.closedErr()
	default:
		return nil
	}
}

func (c *busConn) Close() error {
	c.localOnce.Do(func() { close(c.local) })
	c.p.close(ErrClosed)
	return nil
}

// pump moves frames from queue to out, draining what is left once the pipe
// closes unless this end itself was closed.
func (c *busConn) pump() {
	defer close(c.out)
	for {
		select {
		case f := <-c.queue:
			if !c.deliver(f) {
				return
			}
		case <-c.p.done:
			for {
				select {
				case f := <-c.queue:
					if !c.deliver(f) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *busConn) deliver(f protocol.Frame) bool {
	select {
	case c.out <- f:
		metrics.RelayFramesTotal.WithLabelValues("bus", "received").Inc()
		return true
	case <-c.local:
		return false
	}
}
