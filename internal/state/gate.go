package state

import (
	"context"
	"sync"
)

// Gate is a one-way readiness latch. It starts closed and, once opened,
// stays open for the life of the process.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// NewOpenGate returns a gate that is already open, as used by the host.
func NewOpenGate() *Gate {
	g := NewGate()
	g.Open()
	return g
}

// Open reports whether this call was the one that opened the gate.
func (g *Gate) Open() bool {
	opened := false
	g.once.Do(func() {
		close(g.ch)
		opened = true
	})
	return opened
}

func (g *Gate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *Gate) Done() <-chan struct{} { return g.ch }

// Wait blocks until the gate opens or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
