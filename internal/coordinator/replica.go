package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/relay"
	"treesync/internal/snapshot"
	"treesync/internal/state"
)

// Replica keeps a local copy of the host tree. Local commits apply
// immediately and are forwarded to the host; host broadcasts are applied
// with rebroadcast suppressed.
type Replica struct {
	store  *state.Store
	dialer relay.Dialer
	cfg    Config

	conn    relay.Conn
	outbox  chan protocol.Frame
	pending atomic.Int64

	done      chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
	stoppedWg sync.WaitGroup

	mu  sync.Mutex
	err error
}

func NewReplica(store *state.Store, dialer relay.Dialer, cfg Config) *Replica {
	cfg = cfg.withDefaults()
	return &Replica{
		store:  store,
		dialer: dialer,
		cfg:    cfg,
		outbox: make(chan protocol.Frame, cfg.SendQueueSize),
		done:   make(chan struct{}),
		stopCh: make(chan struct{}),
	}
}

func (r *Replica) ID() protocol.ReplicaID { return r.store.Self() }
func (r *Replica) Store() *state.Store    { return r.store }

// Start connects to the host and blocks until the first snapshot is
// installed, the bootstrap gives up, or ctx ends.
func (r *Replica) Start(ctx context.Context) error {
	id := r.ID()
	slog.Info("starting replica coordinator", "replica", id.String())

	conn, err := r.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial host: %w", err)
	}
	r.conn = conn
	r.store.SetEmitter(state.EmitterFunc(r.forward))

	r.stoppedWg.Add(2)
	go func() {
		defer r.stoppedWg.Done()
		r.runMainLoop()
	}()
	go func() {
		defer r.stoppedWg.Done()
		r.runSender()
	}()

	bs := snapshot.NewBootstrapper(id, conn, r.store.Gate(), r.cfg.Bootstrap)
	if err := bs.Run(ctx); err != nil {
		r.Stop()
		return err
	}
	return nil
}

// Flush waits until every forwarded commit has been handed to the channel.
func (r *Replica) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for r.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.done:
			return fmt.Errorf("flush: %w", relay.ErrClosed)
		case <-ticker.C:
		}
	}
	return nil
}

// Done is closed when the channel to the host is gone.
func (r *Replica) Done() <-chan struct{} { return r.done }

// Err reports why the replica stopped. Nil after a local Stop.
func (r *Replica) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Replica) Stop() {
	r.stopOnce.Do(func() {
		slog.Info("initiating graceful shutdown", "role", "replica", "replica", r.ID().String())
		close(r.stopCh)
		if r.conn != nil {
			_ = r.conn.Close()
		}
		r.stoppedWg.Wait()
		slog.Info("replica coordinator stopped", "replica", r.ID().String(), "seq", r.store.Seq())
	})
}

// forward runs under the store's commit lock and must not block.
func (r *Replica) forward(rec protocol.MutationRecord) {
	f := protocol.CommitRequestFrame(r.ID(), rec.Kind, rec.Payload)
	r.pending.Add(1)
	select {
	case r.outbox <- f:
	default:
		r.pending.Add(-1)
		metrics.MutationsDropped.WithLabelValues("outbox_full").Inc()
		slog.Error("outbox full, closing channel to host", "replica", r.ID().String(), "kind", rec.Kind)
		r.fail(fmt.Errorf("%w: outbox full", relay.ErrTransport))
		go func() { _ = r.conn.Close() }()
	}
}

func (r *Replica) runSender() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.conn.Done():
			return
		case f := <-r.outbox:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
			err := r.conn.Send(ctx, f)
			cancel()
			r.pending.Add(-1)
			if err != nil {
				slog.Warn("failed to forward commit", "replica", r.ID().String(), "kind", f.Mutation.Kind, "error", err)
				r.fail(err)
				_ = r.conn.Close()
				return
			}
		}
	}
}

func (r *Replica) runMainLoop() {
	defer close(r.done)

	for f := range r.conn.Recv() {
		r.handle(f)
	}

	if err := r.conn.Err(); err != nil && !errors.Is(err, relay.ErrClosed) {
		r.fail(err)
	}
	select {
	case <-r.stopCh:
	default:
		r.fail(fmt.Errorf("host channel closed: %w", relay.ErrClosed))
		slog.Warn("lost connection to host", "replica", r.ID().String(), "error", r.Err())
	}
}

func (r *Replica) handle(f protocol.Frame) {
	switch f.Type {
	case protocol.MsgLoadState:
		if err := r.store.BulkLoad(f.State, f.Seq); err != nil {
			slog.Error("failed to install snapshot", "replica", r.ID().String(), "error", err)
		}

	case protocol.MsgMutation:
		if f.Mutation == nil {
			metrics.MutationsDropped.WithLabelValues("malformed").Inc()
			return
		}
		if !r.store.Ready() {
			metrics.MutationsDropped.WithLabelValues("not_ready").Inc()
			slog.Debug("dropping mutation before snapshot", "replica", r.ID().String(), "seq", f.Seq)
			return
		}
		if err := r.store.ApplyRemote(f.Seq, f.Mutation.Kind, f.Mutation.Payload); err != nil {
			reason := "apply_failed"
			if errors.Is(err, state.ErrStale) {
				reason = "stale"
			}
			metrics.MutationsDropped.WithLabelValues(reason).Inc()
			slog.Warn("dropping host mutation", "replica", r.ID().String(), "seq", f.Seq, "reason", reason, "error", err)
		}

	default:
		slog.Warn("unexpected frame from host", "replica", r.ID().String(), "type", string(f.Type))
	}
}

func (r *Replica) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}
