package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/relay"
	"treesync/internal/state"
)

type BootstrapConfig struct {
	// Timeout is how long the first attempt waits for a snapshot.
	Timeout time.Duration
	// Attempts is the total number of register frames sent.
	Attempts int
	// Backoff is added to the wait of every attempt after the first.
	Backoff time.Duration
}

func DefaultBootstrapConfig() BootstrapConfig {
	return BootstrapConfig{Timeout: 2 * time.Second, Attempts: 5, Backoff: time.Second}
}

// Bootstrapper registers a replica with the host and waits for its gate to
// open. The gate is opened by whoever applies the loadState frame.
type Bootstrapper struct {
	id   protocol.ReplicaID
	conn relay.Conn
	gate *state.Gate
	cfg  BootstrapConfig
}

func NewBootstrapper(id protocol.ReplicaID, conn relay.Conn, gate *state.Gate, cfg BootstrapConfig) *Bootstrapper {
	def := DefaultBootstrapConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Backoff < 0 {
		cfg.Backoff = 0
	}
	return &Bootstrapper{id: id, conn: conn, gate: gate, cfg: cfg}
}

func (b *Bootstrapper) Run(ctx context.Context) error {
	start := time.Now()

	for attempt := 1; attempt <= b.cfg.Attempts; attempt++ {
		if err := b.conn.Send(ctx, protocol.RegisterFrame(b.id)); err != nil {
			metrics.BootstrapAttempts.WithLabelValues("send_failed").Inc()
			return fmt.Errorf("register %s: %w", b.id, err)
		}
		metrics.BootstrapAttempts.WithLabelValues("sent").Inc()

		wait := b.cfg.Timeout + time.Duration(attempt-1)*b.cfg.Backoff
		slog.Debug("waiting for snapshot", "replica", b.id.String(), "attempt", attempt, "wait", wait)

		ready, err := b.waitReady(ctx, wait)
		if err != nil {
			return err
		}
		if ready {
			metrics.BootstrapAttempts.WithLabelValues("ready").Inc()
			metrics.BootstrapDuration.Observe(time.Since(start).Seconds())
			slog.Info("replica bootstrapped", "replica", b.id.String(), "attempts", attempt, "took", time.Since(start))
			return nil
		}
		slog.Warn("no snapshot yet, registering again", "replica", b.id.String(), "attempt", attempt)
	}

	metrics.BootstrapAttempts.WithLabelValues("timeout").Inc()
	return fmt.Errorf("%w: %s after %d attempts", ErrBootstrapTimeout, b.id, b.cfg.Attempts)
}

func (b *Bootstrapper) waitReady(ctx context.Context, wait time.Duration) (bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-b.gate.Done():
		return true, nil
	case <-timer.C:
		return false, nil
	case <-b.conn.Done():
		return false, fmt.Errorf("bootstrap %s: %w", b.id, relay.ErrClosed)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
