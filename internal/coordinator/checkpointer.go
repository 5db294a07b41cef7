package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"treesync/internal/checkpoint"
	"treesync/internal/metrics"
	"treesync/internal/protocol"
	"treesync/internal/state"
)

// checkpointer writes the host tree every snapCount commits and once more
// on stop. Writes happen on its own goroutine, off the commit path.
type checkpointer struct {
	store     *state.Store
	log       *checkpoint.Log
	snapCount uint64

	lastSeq atomic.Uint64
	trigger chan struct{}
	cancel  func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newCheckpointer(store *state.Store, log *checkpoint.Log, snapCount uint64) *checkpointer {
	c := &checkpointer{
		store:     store,
		log:       log,
		snapCount: snapCount,
		trigger:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	c.lastSeq.Store(store.Seq())
	return c
}

func (c *checkpointer) start() {
	c.cancel = c.store.Subscribe(func(rec protocol.MutationRecord) {
		if rec.Seq-c.lastSeq.Load() < c.snapCount {
			return
		}
		select {
		case c.trigger <- struct{}{}:
		default:
		}
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.stopCh:
				return
			case <-c.trigger:
				if err := c.save(); err != nil {
					slog.Warn("failed to write checkpoint", "error", err)
				}
			}
		}
	}()
}

func (c *checkpointer) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	close(c.stopCh)
	c.wg.Wait()

	if err := c.save(); err != nil {
		slog.Error("failed to write final checkpoint", "error", err)
	}
}

func (c *checkpointer) save() error {
	start := time.Now()
	tree, seq := c.store.Snapshot()
	if seq == c.lastSeq.Load() && seq != 0 {
		return nil
	}

	if err := c.log.Save(tree, seq); err != nil {
		metrics.CheckpointWrites.WithLabelValues("failed").Inc()
		return err
	}
	c.lastSeq.Store(seq)

	metrics.CheckpointWrites.WithLabelValues("ok").Inc()
	metrics.CheckpointDuration.Observe(time.Since(start).Seconds())
	slog.Info("checkpoint saved", "seq", seq, "modules", len(tree))
	return nil
}

// RestoreHost seeds a host store from the latest checkpoint, or from the
// YAML seed file when there is none. Both sources may be absent.
func RestoreHost(store *state.Store, cp *checkpoint.Log, seedFile string) error {
	if cp != nil {
		latest, ok, err := cp.Latest()
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		if ok {
			slog.Info("restoring from checkpoint", "seq", latest.Seq, "modules", len(latest.Tree))
			return store.Seed(latest.Tree, latest.Seq)
		}
	}

	if seedFile == "" {
		return nil
	}
	tree, err := LoadSeedFile(seedFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Warn("seed file not found, starting empty", "path", seedFile)
			return nil
		}
		return err
	}
	slog.Info("seeding from file", "path", seedFile, "modules", len(tree))
	return store.Seed(tree, 0)
}

// LoadSeedFile reads a YAML mapping of module name to value.
func LoadSeedFile(path string) (protocol.Tree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	tree, err := protocol.NormalizeTree(doc)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", path, err)
	}
	return tree, nil
}
