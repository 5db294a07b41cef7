package coordinator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"treesync/internal/modules"
	"treesync/internal/protocol"
	"treesync/internal/relay"
	"treesync/internal/state"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Bootstrap.Timeout = 200 * time.Millisecond
	cfg.Bootstrap.Backoff = 50 * time.Millisecond
	cfg.Bootstrap.Attempts = 5
	return cfg
}

func startHost(t *testing.T, seed protocol.Tree) (*Host, *relay.Bus) {
	t.Helper()
	store := state.New(protocol.RoleHost, protocol.HostOrigin)
	modules.Register(store)
	if seed != nil {
		require.NoError(t, store.Seed(seed, 0))
	}

	bus := relay.NewBus(64)
	host := NewHost(store, bus, nil, testConfig())
	host.Start()
	t.Cleanup(host.Stop)
	return host, bus
}

func startReplica(t *testing.T, dialer relay.Dialer) *Replica {
	t.Helper()
	store := state.New(protocol.RoleReplica, protocol.NewReplicaID())
	modules.Register(store)

	r := NewReplica(store, dialer, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, r.Start(ctx))
	t.Cleanup(r.Stop)
	return r
}

func read(t *testing.T, s *state.Store, key string) any {
	t.Helper()
	v, err := s.Read(key)
	if err != nil {
		return nil
	}
	return v
}

func treesEqual(a, b *state.Store) func() bool {
	return func() bool {
		ta, _ := a.Snapshot()
		tb, _ := b.Snapshot()
		return assert.ObjectsAreEqual(ta, tb)
	}
}

func TestScenario_VolumeWithLateJoiner(t *testing.T) {
	host, bus := startHost(t, protocol.Tree{"volume": 50})
	hs := host.Store()

	a := startReplica(t, bus)
	assert.Equal(t, 50.0, read(t, a.Store(), "volume"))

	require.NoError(t, hs.Commit(modules.KindSet, modules.SetPayload("volume", 80)))
	require.Eventually(t, func() bool { return read(t, a.Store(), "volume") == 80.0 }, waitFor, tick)

	require.NoError(t, a.Store().Commit(modules.KindSet, modules.SetPayload("volume", 40)))
	assert.Equal(t, 40.0, read(t, a.Store(), "volume"), "local commit applies immediately")
	require.Eventually(t, func() bool { return read(t, hs, "volume") == 40.0 }, waitFor, tick)

	b := startReplica(t, bus)
	assert.Equal(t, 40.0, read(t, b.Store(), "volume"))
	assert.Equal(t, hs.Seq(), b.Store().Seq())
}

func TestConvergence_HostCommits(t *testing.T) {
	host, bus := startHost(t, nil)
	hs := host.Store()

	replicas := []*Replica{startReplica(t, bus), startReplica(t, bus), startReplica(t, bus)}

	for i := 0; i < 100; i++ {
		module := fmt.Sprintf("m%d", i%7)
		switch i % 3 {
		case 0:
			require.NoError(t, hs.Commit(modules.KindSet, modules.SetPayload(module, map[string]any{"n": i})))
		case 1:
			require.NoError(t, hs.Commit(modules.KindPatch, modules.PatchPayload(module, map[string]any{"p": i})))
		case 2:
			require.NoError(t, hs.Commit(modules.KindDelete, modules.DeletePayload(module)))
		}
	}

	for _, r := range replicas {
		require.Eventually(t, treesEqual(hs, r.Store()), waitFor, tick)
		assert.Equal(t, hs.Seq(), r.Store().Seq())
	}
}

func TestNoEcho_OriginatorDoesNotReceiveOwnCommit(t *testing.T) {
	host, bus := startHost(t, nil)
	a := startReplica(t, bus)
	c := startReplica(t, bus)

	var mu sync.Mutex
	var seenByA []protocol.MutationRecord
	cancel := a.Store().Subscribe(func(rec protocol.MutationRecord) {
		mu.Lock()
		defer mu.Unlock()
		seenByA = append(seenByA, rec)
	})
	defer cancel()

	require.NoError(t, a.Store().Commit(modules.KindSet, modules.SetPayload("scene", "intro")))

	require.Eventually(t, func() bool { return read(t, c.Store(), "scene") == "intro" }, waitFor, tick)
	require.Eventually(t, func() bool { return read(t, host.Store(), "scene") == "intro" }, waitFor, tick)

	// a host commit behind it proves A's channel has drained past any echo
	require.NoError(t, host.Store().Commit(modules.KindSet, modules.SetPayload("marker", true)))
	require.Eventually(t, func() bool { return read(t, a.Store(), "marker") == true }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenByA, 2)
	assert.False(t, seenByA[0].SuppressRebroadcast, "local commit")
	assert.Equal(t, "marker", seenByA[1].Payload["module"])
}

func TestOrdering_ReplicaAppliesInHostOrder(t *testing.T) {
	host, bus := startHost(t, nil)
	r := startReplica(t, bus)

	var mu sync.Mutex
	var seqs []uint64
	cancel := r.Store().Subscribe(func(rec protocol.MutationRecord) {
		mu.Lock()
		defer mu.Unlock()
		seqs = append(seqs, rec.Seq)
	})
	defer cancel()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = host.Store().Commit(modules.KindSet, modules.SetPayload(fmt.Sprintf("w%d", w), i))
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return r.Store().Seq() == host.Store().Seq() }, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seqs, 100)
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i])
	}
}

func TestBootstrap_JoinDuringCommitStream(t *testing.T) {
	host, bus := startHost(t, nil)
	hs := host.Store()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_ = hs.Commit(modules.KindSet, modules.SetPayload("counter", i))
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var joined []*Replica
	for i := 0; i < 3; i++ {
		joined = append(joined, startReplica(t, bus))
	}
	close(stop)
	<-done

	for _, r := range joined {
		require.Eventually(t, treesEqual(hs, r.Store()), waitFor, tick)
		assert.Equal(t, hs.Seq(), r.Store().Seq())
	}
}

func TestBootstrap_ReplicaSeesEmptyOrFullTree(t *testing.T) {
	seed := protocol.Tree{}
	for i := 0; i < 50; i++ {
		seed[fmt.Sprintf("m%02d", i)] = i
	}
	host, bus := startHost(t, seed)

	store := state.New(protocol.RoleReplica, protocol.NewReplicaID())
	modules.Register(store)

	var mu sync.Mutex
	var sizes []int
	cancel := store.Subscribe(func(protocol.MutationRecord) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, store.Len())
	})
	defer cancel()

	assert.Equal(t, 0, store.Len())
	r := NewReplica(store, bus, testConfig())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	assert.Equal(t, 50, store.Len())
	assert.Equal(t, host.Store().Len(), store.Len())
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, sizes)
	assert.Equal(t, 50, sizes[0])
}

func TestBulkLoad_IsIdempotentAndNotForwarded(t *testing.T) {
	host, bus := startHost(t, protocol.Tree{"volume": 50})
	r := startReplica(t, bus)

	tree, seq := host.Store().Snapshot()
	require.NoError(t, r.Store().BulkLoad(tree, seq))
	require.NoError(t, r.Store().BulkLoad(tree, seq))

	got, gotSeq := r.Store().Snapshot()
	assert.Equal(t, tree, got)
	assert.Equal(t, seq, gotSeq)

	// a later commit shows nothing extra reached the host
	require.NoError(t, r.Store().Commit(modules.KindSet, modules.SetPayload("volume", 60)))
	require.Eventually(t, func() bool { return host.Store().Seq() == seq+1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seq+1, host.Store().Seq())
}

func TestReplicaCommitBeforeReadyIsRejected(t *testing.T) {
	store := state.New(protocol.RoleReplica, protocol.NewReplicaID())
	modules.Register(store)

	err := store.Commit(modules.KindSet, modules.SetPayload("volume", 1))
	require.ErrorIs(t, err, state.ErrNotReady)
}

func TestDisconnectMidBroadcast(t *testing.T) {
	host, bus := startHost(t, nil)
	hs := host.Store()

	a := startReplica(t, bus)
	b := startReplica(t, bus)
	require.Eventually(t, func() bool { return host.broadcaster.Len() == 2 }, waitFor, tick)

	for i := 0; i < 20; i++ {
		require.NoError(t, hs.Commit(modules.KindSet, modules.SetPayload("n", i)))
		if i == 10 {
			a.Stop()
		}
	}

	require.Eventually(t, treesEqual(hs, b.Store()), waitFor, tick)
	require.Eventually(t, func() bool { return host.broadcaster.Len() == 1 }, waitFor, tick)
	assert.False(t, host.broadcaster.Has(a.ID()))
	assert.NoError(t, b.Err())

	require.NoError(t, hs.Commit(modules.KindSet, modules.SetPayload("after", true)))
	require.Eventually(t, func() bool { return read(t, b.Store(), "after") == true }, waitFor, tick)
}

func TestHost_UnknownReplicaCommitIsDropped(t *testing.T) {
	host, _ := startHost(t, nil)

	err := host.OnReplicaCommitRequest("r-ghost", modules.KindSet, modules.SetPayload("x", 1))
	require.Error(t, err)
	assert.Equal(t, 0, host.Store().Len())
	assert.Equal(t, uint64(0), host.Store().Seq())
}

func TestHost_InvalidCommitKeepsReplicasConnected(t *testing.T) {
	host, bus := startHost(t, protocol.Tree{"title": "ok"})
	hs := host.Store()
	a := startReplica(t, bus)

	err := hs.Commit(modules.KindSet, modules.SetPayload("title", "bad\xffname"))
	require.ErrorIs(t, err, state.ErrInvalidPayload)
	err = hs.Commit(modules.KindSet, modules.SetPayload("level", math.NaN()))
	require.ErrorIs(t, err, state.ErrInvalidPayload)

	require.NoError(t, hs.Commit(modules.KindSet, modules.SetPayload("title", "next")))
	require.Eventually(t, func() bool { return read(t, a.Store(), "title") == "next" }, waitFor, tick)
	assert.True(t, host.broadcaster.IsReady(a.ID()))

	b := startReplica(t, bus)
	assert.Equal(t, "next", read(t, b.Store(), "title"))
	assert.NoError(t, a.Err())
}

func TestReplica_InvalidLocalCommitIsNotForwarded(t *testing.T) {
	host, bus := startHost(t, nil)
	a := startReplica(t, bus)

	err := a.Store().Commit(modules.KindSet, modules.SetPayload("title", "bad\xffname"))
	require.ErrorIs(t, err, state.ErrInvalidPayload)

	require.NoError(t, a.Store().Commit(modules.KindSet, modules.SetPayload("title", "good")))
	require.Eventually(t, func() bool { return read(t, host.Store(), "title") == "good" }, waitFor, tick)
	assert.True(t, host.broadcaster.Has(a.ID()))
}

func TestHost_StaleDisconnectLeavesCurrentChannel(t *testing.T) {
	host, bus := startHost(t, nil)
	a := startReplica(t, bus)
	require.Eventually(t, func() bool { return host.broadcaster.IsReady(a.ID()) }, waitFor, tick)

	host.handle(hostEvent{kind: eventDisconnect, id: "r-ghost"})
	host.handle(hostEvent{kind: eventDisconnect, id: a.ID()})

	assert.True(t, host.broadcaster.Has(a.ID()))
	require.NoError(t, host.Store().Commit(modules.KindSet, modules.SetPayload("x", 1)))
	require.Eventually(t, func() bool { return read(t, a.Store(), "x") == 1.0 }, waitFor, tick)
}

func TestReplica_ReportsHostLoss(t *testing.T) {
	host, bus := startHost(t, nil)
	r := startReplica(t, bus)

	host.Stop()

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("replica did not notice host shutdown")
	}
	require.ErrorIs(t, r.Err(), relay.ErrClosed)
}
