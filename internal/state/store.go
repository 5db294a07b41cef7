package state

import (
	"fmt"
	"log/slog"
	"sync"

	"treesync/internal/metrics"
	"treesync/internal/protocol"
)

// KindBulkLoad is the built-in mutation used to install a snapshot.
const KindBulkLoad = "BULK_LOAD_STATE"

// Mutator applies one kind of mutation to the tree in place. The payload is
// a private canonical copy. Mutators should validate before touching the
// tree: a failing mutator leaves whatever it already changed.
type Mutator func(tree protocol.Tree, payload map[string]any) error

// Emitter receives every record that must be propagated. On the host this is
// the broadcaster; on a replica it forwards commits to the host.
type Emitter interface {
	OnLocalCommit(rec protocol.MutationRecord)
}

type EmitterFunc func(rec protocol.MutationRecord)

func (f EmitterFunc) OnLocalCommit(rec protocol.MutationRecord) { f(rec) }

// Store holds the process-local copy of the state tree. All reads and writes
// go through it; its mutex is the commit lock.
type Store struct {
	role protocol.ProcessRole
	self protocol.ReplicaID
	gate *Gate

	mu       sync.RWMutex
	tree     protocol.Tree
	seq      uint64
	mutators map[string]Mutator
	emitter  Emitter

	// notifyMu is taken before mu is released so subscribers observe
	// records in apply order without holding the commit lock.
	notifyMu sync.Mutex
	subMu    sync.RWMutex
	subs     map[uint64]func(protocol.MutationRecord)
	nextSub  uint64
}

func New(role protocol.ProcessRole, self protocol.ReplicaID) *Store {
	gate := NewGate()
	if role == protocol.RoleHost {
		gate.Open()
		self = protocol.HostOrigin
	}
	return &Store{
		role:     role,
		self:     self,
		gate:     gate,
		tree:     protocol.Tree{},
		mutators: make(map[string]Mutator),
		subs:     make(map[uint64]func(protocol.MutationRecord)),
	}
}

func (s *Store) Role() protocol.ProcessRole { return s.role }
func (s *Store) Self() protocol.ReplicaID   { return s.self }
func (s *Store) Gate() *Gate                { return s.gate }
func (s *Store) Ready() bool                { return s.gate.IsOpen() }

func (s *Store) Register(kind string, m Mutator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutators[kind] = m
}

func (s *Store) SetEmitter(e Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = e
}

// Seed installs the host's boot tree. It is not a commit and is not
// propagated; replicas pick it up through their snapshot.
func (s *Store) Seed(tree protocol.Tree, seq uint64) error {
	if s.role != protocol.RoleHost {
		return fmt.Errorf("seed on %s store", s.role)
	}
	normalized, err := protocol.NormalizeTree(tree)
	if err != nil {
		return fmt.Errorf("%w: seed: %v", ErrInvalidPayload, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = normalized
	s.seq = seq
	metrics.TreeModules.Set(float64(len(s.tree)))
	return nil
}

// Commit applies a locally originated mutation and propagates it. A replica
// rejects commits with ErrNotReady until its snapshot is installed.
func (s *Store) Commit(kind string, payload map[string]any) error {
	if !s.gate.IsOpen() {
		metrics.CommitsRejected.WithLabelValues("not_ready").Inc()
		return fmt.Errorf("commit %s: %w", kind, ErrNotReady)
	}
	_, err := s.apply(kind, payload, s.self, false, 0)
	return err
}

// CommitFrom is the host path for a change that originated on a replica.
// The returned record is canonical and carries origin so the broadcaster can
// skip the originator.
func (s *Store) CommitFrom(origin protocol.ReplicaID, kind string, payload map[string]any) (protocol.MutationRecord, error) {
	if !s.gate.IsOpen() {
		return protocol.MutationRecord{}, fmt.Errorf("commit %s: %w", kind, ErrNotReady)
	}
	return s.apply(kind, payload, origin, false, 0)
}

// ApplyRemote applies a mutation broadcast by the host. It is never
// propagated again. Mutations at or below the installed sequence are
// rejected with ErrStale.
func (s *Store) ApplyRemote(seq uint64, kind string, payload map[string]any) error {
	if !s.gate.IsOpen() {
		return fmt.Errorf("apply %s: %w", kind, ErrNotReady)
	}
	_, err := s.apply(kind, payload, protocol.HostOrigin, true, seq)
	return err
}

// BulkLoad replaces the whole tree. It is the only commit accepted before
// the store is ready and it opens the readiness gate.
func (s *Store) BulkLoad(tree protocol.Tree, seq uint64) error {
	normalized, err := protocol.NormalizeTree(tree)
	if err != nil {
		return fmt.Errorf("%w: bulk load: %v", ErrInvalidPayload, err)
	}

	s.mu.Lock()
	s.tree = normalized
	s.seq = seq
	rec := protocol.MutationRecord{
		Kind:                KindBulkLoad,
		Payload:             map[string]any{"state": map[string]any(normalized.Clone())},
		SuppressRebroadcast: true,
		Origin:              protocol.HostOrigin,
		Seq:                 seq,
	}
	metrics.TreeModules.Set(float64(len(s.tree)))
	s.notifyMu.Lock()
	s.mu.Unlock()

	if s.gate.Open() {
		slog.Info("store ready", "role", s.role.String(), "self", s.self.String(), "seq", seq, "modules", len(normalized))
	}
	s.notify(rec)
	s.notifyMu.Unlock()

	metrics.MutationsApplied.WithLabelValues(s.role.String(), "bulk_load").Inc()
	return nil
}

func (s *Store) apply(kind string, payload map[string]any, origin protocol.ReplicaID, remote bool, seq uint64) (protocol.MutationRecord, error) {
	if kind == KindBulkLoad {
		return protocol.MutationRecord{}, fmt.Errorf("%w: %s is reserved", ErrUnknownKind, kind)
	}
	normalized, err := protocol.NormalizeMap(payload)
	if err != nil {
		return protocol.MutationRecord{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, kind, err)
	}

	s.mu.Lock()
	mut, ok := s.mutators[kind]
	if !ok {
		s.mu.Unlock()
		return protocol.MutationRecord{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	if remote && seq != 0 && seq <= s.seq {
		current := s.seq
		s.mu.Unlock()
		return protocol.MutationRecord{}, fmt.Errorf("%w: %s seq=%d applied=%d", ErrStale, kind, seq, current)
	}

	if err := mut(s.tree, protocol.CloneMap(normalized)); err != nil {
		s.mu.Unlock()
		return protocol.MutationRecord{}, fmt.Errorf("apply %s: %w", kind, err)
	}

	rec := protocol.MutationRecord{
		Kind:                kind,
		Payload:             normalized,
		SuppressRebroadcast: remote,
		Origin:              origin,
	}
	switch {
	case s.role == protocol.RoleHost:
		s.seq++
		rec.Seq = s.seq
	case remote && seq != 0:
		s.seq = seq
		rec.Seq = seq
	}
	metrics.TreeModules.Set(float64(len(s.tree)))

	if !rec.SuppressRebroadcast && s.emitter != nil {
		s.emitter.OnLocalCommit(rec)
	}

	s.notifyMu.Lock()
	s.mu.Unlock()
	s.notify(rec)
	s.notifyMu.Unlock()

	metrics.MutationsApplied.WithLabelValues(s.role.String(), source(rec, s.self)).Inc()
	slog.Debug("mutation applied",
		"role", s.role.String(),
		"kind", kind,
		"origin", origin.String(),
		"seq", rec.Seq,
	)
	return rec, nil
}

func source(rec protocol.MutationRecord, self protocol.ReplicaID) string {
	switch {
	case rec.SuppressRebroadcast:
		return "remote"
	case rec.Origin == self:
		return "local"
	default:
		return "forwarded"
	}
}

// Read returns a copy of the value stored under key.
func (s *Store) Read(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.tree[key]
	if !ok {
		return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
	}
	return protocol.CloneValue(v), nil
}

// Snapshot returns a deep copy of the tree and the sequence it reflects.
func (s *Store) Snapshot() (protocol.Tree, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Clone(), s.seq
}

// SnapshotThen runs fn with a copy of the tree while holding the commit
// lock, so no commit can land between the snapshot and whatever fn does.
// fn must not call back into the store.
func (s *Store) SnapshotThen(fn func(tree protocol.Tree, seq uint64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.tree.Clone(), s.seq)
}

func (s *Store) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tree)
}

// Subscribe registers fn to be called, in apply order, for every record
// applied locally. fn runs outside the commit lock and may Read, but must
// not Commit synchronously.
func (s *Store) Subscribe(fn func(protocol.MutationRecord)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify(rec protocol.MutationRecord) {
	s.subMu.RLock()
	fns := make([]func(protocol.MutationRecord), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(rec)
	}
}
