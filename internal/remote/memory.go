package remote

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs the single-process deployment
// mode (no server round trips) and the engine's tests. Semantics match the
// HTTP store: branch reads assemble children, every mutation bumps the
// version and re-emits the full tree to all subscribers.
type MemoryStore struct {
	mu      sync.Mutex
	nodes   map[string]json.RawMessage
	times   map[string]time.Time
	version int64
	subs    map[*memorySubscription]struct{}

	putErr   error
	patchErr error
	getErr   error
	puts     int
	patches  int
}

// NewMemoryStore creates an empty in-memory tree.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]json.RawMessage),
		times: make(map[string]time.Time),
		subs:  make(map[*memorySubscription]struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.subtreeLocked(path), nil
}

func (s *MemoryStore) Put(ctx context.Context, path string, value json.RawMessage) error {
	s.mu.Lock()
	s.puts++
	if err := s.putErr; err != nil {
		s.mu.Unlock()
		return err
	}
	s.setLocked(path, value)
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
	return nil
}

func (s *MemoryStore) Patch(ctx context.Context, values map[string]json.RawMessage) error {
	s.mu.Lock()
	s.patches++
	if err := s.patchErr; err != nil {
		s.mu.Unlock()
		return err
	}
	for path, value := range values {
		s.setLocked(path, value)
	}
	s.version++
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.broadcast(snap)
	return nil
}

func (s *MemoryStore) Modified(ctx context.Context, path string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest time.Time
	prefix := path + "/"
	for p, ts := range s.times {
		if (p == path || strings.HasPrefix(p, prefix)) && ts.After(latest) {
			latest = ts
		}
	}
	return latest, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context) (Subscription, error) {
	sub := &memorySubscription{
		store: s,
		ch:    make(chan Snapshot, 64),
		done:  make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	// Emit the current tree immediately so a fresh subscriber reconciles
	// without waiting for the next mutation.
	sub.ch <- snap

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// SetPutError makes subsequent Puts fail with err (nil to clear).
func (s *MemoryStore) SetPutError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

// SetPatchError makes subsequent Patches fail with err (nil to clear).
func (s *MemoryStore) SetPatchError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patchErr = err
}

// SetGetError makes subsequent Gets fail with err (nil to clear).
func (s *MemoryStore) SetGetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getErr = err
}

// WriteCounts returns how many Put and Patch calls were attempted.
func (s *MemoryStore) WriteCounts() (puts, patches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts, s.patches
}

// Version returns the current tree version.
func (s *MemoryStore) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *MemoryStore) setLocked(path string, value json.RawMessage) {
	prefix := path + "/"
	for p := range s.nodes {
		if strings.HasPrefix(p, prefix) {
			delete(s.nodes, p)
			delete(s.times, p)
		}
	}
	if len(value) == 0 {
		delete(s.nodes, path)
		delete(s.times, path)
		return
	}
	s.nodes[path] = append(json.RawMessage(nil), value...)
	s.times[path] = time.Now()
}

// subtreeLocked returns the value at path, assembling children into an
// object when path is a branch. Returns nil when nothing exists.
func (s *MemoryStore) subtreeLocked(path string) json.RawMessage {
	if v, ok := s.nodes[path]; ok {
		return append(json.RawMessage(nil), v...)
	}
	prefix := path + "/"
	children := make(map[string]json.RawMessage)
	for p, v := range s.nodes {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			children[rest] = v
		}
	}
	if len(children) == 0 {
		return nil
	}
	out, _ := json.Marshal(children)
	return out
}

// snapshotLocked flattens the tree to its top-level keys, nesting deeper
// rows under their first path segment.
func (s *MemoryStore) snapshotLocked() Snapshot {
	tops := make(map[string]struct{})
	for p := range s.nodes {
		top, _, _ := strings.Cut(p, "/")
		tops[top] = struct{}{}
	}
	keys := make([]string, 0, len(tops))
	for k := range tops {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make(map[string]json.RawMessage, len(keys))
	for _, k := range keys {
		fields[k] = s.subtreeLocked(k)
	}
	return Snapshot{Version: s.version, Fields: fields}
}

// broadcast delivers while holding the lock so no send can race a Close,
// which removes the subscription under the same lock before closing its
// channel. Buffers are large and sends never block.
func (s *MemoryStore) broadcast(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- snap:
		default:
			// Slow subscriber: drop this emission, the next mutation
			// re-sends the full tree anyway.
		}
	}
}

type memorySubscription struct {
	store *MemoryStore
	ch    chan Snapshot
	done  chan struct{}

	closeOnce sync.Once
}

func (s *memorySubscription) Snapshots() <-chan Snapshot { return s.ch }

func (s *memorySubscription) Err() error { return nil }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s)
		s.store.mu.Unlock()
		close(s.done)
		close(s.ch)
	})
	return nil
}
