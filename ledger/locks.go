package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// =============================================================================
// PARTITION STATE - Observable coordinator state machine
// =============================================================================

// PartitionState is where a partition is in the coordinator's state machine:
// Idle -> Posting -> Idle, or Idle -> Reconciling -> Idle.
type PartitionState string

const (
	StateIdle        PartitionState = "idle"
	StatePosting     PartitionState = "posting"
	StateReconciling PartitionState = "reconciling"
)

// =============================================================================
// PARTITION LOCKS - One mutual exclusion region per partition key
// =============================================================================

// PartitionLocks serializes work per partition while letting distinct
// partitions proceed in parallel. Entries are reference counted and
// dropped once nobody holds or waits for them.
type PartitionLocks struct {
	mu    sync.Mutex
	locks map[PartitionKey]*partitionLock
}

type partitionLock struct {
	sem   *semaphore.Weighted
	refs  int
	state PartitionState
}

func NewPartitionLocks() *PartitionLocks {
	return &PartitionLocks{locks: make(map[PartitionKey]*partitionLock)}
}

// Held is a set of acquired partition locks. Release must be called
// exactly once, on every exit path.
type Held struct {
	owner *PartitionLocks
	keys  []PartitionKey
	once  sync.Once
}

// Keys returns the held keys in acquisition order.
func (h *Held) Keys() []PartitionKey { return h.keys }

// Contains reports whether key is among the held partitions.
func (h *Held) Contains(key PartitionKey) bool {
	for _, k := range h.keys {
		if k == key {
			return true
		}
	}
	return false
}

// SetState records the state machine position of every held partition.
func (h *Held) SetState(state PartitionState) {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	for _, k := range h.keys {
		if l, ok := h.owner.locks[k]; ok {
			l.state = state
		}
	}
}

// SetStateFor records the state of one held partition.
func (h *Held) SetStateFor(key PartitionKey, state PartitionState) {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if l, ok := h.owner.locks[key]; ok {
		l.state = state
	}
}

// Release unlocks every held partition.
func (h *Held) Release() {
	h.once.Do(func() {
		for i := len(h.keys) - 1; i >= 0; i-- {
			h.owner.release(h.keys[i])
		}
	})
}

// Acquire locks all keys in a fixed (sorted) order so that two callers
// locking overlapping sets cannot deadlock. A zero timeout waits until ctx
// is done. On failure nothing remains locked and ErrLockTimeout is returned.
func (pl *PartitionLocks) Acquire(ctx context.Context, timeout time.Duration, keys ...PartitionKey) (*Held, error) {
	keys = uniqueSorted(keys)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	held := &Held{owner: pl}
	for _, k := range keys {
		l := pl.ref(k)
		if err := l.sem.Acquire(ctx, 1); err != nil {
			pl.unref(k)
			held.Release()
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return nil, fmt.Errorf("%w: %s: %v", ErrLockTimeout, k, err)
			}
			return nil, err
		}
		held.keys = append(held.keys, k)
	}
	return held, nil
}

// State returns the current state of a partition.
func (pl *PartitionLocks) State(key PartitionKey) PartitionState {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if l, ok := pl.locks[key]; ok && l.state != "" {
		return l.state
	}
	return StateIdle
}

func (pl *PartitionLocks) ref(key PartitionKey) *partitionLock {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	l, ok := pl.locks[key]
	if !ok {
		l = &partitionLock{sem: semaphore.NewWeighted(1), state: StateIdle}
		pl.locks[key] = l
	}
	l.refs++
	return l
}

func (pl *PartitionLocks) unref(key PartitionKey) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	l, ok := pl.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(pl.locks, key)
	}
}

func (pl *PartitionLocks) release(key PartitionKey) {
	pl.mu.Lock()
	l, ok := pl.locks[key]
	if ok {
		l.state = StateIdle
	}
	pl.mu.Unlock()
	if !ok {
		return
	}
	l.sem.Release(1)
	pl.unref(key)
}

func uniqueSorted(keys []PartitionKey) []PartitionKey {
	out := make([]PartitionKey, 0, len(keys))
	seen := make(map[PartitionKey]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
