// Package lock serializes exchanges. Each conversation gets mutual exclusion
// with FIFO queueing, and a global ceiling bounds how many exchanges run at
// once across all conversations.
package lock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultCeiling is the global concurrent-exchange bound when none is configured.
const DefaultCeiling = 10

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Keyed hands out per-key exclusive holds under a shared global ceiling.
type Keyed struct {
	mu     sync.Mutex
	global *semaphore.Weighted
	keys   map[string]*entry
}

// New creates a Keyed with the given ceiling. Zero or negative means
// DefaultCeiling.
func New(ceiling int64) *Keyed {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Keyed{
		global: semaphore.NewWeighted(ceiling),
		keys:   make(map[string]*entry),
	}
}

// Acquire blocks until the caller holds both the key and a global slot.
// The key is taken first so a queued exchange only ever waits on its own
// conversation, never burns a global slot doing so. The returned release
// is safe to call more than once.
func (k *Keyed) Acquire(ctx context.Context, key string) (func(), error) {
	e := k.retain(key)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		k.drop(key)
		return nil, fmt.Errorf("acquire conversation lock: %w", err)
	}
	if err := k.global.Acquire(ctx, 1); err != nil {
		e.sem.Release(1)
		k.drop(key)
		return nil, fmt.Errorf("acquire exchange slot: %w", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			k.global.Release(1)
			e.sem.Release(1)
			k.drop(key)
		})
	}
	return release, nil
}

func (k *Keyed) retain(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.keys[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		k.keys[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) drop(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.keys[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(k.keys, key)
	}
}
