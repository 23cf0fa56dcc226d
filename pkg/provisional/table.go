// Package provisional keeps track of in-flight writes, so that readers can wait for
// a write to complete instead of observing a missing or stale mapping.
//
// Locks only live in memory, for as long as some goroutine holds or waits on them.
package provisional

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Key builds a lock key from its parts, e.g. a tenant and an object name
func Key(parts ...string) string {
	return strings.Join(parts, "\x00")
}

type entry struct {
	sem  chan struct{} // held by the current owner
	refs int           // owner and waiters
}

// Table of locks, created on demand and removed once released by everyone.
//
// The table mutex is only held to insert, reference and remove entries, never while
// waiting on a lock.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New empty lock table
func New() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Acquire the lock for key, blocking until it is available or ctx is done.
//
// The returned release function must be called exactly once; extra calls are no-ops.
func (t *Table) Acquire(ctx context.Context, key string) (func(), error) {
	e := t.ref(key)

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		t.unref(key, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			t.unref(key, e)
		})
	}, nil
}

// InFlight tells if some lock is held or awaited for key
func (t *Table) InFlight(key string) bool {
	t.mu.Lock()
	_, ok := t.entries[key]
	t.mu.Unlock()
	return ok
}

// Wait until no write is in flight for key, or ctx is done
func (t *Table) Wait(ctx context.Context, key string) error {
	if !t.InFlight(key) {
		return nil
	}
	release, err := t.Acquire(ctx, key)
	if err != nil {
		return err
	}
	release()
	return nil
}

// Keys currently in flight, sorted
func (t *Table) Keys() []string {
	t.mu.Lock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	t.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// ref gets or inserts the entry for key, in one step under the table mutex
func (t *Table) ref(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}
