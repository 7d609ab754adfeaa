package lock

import (
	"context"
	"sync"
	"time"

	"github.com/odyssey-erp/fulfillment/internal/shared"
)

type localEntry struct {
	ch   chan struct{}
	refs int
}

// LocalLocker serializes keys inside one process.
type LocalLocker struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	wait    time.Duration
}

// NewLocalLocker constructs a LocalLocker waiting at most wait per Acquire.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &LocalLocker{entries: make(map[string]*localEntry), wait: wait}
}

func (l *LocalLocker) ref(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLocker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Acquire implements Locker.
func (l *LocalLocker) Acquire(ctx context.Context, keys ...string) (Release, error) {
	keys = normalizeKeys(keys)
	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	releases := make([]Release, 0, len(keys))
	for _, key := range keys {
		e := l.ref(key)
		select {
		case e.ch <- struct{}{}:
			k := key
			releases = append(releases, func(context.Context) {
				<-e.ch
				l.unref(k)
			})
		case <-ctx.Done():
			l.unref(key)
			releaseAll(ctx, releases)
			return nil, ctx.Err()
		case <-timer.C:
			l.unref(key)
			releaseAll(ctx, releases)
			return nil, &shared.BusyError{Resource: key}
		}
	}
	return func(ctx context.Context) { releaseAll(ctx, releases) }, nil
}
