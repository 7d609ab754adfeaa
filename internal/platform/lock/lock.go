// Package lock provides the per-order and per-product serialization boundary.
package lock

import (
	"context"
	"slices"
)

// Release frees every key obtained by a single Acquire call.
type Release func(context.Context)

// Locker obtains exclusive ownership of one or more keys. Keys are acquired in
// sorted order so concurrent callers over overlapping key sets cannot deadlock.
// Acquire fails with an error wrapping shared.ErrBusy when the keys cannot be
// obtained within the configured wait.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (Release, error)
}

func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

func releaseAll(ctx context.Context, releases []Release) {
	for i := len(releases) - 1; i >= 0; i-- {
		releases[i](ctx)
	}
}

// Noop is a Locker that never blocks, for single-process tooling.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(context.Context, ...string) (Release, error) {
	return func(context.Context) {}, nil
}
