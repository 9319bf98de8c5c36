// Package singleflight coalesces concurrent updates of a single shared value
// so that at most one producer call is in flight at a time.
package singleflight

import (
	"context"
	"sync"
)

// update represents one in-flight producer call. Waiters block on done,
// which is closed exactly once when the call finishes.
type update struct {
	done chan struct{}
}

// Guard serializes updates to one shared value. Callers that arrive while an
// update is in flight do not start their own producer; they wait for the
// in-flight one and, if it completed after their call began, report success
// without running anything. Callers that arrive after the last completed
// update (stale callers) run their own attempt.
//
// The zero value is ready to use. Guard is safe for concurrent use.
type Guard struct {
	mu       sync.Mutex
	inflight *update
	seq      uint64 // completed update count
	value    interface{}
}

// TryUpdate refreshes the guarded value via producer unless a concurrent
// update satisfies this caller first. It reports true when the value was
// refreshed after the call began, by this caller's own producer or by a
// coalesced concurrent one.
//
// A producer that returns an error (including cancellation) leaves the held
// value untouched, releases waiters and keeps the guard reusable. Waiting
// callers observe ctx and return ctx.Err() if it fires first.
func (g *Guard) TryUpdate(ctx context.Context, producer func(ctx context.Context) (interface{}, error)) (bool, error) {
	g.mu.Lock()
	arrival := g.seq
	for {
		if g.seq > arrival {
			// Someone completed an update after we arrived.
			g.mu.Unlock()
			return true, nil
		}
		if g.inflight == nil {
			break
		}
		wait := g.inflight.done
		g.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
		g.mu.Lock()
	}

	u := &update{done: make(chan struct{})}
	g.inflight = u
	g.mu.Unlock()

	value, err := producer(ctx)

	g.mu.Lock()
	if err == nil {
		g.value = value
		g.seq++
	}
	g.inflight = nil
	g.mu.Unlock()
	close(u.done)

	if err != nil {
		return false, err
	}
	return true, nil
}

// Value returns the currently held value. Readers observe either the value
// from before an in-flight update or the one after it, never a partial state.
func (g *Guard) Value() interface{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Updates returns the number of completed updates.
func (g *Guard) Updates() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq
}
