package gateway

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Flight collapses concurrent computations of the same cache key onto one
// execution. The zero value is ready to use.
type Flight struct {
	group singleflight.Group
}

// Do runs fn at most once among concurrent callers of the same key and hands
// every caller the same outcome. The function receives a context detached
// from the initiating caller's cancellation, so a leader that gives up does
// not abort work other callers are waiting on. Each caller still honors its
// own context: a canceled waiter returns early while the flight completes for
// the rest. Shared reports whether the outcome was shared with other callers.
func (f *Flight) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, bool, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
