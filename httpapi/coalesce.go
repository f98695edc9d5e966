package httpapi

import (
	"context"
	"sync"
	"time"

	"seedhammer.com/axidraw"
)

// coalesceResult is delivered to every HTTP request folded into one
// dispatched move (§4.H "HTTP"): "a single move is dispatched and all
// pending HTTP responses are resolved with the resulting position."
type coalesceResult struct {
	x, y float64
	err  error
}

// pendingBucket accumulates deltas for one unit until its timer fires.
type pendingBucket struct {
	dx, dy    float64
	resolvers []chan coalesceResult
	timer     *time.Timer
}

// coalescer implements the per-endpoint coalescing facility of §4.H:
// consecutive requests of the same kind accumulate their deltas
// (separately per unit) until a timer fires, at which point a single move
// is dispatched and every pending response is resolved together.
//
// Resolvers are captured under the lock at the moment the timer fires
// (§9 "HTTP coalescing"), so a request arriving after the capture starts a
// fresh bucket rather than racing the dispatch.
type coalescer struct {
	dispatch func(ctx context.Context, dx, dy float64, unit axidraw.Unit) (x, y float64, err error)

	mu      sync.Mutex
	buckets map[axidraw.Unit]*pendingBucket
}

func newCoalescer(dispatch func(ctx context.Context, dx, dy float64, unit axidraw.Unit) (float64, float64, error)) *coalescer {
	return &coalescer{dispatch: dispatch, buckets: make(map[axidraw.Unit]*pendingBucket)}
}

// Add folds (dx, dy) into the pending bucket for unit and blocks until the
// bucket's timer fires and the single dispatched move completes.
func (c *coalescer) Add(dx, dy float64, unit axidraw.Unit, window time.Duration) coalesceResult {
	ch := make(chan coalesceResult, 1)
	c.mu.Lock()
	b, ok := c.buckets[unit]
	if !ok {
		b = &pendingBucket{}
		c.buckets[unit] = b
	}
	b.dx += dx
	b.dy += dy
	b.resolvers = append(b.resolvers, ch)
	if b.timer == nil {
		b.timer = time.AfterFunc(window, func() { c.fire(unit) })
	}
	c.mu.Unlock()
	return <-ch
}

func (c *coalescer) fire(unit axidraw.Unit) {
	c.mu.Lock()
	b, ok := c.buckets[unit]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.buckets, unit)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	x, y, err := c.dispatch(ctx, b.dx, b.dy, unit)
	res := coalesceResult{x: x, y: y, err: err}
	for _, ch := range b.resolvers {
		ch <- res
	}
}
