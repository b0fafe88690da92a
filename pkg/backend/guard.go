package backend

import (
	"context"
	"sync"
)

type ownerKey struct{}

// moveGuard lets one caller run moves at a time. The owner may re-enter
// (PlayMove with an initial goto) by passing the context it was given.
type moveGuard struct {
	mu     sync.Mutex
	depth  int
	owner  uint64
	tokens uint64
	cancel context.CancelCauseFunc
}

// lease is one successful acquisition. Releasing it more than once has no
// further effect.
type lease struct {
	g     *moveGuard
	outer bool
	once  sync.Once
}

// tryAcquire takes the guard for ctx. The returned context carries the
// owner token and, for the outermost acquisition, is cancelled by cancel.
func (g *moveGuard) tryAcquire(ctx context.Context) (context.Context, *lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	token, _ := ctx.Value(ownerKey{}).(uint64)
	switch {
	case g.depth == 0:
		g.tokens++
		g.owner = g.tokens
		g.depth = 1
		ctx = context.WithValue(ctx, ownerKey{}, g.owner)
		ctx, g.cancel = context.WithCancelCause(ctx)
		return ctx, &lease{g: g, outer: true}, true
	case token != 0 && token == g.owner:
		g.depth++
		return ctx, &lease{g: g}, true
	default:
		return ctx, nil, false
	}
}

func (l *lease) release() {
	l.once.Do(func() {
		g := l.g
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.depth > 0 {
			g.depth--
		}
		if l.outer {
			if g.cancel != nil {
				g.cancel(nil)
			}
			g.cancel = nil
			g.owner = 0
		}
	})
}

func (g *moveGuard) running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth > 0
}

// cancelCurrent stops the running move, if any.
func (g *moveGuard) cancelCurrent() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return false
	}
	g.cancel(ErrMoveCancelled)
	return true
}
