// Package background runs best-effort side tasks that must not hold up or
// break the request that spawned them.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultTimeout = 5 * time.Second

// Group tracks detached tasks. The zero value is ready to use, and Go and
// Wait may be called concurrently from any number of goroutines.
type Group struct {
	// Timeout bounds each task. Zero uses 5s.
	Timeout time.Duration

	mu      sync.Mutex
	pending int
	idle    chan struct{}
}

type scopeKey struct{}

// WithScope returns a context whose detached tasks are also tracked by
// scope, whichever Group starts them. Waiting on scope then drains only the
// work spawned under that context.
func WithScope(ctx context.Context, scope *Group) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// ScopeFrom returns the scope installed by WithScope, if any.
func ScopeFrom(ctx context.Context) (*Group, bool) {
	g, ok := ctx.Value(scopeKey{}).(*Group)
	return g, ok && g != nil
}

// Go runs fn in its own goroutine with a context that keeps ctx's values but
// not its cancellation. Errors and panics are logged and swallowed.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	owners := []*Group{g}
	if scope, ok := ScopeFrom(ctx); ok && scope != g {
		owners = append(owners, scope)
	}
	for _, o := range owners {
		o.add()
	}
	go func() {
		defer func() {
			for _, o := range owners {
				o.done()
			}
		}()
		defer cancel()
		if err := run(taskCtx, fn); err != nil {
			slog.WarnContext(taskCtx, "background task failed", "task", name, "err", err)
		}
	}()
}

func (g *Group) add() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == 0 {
		g.idle = make(chan struct{})
	}
	g.pending++
}

func (g *Group) done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending--
	if g.pending == 0 {
		close(g.idle)
	}
}

func run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Pending returns the number of tasks still running.
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending
}

// Wait blocks until the group has no running tasks or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.pending == 0 {
		g.mu.Unlock()
		return nil
	}
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
