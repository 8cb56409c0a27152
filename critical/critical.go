// Package critical tracks operations that must not be interrupted by a
// shutdown, such as schema migrations.
package critical

import (
	"context"
	"sync"
)

// A Guard counts in-flight critical operations. A shutdown path uses Active
// or Wait to defer teardown until no critical operation is running.
//
// The zero value is ready for use. A Guard must not be copied after first
// use.
type Guard struct {
	μ    sync.Mutex
	n    int
	idle chan struct{} // closed when n drops to zero; nil while n == 0
}

// Begin marks the start of a critical operation and returns a function that
// marks its end. The returned function may be called more than once; only
// the first call has any effect.
func (g *Guard) Begin() (end func()) {
	g.μ.Lock()
	defer g.μ.Unlock()
	if g.n == 0 {
		g.idle = make(chan struct{})
	}
	g.n++

	var once sync.Once
	return func() { once.Do(g.end) }
}

func (g *Guard) end() {
	g.μ.Lock()
	defer g.μ.Unlock()
	if g.n == 0 {
		return // not reachable via Begin; keeps the count non-negative
	}
	g.n--
	if g.n == 0 {
		close(g.idle)
		g.idle = nil
	}
}

// Active reports whether any critical operation is in flight.
func (g *Guard) Active() bool { return g.Count() > 0 }

// Count reports the number of critical operations in flight.
func (g *Guard) Count() int {
	g.μ.Lock()
	defer g.μ.Unlock()
	return g.n
}

// Wait blocks until no critical operation is in flight, or until ctx ends.
// It reports nil in the first case, or the context error in the second.
func (g *Guard) Wait(ctx context.Context) error {
	g.μ.Lock()
	idle := g.idle
	g.μ.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
