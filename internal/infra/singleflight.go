package infra

import "sync"

// FlightGroup deduplicates concurrent work per key: while one caller is
// building the value for a key, later callers for the same key wait and
// share the result. The agent factory uses it so one (assistant, user) pair
// never constructs two instances at once.
//
// Like golang.org/x/sync/singleflight, with generics and nothing else.
type FlightGroup[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*flightCall[V]
}

type flightCall[V any] struct {
	wg  sync.WaitGroup
	val V
	err error
}

// Do executes fn, ensuring only one execution is in flight per key. The
// returned bool reports whether the result was shared from another caller's
// execution.
func (g *FlightGroup[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*flightCall[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		c.wg.Wait()
		return c.val, c.err, true
	}
	c := new(flightCall[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, false
}

// Forget drops the in-flight marker for key so the next Do executes fresh.
func (g *FlightGroup[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}
