package network

import (
	"context"
	"sync"
	"time"
)

type result[V any] struct {
	val V
	err error
}

type pendingEntry[V any] struct {
	ch    chan result[V]
	owner string
}

// pendingTable maps outstanding request keys to their completion channel.
// Each entry resolves at most once; whoever removes it first wins.
type pendingTable[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*pendingEntry[V]
	closed  error
}

func newPendingTable[K comparable, V any]() *pendingTable[K, V] {
	return &pendingTable[K, V]{entries: make(map[K]*pendingEntry[V])}
}

// register adds key before the request goes out. owner, when not empty,
// restricts which peer may resolve it.
func (p *pendingTable[K, V]) register(key K, owner string) (<-chan result[V], error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed != nil {
		return nil, p.closed
	}
	if _, exists := p.entries[key]; exists {
		return nil, ErrDuplicateRequest
	}
	e := &pendingEntry[V]{ch: make(chan result[V], 1), owner: owner}
	p.entries[key] = e
	return e.ch, nil
}

// resolve completes key with v. It returns false for unknown, expired or
// foreign responses.
func (p *pendingTable[K, V]) resolve(key K, owner string, v V) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok || (e.owner != "" && e.owner != owner) {
		p.mu.Unlock()
		return false
	}
	delete(p.entries, key)
	p.mu.Unlock()

	e.ch <- result[V]{val: v}
	return true
}

func (p *pendingTable[K, V]) remove(key K) {
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

// failAll fails every entry with err and rejects later registrations
func (p *pendingTable[K, V]) failAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[K]*pendingEntry[V])
	if p.closed == nil {
		p.closed = err
	}
	p.mu.Unlock()

	for _, e := range entries {
		e.ch <- result[V]{err: err}
	}
}

func (p *pendingTable[K, V]) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// wait blocks until key resolves, the timeout fires or ctx ends. On
// timeout the entry is evicted so a late response is dropped.
func (p *pendingTable[K, V]) wait(ctx context.Context, key K, ch <-chan result[V], timeout time.Duration) (V, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-timer.C:
		p.remove(key)
		var zero V
		return zero, ErrTimeout
	case <-ctx.Done():
		p.remove(key)
		var zero V
		return zero, ctx.Err()
	}
}
