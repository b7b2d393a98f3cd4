package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// poolAttempts is how many servers a pooled query tries
	poolAttempts = 3

	minRedialBackoff = time.Second
	maxRedialBackoff = 30 * time.Second
)

// ServerInfo describes a TCP server the pool may connect to
type ServerInfo struct {
	Address   string            `json:"address"`
	PublicKey ed25519.PublicKey `json:"-"`
}

type poolEntry struct {
	info   ServerInfo
	client *TCPClient

	backoff     time.Duration
	nextAttempt time.Time
}

// ClientPool spreads queries over several TCP servers in round robin and
// retries failed queries on the next server
type ClientPool struct {
	mu      sync.RWMutex
	entries map[string]*poolEntry
	order   []string
	closed  bool

	next   atomic.Uint64
	opts   []Option
	o      options
	logger *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// PoolStats is a snapshot of a pool
type PoolStats struct {
	Servers int `json:"servers"`
	Active  int `json:"active"`
}

// NewClientPool creates an empty pool. opts apply to every client it
// dials; a health check prunes and redials servers every health interval.
func NewClientPool(opts ...Option) *ClientPool {
	o := buildOptions(opts)
	p := &ClientPool{
		entries: make(map[string]*poolEntry),
		opts:    opts,
		o:       o,
		logger:  o.logger.With(zap.String("component", "pool")),
		stop:    make(chan struct{}),
	}
	if o.healthInterval > 0 {
		p.wg.Add(1)
		go p.healthLoop(o.healthInterval)
	}
	return p
}

// AddServer dials a server and adds it to the rotation. A server that
// fails to connect is kept and redialed by the health check.
func (p *ClientPool) AddServer(ctx context.Context, info ServerInfo) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if _, exists := p.entries[info.Address]; exists {
		p.mu.Unlock()
		return nil
	}
	entry := &poolEntry{info: info}
	p.entries[info.Address] = entry
	p.order = append(p.order, info.Address)
	p.mu.Unlock()

	return p.dial(ctx, entry)
}

// AddServers adds servers until want of them are connected. It returns
// the number connected.
func (p *ClientPool) AddServers(ctx context.Context, servers []ServerInfo, want int) (int, error) {
	connected := 0
	var lastErr error
	for _, info := range servers {
		if want > 0 && connected >= want {
			break
		}
		if err := p.AddServer(ctx, info); err != nil {
			lastErr = err
			p.logger.Warn("Failed to connect to server", zap.String("addr", info.Address), zap.Error(err))
			if errors.Is(err, ErrPoolClosed) || ctx.Err() != nil {
				break
			}
			continue
		}
		connected++
	}
	if connected == 0 {
		if lastErr == nil {
			lastErr = ErrNoServers
		}
		return 0, fmt.Errorf("%w: %v", ErrNoServers, lastErr)
	}
	return connected, nil
}

// RemoveServer closes and forgets a server
func (p *ClientPool) RemoveServer(addr string) {
	p.mu.Lock()
	entry, ok := p.entries[addr]
	if ok {
		delete(p.entries, addr)
		for i, a := range p.order {
			if a == addr {
				p.order = append(p.order[:i], p.order[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()

	if ok && entry.client != nil {
		entry.client.Close()
	}
}

func (p *ClientPool) dial(ctx context.Context, entry *poolEntry) error {
	client, err := DialTCP(ctx, entry.info.Address, entry.info.PublicKey, p.opts...)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if entry.backoff == 0 {
			entry.backoff = minRedialBackoff
		} else {
			entry.backoff = min(entry.backoff*2, maxRedialBackoff)
		}
		entry.nextAttempt = time.Now().Add(entry.backoff)
		return err
	}
	if p.closed || p.entries[entry.info.Address] != entry {
		client.Close()
		return ErrPoolClosed
	}
	entry.client = client
	entry.backoff = 0
	return nil
}

// pick returns the next connected client in round robin order
func (p *ClientPool) pick() *TCPClient {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.order)
	for i := 0; i < n; i++ {
		idx := int(p.next.Add(1)-1) % n
		entry := p.entries[p.order[idx]]
		if entry.client != nil && entry.client.IsConnected() {
			return entry.client
		}
	}
	return nil
}

// Query runs payload on up to three servers, moving on after a failure
func (p *ClientPool) Query(ctx context.Context, payload []byte) ([]byte, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	var lastErr error
	for attempt := 0; attempt < poolAttempts; attempt++ {
		client := p.pick()
		if client == nil {
			break
		}

		answer, err := client.Query(ctx, payload)
		if err == nil {
			return answer, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		p.logger.Debug("Query failed, trying next server", zap.String("addr", client.Addr()), zap.Error(err))
	}

	if lastErr == nil {
		return nil, ErrNoServers
	}
	return nil, lastErr
}

// Active returns the number of connected servers
func (p *ClientPool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	active := 0
	for _, e := range p.entries {
		if e.client != nil && e.client.IsConnected() {
			active++
		}
	}
	return active
}

// Stats returns a snapshot of the pool
func (p *ClientPool) Stats() PoolStats {
	active := p.Active()
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolStats{Servers: len(p.entries), Active: active}
}

// PingAll pings every connected server and closes those that do not answer
func (p *ClientPool) PingAll(ctx context.Context) {
	p.mu.RLock()
	clients := make([]*TCPClient, 0, len(p.entries))
	for _, e := range p.entries {
		if e.client != nil && e.client.IsConnected() {
			clients = append(clients, e.client)
		}
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, client := range clients {
		wg.Add(1)
		go func(c *TCPClient) {
			defer wg.Done()
			if _, err := c.Ping(ctx); err != nil {
				p.logger.Warn("Server failed health check", zap.String("addr", c.Addr()), zap.Error(err))
				c.Close()
			}
		}(client)
	}
	wg.Wait()
}

// redial reconnects servers whose client is gone and whose backoff passed
func (p *ClientPool) redial(ctx context.Context) {
	now := time.Now()

	p.mu.RLock()
	var due []*poolEntry
	for _, e := range p.entries {
		if (e.client == nil || !e.client.IsConnected()) && !now.Before(e.nextAttempt) {
			due = append(due, e)
		}
	}
	p.mu.RUnlock()

	for _, e := range due {
		if err := p.dial(ctx, e); err != nil {
			p.logger.Debug("Redial failed", zap.String("addr", e.info.Address), zap.Error(err))
			continue
		}
		p.logger.Info("Reconnected to server", zap.String("addr", e.info.Address))
	}
}

func (p *ClientPool) healthLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			p.PingAll(ctx)
			p.redial(ctx)
			cancel()
		}
	}
}

// Close stops the health check and closes every client. Closing twice is a
// no-op.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	clients := make([]*TCPClient, 0, len(p.entries))
	for _, e := range p.entries {
		if e.client != nil {
			clients = append(clients, e.client)
		}
	}
	p.mu.Unlock()

	close(p.stop)
	p.wg.Wait()

	for _, c := range clients {
		c.Close()
	}
	return nil
}
