package socks

import (
	"context"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/velabrowser/h3net/internal/telemetry"
)

// Pool keeps a bounded set of established tunnels keyed by target
// (host, port). When the cap is reached, the least recently used tunnel
// is evicted and closed; returning a connection for a key that already
// holds one closes the pooled one and keeps the newcomer, so a key never
// holds duplicates.
type Pool struct {
	mu     sync.Mutex
	client *Client
	conns  *lru.Cache

	log *telemetry.Logger
}

// NewPool builds a pool of at most max tunnels dialled through client.
func NewPool(client *Client, max int, log *telemetry.Logger) (*Pool, error) {
	cache, err := lru.NewWithEvict(max, func(_, value interface{}) {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Pool{client: client, conns: cache, log: log}, nil
}

// Get returns a pooled tunnel to host:port, or dials a fresh one
// through the proxy. A pooled connection is removed from the pool while
// in use; hand it back with Put when done.
func (p *Pool) Get(ctx context.Context, host string, port uint16) (net.Conn, error) {
	key := targetKey(host, port)

	p.mu.Lock()
	if v, ok := p.conns.Get(key); ok {
		p.conns.Remove(key)
		p.mu.Unlock()
		p.log.Debugf("reusing pooled tunnel to %s", key)
		return v.(net.Conn), nil
	}
	p.mu.Unlock()

	conn, err := p.client.Dial(ctx, host, port)
	if err != nil {
		return nil, err
	}
	p.log.Debugf("established tunnel to %s via %s", key, p.client.ProxyAddr)
	return conn, nil
}

// Put returns an idle tunnel to the pool. If the key already holds a
// connection, or the pool is full, the LRU layer closes whichever
// connection loses its slot.
func (p *Pool) Put(host string, port uint16, conn net.Conn) {
	key := targetKey(host, port)
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.conns.Get(key); ok {
		if oc, ok := old.(net.Conn); ok {
			oc.Close()
		}
	}
	p.conns.Add(key, conn)
}

// Close drains the pool, closing every pooled tunnel.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns.Purge()
}

// Len reports how many idle tunnels the pool currently holds.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns.Len()
}
