package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

var ErrPoolClosed = errors.New("transport: pool closed")

// DialFunc opens a connection to the pool's address.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Pool keeps up to size multiplexed transports to one address and hands them
// out round robin. Transports are shared, not borrowed: many calls run on
// each one concurrently. Dead transports are replaced lazily on Get.
type Pool struct {
	addr string
	dial DialFunc
	opts []Option

	mu     sync.Mutex
	slots  []*ClientTransport
	closed bool
	next   atomic.Uint64
}

// NewPool creates an empty pool; connections are dialed on demand.
func NewPool(addr string, size int, dial DialFunc, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		}
	}
	return &Pool{
		addr:  addr,
		dial:  dial,
		opts:  opts,
		slots: make([]*ClientTransport, size),
	}
}

func (p *Pool) Addr() string { return p.addr }

// Get returns a live transport, dialing one if the chosen slot is empty or
// dead.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	i := int(p.next.Add(1) % uint64(len(p.slots)))

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if t := p.slots[i]; t != nil && t.Alive() {
		p.mu.Unlock()
		return t, nil
	}
	p.mu.Unlock()

	// Dial without the lock; a concurrent Get for the same slot may dial too,
	// and the loser's transport is closed below.
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	t := NewClientTransport(conn, p.opts...)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = t.Close()
		return nil, ErrPoolClosed
	}
	if cur := p.slots[i]; cur != nil && cur.Alive() {
		_ = t.Close()
		return cur, nil
	}
	p.slots[i] = t
	return t, nil
}

// Close closes every transport. Calls in flight fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var errs error
	for i, t := range p.slots {
		if t != nil {
			errs = multierr.Append(errs, t.Close())
			p.slots[i] = nil
		}
	}
	return errs
}
