// Package client calls game backend services discovered through a registry.
package client

import (
	"context"
	"errors"
	"sync"

	"gamerpc/loadbalance"
	"gamerpc/message"
	"gamerpc/registry"
	"gamerpc/transport"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("client: closed")

type affinityKey struct{}

// WithAffinity attaches a routing key, usually the session token, to calls
// made with ctx. Balancers with affinity send equal keys to the same backend.
func WithAffinity(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, affinityKey{}, key)
}

func affinityFrom(ctx context.Context) string {
	key, _ := ctx.Value(affinityKey{}).(string)
	return key
}

type Option func(*Client)

// WithPoolSize sets how many connections the client keeps per backend.
func WithPoolSize(n int) Option {
	return func(c *Client) { c.poolSize = n }
}

func WithTransportOptions(opts ...transport.Option) Option {
	return func(c *Client) { c.transportOpts = append(c.transportOpts, opts...) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

type Client struct {
	registry      registry.Registry
	balancer      loadbalance.Balancer
	poolSize      int
	transportOpts []transport.Option
	logger        *zap.Logger

	mu     sync.Mutex
	pools  map[string]*transport.Pool // per backend address
	closed bool
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: bal,
		poolSize: 2,
		logger:   zap.NewNop(),
		pools:    make(map[string]*transport.Pool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("client")
	c.transportOpts = append([]transport.Option{transport.WithLogger(c.logger)}, c.transportOpts...)
	return c
}

// Call invokes service.method on a backend chosen by the balancer. A fault
// reply is returned as a *message.Fault error. Calls are not retried.
func (c *Client) Call(ctx context.Context, service, method string, args ...message.Argument) (message.Argument, error) {
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return message.Argument{}, err
	}
	instance, err := c.balancer.Pick(instances, affinityFrom(ctx))
	if err != nil {
		return message.Argument{}, err
	}

	pool, err := c.pool(instance.Addr)
	if err != nil {
		return message.Argument{}, err
	}
	t, err := pool.Get(ctx)
	if err != nil {
		return message.Argument{}, err
	}
	result, err := t.Call(ctx, service, method, args...)
	if err != nil && errors.Is(err, transport.ErrClosed) {
		c.logger.Debug("backend connection lost", zap.String("addr", instance.Addr), zap.String("service", service), zap.String("method", method))
	}
	return result, err
}

func (c *Client) pool(addr string) (*transport.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewPool(addr, c.poolSize, nil, c.transportOpts...)
		c.pools[addr] = p
	}
	return p, nil
}

// Close closes every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs error
	for addr, p := range c.pools {
		errs = multierr.Append(errs, p.Close())
		delete(c.pools, addr)
	}
	return errs
}
