// Package transport implements the client side of the wire: one multiplexed
// connection per ClientTransport, and a Pool of them per backend address.
//
// Every request carries a unique id. A single recvLoop reads responses and
// routes each to the caller waiting on that id, so responses may arrive in
// any order:
//
//	goroutine-1 ──Send(id=a)──┐
//	goroutine-2 ──Send(id=b)──┼──→ single TCP conn ──→ server
//	goroutine-3 ──Send(id=c)──┘
//
//	recvLoop: ←── response(id=b) → pending[b] → goroutine-2 wakes up
package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"gamerpc/codec"
	"gamerpc/message"
	"gamerpc/protocol"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClosed is delivered to every caller still waiting when the connection
// goes away.
var ErrClosed = errors.New("transport: connection closed")

// Result is what a pending caller receives: a response, or the error that
// ended the connection before one arrived.
type Result struct {
	Response *message.Response
	Err      error
}

type options struct {
	heartbeat    time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
}

type Option func(*options)

// WithHeartbeat sets the heartbeat period; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// ClientTransport multiplexes concurrent calls over one connection.
type ClientTransport struct {
	conn net.Conn
	opts options

	sending sync.Mutex // frames of concurrent requests must not interleave

	mu      sync.Mutex
	pending map[string]chan Result
	err     error // set once the connection is done
	done    chan struct{}
}

// NewClientTransport takes ownership of conn and starts its receive loop and,
// unless disabled, a heartbeat loop.
func NewClientTransport(conn net.Conn, opts ...Option) *ClientTransport {
	o := options{heartbeat: 30 * time.Second, writeTimeout: 10 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	t := &ClientTransport{
		conn:    conn,
		opts:    o,
		pending: make(map[string]chan Result),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	if o.heartbeat > 0 {
		go t.heartbeatLoop(o.heartbeat)
	}
	return t
}

// Send writes a request and returns its id and the channel its result will
// arrive on. The channel receives exactly one Result.
func (t *ClientTransport) Send(service, method string, args ...message.Argument) (string, <-chan Result, error) {
	id := uuid.NewString()
	body, err := codec.Default.Encode(&message.Request{ID: id, Service: service, Method: method, Params: args})
	if err != nil {
		return "", nil, err
	}

	// Register before writing so a fast response cannot beat us.
	ch := make(chan Result, 1)
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return "", nil, err
	}
	t.pending[id] = ch
	t.mu.Unlock()

	if err := t.writeFrame(protocol.MsgTypeRequest, body); err != nil {
		t.forget(id)
		t.fail(err)
		return "", nil, err
	}
	return id, ch, nil
}

// Call sends a request and waits for its result. A fault reply is returned as
// a *message.Fault error.
func (t *ClientTransport) Call(ctx context.Context, service, method string, args ...message.Argument) (message.Argument, error) {
	id, ch, err := t.Send(service, method, args...)
	if err != nil {
		return message.Argument{}, err
	}
	select {
	case res := <-ch:
		if res.Err != nil {
			return message.Argument{}, res.Err
		}
		if res.Response.Fault != nil {
			return message.Argument{}, res.Response.Fault
		}
		return *res.Response.Result, nil
	case <-ctx.Done():
		t.forget(id)
		return message.Argument{}, ctx.Err()
	}
}

func (t *ClientTransport) writeFrame(typ protocol.MsgType, body []byte) error {
	t.sending.Lock()
	defer t.sending.Unlock()
	if t.opts.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.writeTimeout))
	}
	return protocol.Encode(t.conn, &protocol.Header{MsgType: typ}, body)
}

// recvLoop is the only reader: frame boundaries are only intact when reads
// are sequential.
func (t *ClientTransport) recvLoop() {
	r := bufio.NewReader(t.conn)
	for {
		header, body, err := protocol.Decode(r)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}
		resp := &message.Response{}
		if err := codec.Default.Decode(body, resp); err != nil {
			t.fail(err)
			return
		}

		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if !ok {
			t.opts.logger.Debug("dropping response for unknown request", zap.String("id", resp.ID))
			continue
		}
		ch <- Result{Response: resp}
	}
}

func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.writeFrame(protocol.MsgTypeHeartbeat, nil); err != nil {
				t.fail(err)
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *ClientTransport) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// fail ends the transport once and hands ErrClosed to every waiting caller.
func (t *ClientTransport) fail(cause error) {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return
	}
	t.err = ErrClosed
	pending := t.pending
	t.pending = make(map[string]chan Result)
	close(t.done)
	t.mu.Unlock()

	_ = t.conn.Close()
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		t.opts.logger.Debug("transport closed", zap.Error(cause), zap.Int("pending", len(pending)))
	}
	for _, ch := range pending {
		ch <- Result{Err: ErrClosed}
	}
}

// Alive reports whether the connection is still usable.
func (t *ClientTransport) Alive() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// Done is closed when the transport stops.
func (t *ClientTransport) Done() <-chan struct{} { return t.done }

// Close closes the connection and fails pending calls with ErrClosed.
func (t *ClientTransport) Close() error {
	t.fail(nil)
	return nil
}

// Conn returns the underlying connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
