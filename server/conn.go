package server

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gamerpc/codec"
	"gamerpc/message"
	"gamerpc/protocol"

	"github.com/google/uuid"
)

var (
	ErrConnClosed      = errors.New("server: connection closed")
	ErrResultAmbiguous = errors.New("server: exactly one of result or fault must be set")
	// ErrAlreadyAnswered is returned for an id that has no request waiting
	// for a response on the connection.
	ErrAlreadyAnswered = errors.New("server: request already answered")
)

// Conn is one accepted client socket. Its ID is stable for the socket's
// lifetime and is what sessions bind to.
type Conn struct {
	id           string
	raw          net.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex // one frame at a time; header and body of two responses must not interleave
	closed  atomic.Bool

	inflight chan struct{}  // bounds concurrent handlers on this connection
	pending  sync.WaitGroup // handlers still owing a response

	owedMu sync.Mutex
	owed   map[string]int // request id → responses not yet written
}

func newConn(raw net.Conn, cfg Config) *Conn {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Conn{
		id:           uuid.NewString(),
		raw:          raw,
		writeTimeout: cfg.WriteTimeout,
		inflight:     make(chan struct{}, maxInFlight),
		owed:         make(map[string]int),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// Closed reports whether the socket has been closed.
func (c *Conn) Closed() bool { return c.closed.Load() }

// WriteResult writes the single response for request id. Exactly one of
// result and fault must be non-nil. A request that already has its response
// gets ErrAlreadyAnswered, and the dispatcher does not answer a request that
// was answered here.
func (c *Conn) WriteResult(id string, result *message.Argument, fault *message.Fault) error {
	if (result == nil) == (fault == nil) {
		return ErrResultAmbiguous
	}
	if c.closed.Load() {
		return ErrConnClosed
	}
	if !c.settle(id) {
		return ErrAlreadyAnswered
	}
	return c.write(id, result, fault)
}

func (c *Conn) write(id string, result *message.Argument, fault *message.Fault) error {
	body, err := codec.EncodeResponse(id, result, fault)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := protocol.Encode(c.raw, &protocol.Header{MsgType: protocol.MsgTypeResponse}, body); err != nil {
		// A partial frame leaves the stream unusable.
		_ = c.Close()
		return err
	}
	return nil
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

func (c *Conn) acquire(id string) {
	c.inflight <- struct{}{}
	c.pending.Add(1)
	c.owedMu.Lock()
	c.owed[id]++
	c.owedMu.Unlock()
}

// settle claims the response owed for id; false means none is owed.
func (c *Conn) settle(id string) bool {
	c.owedMu.Lock()
	defer c.owedMu.Unlock()
	n := c.owed[id]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(c.owed, id)
	} else {
		c.owed[id] = n - 1
	}
	return true
}

func (c *Conn) release() {
	c.pending.Done()
	<-c.inflight
}
