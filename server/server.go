// Package server implements the game RPC server: connection handling,
// handler registration, dispatch, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (one goroutine reads frames sequentially)
//	  → for each request: go dispatch (bounded by Config.MaxInFlight)
//	    → lookup (service, method) → middleware chain → handler → WriteResult
//
// Every decoded request gets exactly one response carrying its id. Only
// transport failures (I/O errors, malformed frames, idle timeouts) close a
// connection; when that happens the session bound to it is unbound, not
// destroyed.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gamerpc/codec"
	"gamerpc/message"
	"gamerpc/metrics"
	"gamerpc/middleware"
	"gamerpc/protocol"
	"gamerpc/registry"
	"gamerpc/session"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const registryTimeout = 5 * time.Second

type methodKey struct {
	service string
	method  string
}

// Server accepts game client connections and dispatches their requests.
type Server struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[methodKey]middleware.HandlerFunc

	listener    net.Listener
	wg          sync.WaitGroup // in-flight requests
	connWG      sync.WaitGroup // live connection loops
	shutdown    atomic.Bool
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	connsMu sync.Mutex
	conns   map[string]*Conn

	registry      registry.Registry
	advertiseAddr string
	registryTTL   int64

	sessions *session.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewServer creates a server with no handlers.
func NewServer(opts ...Option) *Server {
	s := &Server{
		cfg:      DefaultConfig(),
		handlers: make(map[methodKey]middleware.HandlerFunc),
		conns:    make(map[string]*Conn),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

// Register binds handler to (service, method). Registering the same pair
// again replaces the previous handler. Feature modules call it during
// startup, before Serve.
func (s *Server) Register(service, method string, handler middleware.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[methodKey{service, method}] = handler
}

// Methods lists registered handlers as "Service.method", sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		out = append(out, k.service+"."+k.method)
	}
	sort.Strings(out)
	return out
}

func (s *Server) services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for k := range s.handlers {
		if _, ok := seen[k.service]; !ok {
			seen[k.service] = struct{}{}
			out = append(out, k.service)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Server) lookup(service, method string) (middleware.HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[methodKey{service, method}]
	return h, ok
}

// Use registers a middleware. Middlewares apply in the order added and must
// be added before Serve.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener)
}

// ServeListener serves connections accepted from l until Shutdown.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.handler = s.buildChain()
	s.mu.Unlock()
	if s.shutdown.Load() {
		_ = l.Close()
		return nil
	}

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		for _, name := range s.services() {
			err := s.registry.Register(ctx, name, registry.ServiceInstance{Addr: s.advertiseAddr}, s.registryTTL)
			if err != nil {
				s.logger.Warn("service registration failed", zap.String("service", name), zap.Error(err))
			}
		}
		cancel()
	}

	s.logger.Info("serving", zap.String("addr", l.Addr().String()), zap.Strings("methods", s.Methods()))
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			return err
		}
		s.connWG.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listening address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) buildChain() middleware.HandlerFunc {
	mws := append([]middleware.Middleware{}, s.middlewares...)
	if s.cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(s.cfg.HandlerTimeout))
	}
	// Innermost so panics on the timeout goroutine are caught too.
	mws = append(mws, middleware.RecoverMiddleware(s.logger))
	return middleware.Chain(mws...)(s.businessHandler)
}

// businessHandler is the innermost handler: it runs the handler resolved by
// dispatch.
func (s *Server) businessHandler(ctx context.Context, req *message.Request) (message.Argument, error) {
	h, ok := handlerFromContext(ctx)
	if !ok {
		return message.Argument{}, message.UnknownMethod(req.Service, req.Method)
	}
	return h(ctx, req)
}

// handleConn runs the read loop of one connection. Reads are sequential so
// frame boundaries stay intact; each request is dispatched on its own
// goroutine so a handler waiting on persistence does not stall the reader.
func (s *Server) handleConn(raw net.Conn) {
	defer s.connWG.Done()

	c := newConn(raw, s.cfg)
	log := s.logger.With(zap.String("conn", c.ID()), zap.Stringer("remote", raw.RemoteAddr()))
	s.trackConn(c)
	s.metrics.ConnOpened()
	log.Debug("connection opened")

	defer func() {
		// Responses still owed are written first. Closing before Unbind makes
		// the registry refuse any later bind to c, including one from a
		// handler that outlived its timeout.
		c.pending.Wait()
		_ = c.Close()
		if s.sessions != nil {
			if sess := s.sessions.Unbind(c); sess != nil {
				log.Debug("session unbound", zap.String("hardware_id", sess.HardwareID()))
			}
		}
		s.untrackConn(c)
		s.metrics.ConnClosed()
		log.Debug("connection closed")
	}()

	reader := bufio.NewReader(raw)
	for {
		req, err := s.readRequest(raw, reader)
		if err != nil {
			s.logReadError(log, err)
			return
		}
		if req == nil {
			continue // heartbeat
		}
		c.acquire(req.ID)
		s.wg.Add(1)
		go s.dispatch(c, req, log)
	}
}

// readRequest reads the next frame. It returns a nil request for heartbeats.
func (s *Server) readRequest(raw net.Conn, r io.Reader) (*message.Request, error) {
	if s.cfg.IdleTimeout > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	// Shutdown sets the flag before expiring deadlines, so checking after our
	// own deadline update cannot miss it.
	if s.shutdown.Load() {
		return nil, net.ErrClosed
	}
	header, err := protocol.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if s.cfg.FrameTimeout > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(s.cfg.FrameTimeout))
		if s.shutdown.Load() {
			return nil, net.ErrClosed
		}
	}
	body, err := protocol.ReadBody(r, header, s.cfg.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	switch header.MsgType {
	case protocol.MsgTypeHeartbeat:
		return nil, nil
	case protocol.MsgTypeRequest:
		return codec.DecodeRequest(body)
	default:
		return nil, protocol.NewFramingError("read request", fmt.Errorf("unexpected %s frame from client", header.MsgType))
	}
}

func (s *Server) logReadError(log *zap.Logger, err error) {
	switch {
	case s.shutdown.Load(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		return
	case protocol.IsFramingError(err):
		s.metrics.FramingError()
		log.Warn("closing connection on malformed frame", zap.Error(err))
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			log.Info("closing idle connection")
			return
		}
		log.Debug("connection read failed", zap.Error(err))
	}
}

// dispatch answers req exactly once.
func (s *Server) dispatch(c *Conn, req *message.Request, log *zap.Logger) {
	defer s.wg.Done()
	defer c.release()

	result, fault := s.invoke(c, req, log)
	if !c.settle(req.ID) {
		log.Debug("request answered by its handler", zap.String("id", req.ID), zap.String("method", req.Key()))
		return
	}
	if err := c.write(req.ID, result, fault); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn("response write failed", zap.String("id", req.ID), zap.String("method", req.Key()), zap.Error(err))
	}
}

func (s *Server) invoke(c *Conn, req *message.Request, log *zap.Logger) (result *message.Argument, fault *message.Fault) {
	h, ok := s.lookup(req.Service, req.Method)
	if !ok {
		log.Debug("unknown method", zap.String("id", req.ID), zap.String("method", req.Key()))
		return nil, message.UnknownMethod(req.Service, req.Method)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error("dispatch panic", zap.String("id", req.ID), zap.String("method", req.Key()), zap.Any("panic", p))
			result, fault = nil, message.Internal()
		}
	}()

	ctx := withHandler(withConn(context.Background(), c), h)
	s.mu.RLock()
	chain := s.handler
	s.mu.RUnlock()
	if chain == nil {
		chain = s.businessHandler
	}

	arg, err := chain(ctx, req)
	if err != nil {
		if f, ok := message.AsFault(err); ok {
			return nil, f
		}
		log.Error("handler failed", zap.String("id", req.ID), zap.String("method", req.Key()), zap.Error(err))
		return nil, message.Internal()
	}
	return &arg, nil
}

// WriteResult answers request id on conn ahead of its handler's return,
// which is then discarded. Each request is answered once: a second call, or
// one for a request that already got its response, returns
// ErrAlreadyAnswered.
func (s *Server) WriteResult(conn *Conn, id string, result *message.Argument, fault *message.Fault) error {
	return conn.WriteResult(id, result, fault)
}

func (s *Server) trackConn(c *Conn) {
	s.connsMu.Lock()
	s.conns[c.ID()] = c
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(c *Conn) {
	s.connsMu.Lock()
	delete(s.conns, c.ID())
	s.connsMu.Unlock()
}

// Shutdown performs graceful shutdown:
//  1. Deregister services so clients stop routing here
//  2. Stop accepting connections
//  3. Stop reading new frames on open connections
//  4. Wait for in-flight requests to be answered, then for loops to exit
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs error
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		for _, name := range s.services() {
			errs = multierr.Append(errs, s.registry.Deregister(ctx, name, s.advertiseAddr))
		}
		cancel()
	}

	s.shutdown.Store(true)
	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}

	s.connsMu.Lock()
	for _, c := range s.conns {
		// Unblocks the reader; pending responses are still written.
		_ = c.raw.SetReadDeadline(time.Now())
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("timeout waiting for ongoing requests to finish"))
		s.connsMu.Lock()
		for _, c := range s.conns {
			_ = c.Close()
		}
		s.connsMu.Unlock()
	}
	return errs
}
