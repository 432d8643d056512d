package server

import (
	"time"

	"gamerpc/metrics"
	"gamerpc/protocol"
	"gamerpc/registry"
	"gamerpc/session"

	"go.uber.org/zap"
)

// Config holds the transport limits of a Server.
type Config struct {
	IdleTimeout    time.Duration // max wait for the next frame header; zero disables
	FrameTimeout   time.Duration // max wait for a body once its header arrived
	WriteTimeout   time.Duration // per response frame
	HandlerTimeout time.Duration // per handler call; zero disables
	MaxBodyBytes   uint32
	MaxInFlight    int // concurrent handlers per connection
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    2 * time.Minute,
		FrameTimeout:   10 * time.Second,
		WriteTimeout:   10 * time.Second,
		HandlerTimeout: 15 * time.Second,
		MaxBodyBytes:   protocol.DefaultMaxBodyLen,
		MaxInFlight:    64,
	}
}

type Option func(*Server)

func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSessions lets the server clear session bindings when connections drop.
func WithSessions(sessions *session.Registry) Option {
	return func(s *Server) { s.sessions = sessions }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRegistry announces every registered service at advertiseAddr while the
// server runs. ttl is the lease in seconds.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.registryTTL = ttl
	}
}
