// Package session keeps the directory of logical game clients.
//
// A Session is an authenticated identity keyed by its token. It is not a TCP
// connection: the connection reference attaches and detaches as sockets come
// and go, and the Session stays reachable by token in between. Sessions end
// only through explicit logout, replacement by a new session for the same
// token, or the deployment's idle eviction policy.
//
// State machine:
//
//	Unbound ⇄ Bound
//	   └────────┴──→ Terminated (absorbing)
package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrTerminated     = errors.New("session: terminated")
	ErrUnknownSession = errors.New("session: not registered")
	ErrNilConn        = errors.New("session: nil connection")
	ErrConnClosed     = errors.New("session: connection closed")
)

// Conn is the part of a transport connection the registry needs: a stable
// identity for the lifetime of the socket. A Conn that also has a
// Closed() bool method is refused by the registry once it reports true.
type Conn interface {
	ID() string
}

func connClosed(c Conn) bool {
	cc, ok := c.(interface{ Closed() bool })
	return ok && cc.Closed()
}

// State is the lifecycle position of a Session.
type State int

const (
	Unbound State = iota
	Bound
	Terminated
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// Session is one logical client. Token is fixed at creation; the rest is
// mutated only through the Registry. HardwareID follows the latest handshake.
type Session struct {
	token      string
	hardwareID string

	mu        sync.RWMutex
	conn      Conn
	state     State
	playTime  time.Duration
	topics    map[string]struct{}
	unboundAt time.Time
}

// New creates an unbound session. Use WithConn to create it already bound.
func New(token, hardwareID string) *Session {
	return &Session{
		token:      token,
		hardwareID: hardwareID,
		state:      Unbound,
		topics:     make(map[string]struct{}),
		unboundAt:  time.Now(),
	}
}

// WithConn presets the connection a new session is bound to when it is added
// with Registry.AddOrReplace.
func (s *Session) WithConn(c Conn) *Session {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
	return s
}

// PresetPlayTime seeds accumulated play time restored from persistence.
func (s *Session) PresetPlayTime(d time.Duration) *Session {
	s.mu.Lock()
	s.playTime = d
	s.mu.Unlock()
	return s
}

func (s *Session) Token() string { return s.token }

func (s *Session) HardwareID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardwareID
}

// Conn returns the bound connection, or nil while unbound or terminated.
func (s *Session) Conn() Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PlayTime is the accumulated play time reported for this session.
func (s *Session) PlayTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.playTime
}

// Topics returns the subscribed topics in sorted order.
func (s *Session) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribed reports whether the session follows topic.
func (s *Session) Subscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *Session) bind(c Conn) {
	s.conn = c
	s.state = Bound
}

func (s *Session) unbind(now time.Time) {
	s.conn = nil
	if s.state != Terminated {
		s.state = Unbound
		s.unboundAt = now
	}
}

func (s *Session) terminate() {
	s.conn = nil
	s.state = Terminated
}
