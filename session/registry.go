package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is the concurrency-safe directory of sessions. Lookups take a read
// lock; every mutation is serialized. No method performs I/O while holding
// the lock.
//
// Lock order: Registry.mu before Session.mu.
type Registry struct {
	mu      sync.RWMutex
	byToken map[string]*Session
	byConn  map[string]*Session // Conn.ID() → bound session

	logger *zap.Logger
}

// NewRegistry returns an empty registry. A nil logger disables logging.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		byToken: make(map[string]*Session),
		byConn:  make(map[string]*Session),
		logger:  logger.Named("sessions"),
	}
}

// AddOrReplace registers s under its token. A session already registered
// under the same token is terminated and returned; its connection binding is
// dropped so exactly one session exists for the token afterwards. If s was
// created WithConn, that binding is indexed. Terminated sessions cannot be
// re-added.
func (r *Registry) AddOrReplace(s *Session) (replaced *Session, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return nil, ErrTerminated
	}
	if s.conn != nil && connClosed(s.conn) {
		return nil, ErrConnClosed
	}

	if old, ok := r.byToken[s.token]; ok && old != s {
		old.mu.Lock()
		if old.conn != nil {
			delete(r.byConn, old.conn.ID())
		}
		old.terminate()
		old.mu.Unlock()
		replaced = old
		r.logger.Debug("session replaced", zap.String("token", redact(s.token)))
	}
	r.byToken[s.token] = s

	if s.conn != nil {
		r.bindLocked(s, s.conn)
	}
	return replaced, nil
}

// BindOrCreate binds c to the session registered under token, creating it
// with create when there is none. Lookup and bind happen under one lock, so
// concurrent handshakes for a token share one session instead of replacing
// each other. A non-empty hardwareID replaces the session's recorded one.
func (r *Registry) BindOrCreate(token string, c Conn, hardwareID string, create func() *Session) (*Session, error) {
	if c == nil {
		return nil, ErrNilConn
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if connClosed(c) {
		return nil, ErrConnClosed
	}

	s, ok := r.byToken[token]
	if !ok {
		s = create()
		if s.token != token {
			return nil, errors.New("session: created session carries another token")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return nil, ErrTerminated
	}
	if !ok {
		r.byToken[token] = s
	}
	if hardwareID != "" {
		s.hardwareID = hardwareID
	}
	r.bindLocked(s, c)
	return s, nil
}

// ByToken is the canonical lookup.
func (r *Registry) ByToken(token string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byToken[token]
	return s, ok
}

// ByConnection returns the session bound to c. It misses whenever c was never
// bound through Rebind or AddOrReplace, including clients that open a fresh
// socket per call; such callers must present their token and rebind.
func (r *Registry) ByConnection(c Conn) (*Session, bool) {
	if c == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byConn[c.ID()]
	return s, ok
}

// Rebind attaches c to s. Any previous connection of s is released, and if c
// was bound to a different session that session becomes unbound.
func (r *Registry) Rebind(s *Session, c Conn) error {
	if c == nil {
		return ErrNilConn
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return ErrTerminated
	}
	if cur, ok := r.byToken[s.token]; !ok || cur != s {
		return ErrUnknownSession
	}
	// Checked under r.mu: a connection closed before its Unbind cannot be
	// rebound after it.
	if connClosed(c) {
		return ErrConnClosed
	}
	r.bindLocked(s, c)
	return nil
}

// Unbind clears the binding of c after its socket closed. The session itself
// survives and is returned, or nil when c was not bound.
func (r *Registry) Unbind(c Conn) *Session {
	if c == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byConn[c.ID()]
	if !ok {
		return nil
	}
	delete(r.byConn, c.ID())
	s.mu.Lock()
	s.unbind(time.Now())
	s.mu.Unlock()
	return s
}

// Terminate ends the session registered under token (explicit logout).
func (r *Registry) Terminate(token string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byToken[token]
	if !ok {
		return nil, false
	}
	r.removeLocked(s)
	return s, true
}

// Subscribe adds topic to the session's subscriptions.
func (r *Registry) Subscribe(s *Session, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return ErrTerminated
	}
	s.topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes topic; removing an absent topic is a no-op.
func (r *Registry) Unsubscribe(s *Session, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return ErrTerminated
	}
	delete(s.topics, topic)
	return nil
}

// Subscribers lists live sessions following topic, for a broadcaster.
func (r *Registry) Subscribers(topic string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byToken {
		if s.Subscribed(topic) {
			out = append(out, s)
		}
	}
	return out
}

// AddPlayTime accumulates reported play time.
func (r *Registry) AddPlayTime(s *Session, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Terminated {
		return ErrTerminated
	}
	s.playTime += d
	return nil
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// Range calls fn for every registered session until fn returns false. fn runs
// on a snapshot, so it may call back into the registry.
func (r *Registry) Range(fn func(*Session) bool) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.byToken))
	for _, s := range r.byToken {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		if !fn(s) {
			return
		}
	}
}

type evictCandidate struct {
	s         *Session
	unboundAt time.Time
	playTime  time.Duration
}

// EvictIdle terminates sessions that have been unbound for longer than
// maxIdle and returns them. When persist is set it runs for every candidate
// before removal, outside the lock. A candidate whose persist fails stays for
// the next pass, and so does one that was rebound, unbound again or credited
// play time while it was being persisted.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration, persist func(context.Context, *Session) error) []*Session {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.RLock()
	var candidates []evictCandidate
	for _, s := range r.byToken {
		s.mu.RLock()
		if s.state == Unbound && s.unboundAt.Before(cutoff) {
			candidates = append(candidates, evictCandidate{s: s, unboundAt: s.unboundAt, playTime: s.playTime})
		}
		s.mu.RUnlock()
	}
	r.mu.RUnlock()
	if len(candidates) == 0 {
		return nil
	}

	if persist != nil {
		kept := candidates[:0]
		for _, c := range candidates {
			if err := persist(ctx, c.s); err != nil {
				r.logger.Warn("persisting idle session failed; keeping it",
					zap.String("token", redact(c.s.token)), zap.Error(err))
				continue
			}
			kept = append(kept, c)
		}
		candidates = kept
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []*Session
	for _, c := range candidates {
		if cur, ok := r.byToken[c.s.token]; !ok || cur != c.s {
			continue
		}
		c.s.mu.RLock()
		unchanged := c.s.state == Unbound && c.s.unboundAt.Equal(c.unboundAt) && c.s.playTime == c.playTime
		c.s.mu.RUnlock()
		if !unchanged {
			continue
		}
		r.removeLocked(c.s)
		evicted = append(evicted, c.s)
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted idle sessions", zap.Int("count", len(evicted)), zap.Duration("max_idle", maxIdle))
	}
	return evicted
}

// RunEviction calls EvictIdle every interval until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, interval, maxIdle time.Duration, persist func(context.Context, *Session) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictIdle(ctx, maxIdle, persist)
		}
	}
}

// bindLocked points s at c, releasing s's previous connection and whatever
// session c was bound to. r.mu and s.mu are held.
func (r *Registry) bindLocked(s *Session, c Conn) {
	if s.conn != nil && s.conn.ID() != c.ID() {
		delete(r.byConn, s.conn.ID())
	}
	r.detachConnLocked(c, s)
	r.byConn[c.ID()] = s
	s.bind(c)
}

// detachConnLocked unbinds c from whichever session other than keep holds it.
func (r *Registry) detachConnLocked(c Conn, keep *Session) {
	prev, ok := r.byConn[c.ID()]
	if !ok || prev == keep {
		return
	}
	delete(r.byConn, c.ID())
	prev.mu.Lock()
	prev.unbind(time.Now())
	prev.mu.Unlock()
}

func (r *Registry) removeLocked(s *Session) {
	s.mu.Lock()
	if s.conn != nil {
		if cur, ok := r.byConn[s.conn.ID()]; ok && cur == s {
			delete(r.byConn, s.conn.ID())
		}
	}
	s.terminate()
	s.mu.Unlock()
	if cur, ok := r.byToken[s.token]; ok && cur == s {
		delete(r.byToken, s.token)
	}
}

// redact keeps tokens out of logs while leaving them correlatable.
func redact(token string) string {
	if len(token) <= 6 {
		return "***"
	}
	return token[:6] + "…"
}
