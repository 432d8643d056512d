// Package auth is the login feature module: it turns a client handshake into
// a session bound to the calling connection, lets a reconnecting client
// resume its session by token, and persists play time on logout.
//
// Wire surface:
//
//	Auth.handshake(payload, [hardwareID]) → token
//	Auth.resume(token)                    → token
//	Auth.logout()                         → null
//	Session.subscribe(topic)              → null
//	Session.unsubscribe(topic)            → null
//	Session.heartbeat(seconds)            → total play seconds
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gamerpc/message"
	"gamerpc/middleware"
	"gamerpc/server"
	"gamerpc/session"
	"gamerpc/store"
	"gamerpc/wire"

	"go.uber.org/zap"
)

type Config struct {
	// ExchangeTimeout bounds the auth code exchange; zero means no bound
	// beyond the handler timeout.
	ExchangeTimeout time.Duration
	// ResumeRetries is how often Auth.resume repeats a token lookup that
	// found the store busy, waiting RetryBackoff, then twice that, and so on.
	ResumeRetries int
	RetryBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{ExchangeTimeout: 5 * time.Second, ResumeRetries: 3, RetryBackoff: 20 * time.Millisecond}
}

type Module struct {
	cfg       Config
	sessions  *session.Registry
	store     store.Store
	exchanger Exchanger
	logger    *zap.Logger
}

func New(cfg Config, sessions *session.Registry, st store.Store, ex Exchanger, logger *zap.Logger) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ex == nil {
		ex = StoreExchanger{Store: st}
	}
	return &Module{
		cfg:       cfg,
		sessions:  sessions,
		store:     st,
		exchanger: ex,
		logger:    logger.Named("auth"),
	}
}

// Register installs the Auth and Session services on srv.
func (m *Module) Register(srv *server.Server) error {
	srv.Register("Auth", "handshake", m.Handshake)
	resume := m.Resume
	if m.cfg.ResumeRetries > 0 {
		resume = middleware.RetryMiddleware(m.cfg.ResumeRetries, m.cfg.RetryBackoff, m.logger)(resume)
	}
	srv.Register("Auth", "resume", resume)
	srv.Register("Auth", "logout", m.Logout)
	_, err := srv.RegisterService(&SessionService{sessions: m.sessions})
	return err
}

var (
	errUnknownCode  = message.NewFault(message.CodeUnauthenticated, "unknown auth code")
	errUnknownToken = message.NewFault(message.CodeUnauthenticated, "unknown token")
	errExchangeSlow = message.NewFault(message.CodeTimeout, "auth exchange timed out")
)

// Handshake reads the auth sub-message in params[0], exchanges its auth code
// for an account and binds that account's session to the calling
// connection. params[1], when present, is the client's hardware id.
func (m *Module) Handshake(ctx context.Context, req *message.Request) (message.Argument, error) {
	raw, err := req.Param(0, message.ArgSingle)
	if err != nil {
		return message.Argument{}, err
	}
	payload, err := wire.ParseAuth(raw.Bytes)
	if err != nil {
		m.logger.Info("unreadable auth payload",
			zap.String("id", req.ID),
			zap.Stringer("layout", payload.Layout),
			zap.Error(err))
		return message.Argument{}, message.NewFault(message.CodeBadArgument, "unreadable auth payload")
	}
	var hardwareID string
	if hw, err := req.Param(1, message.ArgSingle); err == nil {
		hardwareID = string(hw.Bytes)
	}

	acct, err := m.exchange(ctx, payload.AuthCode)
	if err != nil {
		return message.Argument{}, err
	}
	s, err := m.bind(ctx, acct, hardwareID)
	if err != nil {
		return message.Argument{}, err
	}
	if hardwareID != "" {
		m.recordHardwareID(ctx, acct.Token, hardwareID)
	}
	m.logger.Info("handshake complete",
		zap.String("id", req.ID),
		zap.Stringer("layout", payload.Layout),
		zap.String("version", payload.Version),
		zap.Bool("verified", len(payload.Verification) > 0),
		zap.Stringer("state", s.State()))
	return message.String(acct.Token), nil
}

type exchangeResult struct {
	acct store.Account
	err  error
}

// exchange runs the exchanger on its own goroutine so an implementation that
// ignores ctx still cannot hold the handshake past ExchangeTimeout.
func (m *Module) exchange(ctx context.Context, code string) (store.Account, error) {
	if m.cfg.ExchangeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ExchangeTimeout)
		defer cancel()
	}

	done := make(chan exchangeResult, 1)
	go func() {
		acct, err := m.exchanger.Exchange(ctx, code)
		done <- exchangeResult{acct: acct, err: err}
	}()

	var res exchangeResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	switch {
	case res.err == nil:
		return res.acct, nil
	case errors.Is(res.err, context.DeadlineExceeded):
		return store.Account{}, errExchangeSlow
	case errors.Is(res.err, store.ErrNotFound):
		return store.Account{}, errUnknownCode
	default:
		return store.Account{}, res.err
	}
}

// Resume rebinds the session of the token in params[0] to the calling
// connection. It is how a client that lost its socket, or opened a second
// one, proves which session it owns.
func (m *Module) Resume(ctx context.Context, req *message.Request) (message.Argument, error) {
	tok, err := req.Param(0, message.ArgSingle)
	if err != nil {
		return message.Argument{}, err
	}
	acct, err := m.store.FindByToken(ctx, string(tok.Bytes))
	if errors.Is(err, store.ErrNotFound) {
		return message.Argument{}, errUnknownToken
	}
	if errors.Is(err, store.ErrBusy) {
		return message.Argument{}, fmt.Errorf("find account: %w: %w", middleware.ErrRetryable, err)
	}
	if err != nil {
		return message.Argument{}, err
	}
	if _, err := m.bind(ctx, acct, ""); err != nil {
		return message.Argument{}, err
	}
	return message.String(acct.Token), nil
}

// Logout persists the caller's play time and ends its session.
func (m *Module) Logout(ctx context.Context, _ *message.Request) (message.Argument, error) {
	s, err := server.RequireSession(ctx, m.sessions, "")
	if err != nil {
		return message.Argument{}, err
	}
	if err := m.SavePlayTime(ctx, s); err != nil {
		return message.Argument{}, err
	}
	m.sessions.Terminate(s.Token())
	return message.Null(), nil
}

// SavePlayTime writes the session's accumulated play time to its account.
func (m *Module) SavePlayTime(ctx context.Context, s *session.Session) error {
	acct, err := m.store.FindByToken(ctx, s.Token())
	if errors.Is(err, store.ErrNotFound) {
		acct = store.Account{Token: s.Token()}
	} else if err != nil {
		return err
	}
	acct.PlayTime = s.PlayTime()
	acct.UpdatedAt = time.Time{}
	return m.store.Replace(ctx, acct)
}

// bind attaches the account's live session to the calling connection, or
// creates one from the stored account. A hardware id from a new handshake
// replaces the one the session was created with.
func (m *Module) bind(ctx context.Context, acct store.Account, hardwareID string) (*session.Session, error) {
	conn, ok := server.ConnFromContext(ctx)
	if !ok {
		return nil, errors.New("auth: handler called without a connection")
	}
	s, err := m.sessions.BindOrCreate(acct.Token, conn, hardwareID, func() *session.Session {
		return session.New(acct.Token, hardwareID).PresetPlayTime(acct.PlayTime)
	})
	if errors.Is(err, session.ErrConnClosed) {
		m.logger.Debug("connection closed before its session could bind")
	}
	return s, err
}

func (m *Module) recordHardwareID(ctx context.Context, token, hardwareID string) {
	inserted, err := m.store.InsertHardwareID(ctx, token, hardwareID)
	if err != nil {
		m.logger.Warn("recording hardware id failed", zap.Error(err))
		return
	}
	if inserted {
		n, err := m.store.CountHardwareIDs(ctx, token)
		if err == nil {
			m.logger.Info("new device for account", zap.String("hardware_id", hardwareID), zap.Int("devices", n))
		}
	}
}
