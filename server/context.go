package server

import (
	"context"

	"gamerpc/message"
	"gamerpc/middleware"
	"gamerpc/session"
)

type ctxKey int

const (
	connKey ctxKey = iota
	handlerKey
)

// ErrUnauthenticated is the fault returned when no session is bound to the
// calling connection.
var ErrUnauthenticated = message.NewFault(message.CodeUnauthenticated, "no session bound to this connection")

// ConnFromContext returns the connection a handler is serving.
func ConnFromContext(ctx context.Context) (*Conn, bool) {
	c, ok := ctx.Value(connKey).(*Conn)
	return c, ok
}

func withConn(ctx context.Context, c *Conn) context.Context {
	return context.WithValue(ctx, connKey, c)
}

func withHandler(ctx context.Context, h middleware.HandlerFunc) context.Context {
	return context.WithValue(ctx, handlerKey, h)
}

func handlerFromContext(ctx context.Context) (middleware.HandlerFunc, bool) {
	h, ok := ctx.Value(handlerKey).(middleware.HandlerFunc)
	return h, ok
}

// RequireSession resolves the session bound to the calling connection. There
// is no fallback to other sessions: a connection that never completed a
// handshake or resume is rejected even if its client knows a valid token.
// When token is non-empty it must match the bound session.
func RequireSession(ctx context.Context, sessions *session.Registry, token string) (*session.Session, error) {
	c, ok := ConnFromContext(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	s, ok := sessions.ByConnection(c)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if token != "" && s.Token() != token {
		return nil, message.NewFault(message.CodeUnauthenticated, "token does not match the bound session")
	}
	return s, nil
}
