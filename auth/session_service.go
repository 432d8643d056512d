package auth

import (
	"context"
	"strconv"
	"time"

	"gamerpc/message"
	"gamerpc/server"
	"gamerpc/session"
)

// SessionService holds the calls a logged-in client makes about its own
// session. Every method requires a session bound to the calling connection.
type SessionService struct {
	sessions *session.Registry
}

func (*SessionService) ServiceName() string { return "Session" }

func (svc *SessionService) Subscribe(ctx context.Context, req *message.Request) (message.Argument, error) {
	s, topic, err := svc.topicCall(ctx, req)
	if err != nil {
		return message.Argument{}, err
	}
	if err := svc.sessions.Subscribe(s, topic); err != nil {
		return message.Argument{}, server.ErrUnauthenticated
	}
	return message.Null(), nil
}

func (svc *SessionService) Unsubscribe(ctx context.Context, req *message.Request) (message.Argument, error) {
	s, topic, err := svc.topicCall(ctx, req)
	if err != nil {
		return message.Argument{}, err
	}
	if err := svc.sessions.Unsubscribe(s, topic); err != nil {
		return message.Argument{}, server.ErrUnauthenticated
	}
	return message.Null(), nil
}

// Heartbeat adds params[0], whole seconds played as a decimal string, to the
// session and returns the new total.
func (svc *SessionService) Heartbeat(ctx context.Context, req *message.Request) (message.Argument, error) {
	s, err := server.RequireSession(ctx, svc.sessions, "")
	if err != nil {
		return message.Argument{}, err
	}
	arg, err := req.Param(0, message.ArgSingle)
	if err != nil {
		return message.Argument{}, err
	}
	secs, err := strconv.ParseUint(string(arg.Bytes), 10, 32)
	if err != nil {
		return message.Argument{}, message.Faultf(message.CodeBadArgument, "seconds played: %q is not a count", arg.Bytes)
	}
	if err := svc.sessions.AddPlayTime(s, time.Duration(secs)*time.Second); err != nil {
		return message.Argument{}, server.ErrUnauthenticated
	}
	total := int64(s.PlayTime() / time.Second)
	return message.String(strconv.FormatInt(total, 10)), nil
}

func (svc *SessionService) topicCall(ctx context.Context, req *message.Request) (*session.Session, string, error) {
	s, err := server.RequireSession(ctx, svc.sessions, "")
	if err != nil {
		return nil, "", err
	}
	arg, err := req.Param(0, message.ArgSingle)
	if err != nil {
		return nil, "", err
	}
	if len(arg.Bytes) == 0 {
		return nil, "", message.NewFault(message.CodeBadArgument, "empty topic")
	}
	return s, string(arg.Bytes), nil
}
