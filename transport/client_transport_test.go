package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"gamerpc/message"
	"gamerpc/server"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func startEchoServer(t *testing.T, cfg server.Config) (*server.Server, string) {
	t.Helper()
	srv := server.NewServer(server.WithConfig(cfg), server.WithLogger(zaptest.NewLogger(t)))
	srv.Register("Echo", "echo", func(_ context.Context, req *message.Request) (message.Argument, error) {
		return req.Param(0, message.ArgSingle)
	})
	srv.Register("Echo", "block", func(ctx context.Context, _ *message.Request) (message.Argument, error) {
		select {
		case <-ctx.Done():
		case <-time.After(200 * time.Millisecond):
		}
		return message.Null(), nil
	})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.ServeListener(l) }()
	t.Cleanup(func() { _ = srv.Shutdown(2 * time.Second) })
	return srv, l.Addr().String()
}

func dialTransport(t *testing.T, addr string, opts ...Option) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	ct := NewClientTransport(conn, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	t.Cleanup(func() { _ = ct.Close() })
	return ct
}

func TestClientTransportSerial(t *testing.T) {
	_, addr := startEchoServer(t, server.DefaultConfig())
	ct := dialTransport(t, addr)

	for _, word := range []string{"alpha", "beta", "gamma"} {
		id, ch, err := ct.Send("Echo", "echo", message.String(word))
		require.NoError(t, err)
		res := <-ch
		require.NoError(t, res.Err)
		require.Equal(t, id, res.Response.ID)
		require.Equal(t, word, string(res.Response.Result.Bytes))
	}
}

func TestClientTransportConcurrent(t *testing.T) {
	_, addr := startEchoServer(t, server.DefaultConfig())
	ct := dialTransport(t, addr)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("msg-%d", i)
			got, err := ct.Call(context.Background(), "Echo", "echo", message.String(want))
			if err != nil {
				errs <- err
				return
			}
			if string(got.Bytes) != want {
				errs <- fmt.Errorf("call %d got %q", i, got.Bytes)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestClientTransportFault(t *testing.T) {
	_, addr := startEchoServer(t, server.DefaultConfig())
	ct := dialTransport(t, addr)

	_, err := ct.Call(context.Background(), "Echo", "ping")
	f, ok := message.AsFault(err)
	require.True(t, ok)
	require.Equal(t, message.CodeUnknownMethod, f.Code)
	require.True(t, ct.Alive())
}

func TestClientTransportFailsPendingOnClose(t *testing.T) {
	_, addr := startEchoServer(t, server.DefaultConfig())
	ct := dialTransport(t, addr)

	_, ch, err := ct.Send("Echo", "block")
	require.NoError(t, err)
	require.NoError(t, ct.Close())

	select {
	case res := <-ch:
		require.ErrorIs(t, res.Err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}
	require.False(t, ct.Alive())

	_, _, err = ct.Send("Echo", "echo", message.String("late"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestClientTransportCallHonorsContext(t *testing.T) {
	_, addr := startEchoServer(t, server.DefaultConfig())
	ct := dialTransport(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ct.Call(ctx, "Echo", "block")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHeartbeatKeepsIdleConnectionOpen(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.IdleTimeout = 100 * time.Millisecond
	_, addr := startEchoServer(t, cfg)
	ct := dialTransport(t, addr, WithHeartbeat(30*time.Millisecond))

	time.Sleep(300 * time.Millisecond)
	got, err := ct.Call(context.Background(), "Echo", "echo", message.String("awake"))
	require.NoError(t, err)
	require.Equal(t, "awake", string(got.Bytes))
}

func TestPoolReplacesDeadTransports(t *testing.T) {
	_, addr := startEchoServer(t, server.DefaultConfig())
	p := NewPool(addr, 2, nil, WithLogger(zaptest.NewLogger(t)))
	defer p.Close()

	ctx := context.Background()
	first, err := p.Get(ctx)
	require.NoError(t, err)
	second, err := p.Get(ctx)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	require.NoError(t, first.Close())
	var replaced *ClientTransport
	for i := 0; i < 2; i++ {
		tr, err := p.Get(ctx)
		require.NoError(t, err)
		require.True(t, tr.Alive())
		if tr != second {
			replaced = tr
		}
	}
	require.NotNil(t, replaced)
	require.NotSame(t, first, replaced)

	require.NoError(t, p.Close())
	_, err = p.Get(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)
}
