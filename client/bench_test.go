package client

import (
	"context"
	"net"
	"testing"
	"time"

	"gamerpc/loadbalance"
	"gamerpc/message"
	"gamerpc/registry"
	"gamerpc/server"

	"go.uber.org/zap"
)

func setupBench(b *testing.B) *Client {
	b.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	srv := server.NewServer(server.WithLogger(zap.NewNop()))
	srv.Register("Echo", "echo", func(_ context.Context, req *message.Request) (message.Argument, error) {
		return req.Params[0], nil
	})
	go func() { _ = srv.ServeListener(l) }()
	b.Cleanup(func() { _ = srv.Shutdown(3 * time.Second) })

	reg := registry.NewStatic()
	_ = reg.Register(context.Background(), "Echo", registry.ServiceInstance{Addr: l.Addr().String()}, 10)
	cli := NewClient(reg, &loadbalance.RoundRobinBalancer{}, WithPoolSize(8))
	b.Cleanup(func() { _ = cli.Close() })
	return cli
}

func BenchmarkSerialCall(b *testing.B) {
	cli := setupBench(b)
	arg := message.String("ping")
	ctx := context.Background()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := cli.Call(ctx, "Echo", "echo", arg); err != nil {
			b.Fatal(err)
		}
	}
}

// Many goroutines share each pooled connection.
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupBench(b)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		arg := message.String("ping")
		for pb.Next() {
			if _, err := cli.Call(ctx, "Echo", "echo", arg); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
