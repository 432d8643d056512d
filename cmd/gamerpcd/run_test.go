package main

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"gamerpc/config"
	"gamerpc/message"
	"gamerpc/store"
	"gamerpc/store/sqlite"
	"gamerpc/transport"
	"gamerpc/wire"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServeSavesSessionsOnShutdown(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "accounts.db")
	seed, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, seed.Replace(context.Background(), store.Account{Token: "T1", AuthCode: "code-1", PlayTime: time.Minute}))
	require.NoError(t, seed.Close())

	cfg := config.Default()
	cfg.Store = config.Store{Driver: "sqlite", Path: dbPath}
	cfg.Server.ShutdownTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zaptest.NewLogger(t), l) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	ct := transport.NewClientTransport(conn, transport.WithHeartbeat(0))
	defer ct.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	payload := wire.AppendString(nil, wire.FieldCurrentAuthCode, "code-1")
	tok, err := ct.Call(callCtx, "Auth", "handshake", message.Single(payload))
	require.NoError(t, err)
	require.Equal(t, "T1", string(tok.Bytes))
	_, err = ct.Call(callCtx, "Session", "heartbeat", message.String("30"))
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}

	check, err := sqlite.Open(dbPath)
	require.NoError(t, err)
	defer check.Close()
	acct, err := check.FindByToken(context.Background(), "T1")
	require.NoError(t, err)
	require.Equal(t, time.Minute+30*time.Second, acct.PlayTime)
}
