package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"gamerpc/auth"
	"gamerpc/config"
	"gamerpc/metrics"
	"gamerpc/middleware"
	"gamerpc/registry"
	"gamerpc/server"
	"gamerpc/session"
	"gamerpc/store"
	"gamerpc/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// run listens on cfg.Listen and serves until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	l, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	return serve(ctx, cfg, logger, l)
}

// serve runs the backend on l until ctx is cancelled, then shuts down
// gracefully and saves the play time of every live session.
func serve(ctx context.Context, cfg config.Config, logger *zap.Logger, l net.Listener) (err error) {
	started := false
	defer func() {
		if !started {
			_ = l.Close()
		}
	}()

	sessions := session.NewRegistry(logger)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promReg, sessions.Len)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStore()) }()

	opts := []server.Option{
		server.WithConfig(serverConfig(cfg.Server)),
		server.WithLogger(logger),
		server.WithSessions(sessions),
		server.WithMetrics(m),
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdReg, regErr := registry.NewEtcdRegistry(clientv3.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			DialTimeout: cfg.Etcd.DialTimeout,
		}, logger)
		if regErr != nil {
			return regErr
		}
		defer func() { err = multierr.Append(err, etcdReg.Close()) }()
		opts = append(opts, server.WithRegistry(etcdReg, cfg.AdvertiseAddr, cfg.Etcd.TTL))
	}

	srv := server.NewServer(opts...)
	srv.Use(middleware.LoggingMiddleware(logger))
	srv.Use(middleware.MetricsMiddleware(m))
	if cfg.RateLimit.Rate > 0 {
		srv.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}

	mod := auth.New(auth.Config{
		ExchangeTimeout: cfg.Auth.ExchangeTimeout,
		ResumeRetries:   cfg.Auth.ResumeRetries,
		RetryBackoff:    cfg.Auth.RetryBackoff,
	}, sessions, st, nil, logger)
	if err := mod.Register(srv); err != nil {
		return err
	}

	started = true
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ServeListener(l)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		errs := srv.Shutdown(cfg.Server.ShutdownTimeout)
		return multierr.Append(errs, saveAll(mod, sessions, logger))
	})

	if cfg.Sessions.MaxIdle > 0 {
		g.Go(func() error {
			// Play time is saved while the session is still registered, so a
			// resume racing the eviction finds either the live session or
			// the saved account.
			sessions.RunEviction(gctx, cfg.Sessions.EvictInterval, cfg.Sessions.MaxIdle, func(ctx context.Context, s *session.Session) error {
				saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return mod.SavePlayTime(saveCtx, s)
			})
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		httpSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("gamerpcd started",
		zap.String("listen", l.Addr().String()),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("store", cfg.Store.Driver))
	return g.Wait()
}

func serverConfig(c config.Server) server.Config {
	return server.Config{
		IdleTimeout:    c.IdleTimeout,
		FrameTimeout:   c.FrameTimeout,
		WriteTimeout:   c.WriteTimeout,
		HandlerTimeout: c.HandlerTimeout,
		MaxBodyBytes:   c.MaxBodyBytes,
		MaxInFlight:    c.MaxInFlight,
	}
}

func openStore(c config.Store) (store.Store, func() error, error) {
	switch c.Driver {
	case "sqlite":
		s, err := sqlite.Open(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return store.NewMemory(), func() error { return nil }, nil
	}
}

// saveAll persists every live session after the listener has stopped.
func saveAll(mod *auth.Module, sessions *session.Registry, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var errs error
	saved := 0
	sessions.Range(func(s *session.Session) bool {
		if err := mod.SavePlayTime(ctx, s); err != nil {
			errs = multierr.Append(errs, err)
			return true
		}
		saved++
		return true
	})
	logger.Info("sessions saved", zap.Int("count", saved))
	return errs
}
