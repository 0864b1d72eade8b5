package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/gochat-live/internal/auth"
	"github.com/Tyrowin/gochat-live/internal/directory"
	"github.com/Tyrowin/gochat-live/internal/ingest"
	"github.com/Tyrowin/gochat-live/internal/logging"
	"github.com/Tyrowin/gochat-live/internal/metrics"
	"github.com/Tyrowin/gochat-live/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// loadServeConfig layers flag overrides on top of LoadConfig.
func loadServeConfig(opts serveOptions) (server.Config, error) {
	cfg, err := server.LoadConfig(opts.configPath)
	if err != nil {
		return server.Config{}, err
	}
	if opts.port != "" {
		cfg.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	return cfg.Sanitize(), nil
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no JWT secret configured; every websocket connection will be rejected")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hubOpts := []server.HubOption{
		server.WithLogger(logger),
		server.WithMetrics(m),
	}

	var mirror *directory.Mirror
	if cfg.Redis.Addr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := directory.Dial(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		mirror = directory.NewMirror(client, directory.Options{
			KeyPrefix: cfg.Redis.KeyPrefix,
			NodeID:    cfg.NodeID,
			TTL:       cfg.Redis.TTL,
		}, logger)
		hubOpts = append(hubOpts, server.WithDirectory(mirror))
	}

	hub := server.NewHub(cfg, auth.NewJWTVerifier(cfg.Auth.JWTSecret), hubOpts...)

	if mirror != nil {
		if err := mirror.Start(hub.Registry()); err != nil {
			return err
		}
		defer mirror.Close()
		logger.Info("presence directory enabled", zap.String("redis", cfg.Redis.Addr))
	}

	if cfg.NATS.URL != "" {
		nc, err := ingest.Connect(ingest.Options{URL: cfg.NATS.URL, Name: cfg.NATS.Name}, logger)
		if err != nil {
			return err
		}
		sub := ingest.NewSubscriber(hub, logger)
		if err := sub.Subscribe(nc, cfg.NATS.Subject, cfg.NATS.Queue); err != nil {
			nc.Close()
			return err
		}
		defer func() {
			if err := sub.Close(); err != nil {
				logger.Debug("drain subscription", zap.Error(err))
			}
			if err := nc.Drain(); err != nil {
				logger.Debug("drain nats", zap.Error(err))
			}
		}()
	}

	srv := server.NewServer(cfg, hub, reg, logger)
	httpServer := server.CreateServer(cfg.Port, srv.Handler())

	logger.Info("starting gochat",
		zap.String("version", version),
		zap.String("node_id", cfg.NodeID),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Bool("internal_route", cfg.InternalToken != ""))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// websocket connections are hijacked, so the HTTP server does not wait for them
	if err := server.ShutdownServer(httpServer, shutdownTimeout, logger); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", zap.Error(err))
	}
	return nil
}
