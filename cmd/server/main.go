// Package main runs the live feed pipeline: ingestion with failover,
// backpressure, recording, reconciliation and the HTTP/WebSocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"rugs-feed-lab/internal/bridge"
	"rugs-feed-lab/internal/config"
	"rugs-feed-lab/internal/observability"
	"rugs-feed-lab/internal/pipeline"
	"rugs-feed-lab/internal/recording"
	"rugs-feed-lab/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("RUGS_CONFIG"), "Path to YAML config (defaults apply when empty)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	recordingDir := flag.String("recording-dir", "", "Recording directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *recordingDir != "" {
		cfg.Recording.Dir = *recordingDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, _, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}

		// A second signal forces an immediate exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing immediate shutdown", zap.String("signal", sig.String()))
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Warn("graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	archive, closeArchive, err := pipeline.OpenArchive(ctx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer closeArchive()

	var archivers []recording.Archiver
	if archive != nil {
		archivers = append(archivers, archive)
	}

	p, err := pipeline.New(pipeline.Options{
		Config:    cfg,
		Archivers: archivers,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	hub := server.NewHub(server.HubOptions{
		ClientBuffer: cfg.HTTP.WSClientBuffer,
		WriteTimeout: cfg.HTTP.WSWriteTimeout,
		Logger:       logger,
	})
	if _, err := hub.Attach(p.Subscriber()); err != nil {
		return fmt.Errorf("attach ws hub: %w", err)
	}
	go hub.Run(ctx)

	if cfg.NATS.Enabled {
		nc, err := bridge.Connect(cfg.NATS.URL, cfg.App.Name, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer nc.Close()

		kinds, err := bridge.ParseKinds(cfg.NATS.Kinds)
		if err != nil {
			return err
		}
		pub, err := bridge.NewPublisher(bridge.Options{
			Conn:          nc,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Kinds:         kinds,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		if _, err := pub.Attach(p.Subscriber()); err != nil {
			return fmt.Errorf("attach nats bridge: %w", err)
		}
		logger.Info("nats bridge enabled", zap.String("url", cfg.NATS.URL), zap.String("prefix", cfg.NATS.SubjectPrefix))
	}

	srv, err := server.New(server.Options{
		Addr:      cfg.HTTP.Addr,
		Mode:      cfg.HTTP.Mode,
		Service:   p,
		Hub:       hub,
		Relay:     p.RelayHandler(),
		RelayPath: cfg.Feed.RelayPath,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	httpErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			httpErr <- err
			cancel()
		}
	}()

	runErr := p.Run(ctx)
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := p.Close(shutdownCtx); err != nil {
		logger.Warn("pipeline close", zap.Error(err))
	}

	select {
	case err := <-httpErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
