package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tapline/tapline/internal/api"
	"github.com/tapline/tapline/internal/ari"
	"github.com/tapline/tapline/internal/bridge"
	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/engine"
	"github.com/tapline/tapline/internal/ingest"
	"github.com/tapline/tapline/internal/metrics"
	"github.com/tapline/tapline/internal/recording"
	"github.com/tapline/tapline/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()

	slog.Info("starting tapline",
		"http_port", cfg.HTTPPort,
		"rtp_port", cfg.RTPPort,
		"recordings_dir", cfg.RecordingsDir,
		"extensions", cfg.ExtensionList(),
		"codec", cfg.Codec,
	)

	// The recordings directory must be writable before any call arrives.
	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		slog.Error("cannot create recordings directory", "dir", cfg.RecordingsDir, "error", err)
		os.Exit(1)
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	reg := session.NewRegistry(cfg.ExtensionList(), logger)

	client, err := ari.NewClient(ari.Config{
		BaseURL:     cfg.ARIURL,
		Username:    cfg.ARIUsername,
		Password:    cfg.ARIPassword,
		Application: cfg.ARIApp,
		AuthScheme:  cfg.ARIAuthScheme,
	}, logger)
	if err != nil {
		slog.Error("cannot create control-plane client", "error", err)
		os.Exit(1)
	}

	// Bind the shared RTP socket before registering with the control
	// plane, so no media leg is ever pointed at a dead port.
	listener, err := ingest.NewListener(cfg.RTPPort, reg, logger)
	if err != nil {
		slog.Error("cannot bind rtp socket", "port", cfg.RTPPort, "error", err)
		os.Exit(1)
	}
	listener.Start()

	coord := bridge.New(client, reg, logger)
	coord.Start(appCtx)

	eng := engine.New(client, coord, reg, engine.Config{
		RecordingsDir: cfg.RecordingsDir,
		AdvertiseHost: cfg.MediaHost(),
		RTPPort:       cfg.RTPPort,
		Codec:         cfg.ParsedCodec(),
	}, logger)

	// Recording retention.
	recording.StartCleanupTicker(appCtx, cfg.RecordingsDir, cfg.RetentionDays, time.Hour, logger)

	// Metrics registry with the standard process collectors plus ours.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promReg.MustRegister(metrics.NewCollector(reg, listener, eng, startTime))

	// HTTP server using the api package.
	handler := api.NewServer(api.Options{
		Registry:      reg,
		Originator:    client,
		RecordingsDir: cfg.RecordingsDir,
		RTPPort:       cfg.RTPPort,
		Gatherer:      promReg,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Event loop: the stream reconnects internally, the engine drains
	// when the context ends.
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(appCtx, client.Events(appCtx))
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")
	appCancel()

	// Stop accepting packets, then let the engine finalize open files.
	listener.Stop()
	select {
	case <-engineDone:
	case <-time.After(15 * time.Second):
		slog.Error("session drain timed out")
	}
	coord.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("tapline stopped")
}
