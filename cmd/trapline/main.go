package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trapline/internal/config"
	"trapline/internal/queryapi"
	"trapline/internal/supervisor"
)

// Exit codes per the Query API surface section of the specification.
const (
	exitOK             = 0
	exitBindFailure    = 1
	exitConfigError    = 2
	exitStorageFailure = 3
)

func main() {
	configPath := flag.String("config", "configs/trapline.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfigError)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting trapline",
		"bind_addr", cfg.BindAddr,
		"session_store", cfg.Session.Store,
		"telemetry_enabled", cfg.Telemetry.Enabled,
	)

	sup, err := supervisor.New(cfg)
	if err != nil {
		slog.Error("failed to initialize supervisor", "error", err)
		if errors.Is(err, supervisor.ErrBindFailure) {
			os.Exit(exitBindFailure)
		}
		os.Exit(exitStorageFailure)
	}

	apiHandler := queryapi.New(sup.CaptureStore(), sup.Quarantine(), sup.Sessions(), sup.Hub())
	apiServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Ports.QueryAPI),
		Handler:      apiHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // disabled for /ws/events streaming
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	apiErrCh := make(chan error, 1)
	go func() {
		slog.Info("query API starting", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			apiErrCh <- fmt.Errorf("query API server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	supervisorStopped := false
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case runErr := <-runErrCh:
		slog.Error("supervisor stopped unexpectedly", "error", runErr)
		supervisorStopped = true
	case apiErr := <-apiErrCh:
		slog.Error("query API stopped unexpectedly", "error", apiErr)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), supervisor.ShutdownGrace+2*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("query API shutdown error", "error", err)
	}

	// sup.Run already started its own shutdown sequence once ctx was
	// cancelled above; wait for it to finish unwinding so we don't exit
	// while sinks are still flushing.
	if !supervisorStopped {
		<-runErrCh
	}

	slog.Info("trapline stopped")
}
