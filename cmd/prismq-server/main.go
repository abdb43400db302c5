package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Nomoos/PrismQ.Client-sub009/internal/common"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/config"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/httpapi"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/engine"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/executor"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/monitoring"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/registry"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/retry"
	"github.com/Nomoos/PrismQ.Client-sub009/internal/queue/store"
)

// Exit codes, spec §6: 0 normal shutdown, 1 fatal configuration error,
// 2 store open/bootstrap failure, 3 handler-registration failure, 130
// signalled shutdown.
const (
	exitOK               = 0
	exitConfigError      = 1
	exitStoreError       = 2
	exitHandlerError     = 3
	exitSignalledShutdown = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	common.LoadVersionFromFile()

	cfg, err := config.Load(os.Getenv("PRISMQ_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfigError
	}

	logger := common.NewLogger(cfg.Logging.Level)
	common.PrintBanner(common.BannerInfo{
		Environment: cfg.Environment,
		ServiceURL:  fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		QueueDBPath: cfg.Queue.DBPath,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := store.Open(ctx, cfg.Queue.DBPath, store.Options{}, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open queue store")
		return exitStoreError
	}
	defer s.Close()

	reg := registry.New()
	registerBuiltinHandlers(reg)
	if handlersFile := os.Getenv("PRISMQ_HANDLERS_FILE"); handlersFile != "" {
		if err := registry.LoadFile(reg, handlersFile, builtinBinder, false); err != nil {
			logger.Error().Err(err).Msg("handler registration failed")
			return exitHandlerError
		}
	}

	mon := monitoring.New(monitoring.Config{}, s, logger)
	go mon.Run(ctx, 30*time.Second)
	go mon.Hub.Run()

	exec := executor.New(s, reg, retry.NewResolver(retry.DefaultPolicy()), logger)
	eng := engine.New(engine.Config{
		WorkerID:          cfg.Worker.ID,
		Capabilities:      cfg.Worker.Capabilities,
		Concurrency:       cfg.Worker.Concurrency,
		LeaseDuration:     cfg.LeaseDuration(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Strategy:          cfg.Worker.Strategy,
	}, s, exec, logger)

	if err := eng.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("worker engine failed to start")
		return exitStoreError
	}

	httpSrv := httpapi.NewServer(s, mon, eng, logger, cfg.Server.APIKey)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpSrv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	eng.Shutdown()
	cancel()

	common.PrintShutdownBanner(logger)
	return exitSignalledShutdown
}

// registerBuiltinHandlers registers the handlers shipped with the binary
// itself. Deployments with real domain handlers register them the same
// way, at startup, before the engine starts claiming work.
func registerBuiltinHandlers(reg *registry.Registry) {
	_ = reg.Register("noop.echo", echoHandler, false)
}

// echoHandler returns its payload unchanged; useful for smoke-testing a
// fresh deployment end to end before real handlers are registered.
func echoHandler(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

// builtinBinder resolves a registration-file entry's type name to one of
// the handlers compiled into this binary; it never loads arbitrary code.
func builtinBinder(entry registry.FileEntry) (registry.Handler, error) {
	switch entry.Type {
	case "noop.echo":
		return echoHandler, nil
	default:
		return nil, fmt.Errorf("no built-in handler named %q", entry.Type)
	}
}
