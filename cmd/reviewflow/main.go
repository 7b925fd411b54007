// Command reviewflow runs the human-in-the-loop run controller.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/reviewflow/internal/config"
	"github.com/xiaot623/reviewflow/internal/engine"
	"github.com/xiaot623/reviewflow/internal/gate"
	"github.com/xiaot623/reviewflow/internal/logger"
	"github.com/xiaot623/reviewflow/internal/policy"
	"github.com/xiaot623/reviewflow/internal/repository"
	"github.com/xiaot623/reviewflow/internal/runctl"
	"github.com/xiaot623/reviewflow/internal/service"
	"github.com/xiaot623/reviewflow/internal/session"
	handler "github.com/xiaot623/reviewflow/internal/transport/http"
	"github.com/xiaot623/reviewflow/internal/transport/rpc"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	l, err := logger.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}
	log.Logger = l

	if err := run(cfg, l); err != nil {
		l.Fatal().Err(err).Msg("reviewflow stopped with error")
	}
}

func run(cfg *config.Config, l zerolog.Logger) error {
	l.Info().
		Int("http_port", cfg.HTTPPort).
		Str("rpc_host", cfg.RPCHost).
		Int("rpc_port", cfg.RPCPort).
		Str("database", cfg.DatabaseURL).
		Str("engine_url", cfg.EngineURL).
		Msg("starting reviewflow")

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Initialize policy engine
	ctx := context.Background()
	policyContent := policy.DefaultPolicy
	if cfg.PolicyFile != "" {
		data, err := os.ReadFile(cfg.PolicyFile)
		if err != nil {
			return fmt.Errorf("failed to read policy file: %w", err)
		}
		policyContent = string(data)
	}
	policyEngine, err := policy.NewEngine(ctx, policyContent)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	// Initialize reasoning engine
	var eng engine.Engine
	if cfg.EngineURL != "" {
		eng = engine.NewHTTPEngine(cfg.EngineURL, cfg.EngineTimeout, l)
	} else {
		l.Warn().Msg("ENGINE_URL not set, running the built-in demo engine")
		eng = engine.NewMockEngine(engine.DemoScript)
	}

	// Sessions, gates and the run controller
	sessions := session.NewRegistry(l)
	approvals := gate.New[bool]("approval", sessions, l,
		gate.WithTimeout(cfg.ApprovalTimeout),
		gate.WithRetention(cfg.ResolvedRetention, 0),
	)
	clarifications := gate.New[string]("clarification", sessions, l,
		gate.WithTimeout(cfg.ClarificationTimeout),
		gate.WithRetention(cfg.ResolvedRetention, 0),
	)
	controller := runctl.New(eng, sessions, approvals, clarifications, l, runctl.Options{
		MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		CleanCitations:    cfg.CleanCitations,
		Archive:           db,
	})

	// Initialize service
	svc := service.New(db, controller, approvals, clarifications, sessions, policyEngine, cfg, l)

	// Servers
	httpServer := handler.NewServer(cfg, svc, l)
	rpcServer, err := rpc.NewServer(svc, l)
	if err != nil {
		return fmt.Errorf("failed to initialize rpc server: %w", err)
	}
	if err := rpcServer.Listen(net.JoinHostPort(cfg.RPCHost, strconv.Itoa(cfg.RPCPort))); err != nil {
		return fmt.Errorf("failed to listen for rpc: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := rpcServer.Serve(); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	l.Info().Int("http_port", cfg.HTTPPort).Int("rpc_port", cfg.RPCPort).Msg("reviewflow started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		l.Info().Str("signal", sig.String()).Msg("shutting down reviewflow")
	case runErr = <-errCh:
		l.Error().Err(runErr).Msg("server failed, shutting down")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("failed to shutdown http server gracefully")
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Msg("failed to shutdown rpc server gracefully")
	}
	if err := controller.Shutdown(shutdownCtx); err != nil {
		l.Warn().Err(err).Int("active_runs", controller.ActiveCount()).Msg("runs did not settle before shutdown deadline")
	}

	l.Info().Msg("reviewflow stopped")
	return runErr
}
