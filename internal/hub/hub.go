// Package hub is the main orchestrator that ties all components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codedeck/codedeck/internal/api"
	"github.com/codedeck/codedeck/internal/auth"
	"github.com/codedeck/codedeck/internal/config"
	"github.com/codedeck/codedeck/internal/engine"
	"github.com/codedeck/codedeck/internal/evaluator"
	"github.com/codedeck/codedeck/internal/executor"
	"github.com/codedeck/codedeck/internal/room"
	"github.com/codedeck/codedeck/internal/scheduler"
	"github.com/codedeck/codedeck/internal/store"
)

// Hub is the main server process.
type Hub struct {
	cfg    *config.Config
	kv     store.KV
	store  *store.Store
	eval   *evaluator.Service
	exec   *executor.Executor
	sched  *scheduler.Manager
	engine *engine.Engine
	api    *api.Server
	logger *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	kv, err := store.OpenKV(cfg.Storage.Backend, cfg.Storage.DSN, cfg.Storage.Region)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	st := store.New(kv, logger)
	rooms := room.NewRegistry()

	exec, err := executor.New(cfg.Executor.TempDir, logger)
	if err != nil {
		if kv != nil {
			_ = kv.Close()
		}
		return nil, fmt.Errorf("init executor: %w", err)
	}

	client := evaluator.NewAnthropic(cfg.Evaluator.APIKey, cfg.Evaluator.Model, logger)
	evalSvc := evaluator.NewService(client)

	sched := scheduler.NewManager(st, rooms, evalSvc, cfg.Session.SummaryInterval.Duration, logger)

	eng := engine.New(st, rooms, exec, evalSvc, sched, logger, engine.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMsgBytes:     cfg.Server.MaxMsgBytes,
		IdleTimeout:     cfg.Session.IdleTimeout.Duration,
		DisconnectGrace: cfg.Session.DisconnectGrace.Duration,
	})

	authSvc := auth.NewService(cfg.Auth)
	apiSrv := api.NewServer(st, eng, authSvc, cfg, logger)

	if cfg.Evaluator.APIKey == "" {
		logger.Warn("no evaluator API key configured, summaries will fall back to the default")
	}
	if authSvc.Open() {
		logger.Warn("no teacher accounts configured, management API is open")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*'")
			break
		}
	}

	return &Hub{
		cfg:    cfg,
		kv:     kv,
		store:  st,
		eval:   evalSvc,
		exec:   exec,
		sched:  sched,
		engine: eng,
		api:    apiSrv,
		logger: logger.With("component", "hub"),
	}, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	h.eval.Limiter().StartCleanup(ctx, time.Minute)
	h.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		h.sched.StopAll()
		h.engine.Shutdown()
		h.exec.Flush()
		if h.kv != nil {
			_ = h.kv.Close()
		}
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		h.sched.StopAll()
		h.exec.Flush()
		if h.kv != nil {
			_ = h.kv.Close()
		}
		return err
	}
}
