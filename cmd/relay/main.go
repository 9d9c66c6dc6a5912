// Command relay is the unified entry point for the agent session broker:
// one process owning the Session Store, Event Pipeline, Runner Dispatcher,
// External Session Discovery, and the HTTP/SSE surface, wired together in
// the usual order (load config, build logger, build event bus, build
// stores, build handlers, start server, wait on signal).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/relay/internal/attach"
	"github.com/kandev/relay/internal/config"
	"github.com/kandev/relay/internal/events"
	"github.com/kandev/relay/internal/events/bus"
	"github.com/kandev/relay/internal/httpapi"
	"github.com/kandev/relay/internal/logger"
	"github.com/kandev/relay/internal/runner"
	"github.com/kandev/relay/internal/runner/acp"
	"github.com/kandev/relay/internal/runner/copilot"
	"github.com/kandev/relay/internal/runner/executor"
	"github.com/kandev/relay/internal/runner/llmapi"
	"github.com/kandev/relay/internal/runner/pty"
	"github.com/kandev/relay/internal/runner/sidecar"
	"github.com/kandev/relay/internal/session"
	"github.com/kandev/relay/internal/store/sqlstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting relay")
	log.Debug("effective configuration", zap.String("config", cfg.DebugYAML()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		defer natsBus.Close()
	} else {
		log.Info("using in-memory event bus")
		eventBus = bus.NewMemoryBus(log)
	}

	repo, err := sqlstore.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open session store database", zap.Error(err))
	}
	defer repo.Close()

	store := session.NewStore(repo, log, cfg.Events.DedupRingSize)
	if err := store.Recover(); err != nil {
		log.Fatal("failed to recover sessions from database", zap.Error(err))
	}

	pipeline := events.NewPipeline(store, eventBus, log, cfg.Journal)
	for _, s := range store.List() {
		if err := pipeline.RecoverSeq(s.ID); err != nil {
			log.Warn("failed to recover journal sequence", zap.String("session_id", s.ID), zap.Error(err))
		}
	}

	registry := buildRunnerRegistry(cfg, log)
	dispatcher := runner.NewDispatcher(store, pipeline, registry, log, cfg.Runner)

	scanner := attach.NewScanner()
	attachMgr := attach.NewManager(scanner, store, pipeline)

	server := httpapi.NewServer(dispatcher, store, pipeline, scanner, attachMgr, log, cfg.Auth, cfg.Journal)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down relay")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// The HTTP listener and the event pipeline own independent resources
	// (a net.Listener, per-session journal file handles) and can drain
	// concurrently rather than one after the other.
	var eg errgroup.Group
	eg.Go(func() error {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("http server shutdown error", zap.Error(err))
		}
		return nil
	})
	eg.Go(func() error {
		if err := pipeline.Close(); err != nil {
			log.Error("pipeline close error", zap.Error(err))
		}
		return nil
	})
	_ = eg.Wait()

	log.Info("relay stopped")
}

// buildRunnerRegistry wires every concrete runner variant (A/A′/A″/B/C)
// under the adapter names a Session.Adapter field may carry. Variants whose
// backing CLI/config isn't configured are still registered against a
// best-effort default command, degrading
// a feature rather than refusing to start when an optional backend is
// unavailable (e.g. the unified main's Docker-unavailable fallback).
func buildRunnerRegistry(cfg *config.Config, log *logger.Logger) runner.Registry {
	localExec := executor.NewLocalExecutor(log)

	var exec executor.Executor = localExec
	if cfg.Runner.Docker.Enabled {
		exec = executor.NewDockerExecutor(cfg.Runner.Docker, log)
	} else if cfg.Runner.Sprites.Enabled {
		exec = executor.NewSpritesExecutor(cfg.Runner.Sprites, log)
	}

	registry := runner.Registry{
		"acp":     acp.NewRunner([]string{"claude-code-acp"}, exec, cfg.Runner.StopGracePeriod, log),
		"copilot": copilot.NewRunner([]string{"copilot", "--server"}, exec, cfg.Runner.StopGracePeriod, log),
		"sidecar": sidecar.NewRunner(cfg.Runner.Sidecar.BaseURL, &http.Client{Timeout: cfg.Runner.Sidecar.ReadTimeout}, log),
		"llmapi": llmapi.NewRunner(
			cfg.Runner.OpenAI.APIKey, cfg.Runner.OpenAI.BaseURL, cfg.Runner.OpenAI.Model, "",
			llmapi.NoopDispatcher{}, log,
		),
	}

	ptyFactory, err := pty.NewRunner([]string{"claude"}, localExec, `\$\s*$`, cfg.Runner.StopGracePeriod, log)
	if err != nil {
		log.Warn("pty runner unavailable, omitting from registry", zap.Error(err))
	} else {
		registry["pty"] = ptyFactory
	}

	return registry
}
