// Kestrel - Fraud decisions with a resilient analysis chain.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/provider"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/retrieval"
	"github.com/opensource-finance/kestrel/internal/screening"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Initialize structured logger
	logger := telemetry.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"audit_sink", cfg.Audit.Sink,
	)
	telemetry.RecordBuildInfo(Version, Commit, cfg.Tier)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Tracing
	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Audit Sink
	sink, err := audit.New(cfg.Audit, repo, busImpl)
	if err != nil {
		slog.Error("failed to initialize audit sink", "error", err)
		os.Exit(1)
	}
	defer sink.Close()
	slog.Info("audit sink initialized", "sink", cfg.Audit.Sink)

	// Initialize Screening Engine
	engine, err := screening.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize screening engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRules(ctx, repo, engine); err != nil {
		slog.Error("failed to load screening rules", "error", err)
		os.Exit(1)
	}
	slog.Info("screening engine initialized", "rules_count", engine.RulesCount())

	// Initialize Retrieval Store
	store := retrieval.NewStore(repo, cacheImpl, logger)
	if err := store.Load(ctx); err != nil {
		slog.Error("failed to load retrieval corpus", "error", err)
		os.Exit(1)
	}
	slog.Info("retrieval store initialized", "patterns", store.Len())

	// Initialize Analysis Chain
	chain := provider.FromConfig(cfg.Providers, logger)
	slog.Info("analysis chain initialized", "order", chain.Status().Order)

	// Initialize Decision Orchestrator
	orchestrator := decision.NewOrchestrator(cfg.Decision, decision.Deps{
		Features:  features.NewService(repo, cacheImpl),
		Screening: engine,
		Retrieval: store,
		Analyzer:  chain,
		Audit:     sink,
		Logger:    logger,
	})

	// Initialize async Worker
	asyncWorker := worker.NewWorker(busImpl, repo, orchestrator, logger)
	workerCfg := worker.Config{
		Decide:        cfg.Worker.DecideAsync,
		PersistAudits: cfg.Worker.PersistAudits && cfg.Audit.Sink == "bus",
	}
	if err := asyncWorker.Start(workerCfg); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Decider:   orchestrator,
		Providers: chain,
		Engine:    engine,
		Retrieval: store,
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Logger:    logger,
	}, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Drain in-flight bus work after the HTTP surface stops accepting requests
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRules loads the stored screening rules into the engine. An empty
// repository is seeded with the default rule set first.
func loadRules(ctx context.Context, repo domain.Repository, engine *screening.Engine) error {
	stored, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}

	if len(stored) == 0 {
		stored = screening.DefaultRules()
		for _, rule := range stored {
			if err := repo.SaveRuleConfig(ctx, rule); err != nil {
				return fmt.Errorf("seed rule %s: %w", rule.ID, err)
			}
		}
		slog.Info("seeded default screening rules", "count", len(stored))
	}

	return engine.ReloadRules(stored)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - fraud decisions")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /decisions               - Decide a transaction (?mode=async to enqueue)")
	fmt.Println("    GET  /decisions/{id}          - Audit record by transaction or audit ID")
	fmt.Println("    POST /feedback                - Analyst feedback")
	fmt.Println("    POST /provider/switch         - Pin analysis provider (hosted|local|mock|auto)")
	fmt.Println("    GET  /provider/status         - Analysis chain status")
	fmt.Println("    POST /provider/reset          - Clear demotions and probe cache")
	fmt.Println("    GET  /screening/rules         - List screening rules")
	fmt.Println("    POST /screening/rules         - Create a screening rule")
	fmt.Println("    POST /screening/rules/reload  - Hot-reload rules from database")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
