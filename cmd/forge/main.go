// Forge orchestrator server: turns natural-language change requests
// into signed code bundles through the analyze/plan/generate/validate
// pipeline, and serves them over HTTP with a live event stream.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/appforge/forge/pkg/agent"
	"github.com/appforge/forge/pkg/api"
	"github.com/appforge/forge/pkg/budget"
	"github.com/appforge/forge/pkg/config"
	"github.com/appforge/forge/pkg/events"
	"github.com/appforge/forge/pkg/llm"
	"github.com/appforge/forge/pkg/metrics"
	"github.com/appforge/forge/pkg/orchestrator"
	"github.com/appforge/forge/pkg/retry"
	"github.com/appforge/forge/pkg/scheduler"
	"github.com/appforge/forge/pkg/signer"
	"github.com/appforge/forge/pkg/state"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("FORGE_CONFIG", ""),
		"Path to the YAML configuration file (empty = built-in defaults)")
	envPath := flag.String("env-file",
		getEnv("FORGE_ENV_FILE", ".env"),
		"Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Forge",
		"addr", cfg.Server.Addr(),
		"llm_provider", cfg.LLM.Provider,
		"total_token_budget", cfg.Budget.TotalTokens)

	ctx := context.Background()
	logger := slog.Default()

	// 1. Task store and crash recovery state
	stateManager, err := state.NewManager(cfg.Store.Dir)
	if err != nil {
		slog.Error("Failed to initialize task store", "error", err)
		os.Exit(1)
	}

	// 2. Signing keys (generated on first start)
	bundleSigner := signer.New(cfg.Signer.KeyDir, logger)
	if err := bundleSigner.Initialize(); err != nil {
		slog.Error("Failed to initialize bundle signer", "error", err)
		os.Exit(1)
	}
	slog.Info("Bundle signer ready", "key_id", bundleSigner.Fingerprint())

	// 3. Event bus and WebSocket fan-out
	bus := events.NewBus(cfg.Events.MaxHistory)
	connManager := events.NewConnectionManager(bus, cfg.Server.WSWriteTimeout)
	connManager.Start()
	defer connManager.Stop()

	// 4. Token budget with threshold events
	budgetManager := budget.NewManager(cfg.Budget.TotalTokens,
		budget.WithWarningRatio(cfg.Budget.WarningRatio),
		budget.WithCallbacks(budget.Callbacks{
			OnWarning: func(used, total int) {
				bus.Publish(events.EventBudgetWarning, "", map[string]any{
					"used": used, "total": total,
				})
			},
			OnExceeded: func(used, total int) {
				bus.Publish(events.EventBudgetExceeded, "", map[string]any{
					"used": used, "total": total,
				})
			},
		}))

	// 5. LLM client
	var llmClient llm.Client
	switch cfg.LLM.Provider {
	case "stub":
		llmClient = llm.NewStubClient()
		slog.Warn("Using the stub LLM client; generated bundles are placeholders")
	default:
		llmClient, err = llm.NewGeminiClient(ctx, llm.GeminiConfig{
			APIKey:          cfg.LLM.APIKey,
			Model:           cfg.LLM.Model,
			MaxOutputTokens: cfg.LLM.MaxOutputTokens,
			Temperature:     cfg.LLM.Temperature,
		}, logger)
		if err != nil {
			slog.Error("Failed to initialize LLM client", "error", err)
			os.Exit(1)
		}
		slog.Info("LLM client initialized", "model", llmClient.Model())
	}

	// 6. Sub-agents and scheduler
	agentBudget := cfg.Budget.AgentTokenBudget
	sched := scheduler.New(
		agent.NewCodeGenAgent(llmClient, agentBudget, logger),
		agent.NewTestGenAgent(llmClient, agentBudget, logger),
		agent.NewMigrationAgent(llmClient, agentBudget, logger),
		bus, logger)

	// 7. Orchestrator
	promMetrics := metrics.New()
	var coverageThreshold *float64
	if cfg.Gate.CoverageThreshold >= 0 {
		coverageThreshold = &cfg.Gate.CoverageThreshold
	}
	orch := orchestrator.New(orchestrator.Config{
		RequireApproval:      cfg.Orchestrator.RequireApproval,
		ApprovalTimeout:      cfg.Orchestrator.ApprovalTimeout,
		CoverageThreshold:    coverageThreshold,
		SkipChecks:           cfg.Gate.SkipChecks,
		ReserveAnalyze:       cfg.Orchestrator.ReserveAnalyze,
		ReservePlan:          cfg.Orchestrator.ReservePlan,
		ReserveGenerate:      cfg.Orchestrator.ReserveGenerate,
		CostPerMillionTokens: cfg.Orchestrator.CostPerMillionTokens,
		Retry:                retry.Config{MaxRetries: cfg.Orchestrator.MaxRetries},
	}, stateManager, budgetManager, bus, sched, bundleSigner, llmClient, promMetrics, logger)

	// 8. Mark tasks interrupted by the previous run as failed
	if n, err := orch.RecoverInterrupted(); err != nil {
		slog.Error("Task recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("Marked interrupted tasks failed", "count", n)
	}

	// 9. HTTP server
	httpServer := api.NewServer(api.Config{
		Addr:         cfg.Server.Addr(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}, orch, connManager, bundleSigner, promMetrics, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// Periodic cleanup of old terminal tasks
	cleanupDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if removed := stateManager.Cleanup(cfg.Store.CleanupMaxAge); removed > 0 {
					slog.Info("Cleaned up old tasks", "removed", removed)
				}
			case <-cleanupDone:
				return
			}
		}
	}()

	slog.Info("Forge started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	close(cleanupDone)

	// 11. Graceful shutdown: stop the pipeline first so in-flight tasks
	// settle, then drain HTTP.
	orchCtx, orchCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer orchCancel()
	if err := orch.Shutdown(orchCtx); err != nil {
		slog.Warn("Orchestrator shutdown incomplete; interrupted tasks recover on restart", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	bus.Shutdown()
	slog.Info("Shutdown complete")
}
