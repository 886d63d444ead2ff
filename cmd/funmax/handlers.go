// handlers.go implements the command logic: runtime assembly, the serve
// loop with graceful shutdown, and the one-shot local task runner.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iHeyTang/heyfun/internal/agent"
	"github.com/iHeyTang/heyfun/internal/assets"
	"github.com/iHeyTang/heyfun/internal/config"
	"github.com/iHeyTang/heyfun/internal/observability"
	"github.com/iHeyTang/heyfun/internal/providers"
	"github.com/iHeyTang/heyfun/internal/server"
	"github.com/iHeyTang/heyfun/internal/storage"
	"github.com/iHeyTang/heyfun/internal/tools"
	"github.com/iHeyTang/heyfun/internal/tools/paintboard"
	"github.com/iHeyTang/heyfun/internal/workflow"
	"github.com/iHeyTang/heyfun/pkg/models"
)

// runtime is the assembled application: stores, providers, tool set and
// instrumentation, shared by serve and the local runner.
type runtime struct {
	cfg        *config.Config
	store      storage.Store
	hub        *workflow.Hub
	provider   providers.Provider
	registry   *agent.Registry
	dispatcher *agent.Dispatcher
	metrics    *observability.Metrics
	promReg    *prometheus.Registry
	logger     *slog.Logger
	setup      agent.SetupFunc
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	var store storage.Store
	var err error
	if cfg.Storage.Path != "" {
		store, err = storage.NewSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	} else {
		store = storage.NewMemory()
	}

	provider, err := buildProvider(cfg, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	signer, err := buildSigner(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	if err := seedGenerationModels(ctx, store, cfg); err != nil {
		store.Close()
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(promReg)

	registry := agent.NewRegistry()
	tools.RegisterDefaults(registry, tools.Deps{
		Provider: provider,
		Paintboard: paintboard.Deps{
			Store:       store,
			Signer:      signer,
			PipelineURL: cfg.Paintboard.PipelineURL,
			Costs:       generationCosts(cfg),
			Logger:      logger,
			Metrics:     metrics,
		},
	})

	rt := &runtime{
		cfg:        cfg,
		store:      store,
		hub:        workflow.NewHub(store),
		provider:   provider,
		registry:   registry,
		dispatcher: agent.NewDispatcher(registry, logger, metrics),
		metrics:    metrics,
		promReg:    promReg,
		logger:     logger,
	}
	if cfg.Agent.PlanEnabled() {
		rt.setup = agent.PlanSetup(provider, store, registry, rt.loopConfig(0))
	}
	return rt, nil
}

func buildProvider(cfg *config.Config, logger *slog.Logger) (providers.Provider, error) {
	available := map[string]providers.Provider{}
	if key := firstNonEmpty(cfg.Providers.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")); key != "" {
		available["openai"] = providers.NewOpenAI(key, cfg.Providers.OpenAI.BaseURL, cfg.Providers.OpenAI.Model)
	}
	if key := firstNonEmpty(cfg.Providers.Anthropic.APIKey, os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		available["anthropic"] = providers.NewAnthropic(key, cfg.Providers.Anthropic.Model)
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no provider configured: set an api key in config or environment")
	}

	order := cfg.Providers.Order
	if len(order) == 0 {
		order = []string{"openai", "anthropic"}
	}
	var chain []providers.Provider
	for _, name := range order {
		if p, ok := available[name]; ok {
			chain = append(chain, p)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("providers.order names no configured provider")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return providers.NewFailover(logger, chain...), nil
}

func buildSigner(ctx context.Context, cfg *config.Config) (assets.Signer, error) {
	if cfg.Assets.BaseURL != "" {
		return assets.StaticSigner{Base: cfg.Assets.BaseURL}, nil
	}
	if cfg.Assets.Bucket != "" {
		return assets.NewS3Signer(ctx, assets.S3Options{
			Bucket:   cfg.Assets.Bucket,
			Region:   cfg.Assets.Region,
			Endpoint: cfg.Assets.Endpoint,
		})
	}
	return assets.StaticSigner{Base: "asset://local"}, nil
}

func seedGenerationModels(ctx context.Context, store storage.Store, cfg *config.Config) error {
	for model, types := range cfg.Paintboard.Models {
		for _, tp := range types {
			if err := store.RegisterGenerationModel(ctx, model, models.GenerationType(tp)); err != nil {
				return fmt.Errorf("register model %s: %w", model, err)
			}
		}
	}
	return nil
}

func generationCosts(cfg *config.Config) map[models.GenerationType]int64 {
	costs := paintboard.DefaultCosts()
	for name, amount := range cfg.Paintboard.Costs {
		costs[models.GenerationType(name)] = amount
	}
	return costs
}

func (rt *runtime) loopConfig(maxSteps int) *agent.LoopConfig {
	cfg := &agent.LoopConfig{
		MaxSteps:      rt.cfg.Agent.MaxSteps,
		MaxObserve:    rt.cfg.Agent.MaxObserve,
		MaxTokens:     rt.cfg.Agent.MaxTokens,
		Temperature:   rt.cfg.Agent.Temperature,
		StepResultTTL: rt.cfg.Agent.StepResultTTL,
		AgentName:     rt.cfg.Agent.Name,
		Language:      rt.cfg.Agent.Language,
	}
	if maxSteps > 0 {
		cfg.MaxSteps = maxSteps
	}
	return cfg
}

// launch runs one task on a fresh engine keyed by the task ID, so a
// re-launched task replays its committed steps.
func (rt *runtime) launch(ctx context.Context, task *models.Task) error {
	engine := workflow.NewEngine("task:"+task.ID, rt.store, rt.hub,
		workflow.WithLogger(rt.logger), workflow.WithMetrics(rt.metrics))
	loop := agent.NewLoop(rt.loopConfig(0), agent.LoopDeps{
		Registry:   rt.registry,
		Dispatcher: rt.dispatcher,
		Provider:   rt.provider,
		Store:      rt.store,
		Runner:     engine,
		Logger:     rt.logger,
		Metrics:    rt.metrics,
		Setup:      rt.setup,
	})
	return loop.Run(ctx, task)
}

// runServe implements the serve command.
func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()
	logger.Info("starting FunMax", "version", version, "commit", commit, "config", configPath)

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	srv := server.New(server.Deps{
		Store:        rt.store,
		Hub:          rt.hub,
		Launch:       rt.launch,
		InitialGrant: cfg.Credits.InitialGrant,
		Logger:       logger,
		Metrics:      rt.metrics,
		Registry:     rt.promReg,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	logger.Info("FunMax server started", "addr", cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// runTaskRun implements "task run": a one-shot local run against the
// in-memory store, streaming the progress log to stdout.
func runTaskRun(ctx context.Context, configPath, request, org string, maxSteps int) error {
	logger := slog.Default()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Storage.Path = ""

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.store.Close()

	if cfg.Credits.InitialGrant > 0 {
		if err := rt.store.Grant(ctx, org, cfg.Credits.InitialGrant); err != nil {
			return fmt.Errorf("seed credits: %w", err)
		}
	}

	task := &models.Task{
		ID:             uuid.NewString(),
		OrganizationID: org,
		Request:        request,
		Status:         models.TaskPending,
	}
	if err := rt.store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	engine := workflow.NewEngine("task:"+task.ID, rt.store, rt.hub, workflow.WithLogger(logger))
	loop := agent.NewLoop(rt.loopConfig(maxSteps), agent.LoopDeps{
		Registry:   rt.registry,
		Dispatcher: rt.dispatcher,
		Provider:   rt.provider,
		Store:      rt.store,
		Runner:     engine,
		Logger:     logger,
		Metrics:    rt.metrics,
		Setup:      rt.setup,
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx, task) }()

	cursor := time.Time{}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	flush := func() error {
		rows, err := rt.store.ProgressSince(ctx, task.ID, cursor)
		if err != nil {
			return err
		}
		for _, row := range rows {
			line, err := json.Marshal(row)
			if err != nil {
				continue
			}
			fmt.Println(string(line))
			cursor = row.CreatedAt
		}
		return nil
	}
	for {
		select {
		case err := <-done:
			if flushErr := flush(); flushErr != nil {
				logger.Warn("flush progress", "error", flushErr)
			}
			if err != nil {
				return fmt.Errorf("task failed: %w", err)
			}
			final, getErr := rt.store.GetTask(ctx, task.ID)
			if getErr == nil {
				fmt.Printf("task %s: %s\n", final.ID, final.Status)
			}
			return nil
		case <-ticker.C:
			if err := flush(); err != nil {
				logger.Warn("flush progress", "error", err)
			}
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
