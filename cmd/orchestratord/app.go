package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/agent"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/attention"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/checkpoint"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/config"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/embeddings"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/events"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/gate"
	httpapi "github.com/NeuralNinja23/gencode-orchestrator/internal/http"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/logging"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/repair"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/scheduler"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/telemetry"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// run loads configuration, wires every component and serves until ctx is
// cancelled.
func run(ctx context.Context, path string, recoverRuns bool) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	telCfg := telemetry.NewDefaultConfig()
	if err := cfg.Section("telemetry", telCfg); err != nil {
		return err
	}
	logCfg := logging.NewDefaultConfig()
	if err := cfg.Section("logging", logCfg); err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting orchestrator",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("telemetry", telCfg.Enabled),
		zap.Bool("nats", cfg.NATS.Enabled),
	)

	a, err := newApp(ctx, cfg, logger, tel)
	if err != nil {
		return err
	}

	if recoverRuns {
		a.recoverRuns(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		a.close(context.Background())
		return err
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", zap.Error(err))
	}
	a.close(shutdownCtx)
	return nil
}

// app holds the wired components.
type app struct {
	cfg         *config.Config
	logger      *logging.Logger
	tel         *telemetry.Telemetry
	provider    embeddings.Provider
	store       *evolution.Store
	checkpoints checkpoint.Service
	publisher   events.Publisher
	scheduler   *scheduler.Scheduler
	server      *httpapi.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger, tel *telemetry.Telemetry) (a *app, err error) {
	zl := logger.Underlying()
	a = &app{cfg: cfg, logger: logger, tel: tel}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	a.provider, err = embeddings.NewProvider(cfg.ProviderOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	embedder, err := embeddings.NewCache(a.provider, cfg.CacheOptions(), zl.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	index, err := evolution.NewPatternIndex(cfg.Evolution.PatternIndexPath, zl.Named("patterns"))
	if err != nil {
		return nil, err
	}
	repo, err := evolution.NewRepository(cfg.Evolution.RepositoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open evolution repository: %w", err)
	}
	if cfg.Evolution.RepositoryPath == "" {
		logger.Warn(ctx, "evolution.repository_path is not set, learned routing is lost on restart")
	}
	a.store, err = evolution.NewStore(cfg.EvolutionOptions(), repo, index, zl.Named("evolution"))
	if err != nil {
		return nil, fmt.Errorf("failed to create evolution store: %w", err)
	}

	router, err := attention.NewRouter(cfg.RouterOptions(), embedder, a.store, zl.Named("attention"))
	if err != nil {
		return nil, fmt.Errorf("failed to create attention router: %w", err)
	}
	repairs, err := repair.NewRouter(cfg.Repair, router, embedder, a.store, zl.Named("repair"))
	if err != nil {
		return nil, fmt.Errorf("failed to create repair router: %w", err)
	}
	supervisor := gate.NewSupervisor(cfg.Gate, router, gate.DefaultChecks(), zl.Named("gate"))

	a.publisher, err = events.NewPublisher(cfg.NATS, zl.Named("events"))
	if err != nil {
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}
	budgets, err := budget.NewManager(cfg.Budget.Policy, events.BudgetEmitter(a.publisher, zl.Named("events")), zl.Named("budget"))
	if err != nil {
		return nil, fmt.Errorf("failed to create budget manager: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	if cfg.Checkpoint.Directory == "" {
		logger.Warn(ctx, "checkpoint.directory is not set, checkpoints are kept in memory and runs cannot be recovered after a restart")
	}
	a.checkpoints, err = checkpoint.NewService(store, zl.Named("checkpoint"))
	if err != nil {
		return nil, err
	}

	deps := scheduler.Deps{
		Budget:      budgets,
		Checkpoints: a.checkpoints,
		Gate:        supervisor,
		Repair:      repairs,
		Outcomes:    a.store,
		Events:      a.publisher,
		Approver:    mutationApprover(cfg.Repair, zl.Named("repair")),
	}
	if err := wireAgents(cfg, &deps, zl.Named("agent")); err != nil {
		return nil, err
	}
	a.scheduler, err = scheduler.New(cfg.SchedulerOptions(), deps, zl.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	a.server, err = httpapi.NewServer(a.scheduler, a.store, logger.Named("http"),
		&httpapi.Config{Host: cfg.Server.Host, Port: cfg.Server.Port, Metrics: tel.IsEnabled()},
		httpapi.WithHealthCheck("telemetry", func(context.Context) error {
			if tel.Health().Degraded {
				return errors.New("degraded")
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// wireAgents creates the HTTP agent clients. Without a dedicated reviewer
// URL the executor service is asked to review; without a persister URL
// accepted artifacts are kept in memory.
func wireAgents(cfg *config.Config, deps *scheduler.Deps, logger *zap.Logger) error {
	exec, err := agent.NewHTTPExecutor(cfg.ExecutorOptions(), logger)
	if err != nil {
		return fmt.Errorf("failed to create executor client: %w", err)
	}
	deps.Executor = exec

	reviewCfg, ok := cfg.ReviewerOptions()
	if !ok {
		reviewCfg = cfg.ExecutorOptions()
	}
	deps.Reviewer, err = agent.NewHTTPReviewer(reviewCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create reviewer client: %w", err)
	}

	if persistCfg, ok := cfg.PersisterOptions(); ok {
		deps.Persister, err = agent.NewHTTPPersister(persistCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to create persister client: %w", err)
		}
	} else {
		deps.Persister = agent.NewMemoryPersister()
	}
	return nil
}

// mutationApprover applies transformational repairs only when
// repair.auto_approve_mutations is set on top of the tier-3 switches.
// Otherwise the proposal is recorded and the unmutated strategy is used.
// Every decision is logged.
func mutationApprover(cfg repair.Config, logger *zap.Logger) scheduler.Approver {
	return scheduler.ApproverFunc(func(_ context.Context, runID, step string, d *repair.Decision) bool {
		ok := cfg.AutoApproveMutations && cfg.TransformationalEnabled && cfg.Sandboxed
		logger.Info("constraint mutation reviewed",
			zap.String("run.id", runID),
			zap.String("step.name", step),
			zap.String("operator", string(d.Operator)),
			zap.Bool("approved", ok),
		)
		return ok
	})
}

// recoverRuns resumes every checkpointed run that was still running.
func (a *app) recoverRuns(ctx context.Context) {
	ids, err := a.checkpoints.Runs(ctx)
	if err != nil {
		a.logger.Warn(ctx, "listing checkpointed runs failed", zap.Error(err))
		return
	}
	for _, id := range ids {
		cp, err := a.checkpoints.LoadLatest(ctx, id)
		if err != nil {
			a.logger.Warn(ctx, "loading checkpoint failed", zap.String("run.id", id), zap.Error(err))
			continue
		}
		if cp.Snapshot.Run.Status != workflow.RunRunning {
			continue
		}
		status, err := a.scheduler.Resume(ctx, id)
		if err != nil {
			a.logger.Warn(ctx, "resuming run failed", zap.String("run.id", id), zap.Error(err))
			continue
		}
		a.logger.Info(ctx, "run resumed from checkpoint",
			zap.String("run.id", id),
			zap.Uint64("sequence", cp.Sequence),
			zap.String("status", string(status)),
		)
	}
}

// close releases components in reverse dependency order.
func (a *app) close(ctx context.Context) {
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(ctx); err != nil {
			a.logger.Warn(ctx, "scheduler shutdown", zap.Error(err))
		}
	}
	if a.checkpoints != nil {
		_ = a.checkpoints.Close()
	}
	if a.publisher != nil {
		_ = a.publisher.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.tel != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(flushCtx); err != nil {
			a.logger.Warn(ctx, "telemetry shutdown", zap.Error(err))
		}
	}
}
