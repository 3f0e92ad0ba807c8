// Package app is the composition root: it builds the store, providers,
// clients, agent, workers, and scheduler from a Config and runs them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwalkowiak/famulus"
	"github.com/mwalkowiak/famulus/internal/config"
	"github.com/mwalkowiak/famulus/observer"
	"github.com/mwalkowiak/famulus/provider/resolve"
	"github.com/mwalkowiak/famulus/store/postgres"
	"github.com/mwalkowiak/famulus/store/sqlite"
)

// App owns the wired runtime. Start launches workers and the scheduler;
// Shutdown flushes telemetry and closes the store.
type App struct {
	Config   config.Config
	Store    famulus.Store
	Queue    *famulus.JobQueue
	Service  *famulus.Service
	Agent    *famulus.Agent
	Registry *famulus.Registry
	Loader   *famulus.SkillLoader
	Usage    *famulus.UsageTracker

	workers  *famulus.WorkerPool
	sched    *famulus.Scheduler
	log      *slog.Logger
	otelStop func(context.Context) error
	pool     *pgxpool.Pool
}

// New wires the full runtime from cfg. Tools beyond the built-in job-scoped
// set are registered by the caller on app.Registry before Start.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	a := &App{Config: cfg, log: log}

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Store = store
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("store init: %w", err)
	}

	// Observability is optional; the core runs without it.
	var tracer famulus.Tracer
	costFn := famulus.CostFunc(nil)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{
				InputPerMillion:      p.Input,
				OutputPerMillion:     p.Output,
				CacheReadPerMillion:  p.CacheRead,
				CacheWritePerMillion: p.CacheWrite,
			}
		}
		inst, stop, err := observer.Init(ctx, pricing)
		if err != nil {
			return nil, fmt.Errorf("observer init: %w", err)
		}
		a.otelStop = stop
		tracer = observer.NewTracer()
		costFn = inst.Cost.CostFunc()
	} else {
		costFn = observer.NewCostCalculator(nil).CostFunc()
	}

	// The persisted provider override wins over the config file.
	llmCfg := cfg.LLM
	if override, err := store.GetSetting(ctx, "model_provider"); err == nil && override != "" {
		llmCfg.Provider = override
	}

	mainProv, err := resolve.Provider(resolve.Config{
		Provider: llmCfg.Provider, APIKey: llmCfg.APIKey,
		Model: llmCfg.Model, BaseURL: llmCfg.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	if llmCfg.RPM > 0 || llmCfg.TPM > 0 {
		mainProv = famulus.WithRateLimit(mainProv,
			famulus.RPM(llmCfg.RPM), famulus.TPM(llmCfg.TPM))
	}
	cheapProv, err := resolve.Provider(resolve.Config{
		Provider: cfg.Cheap.Provider, APIKey: cfg.Cheap.APIKey,
		Model: cfg.Cheap.Model, BaseURL: cfg.Cheap.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	routingProv, err := resolve.Provider(resolve.Config{
		Provider: cfg.Routing.Provider, APIKey: cfg.Routing.APIKey,
		Model: cfg.Routing.Model, BaseURL: cfg.Routing.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	a.Usage = famulus.NewUsageTracker(store, log)
	clientOpts := []famulus.ClientOption{
		famulus.WithClientLogger(log),
		famulus.WithUsageTracker(a.Usage),
		famulus.WithCostFunc(costFn),
	}
	main := famulus.NewClient(mainProv, clientOpts...)
	cheap := famulus.NewClient(cheapProv, clientOpts...)
	routingClient := famulus.NewClient(routingProv, clientOpts...)

	a.Queue = famulus.NewJobQueue(store, log)
	a.Registry = famulus.NewRegistry()
	activities := famulus.NewActivityLog(store, log)
	counter := famulus.NewTokenCounter()
	ctxmgr := famulus.NewContextManager(cheap, counter, log,
		famulus.WithContextWindow(cfg.Agent.ContextWindow),
		famulus.WithCompressThreshold(cfg.Agent.CompressThreshold),
	)
	summarizer := famulus.NewConversationSummarizer(store, cheap, log)
	a.Loader = famulus.NewSkillLoader(cfg.Agent.SkillsDir, store, log)
	router := famulus.NewSkillRouter(a.Loader, cheap, log)
	routing := famulus.NewRoutingAgent(routingClient, log)
	delegate := famulus.NewDelegateExecutor(cheap, a.Registry, activities, log)
	explore := famulus.NewExploreExecutor(cheap, a.Registry, activities, log)
	research := famulus.NewResearchLog(cfg.Agent.WorkspacePath, log)

	a.sched = famulus.NewScheduler(store, a.Queue, cfg.Scheduler.FilesRoot, log,
		famulus.WithSchedulerPoll(time.Duration(cfg.Scheduler.PollSeconds)*time.Second),
		famulus.WithDefaultTimezone(cfg.Scheduler.Timezone),
	)

	if err := a.Registry.Register(famulus.ListScheduledJobsTool(store)); err != nil {
		return nil, fmt.Errorf("register list_scheduled_jobs: %w", err)
	}

	sched := a.sched
	queue := a.Queue
	dynamicTools := func(job famulus.Job) []famulus.Tool {
		cancelled := queue.CancelCheck(job.ID)
		tools := famulus.SchedulerTools(sched, job.ConversationID)
		tools = append(tools,
			famulus.DelegateTool(delegate, job, cancelled),
			famulus.ExploreTool(explore, job, cancelled),
			famulus.RecallFromChatTool(store, job.ConversationID),
		)
		return tools
	}

	agentOpts := []famulus.AgentOption{
		famulus.WithDynamicTools(dynamicTools),
		famulus.WithUserInstructions(cfg.Agent.UserInstructions),
	}
	if cfg.Agent.MaxSteps > 0 {
		agentOpts = append(agentOpts, famulus.WithMaxSteps(cfg.Agent.MaxSteps))
	}
	if cfg.Agent.ReflectionInterval > 0 {
		agentOpts = append(agentOpts, famulus.WithReflectionInterval(cfg.Agent.ReflectionInterval))
	}
	if cfg.Agent.ThinkingBudget > 0 {
		agentOpts = append(agentOpts, famulus.WithThinkingBudget(cfg.Agent.ThinkingBudget))
	}
	if tracer != nil {
		agentOpts = append(agentOpts, famulus.WithTracer(tracer))
	}

	a.Agent = famulus.NewAgent(famulus.AgentDeps{
		Store:      store,
		Queue:      a.Queue,
		Main:       main,
		Cheap:      cheap,
		Registry:   a.Registry,
		Activities: activities,
		ContextMgr: ctxmgr,
		Summarizer: summarizer,
		Loader:     a.Loader,
		Router:     router,
		Routing:    routing,
		Delegate:   delegate,
		Explore:    explore,
		Research:   research,
		Usage:      a.Usage,
		Logger:     log,
	}, agentOpts...)

	a.workers = famulus.NewWorkerPool(a.Queue, a.Agent, a.Usage, cfg.Workers.Count, log,
		famulus.WithMaxJobRuntime(time.Duration(cfg.Workers.MaxRuntimeSeconds)*time.Second))

	a.Service = famulus.NewService(store, a.Queue, a.sched, a.Usage, log)
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config) (famulus.Store, error) {
	switch cfg.Database.Driver {
	case "", "sqlite":
		return sqlite.New(cfg.Database.Path, sqlite.WithLogger(a.log)), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		a.pool = pool
		return postgres.New(pool, postgres.WithLogger(a.log)), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

// Start launches the worker pool and the scheduler loop. Both stop when ctx
// is cancelled.
func (a *App) Start(ctx context.Context) {
	a.workers.Start(ctx)
	go a.sched.Run(ctx)
	a.log.Info("runtime started",
		"workers", a.Config.Workers.Count,
		"model", a.Config.LLM.Model,
		"db", a.Config.Database.Driver)
}

// Shutdown waits for workers to drain, flushes telemetry, and closes the
// store.
func (a *App) Shutdown(ctx context.Context) error {
	a.workers.Wait()
	if a.otelStop != nil {
		if err := a.otelStop(ctx); err != nil {
			a.log.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return a.Store.Close()
}
