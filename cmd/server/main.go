// Package main is the orchestrator entry point: it wires the stores, the
// group queue, the container runner, and every background loop, then blocks
// until a shutdown signal.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/redis/go-redis/v9"

	"github.com/b9b4ymiN/jellycore/internal/adapter/containers"
	"github.com/b9b4ymiN/jellycore/internal/adapter/observability"
	"github.com/b9b4ymiN/jellycore/internal/adapter/oracle"
	"github.com/b9b4ymiN/jellycore/internal/adapter/repo/postgres"
	"github.com/b9b4ymiN/jellycore/internal/app"
	"github.com/b9b4ymiN/jellycore/internal/budget"
	"github.com/b9b4ymiN/jellycore/internal/channel"
	"github.com/b9b4ymiN/jellycore/internal/config"
	"github.com/b9b4ymiN/jellycore/internal/domain"
	"github.com/b9b4ymiN/jellycore/internal/heartbeat"
	"github.com/b9b4ymiN/jellycore/internal/ipc"
	"github.com/b9b4ymiN/jellycore/internal/pipeline"
	"github.com/b9b4ymiN/jellycore/internal/queue"
	"github.com/b9b4ymiN/jellycore/internal/scheduler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting orchestrator", slog.String("env", cfg.AppEnv))
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	receiptRepo := postgres.NewReceiptRepo(pool)
	taskRepo := postgres.NewTaskRepo(pool)
	hbRepo := postgres.NewHeartbeatRepo(pool)
	ledgerRepo := postgres.NewLedgerRepo(pool)
	groupRepo := postgres.NewGroupRepo(pool)

	loc := cfg.Location()
	governor := budget.NewGovernor(ledgerRepo, rdb, budget.DefaultPrices(), domain.BudgetConfig{
		MonthlyBudget:  cfg.MonthlyBudget,
		DailyBudget:    cfg.DailyBudget,
		PreferredModel: cfg.PreferredModel,
		DowngradeModel: cfg.DowngradeModel,
	}, loc)

	oracleClient := oracle.New(oracle.Config{
		BaseURL:   cfg.OracleAPIURL,
		AuthToken: cfg.OracleAuthToken,
		Timeout:   cfg.OracleTimeout,
		CacheTTL:  cfg.OracleCacheTTL,
		TTLMultiplier: func() int {
			return governor.CacheTTLMultiplier(governor.LastUsagePct())
		},
	})

	docker, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		slog.Error("docker client init failed", slog.Any("error", err))
		os.Exit(1)
	}

	state := pipeline.NewState()
	registry := channel.NewRegistry(channel.ConsoleAdapter{})

	var groupQueue *queue.GroupQueue
	resilience := containers.NewResilience(docker, containers.ResilienceConfig{
		ProbeInterval:    cfg.DockerHealthProbeInterval,
		CircuitThreshold: cfg.SpawnCircuitThreshold,
		CircuitWindow:    cfg.SpawnCircuitWindow,
		CircuitCooldown:  cfg.SpawnCircuitCooldown,
		SweepInterval:    cfg.OrphanSweepInterval,
	}, func() []string {
		if groupQueue == nil {
			return nil
		}
		return groupQueue.ActiveContainers()
	})

	var warmPool *containers.Pool
	if cfg.PoolEnabled {
		warmPool = containers.NewPool(docker, containers.PoolConfig{
			MinSize:     cfg.PoolMinSize,
			MaxSize:     cfg.PoolMaxSize,
			MaxReuse:    cfg.PoolMaxReuse,
			IdleTimeout: cfg.PoolIdleTimeout,
			DataDir:     cfg.DataDir,
		}, cfg.ContainerImage, func() []containers.WarmTarget {
			var targets []containers.WarmTarget
			for _, g := range state.Groups() {
				targets = append(targets, containers.WarmTarget{
					Folder: g.Folder,
					IsMain: g.Folder == cfg.MainGroupFolder,
				})
			}
			return targets
		})
	}

	runner := containers.NewRunner(docker, containers.RunnerConfig{
		Image:   cfg.ContainerImage,
		DataDir: cfg.DataDir,
	}, resilience, warmPool, containers.SnapshotSources{
		Tasks: func(ctx context.Context, folder string, isMain bool) (any, error) {
			if isMain {
				folder = ""
			}
			return taskRepo.ListByGroup(ctx, folder)
		},
		Groups: func(ctx context.Context, isMain bool) (any, error) {
			groups := state.Groups()
			if !isMain {
				return []domain.RegisteredGroup{}, nil
			}
			return groups, nil
		},
	})

	pipe := pipeline.New(pipeline.Config{
		MainGroupFolder: cfg.MainGroupFolder,
		AssistantName:   cfg.AssistantName,
		DataDir:         cfg.DataDir,
		IdleTimeout:     cfg.IdleTimeout,
		TypingMaxTTL:    cfg.TypingMaxTTL,
		SessionMaxAge:   cfg.SessionMaxAge,
		ProgressDelays:  cfg.UserProgressIntervals,
		Location:        loc,
		Secrets: func() map[string]string {
			// Container credentials come from the environment; an encrypted
			// secrets file sits behind this hook in hardened installs.
			return map[string]string{}
		},
	}, state, receiptRepo, groupRepo, governor, oracleClient, runner, registry)

	monitor := queue.NewResourceMonitor(cfg.MaxConcurrentContainers)
	groupQueue = queue.New(queue.Config{
		MaxQueueSize:   cfg.MaxQueueSize,
		BaseRetryDelay: cfg.QueueBaseRetryDelay,
		MaxRetries:     cfg.QueueMaxRetries,
		DataDir:        cfg.DataDir,
	}, monitor.Cap, pipe.GroupInfo, pipe.ProcessGroup, queue.Events{
		OnRejected: func(chatJID string) {
			slog.Warn("queue rejected group at capacity", slog.String("chat_jid", chatJID))
		},
		OnMaxRetriesExceeded: pipe.OnMaxRetriesExceeded,
	})
	pipe.Bind(groupQueue)

	if err := pipe.LoadGroups(ctx); err != nil {
		slog.Error("group load failed", slog.Any("error", err))
		os.Exit(1)
	}

	schedLoop := scheduler.NewLoop(taskRepo, pipe, groupQueue, cfg.SchedulerPollInterval, loc)
	jobRunner := heartbeat.NewJobRunner(hbRepo, pipe, groupQueue, heartbeat.RunnerConfig{
		PollInterval:    cfg.HeartbeatJobPoll,
		DefaultInterval: cfg.HeartbeatDefaultInterval,
		JobTimeout:      cfg.HeartbeatJobTimeout,
		Concurrency:     cfg.HeartbeatBatchConcurrency,
	})
	reporter := heartbeat.NewReporter(heartbeat.ReporterConfig{
		SilenceAfter: cfg.HeartbeatSilenceAfter,
	}, func() string {
		g, ok := state.GroupByFolder(cfg.MainGroupFolder)
		if !ok {
			return ""
		}
		return g.JID
	}, state.LastTimestamp, jobRunner.RecentFailures, pipe.SendNotice)

	watcher := ipc.NewWatcher(ipc.WatcherConfig{
		DataDir:      cfg.DataDir,
		Secret:       cfg.IPCSecret,
		MainFolder:   cfg.MainGroupFolder,
		ScanInterval: cfg.IPCScanInterval,
	}, func() []string {
		var folders []string
		for _, g := range state.Groups() {
			folders = append(folders, g.Folder)
		}
		return folders
	}, &app.CommandHandler{
		Pipe:       pipe,
		Tasks:      taskRepo,
		Heartbeats: hbRepo,
		MainFolder: cfg.MainGroupFolder,
		DataDir:    cfg.DataDir,
		Loc:        loc,
	})

	ops := app.NewOpsServer(cfg.OpsPort, receiptRepo, pipe)

	if err := registry.Connect(ctx, channel.Events{
		OnMessage:      pipe.HandleInbound,
		OnChatMetadata: pipe.HandleChatMetadata,
	}); err != nil {
		slog.Error("channel connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	sup := app.NewSupervisor(ctx)
	sup.Start("ops-server", ops.Run)
	sup.Start("docker-health-probe", resilience.RunHealthProbe)
	sup.Start("orphan-sweeper", resilience.RunOrphanSweep)
	if warmPool != nil {
		sup.Start("pool-maintenance", warmPool.RunMaintenance)
	}
	sup.Start("scheduler-loop", schedLoop.Run)
	sup.Start("heartbeat-runner", jobRunner.Run)
	sup.Start("heartbeat-reporter", reporter.Run)
	sup.Start("ipc-watcher", watcher.Run)

	if err := pipe.RecoverOnStartup(ctx); err != nil {
		slog.Error("startup recovery failed", slog.Any("error", err))
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown signal received")

	registry.Disconnect()
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := groupQueue.Shutdown(drainCtx); err != nil {
		slog.Warn("queue drain incomplete", slog.Any("error", err))
	}
	cancel()
	if warmPool != nil {
		warmPool.Shutdown()
	}
	sup.Shutdown(10 * time.Second)
	pipe.Shutdown()
	slog.Info("orchestrator stopped")
}
