// Command agentcomd is AgentCom's entrypoint: it loads configuration,
// wires every actor together (store, eventbus, queue, lifecycle
// registry, scheduler, rate limiter, ledger, hub FSM, system monitor,
// alerter, auth, admin API), and serves until an interrupt signal
// arrives.
//
// Grounded on the teacher's cmd/server/main.go: config.Load, a
// logger, a database handle, the core components, an HTTP server
// started in a goroutine, then SIGINT/SIGTERM handling with a bounded
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/S-Corkum/agentcom/internal/alert"
	"github.com/S-Corkum/agentcom/internal/api"
	"github.com/S-Corkum/agentcom/internal/audit"
	"github.com/S-Corkum/agentcom/internal/auth"
	"github.com/S-Corkum/agentcom/internal/config"
	"github.com/S-Corkum/agentcom/internal/eventbus"
	"github.com/S-Corkum/agentcom/internal/hub"
	"github.com/S-Corkum/agentcom/internal/hubfsm"
	"github.com/S-Corkum/agentcom/internal/ledger"
	"github.com/S-Corkum/agentcom/internal/lifecycle"
	"github.com/S-Corkum/agentcom/internal/observability"
	"github.com/S-Corkum/agentcom/internal/queue"
	"github.com/S-Corkum/agentcom/internal/ratelimit"
	"github.com/S-Corkum/agentcom/internal/scheduler"
	"github.com/S-Corkum/agentcom/internal/session"
	"github.com/S-Corkum/agentcom/internal/store"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file (overrides AGENTCOM_CONFIG_FILE)")
	skipMigration := flag.Bool("skip-migration", false, "skip running database migrations on startup")
	validateOnly := flag.Bool("validate", false, "load and validate configuration, then exit")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println("agentcomd (dev build)")
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	if *validateOnly {
		fmt.Println("configuration OK")
		return
	}

	logger := observability.NewLogger("agentcomd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var tracerFn observability.StartSpanFunc
	if cfg.Tracing.Enabled {
		tp, err := observability.NewTracerProvider(ctx, "agentcomd", cfg.Tracing.OTLPEndpoint)
		if err != nil {
			log.Fatalf("initializing tracer provider: %v", err)
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
		tracerFn = observability.NewStartSpanFunc(tp.Tracer("agentcomd/store"))
	}

	durableStore, closeStore, err := buildStore(ctx, cfg, logger, tracerFn, *skipMigration)
	if err != nil {
		log.Fatalf("initializing store: %v", err)
	}
	defer closeStore()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	bus := eventbus.New(logger)
	bus.SetMetrics(metrics)
	defer bus.Close()

	auditLog := audit.New(durableStore, logger)
	auditSubs := auditLog.Subscribe(bus,
		eventbus.TopicTaskSubmitted, eventbus.TopicTaskAssigned, eventbus.TopicTaskCompleted,
		eventbus.TopicTaskRetried, eventbus.TopicTaskDeadLettered, eventbus.TopicTaskReclaimed,
		eventbus.TopicAgentJoined, eventbus.TopicAgentLeft, eventbus.TopicAgentIdle,
		eventbus.TopicRateLimitViolated, eventbus.TopicRateLimitCleared,
	)
	defer func() {
		for _, sub := range auditSubs {
			sub.Unsubscribe()
		}
	}()

	taskQueue := queue.New(durableStore, bus, logger, queue.Config{
		AssignmentTTLMs:        cfg.AssignmentTTLMs,
		OverdueSweepIntervalMs: cfg.OverdueSweepIntervalMs,
		MaxRetriesDefault:      cfg.MaxRetriesDefault,
		QueueSoftCap:           cfg.QueueSoftCap,
	})
	taskQueue.SetMetrics(metrics)
	if err := taskQueue.Start(ctx); err != nil {
		log.Fatalf("starting task queue: %v", err)
	}
	defer taskQueue.Stop()

	registry := lifecycle.New(taskQueue, bus, logger, lifecycle.Config{
		AcceptanceTimeoutMs: cfg.AcceptanceTimeoutMs,
	})
	taskQueue.SetLifecycleQuery(registry)

	limiter := ratelimit.New(cfg.RateLimit, bus)
	limiter.SetMetrics(metrics)
	limiter.SetStore(durableStore)
	if err := limiter.LoadOverrides(ctx); err != nil {
		log.Fatalf("loading rate-limit overrides: %v", err)
	}

	sched := scheduler.New(taskQueue, registry, limiter, bus, logger, scheduler.Config{
		StuckAgentSweepIntervalMs: 30_000,
	})
	sched.Start(ctx)
	defer sched.Stop()

	hubLedger := ledger.New(map[string]ledger.Budget{
		string(hubfsm.StateExecuting):     {MaxInvocations: 50, WindowMs: cfg.FSM.TickMs * 60},
		string(hubfsm.StateImproving):     {MaxInvocations: 20, WindowMs: cfg.FSM.TickMs * 60},
		string(hubfsm.StateContemplating): {MaxInvocations: 10, WindowMs: cfg.FSM.TickMs * 60},
		string(hubfsm.StateHealing):       {MaxInvocations: 10, WindowMs: cfg.FSM.TickMs * 60},
	})

	alerter := buildAlerter(ctx, cfg, logger)

	monitor := hub.NewSystemMonitor(taskQueue, storeHealthChecker(durableStore), bus, logger, hub.MonitorConfig{HealingCooldownMs: cfg.FSM.HealingCooldownMs})

	fsm := hubfsm.New(monitor, hubLedger, bus, logger, hubfsm.Config{
		TickIntervalMs:    cfg.FSM.TickMs,
		HealingWatchdogMs: cfg.FSM.HealingWatchdogMs,
	})
	fsm.SetMetrics(metrics)
	fsm.Start(ctx)
	defer fsm.Stop()

	bus.Subscribe("hubfsm_transition", func(ev eventbus.Event) {
		rec, ok := ev.Payload.(hubfsm.TransitionRecord)
		if ok && rec.To == hubfsm.StateHealing {
			alerter.Raise(ctx, "hub_entered_healing", map[string]any{"reason": rec.Reason})
		}
	})

	tokenValidator := auth.NewTokenValidator([]byte(cfg.Auth.JWTSecret))
	ingressValidator := auth.NewValidator()
	registerIngressSchemas(ingressValidator)

	adminServer := api.New(
		taskQueue,
		registry,
		limiter,
		fsm,
		registry,
		tokenValidator,
		ingressValidator,
		limiter,
		session.Config{PingIntervalMs: cfg.Session.KeepaliveMs},
		logger,
		api.Config{
			ListenAddress: cfg.API.ListenAddress,
			ReadTimeout:   cfg.API.ReadTimeout,
			WriteTimeout:  cfg.API.WriteTimeout,
		},
	)
	adminServer.SetMetrics(metrics)

	go func() {
		logger.Info("agentcomd: starting admin server", observability.Fields{"address": cfg.API.ListenAddress})
		if err := adminServer.Start(); err != nil {
			logger.Error("agentcomd: admin server stopped", observability.Fields{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("agentcomd: shutdown signal received", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("agentcomd: admin server shutdown error", observability.Fields{"error": err.Error()})
	}
	logger.Info("agentcomd: stopped", nil)
}

// buildStore constructs the durable store. An empty DSN falls back to
// an in-memory store, useful for local development and the e2e test
// harness; production deployments set database.dsn.
func buildStore(ctx context.Context, cfg *config.Config, logger observability.Logger, tracerFn observability.StartSpanFunc, skipMigration bool) (store.DurableStore, func(), error) {
	instanceID := uuid.NewString()

	if cfg.Database.DSN == "" {
		mem := store.NewMemoryStore()
		if err := store.AcquireHubLock(ctx, mem, instanceID); err != nil {
			return nil, nil, fmt.Errorf("acquiring hub lock: %w", err)
		}
		return mem, func() {}, nil
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if !skipMigration {
		if err := store.RunMigrations(cfg.Database.DSN, cfg.Database.MigrationsPath); err != nil {
			return nil, nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	var pgOpts []store.PostgresOption
	if tracerFn != nil {
		pgOpts = append(pgOpts, store.WithTracer(tracerFn))
	}
	pg, err := store.NewPostgresStore(db, logger, pgOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("constructing postgres store: %w", err)
	}

	if err := store.AcquireHubLock(ctx, pg, instanceID); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("acquiring hub lock: %w", err)
	}

	return pg, func() { _ = db.Close() }, nil
}

// storeHealthChecker probes the durable store with a cheap Fold over
// the hub lock table; a non-nil error signals the health-critical
// condition HubFSM's §4.6 predicate reacts to.
func storeHealthChecker(s store.DurableStore) hub.HealthChecker {
	return func(ctx context.Context) bool {
		err := s.Fold(ctx, store.TableHubLock, func(string, []byte) error { return nil })
		return err != nil
	}
}

// buildAlerter wires the SQS and Redis sinks configured in cfg.
// Either may be left unset, in which case Raise fans out to whatever
// sinks remain (zero sinks is a valid, logged no-op configuration).
func buildAlerter(ctx context.Context, cfg *config.Config, logger observability.Logger) *alert.Alerter {
	var sinks []alert.Sink

	if cfg.Alerter.SQSQueueURL != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Warn("agentcomd: failed to load AWS config, SQS alert sink disabled", observability.Fields{"error": err.Error()})
		} else {
			sinks = append(sinks, alert.NewSQSSink(sqs.NewFromConfig(awsCfg), cfg.Alerter.SQSQueueURL))
		}
	}

	if cfg.Alerter.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Alerter.RedisAddr})
		sinks = append(sinks, alert.NewRedisSink(client, "agentcom:alerts"))
	}

	return alert.New(sinks, logger, alert.Config{})
}

// registerIngressSchemas registers JSON Schemas for the wire messages
// most worth validating before they reach the rate-limit gate: the
// terminal task outcomes (task_complete, task_failed) and
// state_report, since a malformed one would otherwise silently fail
// the json.Unmarshal inside handleInbound's dispatch switch and vanish
// without a trace.
func registerIngressSchemas(v *auth.Validator) {
	v.RegisterSchema(session.TypeTaskComplete, map[string]any{
		"type":     "object",
		"required": []string{"type", "task_id", "generation"},
		"properties": map[string]any{
			"type":       map[string]any{"const": session.TypeTaskComplete},
			"task_id":    map[string]any{"type": "string"},
			"generation": map[string]any{"type": "integer"},
		},
	})
	v.RegisterSchema(session.TypeTaskFailed, map[string]any{
		"type":     "object",
		"required": []string{"type", "task_id", "generation", "reason"},
		"properties": map[string]any{
			"type":       map[string]any{"const": session.TypeTaskFailed},
			"task_id":    map[string]any{"type": "string"},
			"generation": map[string]any{"type": "integer"},
			"reason":     map[string]any{"type": "string"},
		},
	})
	v.RegisterSchema(session.TypeStateReport, map[string]any{
		"type":     "object",
		"required": []string{"type", "task_id", "status", "generation"},
		"properties": map[string]any{
			"type":       map[string]any{"const": session.TypeStateReport},
			"task_id":    map[string]any{"type": "string"},
			"status":     map[string]any{"type": "string"},
			"generation": map[string]any{"type": "integer"},
		},
	})
}
