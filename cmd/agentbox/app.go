package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/davicafu/agentbox/internal/config"
	machineApp "github.com/davicafu/agentbox/internal/machine/application"
	machineDomain "github.com/davicafu/agentbox/internal/machine/domain"
	machinePostgres "github.com/davicafu/agentbox/internal/machine/infra/outbound/db/postgre"
	machineSQLite "github.com/davicafu/agentbox/internal/machine/infra/outbound/db/sqlite"
	machineFS "github.com/davicafu/agentbox/internal/machine/infra/outbound/filesystem"
	machineRuntime "github.com/davicafu/agentbox/internal/machine/infra/outbound/runtime"
	queueApp "github.com/davicafu/agentbox/internal/queue/application"
	queueDomain "github.com/davicafu/agentbox/internal/queue/domain"
	queueClickHouse "github.com/davicafu/agentbox/internal/queue/infra/outbound/analytics/clickhouse"
	queuePostgres "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/postgre"
	queueSQLite "github.com/davicafu/agentbox/internal/queue/infra/outbound/db/sqlite"
	"github.com/davicafu/agentbox/internal/queue/infra/outbound/notifier"
	infraEvents "github.com/davicafu/agentbox/internal/shared/infra/events"
	sharedBus "github.com/davicafu/agentbox/internal/shared/infra/platform/bus"
	sharedCache "github.com/davicafu/agentbox/internal/shared/infra/platform/cache"
	"github.com/davicafu/agentbox/internal/shared/infra/platform/database"
)

// app reúne las piezas cableadas que comparten los comandos.
type app struct {
	cfg *config.Config
	log *zap.Logger

	db       *sql.DB
	rdb      *redis.Client // nil si Redis no está disponible
	registry *queueDomain.Registry

	queueRepo   queueDomain.QueueRepository
	machineRepo machineDomain.MachineRepository
	cache       sharedCache.Cache
	recorder    queueDomain.OutcomeRecorder
	bus         sharedBus.EventBus
	memBus      *infraEvents.InMemoryEventBus // sólo sin Kafka

	enqueuer       *queueApp.Enqueuer
	processor      *queueApp.Processor
	worker         *queueApp.Worker
	redisNotifier  *notifier.RedisNotifier
	queueService   *queueApp.QueueService
	machineService *machineApp.MachineService

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	// ---------------- DB ----------------
	a.db, err = database.Open(ctx, cfg.DBDriver, cfg.DSN())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { a.db.Close() })

	switch cfg.DBDriver {
	case database.DriverPostgres:
		if err := queuePostgres.InitSchema(ctx, a.db); err != nil {
			return nil, err
		}
		if err := machinePostgres.InitSchema(ctx, a.db); err != nil {
			return nil, err
		}
		a.queueRepo = queuePostgres.NewQueueRepoPostgres(a.db)
		a.machineRepo = machinePostgres.NewMachineRepoPostgres(a.db)
	default:
		if err := queueSQLite.InitSchema(ctx, a.db); err != nil {
			return nil, err
		}
		if err := machineSQLite.InitSchema(ctx, a.db); err != nil {
			return nil, err
		}
		a.queueRepo = queueSQLite.NewQueueRepoSQLite(a.db)
		a.machineRepo = machineSQLite.NewMachineRepoSQLite(a.db)
	}

	// ---------------- Cache ----------------
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn("⚠️ Redis no disponible, cache en memoria", zap.Error(err))
		rdb.Close()
		mem := sharedCache.NewInMemoryCache(cfg.CacheTTL, 3*cfg.CacheTTL)
		a.closers = append(a.closers, mem.Stop)
		a.cache = mem
	} else {
		log.Info("✅ Redis conectado, cache habilitado")
		a.rdb = rdb
		a.closers = append(a.closers, func() { rdb.Close() })
		a.cache = sharedCache.NewRedisCache(rdb, cfg.CacheTTL)
	}

	// ---------------- Analytics ----------------
	if cfg.ClickHouseAddr != "" {
		repo, err := queueClickHouse.NewOutcomeRepo(cfg.ClickHouseAddr, cfg.ClickHouseDB)
		if err != nil {
			log.Warn("⚠️ ClickHouse no disponible, analítica desactivada", zap.Error(err))
		} else if err := repo.InitSchema(ctx); err != nil {
			log.Warn("⚠️ Fallo al crear el esquema de ClickHouse, analítica desactivada", zap.Error(err))
			repo.Close()
		} else {
			a.closers = append(a.closers, func() { repo.Close() })
			a.recorder = repo
		}
	}

	// ---------------- Events ---------------
	if cfg.UseKafka {
		log.Info("🚀 Usando Kafka como bus de eventos")
		writer := &kafka.Writer{
			Addr:     kafka.TCP(cfg.KafkaBrokers...),
			Topic:    cfg.KafkaTopicMachine,
			Balancer: &kafka.Hash{},
		}
		a.closers = append(a.closers, func() { writer.Close() })
		a.bus = infraEvents.NewKafkaPublisher(writer, log)
	} else {
		log.Info("⚡️ Usando bus de eventos en memoria (canales de Go)")
		a.memBus = infraEvents.NewInMemoryEventBus(cfg.KafkaTopicMachine)
		a.bus = a.memBus
	}

	// ---------------- Queue ----------------
	a.registry = queueDomain.NewRegistry(queueDomain.RegistryOptions{
		DefaultVisibilityTimeout: cfg.Queue.VisibilityTimeout,
		DefaultRetryPolicy:       queueDomain.ExponentialBackoff(cfg.Queue.MaxAttempts, cfg.Queue.BackoffBase, cfg.Queue.BackoffLimit),
	})
	a.enqueuer = queueApp.NewEnqueuer(a.queueRepo, a.registry, nil, nil, log)
	a.processor = queueApp.NewProcessor(a.queueRepo, a.registry, a.recorder, nil, queueApp.ProcessorConfig{
		BatchSize:  cfg.Queue.BatchSize,
		MaxBatches: cfg.Queue.MaxBatches,
	}, log)
	a.worker = queueApp.NewWorker(a.processor, cfg.Queue.PollInterval, log)

	if a.rdb != nil {
		a.redisNotifier = notifier.NewRedisNotifier(a.rdb, cfg.Queue.WakeupChannel, a.worker, log)
		a.enqueuer.SetNotifier(a.redisNotifier)
	} else {
		a.enqueuer.SetNotifier(a.worker)
	}
	a.queueService = queueApp.NewQueueService(a.db, a.queueRepo, a.registry, a.enqueuer, a.processor, a.recorder, nil, log)

	// ---------------- Machines ----------------
	var (
		runtime machineDomain.Runtime
		prober  machineDomain.Prober
	)
	if cfg.Machine.RuntimeURL != "" {
		runtime = machineRuntime.NewHTTPRuntime(cfg.Machine.RuntimeURL, cfg.Machine.RuntimeToken, cfg.Machine.RuntimeTimeout, log)
		prober = machineRuntime.NewHTTPProber(cfg.Machine.RuntimeURL, cfg.Machine.RuntimeToken, machineRuntime.ProberConfig{
			PollAttempts: cfg.Machine.ProbePollAttempts,
			PollInterval: cfg.Machine.ProbePollInterval,
		}, log)
	} else {
		log.Info("💾 Usando runtime local en fichero JSON", zap.String("file", cfg.Machine.LocalRuntimeFile))
		local := machineFS.NewJSONRuntime(cfg.Machine.LocalRuntimeFile)
		runtime = local
		prober = machineFS.NewLocalProber(local)
	}

	a.machineService = machineApp.NewMachineService(a.db, a.machineRepo, a.enqueuer, runtime, a.cache, nil, log)
	pipeline := machineApp.NewPipeline(a.db, a.machineRepo, a.enqueuer, runtime, prober, a.cache, a.bus, nil, machineApp.PipelineConfig{
		ProbeWarmup:    cfg.Machine.ProbeWarmup,
		DaemonStatusVT: cfg.Machine.DaemonStatusVT,
		ProbeSentVT:    cfg.Machine.ProbeSentVT,
		Retention:      cfg.Machine.Retention,
	}, log)

	// ---------------- Consumers ----------------
	if err := queueApp.RegisterPokeConsumer(a.registry, log); err != nil {
		return nil, fmt.Errorf("failed to register poke consumer: %w", err)
	}
	if err := pipeline.Register(a.registry); err != nil {
		return nil, fmt.Errorf("failed to register machine pipeline: %w", err)
	}
	log.Info("✅ Consumidores de cola registrados", zap.Int("consumers", len(a.registry.Definitions())))

	return a, nil
}
