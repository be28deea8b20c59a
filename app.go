package main

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"PrismVideo-server/config"
	"PrismVideo-server/logger"
	"PrismVideo-server/models"
	"PrismVideo-server/service"
	"PrismVideo-server/workflow"
)

// app holds the long-lived dependencies shared by the serve and worker commands.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *gorm.DB
	rdb    *goredis.Client
	worker *service.WorkerClient
	store  service.AssetStore
	polls  *service.PollRegistry
	relay  *service.Relay
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, log: log, polls: service.NewPollRegistry()}

	a.db, err = models.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("database initialized", "driver", cfg.Database.Driver)

	if cfg.RedisEnabled() {
		a.rdb = service.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
		log.Info("redis connected", "addr", cfg.Redis.Addr)
	}

	if cfg.Worker.Addr != "" {
		a.worker = service.NewWorkerClient(cfg.Worker.Addr, cfg.Worker.PollInterval, cfg.Worker.Timeout, log)
	}

	if cfg.MinIOEnabled() {
		mc, err := service.NewMinIOStore(cfg, log)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := mc.EnsureBucket(ctx); err != nil {
			a.close()
			return nil, err
		}
		a.store = mc
		log.Info("minio initialized", "endpoint", cfg.MinIO.Endpoint, "bucket", cfg.MinIO.Bucket)
	}
	return a, nil
}

func (a *app) validator() service.Validator {
	return service.Validator{MaxShots: a.cfg.Generation.MaxShots, MaxDurationS: a.cfg.Generation.MaxDurationS}
}

// limiter prefers the shared redis window so several API nodes agree on quotas.
func (a *app) limiter() service.RateLimiter {
	rl := a.cfg.RateLimit
	var inner service.RateLimiter
	if a.rdb != nil {
		inner = service.NewRedisLimiter(a.rdb, rl.RequestsPerWindow, rl.Window)
	} else {
		inner = service.NewMemoryLimiter(rl.RequestsPerWindow, rl.Window, rl.Burst)
	}
	return service.WithAllowlist(inner, rl.Allowlist)
}

func (a *app) processor() *service.Processor {
	return service.NewProcessor(service.ProcessorOptions{
		DB:          a.db,
		Worker:      a.worker,
		Store:       a.store,
		Polls:       a.polls,
		Validator:   a.validator(),
		MaxParallel: a.cfg.Worker.MaxParallel,
		Logger:      a.log,
	})
}

func (a *app) registry(ctx context.Context) (*workflow.Registry, error) {
	policy := workflow.PolicyPermissive
	if a.cfg.Session.StrictTransitions {
		policy = workflow.PolicyStrict
	}
	reg := workflow.NewRegistry(workflow.Options{
		Policy:      policy,
		MaxMessages: a.cfg.Session.MaxMessages,
		Greeting:    a.cfg.Session.Greeting,
		Logger:      a.log,
	})
	if a.rdb != nil {
		relay, err := service.NewRelay(ctx, a.rdb, a.cfg.Redis.Channel, a.log)
		if err != nil {
			return nil, err
		}
		a.relay = relay
		reg.OnChange(relay.Hook())
		a.log.Info("session relay enabled", "channel", a.cfg.Redis.Channel)
	}
	return reg, nil
}

func (a *app) close() {
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	a.log.Sync()
}
