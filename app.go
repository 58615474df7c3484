package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go-tasksync/cache"
	"go-tasksync/config"
	"go-tasksync/queue"
	"go-tasksync/reconcile"
	"go-tasksync/service"
	"go-tasksync/store"
	"go-tasksync/worker"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// app holds the wired components shared by every command.
type app struct {
	cfg        config.Config
	log        *logrus.Logger
	store      store.Store
	rdb        *redis.Client
	signal     *queue.Redis
	queue      *queue.Queue
	reconciler *reconcile.Reconciler
	processor  *worker.Processor
	tasks      *service.TaskService
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.Production() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		log.WithField("level", cfg.App.LogLevel).Warn("unknown LOG_LEVEL, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// openApp connects the configured backends. Postgres is used when
// DATABASE_URL is set; Redis features switch on when a Redis address is.
func openApp(ctx context.Context, cfg config.Config, log *logrus.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if cfg.Database.URL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.store = pg
		log.Info("using postgres store")
	} else {
		a.store = store.NewMemory()
		log.Warn("DATABASE_URL not set, tasks are kept in memory only")
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			a.store.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.rdb = rdb
		a.signal = queue.NewRedis(rdb)
		log.WithField("addr", cfg.Redis.Addr).Info("redis enabled")
	}

	queueOpts := []queue.Option{queue.WithMaxRetries(cfg.Sync.MaxRetries)}
	procOpts := []worker.ProcessorOption{worker.WithBatchSize(cfg.Sync.BatchSize)}
	var svcOpts []service.Option
	if a.signal != nil {
		queueOpts = append(queueOpts, queue.WithNotifier(a.signal))
		procOpts = append(procOpts, worker.WithLocker(a.signal, cfg.Sync.DrainLease))
		svcOpts = append(svcOpts, service.WithCache(cache.NewTaskCache(a.rdb, cfg.Redis.CacheTTL)))
	}

	a.queue = queue.New(a.store, log, queueOpts...)
	a.tasks = service.NewTaskService(a.store, a.queue, log, svcOpts...)
	// Sync writes bypass the task service, so they clear its list cache directly.
	a.reconciler = reconcile.New(a.store, log, reconcile.WithOnWrite(a.tasks.Invalidate))
	procOpts = append(procOpts, worker.WithOnWrite(a.tasks.Invalidate))
	a.processor = worker.NewProcessor(a.queue, a.reconciler, a.store, log, procOpts...)
	return a, nil
}

// waiter returns the Redis drain signal, or nil to fall back to the interval.
func (a *app) waiter() worker.Waiter {
	if a.signal == nil {
		return nil
	}
	return a.signal
}

func (a *app) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.WithError(err).Warn("redis close")
		}
	}
	a.store.Close()
}
