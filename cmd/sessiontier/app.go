package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/shaharia-lab/sessiontier"
	"github.com/shaharia-lab/sessiontier/config"
	"github.com/shaharia-lab/sessiontier/observability"
)

// app owns every long-lived handle of one command invocation.
type app struct {
	cfg     *config.Config
	logger  observability.Logger
	db      *sql.DB
	cache   io.Closer
	repo    *sessiontier.SessionRepository
	runner  *sessiontier.Runner
	service *sessiontier.SessionService
}

func newApp(ctx context.Context, cfg *config.Config, logOutput io.Writer) (*app, error) {
	logger, err := observability.NewLogger(observability.LogOptions{
		Backend: cfg.Log.Backend,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Output:  logOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	cache, err := a.openCache(ctx)
	if err != nil {
		return nil, err
	}

	dialect, err := sessiontier.ParseDialect(cfg.Durable.Driver)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.db, err = sessiontier.OpenDatabase(ctx, dialect, cfg.Durable.DSN, sessiontier.DBOptions{
		MaxOpenConns:    cfg.Durable.MaxOpenConns,
		MaxIdleConns:    cfg.Durable.MaxIdleConns,
		ConnMaxLifetime: cfg.Durable.ConnMaxLifetime,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	docs, err := sessiontier.NewSQLDocumentStore(ctx, a.db, dialect)
	if err != nil {
		a.Close()
		return nil, err
	}
	queue, err := sessiontier.NewSQLTaskQueue(ctx, a.db, dialect)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.repo = sessiontier.NewSessionRepository(cache, docs, logger)
	a.runner = sessiontier.NewRunner(queue, sessiontier.RunnerConfig{
		Workers:      cfg.Tasks.Workers,
		PollInterval: cfg.Tasks.PollInterval,
		Lease:        cfg.Tasks.Lease,
		TaskTimeout:  cfg.Tasks.TaskTimeout,
		MaxAttempts:  cfg.Tasks.MaxAttempts,
		BackoffBase:  cfg.Tasks.BackoffBase,
		BackoffMax:   cfg.Tasks.BackoffMax,
		ClaimRate:    cfg.Tasks.DispatchRate,
		ResultTTL:    cfg.Tasks.ResultTTL,
	}, logger)
	sessiontier.RegisterMigrationTasks(a.runner, a.repo)
	a.service = sessiontier.NewSessionService(a.repo, a.runner, logger)

	return a, nil
}

func (a *app) openCache(ctx context.Context) (sessiontier.CacheStore, error) {
	switch a.cfg.Cache.Backend {
	case "memory":
		a.logger.Warn("using in-process memory cache; cache state is lost when the command exits")
		return sessiontier.NewMemoryCacheStore(), nil
	default:
		client, err := sessiontier.NewRedisClient(ctx, &sessiontier.RedisOptions{
			Addr:         a.cfg.Cache.Addr,
			Password:     a.cfg.Cache.Password,
			DB:           a.cfg.Cache.DB,
			DialTimeout:  a.cfg.Cache.DialTimeout,
			ReadTimeout:  a.cfg.Cache.ReadTimeout,
			WriteTimeout: a.cfg.Cache.WriteTimeout,
			PoolSize:     a.cfg.Cache.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.Cache.Addr, err)
		}
		a.cache = client
		return sessiontier.NewRedisCacheStore(client), nil
	}
}

// Close releases the database and cache connections.
func (a *app) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	return errors.Join(errs...)
}
