// Package app wires config into a ready-to-run outbox engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/outbox-engine/internal/config"
	"github.com/jmehdipour/outbox-engine/internal/db"
	"github.com/jmehdipour/outbox-engine/internal/handler"
	"github.com/jmehdipour/outbox-engine/internal/kafka"
	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/registry"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/jmehdipour/outbox-engine/internal/service/publisher"
	"github.com/jmehdipour/outbox-engine/internal/worker"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// App holds the engine components of one process.
type App struct {
	Config     config.Config
	Log        *zap.Logger
	InstanceID string

	DB         *sqlx.DB // nil with the memory driver
	Store      repository.OutboxRepository
	Audit      repository.AuditRepository // nil unless clickhouse is enabled
	Registry   *registry.Registry
	Publisher  *publisher.Publisher
	Dispatcher *worker.Dispatcher

	closers []func() error
}

// New connects to every enabled backend, registers the built-in handlers
// and builds a stopped dispatcher.
func New(cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{
		Config:     cfg,
		Log:        log,
		InstanceID: "dispatcher-" + uuid.NewString(),
	}

	sqlDB, err := OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	if sqlDB != nil {
		a.DB = sqlDB
		a.closers = append(a.closers, sqlDB.Close)
	}
	a.Store = NewStore(cfg, sqlDB, a.InstanceID)

	a.Registry = registry.New(log, registry.WithHandlerTimeout(cfg.Outbox.HandlerTimeout))
	if err := a.registerHandlers(); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Publisher = publisher.New(a.Store, cfg.Outbox.MaxRetries, log)
	a.Dispatcher = worker.NewDispatcher(a.Store, a.Registry, worker.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		Workers:      cfg.Outbox.Workers,
	}, log.Named("dispatcher"))

	return a, nil
}

// OpenDB opens the outbox database for the configured driver. The memory
// driver has no database and returns nil.
func OpenDB(cfg config.Config) (*sqlx.DB, error) {
	switch cfg.Store.Driver {
	case "mysql":
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.Opts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("mysql connect: %w", err)
		}
		return sqlDB, nil
	case "sqlite":
		sqlDB, err := db.NewSQLiteConnection(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		return sqlDB, nil
	case "memory":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// NewStore builds the outbox store on top of sqlDB. owner names this
// process when leasing is enabled.
func NewStore(cfg config.Config, sqlDB *sqlx.DB, owner string) repository.OutboxRepository {
	opts := []repository.Option{
		repository.WithLease(owner, cfg.Outbox.Lease),
		repository.WithBackoff(cfg.Outbox.RetryBackoff, cfg.Outbox.RetryBackoffMax),
	}
	switch cfg.Store.Driver {
	case "mysql":
		return repository.NewOutboxRepository(sqlDB, repository.DialectMySQL, opts...)
	case "sqlite":
		return repository.NewOutboxRepository(sqlDB, repository.DialectSQLite, opts...)
	default:
		return repository.NewMemoryOutboxRepository(opts...)
	}
}

func (a *App) registerHandlers() error {
	cfg := a.Config

	var marker handler.Marker
	if cfg.Redis.Enabled {
		rdb, err := db.NewRedisClient(context.Background(), db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
			OpTimeout:   cfg.Redis.OpTimeout,
			PoolSize:    cfg.Redis.PoolSize,
			ClientName:  a.InstanceID,
		})
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		marker = handler.NewRedisMarker(rdb)
	}

	register := func(names []string, handlerName string, h registry.Handler) {
		if marker != nil {
			h = handler.Idempotent(marker, handlerName, cfg.Redis.MarkerTTL, a.Log, h)
		}
		for _, name := range eventNames(names) {
			a.Registry.RegisterNamed(name, handlerName, h)
		}
		a.Log.Info("handler registered", zap.String("handler", handlerName), zap.Strings("event_names", eventNames(names)))
	}

	if cfg.ClickHouse.Enabled {
		ch, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.Opts{
			MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
			PingTimeout:     cfg.ClickHouse.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		a.closers = append(a.closers, ch.Close)
		a.Audit = repository.NewCHAuditRepository(ch)
		register(cfg.ClickHouse.EventNames, "clickhouse-audit", handler.NewAudit(a.Audit).Handle)
	}

	if cfg.Kafka.Enabled {
		p := kafka.NewProducerFromConfig(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		a.closers = append(a.closers, p.Close)
		register(cfg.Kafka.EventNames, "kafka-relay", handler.NewKafkaRelay(p).Handle)
	}

	for _, wc := range cfg.Webhooks {
		if !wc.Enabled {
			continue
		}
		wh := handler.NewWebhook(wc.Name, wc.URL, wc.Secret, wc.TimeoutMs, wc.Breaker.FailThreshold, wc.Breaker.OpenForMs)
		register(wc.EventNames, "webhook:"+wc.Name, wh.Handle)
	}

	return nil
}

func eventNames(configured []string) []string {
	if len(configured) == 0 {
		return model.EventNames
	}
	return configured
}

// Close releases every backend connection in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// ShutdownTimeout bounds how long serve and worker wait for the batch in
// flight when stopping.
const ShutdownTimeout = 30 * time.Second
