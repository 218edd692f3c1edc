package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"subscan/internal/config"
	"subscan/internal/httpserver"
	"subscan/internal/repository"
	"subscan/internal/repository/memstore"
	"subscan/internal/service"
	"subscan/pkg/db"
	"subscan/pkg/mq"
	"subscan/pkg/outbox"
	redisclient "subscan/pkg/redis"
)

// OutboxStore is what the outbox dispatcher and the admin routes need.
type OutboxStore interface {
	outbox.Store
	httpserver.OutboxAdmin
}

// Backend is the selected persistence plus its health probe.
type Backend struct {
	Store  service.Store
	Outbox OutboxStore
	Ready  httpserver.ReadyFunc
	Pool   *pgxpool.Pool
}

func newBackend(cfg *config.Config, log *zap.Logger, c *closers) (*Backend, error) {
	if cfg.Store.Driver == config.StoreMemory {
		log.Warn("Using in-memory store, state is lost on restart")
		store := memstore.New()
		return &Backend{Store: store, Outbox: store}, nil
	}

	pool, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		return nil, fmt.Errorf("db initialization failed: %w", err)
	}
	c.add(pool.Close)

	if cfg.DB.AutoMigrate {
		if err := db.Migrate(pool); err != nil {
			return nil, err
		}
		log.Info("Database migrations applied")
	}

	return &Backend{
		Store:  repository.NewStore(pool, log),
		Outbox: outbox.NewRepository(pool),
		Ready:  pool.Ping,
		Pool:   pool,
	}, nil
}

// newRedis returns nil when Redis is not configured or unreachable; every
// Redis consumer treats nil as disabled.
func newRedis(cfg *config.Config, log *zap.Logger, c *closers) *redis.Client {
	if !cfg.Redis.Enabled() {
		return nil
	}
	rdb, err := redisclient.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, verdict cache and dedup disabled", zap.Error(err))
		return nil
	}
	c.add(func() { _ = rdb.Close() })
	return rdb
}

// logPublisher stands in for RabbitMQ when mq.url is empty.
type logPublisher struct {
	logger *zap.Logger
}

func (p logPublisher) PublishWithContext(_ context.Context, routingKey string, body json.RawMessage) error {
	p.logger.Info("Event published to log", zap.String("routing_key", routingKey), zap.ByteString("payload", body))
	return nil
}

func newPublisher(cfg *config.Config, log *zap.Logger, c *closers) (outbox.Publisher, error) {
	if cfg.MQ.URL == "" {
		return logPublisher{logger: log}, nil
	}
	pub, err := mq.NewPublisher(mq.Options{
		URL:       cfg.MQ.URL,
		Exchange:  cfg.MQ.Exchange,
		Heartbeat: cfg.MQ.Heartbeat,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init MQ publisher: %w", err)
	}
	c.add(pub.Close)
	return pub, nil
}

type closers struct {
	fns []func()
}

func (c *closers) add(fn func()) {
	c.fns = append(c.fns, fn)
}

// run closes in reverse order of registration.
func (c *closers) run() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}
