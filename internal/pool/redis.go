package pool

import (
	"context"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/redis"
)

type redisHandle struct {
	client *goredis.Client
}

func (h *redisHandle) Kind() domain.DataSourceType    { return domain.DataSourceRedis }
func (h *redisHandle) Ping(ctx context.Context) error { return h.client.Ping(ctx).Err() }
func (h *redisHandle) Close() error                   { return h.client.Close() }

func openRedis(ctx context.Context, cfg domain.DataSourceConfig, log logger.Logger) (Handle, error) {
	db, err := strconv.Atoi(cfg.Option("db", cfg.Database))
	if err != nil {
		db = 0
	}

	opts := redis.Options(cfg.Host+":"+strconv.Itoa(portOr(cfg.Port, 6379)), cfg.Username, cfg.Password, db)
	opts.PoolSize = intOption(cfg, "pool_size", opts.PoolSize)
	opts.ConnectTimeout = durationOption(cfg, "connect_timeout", opts.ConnectTimeout)

	client, err := redis.New(ctx, opts, log.With(logger.Int64("data_source_id", cfg.ID)))
	if err != nil {
		return nil, err
	}
	return &redisHandle{client: client}, nil
}
