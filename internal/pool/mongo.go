package pool

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

const mongoDisconnectTimeout = 5 * time.Second

type mongoHandle struct {
	client *mongo.Client
}

func (h *mongoHandle) Kind() domain.DataSourceType { return domain.DataSourceMongoDB }

func (h *mongoHandle) Ping(ctx context.Context) error {
	return h.client.Ping(ctx, readpref.Primary())
}

func (h *mongoHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	defer cancel()
	return h.client.Disconnect(ctx)
}

func openMongo(ctx context.Context, cfg domain.DataSourceConfig) (Handle, error) {
	opts := options.Client().
		ApplyURI(mongoURI(cfg)).
		SetMaxPoolSize(poolSizeOption(cfg, "max_pool_size", 20)).
		SetMinPoolSize(poolSizeOption(cfg, "min_pool_size", 0)).
		SetConnectTimeout(durationOption(cfg, "connect_timeout", 10*time.Second)).
		SetServerSelectionTimeout(durationOption(cfg, "server_selection_timeout", 10*time.Second)).
		SetAppName(cfg.Option("app_name", "apiregistry"))

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb %s: %w", cfg.Address(), err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb %s: %w", cfg.Address(), err)
	}
	return &mongoHandle{client: client}, nil
}

// poolSizeOption reads a non-negative pool bound, falling back to def.
func poolSizeOption(cfg domain.DataSourceConfig, key string, def int) uint64 {
	n := intOption(cfg, key, def)
	if n < 0 {
		n = def
	}
	return uint64(n)
}

func mongoURI(cfg domain.DataSourceConfig) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   cfg.Host + ":" + strconv.Itoa(portOr(cfg.Port, 27017)),
		Path:   "/",
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	if src := cfg.Option("auth_source", ""); src != "" {
		q.Set("authSource", src)
	}
	if rs := cfg.Option("replica_set", ""); rs != "" {
		q.Set("replicaSet", rs)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
