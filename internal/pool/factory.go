package pool

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
)

// DriverFactory resolves the backing-store variant once per pool from the
// data source type.
type DriverFactory struct {
	log logger.Logger
}

// NewDriverFactory returns the factory used in production.
func NewDriverFactory(log logger.Logger) *DriverFactory {
	if log == nil {
		log = logger.NewNop()
	}
	return &DriverFactory{log: log}
}

// CreatePool opens and pings a pool for cfg.
func (f *DriverFactory) CreatePool(ctx context.Context, cfg domain.DataSourceConfig) (Handle, error) {
	kind, err := domain.ParseDataSourceType(cfg.Type)
	if err != nil {
		return nil, err
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("data source %d (%s) has no host", cfg.ID, cfg.Name)
	}

	f.log.Debug("opening pool",
		logger.Int64("data_source_id", cfg.ID),
		logger.String("kind", string(kind)),
		logger.String("addr", cfg.Address()))

	switch kind {
	case domain.DataSourcePostgres, domain.DataSourceMySQL:
		return openSQL(ctx, kind, cfg)
	case domain.DataSourceMongoDB:
		return openMongo(ctx, cfg)
	case domain.DataSourceRedis:
		return openRedis(ctx, cfg, f.log)
	default:
		return nil, fmt.Errorf("no pool variant for %q", kind)
	}
}

func intOption(cfg domain.DataSourceConfig, key string, def int) int {
	v, err := strconv.Atoi(cfg.Option(key, ""))
	if err != nil {
		return def
	}
	return v
}

func durationOption(cfg domain.DataSourceConfig, key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(cfg.Option(key, ""))
	if err != nil {
		return def
	}
	return d
}
