package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/apiregistry/internal/audit"
	"github.com/MrSnakeDoc/apiregistry/internal/config"
	"github.com/MrSnakeDoc/apiregistry/internal/httpserver"
	"github.com/MrSnakeDoc/apiregistry/internal/httpserver/deps"
	"github.com/MrSnakeDoc/apiregistry/internal/index"
	"github.com/MrSnakeDoc/apiregistry/internal/logger"
	"github.com/MrSnakeDoc/apiregistry/internal/pool"
	"github.com/MrSnakeDoc/apiregistry/internal/redis"
	"github.com/MrSnakeDoc/apiregistry/internal/scheduler"
	"github.com/MrSnakeDoc/apiregistry/internal/sources"
	"github.com/MrSnakeDoc/apiregistry/internal/sources/file"
	"github.com/MrSnakeDoc/apiregistry/internal/sources/sqlsource"
	redisstore "github.com/MrSnakeDoc/apiregistry/internal/store/redis"
	"github.com/MrSnakeDoc/apiregistry/internal/version"
)

type App struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	sqlSource   *sqlsource.Source
	events      *audit.Pipeline
	pools       *pool.Manager
	reconciler  *scheduler.Reconciler
	sweeper     *scheduler.PoolSweeper
}

// poolOps exposes the manager to the ops surface, routing manual sweeps
// through the sweeper so they are logged like scheduled ones.
type poolOps struct {
	*pool.Manager
	sweeper *scheduler.PoolSweeper
}

func (p poolOps) Sweep() (bool, int) { return p.sweeper.Sweep() }

func New(ctx context.Context) (*App, error) {
	cfg := config.Load()

	loggerClient := logger.New(logger.Options{
		Level:      cfg.LogLevel,
		Pretty:     cfg.PrettyLog,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})

	a := &App{cfg: cfg, logger: loggerClient}

	source, err := a.openSource(ctx)
	if err != nil {
		return nil, err
	}

	// Redis is optional: it only backs the durable audit history.
	var (
		sink    audit.Sink
		history deps.EventHistory
	)
	if cfg.RedisAddr != "" {
		loggerClient.Infof("Connecting to Redis at %s", cfg.RedisAddr)
		client, err := redis.New(ctx, redis.ConnectOptions{
			Addr:           cfg.RedisAddr,
			User:           cfg.RedisUser,
			Password:       cfg.RedisPassword,
			RedisDB:        cfg.RedisDB,
			DialTimeout:    cfg.RedisDT,
			ReadTimeout:    cfg.RedisRT,
			WriteTimeout:   cfg.RedisWT,
			PoolSize:       cfg.RedisPoolSize,
			ConnectTimeout: cfg.RedisConnectTimeout,
			RetryInterval:  cfg.RedisRetryInterval,
			MaxWait:        cfg.RedisMaxWait,
			PingTimeout:    cfg.RedisPingTimeout,
			WarnThreshold:  cfg.RedisWarnThreshold,
		}, loggerClient)
		if err != nil {
			a.closeSource()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.redisClient = client
		store := redisstore.NewStore(client, cfg.AuditStreamTTL, cfg.AuditMaxEvents)
		sink, history = store, store
		loggerClient.Info("Redis initialized successfully, durable audit history enabled")
	} else {
		loggerClient.Info("redis not configured, audit events are kept in memory only")
	}

	policy, err := audit.ParsePolicy(cfg.AuditPolicy)
	if err != nil {
		a.closeSource()
		return nil, err
	}
	a.events = audit.NewPipeline(audit.Options{
		Workers:   cfg.AuditWorkers,
		QueueSize: cfg.AuditQueueSize,
		Policy:    policy,
		MaxEvents: cfg.AuditMaxEvents,
	}, sink, loggerClient)

	a.pools = pool.NewManager(
		pool.NewDriverFactory(loggerClient),
		source,
		a.events,
		loggerClient,
		cfg.PoolCreateTimeout,
	)

	a.reconciler = scheduler.NewReconciler(
		source,
		index.NewRegistry(),
		a.pools,
		a.events,
		loggerClient,
		scheduler.ReconcilerOptions{
			Interval:          cfg.ReconcileInterval,
			PageSize:          cfg.PageSize,
			MaxDefinitions:    cfg.MaxDefinitions,
			LookupTimeout:     cfg.LookupTimeout,
			LookupConcurrency: cfg.LookupConcurrency,
		},
	)

	a.sweeper = scheduler.NewPoolSweeper(a.pools, loggerClient, cfg.PoolSweepInterval)

	d := deps.Deps{
		Logger:              loggerClient,
		StartTime:           time.Now(),
		Version:             version.Version,
		Commit:              version.Commit,
		BuildDate:           version.BuildDate,
		GoVersion:           version.GoVersion,
		TimeNow:             time.Now,
		AllowedCIDRS:        cfg.AllowedCIDRS,
		TrustProxy:          cfg.TrustProxy,
		TriggerBurst:        cfg.TriggerBurst,
		TriggerRefillPerMin: cfg.TriggerRefillPerMin,
		Registry:            a.reconciler,
		Events:              a.events,
		History:             history,
		Pools:               poolOps{Manager: a.pools, sweeper: a.sweeper},
	}

	a.server = httpserver.New(cfg, loggerClient, d)
	return a, nil
}

func (a *App) openSource(ctx context.Context) (sources.DefinitionSource, error) {
	if a.cfg.DefinitionsFile != "" {
		a.logger.Info("reading definitions from file",
			logger.String("file", a.cfg.DefinitionsFile))
		return file.NewSource(a.cfg.DefinitionsFile), nil
	}

	a.logger.Info("reading definitions from database",
		logger.String("driver", a.cfg.DefinitionsDriver))
	src, err := sqlsource.Open(ctx, a.cfg.DefinitionsDriver, a.cfg.DefinitionsDSN)
	if err != nil {
		return nil, err
	}
	a.sqlSource = src
	return src, nil
}

func (a *App) closeSource() {
	if a.sqlSource == nil {
		return
	}
	if err := a.sqlSource.Close(); err != nil {
		a.logger.Warnf("failed to close definitions database: %v", err)
	}
}

func (a *App) Run() error {
	a.logger.Infof("🚀 Starting apiregistry v%s on %s", version.Version, a.cfg.ListenPort)
	a.logger.Infof("apiregistry %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// First pass runs synchronously; /readyz stays 503 until one succeeds.
	a.reconciler.Start(ctx)
	a.logger.Info("reconciler started",
		logger.Duration("interval", a.cfg.ReconcileInterval))

	a.sweeper.Start(ctx)
	a.logger.Info("pool sweeper started",
		logger.Duration("interval", a.cfg.PoolSweepInterval))

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("⏳ Shutting down gracefully...")
	case runErr = <-errCh:
		a.logger.Error("http server failed, shutting down", logger.Error(runErr))
	}

	return a.shutdown(runErr)
}

// shutdown stops producers before the things they write to: schedulers,
// then HTTP, then pools, then the audit queue and its sink.
func (a *App) shutdown(runErr error) error {
	a.reconciler.Stop()
	a.sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.server.Stop(shutdownCtx); err != nil {
		a.logger.Warnf("failed to stop server: %v", err)
	}

	if err := a.pools.ShutdownAll(); err != nil {
		a.logger.Warn("some connection pools failed to close", logger.Error(err))
	} else {
		a.logger.Info("✅ Connection pools closed")
	}

	if err := a.events.Shutdown(shutdownCtx); err != nil {
		a.logger.Warnf("audit queue did not drain: %v", err)
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warnf("failed to close redis: %v", err)
		} else {
			a.logger.Info("✅ Redis closed cleanly")
		}
	}

	a.closeSource()

	a.logger.Info("✅ apiregistry stopped cleanly")
	_ = a.logger.Sync()
	return runErr
}
