// Package redis builds go-redis clients that are known to be reachable.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/MrSnakeDoc/apiregistry/internal/logger"
)

// ConnectOptions defines the client settings and the connect retry policy.
type ConnectOptions struct {
	Addr         string // ex: "localhost:6379"
	User         string // optional
	Password     string // optional
	RedisDB      int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int

	ConnectTimeout time.Duration // total budget for all attempts (ex: 30s)
	RetryInterval  time.Duration // first backoff, doubled per attempt (ex: 2s)
	MaxWait        time.Duration // backoff cap (ex: 10s)
	PingTimeout    time.Duration // budget of one ping (ex: 2s)
	WarnThreshold  int           // attempts logged at warn before switching to error
}

// Options returns ConnectOptions with retry defaults for callers that only
// know where the server is.
func Options(addr, user, password string, db int) ConnectOptions {
	return ConnectOptions{
		Addr:           addr,
		User:           user,
		Password:       password,
		RedisDB:        db,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
		PoolSize:       10,
		ConnectTimeout: 10 * time.Second,
		RetryInterval:  500 * time.Millisecond,
		MaxWait:        5 * time.Second,
		PingTimeout:    2 * time.Second,
		WarnThreshold:  3,
	}
}

// Validate reports every invalid retry setting at once.
func (o ConnectOptions) Validate() error {
	var errs error
	if o.ConnectTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("ConnectTimeout must be > 0, got %v", o.ConnectTimeout))
	}
	if o.RetryInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("RetryInterval must be > 0, got %v", o.RetryInterval))
	}
	if o.MaxWait <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("MaxWait must be > 0, got %v", o.MaxWait))
	}
	if o.PingTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("PingTimeout must be > 0, got %v", o.PingTimeout))
	}
	if o.WarnThreshold < 0 {
		errs = multierr.Append(errs, fmt.Errorf("WarnThreshold must be >= 0, got %d", o.WarnThreshold))
	}
	return errs
}

// New creates a client and pings it with exponential backoff until
// ConnectTimeout elapses or ctx is cancelled. The client is closed on failure.
func New(ctx context.Context, opts ConnectOptions, log logger.Logger) (*redis.Client, error) {
	if err := opts.Validate(); err != nil {
		log.Error("invalid redis connect options", logger.Error(err))
		return nil, fmt.Errorf("invalid redis connect options: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.User,
		Password:     opts.Password,
		DB:           opts.RedisDB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
	})

	d := dialer{client: client, opts: opts, log: log.With(logger.String("addr", opts.Addr))}
	if err := d.waitReady(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

type dialer struct {
	client *redis.Client
	opts   ConnectOptions
	log    logger.Logger
}

func (d dialer) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.PingTimeout)
	defer cancel()
	return d.client.Ping(ctx).Err()
}

func (d dialer) waitReady(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, d.opts.ConnectTimeout)
	defer cancel()

	d.log.Info("connecting to redis", logger.Duration("timeout", d.opts.ConnectTimeout))
	start := time.Now()
	wait := d.opts.RetryInterval

	for attempt := 1; ; attempt++ {
		err := d.ping(ctx)
		if err == nil {
			if attempt > 1 {
				d.log.Warn("connected to redis after retry",
					logger.Int("attempts", attempt),
					logger.Duration("elapsed", time.Since(start)))
			} else {
				d.log.Info("connected to redis")
			}
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.log.Error("redis unavailable, giving up",
				logger.Int("attempts", attempt),
				logger.Duration("timeout", d.opts.ConnectTimeout),
				logger.Error(err))
			return fmt.Errorf("redis unavailable at %s after %d attempts (timeout: %v): %w",
				d.opts.Addr, attempt, d.opts.ConnectTimeout, err)
		case <-timer.C:
		}

		d.logRetry(attempt, timeLeft(ctx), wait, err)
		wait = min(wait*2, d.opts.MaxWait)
	}
}

func (d dialer) logRetry(attempt int, remaining, waited time.Duration, err error) {
	fields := []logger.Field{
		logger.Int("attempt", attempt),
		logger.Duration("waited", waited),
		logger.Duration("remaining", remaining),
		logger.Error(err),
	}
	if attempt <= d.opts.WarnThreshold && remaining >= 10*time.Second {
		d.log.Warn("redis connection failed, retrying", fields...)
		return
	}
	d.log.Error("redis still unavailable, retrying", fields...)
}

func timeLeft(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(deadline)
}
