package pool

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultConnMaxIdleTime = 2 * time.Minute
)

type sqlHandle struct {
	kind domain.DataSourceType
	db   *sql.DB
}

func (h *sqlHandle) Kind() domain.DataSourceType    { return h.kind }
func (h *sqlHandle) Ping(ctx context.Context) error { return h.db.PingContext(ctx) }
func (h *sqlHandle) Close() error                   { return h.db.Close() }

func openSQL(ctx context.Context, kind domain.DataSourceType, cfg domain.DataSourceConfig) (Handle, error) {
	driver, dsn := sqlDSN(kind, cfg)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	configureSQL(db, cfg)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s %s: %w", driver, cfg.Address(), err)
	}
	return &sqlHandle{kind: kind, db: db}, nil
}

func configureSQL(db *sql.DB, cfg domain.DataSourceConfig) {
	db.SetMaxOpenConns(intOption(cfg, "max_open_conns", defaultMaxOpenConns))
	db.SetMaxIdleConns(intOption(cfg, "max_idle_conns", defaultMaxIdleConns))
	db.SetConnMaxLifetime(durationOption(cfg, "conn_max_lifetime", defaultConnMaxLifetime))
	db.SetConnMaxIdleTime(durationOption(cfg, "conn_max_idle_time", defaultConnMaxIdleTime))
}

// sqlDSN returns the driver name and connection string for cfg.
func sqlDSN(kind domain.DataSourceType, cfg domain.DataSourceConfig) (string, string) {
	if kind == domain.DataSourceMySQL {
		mc := mysql.NewConfig()
		mc.User = cfg.Username
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = cfg.Host + ":" + strconv.Itoa(portOr(cfg.Port, 3306))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Timeout = durationOption(cfg, "connect_timeout", 10*time.Second)
		return "mysql", mc.FormatDSN()
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   cfg.Host + ":" + strconv.Itoa(portOr(cfg.Port, 5432)),
		Path:   "/" + cfg.Database,
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}
	q := url.Values{}
	q.Set("sslmode", cfg.Option("sslmode", "disable"))
	q.Set("connect_timeout", strconv.Itoa(int(durationOption(cfg, "connect_timeout", 10*time.Second).Seconds())))
	u.RawQuery = q.Encode()
	return "postgres", u.String()
}

func portOr(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}
