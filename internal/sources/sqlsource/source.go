// Package sqlsource serves endpoint definitions from a relational definition
// store (PostgreSQL or MySQL).
package sqlsource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/MrSnakeDoc/apiregistry/internal/domain"
)

const (
	// StatusPublished is the api_service.status value of routable services.
	StatusPublished = "PUBLISHED"

	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5 * time.Minute
)

const (
	listPublishedQuery = `SELECT id, name, path, method, data_source_id, sql_content, description, created_by, created_at, updated_at
FROM api_service
WHERE status = ?
ORDER BY id
LIMIT ? OFFSET ?`

	activeVersionQuery = `SELECT version, is_active, sql_content, data_source_id, updated_at
FROM api_service_version
WHERE service_id = ? AND is_active = ?
ORDER BY updated_at DESC
LIMIT 1`

	dataSourceQuery = `SELECT id, name, type, host, port, database_name, username, password, options
FROM data_source
WHERE id = ?`
)

// Source implements sources.DefinitionSource over database/sql.
type Source struct {
	db     *sql.DB
	driver string
}

// Open connects to the definition store and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*Source, error) {
	if driver == "mysql" {
		// Timestamps must arrive as time.Time.
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		cfg.ParseTime = true
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open definitions database: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping definitions database: %w", err)
	}

	return New(db, driver), nil
}

// New wraps an existing connection. driver selects the placeholder style.
func New(db *sql.DB, driver string) *Source {
	return &Source{db: db, driver: driver}
}

// Close releases the underlying connection pool.
func (s *Source) Close() error {
	return s.db.Close()
}

// ListPublished returns one page of published definitions ordered by id.
func (s *Source) ListPublished(ctx context.Context, page, pageSize int) ([]domain.Definition, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		return []domain.Definition{}, nil
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(listPublishedQuery),
		StatusPublished, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list published services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	defs := make([]domain.Definition, 0, pageSize)
	for rows.Next() {
		var (
			def                         domain.Definition
			dataSourceID                sql.NullInt64
			sqlContent, desc, createdBy sql.NullString
			createdAt, updatedAt        sql.NullTime
		)
		if err := rows.Scan(&def.ServiceID, &def.Name, &def.Path, &def.Method, &dataSourceID,
			&sqlContent, &desc, &createdBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan service row: %w", err)
		}
		def.Method = domain.NormalizeMethod(def.Method)
		def.DataSourceID = dataSourceID.Int64
		def.SQLContent = sqlContent.String
		def.Description = desc.String
		def.CreatedBy = createdBy.String
		def.CreatedAt = createdAt.Time
		def.UpdatedAt = updatedAt.Time
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate service rows: %w", err)
	}

	return defs, nil
}

// GetActiveVersion returns the most recently updated active version, or nil.
func (s *Source) GetActiveVersion(ctx context.Context, serviceID int64) (*domain.Version, error) {
	var (
		v            domain.Version
		sqlContent   sql.NullString
		dataSourceID sql.NullInt64
		updatedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, s.rebind(activeVersionQuery), serviceID, true).
		Scan(&v.Version, &v.IsActive, &sqlContent, &dataSourceID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active version of service %d: %w", serviceID, err)
	}

	v.SQLContent = sqlContent.String
	v.DataSourceID = dataSourceID.Int64
	v.UpdatedAt = updatedAt.Time
	return &v, nil
}

// GetDataSourceConfig returns the configuration of a data source, or nil.
func (s *Source) GetDataSourceConfig(ctx context.Context, dataSourceID int64) (*domain.DataSourceConfig, error) {
	var (
		cfg                domain.DataSourceConfig
		host, database     sql.NullString
		username, password sql.NullString
		port               sql.NullInt64
		options            []byte
	)
	err := s.db.QueryRowContext(ctx, s.rebind(dataSourceQuery), dataSourceID).
		Scan(&cfg.ID, &cfg.Name, &cfg.Type, &host, &port, &database, &username, &password, &options)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get data source %d: %w", dataSourceID, err)
	}

	cfg.Host = host.String
	cfg.Port = int(port.Int64)
	cfg.Database = database.String
	cfg.Username = username.String
	cfg.Password = password.String
	if len(options) > 0 {
		if err := json.Unmarshal(options, &cfg.Options); err != nil {
			return nil, fmt.Errorf("invalid options of data source %d: %w", dataSourceID, err)
		}
	}
	return &cfg, nil
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *Source) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
