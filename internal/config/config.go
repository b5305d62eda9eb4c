package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 5s
	RequestTimeout  time.Duration // per-request timeout of the ops surface (ex: 30s)

	LogLevel      string // "debug" | "info" | "warn" | "error"
	PrettyLog     bool   // true => zap dev (color), false => zap prod (JSON)
	LogFile       string // optional rotated log file
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// Definition source: either a YAML file or a SQL database, never both.
	DefinitionsFile   string // path to the definitions YAML file
	DefinitionsDriver string // "postgres" | "mysql"
	DefinitionsDSN    string // connection string for the definitions database

	// Reconciliation
	ReconcileInterval time.Duration // interval between passes (default: 30s)
	PageSize          int           // definitions fetched per page (default: 1000)
	MaxDefinitions    int           // hard cap of definitions per pass (default: 1000)
	LookupTimeout     time.Duration // per-service version lookup timeout (default: 5s)
	LookupConcurrency int           // parallel version lookups (default: 8)

	// Connection pools
	PoolSweepInterval time.Duration // interval of the defensive pool sweep (default: 1h)
	PoolCreateTimeout time.Duration // timeout for creating one pool (default: 10s)

	// Audit pipeline
	AuditWorkers   int           // worker goroutines (default: 2)
	AuditQueueSize int           // bounded queue capacity (default: 1024)
	AuditPolicy    string        // "caller-runs" | "block" | "drop-oldest"
	AuditMaxEvents int           // retained events (default: 10000)
	AuditStreamTTL time.Duration // TTL of events forwarded to redis (default: 168h)

	// Redis (optional, enables the durable audit sink)
	RedisAddr           string        // ex: "localhost:6379"
	RedisUser           string        // optional
	RedisPassword       string        // optional
	RedisDB             int           // Redis DB number
	RedisDT             time.Duration // Redis dial timeout (ex: 5s)
	RedisRT             time.Duration // Redis read timeout (ex: 3s)
	RedisWT             time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait        time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout    time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize       int           // Redis connection pool size
	RedisConnectTimeout time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold  int           // warn after this many attempts

	AllowedCIDRS        []string // optional, restrict /api access to specific IPs/CIDRs
	TrustProxy          bool     // true => trust X-Forwarded-For headers
	TriggerBurst        int      // burst of manual reconcile triggers per client
	TriggerRefillPerMin int      // refill rate of manual reconcile triggers per client
}

func Load() *Config {
	loadEnvFile(getenv("APIREG_ENV_FILE", ".env"))

	cfg := &Config{
		// Server settings
		ListenPort:      getenv("APIREG_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("APIREG_SHUTDOWN_TIMEOUT", 5*time.Second),
		RequestTimeout:  mustDuration("APIREG_REQUEST_TIMEOUT", 30*time.Second),

		// Logging
		LogLevel:      getenv("APIREG_LOG_LEVEL", "info"),
		PrettyLog:     mustBool("APIREG_PRETTY_LOG", false),
		LogFile:       getenv("APIREG_LOG_FILE", ""),
		LogMaxSizeMB:  getenvInt("APIREG_LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getenvInt("APIREG_LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getenvInt("APIREG_LOG_MAX_AGE_DAYS", 28),

		// Definition source
		DefinitionsFile:   getenv("APIREG_DEFINITIONS_FILE", ""),
		DefinitionsDriver: getenv("APIREG_DEFINITIONS_DRIVER", "postgres"),
		DefinitionsDSN:    getenv("APIREG_DEFINITIONS_DSN", ""),

		// Reconciliation
		ReconcileInterval: mustDuration("APIREG_RECONCILE_INTERVAL", 30*time.Second),
		PageSize:          getenvInt("APIREG_PAGE_SIZE", 1000),
		MaxDefinitions:    getenvInt("APIREG_MAX_DEFINITIONS", 1000),
		LookupTimeout:     mustDuration("APIREG_LOOKUP_TIMEOUT", 5*time.Second),
		LookupConcurrency: getenvInt("APIREG_LOOKUP_CONCURRENCY", 8),

		// Pools
		PoolSweepInterval: mustDuration("APIREG_POOL_SWEEP_INTERVAL", time.Hour),
		PoolCreateTimeout: mustDuration("APIREG_POOL_CREATE_TIMEOUT", 10*time.Second),

		// Audit
		AuditWorkers:   getenvInt("APIREG_AUDIT_WORKERS", 2),
		AuditQueueSize: getenvInt("APIREG_AUDIT_QUEUE_SIZE", 1024),
		AuditPolicy:    getenv("APIREG_AUDIT_POLICY", "caller-runs"),
		AuditMaxEvents: getenvInt("APIREG_AUDIT_MAX_EVENTS", 10000),
		AuditStreamTTL: mustDuration("APIREG_AUDIT_STREAM_TTL", 7*24*time.Hour),

		// Redis settings
		RedisAddr:           getenv("APIREG_REDIS_ADDR", ""),
		RedisUser:           getenv("APIREG_REDIS_USERNAME", ""),
		RedisPassword:       getenv("APIREG_REDIS_PASSWORD", ""),
		RedisDB:             getenvInt("APIREG_REDIS_DB", 0),
		RedisDT:             mustDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:             mustDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:             mustDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:        mustDuration("REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:    mustDuration("REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:       getenvInt("REDIS_POOL_SIZE", 10),
		RedisConnectTimeout: mustDuration("REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:  mustDuration("REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:  getenvInt("REDIS_WARN_THRESHOLD", 3),

		// Access restrictions
		AllowedCIDRS:        parseAllowedIPs(getenv("APIREG_ALLOWED_CIDRS", "")),
		TrustProxy:          mustBool("APIREG_TRUST_PROXY", false),
		TriggerBurst:        getenvInt("APIREG_TRIGGER_BURST", 5),
		TriggerRefillPerMin: getenvInt("APIREG_TRIGGER_REFILL_PER_MIN", 6),
	}

	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("❌ FATAL: %v", err))
	}

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		if cfg.DefinitionsDSN != "" {
			cfgCopy.DefinitionsDSN = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.DefinitionsFile == "" && c.DefinitionsDSN == "":
		return fmt.Errorf("one of APIREG_DEFINITIONS_FILE or APIREG_DEFINITIONS_DSN must be set")
	case c.DefinitionsFile != "" && c.DefinitionsDSN != "":
		return fmt.Errorf("APIREG_DEFINITIONS_FILE and APIREG_DEFINITIONS_DSN are mutually exclusive")
	}
	if c.DefinitionsDSN != "" && c.DefinitionsDriver != "postgres" && c.DefinitionsDriver != "mysql" {
		return fmt.Errorf("APIREG_DEFINITIONS_DRIVER must be postgres or mysql, got %q", c.DefinitionsDriver)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("APIREG_RECONCILE_INTERVAL must be > 0, got %v", c.ReconcileInterval)
	}
	if c.PoolSweepInterval <= 0 {
		return fmt.Errorf("APIREG_POOL_SWEEP_INTERVAL must be > 0, got %v", c.PoolSweepInterval)
	}
	if c.PageSize <= 0 || c.MaxDefinitions <= 0 {
		return fmt.Errorf("APIREG_PAGE_SIZE and APIREG_MAX_DEFINITIONS must be > 0")
	}
	switch c.AuditPolicy {
	case "caller-runs", "block", "drop-oldest":
	default:
		return fmt.Errorf("APIREG_AUDIT_POLICY must be caller-runs, block or drop-oldest, got %q", c.AuditPolicy)
	}
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from path without overriding variables
// already present in the environment. A missing file is not an error.
func loadEnvFile(path string) {
	if path == "" {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		log.Printf("[WARN] failed to load env file %s: %v", path, err)
	}
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
