package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "codepair.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CODEPAIR_PORT")
	setString(&cfg.Server.CORSOrigin, "CODEPAIR_CORS_ORIGIN")
	setInt64(&cfg.Server.MaxRequestBodySize, "CODEPAIR_MAX_BODY_SIZE")
	setFloat(&cfg.Server.RateLimitRPS, "CODEPAIR_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "CODEPAIR_RATE_LIMIT_BURST")
	setDuration(&cfg.Server.IdempotencyTTL, "CODEPAIR_IDEMPOTENCY_TTL")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CODEPAIR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CODEPAIR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CODEPAIR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CODEPAIR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CODEPAIR_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CODEPAIR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CODEPAIR_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CODEPAIR_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "CODEPAIR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CODEPAIR_BREAKER_TIMEOUT")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "CODEPAIR_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "CODEPAIR_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "CODEPAIR_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "CODEPAIR_CACHE_L2_TTL")

	// Collaboration
	setInt(&cfg.Collaboration.DefaultMaxParticipants, "CODEPAIR_MAX_PARTICIPANTS")
	setDuration(&cfg.Collaboration.DefaultTimeout, "CODEPAIR_SESSION_TIMEOUT")
	setDuration(&cfg.Collaboration.ConflictWindow, "CODEPAIR_CONFLICT_WINDOW")
	setDuration(&cfg.Collaboration.ContextConflictWindow, "CODEPAIR_CONTEXT_CONFLICT_WINDOW")
	setDuration(&cfg.Collaboration.RecentChangeWindow, "CODEPAIR_RECENT_CHANGE_WINDOW")
	setInt(&cfg.Collaboration.HistoryLimit, "CODEPAIR_HISTORY_LIMIT")
	setDuration(&cfg.Collaboration.SyncFrequency, "CODEPAIR_SYNC_FREQUENCY")
	setDuration(&cfg.Collaboration.HandoffTTL, "CODEPAIR_HANDOFF_TTL")
	setDuration(&cfg.Collaboration.CompletedRetention, "CODEPAIR_COMPLETED_RETENTION")

	// Recording
	setString(&cfg.Recording.Backend, "CODEPAIR_RECORDING_BACKEND")
	setString(&cfg.Recording.Dir, "CODEPAIR_RECORDING_DIR")
	setDuration(&cfg.Recording.MaxDuration, "CODEPAIR_RECORDING_MAX_DURATION")
	setInt(&cfg.Recording.MaxEvents, "CODEPAIR_RECORDING_MAX_EVENTS")
	setBool(&cfg.Recording.FilterSensitive, "CODEPAIR_RECORDING_FILTER_SENSITIVE")

	// Telemetry
	setBool(&cfg.Otel.Enabled, "CODEPAIR_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Otel.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.Otel.Insecure, "CODEPAIR_OTEL_INSECURE")

	// MCP
	setBool(&cfg.MCP.Enabled, "CODEPAIR_MCP_ENABLED")
	setString(&cfg.MCP.Addr, "CODEPAIR_MCP_ADDR")
	setString(&cfg.MCP.APIKey, "CODEPAIR_MCP_API_KEY")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Server.RateLimitRPS > 0 && cfg.Server.RateLimitBurst < 1 {
		return errors.New("server.rate_limit_burst must be >= 1 when rate limiting is enabled")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Collaboration.DefaultMaxParticipants < 1 {
		return errors.New("collaboration.default_max_participants must be >= 1")
	}
	if cfg.Collaboration.HistoryLimit < 1 {
		return errors.New("collaboration.history_limit must be >= 1")
	}
	if cfg.Collaboration.ConflictWindow <= 0 {
		return errors.New("collaboration.conflict_window must be > 0")
	}
	if cfg.Collaboration.ContextConflictWindow <= 0 {
		return errors.New("collaboration.context_conflict_window must be > 0")
	}
	if cfg.Recording.MaxEvents < 1 {
		return errors.New("recording.max_events must be >= 1")
	}
	switch cfg.Recording.Backend {
	case "file":
		if cfg.Recording.Dir == "" {
			return errors.New("recording.dir is required for the file backend")
		}
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for the postgres backend")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "memory":
	default:
		return fmt.Errorf("recording.backend %q is not one of file, postgres, memory", cfg.Recording.Backend)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
