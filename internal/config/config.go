// Package config builds the Kestrel configuration. Sources are applied in
// order: tier defaults, an optional YAML file named by KESTREL_CONFIG, then
// environment variables. A .env file in the working directory is loaded into
// the environment first, without overriding variables already set.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const configPathEnv = "KESTREL_CONFIG"

// Load reads configuration from defaults, the optional YAML file and the
// environment, and validates the result.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()

	cfg := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	if path := os.Getenv(configPathEnv); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the YAML file at path onto cfg. Keys absent from the
// file keep their current values.
func loadFile(path string, cfg *domain.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: cannot parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *domain.Config) {
	// Server
	cfg.Server.Host = getEnv("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("KESTREL_PORT", cfg.Server.Port)

	// Storage
	cfg.Repository.Driver = getEnv("DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	cfg.Cache.Type = getEnv("CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("REDIS_DB", cfg.Cache.RedisDB)

	cfg.EventBus.Type = getEnv("BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("NATS_TOKEN", cfg.EventBus.NATSToken)

	// Decision thresholds
	cfg.Decision.ConfidenceThreshold = getEnvFloat("CONFIDENCE_THRESHOLD", cfg.Decision.ConfidenceThreshold)
	cfg.Decision.SimilarityTopK = getEnvInt("SIMILARITY_TOP_K", cfg.Decision.SimilarityTopK)
	cfg.Decision.AnalysisDeadline = getEnvSeconds("ANALYSIS_DEADLINE_SECONDS", cfg.Decision.AnalysisDeadline)

	// Analysis providers
	p := &cfg.Providers
	p.HostedAPIKey = getEnv("HOSTED_API_KEY", p.HostedAPIKey)
	p.HostedAPIURL = getEnv("HOSTED_API_URL", p.HostedAPIURL)
	p.HostedModel = getEnv("HOSTED_MODEL", p.HostedModel)
	p.UseOnlineGateway = getEnvBool("USE_ONLINE_GATEWAY", p.UseOnlineGateway)
	p.OnlineGatewayURL = getEnv("ONLINE_GATEWAY_URL", p.OnlineGatewayURL)
	p.OnlineGatewayKey = getEnv("ONLINE_GATEWAY_KEY", p.OnlineGatewayKey)
	p.UseLocalDaemon = getEnvBool("USE_LOCAL_DAEMON", p.UseLocalDaemon)
	p.ForceLocalDaemon = getEnvBool("FORCE_LOCAL_DAEMON", p.ForceLocalDaemon)
	p.LocalModelName = getEnv("LOCAL_MODEL_NAME", p.LocalModelName)
	p.LocalDaemonURL = getEnv("LOCAL_DAEMON_URL", p.LocalDaemonURL)
	p.LocalCLIPath = getEnv("LOCAL_CLI_PATH", p.LocalCLIPath)
	p.PreferOnline = getEnvBool("PREFER_ONLINE", p.PreferOnline)
	p.MaxAttempts = getEnvInt("MAX_PROVIDER_ATTEMPTS", p.MaxAttempts)

	// Audit
	cfg.Audit.Sink = getEnv("AUDIT_SINK", cfg.Audit.Sink)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Audit.KafkaBrokers = splitList(brokers)
	}
	cfg.Audit.KafkaTopic = getEnv("KAFKA_AUDIT_TOPIC", cfg.Audit.KafkaTopic)

	// Workers
	cfg.Worker.DecideAsync = getEnvBool("KESTREL_ASYNC_WORKER", cfg.Worker.DecideAsync)
	cfg.Worker.PersistAudits = getEnvBool("KESTREL_PERSIST_AUDITS", cfg.Worker.PersistAudits)

	// Observability
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	if getEnvBool("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}

	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = endpoint
	}
	cfg.Tracing.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.Tracing.ServiceName)
}

// Validate rejects configurations the server cannot run with.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", cfg.Server.Port)
	}

	if t := cfg.Decision.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be within [0, 1], got %g", t)
	}
	if cfg.Decision.SimilarityTopK < 1 {
		return fmt.Errorf("SIMILARITY_TOP_K must be at least 1, got %d", cfg.Decision.SimilarityTopK)
	}
	if cfg.Decision.AnalysisDeadline <= 0 {
		return fmt.Errorf("ANALYSIS_DEADLINE_SECONDS must be positive")
	}
	if cfg.Providers.MaxAttempts < 1 {
		return fmt.Errorf("MAX_PROVIDER_ATTEMPTS must be at least 1, got %d", cfg.Providers.MaxAttempts)
	}
	if cfg.Providers.UseOnlineGateway && cfg.Providers.OnlineGatewayURL == "" {
		return fmt.Errorf("ONLINE_GATEWAY_URL is required when USE_ONLINE_GATEWAY is set")
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported repository driver %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type %q", cfg.EventBus.Type)
	}

	switch cfg.Audit.Sink {
	case "bus", "repository", "none", "":
	case "kafka":
		if len(cfg.Audit.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka audit sink")
		}
	default:
		return fmt.Errorf("unsupported audit sink %q", cfg.Audit.Sink)
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", cfg.Logging.Level)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
