package domain

import (
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" yaml:"server"`

	// Tier determines the default backing stores
	Tier Tier `json:"tier" yaml:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Cache      CacheConfig      `json:"cache" yaml:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" yaml:"event_bus"`

	// Decision pipeline
	Decision  DecisionConfig  `json:"decision" yaml:"decision"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Audit     AuditConfig     `json:"audit" yaml:"audit"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"readTimeout" yaml:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" yaml:"write_timeout"` // seconds
}

// DecisionConfig holds the orchestrator thresholds.
type DecisionConfig struct {
	// Final confidence below this marks the decision for review.
	ConfidenceThreshold float64 `json:"confidenceThreshold" yaml:"confidence_threshold"`

	// Number of patterns retrieved for an escalated analysis.
	SimilarityTopK int `json:"similarityTopK" yaml:"similarity_top_k"`

	// Overall budget for one escalated analysis.
	AnalysisDeadline time.Duration `json:"analysisDeadline" yaml:"analysis_deadline"`
}

// ProvidersConfig configures the analysis provider chain.
type ProvidersConfig struct {
	HostedAPIKey string `json:"-" yaml:"hosted_api_key"`
	HostedAPIURL string `json:"hostedApiUrl" yaml:"hosted_api_url"`
	HostedModel  string `json:"hostedModel" yaml:"hosted_model"`

	UseOnlineGateway bool   `json:"useOnlineGateway" yaml:"use_online_gateway"`
	OnlineGatewayURL string `json:"onlineGatewayUrl" yaml:"online_gateway_url"`
	OnlineGatewayKey string `json:"-" yaml:"online_gateway_key"`

	UseLocalDaemon   bool   `json:"useLocalDaemon" yaml:"use_local_daemon"`
	ForceLocalDaemon bool   `json:"forceLocalDaemon" yaml:"force_local_daemon"`
	LocalModelName   string `json:"localModelName" yaml:"local_model_name"`
	LocalDaemonURL   string `json:"localDaemonUrl" yaml:"local_daemon_url"`
	LocalCLIPath     string `json:"localCliPath" yaml:"local_cli_path"`

	// PreferOnline selects online-first ordering; false means local-first.
	PreferOnline bool `json:"preferOnline" yaml:"prefer_online"`

	// MaxAttempts bounds providers tried per call, synthetic fallback included.
	MaxAttempts int `json:"maxAttempts" yaml:"max_attempts"`

	// Per-provider call timeouts
	HostedTimeout  time.Duration `json:"hostedTimeout" yaml:"hosted_timeout"`
	GatewayTimeout time.Duration `json:"gatewayTimeout" yaml:"gateway_timeout"`
	DaemonTimeout  time.Duration `json:"daemonTimeout" yaml:"daemon_timeout"`
	CLITimeout     time.Duration `json:"cliTimeout" yaml:"cli_timeout"`
	ProbeTimeout   time.Duration `json:"probeTimeout" yaml:"probe_timeout"`
}

// AuditConfig selects where audit records go.
type AuditConfig struct {
	// Sink is "bus", "kafka", "repository" or "none"
	Sink string `json:"sink" yaml:"sink"`

	KafkaBrokers []string `json:"kafkaBrokers" yaml:"kafka_brokers"`
	KafkaTopic   string   `json:"kafkaTopic" yaml:"kafka_topic"`
}

// WorkerConfig selects the bus consumers started with the server.
type WorkerConfig struct {
	// DecideAsync decides transactions published on the ingest topic.
	DecideAsync bool `json:"decideAsync" yaml:"decide_async"`

	// PersistAudits stores audit records published by the bus sink.
	PersistAudits bool `json:"persistAudits" yaml:"persist_audits"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"serviceName" yaml:"service_name"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"` // OTLP gRPC host:port
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-memory cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 90,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Decision: DecisionConfig{
			ConfidenceThreshold: 0.7,
			SimilarityTopK:      5,
			AnalysisDeadline:    60 * time.Second,
		},
		Providers: ProvidersConfig{
			HostedAPIURL:   "https://api.openai.com/v1/chat/completions",
			HostedModel:    "gpt-4o-mini",
			LocalModelName: "llama3",
			LocalDaemonURL: "http://127.0.0.1:11434",
			PreferOnline:   true,
			MaxAttempts:    4,
			HostedTimeout:  30 * time.Second,
			GatewayTimeout: 30 * time.Second,
			DaemonTimeout:  15 * time.Second,
			CLITimeout:     30 * time.Second,
			ProbeTimeout:   3 * time.Second,
		},
		Audit: AuditConfig{
			Sink:       "bus",
			KafkaTopic: TopicDecisionAudit,
		},
		Worker: WorkerConfig{
			DecideAsync:   true,
			PersistAudits: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Audit.Sink = "repository"
	cfg.Worker.PersistAudits = false
	cfg.Tracing.Enabled = true
	return cfg
}
