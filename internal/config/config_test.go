package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.TierCommunity, cfg.Tier)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.InDelta(t, 0.7, cfg.Decision.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 5, cfg.Decision.SimilarityTopK)
	assert.Equal(t, 60*time.Second, cfg.Decision.AnalysisDeadline)
	assert.Equal(t, 4, cfg.Providers.MaxAttempts)
	assert.True(t, cfg.Providers.PreferOnline)
}

func TestLoad_ProTier(t *testing.T) {
	t.Setenv("KESTREL_TIER", "pro")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, domain.TierPro, cfg.Tier)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats", cfg.EventBus.Type)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HOSTED_API_KEY", "sk-test-123")
	t.Setenv("USE_LOCAL_DAEMON", "true")
	t.Setenv("PREFER_ONLINE", "false")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.85")
	t.Setenv("SIMILARITY_TOP_K", "3")
	t.Setenv("ANALYSIS_DEADLINE_SECONDS", "12.5")
	t.Setenv("MAX_PROVIDER_ATTEMPTS", "2")
	t.Setenv("AUDIT_SINK", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("KESTREL_DEBUG", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-test-123", cfg.Providers.HostedAPIKey)
	assert.True(t, cfg.Providers.UseLocalDaemon)
	assert.False(t, cfg.Providers.PreferOnline)
	assert.InDelta(t, 0.85, cfg.Decision.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Decision.SimilarityTopK)
	assert.Equal(t, 12500*time.Millisecond, cfg.Decision.AnalysisDeadline)
	assert.Equal(t, 2, cfg.Providers.MaxAttempts)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Audit.KafkaBrokers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
}

func TestLoad_IgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("SIMILARITY_TOP_K", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Decision.SimilarityTopK)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
decision:
  confidence_threshold: 0.6
  analysis_deadline: 45s
providers:
  local_model_name: mistral
  prefer_online: false
`), 0o600))

	t.Setenv(configPathEnv, path)
	t.Setenv("LOCAL_MODEL_NAME", "phi3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.InDelta(t, 0.6, cfg.Decision.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 45*time.Second, cfg.Decision.AnalysisDeadline)
	assert.False(t, cfg.Providers.PreferOnline)
	// Environment wins over the file.
	assert.Equal(t, "phi3", cfg.Providers.LocalModelName)
	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Decision.SimilarityTopK)
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("missing", func(t *testing.T) {
		t.Setenv(configPathEnv, filepath.Join(t.TempDir(), "absent.yaml"))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
		t.Setenv(configPathEnv, path)
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*domain.Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*domain.Config) {}},
		{name: "zero threshold", mutate: func(c *domain.Config) { c.Decision.ConfidenceThreshold = 0 }},
		{name: "threshold above one", mutate: func(c *domain.Config) { c.Decision.ConfidenceThreshold = 1.5 }, wantErr: "CONFIDENCE_THRESHOLD"},
		{name: "negative threshold", mutate: func(c *domain.Config) { c.Decision.ConfidenceThreshold = -0.1 }, wantErr: "CONFIDENCE_THRESHOLD"},
		{name: "zero top k", mutate: func(c *domain.Config) { c.Decision.SimilarityTopK = 0 }, wantErr: "SIMILARITY_TOP_K"},
		{name: "zero deadline", mutate: func(c *domain.Config) { c.Decision.AnalysisDeadline = 0 }, wantErr: "ANALYSIS_DEADLINE_SECONDS"},
		{name: "zero attempts", mutate: func(c *domain.Config) { c.Providers.MaxAttempts = 0 }, wantErr: "MAX_PROVIDER_ATTEMPTS"},
		{name: "gateway without url", mutate: func(c *domain.Config) { c.Providers.UseOnlineGateway = true }, wantErr: "ONLINE_GATEWAY_URL"},
		{name: "bad driver", mutate: func(c *domain.Config) { c.Repository.Driver = "mysql" }, wantErr: "repository driver"},
		{name: "bad cache", mutate: func(c *domain.Config) { c.Cache.Type = "memcached" }, wantErr: "cache type"},
		{name: "bad bus", mutate: func(c *domain.Config) { c.EventBus.Type = "kafka" }, wantErr: "event bus type"},
		{name: "kafka sink without brokers", mutate: func(c *domain.Config) { c.Audit.Sink = "kafka" }, wantErr: "KAFKA_BROKERS"},
		{name: "bad sink", mutate: func(c *domain.Config) { c.Audit.Sink = "s3" }, wantErr: "audit sink"},
		{name: "bad log level", mutate: func(c *domain.Config) { c.Logging.Level = "verbose" }, wantErr: "log level"},
		{name: "bad port", mutate: func(c *domain.Config) { c.Server.Port = 70000 }, wantErr: "port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := domain.DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
