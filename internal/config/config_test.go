package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.BootstrapServers)
	assert.Equal(t, "http://localhost:8081", cfg.Registry.URL)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Setup)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Loading)
	assert.Equal(t, uint32(5), cfg.Breaker.MaxFailures)
	assert.Equal(t, 20, cfg.Consumer.CommitBatchSize)
	assert.Equal(t, 256, cfg.Producer.QueueSize)
	assert.Equal(t, 4, cfg.Scenario.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxRestarts)
	assert.Equal(t, "manifest.yaml", cfg.Storage.ManifestKey)
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	doc := `
listen-addr: ":9090"
log-level: debug
kafka:
  bootstrap-servers:
    - broker-a:9092
    - broker-b:9092
timeouts:
  loading: 45s
scenario:
  workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"broker-a:9092", "broker-b:9092"}, cfg.Kafka.BootstrapServers)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Loading)
	assert.Equal(t, 8, cfg.Scenario.Workers)
	// untouched keys keep their defaults
	assert.Equal(t, "http://localhost:8081", cfg.Registry.URL)
}

func TestLoadEnvironmentWinsOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harness.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log-level: debug\n"), 0o644))

	t.Setenv("HARNESS_LOG__LEVEL", "warn")
	t.Setenv("HARNESS_TIMEOUTS_SETUP", "7s")
	t.Setenv("HARNESS_VAULT_FUNCTION__URL", "https://vault.example/issue")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 7*time.Second, cfg.Timeouts.Setup)
	assert.Equal(t, "https://vault.example/issue", cfg.Vault.FunctionURL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HARNESS_LOG__LEVEL", "shouting")
	_, err := Load("")
	assert.ErrorContains(t, err, "validate config")

	t.Setenv("HARNESS_LOG__LEVEL", "info")
	t.Setenv("HARNESS_SCHEMA__REGISTRY_URL", "not a url")
	_, err = Load("")
	assert.ErrorContains(t, err, "validate config")
}
