// Package config loads the harness configuration, layered as
// built-in defaults -> optional YAML file -> HARNESS_* environment
// overrides -> process flags.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full runtime configuration.
type Config struct {
	ListenAddr string `koanf:"listen-addr" validate:"required"`
	LogLevel   string `koanf:"log-level" validate:"oneof=debug info warn error"`
	LogFormat  string `koanf:"log-format" validate:"oneof=json console"`

	Kafka    KafkaConfig    `koanf:"kafka"`
	Registry RegistryConfig `koanf:"schema-registry"`
	Vault    VaultConfig    `koanf:"vault"`
	Storage  StorageConfig  `koanf:"storage"`
	Timeouts TimeoutConfig  `koanf:"timeouts"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Consumer ConsumerConfig `koanf:"consumer"`
	Producer ProducerConfig `koanf:"producer"`
	Scenario ScenarioConfig `koanf:"scenario"`
	Queue    QueueConfig    `koanf:"queue"`
}

// KafkaConfig holds the default cluster; a TopicDirective may override it
// per topic.
type KafkaConfig struct {
	BootstrapServers []string `koanf:"bootstrap-servers"`
}

// RegistryConfig points at the Confluent Schema Registry.
type RegistryConfig struct {
	URL     string        `koanf:"url" validate:"required,url"`
	Timeout time.Duration `koanf:"timeout"`
	Retries int           `koanf:"retries" validate:"min=0"`
}

// VaultConfig points at the credential-issuing cloud function.
type VaultConfig struct {
	FunctionURL string        `koanf:"function-url" validate:"omitempty,url"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// StorageConfig configures the object-store side.
type StorageConfig struct {
	Region        string `koanf:"region"`
	ManifestKey   string `koanf:"manifest-key"`
	FeaturePrefix string `koanf:"feature-prefix"`
	StagingRoot   string `koanf:"staging-root"`
}

// TimeoutConfig carries the per-state poison-pill budgets and the shutdown
// grace period.
type TimeoutConfig struct {
	Setup     time.Duration `koanf:"setup"`
	Loading   time.Duration `koanf:"loading"`
	Completed time.Duration `koanf:"completed"`
	Exception time.Duration `koanf:"exception"`
	Shutdown  time.Duration `koanf:"shutdown"`
	Ask       time.Duration `koanf:"ask"`
}

// BreakerConfig configures the gateway circuit breaker.
type BreakerConfig struct {
	MaxFailures  uint32        `koanf:"max-failures"`
	CallTimeout  time.Duration `koanf:"call-timeout"`
	ResetTimeout time.Duration `koanf:"reset-timeout"`
}

// ConsumerConfig tunes the consumer streaming worker.
type ConsumerConfig struct {
	CommitBatchSize int           `koanf:"commit-batch-size"`
	CommitInterval  time.Duration `koanf:"commit-interval"`
	FetchWaitBudget time.Duration `koanf:"fetch-wait-budget"`
}

// ProducerConfig tunes the producer streaming worker.
type ProducerConfig struct {
	QueueSize    int           `koanf:"queue-size" validate:"min=1"`
	WriteTimeout time.Duration `koanf:"write-timeout"`
	AskTimeout   time.Duration `koanf:"ask-timeout"`
}

// ScenarioConfig tunes the BDD worker pool.
type ScenarioConfig struct {
	Workers int    `koanf:"workers" validate:"min=1"`
	Format  string `koanf:"format"`
}

// QueueConfig bounds FSM restarts under the coordinator.
type QueueConfig struct {
	MaxRestarts   int           `koanf:"max-restarts"`
	RestartWindow time.Duration `koanf:"restart-window"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen-addr": ":8080",
		"log-level":   "info",
		"log-format":  "json",

		"kafka.bootstrap-servers": []string{"localhost:9092"},

		"schema-registry.url":     "http://localhost:8081",
		"schema-registry.timeout": "10s",
		"schema-registry.retries": 2,

		"vault.function-url": "",
		"vault.timeout":      "15s",
		"vault.environment":  "local",

		"storage.region":         "eu-west-1",
		"storage.manifest-key":   "manifest.yaml",
		"storage.feature-prefix": "features/",
		"storage.staging-root":   "/staging",

		"timeouts.setup":     "30s",
		"timeouts.loading":   "120s",
		"timeouts.completed": "15s",
		"timeouts.exception": "15s",
		"timeouts.shutdown":  "10s",
		"timeouts.ask":       "5s",

		"breaker.max-failures":  5,
		"breaker.call-timeout":  "5s",
		"breaker.reset-timeout": "30s",

		"consumer.commit-batch-size": 20,
		"consumer.commit-interval":   "1s",
		"consumer.fetch-wait-budget": "30s",

		"producer.queue-size":    256,
		"producer.write-timeout": "10s",
		"producer.ask-timeout":   "10s",

		"scenario.workers": 4,
		"scenario.format":  "cucumber",

		"queue.max-restarts":   3,
		"queue.restart-window": "1m",
	}
}

// Load builds a Config. path may be empty, in which case only defaults and
// environment apply. Environment keys map HARNESS_TIMEOUTS_LOADING ->
// timeouts.loading; hyphens inside a key segment use double underscores
// (HARNESS_LISTEN__ADDR -> listen-addr).
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("HARNESS_", ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func envKey(s string) string {
	s = strings.TrimPrefix(s, "HARNESS_")
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "__", "-")
	return strings.ReplaceAll(s, "_", ".")
}
