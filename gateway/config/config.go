// Package config loads and validates the gateway configuration.
//
// Configuration is a YAML document with ${ENV} expansion. Every knob has a
// default so a minimal deployment only needs store connection details.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the root gateway configuration.
	Config struct {
		HTTP       HTTP       `yaml:"http"`
		Mongo      Mongo      `yaml:"mongo"`
		Redis      Redis      `yaml:"redis"`
		SQL        SQL        `yaml:"sql"`
		Worker     Worker     `yaml:"worker"`
		Scheduler  Scheduler  `yaml:"scheduler"`
		Retry      Retry      `yaml:"retry"`
		Dedup      Dedup      `yaml:"dedup"`
		Security   Security   `yaml:"security"`
		HTTPClient HTTPClient `yaml:"httpClient"`
		Memory     Memory     `yaml:"memory"`
	}

	// HTTP configures the operator API listener.
	HTTP struct {
		// Addr is the listen address for the operator API.
		Addr string `yaml:"addr"`
		// CORSOrigins lists allowed cross-origin hosts for the operator API.
		CORSOrigins []string `yaml:"corsOrigins"`
		// Debug enables the pprof and log-level endpoints.
		Debug bool `yaml:"debug"`
	}

	// Mongo configures the document store connection.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
		// TimeoutMs bounds individual store operations.
		TimeoutMs int `yaml:"timeoutMs"`
	}

	// Redis configures the partitioned-log backend and the change
	// notification bus.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// SQL configures the relational event source connection. Optional;
	// relational poll sources are skipped when no DSN is set.
	SQL struct {
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"maxOpenConns"`
	}

	// Worker configures event processing.
	Worker struct {
		// IntervalMs is the push-poller scan interval.
		IntervalMs int `yaml:"intervalMs"`
		// BatchSize is the maximum events claimed per scan.
		BatchSize int `yaml:"batchSize"`
		// MaxConcurrentBatches bounds parallel batch processing.
		MaxConcurrentBatches int `yaml:"maxConcurrentBatches"`
		// ProcessingTimeoutMs is the watchdog threshold for stuck work.
		ProcessingTimeoutMs int `yaml:"processingTimeoutMs"`
		// OrderingBuckets is the number of serial execution lanes events are
		// hashed into by (tenant, partition key).
		OrderingBuckets int `yaml:"orderingBuckets"`
		// BucketQueueSize bounds each lane's backlog before ingestion blocks.
		BucketQueueSize int `yaml:"bucketQueueSize"`
	}

	// Scheduler configures the delayed/recurring delivery engine.
	Scheduler struct {
		IntervalMs int `yaml:"intervalMs"`
		BatchSize  int `yaml:"batchSize"`
		// GraceHours is how long past due a PENDING entry may be before the
		// overdue cleanup cancels it.
		GraceHours int `yaml:"graceHours"`
	}

	// Retry configures the retry/DLQ worker.
	Retry struct {
		IntervalMs    int `yaml:"intervalMs"`
		BackoffBaseMs int `yaml:"backoffBaseMs"`
		BackoffCapMs  int `yaml:"backoffCapMs"`
	}

	// Dedup configures event fingerprint retention.
	Dedup struct {
		// TTL is how long fingerprints suppress duplicates.
		TTL time.Duration `yaml:"ttl"`
	}

	// Security configures outbound delivery policy.
	Security struct {
		EnforceHTTPS         bool `yaml:"enforceHttps"`
		BlockPrivateNetworks bool `yaml:"blockPrivateNetworks"`
	}

	// HTTPClient configures the outbound delivery client.
	HTTPClient struct {
		TimeoutMs    int `yaml:"timeoutMs"`
		MaxRedirects int `yaml:"maxRedirects"`
	}

	// Memory configures the heap watchdog.
	Memory struct {
		// HeapThresholdMB triggers a graceful restart request when exceeded.
		// Zero disables the watchdog.
		HeapThresholdMB int `yaml:"heapThresholdMB"`
		// GracefulShutdown drains in-flight work before exiting on threshold
		// breach; when false the process exits immediately.
		GracefulShutdown bool `yaml:"gracefulShutdown"`
	}
)

// Default returns the configuration with every knob at its documented
// default.
func Default() Config {
	return Config{
		HTTP: HTTP{
			Addr: ":8080",
		},
		Mongo: Mongo{
			URI:       "mongodb://localhost:27017",
			Database:  "sluice",
			TimeoutMs: 5000,
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Worker: Worker{
			IntervalMs:           1000,
			BatchSize:            50,
			MaxConcurrentBatches: 5,
			ProcessingTimeoutMs:  300000,
			OrderingBuckets:      32,
			BucketQueueSize:      64,
		},
		Scheduler: Scheduler{
			IntervalMs: 60000,
			BatchSize:  50,
			GraceHours: 24,
		},
		Retry: Retry{
			IntervalMs:    30000,
			BackoffBaseMs: 5000,
			BackoffCapMs:  900000,
		},
		Dedup: Dedup{
			TTL: 6 * time.Hour,
		},
		Security: Security{
			EnforceHTTPS:         false,
			BlockPrivateNetworks: false,
		},
		HTTPClient: HTTPClient{
			TimeoutMs:    30000,
			MaxRedirects: 5,
		},
		Memory: Memory{
			HeapThresholdMB:  0,
			GracefulShutdown: true,
		},
	}
}

// Load reads the YAML file at path, expands ${ENV} references and overlays
// the result on the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Mongo.URI == "" {
		return errors.New("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return errors.New("mongo.database is required")
	}
	positive := map[string]int{
		"worker.intervalMs":           c.Worker.IntervalMs,
		"worker.batchSize":            c.Worker.BatchSize,
		"worker.maxConcurrentBatches": c.Worker.MaxConcurrentBatches,
		"worker.processingTimeoutMs":  c.Worker.ProcessingTimeoutMs,
		"worker.orderingBuckets":      c.Worker.OrderingBuckets,
		"worker.bucketQueueSize":      c.Worker.BucketQueueSize,
		"scheduler.intervalMs":        c.Scheduler.IntervalMs,
		"scheduler.batchSize":         c.Scheduler.BatchSize,
		"retry.intervalMs":            c.Retry.IntervalMs,
		"retry.backoffBaseMs":         c.Retry.BackoffBaseMs,
		"retry.backoffCapMs":          c.Retry.BackoffCapMs,
		"httpClient.timeoutMs":        c.HTTPClient.TimeoutMs,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.Scheduler.GraceHours < 0 {
		return errors.New("scheduler.graceHours must be >= 0")
	}
	if c.Retry.BackoffCapMs < c.Retry.BackoffBaseMs {
		return errors.New("retry.backoffCapMs must be >= retry.backoffBaseMs")
	}
	if c.HTTPClient.MaxRedirects < 0 {
		return errors.New("httpClient.maxRedirects must be >= 0")
	}
	if c.Dedup.TTL <= 0 {
		return errors.New("dedup.ttl must be > 0")
	}
	return nil
}

// WorkerInterval returns worker.intervalMs as a duration.
func (c *Config) WorkerInterval() time.Duration {
	return time.Duration(c.Worker.IntervalMs) * time.Millisecond
}

// ProcessingTimeout returns worker.processingTimeoutMs as a duration.
func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.Worker.ProcessingTimeoutMs) * time.Millisecond
}

// SchedulerInterval returns scheduler.intervalMs as a duration.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMs) * time.Millisecond
}

// RetryInterval returns retry.intervalMs as a duration.
func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Retry.IntervalMs) * time.Millisecond
}

// BackoffBase returns retry.backoffBaseMs as a duration.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns retry.backoffCapMs as a duration.
func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.Retry.BackoffCapMs) * time.Millisecond
}

// ClientTimeout returns httpClient.timeoutMs as a duration.
func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.HTTPClient.TimeoutMs) * time.Millisecond
}

// MongoTimeout returns mongo.timeoutMs as a duration.
func (c *Config) MongoTimeout() time.Duration {
	return time.Duration(c.Mongo.TimeoutMs) * time.Millisecond
}
