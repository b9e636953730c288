package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/flowplane/pkg/archive"
	"github.com/openfroyo/flowplane/pkg/executor"
	"github.com/openfroyo/flowplane/pkg/ingress"
	"github.com/openfroyo/flowplane/pkg/stores"
	"github.com/openfroyo/flowplane/pkg/telemetry"
	"github.com/openfroyo/flowplane/pkg/transports/ssh"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FLOWPLANE_"

// Config is the control-plane service configuration.
type Config struct {
	Store       stores.Config     `yaml:"store"`
	NATS        ingress.Config    `yaml:"nats"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Schemas     SchemasConfig     `yaml:"schemas"`
	Policies    PoliciesConfig    `yaml:"policies"`
	Expressions ExpressionsConfig `yaml:"expressions"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Archive     archive.Config    `yaml:"archive"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// ExecutorConfig configures the task executor gateways.
type ExecutorConfig struct {
	HTTP executor.HTTPConfig `yaml:"http"`
	GRPC executor.GRPCConfig `yaml:"grpc"`
	SSH  ssh.Config          `yaml:"ssh"`

	// Audit records every dispatch in the store.
	Audit bool `yaml:"audit"`
}

// SchemasConfig lists task schema files loaded on top of the built-ins.
type SchemasConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// PoliciesConfig configures Rego action admission.
type PoliciesConfig struct {
	Enabled bool     `yaml:"enabled"`
	Paths   []string `yaml:"paths"`
	Watch   bool     `yaml:"watch"`
}

// ExpressionsConfig bounds expression evaluation.
type ExpressionsConfig struct {
	Timeout  time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxSteps uint64        `yaml:"maxSteps"`
}

// SchedulerConfig sizes the event worker pool.
type SchedulerConfig struct {
	Workers   int `yaml:"workers" validate:"gte=1,lte=1024"`
	QueueSize int `yaml:"queueSize" validate:"gte=1"`
}

// CatalogConfig points at a task definition catalog file.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns a Config with local defaults: a SQLite store,
// NATS and the archive disabled.
func DefaultConfig() *Config {
	return &Config{
		Store: stores.Config{
			Driver:       stores.DriverSQLite,
			DSN:          "flowplane.db",
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
		NATS: ingress.Config{
			URL:                "nats://127.0.0.1:4222",
			Stream:             "FLOWPLANE_EVENTS",
			Subjects:           []string{"flowplane.events.>"},
			Durable:            "flowplane-control-plane",
			AckWait:            30 * time.Second,
			MaxDeliver:         5,
			FetchBatch:         32,
			PublishPrefix:      "flowplane.events",
			NotificationPrefix: "flowplane.notifications",
		},
		Executor: ExecutorConfig{
			HTTP:  executor.HTTPConfig{Timeout: 30 * time.Second},
			GRPC:  executor.GRPCConfig{Timeout: 30 * time.Second},
			SSH:   ssh.DefaultConfig(),
			Audit: true,
		},
		Policies: PoliciesConfig{Enabled: true},
		Expressions: ExpressionsConfig{
			Timeout:  time.Second,
			MaxSteps: 100000,
		},
		Scheduler: SchedulerConfig{
			Workers:   4,
			QueueSize: 64,
		},
		Archive: archive.Config{
			Bucket: "flowplane-events",
			UseSSL: true,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads a YAML config file over the defaults and applies environment
// overrides. An empty path loads the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envOverride struct {
	name  string
	apply func(c *Config, v string) error
}

var envOverrides = []envOverride{
	{"STORE_DRIVER", func(c *Config, v string) error { c.Store.Driver = v; return nil }},
	{"STORE_DSN", func(c *Config, v string) error { c.Store.DSN = v; return nil }},
	{"NATS_ENABLED", func(c *Config, v string) error { return setBool(&c.NATS.Enabled, v) }},
	{"NATS_URL", func(c *Config, v string) error { c.NATS.URL = v; return nil }},
	{"NATS_STREAM", func(c *Config, v string) error { c.NATS.Stream = v; return nil }},
	{"NATS_DURABLE", func(c *Config, v string) error { c.NATS.Durable = v; return nil }},
	{"EXECUTOR_BASE_URL", func(c *Config, v string) error { c.Executor.HTTP.BaseURL = v; return nil }},
	{"EXECUTOR_AUTH_TOKEN", func(c *Config, v string) error { c.Executor.HTTP.AuthToken = v; return nil }},
	{"EXECUTOR_GRPC_TARGET", func(c *Config, v string) error { c.Executor.GRPC.Target = v; return nil }},
	{"SSH_ENABLED", func(c *Config, v string) error { return setBool(&c.Executor.SSH.Enabled, v) }},
	{"SSH_USER", func(c *Config, v string) error { c.Executor.SSH.User = v; return nil }},
	{"SSH_KEY_PATH", func(c *Config, v string) error { c.Executor.SSH.PrivateKeyPath = v; return nil }},
	{"SCHEMA_PATHS", func(c *Config, v string) error { c.Schemas.Paths = splitList(v); return nil }},
	{"POLICY_PATHS", func(c *Config, v string) error { c.Policies.Paths = splitList(v); return nil }},
	{"SCHEDULER_WORKERS", func(c *Config, v string) error { return setInt(&c.Scheduler.Workers, v) }},
	{"ARCHIVE_ENABLED", func(c *Config, v string) error { return setBool(&c.Archive.Enabled, v) }},
	{"ARCHIVE_ENDPOINT", func(c *Config, v string) error { c.Archive.Endpoint = v; return nil }},
	{"ARCHIVE_BUCKET", func(c *Config, v string) error { c.Archive.Bucket = v; return nil }},
	{"ARCHIVE_ACCESS_KEY", func(c *Config, v string) error { c.Archive.AccessKey = v; return nil }},
	{"ARCHIVE_SECRET_KEY", func(c *Config, v string) error { c.Archive.SecretKey = v; return nil }},
	{"CATALOG_PATH", func(c *Config, v string) error { c.Catalog.Path = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Telemetry.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Telemetry.Logging.Format = v; return nil }},
	{"METRICS_ADDR", func(c *Config, v string) error { c.Telemetry.Metrics.ListenAddress = v; return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
		return nil
	}},
}

// ApplyEnv applies FLOWPLANE_* overrides found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, o := range envOverrides {
		v, ok := lookup(EnvPrefix + o.name)
		if !ok {
			continue
		}
		if err := o.apply(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, o.name, err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Policies.Watch && len(c.Policies.Paths) == 0 {
		return fmt.Errorf("invalid configuration: policies.watch needs policies.paths")
	}
	if c.Schemas.Watch && len(c.Schemas.Paths) == 0 {
		return fmt.Errorf("invalid configuration: schemas.watch needs schemas.paths")
	}
	if err := c.Executor.SSH.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: executor.ssh: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
