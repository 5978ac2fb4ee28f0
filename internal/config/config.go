// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ShaneHoughton/capstone2022/internal/harvest"
	"github.com/ShaneHoughton/capstone2022/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. MIRR_QUEUE_BACKEND.
const EnvPrefix = "MIRR"

// DotEnvFile is loaded from the working directory when present.
const DotEnvFile = ".env"

// Bare variables shared with the worker fleet's deployment scripts.
const (
	EnvWorkServerHostname = "WORK_SERVER_HOSTNAME"
	EnvWorkServerPort     = "WORK_SERVER_PORT"
	EnvAPIKey             = "API_KEY"
)

// ErrMissingEnv is returned when required variables are absent.
var ErrMissingEnv = errors.New("missing required environment variables")

// Backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
)

// Config captures all knobs of the three commands.
type Config struct {
	WorkServer WorkServerConfig `mapstructure:"work_server"`
	API        APIConfig        `mapstructure:"api"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Discovery  DiscoveryConfig  `mapstructure:"discovery"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	DB         DBConfig         `mapstructure:"db"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WorkServerConfig locates the work server (worker side) and sets its listen address.
type WorkServerConfig struct {
	Hostname       string        `mapstructure:"hostname"`
	Port           int           `mapstructure:"port"`
	Listen         string        `mapstructure:"listen"`
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// APIConfig configures access to regulations.gov and the request executor.
// RatePerHour throttles regulations.gov calls only; zero disables it.
type APIConfig struct {
	Key         string        `mapstructure:"key"`
	BaseURL     string        `mapstructure:"base_url"`
	PageSize    int           `mapstructure:"page_size"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	RatePerHour float64       `mapstructure:"rate_per_hour"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// WorkerConfig tunes the worker loop.
type WorkerConfig struct {
	IdleInterval time.Duration `mapstructure:"idle_interval"`
	IdentityFile string        `mapstructure:"identity_file"`
}

// DiscoveryConfig tunes the job generator.
type DiscoveryConfig struct {
	Schedule  string   `mapstructure:"schedule"`
	Endpoints []string `mapstructure:"endpoints"`
	RunNow    bool     `mapstructure:"run_now"`
}

// QueueConfig selects the queue store.
type QueueConfig struct {
	Backend string        `mapstructure:"backend"`
	Lease   time.Duration `mapstructure:"lease"`
}

// StorageConfig selects where results are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the result notification topic. An empty topic disables notices.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// MetricsConfig exposes /metrics from worker and generator processes when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// TracingConfig exports spans to Google Cloud Trace when ProjectID is set.
// Without it spans are recorded but only propagated.
type TracingConfig struct {
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads .env, the optional config file at path and the environment.
func Load(path string) (Config, error) {
	if err := LoadDotEnv(DotEnvFile); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindBareEnv(v); err != nil {
		return Config{}, err
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from file without overriding the environment.
// A missing file is not an error.
func LoadDotEnv(file string) error {
	if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("load %s: %w", file, err)
	}
	return nil
}

func bindBareEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"work_server.hostname": EnvWorkServerHostname,
		"work_server.port":     EnvWorkServerPort,
		"api.key":              EnvAPIKey,
	}
	for key, bare := range bindings {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, bare); err != nil {
			return fmt.Errorf("bind %s: %w", bare, err)
		}
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("work_server.hostname", "")
	v.SetDefault("work_server.port", 0)
	v.SetDefault("work_server.listen", ":8080")
	v.SetDefault("work_server.max_upload_bytes", 256<<20)
	v.SetDefault("work_server.request_timeout", "2m")
	v.SetDefault("api.key", "")
	v.SetDefault("api.base_url", "https://api.regulations.gov/v4")
	v.SetDefault("api.page_size", 250)
	v.SetDefault("api.backoff", "60s")
	v.SetDefault("api.max_attempts", 0)
	v.SetDefault("api.rate_per_hour", 0)
	v.SetDefault("api.timeout", "2m")
	v.SetDefault("worker.idle_interval", "3.6s")
	v.SetDefault("worker.identity_file", "client.cfg")
	v.SetDefault("discovery.schedule", scheduler.DefaultSchedule)
	v.SetDefault("discovery.endpoints", []string{"dockets", "documents", "comments"})
	v.SetDefault("discovery.run_now", true)
	v.SetDefault("queue.backend", BackendMemory)
	v.SetDefault("queue.lease", "30m")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 0)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "0s")
	v.SetDefault("db.migrate", true)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", false)
}

// Validate enforces values every command relies on.
func (c Config) Validate() error {
	if c.API.PageSize <= 0 || c.API.PageSize > 250 {
		return fmt.Errorf("api.page_size must be between 1 and 250")
	}
	if c.API.MaxAttempts < 0 {
		return fmt.Errorf("api.max_attempts must be >= 0")
	}
	if c.API.RatePerHour < 0 {
		return fmt.Errorf("api.rate_per_hour must be >= 0")
	}
	if c.Worker.IdleInterval < 0 {
		return fmt.Errorf("worker.idle_interval must be >= 0")
	}
	if err := scheduler.Validate(c.Discovery.Schedule); err != nil {
		return fmt.Errorf("discovery.schedule: %w", err)
	}
	if _, err := c.Endpoints(); err != nil {
		return fmt.Errorf("discovery.endpoints: %w", err)
	}
	switch c.Queue.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, postgres", c.Queue.Backend)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of local, gcs, memory", c.Storage.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

// ValidateWorker reports every variable a worker cannot start without.
func (c Config) ValidateWorker() error {
	var missing []string
	if strings.TrimSpace(c.WorkServer.Hostname) == "" {
		missing = append(missing, EnvWorkServerHostname)
	}
	if c.WorkServer.Port <= 0 {
		missing = append(missing, EnvWorkServerPort)
	}
	if strings.TrimSpace(c.API.Key) == "" {
		missing = append(missing, EnvAPIKey)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingEnv, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateGenerate checks the generator has an API key.
func (c Config) ValidateGenerate() error {
	if strings.TrimSpace(c.API.Key) == "" {
		return fmt.Errorf("%w: %s", ErrMissingEnv, EnvAPIKey)
	}
	return nil
}

// ValidateServe checks the work server can listen.
func (c Config) ValidateServe() error {
	if c.WorkServer.Listen == "" {
		return fmt.Errorf("work_server.listen is required")
	}
	return nil
}

// Endpoints parses discovery.endpoints.
func (c Config) Endpoints() ([]harvest.Endpoint, error) {
	out := make([]harvest.Endpoint, 0, len(c.Discovery.Endpoints))
	for _, raw := range c.Discovery.Endpoints {
		endpoint, err := harvest.ParseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, endpoint)
	}
	return out, nil
}
