// Package config loads and validates the CastKit runtime configuration.
//
// Configuration comes from a YAML file, optionally preceded by a .env file,
// with environment variables overriding secrets. The file is validated
// against an embedded JSON schema before unmarshaling.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// supportedConfigMajor is the config schema major version this build accepts.
const supportedConfigMajor = 1

// Config is the root runtime configuration.
type Config struct {
	// Version is the config schema version (semver). The major version must
	// match the version this build supports.
	Version string `yaml:"version"`

	// ListenAddr is the HTTP listen address for the service surface.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the Prometheus exporter listen address.
	MetricsAddr string `yaml:"metrics_addr"`

	Tasks     TasksConfig     `yaml:"tasks"`
	Stream    StreamConfig    `yaml:"stream"`
	Provider  ProviderConfig  `yaml:"provider"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Blob      BlobConfig      `yaml:"blob"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TasksConfig holds orchestration knobs.
type TasksConfig struct {
	// MaxConcurrentTasks is the global limiter ceiling across the fleet.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`

	// MaxConcurrentSegments is the parallel batch size within one task.
	MaxConcurrentSegments int `yaml:"max_concurrent_segments"`

	// LongTextThreshold is the character count at or above which the
	// parallel strategy is used.
	LongTextThreshold int `yaml:"long_text_threshold"`

	// MaxPerSegment is the maximum number of dialogue turns per segment.
	MaxPerSegment int `yaml:"max_per_segment"`

	// MaxUtteranceChars splits longer utterances at sentence boundaries.
	MaxUtteranceChars int `yaml:"max_utterance_chars"`

	// MaxTextChars rejects oversized submissions.
	MaxTextChars int `yaml:"max_text_chars"`

	// SegmentMaxRetries is the number of attempts per segment.
	SegmentMaxRetries int `yaml:"segment_max_retries"`

	// SegmentRetryDelayBase is the linear backoff base in seconds.
	SegmentRetryDelayBase int `yaml:"segment_retry_delay_base"`

	// TaskTimeoutSeconds is the sweeper threshold for stale PROCESSING tasks.
	TaskTimeoutSeconds int `yaml:"task_timeout_seconds"`

	// SweepIntervalSeconds is how often the sweeper scans.
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`

	// IdempotencyTTLSeconds is the content-hash dedup window.
	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`

	// SlotTTLSeconds is the limiter slot expiry; crashed holders are
	// reclaimed after this long.
	SlotTTLSeconds int `yaml:"slot_ttl_seconds"`

	// SlotRenewIntervalSeconds is how often a running engine renews its slot.
	SlotRenewIntervalSeconds int `yaml:"slot_renew_interval_seconds"`

	// TerminalRetentionSeconds is how long terminal tasks stay readable in
	// the monitor's hot map.
	TerminalRetentionSeconds int `yaml:"terminal_retention_seconds"`

	// DispatchBacklog caps queued-but-not-yet-started task goroutines.
	DispatchBacklog int `yaml:"dispatch_backlog"`

	// AcquireTimeoutSeconds bounds how long a dispatched task waits for a slot.
	AcquireTimeoutSeconds int `yaml:"acquire_timeout_seconds"`
}

// StreamConfig holds event fan-out knobs.
type StreamConfig struct {
	// KeepaliveIntervalSeconds is the server-push keepalive cadence.
	KeepaliveIntervalSeconds int `yaml:"keepalive_interval_seconds"`

	// IdleLimitSeconds closes subscriptions that stay open this long.
	IdleLimitSeconds int `yaml:"idle_limit_seconds"`
}

// ProviderConfig holds the streaming TTS provider settings.
type ProviderConfig struct {
	// Endpoint is the provider WebSocket URL.
	Endpoint string `yaml:"endpoint"`

	// AppID and AccessToken authenticate the connection.
	AppID       string `yaml:"app_id"`
	AccessToken string `yaml:"access_token"`

	// Voices maps speaker ids (by order of first appearance) to provider
	// voice profiles. Its length is the closed set of allowed speakers.
	Voices []string `yaml:"voices"`

	// Codec and SampleRate select the output format.
	Codec      string `yaml:"codec"`
	SampleRate int    `yaml:"sample_rate"`

	// Session timeouts, in seconds.
	ConnectTimeoutSeconds int `yaml:"session_connect_timeout"`
	IdleTimeoutSeconds    int `yaml:"session_idle_timeout"`
	TotalTimeoutSeconds   int `yaml:"session_total_timeout"`

	// DialRatePerSecond bounds new provider connections per second across
	// the process (retry storms must not hammer the provider).
	DialRatePerSecond float64 `yaml:"dial_rate_per_second"`

	// TransientCodes are provider status codes retried by segment workers,
	// in addition to TransientCodeRanges.
	TransientCodes []int `yaml:"transient_codes"`

	// TransientCodeRanges are [lo, hi) half-open retryable code ranges.
	TransientCodeRanges [][2]int `yaml:"transient_code_ranges"`

	// StatusCodePath is a JMESPath expression locating the numeric code in
	// a status payload. Defaults to "code".
	StatusCodePath string `yaml:"status_code_path"`

	// AllowUnverifiedConcat permits multi-segment byte concatenation for
	// codecs the engine cannot verify as append-safe. MP3 never needs it.
	AllowUnverifiedConcat bool `yaml:"allow_unverified_concat"`
}

// RedisConfig holds the shared coordination store settings.
type RedisConfig struct {
	// Addr is host:port; empty disables the shared backend entirely.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// KeyPrefix namespaces all CastKit keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig holds the durable persistence settings.
type PostgresConfig struct {
	// DSN is the pgx connection string; empty selects the in-memory store.
	DSN string `yaml:"dsn"`
}

// BlobConfig holds the audio/text object store settings.
type BlobConfig struct {
	// Backend is "s3" or "file".
	Backend string `yaml:"backend"`

	// S3 settings. Endpoint may point at any S3-compatible store.
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
	RoleARN  string `yaml:"role_arn"`

	// PublicBaseURL prefixes returned object URLs.
	PublicBaseURL string `yaml:"public_base_url"`

	// Dir is the root directory for the file backend.
	Dir string `yaml:"dir"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	// OTLPEndpoint enables trace export when set.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// ServiceName overrides the reported service.name resource attribute.
	ServiceName string `yaml:"service_name"`
}

// Default returns a Config populated with production defaults. Load starts
// from this value so an omitted key keeps its default.
func Default() *Config {
	return &Config{
		Version:     "1.0.0",
		ListenAddr:  ":8080",
		MetricsAddr: ":9090",
		Tasks: TasksConfig{
			MaxConcurrentTasks:       5,
			MaxConcurrentSegments:    10,
			LongTextThreshold:        2000,
			MaxPerSegment:            10,
			MaxUtteranceChars:        250,
			MaxTextChars:             25000,
			SegmentMaxRetries:        3,
			SegmentRetryDelayBase:    1,
			TaskTimeoutSeconds:       1800,
			SweepIntervalSeconds:     60,
			IdempotencyTTLSeconds:    86400,
			SlotTTLSeconds:           1800,
			SlotRenewIntervalSeconds: 60,
			TerminalRetentionSeconds: 3600,
			DispatchBacklog:          64,
			AcquireTimeoutSeconds:    30,
		},
		Stream: StreamConfig{
			KeepaliveIntervalSeconds: 15,
			IdleLimitSeconds:         300,
		},
		Provider: ProviderConfig{
			Codec:                 "mp3",
			SampleRate:            24000,
			ConnectTimeoutSeconds: 10,
			IdleTimeoutSeconds:    30,
			TotalTimeoutSeconds:   120,
			DialRatePerSecond:     5,
			TransientCodes:        []int{45000292},
			TransientCodeRanges:   [][2]int{{55000000, 56000000}},
			StatusCodePath:        "code",
		},
		Redis: RedisConfig{
			KeyPrefix: "castkit",
		},
		Blob: BlobConfig{
			Backend: "file",
			Dir:     "./data/blobs",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "castkit",
		},
	}
}

// Load reads, validates, and unmarshals the config file at path.
// A .env file in the working directory is applied first; environment
// variables override file values for secrets.
func Load(path string) (*Config, error) {
	// Missing .env is normal outside local development.
	_ = godotenv.Load()

	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := validateSchema(data); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envOverrides maps environment variables to config fields holding secrets
// or deploy-specific endpoints.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CASTKIT_PROVIDER_APP_ID"); v != "" {
		c.Provider.AppID = v
	}
	if v := os.Getenv("CASTKIT_PROVIDER_ACCESS_TOKEN"); v != "" {
		c.Provider.AccessToken = v
	}
	if v := os.Getenv("CASTKIT_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("CASTKIT_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CASTKIT_POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("CASTKIT_BLOB_BUCKET"); v != "" {
		c.Blob.Bucket = v
	}
}

// Validate applies checks the JSON schema cannot express.
func (c *Config) Validate() error {
	v, err := semver.StrictNewVersion(c.Version)
	if err != nil {
		return fmt.Errorf("config version %q is not valid semver: %w", c.Version, err)
	}
	if v.Major() != supportedConfigMajor {
		return fmt.Errorf("config version %s not supported; this build accepts major version %d",
			c.Version, supportedConfigMajor)
	}

	if c.Tasks.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be at least 1, got %d", c.Tasks.MaxConcurrentTasks)
	}
	if c.Tasks.MaxConcurrentSegments < 1 {
		return fmt.Errorf("max_concurrent_segments must be at least 1, got %d", c.Tasks.MaxConcurrentSegments)
	}
	if c.Tasks.MaxPerSegment < 1 {
		return fmt.Errorf("max_per_segment must be at least 1, got %d", c.Tasks.MaxPerSegment)
	}
	if len(c.Provider.Voices) == 0 {
		return fmt.Errorf("provider.voices must name at least one voice profile")
	}
	for _, r := range c.Provider.TransientCodeRanges {
		if r[0] >= r[1] {
			return fmt.Errorf("transient code range [%d, %d) is empty", r[0], r[1])
		}
	}
	if c.Blob.Backend != "s3" && c.Blob.Backend != "file" {
		return fmt.Errorf("blob.backend must be s3 or file, got %q", c.Blob.Backend)
	}
	if c.Blob.Backend == "s3" && c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required for the s3 backend")
	}
	return nil
}

// Duration accessors. YAML carries integer seconds to match the documented
// config keys; callers get time.Duration.

func (c TasksConfig) SegmentRetryBase() time.Duration {
	return time.Duration(c.SegmentRetryDelayBase) * time.Second
}

func (c TasksConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c TasksConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c TasksConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c TasksConfig) SlotTTL() time.Duration {
	return time.Duration(c.SlotTTLSeconds) * time.Second
}

func (c TasksConfig) SlotRenewInterval() time.Duration {
	return time.Duration(c.SlotRenewIntervalSeconds) * time.Second
}

func (c TasksConfig) TerminalRetention() time.Duration {
	return time.Duration(c.TerminalRetentionSeconds) * time.Second
}

func (c TasksConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

func (c StreamConfig) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSeconds) * time.Second
}

func (c StreamConfig) IdleLimit() time.Duration {
	return time.Duration(c.IdleLimitSeconds) * time.Second
}

func (c ProviderConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

func (c ProviderConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c ProviderConfig) TotalTimeout() time.Duration {
	return time.Duration(c.TotalTimeoutSeconds) * time.Second
}
