package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	WhatsApp     WhatsAppConfig     `yaml:"whatsapp"`
	Attributes   AttributesConfig   `yaml:"attributes"`
	Segmentation SegmentationConfig `yaml:"segmentation"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Callbacks    CallbacksConfig    `yaml:"callbacks"`
	Storage      StorageConfig      `yaml:"storage"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port        int      `yaml:"port"`
	Host        string   `yaml:"host"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds the Postgres connection settings
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection used for rate limiting and locks.
// An empty URL disables Redis; in-process fallbacks are used instead.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// WhatsAppConfig holds WhatsApp Cloud API configuration
type WhatsAppConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIVersion     string `yaml:"api_version"`
	PhoneNumberID  string `yaml:"phone_number_id"`
	AccessToken    string `yaml:"access_token"`
	AppSecret      string `yaml:"app_secret"`
	VerifyToken    string `yaml:"verify_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Timeout returns the timeout as a duration
func (c WhatsAppConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// AttributesConfig selects where recipient attribute snapshots come from.
type AttributesConfig struct {
	Source         string `yaml:"source"` // "postgres" or "http"
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	PageSize       int    `yaml:"page_size"`
	MaxPages       int    `yaml:"max_pages"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the timeout as a duration
func (c AttributesConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SegmentationConfig declares attributes beyond the built-in schema.
// Values are field types: string, number, boolean or list.
type SegmentationConfig struct {
	ExtraAttributes map[string]string `yaml:"extra_attributes"`
}

// SchedulerConfig holds throttling, retry and recovery settings.
type SchedulerConfig struct {
	PollIntervalSeconds  int `yaml:"poll_interval_seconds"`
	DueLimit             int `yaml:"due_limit"`
	BatchSize            int `yaml:"batch_size"`
	MaxInFlight          int `yaml:"max_in_flight"`
	MinBatchIntervalMs   int `yaml:"min_batch_interval_ms"`
	DailyCap             int `yaml:"daily_cap"`
	RetryCeiling         int `yaml:"retry_ceiling"`
	RetryBaseSeconds     int `yaml:"retry_base_seconds"`
	RetryMaxSeconds      int `yaml:"retry_max_seconds"`
	RateLimitRetries     int `yaml:"rate_limit_retries"`
	RateLimitBaseMs      int `yaml:"rate_limit_base_ms"`
	RateLimitMaxMs       int `yaml:"rate_limit_max_ms"`
	SendLeaseSeconds     int `yaml:"send_lease_seconds"`
	RunStaleAfterSeconds int `yaml:"run_stale_after_seconds"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	QueuedMaxAgeHours    int `yaml:"queued_max_age_hours"`
	MaxQueuedDepth       int `yaml:"max_queued_depth"`
	BackpressureSeconds  int `yaml:"backpressure_interval_seconds"`
}

// PollInterval returns the due-campaign polling interval
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// MinBatchInterval returns the minimum delay between batch starts
func (c SchedulerConfig) MinBatchInterval() time.Duration {
	return time.Duration(c.MinBatchIntervalMs) * time.Millisecond
}

// SendLease returns how long an admitted message is reserved for its sender
func (c SchedulerConfig) SendLease() time.Duration {
	return time.Duration(c.SendLeaseSeconds) * time.Second
}

// RunStaleAfter returns the age after which an unsealed run is abandoned
func (c SchedulerConfig) RunStaleAfter() time.Duration {
	return time.Duration(c.RunStaleAfterSeconds) * time.Second
}

// SweepInterval returns how often the sweeper runs
func (c SchedulerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// QueuedMaxAge returns the age after which a queued message expires
func (c SchedulerConfig) QueuedMaxAge() time.Duration {
	return time.Duration(c.QueuedMaxAgeHours) * time.Hour
}

// CallbacksConfig selects the transport between webhook ingress and the reconciler.
type CallbacksConfig struct {
	Transport    string `yaml:"transport"` // "sqs", "amqp" or "direct"
	SQSQueueURL  string `yaml:"sqs_queue_url"`
	AMQPURL      string `yaml:"amqp_url"`
	AMQPQueue    string `yaml:"amqp_queue"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// StorageConfig selects where sealed runs and metrics snapshots are kept.
// Type is "aws", "local" or empty (disabled).
type StorageConfig struct {
	Type                    string `yaml:"type"`
	LocalPath               string `yaml:"local_path"`
	AWSRegion               string `yaml:"aws_region"`
	AWSProfile              string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
	ArchiveBucket           string `yaml:"archive_bucket"`
	SnapshotTable           string `yaml:"snapshot_table"`
	SnapshotIntervalSeconds int    `yaml:"snapshot_interval_seconds"`
}

// SnapshotInterval returns how often metrics snapshots are written
func (c StorageConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSeconds) * time.Second
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c StorageConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return ""
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// AuthConfig holds operator API authentication settings
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// LoggingConfig holds structured logger settings
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Redact reports whether PII redaction is on. It defaults to true.
func (c LoggingConfig) Redact() bool {
	return c.RedactPII == nil || *c.RedactPII
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.WhatsApp.BaseURL == "" {
		cfg.WhatsApp.BaseURL = "https://graph.facebook.com"
	}
	if cfg.WhatsApp.APIVersion == "" {
		cfg.WhatsApp.APIVersion = "v19.0"
	}
	if cfg.WhatsApp.TimeoutSeconds == 0 {
		cfg.WhatsApp.TimeoutSeconds = 15
	}
	if cfg.WhatsApp.MaxRetries == 0 {
		cfg.WhatsApp.MaxRetries = 2
	}
	if cfg.Attributes.Source == "" {
		cfg.Attributes.Source = "postgres"
	}
	if cfg.Attributes.PageSize == 0 {
		cfg.Attributes.PageSize = 500
	}
	if cfg.Attributes.MaxPages == 0 {
		cfg.Attributes.MaxPages = 1000
	}
	if cfg.Attributes.TimeoutSeconds == 0 {
		cfg.Attributes.TimeoutSeconds = 30
	}

	s := &cfg.Scheduler
	if s.PollIntervalSeconds == 0 {
		s.PollIntervalSeconds = 60
	}
	if s.DueLimit == 0 {
		s.DueLimit = 50
	}
	if s.BatchSize == 0 {
		s.BatchSize = 50
	}
	if s.MaxInFlight == 0 {
		s.MaxInFlight = 8
	}
	if s.MinBatchIntervalMs == 0 {
		s.MinBatchIntervalMs = 1000
	}
	if s.RetryCeiling == 0 {
		s.RetryCeiling = 3
	}
	if s.RetryBaseSeconds == 0 {
		s.RetryBaseSeconds = 60
	}
	if s.RetryMaxSeconds == 0 {
		s.RetryMaxSeconds = 3600
	}
	if s.RateLimitRetries == 0 {
		s.RateLimitRetries = 3
	}
	if s.RateLimitBaseMs == 0 {
		s.RateLimitBaseMs = 500
	}
	if s.RateLimitMaxMs == 0 {
		s.RateLimitMaxMs = 30000
	}
	if s.SendLeaseSeconds == 0 {
		s.SendLeaseSeconds = 300
	}
	if s.RunStaleAfterSeconds == 0 {
		s.RunStaleAfterSeconds = 1800
	}
	if s.SweepIntervalSeconds == 0 {
		s.SweepIntervalSeconds = 300
	}
	if s.QueuedMaxAgeHours == 0 {
		s.QueuedMaxAgeHours = 72
	}
	if s.MaxQueuedDepth == 0 {
		s.MaxQueuedDepth = 50000
	}
	if s.BackpressureSeconds == 0 {
		s.BackpressureSeconds = 10
	}

	if cfg.Callbacks.Transport == "" {
		cfg.Callbacks.Transport = "direct"
	}
	if cfg.Callbacks.AMQPQueue == "" {
		cfg.Callbacks.AMQPQueue = "whatsapp.status-callbacks"
	}
	if cfg.Callbacks.MaxBodyBytes == 0 {
		cfg.Callbacks.MaxBodyBytes = 1 << 20
	}
	if cfg.Storage.Type == "local" && cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Storage.AWSRegion == "" {
		cfg.Storage.AWSRegion = "us-west-2"
	}
	if cfg.Storage.SnapshotIntervalSeconds == 0 {
		cfg.Storage.SnapshotIntervalSeconds = 900
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "campaign-notifier"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	overrides := map[string]*string{
		"DATABASE_URL":             &cfg.Database.URL,
		"REDIS_URL":                &cfg.Redis.URL,
		"WHATSAPP_BASE_URL":        &cfg.WhatsApp.BaseURL,
		"WHATSAPP_TOKEN":           &cfg.WhatsApp.AccessToken,
		"WHATSAPP_APP_SECRET":      &cfg.WhatsApp.AppSecret,
		"WHATSAPP_VERIFY_TOKEN":    &cfg.WhatsApp.VerifyToken,
		"WHATSAPP_PHONE_NUMBER_ID": &cfg.WhatsApp.PhoneNumberID,
		"JWT_SECRET":               &cfg.Auth.JWTSecret,
		"SQS_CALLBACK_QUEUE_URL":   &cfg.Callbacks.SQSQueueURL,
		"AMQP_URL":                 &cfg.Callbacks.AMQPURL,
		"CALLBACK_TRANSPORT":       &cfg.Callbacks.Transport,
		"ATTRIBUTES_SOURCE":        &cfg.Attributes.Source,
		"ATTRIBUTES_BASE_URL":      &cfg.Attributes.BaseURL,
		"ATTRIBUTES_TOKEN":         &cfg.Attributes.Token,
		"STORAGE_TYPE":             &cfg.Storage.Type,
		"STORAGE_LOCAL_PATH":       &cfg.Storage.LocalPath,
		"ARCHIVE_BUCKET":           &cfg.Storage.ArchiveBucket,
		"SNAPSHOT_TABLE":           &cfg.Storage.SnapshotTable,
		"AWS_REGION":               &cfg.Storage.AWSRegion,
		"LOG_LEVEL":                &cfg.Logging.Level,
	}
	for key, dst := range overrides {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if cfg.Storage.Type == "local" && cfg.Storage.LocalPath == "" {
		cfg.Storage.LocalPath = "./data"
	}
	if cfg.Auth.JWTSecret != "" && os.Getenv("AUTH_DISABLED") == "" {
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("SCHEDULER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.BatchSize = n
		}
	}
	if v := os.Getenv("SCHEDULER_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Scheduler.MaxInFlight = n
		}
	}

	return cfg, nil
}
