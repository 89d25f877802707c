// Package config defines the global configuration structure for the chatgate
// service. Configuration is loaded once at process initialization and is
// immutable thereafter, following 12-Factor principles.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format causes the process to exit
// immediately on startup (fail fast).
package config

import (
	"time"

	"chatgate/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. It is populated once during
// process initialization and never modified. Sub-components receive only the
// specific config subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"chatgate"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	WhatsApp      WhatsAppConfig
	Queue         QueueConfig
	Worker        WorkerConfig
	Intent        IntentConfig
	Media         MediaConfig
	Database      DatabaseConfig
	Observability ObservabilityConfig

	// Build metadata (injected via ldflags, not env).
	Build BuildInfo
}

// ServerConfig holds HTTP server settings for the webhook receiver.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// WhatsAppConfig holds Meta WhatsApp Cloud API credentials and webhook
// verification settings.
type WhatsAppConfig struct {
	// AppSecret is the HMAC key for X-Hub-Signature-256 verification.
	AppSecret SecretString `envconfig:"APP_SECRET" validate:"required"`
	// AccessToken authenticates outbound Graph API calls.
	AccessToken SecretString `envconfig:"ACCESS_TOKEN" validate:"required"`
	// PhoneID is the business phone number identifier used in message
	// send and mark-read endpoints.
	PhoneID string `envconfig:"PHONE_ID" validate:"required"`
	// VerifyToken is compared against hub.verify_token during the GET
	// webhook subscription handshake.
	VerifyToken SecretString `envconfig:"WEBHOOK_VERIFICATION_TOKEN" validate:"required"`
	// APIBaseURL overrides the Graph API origin (tests, proxies).
	APIBaseURL string        `envconfig:"WHATSAPP_API_BASE_URL" default:"https://graph.facebook.com/v22.0"`
	Timeout    time.Duration `envconfig:"WHATSAPP_TIMEOUT" default:"30s"`
}

// QueueConfig holds SQS queue identifiers and regional configuration.
type QueueConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	MessagesURL string `envconfig:"SQS_MESSAGES" validate:"required,url"`
	DlqURL      string `envconfig:"SQS_DLQ" validate:"required,url"`

	// EndpointURL supports LocalStack; empty in production.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// WorkerConfig tunes the message worker pool and the retry budget.
type WorkerConfig struct {
	// Concurrency is the number of workers long-polling the queue.
	Concurrency int `envconfig:"WORKER_CONCURRENCY" default:"10"`
	// MaxAttempts caps processing attempts per logical message before the
	// job is dead-lettered. Attempt counting uses the job envelope.
	MaxAttempts int `envconfig:"WORKER_MAX_ATTEMPTS" default:"3"`
	// LeaseDuration is the SQS visibility timeout: how long a received job
	// stays hidden from other workers pending acknowledgment.
	LeaseDuration time.Duration `envconfig:"WORKER_LEASE_DURATION" default:"5m"`
	// JobTimeout bounds one dispatch attempt. Must stay below LeaseDuration
	// so a slow attempt cannot outlive its lease and double-process.
	JobTimeout time.Duration `envconfig:"WORKER_JOB_TIMEOUT" default:"4m"`
	// PollWait is the SQS long-poll wait time.
	PollWait time.Duration `envconfig:"WORKER_POLL_WAIT" default:"20s"`
}

// IntentConfig holds the intent-detection collaborator settings.
type IntentConfig struct {
	BaseURL string       `envconfig:"INTENT_BASE_URL" validate:"required,url"`
	APIKey  SecretString `envconfig:"INTENT_API_KEY" validate:"required"`
	// SessionPrefix namespaces conversation sessions per channel.
	SessionPrefix string        `envconfig:"INTENT_SESSION_PREFIX" default:"meta-whatsapp"`
	LanguageCode  string        `envconfig:"INTENT_LANGUAGE_CODE" default:"en"`
	Timeout       time.Duration `envconfig:"INTENT_TIMEOUT" default:"30s"`
}

// MediaConfig holds the media-analysis collaborator settings.
type MediaConfig struct {
	BaseURL string        `envconfig:"MEDIA_BASE_URL" validate:"required,url"`
	APIKey  SecretString  `envconfig:"MEDIA_API_KEY" validate:"required"`
	Timeout time.Duration `envconfig:"MEDIA_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds audit-store connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"ChatGate"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
