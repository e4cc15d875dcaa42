package models

// Config holds the application configuration
type Config struct {
	NovelAI   NovelAIConfig   `json:"novelai" yaml:"novelai"`
	Transport TransportConfig `json:"transport" yaml:"transport"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Generate  GenerateConfig  `json:"generate" yaml:"generate"`
	Tracing   TracingConfig   `json:"tracing" yaml:"tracing"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// NovelAIConfig holds remote endpoint configuration. Credentials come from
// the environment only and are never written back.
type NovelAIConfig struct {
	APIBaseURL   string `json:"api_base_url" yaml:"api_base_url"`
	ImageBaseURL string `json:"image_base_url" yaml:"image_base_url"`
	Email        string `json:"-" yaml:"-"`
	Password     string `json:"-" yaml:"-"`
	AccessToken  string `json:"-" yaml:"-"`
}

// TransportConfig holds HTTP client protection settings
type TransportConfig struct {
	TimeoutSec         int     `json:"timeout_sec" yaml:"timeout_sec"`
	GenerateTimeoutSec int     `json:"generate_timeout_sec" yaml:"generate_timeout_sec"`
	RequestsPerSecond  float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst              int     `json:"burst" yaml:"burst"`
	BreakerMaxFailures uint32  `json:"breaker_max_failures" yaml:"breaker_max_failures"`
	BreakerResetSec    int     `json:"breaker_reset_sec" yaml:"breaker_reset_sec"`
	UserAgent          string  `json:"user_agent" yaml:"user_agent"`
}

// RetryConfig tunes the pause before the single key derivation retry.
// The attempt count itself is fixed.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs" yaml:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs" yaml:"maxBackoffMs"`
}

// GenerateConfig holds defaults for image generation requests
type GenerateConfig struct {
	Model          string  `json:"model" yaml:"model"`
	Sampler        string  `json:"sampler" yaml:"sampler"`
	Steps          int     `json:"steps" yaml:"steps"`
	Scale          float64 `json:"scale" yaml:"scale"`
	Strength       float64 `json:"strength" yaml:"strength"`
	Noise          float64 `json:"noise" yaml:"noise"`
	NegativePrompt string  `json:"negative_prompt" yaml:"negative_prompt"`
}

// TracingConfig mirrors tracing.Config for the JSON file
type TracingConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	ServiceVersion string  `json:"service_version" yaml:"service_version"`
	Environment    string  `json:"environment" yaml:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
	UseStdout      bool    `json:"use_stdout" yaml:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
