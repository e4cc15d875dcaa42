package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"naikit/internal/constants"
	"naikit/internal/errors"
	"naikit/internal/models"
	"naikit/internal/security"
	"naikit/internal/validation"

	"gopkg.in/yaml.v3"
)

var (
	ErrMissingAPIURL   = models.ConfigError{Message: "missing NovelAI API URL"}
	ErrMissingImageURL = models.ConfigError{Message: "missing NovelAI image URL"}
)

// LoadConfig reads the JSON or YAML file at path, applies defaults and environment
// overrides, then validates the result. An empty path yields a config built
// from defaults and the environment alone.
func LoadConfig(path string) (*models.Config, error) {
	var config models.Config

	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}

		file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
		if err != nil {
			return nil, err
		}

		if err := decode(path, file, &config); err != nil {
			return nil, err
		}
	}

	applyDefaults(&config)
	applyEnvironmentOverrides(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// decode picks the format from the extension. Anything other than .yaml or
// .yml is parsed as JSON.
func decode(path string, data []byte, c *models.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse JSON config: %w", err)
		}
	}
	return nil
}

func applyDefaults(c *models.Config) {
	if c.NovelAI.APIBaseURL == "" {
		c.NovelAI.APIBaseURL = constants.DefaultAPIBaseURL
	}
	if c.NovelAI.ImageBaseURL == "" {
		c.NovelAI.ImageBaseURL = constants.DefaultImageBaseURL
	}

	if c.Transport.TimeoutSec <= 0 {
		c.Transport.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Transport.GenerateTimeoutSec <= 0 {
		c.Transport.GenerateTimeoutSec = constants.DefaultGenerateTimeoutSec
	}
	if c.Transport.RequestsPerSecond <= 0 {
		c.Transport.RequestsPerSecond = constants.DefaultRequestsPerSecond
	}
	if c.Transport.Burst <= 0 {
		c.Transport.Burst = constants.DefaultRequestBurst
	}
	if c.Transport.BreakerMaxFailures == 0 {
		c.Transport.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Transport.BreakerResetSec <= 0 {
		c.Transport.BreakerResetSec = constants.DefaultBreakerResetSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultBackoffInitialMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultBackoffMaxMs
	}

	if c.Generate.Model == "" {
		c.Generate.Model = constants.DefaultModel
	}
	if c.Generate.Sampler == "" {
		c.Generate.Sampler = constants.DefaultSampler
	}
	if c.Generate.Steps <= 0 {
		c.Generate.Steps = constants.DefaultSteps
	}
	if c.Generate.Scale <= 0 {
		c.Generate.Scale = constants.DefaultScale
	}
	if c.Generate.Strength <= 0 {
		c.Generate.Strength = constants.DefaultStrength
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "naikit"
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = 1.0
	}
}

func applyEnvironmentOverrides(c *models.Config) {
	if u := os.Getenv("NOVELAI_API_URL"); u != "" {
		c.NovelAI.APIBaseURL = u
	}
	if u := os.Getenv("NOVELAI_IMAGE_URL"); u != "" {
		c.NovelAI.ImageBaseURL = u
	}

	// SECURITY: credentials are only ever read from the environment
	if email := os.Getenv("NOVELAI_EMAIL"); email != "" {
		c.NovelAI.Email = email
	}
	if password := os.Getenv("NOVELAI_PASSWORD"); password != "" {
		c.NovelAI.Password = password
	}
	if token := os.Getenv("NOVELAI_TOKEN"); token != "" {
		c.NovelAI.AccessToken = token
	}

	if level := os.Getenv("NAIKIT_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if rate := os.Getenv("NAIKIT_REQUESTS_PER_SECOND"); rate != "" {
		if v, err := strconv.ParseFloat(rate, 64); err == nil && v > 0 {
			c.Transport.RequestsPerSecond = v
		}
	}
}

func validate(c *models.Config) error {
	if c.NovelAI.APIBaseURL == "" {
		return ErrMissingAPIURL
	}
	if c.NovelAI.ImageBaseURL == "" {
		return ErrMissingImageURL
	}
	if err := validateBaseURL("api_base_url", c.NovelAI.APIBaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("image_base_url", c.NovelAI.ImageBaseURL); err != nil {
		return err
	}

	if err := validation.ValidateTimeout(c.Transport.TimeoutSec, "transport.timeout_sec"); err != nil {
		return configError(err)
	}
	if err := validation.ValidateTimeout(c.Transport.GenerateTimeoutSec, "transport.generate_timeout_sec"); err != nil {
		return configError(err)
	}
	if err := validation.ValidateNumericRange(c.Generate.Steps, "generate.steps", validation.MinSteps, validation.MaxSteps); err != nil {
		return configError(err)
	}
	if err := validation.ValidateScale(c.Generate.Scale); err != nil {
		return configError(err)
	}
	if err := validation.ValidateFraction(c.Generate.Strength, "generate.strength", false); err != nil {
		return configError(err)
	}
	if err := validation.ValidateFraction(c.Generate.Noise, "generate.noise", true); err != nil {
		return configError(err)
	}
	if c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: fmt.Sprintf("tracing.sample_rate must be within (0, 1], got %v", c.Tracing.SampleRate)}
	}

	return nil
}

func configError(err error) error {
	return models.ConfigError{Message: errors.GetMessage(err)}
}

func validateBaseURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid %s: %v", key, err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return models.ConfigError{Message: fmt.Sprintf("invalid %s: unsupported scheme %q", key, u.Scheme)}
	}
	if u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("invalid %s: missing host", key)}
	}
	return nil
}
