package config

import (
	"os"
	"path/filepath"
	"testing"

	"naikit/internal/constants"
	"naikit/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	return writeConfigAs(t, "config.json", content)
}

func writeConfigAs(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"NOVELAI_API_URL", "NOVELAI_IMAGE_URL", "NOVELAI_EMAIL", "NOVELAI_PASSWORD",
		"NOVELAI_TOKEN", "NAIKIT_LOG_LEVEL", "NAIKIT_REQUESTS_PER_SECOND",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadConfig(t *testing.T) {
	clearEnv(t)

	validConfig := `{
		"novelai": {
			"api_base_url": "https://api.example.com",
			"image_base_url": "https://image.example.com"
		},
		"transport": {
			"timeout_sec": 10,
			"requests_per_second": 1.5
		},
		"retry": {
			"initialBackoffMs": 50
		},
		"generate": {
			"model": "nai-diffusion-2",
			"steps": 40
		},
		"log_level": "debug"
	}`

	tests := []struct {
		name      string
		path      string
		setEnv    map[string]string
		wantError bool
		validate  func(*testing.T, *models.Config)
	}{
		{
			name: "valid config",
			path: writeConfig(t, validConfig),
			validate: func(t *testing.T, cfg *models.Config) {
				assert.Equal(t, "https://api.example.com", cfg.NovelAI.APIBaseURL)
				assert.Equal(t, "https://image.example.com", cfg.NovelAI.ImageBaseURL)
				assert.Equal(t, 10, cfg.Transport.TimeoutSec)
				assert.Equal(t, 1.5, cfg.Transport.RequestsPerSecond)
				assert.Equal(t, 50, cfg.Retry.InitialBackoffMs)
				assert.Equal(t, "nai-diffusion-2", cfg.Generate.Model)
				assert.Equal(t, 40, cfg.Generate.Steps)
				assert.Equal(t, "debug", cfg.LogLevel)

				// defaults fill the gaps
				assert.Equal(t, constants.DefaultRequestBurst, cfg.Transport.Burst)
				assert.Equal(t, constants.DefaultSampler, cfg.Generate.Sampler)
				assert.Equal(t, constants.DefaultBackoffMaxMs, cfg.Retry.MaxBackoffMs)
			},
		},
		{
			name: "empty path uses defaults",
			path: "",
			validate: func(t *testing.T, cfg *models.Config) {
				assert.Equal(t, constants.DefaultAPIBaseURL, cfg.NovelAI.APIBaseURL)
				assert.Equal(t, constants.DefaultImageBaseURL, cfg.NovelAI.ImageBaseURL)
				assert.Equal(t, constants.DefaultBackoffInitialMs, cfg.Retry.InitialBackoffMs)
				assert.Equal(t, "naikit", cfg.Tracing.ServiceName)
			},
		},
		{
			name: "environment overrides",
			path: writeConfig(t, validConfig),
			setEnv: map[string]string{
				"NOVELAI_API_URL":            "https://override.example.com",
				"NOVELAI_EMAIL":              "user@example.com",
				"NOVELAI_PASSWORD":           "hunter22",
				"NAIKIT_LOG_LEVEL":           "warn",
				"NAIKIT_REQUESTS_PER_SECOND": "7",
			},
			validate: func(t *testing.T, cfg *models.Config) {
				assert.Equal(t, "https://override.example.com", cfg.NovelAI.APIBaseURL)
				assert.Equal(t, "user@example.com", cfg.NovelAI.Email)
				assert.Equal(t, "hunter22", cfg.NovelAI.Password)
				assert.Equal(t, "warn", cfg.LogLevel)
				assert.Equal(t, 7.0, cfg.Transport.RequestsPerSecond)
			},
		},
		{
			name:      "invalid scheme",
			path:      writeConfig(t, `{"novelai": {"api_base_url": "ftp://api.example.com"}}`),
			wantError: true,
		},
		{
			name:      "missing host",
			path:      writeConfig(t, `{"novelai": {"image_base_url": "https://"}}`),
			wantError: true,
		},
		{
			name:      "strength out of range",
			path:      writeConfig(t, `{"generate": {"strength": 1.5}}`),
			wantError: true,
		},
		{
			name:      "negative noise",
			path:      writeConfig(t, `{"generate": {"noise": -0.2}}`),
			wantError: true,
		},
		{
			name:      "steps above limit",
			path:      writeConfig(t, `{"generate": {"steps": 500}}`),
			wantError: true,
		},
		{
			name:      "scale above limit",
			path:      writeConfig(t, `{"generate": {"scale": 80}}`),
			wantError: true,
		},
		{
			name:      "timeout above limit",
			path:      writeConfig(t, `{"transport": {"timeout_sec": 7200}}`),
			wantError: true,
		},
		{
			name:      "malformed json",
			path:      writeConfig(t, `{"novelai": `),
			wantError: true,
		},
		{
			name:      "non-existent file",
			path:      filepath.Join(t.TempDir(), "missing.json"),
			wantError: true,
		},
		{
			name:      "traversal path",
			path:      "../config.json",
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.setEnv {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig(tt.path)
			if tt.wantError {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadConfig_ConfigErrorType(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(writeConfig(t, `{"novelai": {"api_base_url": "not a url"}}`))
	require.Error(t, err)

	var cfgErr models.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestLoadConfig_ValidationMessage(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(writeConfig(t, `{"generate": {"steps": 500}}`))
	require.Error(t, err)

	var cfgErr models.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Message, "generate.steps too large")
}

func TestLoadConfig_YAML(t *testing.T) {
	clearEnv(t)

	path := writeConfigAs(t, "naikit.yaml", `
novelai:
  api_base_url: https://api.example.com
transport:
  timeout_sec: 15
generate:
  steps: 32
  noise: 0.1
log_level: info
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.NovelAI.APIBaseURL)
	assert.Equal(t, constants.DefaultImageBaseURL, cfg.NovelAI.ImageBaseURL)
	assert.Equal(t, 15, cfg.Transport.TimeoutSec)
	assert.Equal(t, 32, cfg.Generate.Steps)
	assert.Equal(t, 0.1, cfg.Generate.Noise)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	clearEnv(t)

	_, err := LoadConfig(writeConfigAs(t, "naikit.yml", "novelai: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse YAML config")
}
