package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Logging  LoggingConfig    `yaml:"logging"`
	API      HTTPServerConfig `yaml:"api"`
	Database DatabaseConfig   `yaml:"database"`
	Metrics  MetricsConfig    `yaml:"metrics"`

	Token    string        `env:"TEST_TOKEN" yaml:"token" required:"true"`
	Admins   []int64       `env:"TEST_ADMINS" yaml:"admins"`
	Features []string      `env:"TEST_FEATURES" yaml:"features"`
	Grace    time.Duration `env:"TEST_GRACE" yaml:"grace" default:"3s"`
}

func (c testConfig) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.API.Validate(); err != nil {
		return err
	}
	return c.Metrics.Validate()
}

func TestGetConfigFromEnvVars(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		check   func(t *testing.T, cfg testConfig)
		wantErr string
	}{
		{
			name: "defaults",
			env:  map[string]string{"TEST_TOKEN": "abc"},
			check: func(t *testing.T, cfg testConfig) {
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "json", cfg.Logging.Format)
				assert.Equal(t, 8080, cfg.API.Port)
				assert.False(t, cfg.API.Enabled)
				assert.Equal(t, 15*time.Second, cfg.API.ReadTimeout)
				assert.Equal(t, "telefeed", cfg.Database.Database)
				assert.Equal(t, 3*time.Second, cfg.Grace)
				assert.Nil(t, cfg.Admins)
			},
		},
		{
			name: "env overrides",
			env: map[string]string{
				"TEST_TOKEN":       "abc",
				"LOG_LEVEL":        "debug",
				"API_ENABLED":      "true",
				"API_PORT":         "9000",
				"TEST_ADMINS":      "11, 22,33",
				"TEST_FEATURES":    "a,b",
				"TEST_GRACE":       "250ms",
				"DB_MAX_IDLE_TIME": "1m",
			},
			check: func(t *testing.T, cfg testConfig) {
				assert.Equal(t, "debug", cfg.Logging.Level)
				assert.True(t, cfg.API.Enabled)
				assert.Equal(t, 9000, cfg.API.Port)
				assert.Equal(t, []int64{11, 22, 33}, cfg.Admins)
				assert.Equal(t, []string{"a", "b"}, cfg.Features)
				assert.Equal(t, 250*time.Millisecond, cfg.Grace)
				assert.Equal(t, time.Minute, cfg.Database.MaxIdleTime)
			},
		},
		{
			name:    "missing required",
			env:     map[string]string{},
			wantErr: "TEST_TOKEN",
		},
		{
			name:    "bad int slice",
			env:     map[string]string{"TEST_TOKEN": "abc", "TEST_ADMINS": "1,x"},
			wantErr: "TEST_ADMINS",
		},
		{
			name:    "validation",
			env:     map[string]string{"TEST_TOKEN": "abc", "LOG_LEVEL": "loud"},
			wantErr: "validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			var cfg testConfig
			err := GetConfigFromEnvVars(&cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestGetConfigFromFile(t *testing.T) {
	t.Setenv("TEST_SECRET", "from-env")
	t.Setenv("API_PORT", "7000")
	path := writeYAML(t, `
logging:
  level: warn
api:
  enabled: true
  port: 8088
token: ${TEST_SECRET}
admins: [1, 2]
`)

	var cfg testConfig
	require.NoError(t, GetConfig(&cfg, path, false))
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "from-env", cfg.Token)
	assert.Equal(t, []int64{1, 2}, cfg.Admins)
	// Environment beats the file.
	assert.Equal(t, 7000, cfg.API.Port)
}

func TestGetConfigFileErrors(t *testing.T) {
	t.Setenv("TEST_TOKEN", "abc")

	var cfg testConfig
	err := GetConfig(&cfg, filepath.Join(t.TempDir(), "missing.yaml"), false)
	assert.ErrorContains(t, err, "failed to read file")

	require.NoError(t, GetConfig(&cfg, filepath.Join(t.TempDir(), "missing.yaml"), true))
	assert.Equal(t, "abc", cfg.Token)

	bad := writeYAML(t, "logging: [")
	cfg = testConfig{}
	assert.ErrorContains(t, GetConfig(&cfg, bad, false), "failed to unmarshal YAML")
	cfg = testConfig{}
	require.NoError(t, GetConfig(&cfg, bad, true))
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		level, format string
		wantErr       bool
	}{
		{"debug", "json", false},
		{"INFO", "text", false},
		{"warn", "json", false},
		{"verbose", "json", true},
		{"info", "xml", true},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			err := LoggingConfig{Level: tt.level, Format: tt.format}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDatabaseConfig(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5432, Database: "telefeed", Username: "svc", Password: "p@ss", SSLMode: "disable",
		MaxConnections: 4, MinConnections: 1,
		MaxIdleTime: time.Minute, MaxLifetime: time.Hour,
		ConnectTimeout: 5 * time.Second, StatementTimeout: 2 * time.Second,
	}
	require.NoError(t, d.Validate())
	assert.Equal(t, "postgres://svc:p%40ss@db:5432/telefeed?sslmode=disable", d.GetConnectionString())

	full := d.GetConnectionConfig()
	assert.Contains(t, full, "?sslmode=disable&")
	assert.Contains(t, full, "pool_max_conns=4")
	assert.Contains(t, full, "statement_timeout=2000")

	d.URL = "postgres://x/y"
	assert.Contains(t, d.GetConnectionConfig(), "postgres://x/y?")

	bad := DatabaseConfig{MaxConnections: 1, MinConnections: 2}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database host is required")
	assert.Contains(t, err.Error(), "cannot exceed")
}

func TestListenerConfigValidation(t *testing.T) {
	assert.NoError(t, HTTPServerConfig{Enabled: false, Port: 0}.Validate())
	assert.Error(t, HTTPServerConfig{Enabled: true, Port: 70000}.Validate())
	assert.Error(t, MetricsConfig{Enabled: true, Port: 0}.Validate())
	assert.NoError(t, HealthConfig{Enabled: true, Port: 8081, FailureThreshold: 1}.Validate())
	assert.Error(t, HealthConfig{Enabled: true, Port: 8081}.Validate())
}
