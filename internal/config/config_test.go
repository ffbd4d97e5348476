package config

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--server", "http://1.2.3.4:3800/"}, "host-1", env(nil), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "http://1.2.3.4:3800", cfg.Server)
	assert.Equal(t, "host-1", cfg.Name)
	assert.Equal(t, 15*time.Second, cfg.Interval())
	assert.Equal(t, 60*time.Second, cfg.MaxBackoff())
	assert.Equal(t, 8*time.Second, cfg.Timeout())
	assert.Equal(t, 200*time.Millisecond, cfg.CPUSample)
	assert.Equal(t, "/", cfg.DiskPath)
	assert.Equal(t, DefaultStatePath(), cfg.StatePath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "none", cfg.OTel.Exporter)
}

func TestParseServerRequired(t *testing.T) {
	_, err := Parse(nil, "host-1", env(nil), io.Discard)
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	_, err := Parse([]string{"--version"}, "host-1", env(nil), io.Discard)
	assert.ErrorIs(t, err, ErrVersion)
}

func TestParsePrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server: http://file:3800
name: from-file
interval: 30
max_backoff: 120
cpu_sample: 500ms
otel:
  exporter: otlp-http
  endpoint: otel:4318
`), 0600))

	vars := map[string]string{
		"OCMON_NAME":        "from-env",
		"OCMON_MAX_BACKOFF": "90",
	}
	cfg, err := Parse([]string{"--config", path, "--interval", "5"}, "host-1", env(vars), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "http://file:3800", cfg.Server)
	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 5, cfg.IntervalSec)
	assert.Equal(t, 90, cfg.MaxBackoffSec)
	assert.Equal(t, 500*time.Millisecond, cfg.CPUSample)
	assert.Equal(t, "otlp-http", cfg.OTel.Exporter)
	assert.Equal(t, "otel:4318", cfg.OTel.Endpoint)
}

func TestParseEnvTypes(t *testing.T) {
	vars := map[string]string{
		"OCMON_SERVER":        "https://collector.example.com",
		"OCMON_CPU_SAMPLE":    "1s",
		"OCMON_OTEL_INSECURE": "true",
		"OCMON_TIMEOUT":       "3",
	}
	cfg, err := Parse(nil, "host-1", env(vars), io.Discard)
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.CPUSample)
	assert.True(t, cfg.OTel.Insecure)
	assert.Equal(t, 3*time.Second, cfg.Timeout())

	_, err = Parse(nil, "host-1", env(map[string]string{"OCMON_SERVER": "http://x", "OCMON_INTERVAL": "soon"}), io.Discard)
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"relative url", []string{"--server", "collector:3800"}},
		{"ftp url", []string{"--server", "ftp://collector"}},
		{"zero interval", []string{"--server", "http://c", "--interval", "0"}},
		{"zero backoff", []string{"--server", "http://c", "--max-backoff", "0"}},
		{"zero timeout", []string{"--server", "http://c", "--timeout", "0"}},
		{"bad log format", []string{"--server", "http://c", "--log-format", "xml"}},
		{"unknown flag", []string{"--server", "http://c", "--bogus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.args, "host-1", env(nil), io.Discard)
			assert.Error(t, err)
		})
	}
}

func TestParseMissingConfigFile(t *testing.T) {
	_, err := Parse([]string{"--server", "http://c", "--config", filepath.Join(t.TempDir(), "nope.yaml")}, "h", env(nil), io.Discard)
	assert.Error(t, err)
}
