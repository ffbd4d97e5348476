// Package config loads agent settings from defaults, an optional YAML
// file, OCMON_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrVersion is returned by Parse when --version was requested.
var ErrVersion = errors.New("version requested")

// Config is the resolved agent configuration.
type Config struct {
	Server        string        `yaml:"server"`
	Name          string        `yaml:"name"`
	IntervalSec   int           `yaml:"interval"`
	StatePath     string        `yaml:"state"`
	MaxBackoffSec int           `yaml:"max_backoff"`
	TimeoutSec    int           `yaml:"timeout"`
	CPUSample     time.Duration `yaml:"cpu_sample"`
	DiskPath      string        `yaml:"disk_path"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
	OTel          OTelConfig    `yaml:"otel"`
}

// OTelConfig selects the agent's own telemetry exporter.
type OTelConfig struct {
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Interval returns the heartbeat interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// MaxBackoff returns the backoff ceiling.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSec) * time.Second
}

// Timeout returns the per-call HTTP timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Default returns the built-in configuration. hostname is used as the
// default display name.
func Default(hostname string) *Config {
	return &Config{
		Name:          hostname,
		IntervalSec:   DefaultIntervalSec,
		StatePath:     DefaultStatePath(),
		MaxBackoffSec: DefaultMaxBackoffSec,
		TimeoutSec:    DefaultTimeoutSec,
		CPUSample:     DefaultCPUSample,
		DiskPath:      DefaultDiskPath,
		LogLevel:      DefaultLogLevel,
		LogFormat:     DefaultLogFormat,
		OTel:          OTelConfig{Exporter: DefaultOTelExporter},
	}
}

// DefaultStatePath returns ~/.oc-monitor-agent/state.json, or a path in
// the working directory if the home directory is unknown.
func DefaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(DefaultStateDir, DefaultStateFile)
	}
	return filepath.Join(home, DefaultStateDir, DefaultStateFile)
}

// Parse resolves the configuration from args (without the program name).
// getenv is usually os.Getenv. Flag usage and parse errors are written
// to output.
func Parse(args []string, hostname string, getenv func(string) string, output io.Writer) (*Config, error) {
	cfg := Default(hostname)

	fs := flag.NewFlagSet("ocmon-agent", flag.ContinueOnError)
	fs.SetOutput(output)

	configPath := fs.String("config", "", "Path to a YAML config file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	server := fs.String("server", "", "Server base URL, e.g. http://1.2.3.4:3800")
	name := fs.String("name", "", "Node display name (default: hostname)")
	interval := fs.Int("interval", DefaultIntervalSec, "Heartbeat interval seconds")
	state := fs.String("state", "", "State file path (default: "+DefaultStatePath()+")")
	maxBackoff := fs.Int("max-backoff", DefaultMaxBackoffSec, "Max retry backoff seconds")
	timeout := fs.Int("timeout", DefaultTimeoutSec, "HTTP request timeout seconds")
	cpuSample := fs.Duration("cpu-sample", DefaultCPUSample, "CPU sampling window")
	diskPath := fs.String("disk-path", DefaultDiskPath, "Filesystem reported as disk usage")
	logLevel := fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", DefaultLogFormat, "Log format (text, json)")
	otelExporter := fs.String("otel-exporter", DefaultOTelExporter, "Telemetry exporter (none, stdout, otlp-grpc, otlp-http)")
	otelEndpoint := fs.String("otel-endpoint", "", "OTLP endpoint, e.g. localhost:4317")
	otelInsecure := fs.Bool("otel-insecure", false, "Disable TLS for OTLP")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		return nil, ErrVersion
	}

	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Server = *server
		case "name":
			cfg.Name = *name
		case "interval":
			cfg.IntervalSec = *interval
		case "state":
			cfg.StatePath = *state
		case "max-backoff":
			cfg.MaxBackoffSec = *maxBackoff
		case "timeout":
			cfg.TimeoutSec = *timeout
		case "cpu-sample":
			cfg.CPUSample = *cpuSample
		case "disk-path":
			cfg.DiskPath = *diskPath
		case "log-level":
			cfg.LogLevel = *logLevel
		case "log-format":
			cfg.LogFormat = *logFormat
		case "otel-exporter":
			cfg.OTel.Exporter = *otelExporter
		case "otel-endpoint":
			cfg.OTel.Endpoint = *otelEndpoint
		case "otel-insecure":
			cfg.OTel.Insecure = *otelInsecure
		}
	})

	cfg.Server = strings.TrimRight(strings.TrimSpace(cfg.Server), "/")
	if cfg.Name == "" {
		cfg.Name = hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if getenv == nil {
		return nil
	}
	lookup := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(EnvPrefix + key))
		return v, v != ""
	}

	strs := map[string]*string{
		"SERVER":        &c.Server,
		"NAME":          &c.Name,
		"STATE":         &c.StatePath,
		"DISK_PATH":     &c.DiskPath,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
		"OTEL_EXPORTER": &c.OTel.Exporter,
		"OTEL_ENDPOINT": &c.OTel.Endpoint,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"INTERVAL":    &c.IntervalSec,
		"MAX_BACKOFF": &c.MaxBackoffSec,
		"TIMEOUT":     &c.TimeoutSec,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("CPU_SAMPLE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %sCPU_SAMPLE: %w", EnvPrefix, err)
		}
		c.CPUSample = d
	}
	if v, ok := lookup("OTEL_INSECURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sOTEL_INSECURE: %w", EnvPrefix, err)
		}
		c.OTel.Insecure = b
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server == "" {
		return errors.New("server URL is required (--server)")
	}
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server must be an absolute http(s) URL: %q", c.Server)
	}
	if c.IntervalSec < 1 {
		return fmt.Errorf("interval must be at least 1 second, got %d", c.IntervalSec)
	}
	if c.MaxBackoffSec < 1 {
		return fmt.Errorf("max backoff must be at least 1 second, got %d", c.MaxBackoffSec)
	}
	if c.TimeoutSec < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", c.TimeoutSec)
	}
	if c.CPUSample <= 0 {
		return fmt.Errorf("cpu sample window must be positive, got %s", c.CPUSample)
	}
	if c.StatePath == "" {
		return errors.New("state file path is required")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}
