package config

import "time"

// Default configuration values for the agent.
const (
	DefaultIntervalSec   = 15
	DefaultMaxBackoffSec = 60
	DefaultTimeoutSec    = 8
	DefaultCPUSample     = 200 * time.Millisecond
	DefaultDiskPath      = "/"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultOTelExporter  = "none"

	// DefaultStateDir is relative to the user's home directory.
	DefaultStateDir  = ".oc-monitor-agent"
	DefaultStateFile = "state.json"

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "OCMON_"
)
