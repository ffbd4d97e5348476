// Package agent implements the host agent that registers with the collector
// and reports periodic metrics snapshots over HTTP.
package agent

import (
	"context"
	"math"
)

// Identity is the agent's durable registration record.
type Identity struct {
	// AgentID is assigned by the collector on registration.
	AgentID string `json:"agent_id,omitempty"`

	// Token authenticates heartbeats.
	Token string `json:"token,omitempty"`

	// RegisteredAt is the unix time of the successful registration.
	RegisteredAt int64 `json:"registered_at,omitempty"`

	// LastOKTs is the unix time of the last accepted heartbeat.
	LastOKTs int64 `json:"last_ok_ts,omitempty"`
}

// Valid reports whether both AgentID and Token are present. A partially
// populated identity is not valid.
func (id Identity) Valid() bool {
	return id.AgentID != "" && id.Token != ""
}

// MetricsSnapshot is a single point-in-time set of host measurements.
// A nil field means the measurement was unavailable and is sent as null.
type MetricsSnapshot struct {
	// CPUPercent is the overall CPU usage percentage (0-100).
	CPUPercent *float64 `json:"cpu_percent"`

	MemTotalBytes  *uint64 `json:"mem_total_bytes"`
	MemUsedBytes   *uint64 `json:"mem_used_bytes"`
	SwapTotalBytes *uint64 `json:"swap_total_bytes"`
	SwapUsedBytes  *uint64 `json:"swap_used_bytes"`

	// DiskTotalBytes and DiskUsedBytes describe the monitored filesystem.
	DiskTotalBytes *uint64 `json:"disk_total_bytes"`
	DiskUsedBytes  *uint64 `json:"disk_used_bytes"`

	// UptimeSec is the time since boot in seconds.
	UptimeSec *uint64 `json:"uptime_sec"`

	// Load1m is the 1-minute load average.
	Load1m *float64 `json:"load_1m"`
}

// RegistrationRequest is the body of a register call.
type RegistrationRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	OS       string `json:"os"`
}

// Credentials are returned by a successful registration.
type Credentials struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// HostFacts describe the local host at registration time.
type HostFacts struct {
	Hostname string
	IP       string
	OS       string
}

// MetricsSource produces a snapshot on demand. Implementations must not
// block indefinitely and must never fail as a whole.
type MetricsSource interface {
	Sample(ctx context.Context) MetricsSnapshot
}

// HostProbe supplies host facts for registration.
type HostProbe func(ctx context.Context) HostFacts

// Collector is the remote side the controller talks to.
type Collector interface {
	Register(ctx context.Context, req RegistrationRequest) (Credentials, error)
	Heartbeat(ctx context.Context, token string, snapshot MetricsSnapshot) error
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 { return &v }

// Round2 rounds v to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
