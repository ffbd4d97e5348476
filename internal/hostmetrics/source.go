// Package hostmetrics samples host CPU, memory, disk, uptime and load.
package hostmetrics

import (
	"context"
	"errors"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/bc-dunia/ocmon/internal/agent"
)

const (
	// DefaultCPUInterval separates the two CPU counter readings.
	DefaultCPUInterval = 200 * time.Millisecond
	// DefaultDiskPath is the filesystem reported as disk usage.
	DefaultDiskPath = "/"
	// DefaultReadTimeout bounds each individual counter read.
	DefaultReadTimeout = 2 * time.Second
)

var errNoCPUTimes = errors.New("no cpu times reported")

// Source implements agent.MetricsSource on top of gopsutil. Each metric
// group is read independently; a failing group leaves only its own
// fields nil.
type Source struct {
	cpuInterval time.Duration
	diskPath    string
	readTimeout time.Duration

	cpuTimes      func(ctx context.Context) (cpu.TimesStat, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	swapMemory    func(ctx context.Context) (*mem.SwapMemoryStat, error)
	diskUsage     func(ctx context.Context, path string) (*disk.UsageStat, error)
	uptime        func(ctx context.Context) (uint64, error)
	loadAvg       func(ctx context.Context) (*load.AvgStat, error)
	sleep         agent.SleepFunc
}

// Option configures a Source.
type Option func(*Source)

// WithCPUInterval sets the gap between the two CPU readings.
func WithCPUInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.cpuInterval = d
		}
	}
}

// WithDiskPath sets the filesystem whose usage is reported.
func WithDiskPath(path string) Option {
	return func(s *Source) {
		if path != "" {
			s.diskPath = path
		}
	}
}

// WithReadTimeout bounds each counter read. A read that does not finish
// in time leaves its group nil.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

// New creates a Source reading the local host.
func New(opts ...Option) *Source {
	s := &Source{
		cpuInterval:   DefaultCPUInterval,
		diskPath:      DefaultDiskPath,
		readTimeout:   DefaultReadTimeout,
		cpuTimes:      totalCPUTimes,
		virtualMemory: mem.VirtualMemoryWithContext,
		swapMemory:    mem.SwapMemoryWithContext,
		diskUsage:     disk.UsageWithContext,
		uptime:        host.UptimeWithContext,
		loadAvg:       load.AvgWithContext,
		sleep:         agent.SleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sample takes a snapshot. It blocks for about the CPU interval, and
// never longer than the CPU interval plus one read timeout per group.
func (s *Source) Sample(ctx context.Context) agent.MetricsSnapshot {
	var snap agent.MetricsSnapshot

	snap.CPUPercent = s.cpuPercent(ctx)

	if vm, err := bounded(ctx, s.readTimeout, s.virtualMemory); err == nil && vm != nil {
		snap.MemTotalBytes = agent.Uint64(vm.Total)
		snap.MemUsedBytes = agent.Uint64(subFloor(vm.Total, vm.Available))
	}

	if sw, err := bounded(ctx, s.readTimeout, s.swapMemory); err == nil && sw != nil {
		snap.SwapTotalBytes = agent.Uint64(sw.Total)
		snap.SwapUsedBytes = agent.Uint64(subFloor(sw.Total, sw.Free))
	}

	diskUsage := func(ctx context.Context) (*disk.UsageStat, error) {
		return s.diskUsage(ctx, s.diskPath)
	}
	if du, err := bounded(ctx, s.readTimeout, diskUsage); err == nil && du != nil {
		snap.DiskTotalBytes = agent.Uint64(du.Total)
		snap.DiskUsedBytes = agent.Uint64(subFloor(du.Total, du.Free))
	}

	if up, err := bounded(ctx, s.readTimeout, s.uptime); err == nil {
		snap.UptimeSec = agent.Uint64(up)
	}

	if avg, err := bounded(ctx, s.readTimeout, s.loadAvg); err == nil && avg != nil {
		snap.Load1m = agent.Float64(agent.Round2(avg.Load1))
	}

	return snap
}

// cpuPercent returns busy time over the interval, or nil if either
// reading fails or no time elapsed.
func (s *Source) cpuPercent(ctx context.Context) *float64 {
	first, err := bounded(ctx, s.readTimeout, s.cpuTimes)
	if err != nil {
		return nil
	}
	if err := s.sleep(ctx, s.cpuInterval); err != nil {
		return nil
	}
	second, err := bounded(ctx, s.readTimeout, s.cpuTimes)
	if err != nil {
		return nil
	}

	idle1, total1 := idleAndTotal(first)
	idle2, total2 := idleAndTotal(second)
	dTotal := total2 - total1
	if dTotal <= 0 {
		return nil
	}

	pct := (1 - (idle2-idle1)/dTotal) * 100
	pct = min(max(pct, 0), 100)
	return agent.Float64(agent.Round2(pct))
}

// bounded runs read with a deadline. Some gopsutil calls, such as statfs
// on a hung network mount, ignore their context, so the read runs in its
// own goroutine and is abandoned once the deadline passes.
func bounded[T any](ctx context.Context, timeout time.Duration, read func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := read(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func idleAndTotal(t cpu.TimesStat) (idle, total float64) {
	idle = t.Idle + t.Iowait
	total = t.User + t.Nice + t.System + t.Idle + t.Iowait +
		t.Irq + t.Softirq + t.Steal + t.Guest + t.GuestNice
	return idle, total
}

func totalCPUTimes(ctx context.Context) (cpu.TimesStat, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return cpu.TimesStat{}, err
	}
	if len(times) == 0 {
		return cpu.TimesStat{}, errNoCPUTimes
	}
	return times[0], nil
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
