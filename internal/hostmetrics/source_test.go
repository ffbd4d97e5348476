package hostmetrics

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUnreadable = errors.New("open /proc/meminfo: permission denied")

func fakeSource(readings ...cpu.TimesStat) *Source {
	s := New()
	i := 0
	s.cpuTimes = func(context.Context) (cpu.TimesStat, error) {
		if i >= len(readings) {
			return cpu.TimesStat{}, errNoCPUTimes
		}
		r := readings[i]
		i++
		return r, nil
	}
	s.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 8000, Available: 3000}, nil
	}
	s.swapMemory = func(context.Context) (*mem.SwapMemoryStat, error) {
		return &mem.SwapMemoryStat{Total: 2000, Free: 1500}, nil
	}
	s.diskUsage = func(_ context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Path: path, Total: 100000, Free: 25000}, nil
	}
	s.uptime = func(context.Context) (uint64, error) { return 3600, nil }
	s.loadAvg = func(context.Context) (*load.AvgStat, error) { return &load.AvgStat{Load1: 0.4567}, nil }
	s.sleep = func(context.Context, time.Duration) error { return nil }
	return s
}

func TestSampleAllFields(t *testing.T) {
	s := fakeSource(
		cpu.TimesStat{User: 100, System: 50, Idle: 800, Iowait: 50},
		cpu.TimesStat{User: 160, System: 70, Idle: 860, Iowait: 60},
	)

	snap := s.Sample(context.Background())

	// busy delta 80 of total delta 150
	require.NotNil(t, snap.CPUPercent)
	assert.Equal(t, 53.33, *snap.CPUPercent)
	assert.Equal(t, uint64(8000), *snap.MemTotalBytes)
	assert.Equal(t, uint64(5000), *snap.MemUsedBytes)
	assert.Equal(t, uint64(2000), *snap.SwapTotalBytes)
	assert.Equal(t, uint64(500), *snap.SwapUsedBytes)
	assert.Equal(t, uint64(100000), *snap.DiskTotalBytes)
	assert.Equal(t, uint64(75000), *snap.DiskUsedBytes)
	assert.Equal(t, uint64(3600), *snap.UptimeSec)
	assert.Equal(t, 0.46, *snap.Load1m)
}

func TestSampleMemoryUnreadable(t *testing.T) {
	s := fakeSource(
		cpu.TimesStat{User: 10, Idle: 90},
		cpu.TimesStat{User: 20, Idle: 180},
	)
	s.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errUnreadable }
	s.swapMemory = func(context.Context) (*mem.SwapMemoryStat, error) { return nil, errUnreadable }

	snap := s.Sample(context.Background())

	assert.Nil(t, snap.MemTotalBytes)
	assert.Nil(t, snap.MemUsedBytes)
	assert.Nil(t, snap.SwapTotalBytes)
	assert.Nil(t, snap.SwapUsedBytes)
	require.NotNil(t, snap.DiskTotalBytes)
	require.NotNil(t, snap.CPUPercent)
	assert.Equal(t, 10.0, *snap.CPUPercent)

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"mem_total_bytes":null`)
}

func TestSampleCPUAbsent(t *testing.T) {
	tests := []struct {
		name     string
		readings []cpu.TimesStat
	}{
		{"no elapsed time", []cpu.TimesStat{{User: 10, Idle: 90}, {User: 10, Idle: 90}}},
		{"counters went backwards", []cpu.TimesStat{{User: 10, Idle: 90}, {User: 5, Idle: 50}}},
		{"second read fails", []cpu.TimesStat{{User: 10, Idle: 90}}},
		{"first read fails", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := fakeSource(tt.readings...).Sample(context.Background())

			assert.Nil(t, snap.CPUPercent)
			assert.NotNil(t, snap.MemTotalBytes)
		})
	}
}

func TestSampleCPUClamped(t *testing.T) {
	// Idle advancing faster than the total would give a negative busy share.
	s := fakeSource(
		cpu.TimesStat{User: 100, Idle: 100},
		cpu.TimesStat{User: 50, Idle: 200},
	)

	snap := s.Sample(context.Background())

	require.NotNil(t, snap.CPUPercent)
	assert.Equal(t, 0.0, *snap.CPUPercent)
}

func TestSampleCancelledDuringCPUWait(t *testing.T) {
	s := fakeSource(cpu.TimesStat{User: 1, Idle: 1}, cpu.TimesStat{User: 2, Idle: 2})
	s.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	snap := s.Sample(context.Background())

	assert.Nil(t, snap.CPUPercent)
	assert.NotNil(t, snap.UptimeSec)
}

func TestSampleEveryGroupFails(t *testing.T) {
	s := fakeSource()
	s.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, errUnreadable }
	s.swapMemory = func(context.Context) (*mem.SwapMemoryStat, error) { return nil, errUnreadable }
	s.diskUsage = func(context.Context, string) (*disk.UsageStat, error) { return nil, errUnreadable }
	s.uptime = func(context.Context) (uint64, error) { return 0, errUnreadable }
	s.loadAvg = func(context.Context) (*load.AvgStat, error) { return nil, errUnreadable }

	data, err := json.Marshal(s.Sample(context.Background()))
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"cpu_percent": null,
		"mem_total_bytes": null, "mem_used_bytes": null,
		"swap_total_bytes": null, "swap_used_bytes": null,
		"disk_total_bytes": null, "disk_used_bytes": null,
		"uptime_sec": null, "load_1m": null
	}`, string(data))
}

func TestSampleHungDiskRead(t *testing.T) {
	s := fakeSource(
		cpu.TimesStat{User: 100, Idle: 900},
		cpu.TimesStat{User: 150, Idle: 950},
	)
	s.readTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	defer close(release)
	// statfs on a dead mount ignores the context
	s.diskUsage = func(context.Context, string) (*disk.UsageStat, error) {
		<-release
		return &disk.UsageStat{Total: 1}, nil
	}

	start := time.Now()
	snap := s.Sample(context.Background())

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Nil(t, snap.DiskTotalBytes)
	assert.Nil(t, snap.DiskUsedBytes)
	require.NotNil(t, snap.CPUPercent)
	assert.Equal(t, 50.0, *snap.CPUPercent)
	require.NotNil(t, snap.MemTotalBytes)
	require.NotNil(t, snap.Load1m)
}

func TestOptions(t *testing.T) {
	s := New(WithCPUInterval(50*time.Millisecond), WithDiskPath("/var"), WithReadTimeout(time.Second))
	assert.Equal(t, 50*time.Millisecond, s.cpuInterval)
	assert.Equal(t, "/var", s.diskPath)
	assert.Equal(t, time.Second, s.readTimeout)

	s = New(WithCPUInterval(0), WithDiskPath(""), WithReadTimeout(0))
	assert.Equal(t, DefaultCPUInterval, s.cpuInterval)
	assert.Equal(t, DefaultDiskPath, s.diskPath)
	assert.Equal(t, DefaultReadTimeout, s.readTimeout)
}

func TestSampleLocalHost(t *testing.T) {
	if _, err := os.Stat("/proc/stat"); err != nil {
		t.Skip("no /proc on this platform")
	}

	snap := New(WithCPUInterval(20 * time.Millisecond)).Sample(context.Background())

	if snap.CPUPercent != nil {
		assert.GreaterOrEqual(t, *snap.CPUPercent, 0.0)
		assert.LessOrEqual(t, *snap.CPUPercent, 100.0)
		assert.False(t, math.IsNaN(*snap.CPUPercent))
	}
	if snap.MemTotalBytes != nil {
		require.NotNil(t, snap.MemUsedBytes)
		assert.LessOrEqual(t, *snap.MemUsedBytes, *snap.MemTotalBytes)
	}
	if snap.DiskTotalBytes != nil {
		assert.LessOrEqual(t, *snap.DiskUsedBytes, *snap.DiskTotalBytes)
	}
}
