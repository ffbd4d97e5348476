// Package hostinfo gathers the host facts sent when the agent registers.
package hostinfo

import (
	"context"
	"os"
	"runtime"
	"strings"

	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bc-dunia/ocmon/internal/agent"
)

// FallbackIP is reported when no private address can be found.
const FallbackIP = "127.0.0.1"

// Prober gathers host facts. The lookups are swappable for tests.
type Prober struct {
	hostname  func() (string, error)
	privateIP func() (string, error)
	hostInfo  func(ctx context.Context) (*host.InfoStat, error)
}

// NewProber returns a Prober for the local host.
func NewProber() *Prober {
	return &Prober{
		hostname:  os.Hostname,
		privateIP: sockaddr.GetPrivateIP,
		hostInfo:  host.InfoWithContext,
	}
}

// Gather returns hostname, primary IP and OS description. It never fails;
// missing facts fall back to safe defaults.
func (p *Prober) Gather(ctx context.Context) agent.HostFacts {
	return agent.HostFacts{
		Hostname: p.Hostname(),
		IP:       p.primaryIP(),
		OS:       p.osString(ctx),
	}
}

// Hostname returns the local hostname, or "" if it cannot be read.
func (p *Prober) Hostname() string {
	name, err := p.hostname()
	if err != nil {
		return ""
	}
	return name
}

func (p *Prober) primaryIP() string {
	ip, err := p.privateIP()
	if err != nil {
		return FallbackIP
	}
	// GetPrivateIP may return a space separated list.
	if fields := strings.Fields(ip); len(fields) > 0 {
		return fields[0]
	}
	return FallbackIP
}

func (p *Prober) osString(ctx context.Context) string {
	info, err := p.hostInfo(ctx)
	if err != nil || info == nil {
		return titleOS(runtime.GOOS)
	}
	name := info.OS
	if name == "" {
		name = runtime.GOOS
	}
	return strings.TrimSpace(titleOS(name) + " " + info.KernelVersion)
}

func titleOS(name string) string {
	return cases.Title(language.Und).String(name)
}
