package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bc-dunia/ocmon/internal/agent"
	"github.com/bc-dunia/ocmon/internal/config"
	"github.com/bc-dunia/ocmon/internal/hostinfo"
	"github.com/bc-dunia/ocmon/internal/hostmetrics"
	"github.com/bc-dunia/ocmon/internal/logging"
	"github.com/bc-dunia/ocmon/internal/otel"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Getenv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run starts the agent and blocks until ctx is cancelled. It returns the
// process exit code.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	prober := hostinfo.NewProber()

	cfg, err := config.Parse(args, prober.Hostname(), getenv, stderr)
	if err != nil {
		switch {
		case errors.Is(err, config.ErrVersion):
			fmt.Fprintln(stdout, "ocmon-agent", version)
			return 0
		case errors.Is(err, flag.ErrHelp):
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	exporter, err := otel.ParseExporterType(cfg.OTel.Exporter)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	otelCfg := &otel.Config{
		Enabled:        exporter != otel.ExporterNone,
		ServiceName:    "ocmon-agent",
		ServiceVersion: version,
		ExporterType:   exporter,
		OTLPEndpoint:   cfg.OTel.Endpoint,
		OTLPInsecure:   cfg.OTel.Insecure,
		Attributes:     map[string]string{"host.name": cfg.Name},
	}

	tracer, err := otel.NewTracer(ctx, otelCfg)
	if err != nil {
		log.WithError(err).Warn("Tracing disabled")
		tracer = otel.NoopTracer()
	}
	metrics, err := otel.NewMetrics(ctx, otelCfg)
	if err != nil {
		log.WithError(err).Warn("Telemetry metrics disabled")
		metrics = otel.NoopMetrics()
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Tracer shutdown failed")
		}
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Metrics shutdown failed")
		}
	}()

	client := agent.NewClient(cfg.Server,
		agent.WithTimeout(cfg.Timeout()),
		agent.WithTracer(tracer),
		agent.WithUserAgent("ocmon-agent/"+version),
	)

	controller, err := agent.NewController(agent.ControllerConfig{
		Name:       cfg.Name,
		Interval:   cfg.Interval(),
		MaxBackoff: cfg.MaxBackoff(),
		Store:      agent.NewIdentityStore(cfg.StatePath),
		Collector:  client,
		Source: hostmetrics.New(
			hostmetrics.WithCPUInterval(cfg.CPUSample),
			hostmetrics.WithDiskPath(cfg.DiskPath),
		),
		Host:    prober.Gather,
		Logger:  log,
		Metrics: metrics,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	log.WithFields(logrus.Fields{
		"server":  client.BaseURL(),
		"name":    cfg.Name,
		"state":   cfg.StatePath,
		"version": version,
	}).Info("Starting agent")

	if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("Agent stopped unexpectedly")
		return 1
	}
	log.Info("Agent stopped")
	return 0
}
