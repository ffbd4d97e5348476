// Package main provides a mock collector for running the agent locally.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/ocmon/internal/logging"
	"github.com/bc-dunia/ocmon/internal/mockserver"
)

func main() {
	addr := flag.String("addr", ":3800", "HTTP server address")
	logLevel := flag.String("log-level", "debug", "Log level")
	flag.Parse()

	log, err := logging.New(*logLevel, "text", os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	config := mockserver.DefaultConfig()
	config.Addr = *addr
	config.Logger = log

	server := mockserver.New(config)
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start mock collector")
	}

	log.WithField("url", server.URL()).Info("Mock collector listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Stop(ctx)
	log.Info("Mock collector stopped")
}
