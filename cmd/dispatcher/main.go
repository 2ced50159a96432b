package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/lead-call-orchestrator/internal/app"
	"github.com/acme/lead-call-orchestrator/internal/metrics"
	"github.com/acme/lead-call-orchestrator/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry,
		container.Config.App.Name+"-dispatcher", container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	sched, err := container.Scheduler()
	if err != nil {
		log.Fatalf("failed to build scheduler: %v", err)
	}
	if err := sched.ReloadSettings(ctx); err != nil {
		log.Fatalf("failed to load scheduler settings: %v", err)
	}

	worker, err := container.Dispatcher()
	if err != nil {
		log.Fatalf("failed to build dispatcher: %v", err)
	}

	if container.Config.Telemetry.MetricsEnabled && container.Config.Telemetry.MetricsPort > 0 {
		go func() {
			if err := metrics.StartServer(container.Config.Telemetry.MetricsPort); err != nil {
				log.Printf("metrics server terminated: %v", err)
			}
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("dispatcher terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
