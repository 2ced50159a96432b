package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/lead-call-orchestrator/internal/api"
	"github.com/acme/lead-call-orchestrator/internal/api/handlers"
	"github.com/acme/lead-call-orchestrator/internal/app"
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
		container.Config.App.Name+"-api", container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	sched, err := container.Scheduler()
	if err != nil {
		log.Fatalf("failed to build scheduler: %v", err)
	}
	if err := sched.ReloadSettings(ctx); err != nil {
		log.Fatalf("failed to load scheduler settings: %v", err)
	}

	leads, err := container.Leads()
	if err != nil {
		log.Fatalf("failed to build repositories: %v", err)
	}
	configs, err := container.Configs()
	if err != nil {
		log.Fatalf("failed to build repositories: %v", err)
	}
	history, err := container.History()
	if err != nil {
		log.Fatalf("failed to build repositories: %v", err)
	}
	provider, err := container.Provider()
	if err != nil {
		log.Fatalf("failed to build voice provider: %v", err)
	}

	probes := map[string]handlers.HealthProbe{
		"postgres": func(ctx context.Context) error { return container.Postgres.DB().PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return container.Redis.Inner().Ping(ctx).Err() },
		"scylla": func(ctx context.Context) error {
			return container.Scylla.Session().Query("SELECT now() FROM system.local").WithContext(ctx).Exec()
		},
	}

	handlerSet := handlers.NewHandlerSet(container.Logger, sched, leads, configs, history, provider, probes)
	server := api.NewServer(container.Config.HTTP, handlerSet)

	log.Printf("control API listening on port %d", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
