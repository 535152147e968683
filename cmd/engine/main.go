package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/acme/campaign-dialer/internal/api"
	"github.com/acme/campaign-dialer/internal/app"
	"github.com/acme/campaign-dialer/internal/telemetry"
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

	lg := container.Logger

	shutdownTracing, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name, container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := shutdownTracing(shutdownCtx); err != nil {
			lg.Error("tracing shutdown failed", zap.Error(err))
		}
	}()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	mgrs := container.Managers()
	if err := mgrs.Switch.Connect(ctx); err != nil {
		log.Fatalf("failed to connect to event socket: %v", err)
	}

	eng := container.Engine()
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	server := api.NewServer(container.Config.HTTP, container.HandlerSet())

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			lg.Error("http server terminated", zap.Error(err))
		}
	}

	if err := server.Shutdown(); err != nil {
		lg.Error("http shutdown failed", zap.Error(err))
	}
	eng.Stop()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
