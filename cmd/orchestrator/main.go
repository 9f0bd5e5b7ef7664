package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/detektr/orchestrator/internal/api"
	"github.com/detektr/orchestrator/internal/config"
	"github.com/detektr/orchestrator/internal/dispatch"
	"github.com/detektr/orchestrator/internal/events"
	"github.com/detektr/orchestrator/internal/health"
	"github.com/detektr/orchestrator/internal/metrics"
	"github.com/detektr/orchestrator/internal/orchestrator"
	"github.com/detektr/orchestrator/internal/registry"
	"github.com/detektr/orchestrator/internal/router"
	"github.com/detektr/orchestrator/internal/stream"
)

func main() {
	godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	log, err := stream.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	clock := clockwork.NewRealClock()
	bus := events.NewBus()
	met := metrics.New(prometheus.DefaultRegisterer)

	reg := registry.New(clock, bus, cfg.Health.FailureThreshold, cfg.CircuitCooldown())
	monitor := health.NewMonitor(reg, clock, cfg.HealthTick(), cfg.HeartbeatTimeout(), cfg.EvictionGrace())
	rt := router.New(reg, cfg.CameraPolicies, cfg.Routing.MaxRoutingAttempts, clock)
	disp := dispatch.New(log, reg, met, cfg.Routing.QueueCapMultiplier, cfg.Routing.QueueMaxLenMultiplier)
	loop := orchestrator.NewLoop(cfg, log, rt, disp, reg, met, clock)
	srv := api.NewServer(cfg, reg, log, met)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("orchestrator starting",
		"stream", cfg.Consume.Stream, "group", cfg.Consume.Group, "port", cfg.Server.Port)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
	slog.Info("orchestrator stopped")
}
