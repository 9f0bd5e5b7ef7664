// An example processor built on the worker client library. It registers with
// a configurable capability and answers every frame with an empty detection
// list — the integration stand-in for a real inference worker.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/detektr/orchestrator/internal/envelope"
	"github.com/detektr/orchestrator/pkg/worker"
)

func main() {
	godotenv.Load()

	var (
		orchestratorURL = flag.String("orchestrator", envOr("ORCHESTRATOR_URL", "http://localhost:8090"), "orchestrator control-plane URL")
		redisAddr       = flag.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "redis address")
		processorID     = flag.String("id", envOr("PROCESSOR_ID", "example-worker-0"), "processor id")
		capabilities    = flag.String("capabilities", envOr("CAPABILITIES", "faces"), "comma-separated capabilities")
		capacity        = flag.Int("capacity", 4, "max concurrent frames")
	)
	flag.Parse()

	w, err := worker.New(worker.Config{
		OrchestratorURL: *orchestratorURL,
		RedisAddr:       *redisAddr,
		ProcessorID:     *processorID,
		Capabilities:    strings.Split(*capabilities, ","),
		Capacity:        *capacity,
	}, processFrame)
	if err != nil {
		slog.Error("worker init failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func processFrame(ctx context.Context, frame *envelope.Frame) (map[string]interface{}, error) {
	return map[string]interface{}{
		"frame_id":   frame.FrameID,
		"camera_id":  frame.CameraID,
		"detections": []interface{}{},
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
