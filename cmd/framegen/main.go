// framegen produces synthetic frame envelopes on frames:metadata for local
// end-to-end runs, standing in for the RTSP capture service.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/detektr/orchestrator/internal/envelope"
	"github.com/detektr/orchestrator/internal/stream"
)

func main() {
	var (
		redisAddr = flag.String("redis", "localhost:6379", "redis address")
		camera    = flag.String("camera", "cam1", "camera id to stamp")
		count     = flag.Int("count", 100, "frames to produce (0 = forever)")
		interval  = flag.Duration("interval", 100*time.Millisecond, "delay between frames")
	)
	flag.Parse()

	log, err := stream.NewRedisClient(*redisAddr, "", 0)
	if err != nil {
		slog.Error("redis connect failed", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx := context.Background()
	payload := base64.StdEncoding.EncodeToString([]byte("synthetic"))

	for i := 0; *count == 0 || i < *count; i++ {
		now := time.Now().UTC()
		frame := &envelope.Frame{
			FrameID:    fmt.Sprintf("%d_%s_%d", now.UnixNano(), *camera, i),
			CameraID:   *camera,
			CapturedAt: now,
			Width:      1920,
			Height:     1080,
			Format:     "jpeg",
			ImageData:  payload,
		}

		id, err := log.Append(ctx, stream.Upstream, envelope.Encode(frame))
		if err != nil {
			slog.Warn("append failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		slog.Info("frame produced", "frame_id", frame.FrameID, "entry_id", id)
		time.Sleep(*interval)
	}
}
