// Package worker is the client library embedded in each processor service.
//
// It owns everything except the inference itself: registration against the
// orchestrator, the dedicated-queue read loop, heartbeats, result publication
// and acknowledgement. Adding a new processor type to the fleet means
// implementing ProcessFunc and calling Run.
//
//	w, err := worker.New(worker.Config{
//	    OrchestratorURL: "http://orchestrator:8090",
//	    RedisAddr:       "redis:6379",
//	    ProcessorID:     "faces-gpu-0",
//	    Capabilities:    []string{"faces"},
//	    Capacity:        8,
//	}, detectFaces)
//	if err != nil { ... }
//	err = w.Run(ctx)
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/detektr/orchestrator/internal/envelope"
)

// ProcessFunc is the user-supplied frame processor. The returned map becomes
// the JSON result payload on the capability's result stream.
type ProcessFunc func(ctx context.Context, frame *envelope.Frame) (map[string]interface{}, error)

// Config holds the worker configuration.
type Config struct {
	// OrchestratorURL is the control-plane endpoint, e.g. "http://orchestrator:8090".
	OrchestratorURL string

	// Redis connection for the data plane (dedicated queue + result stream).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ProcessorID uniquely names this processor across restarts.
	ProcessorID string

	// Capabilities this processor advertises, e.g. ["faces"].
	Capabilities []string

	// Capacity is the maximum number of frames held unacknowledged at once.
	Capacity int

	// ResultCapability names the result stream (results:<capability>).
	// Defaults to the first capability.
	ResultCapability string

	// HeartbeatInterval defaults to 5s.
	HeartbeatInterval time.Duration

	// HTTPTimeout bounds control-plane calls. Defaults to 10s.
	HTTPTimeout time.Duration

	// OnProcessError is called after a frame fails processing. Optional.
	OnProcessError func(frame *envelope.Frame, err error)
}

func (c *Config) validate() error {
	switch {
	case c.OrchestratorURL == "":
		return errors.New("worker: OrchestratorURL required")
	case c.RedisAddr == "":
		return errors.New("worker: RedisAddr required")
	case c.ProcessorID == "":
		return errors.New("worker: ProcessorID required")
	case len(c.Capabilities) == 0:
		return errors.New("worker: at least one capability required")
	case c.Capacity <= 0:
		return errors.New("worker: Capacity must be positive")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ResultCapability == "" {
		c.ResultCapability = c.Capabilities[0]
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 10 * time.Second
	}
}
