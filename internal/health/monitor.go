// Package health runs the background scan that demotes silent processors,
// syncs circuit breaker state into the registry, and evicts records that stay
// unhealthy past the grace period.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/detektr/orchestrator/internal/breaker"
	"github.com/detektr/orchestrator/internal/registry"
)

// Monitor owns the periodic registry sweep.
type Monitor struct {
	reg   *registry.Registry
	clock clockwork.Clock

	tick             time.Duration
	heartbeatTimeout time.Duration
	evictionGrace    time.Duration
}

// NewMonitor builds a monitor; Run starts it.
func NewMonitor(reg *registry.Registry, clock clockwork.Clock, tick, heartbeatTimeout, evictionGrace time.Duration) *Monitor {
	return &Monitor{
		reg:              reg,
		clock:            clock,
		tick:             tick,
		heartbeatTimeout: heartbeatTimeout,
		evictionGrace:    evictionGrace,
	}
}

// Run sweeps the registry every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.tick)
	defer ticker.Stop()

	slog.Info("health: monitor started",
		"tick", m.tick, "heartbeat_timeout", m.heartbeatTimeout, "eviction_grace", m.evictionGrace)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			m.Sweep()
		}
	}
}

// Sweep applies one pass of the health rules to every record. Exported so
// tests can drive it without the ticker.
func (m *Monitor) Sweep() {
	now := m.clock.Now()

	for _, info := range m.reg.Snapshot() {
		switch info.State {
		case registry.StateHealthy.String():
			if now.Sub(info.LastHeartbeatAt) > m.heartbeatTimeout {
				m.reg.MarkUnhealthy(info.ID, registry.ReasonHeartbeatTimeout)
				continue
			}
			if info.BreakerState == breaker.StateOpen {
				m.reg.MarkUnhealthy(info.ID, registry.ReasonCircuitOpen)
			}

		case registry.StateUnhealthy.String():
			// Recovery paths first, then eviction.
			switch info.StateReason {
			case registry.ReasonHeartbeatTimeout:
				if now.Sub(info.LastHeartbeatAt) <= m.heartbeatTimeout {
					m.reg.MarkHealthy(info.ID)
					continue
				}
			case registry.ReasonCircuitOpen, registry.ReasonDispatchFailure:
				if info.BreakerState != breaker.StateOpen {
					m.reg.MarkProbation(info.ID)
					continue
				}
			}

			if !info.UnhealthySince.IsZero() &&
				now.Sub(info.UnhealthySince) > m.evictionGrace &&
				info.Inflight == 0 {
				m.reg.EvictIfIdle(info.ID)
			}
		}
	}
}
