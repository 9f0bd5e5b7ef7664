// Package metrics holds the Prometheus instruments for the orchestrator.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every orchestrator instrument.
type Metrics struct {
	FramesConsumed   prometheus.Counter
	FramesAcked      prometheus.Counter
	FramesDispatched *prometheus.CounterVec

	RoutingDecisions *prometheus.CounterVec
	DispatchRetries  prometheus.Counter
	DispatchDuration prometheus.Histogram
	QueueFull        *prometheus.CounterVec

	DeadLettered  *prometheus.CounterVec
	ParkedFrames  prometheus.Gauge
	ParkEvictions prometheus.Counter
	StaleClaimed  prometheus.Counter

	Heartbeats        prometheus.Counter
	ProcessorInflight *prometheus.GaugeVec
	ProcessorState    *prometheus.GaugeVec
}

// New creates and registers all instruments on reg. Pass
// prometheus.DefaultRegisterer in the daemon; tests use a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FramesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_frames_consumed_total",
			Help: "Frames read from the upstream stream, fresh and reclaimed",
		}),
		FramesAcked: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_frames_acked_total",
			Help: "Upstream entries acknowledged",
		}),
		FramesDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_frames_dispatched_total",
			Help: "Frames durably enqueued to processor queues",
		}, []string{"processor_id"}),

		RoutingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_routing_decisions_total",
			Help: "Routing decisions by reason",
		}, []string{"reason"}),
		DispatchRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_dispatch_retries_total",
			Help: "Queue write retries after transient failures",
		}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "orchestrator_dispatch_duration_seconds",
			Help:    "Latency of queue writes including retries",
			Buckets: prometheus.DefBuckets,
		}),
		QueueFull: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_queue_full_total",
			Help: "Dispatches bounced by the per-processor queue cap",
		}, []string{"processor_id"}),

		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_dead_lettered_total",
			Help: "Frames parked to the dead-letter stream by reason",
		}, []string{"reason"}),
		ParkedFrames: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_parked_frames",
			Help: "Frames in the in-memory retry park",
		}),
		ParkEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_park_evictions_total",
			Help: "Frames evicted oldest-first at the park cap",
		}),
		StaleClaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_stale_claimed_total",
			Help: "Pending entries reclaimed from dead consumers",
		}),

		Heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_heartbeats_total",
			Help: "Heartbeats accepted from workers",
		}),
		ProcessorInflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_processor_inflight",
			Help: "Reserved capacity per processor",
		}, []string{"processor_id"}),
		ProcessorState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_processor_state",
			Help: "Processor state (1 for the active state, labeled)",
		}, []string{"processor_id", "state"}),
	}
}
