// Package router decides which processor, if any, receives a frame.
//
// The decision is a tagged result, never an error: every no-route reason the
// consumption loop must handle appears in the Reason enum, so the switch over
// it is exhaustive by inspection.
package router

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/detektr/orchestrator/internal/envelope"
	"github.com/detektr/orchestrator/internal/registry"
)

// Reason classifies a routing decision.
type Reason string

const (
	Routed            Reason = "routed"
	NoCapabilityMatch Reason = "no_capability_match"
	AllBusy           Reason = "all_busy"
	AllUnhealthy      Reason = "all_unhealthy"
)

// Decision is the transient per-frame routing record.
type Decision struct {
	FrameID     string
	ProcessorID string // set iff Reason == Routed; the reservation is held
	Reason      Reason
	Attempts    int
	DecidedAt   time.Time
}

// metadataCapsKey lets a single frame override its camera's capability policy.
const metadataCapsKey = "required_capabilities"

// Router selects processors by lowest load ratio with deterministic
// tie-breaking.
type Router struct {
	reg         *registry.Registry
	policies    map[string][]string
	maxAttempts int
	clock       clockwork.Clock
}

// New creates a router. policies maps camera_id to required capabilities;
// frames from unlisted cameras match any healthy processor.
func New(reg *registry.Registry, policies map[string][]string, maxAttempts int, clock clockwork.Clock) *Router {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	return &Router{reg: reg, policies: policies, maxAttempts: maxAttempts, clock: clock}
}

// RequiredCapabilities derives the capability requirement for a frame: frame
// metadata wins over camera policy.
func (r *Router) RequiredCapabilities(f *envelope.Frame) []string {
	if raw, ok := f.Metadata[metadataCapsKey]; ok {
		if list, ok := raw.([]interface{}); ok {
			caps := make([]string, 0, len(list))
			for _, v := range list {
				if s, ok := v.(string); ok && s != "" {
					caps = append(caps, s)
				}
			}
			if len(caps) > 0 {
				return caps
			}
		}
	}
	return r.policies[f.CameraID]
}

// Route picks a processor for the frame and reserves capacity on it. exclude
// removes processors that already failed dispatch for this frame. When the
// returned Reason is Routed the caller owns the reservation and must release
// it on every non-enqueued path.
func (r *Router) Route(f *envelope.Frame, exclude map[string]bool) Decision {
	required := r.RequiredCapabilities(f)
	decision := Decision{FrameID: f.FrameID, DecidedAt: r.clock.Now()}

	candidates := r.reg.SelectCandidates(required)
	if len(exclude) > 0 {
		kept := candidates[:0]
		for _, c := range candidates {
			if !exclude[c.ID] {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	if len(candidates) == 0 {
		decision.Reason = r.classifyNoRoute(required)
		return decision
	}

	// Candidates arrive ordered by load ratio, registration age, ID. Walk
	// them, reserving; a lost CAS race drops to the next candidate.
	for _, c := range candidates {
		if decision.Attempts >= r.maxAttempts {
			break
		}
		decision.Attempts++
		if r.reg.TryReserve(c.ID) {
			decision.ProcessorID = c.ID
			decision.Reason = Routed
			return decision
		}
	}

	decision.Reason = AllBusy
	return decision
}

// classifyNoRoute probes the full registry to name why nothing was eligible.
func (r *Router) classifyNoRoute(required []string) Reason {
	total, capMatch, healthyCapMatch := r.reg.Inspect(required)
	switch {
	case total == 0:
		// An empty fleet is transient: workers register at runtime, so park
		// rather than dead-letter.
		return AllUnhealthy
	case capMatch == 0:
		return NoCapabilityMatch
	case healthyCapMatch == 0:
		return AllUnhealthy
	default:
		return AllBusy
	}
}
