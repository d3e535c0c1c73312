package persona

import "sync/atomic"

// Counters tracks frontdoor activity for /telemetry. All fields are
// monotonic; reads use Snapshot.
type Counters struct {
	emitted             atomic.Uint64
	stored              atomic.Uint64
	storeFailures       atomic.Uint64
	published           atomic.Uint64
	guardrailViolations atomic.Uint64
	materializeFailures atomic.Uint64
	frontdoorDrops      atomic.Uint64
}

// CountersSnapshot is a point-in-time copy of the frontdoor counters.
type CountersSnapshot struct {
	Emitted             uint64 `json:"emitted"`
	Stored              uint64 `json:"stored"`
	StoreFailures       uint64 `json:"store_failures"`
	Published           uint64 `json:"published"`
	GuardrailViolations uint64 `json:"guardrail_violations"`
	MaterializeFailures uint64 `json:"materialize_failures"`
	FrontdoorDrops      uint64 `json:"frontdoor_drops"`
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Emitted:             c.emitted.Load(),
		Stored:              c.stored.Load(),
		StoreFailures:       c.storeFailures.Load(),
		Published:           c.published.Load(),
		GuardrailViolations: c.guardrailViolations.Load(),
		MaterializeFailures: c.materializeFailures.Load(),
		FrontdoorDrops:      c.frontdoorDrops.Load(),
	}
}
