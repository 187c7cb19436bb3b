package healthcheck

import (
	"sync"

	"colossus/lib/core"
	"colossus/lib/metrics"
)

type HealthBeliefState uint8

const (
	HEALTHY HealthBeliefState = iota
	UNHEALTHY
)

// Config holds configuration for a BeliefHealthTracker
type Config struct {
	// Prior is the initial HealthBeliefState value to use
	// for the health of an upstream, before any observations are known.
	Prior HealthBeliefState

	// MinFailuresToInferUnhealthy is the minimum number of consecutive
	// CheckResult observations with the value CheckFail for the belief
	// state to transition to UNHEALTHY.
	MinFailuresToInferUnhealthy uint8

	// MinSuccessesToInferHealthy is the minimum number of consecutive
	// CheckResult observations with the value CheckSuccess for the belief
	// state to transition to HEALTHY.
	MinSuccessesToInferHealthy uint8

	// Sink receives a healthcheck.belief_healthy or healthcheck.belief_unhealthy
	// counter increment every time an upstream's belief state actually
	// flips (not on every report), tagged against worker id 0: belief
	// state is shared process-wide across every Worker/ProbePool that
	// feeds it reports, so there is no single owning worker to tag it
	// with instead. Defaults to metrics.NoopSink{} if left nil.
	Sink metrics.Sink
}

// BeliefHealthTracker maintains a belief state about the health of each
// upstream. All upstreams in scope for health tracking must be registered
// when the BeliefHealthTracker is created by NewBeliefHealthTracker.
type BeliefHealthTracker struct {
	sink metrics.Sink

	beliefStateByUpstream map[core.Upstream]*upstreamBeliefState

	// mu guards healthy, an incrementally maintained view of which
	// registered upstreams are currently believed healthy, kept in sync
	// by every belief-state transition instead of recomputed by walking
	// every registered upstream on each HealthyUpstreams call.
	mu      sync.Mutex
	healthy core.UpstreamSet
}

func NewBeliefHealthTracker(upstreams core.UpstreamSet, cfg Config) *BeliefHealthTracker {
	sink := cfg.Sink
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	beliefStateByUpstream := make(map[core.Upstream]*upstreamBeliefState)
	healthy := core.EmptyUpstreamSet()
	for u := range upstreams {
		beliefStateByUpstream[u] = &upstreamBeliefState{
			cfg:       cfg,
			state:     cfg.Prior,
			failures:  0,
			successes: 0,
		}
		if cfg.Prior == HEALTHY {
			healthy[u] = struct{}{}
		}
	}
	return &BeliefHealthTracker{
		sink:                  sink,
		beliefStateByUpstream: beliefStateByUpstream,
		healthy:               healthy,
	}
}

// HealthyUpstreams returns a new UpstreamSet containing the subset of input
// candidate upstreams that are currently believed to be healthy.
//
// Any unknown Upstreams in the candidate set are ignored.
func (hc *BeliefHealthTracker) HealthyUpstreams(candidates core.UpstreamSet) core.UpstreamSet {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return core.Intersection(candidates, hc.healthy)
}

// ReportUpstreamHealth accepts a HealthReport.
//
// If the report is for unknown Upstream, it is ignored.
func (hc *BeliefHealthTracker) ReportUpstreamHealth(report *HealthReport) {
	if report == nil {
		return
	}
	beliefState, exists := hc.beliefStateByUpstream[report.Upstream]
	if !exists {
		return // Upstream was not previously registered, ignore.
	}
	before := beliefState.CurrentBelief()
	after := beliefState.UpdateBelief(report)
	if before == after {
		return
	}

	hc.mu.Lock()
	if after == HEALTHY {
		hc.healthy[report.Upstream] = struct{}{}
	} else {
		delete(hc.healthy, report.Upstream)
	}
	hc.mu.Unlock()

	name := "healthcheck.belief_healthy"
	if after == UNHEALTHY {
		name = "healthcheck.belief_unhealthy"
	}
	hc.sink.IncrCounter(0, name, 1)
}

// upstreamBeliefState encodes the current belief about the health
// of a single upstream. It must not be copied.
type upstreamBeliefState struct {
	// cfg is never modified after initialisation
	cfg Config

	// mu guards the below state variables
	mu        sync.Mutex // TODO consider replacing with sync RWmutex
	state     HealthBeliefState
	failures  uint8
	successes uint8
}

func min(a, b uint8) uint8 {
	if a < b {
		return a
	} else {
		return b
	}
}

// UpdateBelief folds report into this upstream's belief state and returns
// the (possibly unchanged) resulting HealthBeliefState.
func (s *upstreamBeliefState) UpdateBelief(report *HealthReport) HealthBeliefState {
	if report == nil {
		return s.CurrentBelief()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateBeliefLocked(report)
	return s.state
}

func (s *upstreamBeliefState) updateBeliefLocked(report *HealthReport) {
	switch report.CheckResult {
	case CheckSuccess:
		s.failures = 0
		s.successes = min(s.successes+1, s.cfg.MinSuccessesToInferHealthy)
		if s.successes >= s.cfg.MinSuccessesToInferHealthy {
			s.state = HEALTHY
		}
	case CheckFail:
		s.failures = min(s.failures+1, s.cfg.MinFailuresToInferUnhealthy)
		s.successes = 0
		if s.failures >= s.cfg.MinFailuresToInferUnhealthy {
			s.state = UNHEALTHY
		}
	}
}

func (s *upstreamBeliefState) CurrentBelief() HealthBeliefState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// type check *BeliefHealthTracker satisfies HealthReportSink interface
var _ HealthReportSink = (*BeliefHealthTracker)(nil)
