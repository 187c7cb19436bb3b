package dialer

import (
	"math"
	"sync"
	"colossus/lib/core"
	"colossus/lib/metrics"
)

// PlaceholderDialPolicy is an example of a simple but not very useful DialPolicy.
// It arbitrarily chooses an upstream to dial in an implementation defined way.
//
// Multiple goroutines may invoke methods on an PlaceholderDialPolicy simultaneously.
type PlaceholderDialPolicy struct{}

func (p PlaceholderDialPolicy) ChooseBestUpstream(candidates core.UpstreamSet) (core.Upstream, error) {
	for upstream := range candidates {
		return upstream, nil
	}
	return core.Upstream{}, NoCandidateUpstreams
}

func (p PlaceholderDialPolicy) DialFailed(upstream core.Upstream, symptom error) {}

func (p PlaceholderDialPolicy) DialSucceeded(upstream core.Upstream) {}

func (p PlaceholderDialPolicy) ConnectionClosed(upstream core.Upstream) {}

// LeastConnectionDialPolicy is a DialPolicy that always chooses an upstream
// that has the minimal number of connections among the candidate upstreams.
//
// Multiple goroutines may invoke methods on a LeastConnectionDialPolicy simultaneously.
type LeastConnectionDialPolicy struct {
	// TODO could use fine-grain locks, one per upstream. That could reduce lock contention
	// in situations where different clients make concurrent connection attempts with
	// disjoint sets of candidates. But in case where concurrent connection attempts have
	// overlapping or identical sets of candidate upstreams, it isn't clear (without
	//running experiments) how much that could help.
	mu              sync.Mutex
	connectionCount map[core.Upstream]int64

	// sink receives dialer.active_connections and dialer.dial_failed
	// counter deltas, tagged against a synthetic worker id of 0: one
	// LeastConnectionDialPolicy is shared by every Worker's forwarded
	// connections (that's what makes "least connections" a meaningful
	// choice across the whole gateway, not just within one worker), so
	// there is no single owning worker to tag its counters with instead.
	sink metrics.Sink
}

// NewLeastConnectionDialPolicy returns a new LeastConnectionDialPolicy
func NewLeastConnectionDialPolicy() *LeastConnectionDialPolicy {
	return &LeastConnectionDialPolicy{
		connectionCount: make(map[core.Upstream]int64),
		sink:            metrics.NoopSink{},
	}
}

// NewLeastConnectionDialPolicyWithSink returns a new LeastConnectionDialPolicy
// that reports its connection-count and dial-failure deltas to sink.
func NewLeastConnectionDialPolicyWithSink(sink metrics.Sink) *LeastConnectionDialPolicy {
	p := NewLeastConnectionDialPolicy()
	if sink != nil {
		p.sink = sink
	}
	return p
}

const sharedDialPolicyWorkerID = 0

func (p *LeastConnectionDialPolicy) ChooseBestUpstream(candidates core.UpstreamSet) (core.Upstream, error) {
	var minCount int64 = math.MaxInt64
	argMin := core.Upstream{}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Doing a linear scan over all candidate upstreams does not seem ideal, but it'd
	// be surprising if we have more than 1000 upstreams. Even if we had 10,000 or more,
	// the time to do the scan is insignificant compared to a roundtrip over network.
	for upstream := range candidates {
		count := p.connectionCount[upstream]
		if count < minCount {
			minCount = count
			argMin = upstream
		}
	}

	var err error
	if minCount == math.MaxInt64 {
		err = NoCandidateUpstreams
	}

	return argMin, err
}

func (p *LeastConnectionDialPolicy) DialFailed(upstream core.Upstream, symptom error) {
	// A failed connection attempt does not change the connection count.
	p.sink.IncrCounter(sharedDialPolicyWorkerID, "dialer.dial_failed", 1)
}

func (p *LeastConnectionDialPolicy) DialSucceeded(upstream core.Upstream) {
	p.mu.Lock()
	p.connectionCount[upstream]++
	p.mu.Unlock()
	p.sink.IncrCounter(sharedDialPolicyWorkerID, "dialer.active_connections", 1)
}

func (p *LeastConnectionDialPolicy) ConnectionClosed(upstream core.Upstream) {
	p.mu.Lock()
	p.connectionCount[upstream]--
	p.mu.Unlock()
	p.sink.IncrCounter(sharedDialPolicyWorkerID, "dialer.active_connections", -1)
}
