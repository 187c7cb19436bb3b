package healthcheck

import (
	"context"
	"sync"
	"time"

	"colossus/lib/callback"
	"colossus/lib/core"
	"colossus/lib/forwarder"
	"colossus/lib/iosystem"
	"colossus/lib/iowheel"
	"colossus/lib/metrics"
)

type HealthCheckResult int8

const (
	CheckFail HealthCheckResult = iota
	CheckSuccess
)

type UpstreamDialer interface {
	DialUpstream(ctx context.Context, u core.Upstream) (forwarder.DuplexConn, error)
}

type TimeoutDialer struct {
	Timeout time.Duration
	Inner   UpstreamDialer
}

func (d TimeoutDialer) DialUpstream(ctx context.Context, u core.Upstream) (forwarder.DuplexConn, error) {
	childCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()
	return d.Inner.DialUpstream(childCtx, u)
}

// HealthReport contains information from a single observation
// of upstream health - perhaps from a successful or failed
// connection attempt, or the result of an active probe.
type HealthReport struct {
	Upstream    core.Upstream
	CheckResult HealthCheckResult
	Symptom     error // Symptom may optionally contain information relating to a failed check
}

// HealthReportSink represents an entity that can be used by the
// ProbePool to receive upstream health reports.
//
// Multiple goroutines may invoke methods on a HealthReportSink
// simultaneously.
type HealthReportSink interface {

	// ReportUpstreamHealth receives a HealthReport.
	ReportUpstreamHealth(report *HealthReport)
}

type ProbePoolConfig struct {
	HealthReportSink HealthReportSink
	ProbePeriod      time.Duration
	Upstreams        core.UpstreamSet
	Dialer           UpstreamDialer

	// Sink receives a healthcheck.probe_success or healthcheck.probe_fail
	// counter increment, tagged with the id of the Worker the pool is
	// bound to, for every completed probe. Defaults to metrics.NoopSink{}
	// if left nil.
	Sink metrics.Sink
}

// ProbePool is a WorkerItem that actively dials every configured upstream
// on a periodic schedule, reporting probe outcomes to a HealthReportSink
// and a metrics.Sink. Bind it to a Worker with Worker.Bind.
//
// Unlike the teacher's one-goroutine-plus-time.Ticker-per-upstream pool,
// a bound ProbePool owns no background goroutine of its own between
// probes: the probe schedule itself lives on the owning Worker's own
// timing wheel (the same iowheel every other scheduled task on that
// Worker shares), and only the blocking dial for a single in-flight probe
// is bridged off-worker via iosystem.BridgeGuarded, for the duration of that
// dial alone.
type ProbePool struct {
	cfg ProbePoolConfig

	mu      sync.Mutex
	cancels []iowheel.Cancel
}

// NewProbePool creates a new ProbePool from the given ProbePoolConfig.
func NewProbePool(cfg ProbePoolConfig) *ProbePool {
	if cfg.Sink == nil {
		cfg.Sink = metrics.NoopSink{}
	}
	return &ProbePool{cfg: cfg}
}

// OnBind arms one recurring timer per configured upstream on ctx's
// owning Worker.
func (p *ProbePool) OnBind(ctx *iosystem.Context) {
	w := ctx.Worker()
	for u := range p.cfg.Upstreams {
		p.arm(w, ctx, u)
	}
}

func (p *ProbePool) arm(w *iosystem.Worker, ctx *iosystem.Context, u core.Upstream) {
	cancel := w.Schedule(p.cfg.ProbePeriod, func() {
		p.probeOnce(w, ctx, u)
	})
	p.mu.Lock()
	p.cancels = append(p.cancels, cancel)
	p.mu.Unlock()
}

// probeOnce dials u off-worker via iosystem.BridgeGuarded, reports the outcome
// once back on the Worker's own goroutine, then re-arms itself — the
// same recurring-timer idiom lib/conn uses for idle-timeout checks,
// applied to health probing instead.
func (p *ProbePool) probeOnce(w *iosystem.Worker, ctx *iosystem.Context, u core.Upstream) {
	if !ctx.Live() {
		return
	}
	iosystem.BridgeGuarded(w, ctx, func() (HealthReport, error) {
		conn, err := p.cfg.Dialer.DialUpstream(context.Background(), u)
		report := HealthReport{Upstream: u}
		if err != nil {
			report.Symptom = err
			report.CheckResult = CheckFail
		} else {
			report.CheckResult = CheckSuccess
			_ = conn.Close()
		}
		return report, nil
	}).Execute(func(r callback.Result[HealthReport]) {
		report := r.Value
		p.cfg.HealthReportSink.ReportUpstreamHealth(&report)

		name := "healthcheck.probe_success"
		if report.CheckResult == CheckFail {
			name = "healthcheck.probe_fail"
		}
		p.cfg.Sink.IncrCounter(w.ID(), name, 1)

		if ctx.Live() {
			p.arm(w, ctx, u)
		}
	})
}

// OnMessage is unused: ProbePool has no external message protocol, only
// its own internally scheduled timers.
func (p *ProbePool) OnMessage(ctx *iosystem.Context, msg any) {}

// OnShutdown cancels every armed timer so a drained or unbound pool stops
// probing instead of leaking fire callbacks against a dead Context.
func (p *ProbePool) OnShutdown(ctx *iosystem.Context, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = nil
}

var _ iosystem.WorkerItem = (*ProbePool)(nil)
