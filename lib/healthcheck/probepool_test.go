package healthcheck

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"colossus/lib/core"
	"colossus/lib/forwarder"
	"colossus/lib/iosystem"
	"github.com/stretchr/testify/require"
)

type blackholeConn struct{}

func (c *blackholeConn) Read(b []byte) (int, error)          { return 0, io.EOF }
func (c *blackholeConn) Write(b []byte) (int, error)         { return len(b), nil }
func (c *blackholeConn) Close() error                        { return nil }
func (c *blackholeConn) CloseWrite() error                   { return nil }
func (c *blackholeConn) LocalAddr() net.Addr                 { return nil }
func (c *blackholeConn) RemoteAddr() net.Addr                { return nil }
func (c *blackholeConn) SetDeadline(t time.Time) error       { return nil }
func (c *blackholeConn) SetReadDeadline(t time.Time) error   { return nil }
func (c *blackholeConn) SetWriteDeadline(t time.Time) error  { return nil }

var _ forwarder.DuplexConn = (*blackholeConn)(nil)

// scriptedDialer answers every DialUpstream call with whatever err is
// next in its script, recording each attempted upstream along the way.
type scriptedDialer struct {
	mu      sync.Mutex
	script  []error
	attempt int
	seen    []core.Upstream
}

func (d *scriptedDialer) DialUpstream(ctx context.Context, u core.Upstream) (forwarder.DuplexConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, u)
	var err error
	if d.attempt < len(d.script) {
		err = d.script[d.attempt]
	}
	d.attempt++
	if err != nil {
		return nil, err
	}
	return &blackholeConn{}, nil
}

type recordingReportSink struct {
	mu      sync.Mutex
	reports []HealthReport
}

func (s *recordingReportSink) ReportUpstreamHealth(report *HealthReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, *report)
}

func (s *recordingReportSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newCountingSink() *countingSink { return &countingSink{counts: make(map[string]int64)} }

func (s *countingSink) IncrCounter(workerID uint64, name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.counts[name] += delta
}

func (s *countingSink) get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

func TestProbePoolProbesOnItsOwnWorkersTimingWheel(t *testing.T) {
	sys, err := iosystem.New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	upstream := core.Upstream{Network: "tcp", Address: "upstream:1"}
	dialer := &scriptedDialer{}
	reportSink := &recordingReportSink{}
	metricsSink := newCountingSink()

	pool := NewProbePool(ProbePoolConfig{
		HealthReportSink: reportSink,
		ProbePeriod:      5 * time.Millisecond,
		Upstreams:        core.NewUpstreamSet(upstream),
		Dialer:           dialer,
		Sink:             metricsSink,
	})

	w := sys.Next()
	bound := make(chan struct{})
	w.Post(func(w *iosystem.Worker) {
		w.Bind(pool)
		close(bound)
	})
	<-bound

	require.Eventually(t, func() bool {
		return reportSink.count() >= 2
	}, time.Second, time.Millisecond)

	require.GreaterOrEqual(t, metricsSink.get("healthcheck.probe_success"), int64(2))
}

func TestProbePoolStopsProbingOnceUnbound(t *testing.T) {
	sys, err := iosystem.New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	upstream := core.Upstream{Network: "tcp", Address: "upstream:1"}
	dialer := &scriptedDialer{script: []error{errors.New("refused")}}
	reportSink := &recordingReportSink{}

	pool := NewProbePool(ProbePoolConfig{
		HealthReportSink: reportSink,
		ProbePeriod:      5 * time.Millisecond,
		Upstreams:        core.NewUpstreamSet(upstream),
		Dialer:           dialer,
	})

	w := sys.Next()
	var ctx *iosystem.Context
	bound := make(chan struct{})
	w.Post(func(w *iosystem.Worker) {
		ctx = w.Bind(pool)
		close(bound)
	})
	<-bound

	require.Eventually(t, func() bool {
		return reportSink.count() >= 1
	}, time.Second, time.Millisecond)

	unbound := make(chan struct{})
	w.Post(func(w *iosystem.Worker) {
		w.Unbind(ctx, nil)
		close(unbound)
	})
	<-unbound

	countAtUnbind := reportSink.count()
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, countAtUnbind, reportSink.count(), "no further probes should fire once unbound")
}
