package main

import (
	"errors"
	"fmt"
	"time"

	static "colossus/lib/authz/backend/static"
	"colossus/lib/conn"
	"colossus/lib/core"
	"colossus/lib/dialer"
	"colossus/lib/forwarder"
	"colossus/lib/healthcheck"
	"colossus/lib/iosystem"
	"colossus/lib/limiter"
	"colossus/lib/metrics"
	"colossus/lib/retry"
	server "colossus/lib/server"
	"colossus/lib/service"
	"colossus/lib/slog"
)

const (
	defaultUpstreamNetwork          = "tcp"
	defaultListenNetwork            = "tcp"
	defaultListenAddress            = "0.0.0.0:9000"
	defaultNumWorkers               = 4
	defaultReadBufferKB             = 64
	defaultWriteBufferKB            = 16
	defaultPipelineHigh             = 128
	defaultPipelineLow              = 32
	defaultConnectionIdleTimeout    = 5 * time.Minute
	defaultRequestTimeout           = 2 * time.Second
	defaultAcceptBacklog            = 1024
	defaultMaxConnectionsPerClient  = 64
	defaultUpstreamDialTimeout      = 2 * time.Second
	defaultAcceptErrorCooldown      = 100 * time.Millisecond
	allAuthorizedUpstreamsGroupName = "all"

	defaultHealthProbePeriod      = 5 * time.Second
	defaultHealthProbeDialTimeout = 1 * time.Second
	minFailuresToInferUnhealthy   = 3
	minSuccessesToInferHealthy    = 1
)

// Config holds every recognised configuration option from the §6
// configuration table, plus the forwarding-specific upstream/client-key
// set this example gateway needs to have something concrete to forward
// to and authorize.
type Config struct {
	ListenNetwork string
	ListenAddress string

	NumWorkers int

	ReadBufferKB  int
	WriteBufferKB int

	PipelineHigh int
	PipelineLow  int

	ConnectionIdleTimeout time.Duration
	RequestTimeout        time.Duration

	// ReconnectPolicy is parsed and validated but has no effect in this
	// example: the gateway dials upstream fresh per forwarded request via
	// dialer.RetryDialer rather than holding a persistent, reconnecting
	// service.Client. See DESIGN.md.
	ReconnectPolicy retry.Policy

	// AcceptBacklog is parsed and validated but has no effect: Go's net
	// package does not expose a portable listener backlog knob. See
	// DESIGN.md.
	AcceptBacklog int

	MaxConnectionsPerClient int64

	Upstreams         []core.Upstream
	AuthorizedClients []core.ClientID

	// MetricsSink receives every counter this gateway's worker-affine and
	// shared collaborators (the IOSystem itself, the health probe pool and
	// tracker, and the least-connections dial policy) report. Left nil,
	// every one of them falls back to metrics.NoopSink{} independently.
	MetricsSink metrics.Sink
}

func (c *Config) metricsSink() metrics.Sink {
	if c.MetricsSink == nil {
		return metrics.NoopSink{}
	}
	return c.MetricsSink
}

func (c *Config) Validate() error {
	if len(c.Upstreams) == 0 {
		return errors.New("server must be configured with 1 or more upstreams")
	}
	if c.NumWorkers <= 0 {
		return errors.New("num-workers must be positive")
	}
	return nil
}

func makeClientReserverFromConfig(logger slog.Logger, cfg *Config) forwarder.ClientReserver {
	if cfg.MaxConnectionsPerClient > 0 {
		reserver := limiter.NewUniformlyBoundedClientReserver(cfg.MaxConnectionsPerClient)
		reserver.Logger = logger
		return reserver
	}
	return limiter.UnboundedClientReserver{}
}

// makeAuthorizerFromConfig grants every configured client access to every
// configured upstream: a single catch-all group, same shape as the
// teacher's own placeholder authorization wiring, just generalised to an
// explicit client list instead of one hardcoded anonymous ClientID. It
// uses the reloadable static.Authorizer so an operator can later push a
// new client/upstream set via Reload without restarting the process.
func makeAuthorizerFromConfig(cfg *Config) *static.Authorizer {
	group := static.NewGroup(allAuthorizedUpstreamsGroupName)
	upstreamGroup := static.NewUGroup(allAuthorizedUpstreamsGroupName)

	groupsByClientID := make(map[core.ClientID][]static.Group, len(cfg.AuthorizedClients))
	for _, c := range cfg.AuthorizedClients {
		groupsByClientID[c] = []static.Group{group}
	}

	return static.NewStaticAuthorizer(static.Config{
		GroupsByClientID: groupsByClientID,
		UGroupsByGroup:   map[static.Group][]static.UGroup{group: {upstreamGroup}},
		UpstreamsByUGroup: map[static.UGroup]core.UpstreamSet{
			upstreamGroup: core.NewUpstreamSet(cfg.Upstreams...),
		},
	})
}

func makeDialerFromConfig(logger slog.Logger, cfg *Config) *dialer.RetryDialer {
	return &dialer.RetryDialer{
		Logger:      logger,
		Timeout:     defaultUpstreamDialTimeout,
		Policy:      dialer.NewLeastConnectionDialPolicyWithSink(cfg.metricsSink()),
		InnerDialer: dialer.SimpleUpstreamDialer{},
	}
}

// makeHealthTrackerFromConfig builds a BeliefHealthTracker pre-registered
// with every configured upstream, and a ProbePool that actively dials each
// one on a fixed period and reports the outcome into the tracker. The pool
// is returned separately so the caller can Bind it to a Worker: ProbePool
// is itself a WorkerItem, so its probe schedule runs on whichever Worker's
// timing wheel it is bound to rather than on its own background
// goroutines.
func makeHealthTrackerFromConfig(cfg *Config) (*healthcheck.BeliefHealthTracker, *healthcheck.ProbePool) {
	upstreams := core.NewUpstreamSet(cfg.Upstreams...)
	tracker := healthcheck.NewBeliefHealthTracker(upstreams, healthcheck.Config{
		Prior:                       healthcheck.HEALTHY,
		MinFailuresToInferUnhealthy: minFailuresToInferUnhealthy,
		MinSuccessesToInferHealthy:  minSuccessesToInferHealthy,
		Sink:                        cfg.metricsSink(),
	})
	pool := healthcheck.NewProbePool(healthcheck.ProbePoolConfig{
		HealthReportSink: tracker,
		ProbePeriod:      defaultHealthProbePeriod,
		Upstreams:        upstreams,
		Dialer: healthcheck.TimeoutDialer{
			Timeout: defaultHealthProbeDialTimeout,
			Inner:   dialer.SimpleUpstreamDialer{},
		},
		Sink: cfg.metricsSink(),
	})
	return tracker, pool
}

// NewServer wires every collaborator this gateway needs and returns a
// ServerRef ready to ListenAndServe, plus its IOSystem and health probe
// pool so the caller can manage their lifetimes. It does not itself start
// listening or probing: callers decide when, mirroring the teacher's own
// split between building a server and serving it.
func NewServer(logger slog.Logger, cfg *Config) (*server.ServerRef[Request, Response], *iosystem.IOSystem, *healthcheck.ProbePool, error) {
	sys, err := iosystem.New(commandName, cfg.NumWorkers,
		iosystem.WithLogger(logger),
		iosystem.WithMetricsSink(cfg.metricsSink()),
	)
	if err != nil {
		return nil, nil, nil, err
	}

	healthTracker, probePool := makeHealthTrackerFromConfig(cfg)

	factory := &GatewayHandlerFactory{
		Logger:       logger,
		Reserver:     makeClientReserverFromConfig(logger, cfg),
		Authorizer:   makeAuthorizerFromConfig(cfg),
		HealthFilter: healthTracker,
		Dialer:       makeDialerFromConfig(logger, cfg),
	}

	opts := server.Options{
		ConnOptions: conn.Options{
			ReadBufferSize: cfg.ReadBufferKB * 1024,
			IdleTimeout:    cfg.ConnectionIdleTimeout,
		},
		ServiceOptions: service.Options{
			PipelineHigh: cfg.PipelineHigh,
			PipelineLow:  cfg.PipelineLow,
		},
		AcceptErrorCooldown: defaultAcceptErrorCooldown,
	}

	ref := server.New[Request, Response](logger, commandName, sys, GatewayCodec{}, factory, opts)
	return ref, sys, probePool, nil
}

func serve(logger slog.Logger, cfg *Config) error {
	ref, sys, probePool, err := NewServer(logger, cfg)
	if err != nil {
		return err
	}
	defer sys.Shutdown()

	// ProbePool is itself a WorkerItem: binding it to one Worker arms its
	// per-upstream probe timers on that Worker's own timing wheel. sys.
	// Shutdown unbinds it along with every other item, which cancels those
	// timers via OnShutdown, so there is no separate Stop call to make.
	healthWorker := sys.Next()
	healthWorker.Post(func(w *iosystem.Worker) {
		w.Bind(probePool)
	})

	logger.Info(&slog.LogRecord{Msg: fmt.Sprintf("listening on network: %s address: %s", cfg.ListenNetwork, cfg.ListenAddress)})
	return ref.ListenAndServe(cfg.ListenNetwork, cfg.ListenAddress)
}
