package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"

	"colossus/lib/authn"
	"colossus/lib/callback"
	"colossus/lib/core"
	"colossus/lib/forwarder"
	"colossus/lib/iosystem"
	"colossus/lib/service"
	"colossus/lib/slog"
)

// UpstreamHealthFilter narrows a candidate UpstreamSet down to the ones
// currently believed healthy. healthcheck.AlwaysHealthyChecker and
// *healthcheck.BeliefHealthTracker both satisfy this.
type UpstreamHealthFilter interface {
	HealthyUpstreams(candidates core.UpstreamSet) core.UpstreamSet
}

// GatewayHandlerFactory is the gateway's Initializer: one instance shared
// across every worker, closing over the worker-scoped-in-spirit (but
// actually goroutine-safe, since every method here tolerates concurrent
// callers) collaborators a forwarded request needs.
type GatewayHandlerFactory struct {
	Logger       slog.Logger
	Reserver     forwarder.ClientReserver
	Authorizer   forwarder.Authorizer
	HealthFilter UpstreamHealthFilter
	Dialer       forwarder.BestUpstreamDialer
}

func (f *GatewayHandlerFactory) NewHandler(ctx *iosystem.Context) service.Handler[Request, Response] {
	return &GatewayHandler{
		logger:       f.Logger,
		reserver:     f.Reserver,
		authorizer:   f.Authorizer,
		healthFilter: f.HealthFilter,
		dialer:       f.Dialer,
		ctx:          ctx,
		worker:       ctx.Worker(),
	}
}

var errNoAuthorizedUpstream = errors.New("colossus: client has no authorized, healthy upstream")

// GatewayHandler forwards one decoded Request to whichever upstream the
// client is authorized to reach, offloading the blocking dial-and-roundtrip
// through the async bridge so the rest of this handler's worker keeps
// serving every other connection while the forward is in flight: this is
// the runtime kernel's async-bridge scenario, concretely instantiated.
type GatewayHandler struct {
	logger       slog.Logger
	reserver     forwarder.ClientReserver
	authorizer   forwarder.Authorizer
	healthFilter UpstreamHealthFilter
	dialer       forwarder.BestUpstreamDialer

	ctx    *iosystem.Context
	worker *iosystem.Worker
}

// Receive reserves forwarding capacity for the client synchronously (this
// must stay cheap and non-blocking, since it runs on the worker thread),
// then bridges the actual upstream round trip off-worker. Using
// BridgeGuarded rather than Bridge ties the result to this connection's
// Context: if the connection closes before the forward completes, the
// result is dropped instead of being written to a dead connection.
func (h *GatewayHandler) Receive(req Request) *callback.Callback[Response] {
	clientID := core.ClientID{Namespace: authn.DefaultNamespace, Key: req.ClientKey}
	ctx := core.WithWorkerContext(context.Background(), h.worker.ID(), h.ctx.ID())

	if err := h.reserver.TryReserve(ctx, clientID); err != nil {
		return callback.Failed[Response](h.worker.ID(), err)
	}

	return iosystem.BridgeGuarded(h.worker, h.ctx, func() (Response, error) {
		defer func() { _ = h.reserver.ReleaseReservation(ctx, clientID) }()
		return h.forward(ctx, clientID, req)
	})
}

func (h *GatewayHandler) forward(ctx context.Context, clientID core.ClientID, req Request) (Response, error) {
	candidates, err := h.authorizer.AuthorizedUpstreams(ctx, clientID)
	if err != nil {
		return Response{}, err
	}
	healthy := h.healthFilter.HealthyUpstreams(candidates)
	if len(healthy) == 0 {
		return Response{}, errNoAuthorizedUpstream
	}

	upstream, upstreamConn, err := h.dialer.DialBestUpstream(ctx, healthy)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = upstreamConn.Close() }()

	line, err := gatewayJSON.Marshal(Request{Method: req.Method, Arg: req.Arg})
	if err != nil {
		return Response{}, err
	}
	if _, err := upstreamConn.Write(append(line, '\n')); err != nil {
		return Response{}, fmt.Errorf("colossus: writing to upstream %s: %w", upstream.Name(), err)
	}
	if err := upstreamConn.CloseWrite(); err != nil {
		return Response{}, fmt.Errorf("colossus: half-closing upstream %s: %w", upstream.Name(), err)
	}

	scanner := bufio.NewScanner(upstreamConn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("colossus: reading from upstream %s: %w", upstream.Name(), err)
		}
		return Response{}, fmt.Errorf("colossus: upstream %s closed without responding", upstream.Name())
	}

	var resp Response
	if err := gatewayJSON.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("colossus: malformed response from upstream %s: %w", upstream.Name(), err)
	}
	return resp, nil
}

func (h *GatewayHandler) OnDisconnect(cause error) {}

var _ service.Handler[Request, Response] = (*GatewayHandler)(nil)
var _ service.HandlerFactory[Request, Response] = (*GatewayHandlerFactory)(nil)
