// Package forwarder declares the narrow structural interfaces a
// forwarding gateway handler needs from its collaborators: something
// that can CloseWrite a half-duplex connection, something that can gate
// client admission, something that can authorize a client's candidate
// upstreams, and something that can dial the best one. cmd/colossus's
// GatewayHandler is built directly against these interfaces; it does not
// use a raw byte-forwarding loop of its own, since lib/conn.Connection
// already owns the socket's read/write pumps and speaks through a Codec.
package forwarder

import (
	"context"
	"net"
	"colossus/lib/core"
)

// CloseWriter represents something that can CloseWrite.
//
// Notable implementations in the standard library include:
// - net.TCPCOnn
// - tls.Conn
type CloseWriter interface {
	CloseWrite() error // CloseWrite shuts down the writer side of a connection.
}

type DuplexConn interface {
	net.Conn
	CloseWriter
}

// ClientReserver represents an entity that can limit "reservations"
// by clients, as an abstraction of client rate limiting.
//
// Multiple goroutines may invoke methods on a ClientReserver
// simultaneously.
type ClientReserver interface {
	// TryReserve attempts to acquire a reservation for the given client.
	// If the attempt succeeds, nil is returned.
	// If no reservations are available, the attempt returns an error.
	// This call does not block.
	TryReserve(ctx context.Context, c core.ClientID) error

	// ReleaseReservation releases a reservation that was previously acquired
	// for the given ClientID c by TryReserve.
	ReleaseReservation(ctx context.Context, c core.ClientID) error
}

// Authorizer abstracts an authorization policy that
// controls which clients are allowed to forward connections to which upstreams.
//
// Multiple goroutines may invoke methods on an Authorizer simultaneously.
type Authorizer interface {
	// AuthorizedUpstreams returns an UpstreamSet of upstreams that the ClientID c
	// is authorized to access. If c is not authorized to access any upstreams,
	// implementations should return an empty UpstreamSet and nil.
	AuthorizedUpstreams(ctx context.Context, c core.ClientID) (core.UpstreamSet, error)
}

// BestUpstreamDialer dials the best upstream out of a set of candidates.
//
// Multiple goroutines may invoke methods on a BestUpstreamDialer simultaneously.
type BestUpstreamDialer interface {
	// DialBestUpstream considers the given candidate upstreams and attempts to connect to
	// the "best" one (implementation defined). If successful, the winning Upstream is
	// returned alongside a DuplexConn to that upstream, and nil error.
	//
	// If error is nil, the caller is responsible for closing the returned DuplexConn
	// once finished with it to avoid leaking resources.
	DialBestUpstream(ctx context.Context, candidates core.UpstreamSet) (core.Upstream, DuplexConn, error)
}

