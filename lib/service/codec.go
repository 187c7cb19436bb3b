// Package service composes a wire Codec and a connection Handler into the
// request/response pipelines that sit on top of lib/conn: a server-side
// pipeline that dispatches decoded inputs to a Handler and reorders
// out-of-order callback completions back onto the wire in arrival order,
// and a client-side pipeline that pipelines requests over a single
// connection and resolves them in FIFO order as responses arrive.
package service

import (
	"fmt"

	"colossus/lib/databuf"
)

// ProtocolError reports bytes that do not satisfy a Codec's grammar. It is
// always unrecoverable at the transport level: the connection holding it
// closes, and a client pipeline fails every in-flight request with it.
type ProtocolError struct {
	Msg   string
	Cause error
}

func (e *ProtocolError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("service: protocol error: %s", e.Msg)
	}
	return fmt.Sprintf("service: protocol error: %s: %v", e.Msg, e.Cause)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// DecodeStatus reports whether Codec.Decode found a complete frame.
type DecodeStatus int

const (
	// More means the buffer does not yet hold a whole frame; Decode must
	// be called again once more bytes have arrived. buf is left exactly
	// as it was passed in: Decode must not advance it before it has a
	// complete frame in hand.
	More DecodeStatus = iota
	// Framed means buf held a complete frame. Decode has advanced buf
	// past exactly the bytes that frame consumed, and Input holds the
	// decoded value.
	Framed
)

// Codec translates between wire bytes and a protocol's Input/Output
// message types for a single connection. A Codec must not retain buf, or
// any slice obtained from it, beyond the call to Decode.
type Codec[Input, Output any] interface {
	// Decode attempts to parse one frame from the head of buf. See
	// DecodeStatus for the contract around how much of buf it may
	// consume. A non-nil err is always a *ProtocolError.
	Decode(buf *databuf.DataBuffer) (status DecodeStatus, input Input, err error)

	// Encode returns an Encoder that streams output onto the
	// connection's write pipeline.
	Encode(output Output) databuf.Encoder

	// ErrorResponse translates a failure processing input into an
	// in-band output. If ok is false, no in-band recovery exists and the
	// connection that produced cause must close instead.
	ErrorResponse(input Input, cause error) (output Output, ok bool)
}
