package service

import (
	"colossus/lib/callback"
	"colossus/lib/iosystem"
)

// Handler is the application logic for one accepted connection. All of
// its methods run on the owning Worker's goroutine.
type Handler[Input, Output any] interface {
	// Receive is the single entry point: one call per decoded Input,
	// pipelined (Receive for input n+1 may run before input n's Callback
	// resolves). The returned Callback is tagged with input n's arrival
	// sequence number by the server pipeline; responses are written to
	// the wire in that order regardless of completion order.
	Receive(input Input) *callback.Callback[Output]

	// OnDisconnect runs exactly once, whatever caused the connection to
	// end.
	OnDisconnect(cause error)
}

// HandlerFactory constructs the per-connection Handler once a connection
// has been bound to a Worker, the same way an iosystem.WorkerItem's
// OnBind hook runs once per connection. Implementations typically close
// over worker-scoped resources (an upstream pool, a cache) set up once
// per Worker.
type HandlerFactory[Input, Output any] interface {
	NewHandler(ctx *iosystem.Context) Handler[Input, Output]
}

// HandlerFactoryFunc adapts a plain function to a HandlerFactory.
type HandlerFactoryFunc[Input, Output any] func(ctx *iosystem.Context) Handler[Input, Output]

func (f HandlerFactoryFunc[Input, Output]) NewHandler(ctx *iosystem.Context) Handler[Input, Output] {
	return f(ctx)
}
