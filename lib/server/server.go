// Package server implements the acceptor: the component that owns a
// listening socket, hands each accepted connection off to a worker
// round-robin, and never touches application state itself. It follows
// the same blocking "for { Accept(); dispatch }" idiom the teacher's own
// raw-proxy accept loop used, generalised to route each accepted socket
// into an iosystem.IOSystem worker instead of spawning a goroutine per
// connection directly.
package server

import (
	"net"
	"sync"
	"time"

	"colossus/lib/conn"
	"colossus/lib/iosystem"
	"colossus/lib/service"
	"colossus/lib/slog"
)

// State is a ServerRef's position in its listen lifecycle.
type State int

const (
	Initializing State = iota
	Bound
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Bound:
		return "bound"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const defaultAcceptErrorCooldown = 10 * time.Millisecond

// Options configures a ServerRef's accept loop and the Connection/
// ServerSession it constructs for each accepted socket.
type Options struct {
	// ConnOptions is passed through to conn.New for every accepted socket.
	ConnOptions conn.Options
	// ServiceOptions is passed through to service.NewServerSession for
	// every accepted socket.
	ServiceOptions service.Options
	// AcceptErrorCooldown bounds how long the accept loop sleeps after a
	// transient Accept error before retrying, so a run of EMFILE-style
	// errors doesn't spin the CPU.
	AcceptErrorCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.AcceptErrorCooldown <= 0 {
		o.AcceptErrorCooldown = defaultAcceptErrorCooldown
	}
	return o
}

// ServerRef is a handle to one listening server: the acceptor goroutine
// plus the round-robin worker pool it feeds. Its Codec and HandlerFactory
// are exactly a service layer's Initializer (one factory shared by every
// worker the IOSystem owns; each worker's ServerSessions call it
// independently, so any worker-scoped resources the factory closes over
// must themselves be worker-safe, e.g. held per-Context rather than
// shared mutable state).
type ServerRef[Input, Output any] struct {
	logger  slog.Logger
	name    string
	sys     *iosystem.IOSystem
	codec   service.Codec[Input, Output]
	factory service.HandlerFactory[Input, Output]
	opts    Options

	mu       sync.Mutex
	state    State
	listener net.Listener

	acceptDone chan struct{}
}

// New returns a ServerRef in state Initializing, not yet bound to any
// address.
func New[Input, Output any](logger slog.Logger, name string, sys *iosystem.IOSystem, codec service.Codec[Input, Output], factory service.HandlerFactory[Input, Output], opts Options) *ServerRef[Input, Output] {
	return &ServerRef[Input, Output]{
		logger:  logger,
		name:    name,
		sys:     sys,
		codec:   codec,
		factory: factory,
		opts:    opts.withDefaults(),
		state:   Initializing,
	}
}

// Name returns the name this ServerRef was constructed with.
func (s *ServerRef[Input, Output]) Name() string { return s.name }

// State reports the ServerRef's current lifecycle state.
func (s *ServerRef[Input, Output]) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound listener's address. Valid once State has reached
// Bound or later.
func (s *ServerRef[Input, Output]) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe binds network/address, transitions Bound then Running,
// and runs the accept loop on the calling goroutine until the server is
// drained or stopped. Callers typically run it in its own goroutine.
func (s *ServerRef[Input, Output]) ListenAndServe(network, address string) error {
	ln, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.state = Bound
	s.acceptDone = make(chan struct{})
	s.state = Running
	s.mu.Unlock()

	s.acceptLoop(ln)
	return nil
}

// acceptLoop never touches application state: it only picks the next
// worker round-robin and posts a NewConnection-equivalent command to it.
// A transient Accept error is logged and retried after a cooldown; a
// permanent one (the listener was closed by Drain/Stop) ends the loop.
func (s *ServerRef[Input, Output]) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if s.State() >= Draining {
				return
			}
			s.logger.Warn(&slog.LogRecord{Msg: "server: accept error", Error: err})
			time.Sleep(s.opts.AcceptErrorCooldown)
			continue
		}
		s.dispatch(netConn)
	}
}

// dispatch hands netConn to the next worker round-robin. Everything past
// this point (construction of the ServerSession, the Connection, and the
// Handler the Initializer produces) happens on that worker's own
// goroutine, never here.
func (s *ServerRef[Input, Output]) dispatch(netConn net.Conn) {
	w := s.sys.Next()
	w.Post(func(w *iosystem.Worker) {
		session := service.NewServerSession[Input, Output](s.logger, s.codec, s.factory, s.opts.ServiceOptions)
		cn := conn.New(s.logger, netConn, session, s.opts.ConnOptions)
		w.Bind(cn)
	})
}

// Drain stops accepting new connections but leaves already-accepted ones
// to finish on their own. It does not wait for them; callers that need
// to block until fully quiesced should follow with Stop and their own
// application-level drain signal.
func (s *ServerRef[Input, Output]) Drain() {
	s.mu.Lock()
	if s.state == Draining || s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Draining
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
}

// Stop drains (if not already) and waits for the accept loop to exit,
// releasing the listening socket. Stopped is terminal: a ServerRef cannot
// be restarted.
func (s *ServerRef[Input, Output]) Stop() {
	s.Drain()
	if s.acceptDone != nil {
		<-s.acceptDone
	}
	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()
}
