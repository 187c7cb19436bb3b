package service

import (
	"github.com/ef-ds/deque"

	"colossus/lib/callback"
	"colossus/lib/conn"
	"colossus/lib/databuf"
	"colossus/lib/slog"
)

// pendingResponse tracks one dispatched request's position in arrival
// order until its Callback resolves and it can be written to the wire.
type pendingResponse[Input, Output any] struct {
	seq    uint64
	input  Input
	ready  bool
	output Output
	err    error
}

// ServerSession is a conn.Observer that decodes a stream of requests off
// a connection, dispatches each one to a Handler as soon as it is framed
// (pipelining multiple outstanding callbacks at once), and writes
// responses back to the wire strictly in arrival order: a response whose
// Callback resolves early waits in a reorder buffer behind any
// still-pending response that arrived before it.
type ServerSession[Input, Output any] struct {
	logger  slog.Logger
	codec   Codec[Input, Output]
	factory HandlerFactory[Input, Output]
	opts    Options

	conn    *conn.Connection
	handler Handler[Input, Output]

	readBuf []byte
	nextSeq uint64
	// inFlight holds *pendingResponse[Input, Output] in arrival order;
	// the front is always the oldest request not yet written to the
	// wire.
	inFlight *deque.Deque
}

// NewServerSession returns a ServerSession ready to be used as a
// conn.Observer for one accepted connection.
func NewServerSession[Input, Output any](logger slog.Logger, codec Codec[Input, Output], factory HandlerFactory[Input, Output], opts Options) *ServerSession[Input, Output] {
	return &ServerSession[Input, Output]{
		logger:   logger,
		codec:    codec,
		factory:  factory,
		opts:     opts.withDefaults(),
		inFlight: deque.New(),
	}
}

func (s *ServerSession[Input, Output]) OnConnected(c *conn.Connection) {
	s.conn = c
	s.handler = s.factory.NewHandler(c.Context())
}

func (s *ServerSession[Input, Output]) OnData(c *conn.Connection, data []byte) {
	s.readBuf = append(s.readBuf, data...)
	s.decodeLoop()
}

func (s *ServerSession[Input, Output]) OnDisconnected(c *conn.Connection, cause error) {
	s.handler.OnDisconnect(cause)
}

// decodeLoop frames as many requests as the buffered bytes allow,
// dispatching each one immediately, until the buffer holds only a
// partial frame or the in-flight count reaches PipelineHigh.
func (s *ServerSession[Input, Output]) decodeLoop() {
	for {
		if s.inFlight.Len() >= s.opts.PipelineHigh {
			s.conn.SuspendReads()
			return
		}
		if len(s.readBuf) == 0 {
			return
		}

		buf := databuf.NewDataBuffer(s.readBuf)
		before := buf.Remaining()
		status, input, err := s.codec.Decode(&buf)
		if err != nil {
			s.logger.Warn(&slog.LogRecord{Msg: "service: protocol error, closing connection", Error: err})
			s.conn.Close()
			return
		}
		if status == More {
			return
		}

		consumed := before - buf.Remaining()
		s.readBuf = s.readBuf[consumed:]
		s.dispatch(input)
	}
}

func (s *ServerSession[Input, Output]) dispatch(input Input) {
	entry := &pendingResponse[Input, Output]{seq: s.nextSeq, input: input}
	s.nextSeq++
	s.inFlight.PushBack(entry)

	cb := s.handler.Receive(input)
	cb.Execute(func(r callback.Result[Output]) {
		entry.ready = true
		entry.output = r.Value
		entry.err = r.Err
		s.drain()
	})
}

// drain writes every response at the front of inFlight that has resolved,
// stopping as soon as it hits one that hasn't: that is the reorder
// buffer's entire job, since responses must reach the wire in the same
// order their requests arrived regardless of completion order.
func (s *ServerSession[Input, Output]) drain() {
	for {
		front, ok := s.inFlight.Front()
		if !ok {
			break
		}
		entry := front.(*pendingResponse[Input, Output])
		if !entry.ready {
			break
		}
		s.inFlight.PopFront()

		if entry.err == nil {
			s.conn.Enqueue(s.codec.Encode(entry.output))
			continue
		}
		out, ok := s.codec.ErrorResponse(entry.input, entry.err)
		if !ok {
			s.conn.Close()
			return
		}
		s.conn.Enqueue(s.codec.Encode(out))
	}

	if s.inFlight.Len() <= s.opts.PipelineLow {
		s.conn.ResumeReads()
	}
	// More bytes may have accumulated in readBuf while we were suspended
	// above PipelineHigh.
	s.decodeLoop()
}

var _ conn.Observer = (*ServerSession[string, string])(nil)
