// Package conn implements the connection lifecycle state machine: the
// byte-level read/write plumbing every service-level protocol is built
// on top of. A Connection is a WorkerItem; its state, read buffer and
// encoder queue are only ever touched from its owning Worker's
// goroutine. The two goroutines a Connection does own (one blocking on
// net.Conn.Read, one blocking on net.Conn.Write) never touch that state
// directly: they only post events back through the Context.
package conn

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"colossus/lib/databuf"
	liberrors "colossus/lib/errors"
	"colossus/lib/iosystem"
	"colossus/lib/iowheel"
	"colossus/lib/slog"
)

// State is a Connection's position in its lifecycle.
type State int

const (
	Connecting State = iota
	Connected
	HalfClosed
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case HalfClosed:
		return "half-closed"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var errIdleTimeout = errors.New("conn: idle timeout")

// Observer receives a Connection's lifecycle and data events. All methods
// are invoked from the owning Worker's goroutine.
type Observer interface {
	// OnConnected runs once OnBind has set up the Connection's goroutines.
	OnConnected(c *Connection)
	// OnData runs once per inbound read, with the raw bytes received.
	// Implementations that need framing buffer partial frames themselves;
	// Connection does no decoding.
	OnData(c *Connection, data []byte)
	// OnDisconnected runs exactly once, whatever caused the connection to
	// end: EOF, a read or write error, an idle timeout, or an explicit
	// Close. cause is nil for a clean, locally-initiated close.
	OnDisconnected(c *Connection, cause error)
}

const (
	defaultReadBufferSize = 64 * 1024
	defaultWriteChunkSize = 16 * 1024
	defaultHighWaterMark  = 1 << 20 // 1 MiB of unacknowledged output
)

// Options configures a Connection's buffering, backpressure and idle
// timeout behaviour.
type Options struct {
	// ReadBufferSize bounds how many bytes a single Read syscall may
	// return at a time.
	ReadBufferSize int
	// HighWaterMark is the number of bytes queued for write but not yet
	// confirmed written to the socket at which read interest is
	// suspended: the Connection stops issuing further Reads until the
	// outstanding byte count drops back to LowWaterMark. This is what
	// makes a slow peer on one side of a forwarded connection apply
	// backpressure to reads on the other side instead of buffering
	// unboundedly in memory.
	HighWaterMark int64
	// LowWaterMark is the outstanding-byte level at or below which a
	// suspended Connection resumes reading.
	LowWaterMark int64
	// IdleTimeout closes the connection if no read or write activity
	// occurs for this long. Zero disables the idle timeout.
	IdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultReadBufferSize
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = defaultHighWaterMark
	}
	if o.LowWaterMark <= 0 || o.LowWaterMark >= o.HighWaterMark {
		o.LowWaterMark = o.HighWaterMark / 2
	}
	return o
}

type readEvent struct {
	data []byte
	err  error
}

type writeProgressEvent struct {
	n int64
}

type writerFailedEvent struct {
	err error
}

type idleTimeoutEvent struct{}

type releasable interface {
	Release()
}

// Connection is a net.Conn bound to exactly one Worker, carrying a
// backpressured encoder write pipeline and an idle timeout. Construct one
// with New and bind it with Worker.Bind.
type Connection struct {
	logger   slog.Logger
	netConn  net.Conn
	observer Observer
	opts     Options

	ctx   *iosystem.Context
	state State

	pending         []databuf.Encoder
	writing         bool
	readSuspended   bool
	appSuspended    bool
	outstandingSent int64

	idleCancel iowheel.Cancel

	out      *outbox
	readGate chan struct{}
}

// New returns a Connection ready to be bound to a Worker.
func New(logger slog.Logger, netConn net.Conn, observer Observer, opts Options) *Connection {
	return &Connection{
		logger:   logger,
		netConn:  netConn,
		observer: observer,
		opts:     opts.withDefaults(),
		state:    Connecting,
		out:      newOutbox(),
		readGate: make(chan struct{}, 1),
	}
}

// State returns the Connection's current lifecycle state.
func (c *Connection) State() State { return c.state }

// RemoteAddr returns the underlying net.Conn's remote address.
func (c *Connection) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Context returns the iosystem.Context this Connection was bound under.
// It is only valid once OnBind has run.
func (c *Connection) Context() *iosystem.Context { return c.ctx }

// PendingDepth returns the number of encoders not yet fully flushed to the
// outbox.
func (c *Connection) PendingDepth() int { return len(c.pending) }

// OutstandingBytes returns the number of bytes handed to the write
// goroutine but not yet confirmed written to the socket: the quantity
// HighWaterMark and LowWaterMark are measured against.
func (c *Connection) OutstandingBytes() int64 { return c.outstandingSent }

// Enqueue appends enc to the write pipeline and kicks off flushing. It
// must be called from the owning Worker's goroutine (typically from
// within Observer.OnData or a Callback continuation chained off it).
func (c *Connection) Enqueue(enc databuf.Encoder) {
	if c.state == Closed {
		return
	}
	c.pending = append(c.pending, enc)
	c.pumpWrites()
}

// Close closes the connection at once: it unbinds the Connection from its
// Worker synchronously, so the socket is closed and
// Observer.OnDisconnected runs with a nil cause before Close returns.
// Output still queued for the writer goroutine is not flushed first and
// may never reach the peer.
func (c *Connection) Close() {
	c.closeWith(nil)
}

func (c *Connection) closeWith(cause error) {
	if c.state == Closed {
		return
	}
	c.ctx.Worker().Unbind(c.ctx, cause)
}

// OnBind implements iosystem.WorkerItem: it starts the connection's
// reader and writer goroutines and arms its idle timeout.
func (c *Connection) OnBind(ctx *iosystem.Context) {
	c.ctx = ctx
	c.state = Connected
	c.armIdleTimeout()
	c.grantReadIfAllowed()
	go c.readLoop()
	go c.writeLoop()
	c.observer.OnConnected(c)
}

// OnMessage implements iosystem.WorkerItem.
func (c *Connection) OnMessage(ctx *iosystem.Context, msg any) {
	switch m := msg.(type) {
	case readEvent:
		c.handleRead(m)
	case writeProgressEvent:
		c.outstandingSent -= m.n
		if c.readSuspended {
			c.grantReadIfAllowed()
		}
	case writerFailedEvent:
		c.logger.Warn(&slog.LogRecord{Msg: "conn: write error, closing connection", Error: m.err})
		c.closeWith(m.err)
	case idleTimeoutEvent:
		c.closeWith(errIdleTimeout)
	default:
		panic(&liberrors.FatalError{Msg: "conn: Connection received an unrecognised message"})
	}
}

// OnShutdown implements iosystem.WorkerItem.
func (c *Connection) OnShutdown(ctx *iosystem.Context, cause error) {
	c.state = Closed
	if c.idleCancel != nil {
		c.idleCancel()
	}
	_ = c.netConn.Close()
	c.out.close()
	c.observer.OnDisconnected(c, cause)
}

func (c *Connection) handleRead(ev readEvent) {
	if c.state == Closed {
		return
	}
	c.resetIdleTimeout()
	if len(ev.data) > 0 {
		c.observer.OnData(c, ev.data)
	}
	if ev.err != nil {
		c.closeWith(normalizeReadErr(ev.err))
		return
	}
	c.grantReadIfAllowed()
}

func normalizeReadErr(err error) error {
	// A clean EOF is not a failure; callers just see a nil cause.
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (c *Connection) readLoop() {
	buf := make([]byte, c.opts.ReadBufferSize)
	for {
		if _, ok := <-c.readGate; !ok {
			return
		}
		n, err := c.netConn.Read(buf)
		var data []byte
		if n > 0 {
			data = make([]byte, n)
			copy(data, buf[:n])
		}
		c.ctx.Send(readEvent{data: data, err: err})
		if err != nil {
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for range c.out.notify {
		for _, chunk := range c.out.drain() {
			n, err := c.netConn.Write(chunk)
			if n > 0 {
				c.ctx.Send(writeProgressEvent{n: int64(n)})
			}
			if err != nil {
				c.ctx.Send(writerFailedEvent{err: err})
				return
			}
		}
	}
}

// pumpWrites drains the pending encoder queue into the outbox. Each
// encoder is driven to completion (across as many chunk-sized
// NewFixedOutBuffer passes as it needs) before moving to the next, so a
// frame larger than defaultWriteChunkSize never stalls behind an encoder
// that happens to be enqueued after it.
func (c *Connection) pumpWrites() {
	if c.writing {
		return
	}
	c.writing = true
	for len(c.pending) > 0 {
		status := databuf.Incomplete
		for status != databuf.Complete {
			scratch := make([]byte, defaultWriteChunkSize)
			out := databuf.NewFixedOutBuffer(scratch)
			status = c.pending[0].WriteInto(out)
			if written := out.Written(); len(written) > 0 {
				chunk := make([]byte, len(written))
				copy(chunk, written)
				c.outstandingSent += int64(len(chunk))
				c.out.push(chunk)
			}
		}
		if r, ok := c.pending[0].(releasable); ok {
			r.Release()
		}
		c.pending = c.pending[1:]
	}
	c.writing = false
	c.grantReadIfAllowed()
}

// grantReadIfAllowed arms the next Read unless outstanding unacknowledged
// write bytes have crossed HighWaterMark, in which case it marks the
// Connection suspended and leaves the reader goroutine parked on
// readGate. Resuming requires outstandingSent to drop all the way back to
// LowWaterMark, not just below HighWaterMark, so a connection hovering
// between the two marks doesn't flap read interest on every write
// acknowledgement. It is called after each read completes and after write
// progress brings outstandingSent back down.
func (c *Connection) grantReadIfAllowed() {
	if c.readSuspended {
		if c.outstandingSent > c.opts.LowWaterMark {
			return
		}
		c.readSuspended = false
	} else if c.outstandingSent >= c.opts.HighWaterMark {
		c.readSuspended = true
		return
	}
	if c.appSuspended {
		return
	}
	select {
	case c.readGate <- struct{}{}:
	default:
	}
}

// SuspendReads lets a layer above Connection (the service pipeline's
// handler-dispatch backpressure, independent of Connection's own
// byte-level write backpressure) withhold read interest for a reason of
// its own. Must be called from the owning Worker's goroutine.
func (c *Connection) SuspendReads() {
	c.appSuspended = true
}

// ResumeReads undoes SuspendReads and re-arms the next Read if nothing
// else is holding read interest suspended. Must be called from the
// owning Worker's goroutine.
func (c *Connection) ResumeReads() {
	c.appSuspended = false
	c.grantReadIfAllowed()
}

func (c *Connection) armIdleTimeout() {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	c.idleCancel = c.ctx.Worker().Schedule(c.opts.IdleTimeout, func() {
		c.ctx.Send(idleTimeoutEvent{})
	})
}

func (c *Connection) resetIdleTimeout() {
	if c.opts.IdleTimeout <= 0 {
		return
	}
	if c.idleCancel != nil {
		c.idleCancel()
	}
	c.armIdleTimeout()
}

// outbox is the single point where a Connection's worker-affine state
// hands bytes to its writer goroutine. It is the one place in this
// package that needs a mutex: production (from the Worker goroutine) and
// consumption (from the writer goroutine) genuinely run concurrently.
type outbox struct {
	mu        sync.Mutex
	chunks    [][]byte
	notify    chan struct{}
	closeOnce sync.Once
}

func newOutbox() *outbox {
	return &outbox{notify: make(chan struct{}, 1)}
}

func (o *outbox) push(chunk []byte) {
	o.mu.Lock()
	o.chunks = append(o.chunks, chunk)
	o.mu.Unlock()
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	chunks := o.chunks
	o.chunks = nil
	return chunks
}

func (o *outbox) close() {
	o.closeOnce.Do(func() { close(o.notify) })
}
