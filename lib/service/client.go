package service

import (
	"errors"
	"net"
	"time"

	"github.com/ef-ds/deque"
	"github.com/gofrs/uuid"

	"colossus/lib/callback"
	"colossus/lib/conn"
	"colossus/lib/core"
	"colossus/lib/databuf"
	"colossus/lib/iosystem"
	"colossus/lib/iowheel"
	"colossus/lib/retry"
	"colossus/lib/slog"
)

// ErrClientNotConnected is returned by Send when the client has no live
// connection (still dialing, or reconnecting after a failure).
var ErrClientNotConnected = errors.New("service: client is not connected")

// ErrClientDisconnected resolves any request still in flight when its
// connection closes without an error cause: a clean EOF from upstream, or
// the Client's own Close after a request timeout. A connection lost to a
// read, write or idle-timeout error fails them with that error instead,
// and a protocol error fails them with the *ProtocolError.
var ErrClientDisconnected = errors.New("service: client disconnected before response arrived")

// ErrRequestTimeout resolves a request whose deadline elapsed before a
// response arrived.
var ErrRequestTimeout = errors.New("service: request timed out")

// ClientState is a Client's position in its connect/reconnect lifecycle.
type ClientState int

const (
	ClientConnecting ClientState = iota
	ClientConnected
	ClientReconnecting
	ClientClosed
)

// ClientOptions configures a Client's request timeout, dial timeout and
// reconnection policy.
type ClientOptions struct {
	// RequestTimeout is the deadline applied to every Send; Send takes no
	// per-request deadline of its own. Zero disables request timeouts.
	RequestTimeout time.Duration
	// DialTimeout bounds each individual dial attempt.
	DialTimeout time.Duration
	// IdleTimeout closes the underlying connection after this long
	// without read or write activity. Zero disables it.
	IdleTimeout time.Duration
	// RetryPolicy decides whether, and after how long, to redial after a
	// failed connect attempt or a dropped connection. Defaults to
	// retry.NoRetry{} if nil.
	RetryPolicy retry.Policy
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.RetryPolicy == nil {
		o.RetryPolicy = retry.NoRetry{}
	}
	return o
}

// clientEntry tracks one in-flight request: its resolver, an optional
// timeout cancellation, and a correlation id carried only for logging
// (the actual response match is positional FIFO, not id-based).
type clientEntry[Response any] struct {
	reqID         uuid.UUID
	resolved      bool
	resolve       func(callback.Result[Response])
	timeoutCancel iowheel.Cancel
}

// Client is the client-side half of a service: it pipelines requests
// over a single outbound connection to upstream and resolves each one's
// Callback as responses arrive, matched strictly by FIFO order. A Client
// is a Request-producing, Response-consuming conn.Observer; its Codec
// runs in the opposite direction from a ServerSession's, so it is typed
// Codec[Response, Request] (decodes Response, encodes Request) rather
// than Codec[Request, Response].
//
// All exported methods must be called from the owning Worker's
// goroutine, the same discipline conn.Connection follows.
type Client[Request, Response any] struct {
	logger   slog.Logger
	codec    Codec[Response, Request]
	worker   *iosystem.Worker
	upstream core.Upstream
	opts     ClientOptions

	state    ClientState
	attempt  int
	poisoned bool

	conn     *conn.Connection
	readBuf  []byte
	inFlight *deque.Deque // of *clientEntry[Response], oldest at front
}

// NewClient returns a Client bound to worker, ready to dial upstream once
// Start is called.
func NewClient[Request, Response any](logger slog.Logger, codec Codec[Response, Request], worker *iosystem.Worker, upstream core.Upstream, opts ClientOptions) *Client[Request, Response] {
	return &Client[Request, Response]{
		logger:   logger,
		codec:    codec,
		worker:   worker,
		upstream: upstream,
		opts:     opts.withDefaults(),
		inFlight: deque.New(),
	}
}

// State reports the Client's current connect/reconnect state.
func (c *Client[Request, Response]) State() ClientState { return c.state }

// Start posts the Client's first dial attempt onto its Worker.
func (c *Client[Request, Response]) Start() {
	c.worker.Post(func(w *iosystem.Worker) {
		c.dial()
	})
}

// Send encodes req onto the connection's write pipeline and returns a
// Callback resolved by the matching response, by request timeout, or by
// disconnection, whichever comes first. If the Client has no live
// connection, Send fails immediately with ErrClientNotConnected rather
// than queuing: callers needing at-least-once delivery across reconnects
// should retry Send themselves once State() reports ClientConnected.
func (c *Client[Request, Response]) Send(req Request) *callback.Callback[Response] {
	result, resolve := callback.Pending[Response](c.worker.ID())
	if c.state != ClientConnected || c.poisoned {
		resolve(callback.Errored[Response](ErrClientNotConnected))
		return result
	}

	reqID, _ := uuid.NewV4()
	entry := &clientEntry[Response]{reqID: reqID, resolve: resolve}
	c.inFlight.PushBack(entry)
	c.armTimeout(entry)

	c.conn.Enqueue(c.codec.Encode(req))
	return result
}

func (c *Client[Request, Response]) armTimeout(entry *clientEntry[Response]) {
	if c.opts.RequestTimeout <= 0 {
		return
	}
	entry.timeoutCancel = c.worker.Schedule(c.opts.RequestTimeout, func() {
		c.failTimeout(entry)
	})
}

// failTimeout resolves entry with ErrRequestTimeout and poisons the
// connection: per the protocol's FIFO matching contract, an expired
// request not at the head of the wire leaves no safe way to tell which
// future byte belongs to which still-pending request, so rather than try
// to resynchronise the Client simply closes the connection. OnDisconnected
// then fails every other entry with ErrClientDisconnected.
func (c *Client[Request, Response]) failTimeout(entry *clientEntry[Response]) {
	if entry.resolved {
		return
	}
	entry.resolved = true
	entry.resolve(callback.Errored[Response](ErrRequestTimeout))
	c.poisoned = true
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client[Request, Response]) OnConnected(cn *conn.Connection) {
	c.conn = cn
	c.state = ClientConnected
	c.attempt = 0
	c.poisoned = false
}

func (c *Client[Request, Response]) OnData(cn *conn.Connection, data []byte) {
	c.readBuf = append(c.readBuf, data...)
	for {
		if len(c.readBuf) == 0 {
			return
		}
		buf := databuf.NewDataBuffer(c.readBuf)
		before := buf.Remaining()
		status, output, err := c.codec.Decode(&buf)
		if err != nil {
			c.logger.Warn(&slog.LogRecord{Msg: "service: client protocol error, closing connection", Error: err})
			c.poisoned = true
			for {
				front, ok := c.inFlight.PopFront()
				if !ok {
					break
				}
				entry := front.(*clientEntry[Response])
				if entry.resolved {
					continue
				}
				if entry.timeoutCancel != nil {
					entry.timeoutCancel()
				}
				entry.resolved = true
				entry.resolve(callback.Errored[Response](err))
			}
			c.conn.Close()
			return
		}
		if status == More {
			return
		}
		consumed := before - buf.Remaining()
		c.readBuf = c.readBuf[consumed:]
		c.resolveNext(output)
	}
}

// resolveNext matches a decoded response to the oldest entry still
// awaiting one. An entry already resolved by its own timeout is skipped:
// its slot on the wire is consumed but nothing further happens, since the
// Client closes on any timeout and no more reads will follow.
func (c *Client[Request, Response]) resolveNext(output Response) {
	for {
		front, ok := c.inFlight.PopFront()
		if !ok {
			c.logger.Warn(&slog.LogRecord{Msg: "service: client received response with nothing in flight, closing connection"})
			c.poisoned = true
			c.conn.Close()
			return
		}
		entry := front.(*clientEntry[Response])
		if entry.resolved {
			continue
		}
		if entry.timeoutCancel != nil {
			entry.timeoutCancel()
		}
		entry.resolved = true
		entry.resolve(callback.Ok(output))
		return
	}
}

func (c *Client[Request, Response]) OnDisconnected(cn *conn.Connection, cause error) {
	disconnectErr := cause
	if disconnectErr == nil {
		disconnectErr = ErrClientDisconnected
	}
	for {
		front, ok := c.inFlight.PopFront()
		if !ok {
			break
		}
		entry := front.(*clientEntry[Response])
		if entry.resolved {
			continue
		}
		if entry.timeoutCancel != nil {
			entry.timeoutCancel()
		}
		entry.resolved = true
		entry.resolve(callback.Errored[Response](disconnectErr))
	}
	c.conn = nil
	c.readBuf = nil
	c.scheduleReconnect()
}

func (c *Client[Request, Response]) dial() {
	c.state = ClientConnecting
	dialTimeout := c.opts.DialTimeout
	upstream := c.upstream

	result := iosystem.Bridge(c.worker, func() (net.Conn, error) {
		dd := net.Dialer{Timeout: dialTimeout}
		return dd.Dial(upstream.Network, upstream.Address)
	})
	result.Execute(func(r callback.Result[net.Conn]) {
		if r.Err != nil {
			c.onDialFailed(r.Err)
			return
		}
		cn := conn.New(c.logger, r.Value, c, conn.Options{IdleTimeout: c.opts.IdleTimeout})
		c.worker.Bind(cn)
	})
}

func (c *Client[Request, Response]) onDialFailed(err error) {
	c.logger.Warn(&slog.LogRecord{Msg: "service: client dial failed", Error: err})
	c.scheduleReconnect()
}

func (c *Client[Request, Response]) scheduleReconnect() {
	delay, ok := c.opts.RetryPolicy.NextDelay(c.attempt)
	if !ok {
		c.state = ClientClosed
		return
	}
	c.attempt++
	c.state = ClientReconnecting
	c.worker.Schedule(delay, func() { c.dial() })
}

var _ conn.Observer = (*Client[string, string])(nil)
