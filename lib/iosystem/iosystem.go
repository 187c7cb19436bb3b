// Package iosystem implements the reactor: a fixed pool of single-threaded
// Workers, each driving its own goroutine, its own timing wheel, and its
// own table of bound WorkerItems. All cross-worker communication happens
// by posting closures onto a Worker's inbox channel; nothing outside a
// Worker's own goroutine may touch the state a WorkerItem owns. This
// mirrors the channel-and-goroutine idiom the rest of this codebase uses
// for concurrency (see Bridge's off-worker goroutine) rather than a raw
// netpoll loop, which Go's net package does not expose to callers: a
// goroutine-per-connection reader posting completed reads into the
// owning Worker's inbox gives the same single-thread-affine guarantees
// without reimplementing epoll.
package iosystem

import (
	"fmt"
	"time"

	liberrors "colossus/lib/errors"
	"colossus/lib/iowheel"
	"colossus/lib/metrics"
	"colossus/lib/slog"
)

const defaultInboxSize = 1024

// WorkerItem is anything bound to a Worker: a connection, a periodic task,
// a one-off piece of worker-affine state. OnBind runs synchronously inside
// Bind. OnMessage runs once per message sent to the Context via Send.
// OnShutdown runs exactly once, whether the item was explicitly Unbind-ed,
// panicked out of OnMessage, or the owning Worker is shutting down.
type WorkerItem interface {
	OnBind(ctx *Context)
	OnMessage(ctx *Context, msg any)
	OnShutdown(ctx *Context, cause error)
}

// Context identifies a WorkerItem bound to a particular Worker. It is safe
// to hold a Context from any goroutine, but Live and the effects of Send
// are only meaningful as observed from the owning Worker's goroutine.
type Context struct {
	id     uint64
	worker *Worker
}

// ID returns the id this context was bound under. IDs are unique within a
// Worker's lifetime but are not unique across Workers.
func (c *Context) ID() uint64 {
	return c.id
}

// Worker returns the Worker this Context is bound to.
func (c *Context) Worker() *Worker {
	return c.worker
}

// Send posts msg to the bound WorkerItem's OnMessage, to run on the
// Worker's own goroutine. If the item has since been unbound, the message
// is silently dropped: this is the cancellation mechanism for in-flight
// work targeting a connection that has already closed.
func (c *Context) Send(msg any) {
	c.worker.Post(func(w *Worker) {
		w.dispatch(c, msg)
	})
}

// Live reports whether the Context is still bound. Must only be called
// from the owning Worker's goroutine.
func (c *Context) Live() bool {
	return c.worker.isLive(c.id)
}

type itemEntry struct {
	item WorkerItem
}

// Worker is a single-threaded event loop: one goroutine processes its
// inbox and its timing wheel and nothing else ever touches its item
// table. The Worker New creates under AllowZeroWorkers has no background
// goroutine at all; Post runs inline on the caller. This degenerate mode
// exists for deterministic unit tests, not production use.
type Worker struct {
	id          uint64
	logger      slog.Logger
	sink        metrics.Sink
	inbox       chan func(*Worker)
	wheel       *iowheel.Wheel
	items       map[uint64]*itemEntry
	nextItemID  uint64
	ready       chan struct{}
	stopped     chan struct{}
	synchronous bool
}

func newWorker(id uint64, inboxSize int, logger slog.Logger, sink metrics.Sink, synchronous bool) *Worker {
	w := &Worker{
		id:          id,
		logger:      logger,
		sink:        sink,
		wheel:       iowheel.New(),
		items:       make(map[uint64]*itemEntry),
		ready:       make(chan struct{}),
		stopped:     make(chan struct{}),
		synchronous: synchronous,
	}
	if !synchronous {
		w.inbox = make(chan func(*Worker), inboxSize)
	}
	return w
}

// ID returns this Worker's id, stable for its lifetime within its IOSystem.
func (w *Worker) ID() uint64 {
	return w.id
}

// Post submits cmd to run on the Worker's own goroutine, in the order
// submitted relative to other Posts. It is the only sanctioned way for
// outside code to affect a Worker's state.
func (w *Worker) Post(cmd func(w *Worker)) {
	if w.synchronous {
		cmd(w)
		return
	}
	w.inbox <- cmd
}

// Bind registers item with the Worker and returns its Context. Must be
// called from the Worker's own goroutine (typically from within a Post
// callback, e.g. when an acceptor hands off a freshly accepted
// connection).
func (w *Worker) Bind(item WorkerItem) *Context {
	w.nextItemID++
	ctx := &Context{id: w.nextItemID, worker: w}
	w.items[ctx.id] = &itemEntry{item: item}
	w.sink.IncrCounter(w.id, "worker.item_bind", 1)
	item.OnBind(ctx)
	return ctx
}

// Unbind removes ctx's item and runs its OnShutdown with cause. Unbinding
// an already-unbound Context is a no-op.
func (w *Worker) Unbind(ctx *Context, cause error) {
	e, ok := w.items[ctx.id]
	if !ok {
		return
	}
	delete(w.items, ctx.id)
	e.item.OnShutdown(ctx, cause)
}

// MustGet looks up the WorkerItem bound to ctx. It panics with a
// FatalError if ctx is not bound. Callers use this only when they hold
// what they believe is the single live reference to ctx; seeing it
// missing means the bookkeeping around bind/unbind has a bug.
func (w *Worker) MustGet(ctx *Context) WorkerItem {
	e, ok := w.items[ctx.id]
	if !ok {
		panic(&liberrors.FatalError{Msg: "iosystem: WorkerItem looked up by live reference but not bound"})
	}
	return e.item
}

func (w *Worker) isLive(id uint64) bool {
	_, ok := w.items[id]
	return ok
}

func (w *Worker) dispatch(ctx *Context, msg any) {
	e, ok := w.items[ctx.id]
	if !ok {
		return
	}
	defer w.recoverItemPanic(ctx)
	w.sink.IncrCounter(w.id, "worker.item_dispatch", 1)
	e.item.OnMessage(ctx, msg)
}

func (w *Worker) recoverItemPanic(ctx *Context) {
	if r := recover(); r != nil {
		w.logger.Error(&slog.LogRecord{
			Msg:      "iosystem: WorkerItem panicked, unbinding",
			Details:  r,
			WorkerID: &w.id,
		})
		w.Unbind(ctx, fmt.Errorf("iosystem: recovered panic: %v", r))
	}
}

// Schedule arranges for fire to run on this Worker's goroutine once delay
// has elapsed. The returned Cancel, if called before fire runs, suppresses
// it. Must be called from the Worker's own goroutine.
func (w *Worker) Schedule(delay time.Duration, fire func()) iowheel.Cancel {
	return w.wheel.Schedule(time.Now(), delay, fire)
}

// AdvanceTime fires any due timers as of now. Production workers call this
// from their own run loop; tests using a synchronous Worker call it
// directly to drive scheduled work deterministically.
func (w *Worker) AdvanceTime(now time.Time) {
	w.wheel.Advance(now)
}

func (w *Worker) shutdownAll(cause error) {
	for id, e := range w.items {
		delete(w.items, id)
		e.item.OnShutdown(&Context{id: id, worker: w}, cause)
	}
}

// Shutdown unbinds every WorkerItem (running each OnShutdown) and, for a
// non-synchronous Worker, stops its run loop. It blocks until the loop has
// actually stopped.
func (w *Worker) Shutdown(cause error) {
	if w.synchronous {
		w.shutdownAll(cause)
		return
	}
	w.inbox <- func(w *Worker) {
		w.shutdownAll(cause)
		close(w.stopped)
	}
	<-w.stopped
}

func (w *Worker) run() {
	close(w.ready)
	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if d, ok := w.wheel.NextDeadline(); ok {
			timer = time.NewTimer(time.Until(d))
			timerC = timer.C
		}

		select {
		case cmd := <-w.inbox:
			if timer != nil {
				timer.Stop()
			}
			w.sink.IncrCounter(w.id, "worker.commands_processed", 1)
			cmd(w)
			select {
			case <-w.stopped:
				return
			default:
			}
		case now := <-timerC:
			w.wheel.Advance(now)
		}
	}
}

// Option configures an IOSystem at construction time.
type Option func(*config)

type config struct {
	inboxSize        int
	logger           slog.Logger
	sink             metrics.Sink
	allowZeroWorkers bool
}

// WithLogger overrides the default logger used to report WorkerItem panics.
func WithLogger(logger slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithInboxSize overrides the default per-Worker inbox channel capacity.
func WithInboxSize(n int) Option {
	return func(c *config) { c.inboxSize = n }
}

// WithMetricsSink installs a metrics.Sink every Worker reports its
// per-shard counters to. Defaults to metrics.NoopSink{}.
func WithMetricsSink(sink metrics.Sink) Option {
	return func(c *config) { c.sink = sink }
}

// AllowZeroWorkers opts into a single synchronous Worker fallback when
// numWorkers <= 0, instead of New returning an error. This exists for unit
// tests that want deterministic, inline execution and have no use for a
// background goroutine; production callers should not pass this.
func AllowZeroWorkers() Option {
	return func(c *config) { c.allowZeroWorkers = true }
}

// IOSystem owns a fixed pool of Workers and assigns incoming work to them
// round robin.
type IOSystem struct {
	name    string
	workers []*Worker
	next    uint64
}

// New constructs an IOSystem with numWorkers Workers, starts each one's
// run loop, and blocks until every Worker has reported ready before
// returning. numWorkers must be positive unless AllowZeroWorkers is
// given, in which case a single synchronous Worker is used instead.
func New(name string, numWorkers int, opts ...Option) (*IOSystem, error) {
	cfg := config{inboxSize: defaultInboxSize, logger: slog.GetDefaultLogger(), sink: metrics.NoopSink{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	if numWorkers <= 0 && !cfg.allowZeroWorkers {
		return nil, fmt.Errorf("iosystem: numWorkers must be positive, got %d (pass AllowZeroWorkers to opt into a synchronous fallback)", numWorkers)
	}

	sys := &IOSystem{name: name}
	if numWorkers <= 0 {
		sys.workers = []*Worker{newWorker(0, 0, cfg.logger, cfg.sink, true)}
		close(sys.workers[0].ready)
		return sys, nil
	}

	sys.workers = make([]*Worker, numWorkers)
	for i := range sys.workers {
		sys.workers[i] = newWorker(uint64(i), cfg.inboxSize, cfg.logger, cfg.sink, false)
		go sys.workers[i].run()
	}
	for _, w := range sys.workers {
		<-w.ready
	}
	return sys, nil
}

// Name returns the name this IOSystem was constructed with.
func (s *IOSystem) Name() string {
	return s.name
}

// Workers returns the fixed set of Workers backing this IOSystem.
func (s *IOSystem) Workers() []*Worker {
	return s.workers
}

// Next returns the next Worker in round-robin order. Acceptors use this to
// spread new connections evenly across the pool.
func (s *IOSystem) Next() *Worker {
	idx := s.next % uint64(len(s.workers))
	s.next++
	return s.workers[idx]
}

// Shutdown stops every Worker, unbinding all of their WorkerItems first.
func (s *IOSystem) Shutdown() {
	for _, w := range s.workers {
		w.Shutdown(nil)
	}
}
