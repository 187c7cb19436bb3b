// Package callback implements Callback[T], the worker-thread-affine
// deferred value described in the kernel design. A Callback is
// deliberately less capable than a general-purpose future: it never
// migrates threads, so its continuations can run without locks. The only
// sanctioned way to bring in a result computed off the owning worker is
// the async bridge built on top of Pending (see the iosystem package,
// which owns the worker command queue that the bridge posts to).
package callback

import "colossus/lib/errors"

// Result carries either a value or an error, never both. The terminal
// handler attached via Execute always receives exactly one Result.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Errored wraps a failure.
func Errored[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Callback is a one-shot, worker-thread-affine deferred value. All
// continuations attached to a Callback run synchronously on the worker
// that created it, in the order they were composed. A Callback must only
// ever be touched from that worker's thread; it carries no internal
// locking.
type Callback[T any] struct {
	workerID  uint64
	done      bool
	result    Result[T]
	onResolve []func(Result[T])
}

// WorkerID returns the id of the worker this Callback is affine to.
func (c *Callback[T]) WorkerID() uint64 {
	return c.workerID
}

// Successful returns a Callback that has already completed with v.
func Successful[T any](workerID uint64, v T) *Callback[T] {
	return &Callback[T]{workerID: workerID, done: true, result: Ok(v)}
}

// Failed returns a Callback that has already completed with err.
func Failed[T any](workerID uint64, err error) *Callback[T] {
	return &Callback[T]{workerID: workerID, done: true, result: Errored[T](err)}
}

// Pending returns a not-yet-complete Callback together with the resolver
// function that completes it. Calling the resolver a second time is a
// programming error (the framework never does this itself: it is reserved
// for callers building their own completion sources, e.g. from_async).
func Pending[T any](workerID uint64) (*Callback[T], func(Result[T])) {
	c := &Callback[T]{workerID: workerID}
	return c, c.complete
}

func (c *Callback[T]) complete(r Result[T]) {
	if c.done {
		panic(&errors.FatalError{Msg: "callback completed twice"})
	}
	c.done = true
	c.result = r
	pending := c.onResolve
	c.onResolve = nil
	for _, f := range pending {
		f(r)
	}
}

// onComplete registers f to run once this Callback resolves, or runs it
// immediately if the Callback has already resolved. It is the shared
// primitive behind Map, FlatMap, Recover, MapErr and the public Execute;
// unlike Execute it may be called any number of times.
func (c *Callback[T]) onComplete(f func(Result[T])) {
	if c.done {
		f(c.result)
		return
	}
	c.onResolve = append(c.onResolve, f)
}

// Execute attaches the terminal continuation k, invoked exactly once with
// this Callback's eventual Result. This is how the framework wires a
// handler's Callback[Output] to the connection's write pipeline.
func (c *Callback[T]) Execute(k func(Result[T])) {
	c.onComplete(k)
}

// Recover salvages a failed Callback by producing a replacement value (or
// a different error) from the original error. A successful Callback
// passes through unchanged.
func (c *Callback[T]) Recover(f func(error) (T, error)) *Callback[T] {
	out, resolve := Pending[T](c.workerID)
	c.onComplete(func(r Result[T]) {
		if r.Err == nil {
			resolve(r)
			return
		}
		v, err := f(r.Err)
		resolve(Result[T]{Value: v, Err: err})
	})
	return out
}

// MapErr transforms a failed Callback's error, leaving success untouched.
func (c *Callback[T]) MapErr(f func(error) error) *Callback[T] {
	out, resolve := Pending[T](c.workerID)
	c.onComplete(func(r Result[T]) {
		if r.Err == nil {
			resolve(r)
			return
		}
		resolve(Result[T]{Err: f(r.Err)})
	})
	return out
}

// Map transforms a successful Callback's value. A failure propagates
// unchanged and f is skipped, matching the error contract in §4.2.
func Map[T, U any](c *Callback[T], f func(T) U) *Callback[U] {
	out, resolve := Pending[U](c.workerID)
	c.onComplete(func(r Result[T]) {
		if r.Err != nil {
			resolve(Result[U]{Err: r.Err})
			return
		}
		resolve(Ok(f(r.Value)))
	})
	return out
}

// FlatMap chains a second worker-affine computation off a successful
// result. The Callback f produces must be affine to the same worker as c;
// it is a programming error to flatMap into a Callback created on another
// worker, since that would let a continuation observe a cross-worker
// completion outside the documented async bridge.
func FlatMap[T, U any](c *Callback[T], f func(T) *Callback[U]) *Callback[U] {
	out, resolve := Pending[U](c.workerID)
	c.onComplete(func(r Result[T]) {
		if r.Err != nil {
			resolve(Result[U]{Err: r.Err})
			return
		}
		inner := f(r.Value)
		if inner.workerID != c.workerID {
			panic(&errors.FatalError{Msg: "flatMap: inner callback is affine to a different worker"})
		}
		inner.onComplete(resolve)
	})
	return out
}
