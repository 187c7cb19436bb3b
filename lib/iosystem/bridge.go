package iosystem

import "colossus/lib/callback"

// Bridge runs work on a new goroutine, off the Worker entirely, and
// returns a Callback affine to w that resolves once work completes. This
// is the only sanctioned way to bring a result computed elsewhere (a
// blocking upstream dial, a disk read, anything that must not block the
// event loop) into a worker-affine continuation: the returned Callback's
// resolver is only ever invoked from inside a Post callback running on
// w's own goroutine, so downstream Map/FlatMap/Execute chains keep their
// single-thread-affine guarantee.
//
// Must be called from w's own goroutine, matching Bind and Schedule.
func Bridge[T any](w *Worker, work func() (T, error)) *callback.Callback[T] {
	cb, resolve := callback.Pending[T](w.id)
	go func() {
		v, err := work()
		w.Post(func(w *Worker) {
			resolve(callback.Result[T]{Value: v, Err: err})
		})
	}()
	return cb
}

// BridgeGuarded is like Bridge but only resolves the Callback if ctx is
// still bound by the time work completes. If ctx has been unbound in the
// meantime (its connection closed, its task cancelled) the result is
// silently discarded and the Callback is left pending forever, which is
// safe: nothing downstream of a dead Context is still listening.
func BridgeGuarded[T any](w *Worker, ctx *Context, work func() (T, error)) *callback.Callback[T] {
	cb, resolve := callback.Pending[T](w.id)
	go func() {
		v, err := work()
		w.Post(func(w *Worker) {
			if !ctx.Live() {
				return
			}
			resolve(callback.Result[T]{Value: v, Err: err})
		})
	}()
	return cb
}
