package core

import "context"

// workerContextKeyType is an unexported type so no other package can
// collide with this context key, the same pattern the teacher used for
// threading a ClientID through a context.Context.
type workerContextKeyType struct{}

var workerContextKey = workerContextKeyType{}

// workerContext is the value stashed under workerContextKey.
type workerContext struct {
	workerID  uint64
	contextID uint64
}

// WithWorkerContext returns a copy of ctx carrying the identity of the
// iosystem.Worker and Context a downstream call is being made on behalf
// of, so collaborators with no direct dependency on lib/iosystem (lib/
// limiter, lib/dialer, lib/authz/backend/static) can still attribute
// their logging to a specific worker and connection.
func WithWorkerContext(ctx context.Context, workerID, contextID uint64) context.Context {
	return context.WithValue(ctx, workerContextKey, workerContext{workerID: workerID, contextID: contextID})
}

// WorkerContextFrom extracts the WorkerID/ContextID stashed by
// WithWorkerContext. ok is false if ctx carries none, e.g. in tests that
// call a collaborator directly with context.Background().
func WorkerContextFrom(ctx context.Context) (workerID, contextID uint64, ok bool) {
	wc, ok := ctx.Value(workerContextKey).(workerContext)
	if !ok {
		return 0, 0, false
	}
	return wc.workerID, wc.contextID, true
}
