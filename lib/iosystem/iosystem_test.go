package iosystem

import (
	"errors"
	"sync"
	"testing"
	"time"

	"colossus/lib/callback"
	"colossus/lib/metrics"
	"github.com/stretchr/testify/require"
)

type countingSink struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newCountingSink() *countingSink { return &countingSink{counts: make(map[string]int64)} }

func (s *countingSink) IncrCounter(workerID uint64, name string, delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name] += delta
}

func (s *countingSink) get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

var _ metrics.Sink = (*countingSink)(nil)

type recordingItem struct {
	mu       sync.Mutex
	bound    bool
	messages []any
	shutdown error
	shutdownSeen bool
}

func (it *recordingItem) OnBind(ctx *Context) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.bound = true
}

func (it *recordingItem) OnMessage(ctx *Context, msg any) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.messages = append(it.messages, msg)
}

func (it *recordingItem) OnShutdown(ctx *Context, cause error) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.shutdown = cause
	it.shutdownSeen = true
}

func (it *recordingItem) snapshot() (bool, []any, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.bound, append([]any(nil), it.messages...), it.shutdownSeen
}

func TestBindDispatchesOnBindSynchronouslyOnWorkerGoroutine(t *testing.T) {
	sys, err := New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	w := sys.Next()
	item := &recordingItem{}
	done := make(chan struct{})
	w.Post(func(w *Worker) {
		w.Bind(item)
		close(done)
	})
	<-done

	bound, _, _ := item.snapshot()
	require.True(t, bound)
}

func TestSendDeliversMessagesInOrder(t *testing.T) {
	sys, err := New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	w := sys.Next()
	item := &recordingItem{}
	var ctx *Context
	done := make(chan struct{})
	w.Post(func(w *Worker) {
		ctx = w.Bind(item)
		close(done)
	})
	<-done

	ctx.Send("a")
	ctx.Send("b")
	ctx.Send("c")

	require.Eventually(t, func() bool {
		_, msgs, _ := item.snapshot()
		return len(msgs) == 3
	}, time.Second, time.Millisecond)

	_, msgs, _ := item.snapshot()
	require.Equal(t, []any{"a", "b", "c"}, msgs)
}

func TestSendToUnboundContextIsDropped(t *testing.T) {
	sys, err := New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	w := sys.Next()
	item := &recordingItem{}
	var ctx *Context
	done := make(chan struct{})
	w.Post(func(w *Worker) {
		ctx = w.Bind(item)
		w.Unbind(ctx, nil)
		close(done)
	})
	<-done

	ctx.Send("ignored")
	time.Sleep(10 * time.Millisecond)

	_, msgs, shutdownSeen := item.snapshot()
	require.Empty(t, msgs)
	require.True(t, shutdownSeen)
}

func TestPanicInOnMessageUnbindsWithoutKillingWorker(t *testing.T) {
	sys, err := New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	w := sys.Next()

	var ctx *Context
	done := make(chan struct{})
	w.Post(func(w *Worker) {
		ctx = w.Bind(&panicItem{})
		close(done)
	})
	<-done

	ctx.Send("boom")

	other := &recordingItem{}
	done2 := make(chan struct{})
	w.Post(func(w *Worker) {
		w.Bind(other)
		close(done2)
	})
	<-done2

	bound, _, _ := other.snapshot()
	require.True(t, bound, "worker must keep processing after a WorkerItem panics")
}

type panicItem struct{}

func (panicItem) OnBind(ctx *Context)               {}
func (panicItem) OnMessage(ctx *Context, msg any)    { panic("boom") }
func (panicItem) OnShutdown(ctx *Context, err error) {}

func TestMustGetPanicsOnDeadContext(t *testing.T) {
	sys, err := New("test", 1, AllowZeroWorkers())
	require.NoError(t, err)

	w := sys.Next()
	item := &recordingItem{}
	ctx := w.Bind(item)
	w.Unbind(ctx, nil)

	require.Panics(t, func() { w.MustGet(ctx) })
}

func TestScheduleFiresViaAdvanceTimeOnSynchronousWorker(t *testing.T) {
	sys, err := New("test", 0, AllowZeroWorkers())
	require.NoError(t, err)

	w := sys.Next()
	fired := false
	w.Schedule(10*time.Millisecond, func() { fired = true })

	w.AdvanceTime(time.Now())
	require.False(t, fired)

	w.AdvanceTime(time.Now().Add(time.Second))
	require.True(t, fired)
}

func TestNewRejectsZeroWorkersByDefault(t *testing.T) {
	_, err := New("test", 0)
	require.Error(t, err)
}

func TestNextRoundRobins(t *testing.T) {
	sys, err := New("test", 3)
	require.NoError(t, err)
	defer sys.Shutdown()

	seen := map[uint64]int{}
	for i := 0; i < 9; i++ {
		seen[sys.Next().ID()]++
	}
	require.Equal(t, map[uint64]int{0: 3, 1: 3, 2: 3}, seen)
}

func TestShutdownUnbindsAllItemsWithNilCause(t *testing.T) {
	sys, err := New("test", 1)
	require.NoError(t, err)

	w := sys.Next()
	item := &recordingItem{}
	done := make(chan struct{})
	w.Post(func(w *Worker) {
		w.Bind(item)
		close(done)
	})
	<-done

	sys.Shutdown()

	_, _, shutdownSeen := item.snapshot()
	require.True(t, shutdownSeen)
}

func TestBridgeResolvesCallbackBackOnWorkerThread(t *testing.T) {
	sys, err := New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	w := sys.Next()
	resultCh := make(chan int, 1)
	bindDone := make(chan struct{})
	w.Post(func(w *Worker) {
		cb := Bridge(w, func() (int, error) {
			return 42, nil
		})
		cb.Execute(func(r callback.Result[int]) {
			resultCh <- r.Value
		})
		close(bindDone)
	})
	<-bindDone

	select {
	case v := <-resultCh:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("bridge never resolved")
	}
}

func TestBridgeGuardedSkipsResolutionAfterContextDies(t *testing.T) {
	sys, err := New("test", 1)
	require.NoError(t, err)
	defer sys.Shutdown()

	w := sys.Next()
	item := &recordingItem{}
	release := make(chan struct{})

	resolvedCh := make(chan struct{}, 1)
	done := make(chan struct{})
	w.Post(func(w *Worker) {
		ctx := w.Bind(item)
		cb := BridgeGuarded(w, ctx, func() (int, error) {
			<-release
			return 1, nil
		})
		cb.Execute(func(r callback.Result[int]) {
			resolvedCh <- struct{}{}
		})
		w.Unbind(ctx, errors.New("closed"))
		close(done)
	})
	<-done
	close(release)

	select {
	case <-resolvedCh:
		t.Fatal("callback must not resolve once its context is dead")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWithMetricsSinkReceivesBindAndDispatchCounts(t *testing.T) {
	sink := newCountingSink()
	sys, err := New("test", 1, WithMetricsSink(sink))
	require.NoError(t, err)
	defer sys.Shutdown()

	w := sys.Next()
	item := &recordingItem{}
	done := make(chan struct{})
	w.Post(func(w *Worker) {
		ctx := w.Bind(item)
		ctx.Send("hello")
		close(done)
	})
	<-done

	require.Eventually(t, func() bool {
		return sink.get("worker.item_bind") == 1 && sink.get("worker.item_dispatch") == 1
	}, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, sink.get("worker.commands_processed"), int64(1))
}
