// Package iowheel implements the timing wheel a Worker uses to schedule
// per-connection idle timeouts and ad-hoc worker tasks. Rather than a
// literal bucketed wheel, entries are kept in a pairing heap ordered by
// deadline, borrowed from the rest of the retrieval pack's dependency set:
// it gives O(log n) insert and O(1) amortised "what fires next" without
// the wasted ticks of a fixed bucket array when a worker is mostly idle.
package iowheel

import (
	"time"

	goheaps "github.com/theodesp/go-heaps"
	"github.com/theodesp/go-heaps/pairing"
)

type entry struct {
	deadline  time.Time
	seq       uint64
	fire      func()
	cancelled bool
}

// Compare orders entries by deadline, breaking ties by insertion order so
// same-tick schedules still fire deterministically.
func (e *entry) Compare(other goheaps.Item) int {
	o := other.(*entry)
	switch {
	case e.deadline.Before(o.deadline):
		return -1
	case e.deadline.After(o.deadline):
		return 1
	case e.seq < o.seq:
		return -1
	case e.seq > o.seq:
		return 1
	default:
		return 0
	}
}

// Cancel, if invoked before an entry fires, prevents it from firing. It is
// a no-op once the entry has already fired or been cancelled.
type Cancel func()

// Wheel is a per-worker, single-threaded deadline queue. It must only be
// touched from its owning worker's thread.
type Wheel struct {
	heap *pairing.PairingHeap
	seq  uint64
}

// New returns an empty Wheel.
func New() *Wheel {
	return &Wheel{heap: pairing.New()}
}

// Schedule arranges for fire to be invoked the next time Advance is
// called with a time at or after now.Add(delay).
func (w *Wheel) Schedule(now time.Time, delay time.Duration, fire func()) Cancel {
	w.seq++
	e := &entry{deadline: now.Add(delay), seq: w.seq, fire: fire}
	w.heap.Insert(e)
	return func() { e.cancelled = true }
}

// Advance fires every non-cancelled entry whose deadline is at or before
// now, in deadline order, then returns.
func (w *Wheel) Advance(now time.Time) {
	for !w.heap.IsEmpty() {
		e := w.heap.FindMin().(*entry)
		if e.deadline.After(now) {
			return
		}
		w.heap.DeleteMin()
		if !e.cancelled {
			e.fire()
		}
	}
}

var _ goheaps.Item = (*entry)(nil)

// NextDeadline returns the deadline of the earliest non-fired entry, if
// any. A Worker uses this to bound how long it waits before the next loop
// turn so idle timeouts and scheduled tasks still fire promptly even with
// no connection activity.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	if w.heap.IsEmpty() {
		return time.Time{}, false
	}
	return w.heap.FindMin().(*entry).deadline, true
}

// Len returns the number of entries still pending (including cancelled
// ones not yet swept by Advance).
func (w *Wheel) Len() int {
	return w.heap.Size()
}
