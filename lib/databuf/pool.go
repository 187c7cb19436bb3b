package databuf

import "github.com/ef-ds/stack"

// OverflowPool is a free-list of DynamicOutBuffers, recycled across
// SizedProcEncoder overflows on the same worker so a sequence of
// over-large frames does not allocate a fresh heap buffer each time.
// OverflowPool is not safe for concurrent use: it is owned by a single
// Worker and must only be touched from that worker's thread, matching
// every other piece of per-worker state in the kernel.
type OverflowPool struct {
	free *stack.Stack
}

// NewOverflowPool returns an empty OverflowPool.
func NewOverflowPool() *OverflowPool {
	return &OverflowPool{free: stack.New()}
}

// Get returns a DynamicOutBuffer with at least capHint bytes of spare
// capacity, reusing a recycled buffer when one is available.
func (p *OverflowPool) Get(capHint int) *DynamicOutBuffer {
	if v, ok := p.free.Pop(); ok {
		buf := v.(*DynamicOutBuffer)
		buf.Reset()
		return buf
	}
	return NewDynamicOutBuffer(capHint)
}

// Put returns buf to the pool for reuse by a later Get.
func (p *OverflowPool) Put(buf *DynamicOutBuffer) {
	buf.Reset()
	p.free.Push(buf)
}
