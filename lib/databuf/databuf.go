// Package databuf provides zero-copy byte views and write sinks used by
// the Encoder pipeline. DataBuffer is a position/limit view over a
// contiguous, externally owned byte region; DataOutBuffer is the write
// sink an Encoder streams bytes into.
package databuf

import (
	"colossus/lib/errors"
	"fmt"
)

// DataBuffer is a position/limit view over a contiguous byte region. It
// does not own the underlying memory: callers (typically the Connection
// read pump) are responsible for the buffer's lifetime.
type DataBuffer struct {
	buf []byte
	pos int
}

// NewDataBuffer wraps buf as a DataBuffer with position 0.
func NewDataBuffer(buf []byte) DataBuffer {
	return DataBuffer{buf: buf}
}

// Remaining returns the number of unread bytes.
func (d *DataBuffer) Remaining() int {
	return len(d.buf) - d.pos
}

// Bytes returns the unread portion of the buffer. The caller must not
// retain the returned slice past the lifetime of the underlying memory.
func (d *DataBuffer) Bytes() []byte {
	return d.buf[d.pos:]
}

// Advance moves the position forward by n bytes. It is a programming
// error to advance past the end of the buffer.
func (d *DataBuffer) Advance(n int) {
	if n < 0 || n > d.Remaining() {
		panic(&errors.FatalError{Msg: fmt.Sprintf("DataBuffer.Advance(%d) exceeds remaining %d", n, d.Remaining())})
	}
	d.pos += n
}

// Empty reports whether there are no unread bytes left.
func (d *DataBuffer) Empty() bool {
	return d.Remaining() == 0
}

// DataOutBuffer is a write sink that an Encoder streams bytes into.
type DataOutBuffer interface {
	// Available returns the number of bytes that can still be written
	// before the sink is exhausted. A DynamicOutBuffer has effectively
	// unbounded availability.
	Available() int64

	// Copy copies min(src.Remaining(), Available()) bytes from src,
	// advancing both src and the sink. It returns the number of bytes
	// copied.
	Copy(src *DataBuffer) int

	// Write copies all of p into the sink. It is a programming error to
	// call Write with more bytes than Available(); implementations panic
	// with a *errors.FatalError in that case rather than partially
	// writing.
	Write(p []byte)
}

// FixedOutBuffer is a DataOutBuffer over externally owned memory, such as
// a connection's socket-backed scratch buffer. It never grows.
type FixedOutBuffer struct {
	buf []byte
	pos int
}

// NewFixedOutBuffer wraps buf (typically scratch memory reused across
// flushes) as a FixedOutBuffer with position 0.
func NewFixedOutBuffer(buf []byte) *FixedOutBuffer {
	return &FixedOutBuffer{buf: buf}
}

func (b *FixedOutBuffer) Available() int64 {
	return int64(len(b.buf) - b.pos)
}

// Written returns the bytes written into the sink so far.
func (b *FixedOutBuffer) Written() []byte {
	return b.buf[:b.pos]
}

// Reset rewinds the sink to position 0 so it can be reused for the next
// flush without reallocating.
func (b *FixedOutBuffer) Reset() {
	b.pos = 0
}

func (b *FixedOutBuffer) Copy(src *DataBuffer) int {
	n := src.Remaining()
	if avail := len(b.buf) - b.pos; n > avail {
		n = avail
	}
	copy(b.buf[b.pos:b.pos+n], src.Bytes()[:n])
	b.pos += n
	src.Advance(n)
	return n
}

func (b *FixedOutBuffer) Write(p []byte) {
	if len(p) > len(b.buf)-b.pos {
		panic(&errors.FatalError{Msg: "FixedOutBuffer.Write exceeds Available"})
	}
	b.pos += copy(b.buf[b.pos:], p)
}

// DynamicOutBuffer is a growable DataOutBuffer used as overflow when a
// sized frame does not fit in the connection's fixed write scratch. It is
// backed by a plain slice rather than bytes.Buffer so it can be recycled
// through the overflow pool (see pool.go) by resetting its length to 0.
type DynamicOutBuffer struct {
	buf []byte
}

// NewDynamicOutBuffer returns a DynamicOutBuffer with the given initial
// capacity hint.
func NewDynamicOutBuffer(capHint int) *DynamicOutBuffer {
	return &DynamicOutBuffer{buf: make([]byte, 0, capHint)}
}

// Available is always reported as a very large number: a DynamicOutBuffer
// grows to accommodate any write.
func (b *DynamicOutBuffer) Available() int64 {
	return 1<<63 - 1
}

func (b *DynamicOutBuffer) Copy(src *DataBuffer) int {
	n := src.Remaining()
	b.buf = append(b.buf, src.Bytes()...)
	src.Advance(n)
	return n
}

func (b *DynamicOutBuffer) Write(p []byte) {
	b.buf = append(b.buf, p...)
}

// Bytes returns the bytes written so far.
func (b *DynamicOutBuffer) Bytes() []byte {
	return b.buf
}

// Reset empties the buffer so it can be recycled.
func (b *DynamicOutBuffer) Reset() {
	b.buf = b.buf[:0]
}
