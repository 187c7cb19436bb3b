package databuf

// EncoderStatus reports whether an Encoder has emitted all of its bytes.
type EncoderStatus int

const (
	// Incomplete means bytes remain to be emitted; WriteInto must be
	// called again once the sink has more room.
	Incomplete EncoderStatus = iota
	// Complete means no bytes remain. Per the kernel invariant, calling
	// WriteInto again on a Complete encoder is undefined behaviour.
	Complete
)

// Encoder streams bytes into a DataOutBuffer. It reports Complete iff no
// bytes remain to emit.
type Encoder interface {
	WriteInto(out DataOutBuffer) EncoderStatus
}

// BlockEncoder holds a DataBuffer and copies it into the sink until
// exhausted.
type BlockEncoder struct {
	Buf DataBuffer
}

// NewBlockEncoder returns a BlockEncoder over buf.
func NewBlockEncoder(buf []byte) *BlockEncoder {
	return &BlockEncoder{Buf: NewDataBuffer(buf)}
}

func (e *BlockEncoder) WriteInto(out DataOutBuffer) EncoderStatus {
	out.Copy(&e.Buf)
	if e.Buf.Empty() {
		return Complete
	}
	return Incomplete
}

// SizedWriterFunc materialises a frame of a known size directly into a
// DataOutBuffer. Implementations must write exactly Size bytes and must
// not retain out beyond the call.
type SizedWriterFunc func(out DataOutBuffer)

// SizedProcEncoder is used when the producer knows its frame size ahead
// of time (content-length, bulk-string length, ...). If the sink has
// enough room, f is invoked directly against it with zero allocation and
// the encoder completes in one call. Otherwise a DynamicOutBuffer
// (fetched from pool, or allocated if pool is nil) is materialised, f is
// invoked against it exactly once, and the encoder delegates all
// subsequent calls to a BlockEncoder draining that buffer.
type SizedProcEncoder struct {
	Size int64
	F    SizedWriterFunc
	Pool *OverflowPool // optional; nil falls back to direct allocation

	overflow *BlockEncoder
	overflowBuf *DynamicOutBuffer
}

// NewSizedProcEncoder returns a SizedProcEncoder for a frame of the given
// size, using pool (if non-nil) to recycle overflow buffers.
func NewSizedProcEncoder(size int64, f SizedWriterFunc, pool *OverflowPool) *SizedProcEncoder {
	return &SizedProcEncoder{Size: size, F: f, Pool: pool}
}

func (e *SizedProcEncoder) WriteInto(out DataOutBuffer) EncoderStatus {
	if e.overflow != nil {
		return e.overflow.WriteInto(out)
	}
	if out.Available() >= e.Size {
		e.F(out)
		return Complete
	}

	var dyn *DynamicOutBuffer
	if e.Pool != nil {
		dyn = e.Pool.Get(int(e.Size))
	} else {
		dyn = NewDynamicOutBuffer(int(e.Size))
	}
	e.F(dyn)
	e.overflowBuf = dyn
	e.overflow = NewBlockEncoder(dyn.Bytes())
	return e.overflow.WriteInto(out)
}

// Release returns any overflow buffer this encoder allocated back to its
// Pool. Callers must call Release once the encoder has reported Complete
// and been retired from the write pipeline.
func (e *SizedProcEncoder) Release() {
	if e.Pool != nil && e.overflowBuf != nil {
		e.Pool.Put(e.overflowBuf)
		e.overflowBuf = nil
	}
}

// MultiEncoder walks a sequence of Encoders in order. On Incomplete it
// stops and preserves its cursor so the next call resumes on the same
// encoder; on exhausting the sequence it returns Complete.
type MultiEncoder struct {
	Encoders []Encoder
	cursor   int
}

// NewMultiEncoder returns a MultiEncoder over the given sequence.
func NewMultiEncoder(encoders ...Encoder) *MultiEncoder {
	return &MultiEncoder{Encoders: encoders}
}

func (e *MultiEncoder) WriteInto(out DataOutBuffer) EncoderStatus {
	for e.cursor < len(e.Encoders) {
		if e.Encoders[e.cursor].WriteInto(out) == Incomplete {
			return Incomplete
		}
		e.cursor++
	}
	return Complete
}
