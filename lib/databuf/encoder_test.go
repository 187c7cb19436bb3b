package databuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockEncoderDrainsExactly(t *testing.T) {
	src := []byte("hello world")
	enc := NewBlockEncoder(src)
	out := NewFixedOutBuffer(make([]byte, 64))

	status := enc.WriteInto(out)

	require.Equal(t, Complete, status)
	require.Equal(t, src, out.Written())
}

func TestBlockEncoderResumesAcrossShortWrites(t *testing.T) {
	src := []byte("0123456789")
	enc := NewBlockEncoder(src)

	out1 := NewFixedOutBuffer(make([]byte, 4))
	require.Equal(t, Incomplete, enc.WriteInto(out1))
	require.Equal(t, []byte("0123"), out1.Written())

	out2 := NewFixedOutBuffer(make([]byte, 100))
	require.Equal(t, Complete, enc.WriteInto(out2))
	require.Equal(t, []byte("456789"), out2.Written())
}

func TestSizedProcEncoderFastPath(t *testing.T) {
	payload := []byte("exactly16bytes!!")
	require.Len(t, payload, 16)

	calls := 0
	enc := NewSizedProcEncoder(int64(len(payload)), func(out DataOutBuffer) {
		calls++
		out.Write(payload)
	}, nil)

	out := NewFixedOutBuffer(make([]byte, 64))
	status := enc.WriteInto(out)

	require.Equal(t, Complete, status)
	require.Equal(t, 1, calls)
	require.Equal(t, payload, out.Written())
}

func TestSizedProcEncoderOverflowsAndInvokesWriterOnce(t *testing.T) {
	// 64 KiB frame, 8 KiB write buffer: mirrors the literal overflow
	// scenario from the kernel's testable properties.
	size := 64 * 1024
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	calls := 0
	pool := NewOverflowPool()
	enc := NewSizedProcEncoder(int64(size), func(out DataOutBuffer) {
		calls++
		out.Write(payload)
	}, pool)

	scratch := make([]byte, 8*1024)
	var delivered []byte
	for {
		out := NewFixedOutBuffer(scratch)
		status := enc.WriteInto(out)
		delivered = append(delivered, out.Written()...)
		if status == Complete {
			break
		}
	}

	require.Equal(t, 1, calls)
	require.Equal(t, payload, delivered)
	enc.Release()
}

func TestMultiEncoderResumesOnSameCursor(t *testing.T) {
	a := NewBlockEncoder([]byte("AAAA"))
	b := NewBlockEncoder([]byte("BBBB"))
	multi := NewMultiEncoder(a, b)

	out1 := NewFixedOutBuffer(make([]byte, 4))
	require.Equal(t, Incomplete, multi.WriteInto(out1))
	require.Equal(t, []byte("AAAA"), out1.Written())

	out2 := NewFixedOutBuffer(make([]byte, 4))
	require.Equal(t, Complete, multi.WriteInto(out2))
	require.Equal(t, []byte("BBBB"), out2.Written())
}

func TestOverflowPoolRecyclesBuffers(t *testing.T) {
	pool := NewOverflowPool()
	buf1 := pool.Get(16)
	buf1.Write([]byte("hi"))
	pool.Put(buf1)

	buf2 := pool.Get(16)
	require.Same(t, buf1, buf2)
	require.Empty(t, buf2.Bytes())
}
