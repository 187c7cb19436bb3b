package examplecodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"colossus/lib/databuf"
	"colossus/lib/service"
)

func TestServerCodecRoundTripsRequest(t *testing.T) {
	req := Request{Method: "echo", Arg: "hello"}
	reqEnc := ClientCodec{}.Encode(req)
	reqOut := databuf.NewFixedOutBuffer(make([]byte, 256))
	reqEnc.WriteInto(reqOut)

	var codec ServerCodec
	buf := databuf.NewDataBuffer(reqOut.Written())
	status, decoded, err := codec.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, service.Framed, status)
	require.Equal(t, req, decoded)
	require.True(t, buf.Empty(), "Decode must consume exactly the encoded frame")
}

func TestServerCodecReportsMoreOnPartialFrame(t *testing.T) {
	var codec ServerCodec
	partial := []byte(`{"method":"ec`) // no trailing newline
	buf := databuf.NewDataBuffer(partial)
	before := buf.Remaining()
	status, _, err := codec.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, 0, int(status)) // More == 0
	require.Equal(t, before, buf.Remaining(), "Decode must not consume a partial frame")
}

func TestServerCodecReportsProtocolErrorOnMalformedJSON(t *testing.T) {
	var codec ServerCodec
	malformed := []byte("not json at all\n")
	buf := databuf.NewDataBuffer(malformed)
	_, _, err := codec.Decode(&buf)
	require.Error(t, err)
}

func TestServerCodecDecodesTwoPipelinedFramesFromOneBuffer(t *testing.T) {
	var codec ServerCodec
	wire := []byte(`{"method":"a","arg":"1"}` + "\n" + `{"method":"b","arg":"2"}` + "\n")
	buf := databuf.NewDataBuffer(wire)

	_, first, err := codec.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, first.Method, "a")

	_, second, err := codec.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, second.Method, "b")
	require.True(t, buf.Empty())
}

func TestClientCodecRoundTripsResponse(t *testing.T) {
	var codec ClientCodec
	resp := Response{Status: 0, Body: "pong"}

	serverEnc := ServerCodec{}.Encode(resp)
	out := databuf.NewFixedOutBuffer(make([]byte, 256))
	serverEnc.WriteInto(out)

	buf := databuf.NewDataBuffer(out.Written())
	status, decoded, err := codec.Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, service.Framed, status)
	require.Equal(t, resp, decoded)
}

func TestClientCodecErrorResponseAlwaysSignalsClose(t *testing.T) {
	var codec ClientCodec
	_, ok := codec.ErrorResponse(Response{}, nil)
	require.False(t, ok)
}
