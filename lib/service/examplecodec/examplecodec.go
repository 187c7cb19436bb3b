// Package examplecodec is a minimal newline-delimited JSON request/response
// protocol used only as a fixture: it gives lib/service's round-trip and
// pipelining tests a concrete Codec to drive end to end without tying
// those tests to any one real wire protocol. It is not meant to be used
// as a production protocol.
package examplecodec

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"colossus/lib/databuf"
	"colossus/lib/service"
)

// Request is a trivial "call a named method with a string argument"
// request frame.
type Request struct {
	Method string `json:"method"`
	Arg    string `json:"arg"`
}

// Response is the corresponding response frame: Status 0 means success,
// anything else carries Body as an error message.
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func decodeLine(buf *databuf.DataBuffer, v any) (service.DecodeStatus, error) {
	b := buf.Bytes()
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return service.More, nil
	}
	if err := json.Unmarshal(b[:idx], v); err != nil {
		return service.More, &service.ProtocolError{Msg: "malformed JSON frame", Cause: err}
	}
	buf.Advance(idx + 1)
	return service.Framed, nil
}

func encodeLine(v any) databuf.Encoder {
	line, err := json.Marshal(v)
	if err != nil {
		// Encode is only ever called with values this package's own
		// Handler/Client produced; a marshal failure here means a bug,
		// not a wire condition, and there is nowhere safe to report it
		// other than a visibly broken frame.
		line = []byte(fmt.Sprintf(`{"status":500,"body":%q}`, err.Error()))
	}
	line = append(line, '\n')
	return databuf.NewBlockEncoder(line)
}

// ServerCodec implements service.Codec[Request, Response]: it decodes
// requests off the wire and encodes responses onto it, the direction a
// ServerSession needs.
type ServerCodec struct{}

func (ServerCodec) Decode(buf *databuf.DataBuffer) (service.DecodeStatus, Request, error) {
	var req Request
	status, err := decodeLine(buf, &req)
	return status, req, err
}

func (ServerCodec) Encode(resp Response) databuf.Encoder {
	return encodeLine(resp)
}

func (ServerCodec) ErrorResponse(req Request, cause error) (Response, bool) {
	return Response{Status: 500, Body: cause.Error()}, true
}

var _ service.Codec[Request, Response] = ServerCodec{}

// ClientCodec implements service.Codec[Response, Request]: it decodes
// responses off the wire and encodes requests onto it, the direction a
// service.Client needs. It never recovers an error in-band (ErrorResponse
// always signals close): a Client has no handler producing errors of its
// own to translate.
type ClientCodec struct{}

func (ClientCodec) Decode(buf *databuf.DataBuffer) (service.DecodeStatus, Response, error) {
	var resp Response
	status, err := decodeLine(buf, &resp)
	return status, resp, err
}

func (ClientCodec) Encode(req Request) databuf.Encoder {
	return encodeLine(req)
}

func (ClientCodec) ErrorResponse(resp Response, cause error) (Request, bool) {
	return Request{}, false
}

var _ service.Codec[Response, Request] = ClientCodec{}
