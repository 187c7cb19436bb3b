package main

import (
	"bytes"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"colossus/lib/databuf"
	"colossus/lib/service"
)

// Request is the gateway's inbound frame: a client-presented identity
// (ClientKey, used for rate limiting and authorization) plus the method
// call to forward upstream.
type Request struct {
	ClientKey string `json:"client"`
	Method    string `json:"method"`
	Arg       string `json:"arg"`
}

// Response is the gateway's outbound frame, also the shape expected back
// from whatever upstream the request is forwarded to.
type Response struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

var gatewayJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// GatewayCodec is a newline-delimited JSON service.Codec[Request, Response]:
// the client-facing half of the gateway. The same Request/Response shape
// is reused as the wire format spoken to the upstream, so forwarding is a
// straight re-encode rather than a protocol translation.
type GatewayCodec struct{}

func (GatewayCodec) Decode(buf *databuf.DataBuffer) (service.DecodeStatus, Request, error) {
	var req Request
	b := buf.Bytes()
	idx := bytes.IndexByte(b, '\n')
	if idx < 0 {
		return service.More, req, nil
	}
	if err := gatewayJSON.Unmarshal(b[:idx], &req); err != nil {
		return service.More, req, &service.ProtocolError{Msg: "malformed gateway request frame", Cause: err}
	}
	buf.Advance(idx + 1)
	return service.Framed, req, nil
}

func (GatewayCodec) Encode(resp Response) databuf.Encoder {
	line, err := gatewayJSON.Marshal(resp)
	if err != nil {
		line = []byte(fmt.Sprintf(`{"status":500,"body":%q}`, err.Error()))
	}
	line = append(line, '\n')
	return databuf.NewBlockEncoder(line)
}

func (GatewayCodec) ErrorResponse(req Request, cause error) (Response, bool) {
	return Response{Status: 502, Body: cause.Error()}, true
}

var _ service.Codec[Request, Response] = GatewayCodec{}
