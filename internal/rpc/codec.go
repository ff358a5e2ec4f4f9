// Package rpc serves the fleet state, history, and aggregates over gRPC.
// Messages are plain JSON structs carried by a registered JSON codec, so
// the service needs no generated code and any gRPC client that speaks the
// "json" content subtype can call it.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype clients must dial with, as in
// grpc.CallContentSubtype(rpc.CodecName).
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
