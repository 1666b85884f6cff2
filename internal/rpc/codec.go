// Package rpc defines the daemon's gRPC services. Messages are plain Go
// structs carried by a JSON codec, so no generated code is involved.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype every call uses.
const CodecName = "json"

// Codec marshals messages as JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(Codec{})
}

// CallOption selects the JSON codec on the client side.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}
