package commandbus

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// JSONCodec carries gRPC messages as JSON so services can be declared with a
// hand-written grpc.ServiceDesc instead of generated protobuf stubs.
type JSONCodec struct{}

func init() {
	encoding.RegisterCodec(JSONCodec{})
}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
