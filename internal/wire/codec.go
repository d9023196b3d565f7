package wire

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype for this protocol. Clients must dial
// with grpc.CallContentSubtype(CodecName) so the server resolves the same
// codec.
const CodecName = "copilot-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec encodes frames as JSON inside gRPC's length-prefixed message
// framing. It keeps the transport free of a code-generation step while the
// schemas stay plain structs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return CodecName
}
