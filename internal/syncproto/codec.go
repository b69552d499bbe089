package syncproto

import "encoding/json"

// jsonCodec is a gRPC encoding.Codec that marshals messages as JSON instead
// of wire-format protobuf. The sync protocol's request/response types are
// plain Go structs rather than generated .pb.go messages (no protoc step
// is available in this build), so they carry no protobuf wire format of
// their own; JSON is a message-shape-agnostic stand-in that grpc-go's
// codec registry accepts the same as any other named codec.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "syncjson" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// codecName is registered with grpc's encoding package (in service.go's
// init) and must be requested by both client and server via
// grpc.CallContentSubtype / grpc.ForceServerCodec.
const codecName = "syncjson"
