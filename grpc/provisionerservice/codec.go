package provisionerservice

import (
	"github.com/goccy/go-json"
	"google.golang.org/grpc/encoding"
)

// jsonCodec frames every message on this service as JSON rather than
// protobuf wire bytes; see the package doc comment for why.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }

// init registers jsonCodec as grpc-go's default wire codec ("proto" is the
// name grpc-go falls back to when a call sets no content-subtype); the
// last RegisterCodec call for a given name wins, so this transparently
// replaces the protobuf codec for every call made through this process
// without requiring callers to opt into a "json" content-subtype.
func init() {
	encoding.RegisterCodec(jsonCodec{})
}
