package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// rawCodecName is registered under its own content subtype rather than
// gRPC's default ("proto"), so the default protobuf codec is left in
// place; every call this package makes goes through
// grpc.CallContentSubtype to select this codec explicitly.
const rawCodecName = "gojodb-raw"

// rawBytesCodec lets the default Session skip protobuf entirely: the
// prepare/decision/vote payloads are already framed by core/txn's wire
// encoder, so the codec's only job is to hand those bytes to gRPC's
// HTTP/2 framing unchanged.
type rawBytesCodec struct{}

func (rawBytesCodec) Name() string { return rawCodecName }

func (rawBytesCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("transport: rawBytesCodec.Marshal: expected *[]byte, got %T", v)
	}
	return *b, nil
}

func (rawBytesCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("transport: rawBytesCodec.Unmarshal: expected *[]byte, got %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func init() {
	encoding.RegisterCodec(rawBytesCodec{})
}
