package api

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype under which the msgpack codec is
// registered. Clients select it with grpc.CallContentSubtype(CodecName).
const CodecName = "vpncluster-msgpack"

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	hd := codec.MsgpackHandle{
		BasicHandle: codec.BasicHandle{
			TimeNotBuiltin: true,
		},
	}
	if err := codec.NewEncoderBytes(&out, &hd).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	hd := codec.MsgpackHandle{}
	return codec.NewDecoderBytes(data, &hd).Decode(v)
}

func (msgpackCodec) Name() string {
	return CodecName
}

// Marshal encodes v with the wire codec. It is used for payloads nested
// inside ForwardMessage.
func Marshal(v any) ([]byte, error) {
	return msgpackCodec{}.Marshal(v)
}

// Unmarshal decodes data produced by Marshal into v.
func Unmarshal(data []byte, v any) error {
	return msgpackCodec{}.Unmarshal(data, v)
}

func init() {
	encoding.RegisterCodec(msgpackCodec{})
}
