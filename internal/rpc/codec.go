// Package rpc defines Bob's internal node-to-node RPC surface (§2 "internal
// rpc surface"): the small set of calls the Link Manager and the Alien
// Handoff worker use to reach a peer, plus a concrete transport over
// google.golang.org/grpc. The wire-level code generation a real deployment
// would use (protoc-gen-go-grpc) is out of scope per §1; Bob carries the
// RPC surface as a hand-written interface and a gob encoding.Codec instead
// of generated stubs, grounded on the teacher's approach in
// internal/grpc/server (a Go-native service registered directly against a
// *grpc.Server) without the protobuf toolchain underneath it.
package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is negotiated via grpc.CallContentSubtype / the server's
// default codec, replacing the usual "proto" subtype.
const codecName = "gob"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements google.golang.org/grpc/encoding.Codec by gob
// encoding whatever concrete request/response struct is handed to it.
// gRPC's codec interface only requires Marshal/Unmarshal/Name, so a
// non-protobuf message type works as long as every caller on both ends
// agrees on the concrete type (Bob's generated-free world: client and
// server share the message structs in messages.go directly).
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("rpc: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("rpc: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }
