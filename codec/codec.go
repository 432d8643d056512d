// Package codec serializes request and response bodies carried inside
// protocol frames.
//
// Request body:
//
//	id      uint16 len + bytes
//	service uint16 len + bytes
//	method  uint16 len + bytes
//	argc    uint16
//	args    argc × Argument
//
// Response body:
//
//	id      uint16 len + bytes
//	status  byte (0 = success, 1 = fault)
//	success: Argument
//	fault:   int32 code, uint16 len + reason bytes
//
// Argument:
//
//	tag byte (0 null, 1 single, 2 array)
//	single: uint32 len + bytes
//	array:  uint16 count, then count × (uint32 len + bytes)
package codec

import (
	"gamerpc/message"
)

// Codec turns message values into frame bodies and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Default is the codec shared by the server and client transports. It is
// stateless and safe for concurrent use.
var Default Codec = &BinaryCodec{}

// EncodeResponse builds a response body for id. Exactly one of result and
// fault must be non-nil.
func EncodeResponse(id string, result *message.Argument, fault *message.Fault) ([]byte, error) {
	return Default.Encode(&message.Response{ID: id, Result: result, Fault: fault})
}

// DecodeRequest parses a request body.
func DecodeRequest(data []byte) (*message.Request, error) {
	req := &message.Request{}
	if err := Default.Decode(data, req); err != nil {
		return nil, err
	}
	return req, nil
}
