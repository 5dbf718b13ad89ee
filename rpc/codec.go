package rpc

import "encoding/json"

const codecName = "json"

// jsonCodec replaces protobuf on the wire. Messages are the plain structs of
// package proto.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }
