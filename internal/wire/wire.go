// Package wire implements the byte protocol for non-primitive values
// crossing the execution boundary: an 8-byte little-endian length prefix
// followed by a msgpack-encoded payload. Host and guest use the identical
// encoding; the guest side lives in the provisioned support module.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"udfhost/internal/types"
)

// PrefixSize is the width of the length prefix in bytes.
const PrefixSize = 8

// Pack prepends the length prefix to an encoded payload.
func Pack(payload []byte) []byte {
	buf := make([]byte, PrefixSize+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(len(payload)))
	copy(buf[PrefixSize:], payload)
	return buf
}

// Unpack strips the length prefix, validating that the buffer holds exactly
// the announced number of payload bytes.
func Unpack(buf []byte) ([]byte, error) {
	if len(buf) < PrefixSize {
		return nil, fmt.Errorf("packed buffer too short: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint64(buf)
	if uint64(len(buf)-PrefixSize) != n {
		return nil, fmt.Errorf("packed length %d does not match payload size %d", n, len(buf)-PrefixSize)
	}
	return buf[PrefixSize:], nil
}

// PayloadLen reads the announced payload length from a prefix.
func PayloadLen(prefix []byte) (uint64, error) {
	if len(prefix) < PrefixSize {
		return 0, fmt.Errorf("length prefix too short: %d bytes", len(prefix))
	}
	return binary.LittleEndian.Uint64(prefix), nil
}

// Encode serializes a value of the given kind and frames it with the length
// prefix. Primitive kinds never travel this way.
func Encode(k types.Kind, v any) ([]byte, error) {
	if k.Primitive() {
		return nil, fmt.Errorf("%s is a primitive kind, not encoded", k)
	}
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s value: %w", k, err)
	}
	return Pack(payload), nil
}

// Decode unframes a packed buffer and deserializes it into the concrete Go
// value for the given kind.
func Decode(k types.Kind, buf []byte) (any, error) {
	payload, err := Unpack(buf)
	if err != nil {
		return nil, err
	}
	return DecodePayload(k, payload)
}

// DecodePayload deserializes an unframed payload into the concrete Go value
// for the given kind. Unknown kinds are a mapping error, never a default.
func DecodePayload(k types.Kind, payload []byte) (any, error) {
	switch k {
	case types.Bool:
		var v bool
		return v, unmarshal(payload, &v)
	case types.Int16:
		var v int16
		return v, unmarshal(payload, &v)
	case types.Float32:
		var v float32
		return v, unmarshal(payload, &v)
	case types.Float64:
		var v float64
		return v, unmarshal(payload, &v)
	case types.Text, types.JSON:
		var v string
		return v, unmarshal(payload, &v)
	case types.Bytes:
		var v []byte
		return v, unmarshal(payload, &v)
	}
	return nil, fmt.Errorf("unsupported semantic type %s on decode", k)
}

func unmarshal(payload []byte, v any) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decoding payload: %w", err)
	}
	return nil
}
