package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrDecode reports a structural payload that could not be parsed. The
// machine converts it into a line NAK; the exact position is deliberately
// not reported to the peer.
var ErrDecode = errors.New("protocol: malformed structural encoding")

// Integers are unsigned LEB128 varints. Tags are zero-based single bytes
// (equivalently: varints that always fit one byte). Floats are fixed 4-byte
// little endian. Byte slices are a varint length followed by the raw bytes,
// and decode to views into the caller's buffer.

func appendUvarint(dst []byte, v uint32) []byte {
	return binary.AppendUvarint(dst, uint64(v))
}

func takeUvarint(b []byte) (uint32, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 || v > math.MaxUint32 {
		return 0, nil, ErrDecode
	}
	return uint32(v), b[n:], nil
}

func appendTag(dst []byte, tag uint8) []byte {
	return append(dst, tag)
}

func takeTag(b []byte) (uint8, []byte, error) {
	if len(b) == 0 || b[0] >= 0x80 {
		return 0, nil, ErrDecode
	}
	return b[0], b[1:], nil
}

func appendBytes(dst, p []byte) []byte {
	dst = appendUvarint(dst, uint32(len(p)))
	return append(dst, p...)
}

func takeBytes(b []byte) ([]byte, []byte, error) {
	n, rest, err := takeUvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if uint32(len(rest)) < n {
		return nil, nil, ErrDecode
	}
	return rest[:n:n], rest[n:], nil
}

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func takeBool(b []byte) (bool, []byte, error) {
	if len(b) == 0 || b[0] > 1 {
		return false, nil, ErrDecode
	}
	return b[0] == 1, b[1:], nil
}

func appendF32(dst []byte, v float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
}

func takeF32(b []byte) (float32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrDecode
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), b[4:], nil
}

func splitU32LE(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrDecode
	}
	return binary.LittleEndian.Uint32(b), b[4:], nil
}
