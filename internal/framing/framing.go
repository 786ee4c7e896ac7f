// Package framing implements the self-delimited frame layer of the flashline
// wire protocol: a COBS byte-stuffed body carrying a trailing CRC-32 (little
// endian), terminated by a single 0x00 byte.
//
// Encoding appends stuff(payload ‖ crc32_le(payload)) ‖ 0x00. Decoding is
// destructive: the stuffing is undone in the caller's buffer and the returned
// payload aliases it, so a decoded frame is only valid for one exchange.
package framing

import (
	"encoding/binary"
	"fmt"

	"github.com/flashline-dev/flashline/internal/checksum"
)

// Terminator separates frames on the wire and never appears inside a
// stuffed body.
const Terminator = 0x00

// Overhead is the worst-case expansion added by one frame: the CRC trailer,
// the COBS code bytes (one per started 254-byte group) and the terminator.
func Overhead(payloadLen int) int {
	return 4 + 1 + (payloadLen+4)/254 + 1
}

// ErrorKind discriminates line errors. The values double as the wire tags
// reported back to the peer inside a line NAK, so their order is fixed.
type ErrorKind uint8

const (
	KindUnderfill ErrorKind = iota // frame shorter than the CRC trailer
	KindOverfill                   // frame did not fit the assembly buffer
	KindDecode                     // structural decode of the payload failed
	KindCobs                       // byte stuffing was not well formed
	KindCRC                        // trailer CRC disagreed with the payload
	KindLogic                      // internal inconsistency; should not happen
)

// Error is a line-level failure: the frame did not survive the wire. It is
// returned to the peer verbatim so the peer can retry.
type Error struct {
	Kind     ErrorKind
	Expected uint32 // KindCRC only
	Actual   uint32 // KindCRC only
}

func (e Error) Error() string {
	switch e.Kind {
	case KindUnderfill:
		return "frame underfill"
	case KindOverfill:
		return "frame overfill"
	case KindDecode:
		return "payload decode failed"
	case KindCobs:
		return "malformed byte stuffing"
	case KindCRC:
		return fmt.Sprintf("frame crc mismatch: expected %08x, actual %08x", e.Expected, e.Actual)
	case KindLogic:
		return "framing logic error"
	default:
		return fmt.Sprintf("unknown line error %d", e.Kind)
	}
}

// AppendEncode appends one full frame carrying payload to dst and returns
// the extended slice.
func AppendEncode(dst, payload []byte) []byte {
	body := make([]byte, len(payload)+4)
	copy(body, payload)
	binary.LittleEndian.PutUint32(body[len(payload):], checksum.Sum32(payload))
	dst = stuffAppend(dst, body)
	return append(dst, Terminator)
}

// Encode builds one full frame carrying payload.
func Encode(payload []byte) []byte {
	return AppendEncode(nil, payload)
}

// DecodeInPlace unstuffs a received frame body (everything before the
// terminator), verifies the CRC trailer and returns the payload. The
// returned slice aliases buf; buf's contents are destroyed either way.
func DecodeInPlace(buf []byte) ([]byte, error) {
	n, ok := unstuffInPlace(buf)
	if !ok {
		return nil, Error{Kind: KindCobs}
	}
	if n < 5 {
		return nil, Error{Kind: KindUnderfill}
	}
	data := buf[:n-4]
	expected := binary.LittleEndian.Uint32(buf[n-4 : n])
	actual := checksum.Sum32(data)
	if expected != actual {
		return nil, Error{Kind: KindCRC, Expected: expected, Actual: actual}
	}
	return data, nil
}
