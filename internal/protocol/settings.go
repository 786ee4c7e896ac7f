package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/flashline-dev/flashline/internal/checksum"
)

// The settings page persists typed records behind a CRC-protected header:
//
//	crc32_le(4) ‖ length_le(4) ‖ payload[length]
//
// where the CRC covers length_le ‖ payload. The header uses fixed little
// endian so a torn write is caught without parsing anything else.

// ErrSettingsCorrupt reports a settings page whose header CRC does not match
// its contents, including the truncated and never-written cases.
var ErrSettingsCorrupt = errors.New("protocol: settings block corrupt")

// AppendSetting appends the structural encoding of s to dst.
func AppendSetting(dst []byte, s Setting) []byte {
	dst = appendBytes(dst, s.Name)
	dst = appendTag(dst, uint8(s.Val.Kind))
	switch s.Val.Kind {
	case SettingU32:
		dst = appendUvarint(dst, s.Val.U32)
	case SettingF32:
		dst = appendF32(dst, s.Val.F32)
	case SettingBytes, SettingAscii:
		dst = appendBytes(dst, s.Val.Bytes)
	}
	return dst
}

// TakeSetting decodes one setting record from b and returns the remainder.
// Name and byte-valued fields alias b.
func TakeSetting(b []byte) (Setting, []byte, error) {
	var s Setting
	var err error
	if s.Name, b, err = takeBytes(b); err != nil {
		return Setting{}, nil, err
	}
	tag, b, err := takeTag(b)
	if err != nil || tag > uint8(SettingAscii) {
		return Setting{}, nil, ErrDecode
	}
	s.Val.Kind = SettingKind(tag)
	switch s.Val.Kind {
	case SettingU32:
		if s.Val.U32, b, err = takeUvarint(b); err != nil {
			return Setting{}, nil, err
		}
	case SettingF32:
		if s.Val.F32, b, err = takeF32(b); err != nil {
			return Setting{}, nil, err
		}
	case SettingBytes, SettingAscii:
		if s.Val.Bytes, b, err = takeBytes(b); err != nil {
			return Setting{}, nil, err
		}
	}
	return s, b, nil
}

// SettingsToBytes serializes records into a full settings block, header
// included, ready to hand to the flash layer.
func SettingsToBytes(items []Setting) []byte {
	var payload []byte
	for _, s := range items {
		payload = AppendSetting(payload, s)
	}

	var lenLE [4]byte
	binary.LittleEndian.PutUint32(lenLE[:], uint32(len(payload)))

	var d checksum.Digest
	d.Update(lenLE[:])
	d.Update(payload)

	out := make([]byte, 0, 8+len(payload))
	out = binary.LittleEndian.AppendUint32(out, d.Sum())
	out = append(out, lenLE[:]...)
	return append(out, payload...)
}

// SettingsIter walks the records of a verified settings payload. The first
// malformed record ends the iteration; everything before it is still served.
type SettingsIter struct {
	remain []byte
}

// Next returns the next record, or ok=false when the payload is exhausted
// or the next record does not parse. Returned records alias the payload.
func (it *SettingsIter) Next() (Setting, bool) {
	if len(it.remain) == 0 {
		return Setting{}, false
	}
	s, rest, err := TakeSetting(it.remain)
	if err != nil {
		it.remain = nil
		return Setting{}, false
	}
	it.remain = rest
	return s, true
}

// SettingsFromRaw verifies the header of a raw settings page and returns an
// iterator over its records. The iterator aliases raw.
func SettingsFromRaw(raw []byte) (*SettingsIter, error) {
	expCRC, rest, err := splitU32LE(raw)
	if err != nil {
		return nil, ErrSettingsCorrupt
	}
	length, rest, err := splitU32LE(rest)
	if err != nil {
		return nil, ErrSettingsCorrupt
	}
	if uint32(len(rest)) < length {
		return nil, ErrSettingsCorrupt
	}
	payload := rest[:length]

	var lenLE [4]byte
	binary.LittleEndian.PutUint32(lenLE[:], length)
	var d checksum.Digest
	d.Update(lenLE[:])
	d.Update(payload)
	if d.Sum() != expCRC {
		return nil, ErrSettingsCorrupt
	}
	return &SettingsIter{remain: payload}, nil
}
