package boot

import (
	"bytes"

	"github.com/flashline-dev/flashline/internal/checksum"
	"github.com/flashline-dev/flashline/internal/protocol"
)

var (
	settingAppLen = []byte("app_len")
	settingAppCRC = []byte("app_crc")
)

// IsBootable decides whether the device can jump into the application: the
// settings block must parse, declare exactly one sane (app_len, app_crc)
// pair, and the flashed bytes must hash to app_crc. The image is read in
// chunk-sized pieces in address order.
func IsBootable(fl Flash) protocol.Bootable {
	params := fl.Parameters()
	info := appInfo(fl.ReadSettingsRaw(), params)
	if info.Kind != protocol.BootableYes {
		return info
	}

	var d checksum.Digest
	start := params.ValidAppRange.Lo
	end := start + info.Length
	for cur := start; cur < end; cur += params.DataChunkSize {
		d.Update(fl.ReadRange(cur, params.DataChunkSize))
	}

	if actual := d.Sum(); actual == info.CRC32 {
		return protocol.Bootable{Kind: protocol.BootableYes, CRC32: actual, Length: info.Length}
	}
	return protocol.Bootable{Kind: protocol.BootableNoInvalidCRC}
}

// appInfo extracts and validates the application metadata from a raw
// settings page. On success the returned Bootable carries the *claimed*
// CRC; the image walk above decides whether the claim holds.
func appInfo(raw []byte, params protocol.Parameters) protocol.Bootable {
	it, err := protocol.SettingsFromRaw(raw)
	if err != nil {
		return protocol.Bootable{Kind: protocol.BootableNoMissingSettings}
	}

	var appLen, appCRC *uint32
	for {
		s, ok := it.Next()
		if !ok {
			break
		}
		if s.Val.Kind != protocol.SettingU32 {
			continue
		}
		switch {
		case bytes.Equal(s.Name, settingAppLen):
			if appLen != nil {
				return protocol.Bootable{Kind: protocol.BootableNoDuplicateSettings}
			}
			v := s.Val.U32
			appLen = &v
		case bytes.Equal(s.Name, settingAppCRC):
			if appCRC != nil {
				return protocol.Bootable{Kind: protocol.BootableNoDuplicateSettings}
			}
			v := s.Val.U32
			appCRC = &v
		}
	}
	if appLen == nil || appCRC == nil {
		return protocol.Bootable{Kind: protocol.BootableNoMissingSettings}
	}

	tooLong := *appLen > params.ValidAppRange.Len()
	tooShort := *appLen < params.DataChunkSize
	notPow2 := *appLen == 0 || *appLen&(*appLen-1) != 0
	if tooLong || tooShort || notPow2 {
		return protocol.Bootable{Kind: protocol.BootableNoInvalidSettings}
	}

	return protocol.Bootable{Kind: protocol.BootableYes, CRC32: *appCRC, Length: *appLen}
}
