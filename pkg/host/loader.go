package host

import (
	"fmt"

	"github.com/flashline-dev/flashline/internal/checksum"
	"github.com/flashline-dev/flashline/internal/protocol"
)

// Load programs img into the device's application region and marks it in
// settings, then completes with the given boot policy (nil: stay in the
// bootloader). On success the device's final will-boot decision and verdict
// are returned.
//
// The image length must be a whole number of chunks; images built with
// BuildImage always are, since chunk sizes and app lengths are powers of
// two with appLen >= one chunk.
func (c *Client) Load(img []byte, boot *protocol.BootCommand) (protocol.ConfirmComplete, error) {
	var none protocol.ConfirmComplete

	params, err := c.Parameters()
	if err != nil {
		return none, err
	}
	chunkSize := params.DataChunkSize
	if uint32(len(img))%chunkSize != 0 {
		return none, fmt.Errorf("image of %d bytes is not a whole number of %d-byte chunks", len(img), chunkSize)
	}
	if uint32(len(img)) > params.ValidAppRange.Len() {
		return none, fmt.Errorf("image of %d bytes exceeds the %d-byte application region", len(img), params.ValidAppRange.Len())
	}

	imgCRC := checksum.Sum32(img)
	start := params.ValidAppRange.Lo

	resp, err := c.Exchange(protocol.StartBootload{
		StartAddr: start,
		Length:    uint32(len(img)),
		CRC32:     imgCRC,
	})
	if err != nil {
		return none, fmt.Errorf("start bootload: %w", err)
	}
	if _, ok := resp.(protocol.BootloadStarted); !ok {
		return none, unexpectedResponse(resp)
	}

	for off := uint32(0); off < uint32(len(img)); off += chunkSize {
		data := img[off : off+chunkSize]
		addr := start + off
		resp, err := c.Exchange(protocol.DataChunk{
			DataAddr: addr,
			SubCRC32: checksum.Sum32(data),
			Data:     data,
		})
		if err != nil {
			return none, fmt.Errorf("chunk at %#x: %w", addr, err)
		}
		ca, ok := resp.(protocol.ChunkAccepted)
		if !ok {
			return none, unexpectedResponse(resp)
		}
		c.log.Debug("chunk accepted", "addr", ca.DataAddr, "len", ca.DataLen)
	}

	settings := protocol.SettingsToBytes([]protocol.Setting{
		{Name: []byte("app_len"), Val: protocol.SettingVal{Kind: protocol.SettingU32, U32: uint32(len(img))}},
		{Name: []byte("app_crc"), Val: protocol.SettingVal{Kind: protocol.SettingU32, U32: imgCRC}},
	})
	if err := c.WriteSettings(settings); err != nil {
		return none, fmt.Errorf("write settings: %w", err)
	}

	resp, err = c.Exchange(protocol.CompleteBootload{Boot: boot})
	if err != nil {
		return none, fmt.Errorf("complete bootload: %w", err)
	}
	cc, ok := resp.(protocol.ConfirmComplete)
	if !ok {
		return none, unexpectedResponse(resp)
	}
	return cc, nil
}
