package host

import (
	"encoding/binary"
	"fmt"

	"github.com/flashline-dev/flashline/internal/checksum"
)

// ImageMagic marks the tail of a well-formed application image. The last
// eight bytes of an image are magic_le ‖ crc_le, where the CRC covers every
// byte before it. The application uses the footer to self-check; the
// bootloader only cares about the whole-image CRC kept in settings.
const ImageMagic uint32 = 0x03020100

// footerPad fills the gap between the application payload and the footer.
// It matches erased flash so padding is cheap to program.
const footerPad = 0xFF

// BuildImage pads payload to appLen and appends the image footer. appLen
// must be a power of two with room for the payload plus the 8-byte footer;
// the device additionally requires at least one chunk.
func BuildImage(payload []byte, appLen uint32) ([]byte, error) {
	if appLen == 0 || appLen&(appLen-1) != 0 {
		return nil, fmt.Errorf("app length %d is not a power of two", appLen)
	}
	if uint32(len(payload))+8 > appLen {
		return nil, fmt.Errorf("payload of %d bytes plus footer exceeds app length %d", len(payload), appLen)
	}

	img := make([]byte, appLen)
	copy(img, payload)
	for i := len(payload); i < int(appLen)-8; i++ {
		img[i] = footerPad
	}
	binary.LittleEndian.PutUint32(img[appLen-8:], ImageMagic)
	binary.LittleEndian.PutUint32(img[appLen-4:], checksum.Sum32(img[:appLen-4]))
	return img, nil
}

// VerifyImage checks the footer of a built image: magic present and the
// footer CRC matching the preceding bytes.
func VerifyImage(img []byte) error {
	if len(img) < 8 {
		return fmt.Errorf("image of %d bytes has no room for a footer", len(img))
	}
	tail := len(img) - 8
	if magic := binary.LittleEndian.Uint32(img[tail:]); magic != ImageMagic {
		return fmt.Errorf("bad image magic %08x", magic)
	}
	want := binary.LittleEndian.Uint32(img[tail+4:])
	if got := checksum.Sum32(img[:tail+4]); got != want {
		return fmt.Errorf("image footer crc mismatch: footer %08x, computed %08x", want, got)
	}
	return nil
}

// ImageCRC is the whole-image CRC the bootloader validates against: every
// byte of the image, footer included.
func ImageCRC(img []byte) uint32 {
	return checksum.Sum32(img)
}
