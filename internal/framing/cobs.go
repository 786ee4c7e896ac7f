package framing

// Consistent Overhead Byte Stuffing. The stuffed body never contains the
// frame terminator 0x00; groups carry a leading code byte giving the offset
// to the next stuffed zero (0xFF marks a maximal group with no implied zero).

// stuffAppend appends the COBS encoding of src to dst and returns the
// extended slice. The terminator byte is not appended.
func stuffAppend(dst, src []byte) []byte {
	codeAt := len(dst)
	dst = append(dst, 0)
	code := byte(1)

	for _, b := range src {
		if b == 0 {
			dst[codeAt] = code
			codeAt = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xFF {
			dst[codeAt] = code
			codeAt = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}

	dst[codeAt] = code
	return dst
}

// unstuffInPlace decodes a COBS body in place and returns the decoded length.
// ok is false if the body is malformed: a group runs past the end of the
// buffer, or a stray 0x00 appears where a code byte was expected.
func unstuffInPlace(buf []byte) (n int, ok bool) {
	read, write := 0, 0
	for read < len(buf) {
		code := buf[read]
		if code == 0 {
			return 0, false
		}
		read++
		grp := int(code) - 1
		if read+grp > len(buf) {
			return 0, false
		}
		copy(buf[write:], buf[read:read+grp])
		write += grp
		read += grp
		if code != 0xFF && read < len(buf) {
			buf[write] = 0
			write++
		}
	}
	return write, true
}
