package protocol

import (
	"fmt"

	"github.com/flashline-dev/flashline/internal/framing"
)

// Encoding is append-based and cannot fail for well-typed values; decoding
// is take-based (one element, remainder returned) so callers can parse
// concatenated records out of a single buffer.

// AppendRequest appends the structural encoding of req to dst.
func AppendRequest(dst []byte, req Request) []byte {
	dst = appendTag(dst, req.requestTag())
	switch r := req.(type) {
	case Ping:
		dst = appendUvarint(dst, r.Value)
	case GetParameters, GetSettings, GetStatus, AbortBootload, IsBootable:
	case StartBootload:
		dst = appendUvarint(dst, r.StartAddr)
		dst = appendUvarint(dst, r.Length)
		dst = appendUvarint(dst, r.CRC32)
	case DataChunk:
		dst = appendUvarint(dst, r.DataAddr)
		dst = appendUvarint(dst, r.SubCRC32)
		dst = appendBytes(dst, r.Data)
	case CompleteBootload:
		if r.Boot == nil {
			dst = appendTag(dst, 0)
		} else {
			dst = appendTag(dst, 1)
			dst = appendTag(dst, uint8(*r.Boot))
		}
	case WriteSettings:
		dst = appendBytes(dst, r.Data)
	case ReadRange:
		dst = appendUvarint(dst, r.StartAddr)
		dst = appendUvarint(dst, r.Len)
	case Boot:
		dst = appendTag(dst, uint8(r.Command))
	default:
		panic(fmt.Sprintf("protocol: unencodable request %T", req))
	}
	return dst
}

// TakeRequest decodes one request from b and returns the remainder. Byte
// slice fields alias b.
func TakeRequest(b []byte) (Request, []byte, error) {
	tag, b, err := takeTag(b)
	if err != nil {
		return nil, nil, err
	}
	switch tag {
	case Ping{}.requestTag():
		v, rest, err := takeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		return Ping{Value: v}, rest, nil
	case GetParameters{}.requestTag():
		return GetParameters{}, b, nil
	case StartBootload{}.requestTag():
		var sb StartBootload
		if sb.StartAddr, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		if sb.Length, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		if sb.CRC32, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		return sb, b, nil
	case DataChunk{}.requestTag():
		var dc DataChunk
		if dc.DataAddr, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		if dc.SubCRC32, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		if dc.Data, b, err = takeBytes(b); err != nil {
			return nil, nil, err
		}
		return dc, b, nil
	case CompleteBootload{}.requestTag():
		some, b, err := takeTag(b)
		if err != nil || some > 1 {
			return nil, nil, ErrDecode
		}
		var cb CompleteBootload
		if some == 1 {
			cmd, rest, err := takeBootCommand(b)
			if err != nil {
				return nil, nil, err
			}
			cb.Boot = &cmd
			b = rest
		}
		return cb, b, nil
	case GetSettings{}.requestTag():
		return GetSettings{}, b, nil
	case WriteSettings{}.requestTag():
		data, rest, err := takeBytes(b)
		if err != nil {
			return nil, nil, err
		}
		return WriteSettings{Data: data}, rest, nil
	case GetStatus{}.requestTag():
		return GetStatus{}, b, nil
	case ReadRange{}.requestTag():
		var rr ReadRange
		if rr.StartAddr, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		if rr.Len, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		return rr, b, nil
	case AbortBootload{}.requestTag():
		return AbortBootload{}, b, nil
	case IsBootable{}.requestTag():
		return IsBootable{}, b, nil
	case Boot{}.requestTag():
		cmd, rest, err := takeBootCommand(b)
		if err != nil {
			return nil, nil, err
		}
		return Boot{Command: cmd}, rest, nil
	default:
		return nil, nil, ErrDecode
	}
}

func takeBootCommand(b []byte) (BootCommand, []byte, error) {
	tag, rest, err := takeTag(b)
	if err != nil || tag > uint8(ForceBoot) {
		return 0, nil, ErrDecode
	}
	return BootCommand(tag), rest, nil
}

func appendParameters(dst []byte, p Parameters) []byte {
	dst = appendUvarint(dst, p.SettingsMax)
	dst = appendUvarint(dst, p.DataChunkSize)
	dst = appendUvarint(dst, p.ValidFlashRange.Lo)
	dst = appendUvarint(dst, p.ValidFlashRange.Hi)
	dst = appendUvarint(dst, p.ValidAppRange.Lo)
	dst = appendUvarint(dst, p.ValidAppRange.Hi)
	return appendUvarint(dst, p.ReadMax)
}

func takeParameters(b []byte) (Parameters, []byte, error) {
	var p Parameters
	var err error
	for _, field := range []*uint32{
		&p.SettingsMax, &p.DataChunkSize,
		&p.ValidFlashRange.Lo, &p.ValidFlashRange.Hi,
		&p.ValidAppRange.Lo, &p.ValidAppRange.Hi,
		&p.ReadMax,
	} {
		if *field, b, err = takeUvarint(b); err != nil {
			return Parameters{}, nil, err
		}
	}
	return p, b, nil
}

func appendBootable(dst []byte, bb Bootable) []byte {
	dst = appendTag(dst, uint8(bb.Kind))
	if bb.Kind == BootableYes {
		dst = appendUvarint(dst, bb.CRC32)
		dst = appendUvarint(dst, bb.Length)
	}
	return dst
}

func takeBootable(b []byte) (Bootable, []byte, error) {
	tag, b, err := takeTag(b)
	if err != nil || tag > uint8(BootableYes) {
		return Bootable{}, nil, ErrDecode
	}
	bb := Bootable{Kind: BootableKind(tag)}
	if bb.Kind == BootableYes {
		if bb.CRC32, b, err = takeUvarint(b); err != nil {
			return Bootable{}, nil, err
		}
		if bb.Length, b, err = takeUvarint(b); err != nil {
			return Bootable{}, nil, err
		}
	}
	return bb, b, nil
}

func appendStatus(dst []byte, s Status) []byte {
	dst = appendTag(dst, uint8(s.Kind))
	switch s.Kind {
	case StatusStarted:
		dst = appendUvarint(dst, s.StartAddr)
		dst = appendUvarint(dst, s.Length)
		dst = appendUvarint(dst, s.CRC32)
	case StatusLoading:
		dst = appendUvarint(dst, s.StartAddr)
		dst = appendUvarint(dst, s.NextAddr)
		dst = appendUvarint(dst, s.PartialCRC32)
		dst = appendUvarint(dst, s.ExpectedCRC32)
	}
	return dst
}

func takeStatus(b []byte) (Status, []byte, error) {
	tag, b, err := takeTag(b)
	if err != nil || tag > uint8(StatusAwaitingComplete) {
		return Status{}, nil, ErrDecode
	}
	s := Status{Kind: StatusKind(tag)}
	switch s.Kind {
	case StatusStarted:
		for _, field := range []*uint32{&s.StartAddr, &s.Length, &s.CRC32} {
			if *field, b, err = takeUvarint(b); err != nil {
				return Status{}, nil, err
			}
		}
	case StatusLoading:
		for _, field := range []*uint32{&s.StartAddr, &s.NextAddr, &s.PartialCRC32, &s.ExpectedCRC32} {
			if *field, b, err = takeUvarint(b); err != nil {
				return Status{}, nil, err
			}
		}
	}
	return s, b, nil
}

// AppendResponse appends the structural encoding of resp to dst.
func AppendResponse(dst []byte, resp Response) []byte {
	dst = appendTag(dst, resp.responseTag())
	switch r := resp.(type) {
	case Pong:
		dst = appendUvarint(dst, r.Value)
	case ParametersResponse:
		dst = appendParameters(dst, r.Params)
	case BootloadStarted, BootloadAborted:
	case ChunkAccepted:
		dst = appendUvarint(dst, r.DataAddr)
		dst = appendUvarint(dst, r.DataLen)
		dst = appendUvarint(dst, r.CRC32)
	case ConfirmComplete:
		dst = appendBool(dst, r.WillBoot)
		dst = appendBootable(dst, r.BootStatus)
	case SettingsResponse:
		dst = appendBytes(dst, r.Data)
	case SettingsAccepted:
		dst = appendUvarint(dst, r.DataLen)
	case StatusResponse:
		dst = appendStatus(dst, r.Status)
	case ReadRangeResponse:
		dst = appendUvarint(dst, r.StartAddr)
		dst = appendUvarint(dst, r.Len)
		dst = appendBytes(dst, r.Data)
	case BootableStatus:
		dst = appendBootable(dst, r.Status)
	case ConfirmBootCmd:
		dst = appendBool(dst, r.WillBoot)
		dst = appendBootable(dst, r.BootStatus)
	default:
		panic(fmt.Sprintf("protocol: unencodable response %T", resp))
	}
	return dst
}

// TakeResponse decodes one response from b and returns the remainder. Byte
// slice fields alias b.
func TakeResponse(b []byte) (Response, []byte, error) {
	tag, b, err := takeTag(b)
	if err != nil {
		return nil, nil, err
	}
	switch tag {
	case Pong{}.responseTag():
		v, rest, err := takeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		return Pong{Value: v}, rest, nil
	case ParametersResponse{}.responseTag():
		p, rest, err := takeParameters(b)
		if err != nil {
			return nil, nil, err
		}
		return ParametersResponse{Params: p}, rest, nil
	case BootloadStarted{}.responseTag():
		return BootloadStarted{}, b, nil
	case ChunkAccepted{}.responseTag():
		var ca ChunkAccepted
		for _, field := range []*uint32{&ca.DataAddr, &ca.DataLen, &ca.CRC32} {
			if *field, b, err = takeUvarint(b); err != nil {
				return nil, nil, err
			}
		}
		return ca, b, nil
	case ConfirmComplete{}.responseTag():
		var cc ConfirmComplete
		if cc.WillBoot, b, err = takeBool(b); err != nil {
			return nil, nil, err
		}
		if cc.BootStatus, b, err = takeBootable(b); err != nil {
			return nil, nil, err
		}
		return cc, b, nil
	case SettingsResponse{}.responseTag():
		data, rest, err := takeBytes(b)
		if err != nil {
			return nil, nil, err
		}
		return SettingsResponse{Data: data}, rest, nil
	case SettingsAccepted{}.responseTag():
		n, rest, err := takeUvarint(b)
		if err != nil {
			return nil, nil, err
		}
		return SettingsAccepted{DataLen: n}, rest, nil
	case StatusResponse{}.responseTag():
		s, rest, err := takeStatus(b)
		if err != nil {
			return nil, nil, err
		}
		return StatusResponse{Status: s}, rest, nil
	case ReadRangeResponse{}.responseTag():
		var rr ReadRangeResponse
		if rr.StartAddr, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		if rr.Len, b, err = takeUvarint(b); err != nil {
			return nil, nil, err
		}
		if rr.Data, b, err = takeBytes(b); err != nil {
			return nil, nil, err
		}
		return rr, b, nil
	case BootloadAborted{}.responseTag():
		return BootloadAborted{}, b, nil
	case BootableStatus{}.responseTag():
		bb, rest, err := takeBootable(b)
		if err != nil {
			return nil, nil, err
		}
		return BootableStatus{Status: bb}, rest, nil
	case ConfirmBootCmd{}.responseTag():
		var cb ConfirmBootCmd
		if cb.WillBoot, b, err = takeBool(b); err != nil {
			return nil, nil, err
		}
		if cb.BootStatus, b, err = takeBootable(b); err != nil {
			return nil, nil, err
		}
		return cb, b, nil
	default:
		return nil, nil, ErrDecode
	}
}

// AppendResponseError appends the structural encoding of re to dst.
func AppendResponseError(dst []byte, re ResponseError) []byte {
	dst = appendTag(dst, re.responseErrorTag())
	switch e := re.(type) {
	case BadStartAddress, BadLength, BootloadInProgress, NoBootloadActive,
		TooManyChunks, BadRangeStart, BadRangeEnd, Oops:
	case SkippedRange:
		dst = appendUvarint(dst, e.Expected)
		dst = appendUvarint(dst, e.Actual)
	case IncorrectLength:
		dst = appendUvarint(dst, e.Expected)
		dst = appendUvarint(dst, e.Actual)
	case BadSubCRC:
		dst = appendUvarint(dst, e.Expected)
		dst = appendUvarint(dst, e.Actual)
	case IncompleteLoad:
		dst = appendUvarint(dst, e.ExpectedLen)
		dst = appendUvarint(dst, e.ActualLen)
	case BadFullCRC:
		dst = appendUvarint(dst, e.Expected)
		dst = appendUvarint(dst, e.Actual)
	case SettingsTooLong:
		dst = appendUvarint(dst, e.Max)
		dst = appendUvarint(dst, e.Actual)
	case BadRangeLength:
		dst = appendUvarint(dst, e.Actual)
		dst = appendUvarint(dst, e.Max)
	case LineNak:
		dst = appendTag(dst, uint8(e.Err.Kind))
		if e.Err.Kind == framing.KindCRC {
			dst = appendUvarint(dst, e.Err.Expected)
			dst = appendUvarint(dst, e.Err.Actual)
		}
	default:
		panic(fmt.Sprintf("protocol: unencodable response error %T", re))
	}
	return dst
}

// TakeResponseError decodes one response error from b and returns the
// remainder.
func TakeResponseError(b []byte) (ResponseError, []byte, error) {
	tag, b, err := takeTag(b)
	if err != nil {
		return nil, nil, err
	}
	switch tag {
	case BadStartAddress{}.responseErrorTag():
		return BadStartAddress{}, b, nil
	case BadLength{}.responseErrorTag():
		return BadLength{}, b, nil
	case BootloadInProgress{}.responseErrorTag():
		return BootloadInProgress{}, b, nil
	case SkippedRange{}.responseErrorTag():
		var e SkippedRange
		if e.Expected, e.Actual, b, err = takePair(b); err != nil {
			return nil, nil, err
		}
		return e, b, nil
	case IncorrectLength{}.responseErrorTag():
		var e IncorrectLength
		if e.Expected, e.Actual, b, err = takePair(b); err != nil {
			return nil, nil, err
		}
		return e, b, nil
	case BadSubCRC{}.responseErrorTag():
		var e BadSubCRC
		if e.Expected, e.Actual, b, err = takePair(b); err != nil {
			return nil, nil, err
		}
		return e, b, nil
	case NoBootloadActive{}.responseErrorTag():
		return NoBootloadActive{}, b, nil
	case TooManyChunks{}.responseErrorTag():
		return TooManyChunks{}, b, nil
	case IncompleteLoad{}.responseErrorTag():
		var e IncompleteLoad
		if e.ExpectedLen, e.ActualLen, b, err = takePair(b); err != nil {
			return nil, nil, err
		}
		return e, b, nil
	case BadFullCRC{}.responseErrorTag():
		var e BadFullCRC
		if e.Expected, e.Actual, b, err = takePair(b); err != nil {
			return nil, nil, err
		}
		return e, b, nil
	case SettingsTooLong{}.responseErrorTag():
		var e SettingsTooLong
		if e.Max, e.Actual, b, err = takePair(b); err != nil {
			return nil, nil, err
		}
		return e, b, nil
	case BadRangeStart{}.responseErrorTag():
		return BadRangeStart{}, b, nil
	case BadRangeEnd{}.responseErrorTag():
		return BadRangeEnd{}, b, nil
	case BadRangeLength{}.responseErrorTag():
		var e BadRangeLength
		if e.Actual, e.Max, b, err = takePair(b); err != nil {
			return nil, nil, err
		}
		return e, b, nil
	case LineNak{}.responseErrorTag():
		kind, rest, err := takeTag(b)
		if err != nil || kind > uint8(framing.KindLogic) {
			return nil, nil, ErrDecode
		}
		e := LineNak{}
		e.Err.Kind = framing.ErrorKind(kind)
		b = rest
		if e.Err.Kind == framing.KindCRC {
			if e.Err.Expected, e.Err.Actual, b, err = takePair(b); err != nil {
				return nil, nil, err
			}
		}
		return e, b, nil
	case Oops{}.responseErrorTag():
		return Oops{}, b, nil
	default:
		return nil, nil, ErrDecode
	}
}

func takePair(b []byte) (uint32, uint32, []byte, error) {
	x, b, err := takeUvarint(b)
	if err != nil {
		return 0, 0, nil, err
	}
	y, b, err := takeUvarint(b)
	if err != nil {
		return 0, 0, nil, err
	}
	return x, y, b, nil
}

// AppendResult appends the encoding of a reply: tag 0 followed by a
// response, or tag 1 followed by a response error.
func AppendResult(dst []byte, resp Response, re ResponseError) []byte {
	if re != nil {
		dst = appendTag(dst, 1)
		return AppendResponseError(dst, re)
	}
	dst = appendTag(dst, 0)
	return AppendResponse(dst, resp)
}

// TakeResult decodes one reply. Exactly one of the response and the
// response error is non-nil on success.
func TakeResult(b []byte) (Response, ResponseError, []byte, error) {
	tag, b, err := takeTag(b)
	if err != nil || tag > 1 {
		return nil, nil, nil, ErrDecode
	}
	if tag == 1 {
		re, rest, err := TakeResponseError(b)
		if err != nil {
			return nil, nil, nil, err
		}
		return nil, re, rest, nil
	}
	resp, rest, err := TakeResponse(b)
	if err != nil {
		return nil, nil, nil, err
	}
	return resp, nil, rest, nil
}
