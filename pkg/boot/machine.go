package boot

import (
	"errors"

	"github.com/flashline-dev/flashline/internal/checksum"
	"github.com/flashline-dev/flashline/internal/framing"
	"github.com/flashline-dev/flashline/internal/protocol"
)

type mode uint8

const (
	modeIdle mode = iota
	modeBootLoad
	modeBootPending
)

// session tracks one in-progress programming run. It exists only while the
// machine is in modeBootLoad.
type session struct {
	digest      checksum.Digest
	addrStart   uint32
	addrCurrent uint32
	length      uint32
	expCRC      uint32
}

// Machine is the bootloader protocol engine. It is strictly synchronous and
// single-owner: one decoded request in, one encoded reply out, with flash
// side effects in between. A boot request is latched and only acted on by
// CheckAfterSend, never inside Process, so the reply always drains first.
type Machine struct {
	hw      Flash
	mode    mode
	sess    session
	scratch []byte
}

// NewMachine creates an idle machine on top of the given flash.
func NewMachine(hw Flash) *Machine {
	return &Machine{hw: hw}
}

// Process handles one received frame body (the bytes before the terminator)
// and encodes the reply into buf's storage. Decoding is destructive: buf is
// consumed either way. The returned slice is valid until the next call.
func (m *Machine) Process(buf []byte) []byte {
	var resp protocol.Response
	var rerr protocol.ResponseError

	payload, err := framing.DecodeInPlace(buf)
	if err != nil {
		rerr = lineNak(err)
	} else if req, _, derr := protocol.TakeRequest(payload); derr != nil {
		rerr = protocol.LineNak{Err: framing.Error{Kind: framing.KindDecode}}
	} else {
		resp, rerr = m.dispatch(req)
	}

	m.scratch = protocol.AppendResult(m.scratch[:0], resp, rerr)
	return framing.AppendEncode(buf[:0], m.scratch)
}

// CheckAfterSend must be called after the reply bytes have been written to
// the transport. If a boot is pending it transfers control to the
// application; on real hardware that call does not return.
func (m *Machine) CheckAfterSend() {
	if m.mode == modeBootPending {
		m.hw.Boot()
	}
}

func lineNak(err error) protocol.ResponseError {
	var fe framing.Error
	if errors.As(err, &fe) {
		return protocol.LineNak{Err: fe}
	}
	return protocol.LineNak{Err: framing.Error{Kind: framing.KindLogic}}
}

func (m *Machine) dispatch(req protocol.Request) (protocol.Response, protocol.ResponseError) {
	switch r := req.(type) {
	case protocol.Ping:
		return protocol.Pong{Value: r.Value}, nil
	case protocol.GetParameters:
		return protocol.ParametersResponse{Params: m.hw.Parameters()}, nil
	case protocol.StartBootload:
		return m.handleStartBootload(r)
	case protocol.DataChunk:
		return m.handleDataChunk(r)
	case protocol.CompleteBootload:
		return m.handleCompleteBootload(r.Boot)
	case protocol.GetSettings:
		return protocol.SettingsResponse{Data: m.hw.ReadSettingsRaw()}, nil
	case protocol.WriteSettings:
		return m.handleWriteSettings(r.Data)
	case protocol.GetStatus:
		return m.handleGetStatus()
	case protocol.ReadRange:
		return m.handleReadRange(r)
	case protocol.AbortBootload:
		return m.handleAbortBootload()
	case protocol.IsBootable:
		return protocol.BootableStatus{Status: IsBootable(m.hw)}, nil
	case protocol.Boot:
		return m.handleBoot(r.Command)
	default:
		return nil, protocol.Oops{}
	}
}

func (m *Machine) handleStartBootload(sb protocol.StartBootload) (protocol.Response, protocol.ResponseError) {
	switch m.mode {
	case modeBootLoad:
		return nil, protocol.BootloadInProgress{}
	case modeBootPending:
		return nil, protocol.Oops{}
	}

	params := m.hw.Parameters()
	if sb.StartAddr != params.ValidAppRange.Lo {
		return nil, protocol.BadStartAddress{}
	}
	tooLong := sb.Length > params.ValidAppRange.Len()
	notWhole := sb.Length&(params.DataChunkSize-1) != 0
	if tooLong || notWhole {
		return nil, protocol.BadLength{}
	}

	m.hw.EraseRange(sb.StartAddr, sb.Length)
	m.mode = modeBootLoad
	m.sess = session{
		addrStart:   sb.StartAddr,
		addrCurrent: sb.StartAddr,
		length:      sb.Length,
		expCRC:      sb.CRC32,
	}
	return protocol.BootloadStarted{}, nil
}

func (m *Machine) handleDataChunk(dc protocol.DataChunk) (protocol.Response, protocol.ResponseError) {
	if m.mode != modeBootLoad {
		return nil, protocol.NoBootloadActive{}
	}

	// The session survives every rejection below, so the peer can retry
	// the same address.
	if dc.DataAddr != m.sess.addrCurrent {
		return nil, protocol.SkippedRange{Expected: m.sess.addrCurrent, Actual: dc.DataAddr}
	}
	chunkSize := m.hw.Parameters().DataChunkSize
	if uint32(len(dc.Data)) != chunkSize {
		return nil, protocol.IncorrectLength{Expected: chunkSize, Actual: uint32(len(dc.Data))}
	}
	if m.sess.addrCurrent >= m.sess.addrStart+m.sess.length {
		return nil, protocol.TooManyChunks{}
	}
	calc := checksum.Sum32(dc.Data)
	if calc != dc.SubCRC32 {
		return nil, protocol.BadSubCRC{Expected: dc.SubCRC32, Actual: calc}
	}

	m.hw.FlashRange(dc.DataAddr, dc.Data)
	m.sess.digest.Update(dc.Data)
	m.sess.addrCurrent += chunkSize

	return protocol.ChunkAccepted{
		DataAddr: dc.DataAddr,
		DataLen:  uint32(len(dc.Data)),
		CRC32:    calc,
	}, nil
}

func (m *Machine) handleCompleteBootload(cmd *protocol.BootCommand) (protocol.Response, protocol.ResponseError) {
	if m.mode != modeBootLoad {
		return nil, protocol.NoBootloadActive{}
	}

	if m.sess.addrCurrent != m.sess.addrStart+m.sess.length {
		return nil, protocol.IncompleteLoad{
			ExpectedLen: m.sess.length,
			ActualLen:   m.sess.addrCurrent - m.sess.addrStart,
		}
	}

	calc := m.sess.digest.Sum()
	if expected := m.sess.expCRC; calc != expected {
		// The image on flash is bad; the session is gone and the erased
		// region stays erased.
		m.mode = modeIdle
		m.sess = session{}
		return nil, protocol.BadFullCRC{Expected: expected, Actual: calc}
	}

	bootStatus := IsBootable(m.hw)
	willBoot := decideBoot(cmd, bootStatus)
	m.sess = session{}
	if willBoot {
		m.mode = modeBootPending
	} else {
		m.mode = modeIdle
	}
	return protocol.ConfirmComplete{WillBoot: willBoot, BootStatus: bootStatus}, nil
}

func decideBoot(cmd *protocol.BootCommand, status protocol.Bootable) bool {
	switch {
	case cmd == nil:
		return false
	case *cmd == protocol.ForceBoot:
		return true
	default:
		return status.Kind == protocol.BootableYes
	}
}

func (m *Machine) handleWriteSettings(data []byte) (protocol.Response, protocol.ResponseError) {
	limit := m.hw.Parameters().SettingsMax
	if uint32(len(data)) > limit {
		return nil, protocol.SettingsTooLong{Max: limit, Actual: uint32(len(data))}
	}
	m.hw.WriteSettings(data)
	return protocol.SettingsAccepted{DataLen: uint32(len(data))}, nil
}

func (m *Machine) handleGetStatus() (protocol.Response, protocol.ResponseError) {
	if m.mode != modeBootLoad {
		return protocol.StatusResponse{Status: protocol.Status{Kind: protocol.StatusIdle}}, nil
	}

	var s protocol.Status
	switch {
	case m.sess.addrCurrent == m.sess.addrStart:
		s = protocol.Status{
			Kind:      protocol.StatusStarted,
			StartAddr: m.sess.addrStart,
			Length:    m.sess.length,
			CRC32:     m.sess.expCRC,
		}
	case m.sess.addrCurrent == m.sess.addrStart+m.sess.length:
		s = protocol.Status{Kind: protocol.StatusAwaitingComplete}
	default:
		// Snapshot: the digest is a value, so summing a copy leaves the
		// session's running digest untouched.
		snap := m.sess.digest
		s = protocol.Status{
			Kind:          protocol.StatusLoading,
			StartAddr:     m.sess.addrStart,
			NextAddr:      m.sess.addrCurrent,
			PartialCRC32:  snap.Sum(),
			ExpectedCRC32: m.sess.expCRC,
		}
	}
	return protocol.StatusResponse{Status: s}, nil
}

func (m *Machine) handleReadRange(rr protocol.ReadRange) (protocol.Response, protocol.ResponseError) {
	params := m.hw.Parameters()
	if rr.StartAddr < params.ValidFlashRange.Lo {
		return nil, protocol.BadRangeStart{}
	}
	end := uint64(rr.StartAddr) + uint64(rr.Len)
	if end > uint64(params.ValidFlashRange.Hi) {
		return nil, protocol.BadRangeEnd{}
	}
	if rr.Len > params.ReadMax {
		return nil, protocol.BadRangeLength{Actual: rr.Len, Max: params.ReadMax}
	}
	return protocol.ReadRangeResponse{
		StartAddr: rr.StartAddr,
		Len:       rr.Len,
		Data:      m.hw.ReadRange(rr.StartAddr, rr.Len),
	}, nil
}

func (m *Machine) handleAbortBootload() (protocol.Response, protocol.ResponseError) {
	if m.mode != modeBootLoad {
		return nil, protocol.NoBootloadActive{}
	}
	// No flash rollback: the erased region stays erased.
	m.mode = modeIdle
	m.sess = session{}
	return protocol.BootloadAborted{}, nil
}

func (m *Machine) handleBoot(cmd protocol.BootCommand) (protocol.Response, protocol.ResponseError) {
	bootStatus := IsBootable(m.hw)
	willBoot := cmd == protocol.ForceBoot || bootStatus.Kind == protocol.BootableYes
	m.mode = modeBootPending
	m.sess = session{}
	return protocol.ConfirmBootCmd{WillBoot: willBoot, BootStatus: bootStatus}, nil
}
