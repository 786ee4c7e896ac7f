package boot

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashline-dev/flashline/internal/checksum"
	"github.com/flashline-dev/flashline/internal/framing"
	"github.com/flashline-dev/flashline/internal/protocol"
)

func testParams() protocol.Parameters {
	return protocol.Parameters{
		SettingsMax:     2*1024 - 4,
		DataChunkSize:   2 * 1024,
		ValidFlashRange: protocol.Range{Lo: 0, Hi: 64 * 1024},
		ValidAppRange:   protocol.Range{Lo: 16 * 1024, Hi: 64 * 1024},
		ReadMax:         2 * 1024,
	}
}

type rig struct {
	fl     *MemFlash
	m      *Machine
	booted bool
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{}
	r.fl = NewMemFlash(testParams(), WithBootFunc(func() { r.booted = true }))
	r.m = NewMachine(r.fl)
	return r
}

// exchange runs one request through the full pipeline: structural encode,
// frame, Process, deframe, structural decode.
func (r *rig) exchange(t *testing.T, req protocol.Request) (protocol.Response, protocol.ResponseError) {
	t.Helper()
	frame := framing.Encode(protocol.AppendRequest(nil, req))

	buf := make([]byte, 0, 3072)
	buf = append(buf, frame[:len(frame)-1]...)
	out := r.m.Process(buf)

	require.NotEmpty(t, out)
	require.Equal(t, byte(framing.Terminator), out[len(out)-1])

	reply := append([]byte(nil), out[:len(out)-1]...)
	payload, err := framing.DecodeInPlace(reply)
	require.NoError(t, err)
	resp, rerr, rest, err := protocol.TakeResult(payload)
	require.NoError(t, err)
	require.Empty(t, rest)
	return resp, rerr
}

func (r *rig) mustRespond(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	resp, rerr := r.exchange(t, req)
	require.Nil(t, rerr)
	return resp
}

func (r *rig) mustFail(t *testing.T, req protocol.Request) protocol.ResponseError {
	t.Helper()
	resp, rerr := r.exchange(t, req)
	require.Nil(t, resp)
	require.NotNil(t, rerr)
	return rerr
}

func chunk(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, 2048)
}

func chunkCRC(fill byte) uint32 {
	return checksum.Sum32(chunk(fill))
}

// imageCRC is the aggregate CRC of the canonical four-chunk test image.
func imageCRC() uint32 {
	var d checksum.Digest
	for _, fill := range []byte{16, 18, 20, 22} {
		d.Update(chunk(fill))
	}
	return d.Sum()
}

func appSettings(appLen, appCRC uint32) []byte {
	return protocol.SettingsToBytes([]protocol.Setting{
		{Name: []byte("app_len"), Val: protocol.SettingVal{Kind: protocol.SettingU32, U32: appLen}},
		{Name: []byte("app_crc"), Val: protocol.SettingVal{Kind: protocol.SettingU32, U32: appCRC}},
	})
}

func bootCmd(c protocol.BootCommand) *protocol.BootCommand { return &c }

func (r *rig) loadChunks(t *testing.T, fills ...byte) {
	t.Helper()
	r.loadChunksFrom(t, testParams().ValidAppRange.Lo, fills...)
}

// loadChunksFrom sends consecutive chunks starting at addr, for sessions that
// already hold some chunks.
func (r *rig) loadChunksFrom(t *testing.T, addr uint32, fills ...byte) {
	t.Helper()
	for _, fill := range fills {
		resp := r.mustRespond(t, protocol.DataChunk{
			DataAddr: addr,
			SubCRC32: chunkCRC(fill),
			Data:     chunk(fill),
		})
		assert.Equal(t, protocol.ChunkAccepted{
			DataAddr: addr,
			DataLen:  2048,
			CRC32:    chunkCRC(fill),
		}, resp)
		addr += 2048
	}
}

func TestBootloadHappyPath(t *testing.T) {
	r := newRig(t)
	crc := imageCRC()

	resp := r.mustRespond(t, protocol.GetParameters{})
	assert.Equal(t, protocol.ParametersResponse{Params: testParams()}, resp)

	resp = r.mustRespond(t, protocol.IsBootable{})
	assert.Equal(t, protocol.BootableStatus{
		Status: protocol.Bootable{Kind: protocol.BootableNoMissingSettings},
	}, resp)

	resp = r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: crc})
	assert.Equal(t, protocol.BootloadStarted{}, resp)

	r.loadChunks(t, 16, 18, 20, 22)

	settings := appSettings(8*1024, crc)
	resp = r.mustRespond(t, protocol.WriteSettings{Data: settings})
	assert.Equal(t, protocol.SettingsAccepted{DataLen: uint32(len(settings))}, resp)

	resp = r.mustRespond(t, protocol.CompleteBootload{})
	assert.Equal(t, protocol.ConfirmComplete{
		WillBoot:   false,
		BootStatus: protocol.Bootable{Kind: protocol.BootableYes, CRC32: crc, Length: 8 * 1024},
	}, resp)

	assert.Equal(t, modeIdle, r.m.mode)
	r.m.CheckAfterSend()
	assert.False(t, r.booted)

	// Programmed regions hold the chunk data; everything else is untouched.
	assert.Equal(t, chunk(16), r.fl.flash[16*1024:][:2048])
	assert.Equal(t, chunk(18), r.fl.flash[18*1024:][:2048])
	assert.Equal(t, chunk(20), r.fl.flash[20*1024:][:2048])
	assert.Equal(t, chunk(22), r.fl.flash[22*1024:][:2048])
	assert.Equal(t, bytes.Repeat([]byte{unprogrammedFill}, 16*1024), r.fl.flash[:16*1024])
	assert.Equal(t, bytes.Repeat([]byte{unprogrammedFill}, 40*1024), r.fl.flash[24*1024:])
}

func TestStartBootloadBadStartAddress(t *testing.T) {
	r := newRig(t)
	rerr := r.mustFail(t, protocol.StartBootload{StartAddr: 0, Length: 8 * 1024})
	assert.Equal(t, protocol.BadStartAddress{}, rerr)
	assert.Equal(t, modeIdle, r.m.mode)
}

func TestStartBootloadBadLength(t *testing.T) {
	r := newRig(t)

	rerr := r.mustFail(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 100})
	assert.Equal(t, protocol.BadLength{}, rerr)

	rerr = r.mustFail(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 64 * 1024})
	assert.Equal(t, protocol.BadLength{}, rerr)

	assert.Equal(t, modeIdle, r.m.mode)
}

func TestStartBootloadWhileInProgress(t *testing.T) {
	r := newRig(t)
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})

	rerr := r.mustFail(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})
	assert.Equal(t, protocol.BootloadInProgress{}, rerr)

	// The active session is untouched.
	resp := r.mustRespond(t, protocol.GetStatus{})
	assert.Equal(t, protocol.StatusStarted, resp.(protocol.StatusResponse).Status.Kind)
}

func TestDataChunkBadSubCRC(t *testing.T) {
	r := newRig(t)
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: imageCRC()})
	r.loadChunks(t, 16)

	rerr := r.mustFail(t, protocol.DataChunk{
		DataAddr: 18 * 1024,
		SubCRC32: 0xDEADBEEF,
		Data:     chunk(18),
	})
	assert.Equal(t, protocol.BadSubCRC{Expected: 0xDEADBEEF, Actual: chunkCRC(18)}, rerr)

	// Session intact: still waiting on the same address.
	resp := r.mustRespond(t, protocol.GetStatus{})
	status := resp.(protocol.StatusResponse).Status
	assert.Equal(t, protocol.StatusLoading, status.Kind)
	assert.Equal(t, uint32(18*1024), status.NextAddr)
	assert.Equal(t, chunkCRC(16), status.PartialCRC32)
}

func TestDataChunkSkippedRange(t *testing.T) {
	r := newRig(t)
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})

	rerr := r.mustFail(t, protocol.DataChunk{
		DataAddr: 20 * 1024,
		SubCRC32: chunkCRC(20),
		Data:     chunk(20),
	})
	assert.Equal(t, protocol.SkippedRange{Expected: 16 * 1024, Actual: 20 * 1024}, rerr)

	// Retrying the expected address succeeds.
	r.loadChunks(t, 16)
}

func TestDataChunkIncorrectLength(t *testing.T) {
	r := newRig(t)
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})

	short := []byte{1, 2, 3}
	rerr := r.mustFail(t, protocol.DataChunk{
		DataAddr: 16 * 1024,
		SubCRC32: checksum.Sum32(short),
		Data:     short,
	})
	assert.Equal(t, protocol.IncorrectLength{Expected: 2048, Actual: 3}, rerr)
}

func TestDataChunkTooMany(t *testing.T) {
	r := newRig(t)
	// A zero-length load is legal and accepts no chunks at all.
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 0})

	rerr := r.mustFail(t, protocol.DataChunk{
		DataAddr: 16 * 1024,
		SubCRC32: chunkCRC(1),
		Data:     chunk(1),
	})
	assert.Equal(t, protocol.TooManyChunks{}, rerr)
}

func TestDataChunkOutsideSession(t *testing.T) {
	r := newRig(t)
	rerr := r.mustFail(t, protocol.DataChunk{DataAddr: 16 * 1024, SubCRC32: chunkCRC(1), Data: chunk(1)})
	assert.Equal(t, protocol.NoBootloadActive{}, rerr)
}

func TestCompleteBootloadIncomplete(t *testing.T) {
	r := newRig(t)
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: imageCRC()})
	r.loadChunks(t, 16, 18, 20)

	rerr := r.mustFail(t, protocol.CompleteBootload{})
	assert.Equal(t, protocol.IncompleteLoad{ExpectedLen: 8 * 1024, ActualLen: 6 * 1024}, rerr)

	// Session still alive with the same progress.
	resp := r.mustRespond(t, protocol.GetStatus{})
	status := resp.(protocol.StatusResponse).Status
	assert.Equal(t, protocol.StatusLoading, status.Kind)
	assert.Equal(t, uint32(22*1024), status.NextAddr)

	// The last chunk can still land.
	r.loadChunksFrom(t, 22*1024, 22)
	resp = r.mustRespond(t, protocol.GetStatus{})
	assert.Equal(t, protocol.StatusAwaitingComplete, resp.(protocol.StatusResponse).Status.Kind)
}

func TestCompleteBootloadBadFullCRC(t *testing.T) {
	r := newRig(t)
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: 0x12345678})
	r.loadChunks(t, 16, 18, 20, 22)

	rerr := r.mustFail(t, protocol.CompleteBootload{Boot: bootCmd(protocol.ForceBoot)})
	assert.Equal(t, protocol.BadFullCRC{Expected: 0x12345678, Actual: imageCRC()}, rerr)

	// Session destroyed, and the rejected force-boot is not latched.
	assert.Equal(t, modeIdle, r.m.mode)
	r.m.CheckAfterSend()
	assert.False(t, r.booted)

	rerr = r.mustFail(t, protocol.CompleteBootload{})
	assert.Equal(t, protocol.NoBootloadActive{}, rerr)
}

func TestCompleteBootloadForceBoot(t *testing.T) {
	r := newRig(t)
	crc := imageCRC()
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: crc})
	r.loadChunks(t, 16, 18, 20, 22)
	r.mustRespond(t, protocol.WriteSettings{Data: appSettings(8*1024, crc)})

	resp := r.mustRespond(t, protocol.CompleteBootload{Boot: bootCmd(protocol.ForceBoot)})
	assert.Equal(t, protocol.ConfirmComplete{
		WillBoot:   true,
		BootStatus: protocol.Bootable{Kind: protocol.BootableYes, CRC32: crc, Length: 8 * 1024},
	}, resp)

	require.False(t, r.booted)
	r.m.CheckAfterSend()
	assert.True(t, r.booted)
}

func TestCompleteBootloadBootIfBootableOnBadSettings(t *testing.T) {
	r := newRig(t)
	crc := imageCRC()
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: crc})
	r.loadChunks(t, 16, 18, 20, 22)
	// No settings written: the image matches but the device is not bootable.

	resp := r.mustRespond(t, protocol.CompleteBootload{Boot: bootCmd(protocol.BootIfBootable)})
	assert.Equal(t, protocol.ConfirmComplete{
		WillBoot:   false,
		BootStatus: protocol.Bootable{Kind: protocol.BootableNoMissingSettings},
	}, resp)

	assert.Equal(t, modeIdle, r.m.mode)
	r.m.CheckAfterSend()
	assert.False(t, r.booted)
}

func TestAbortBootload(t *testing.T) {
	r := newRig(t)

	rerr := r.mustFail(t, protocol.AbortBootload{})
	assert.Equal(t, protocol.NoBootloadActive{}, rerr)

	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})
	r.loadChunks(t, 16)

	resp := r.mustRespond(t, protocol.AbortBootload{})
	assert.Equal(t, protocol.BootloadAborted{}, resp)
	assert.Equal(t, modeIdle, r.m.mode)

	// No rollback: the erased tail of the aborted region stays erased.
	assert.Equal(t, bytes.Repeat([]byte{erasedFill}, 2048), r.fl.flash[18*1024:][:2048])

	// A fresh start succeeds after an abort.
	resp = r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})
	assert.Equal(t, protocol.BootloadStarted{}, resp)
}

func TestBootCommandLatchesFromAnyMode(t *testing.T) {
	r := newRig(t)

	resp := r.mustRespond(t, protocol.Boot{Command: protocol.ForceBoot})
	cb := resp.(protocol.ConfirmBootCmd)
	assert.True(t, cb.WillBoot)
	assert.Equal(t, protocol.BootableNoMissingSettings, cb.BootStatus.Kind)
	assert.Equal(t, modeBootPending, r.m.mode)

	// Session-bearing requests are refused while the boot is pending.
	rerr := r.mustFail(t, protocol.DataChunk{DataAddr: 16 * 1024, SubCRC32: 0, Data: chunk(1)})
	assert.Equal(t, protocol.NoBootloadActive{}, rerr)
	rerr = r.mustFail(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})
	assert.Equal(t, protocol.Oops{}, rerr)

	r.m.CheckAfterSend()
	assert.True(t, r.booted)
}

func TestModeIndependentRequests(t *testing.T) {
	r := newRig(t)

	check := func() {
		resp := r.mustRespond(t, protocol.Ping{Value: 1234})
		assert.Equal(t, protocol.Pong{Value: 1234}, resp)

		resp = r.mustRespond(t, protocol.GetParameters{})
		assert.Equal(t, protocol.ParametersResponse{Params: testParams()}, resp)

		resp = r.mustRespond(t, protocol.GetSettings{})
		assert.Equal(t, r.fl.ReadSettingsRaw(), resp.(protocol.SettingsResponse).Data)
	}

	check() // Idle
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024})
	check() // BootLoad
	r.mustRespond(t, protocol.AbortBootload{})
	r.mustRespond(t, protocol.Boot{Command: protocol.ForceBoot})
	check() // BootPending
}

func TestGetStatusProgression(t *testing.T) {
	r := newRig(t)

	resp := r.mustRespond(t, protocol.GetStatus{})
	assert.Equal(t, protocol.Status{Kind: protocol.StatusIdle}, resp.(protocol.StatusResponse).Status)

	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: 0x42})
	resp = r.mustRespond(t, protocol.GetStatus{})
	assert.Equal(t, protocol.Status{
		Kind:      protocol.StatusStarted,
		StartAddr: 16 * 1024,
		Length:    8 * 1024,
		CRC32:     0x42,
	}, resp.(protocol.StatusResponse).Status)

	r.loadChunks(t, 16, 18)
	resp = r.mustRespond(t, protocol.GetStatus{})
	var d checksum.Digest
	d.Update(chunk(16))
	d.Update(chunk(18))
	assert.Equal(t, protocol.Status{
		Kind:          protocol.StatusLoading,
		StartAddr:     16 * 1024,
		NextAddr:      20 * 1024,
		PartialCRC32:  d.Sum(),
		ExpectedCRC32: 0x42,
	}, resp.(protocol.StatusResponse).Status)

	// The snapshot must not disturb the running digest.
	r.loadChunksFrom(t, 20*1024, 20, 22)
	resp = r.mustRespond(t, protocol.GetStatus{})
	assert.Equal(t, protocol.StatusAwaitingComplete, resp.(protocol.StatusResponse).Status.Kind)

	rerr := r.mustFail(t, protocol.CompleteBootload{})
	assert.Equal(t, protocol.BadFullCRC{Expected: 0x42, Actual: imageCRC()}, rerr)
}

func TestWriteSettingsTooLong(t *testing.T) {
	r := newRig(t)
	big := make([]byte, 2*1024)
	rerr := r.mustFail(t, protocol.WriteSettings{Data: big})
	assert.Equal(t, protocol.SettingsTooLong{Max: 2044, Actual: 2048}, rerr)
}

func TestReadRange(t *testing.T) {
	r := newRig(t)

	resp := r.mustRespond(t, protocol.ReadRange{StartAddr: 0x1000, Len: 16})
	rd := resp.(protocol.ReadRangeResponse)
	assert.Equal(t, uint32(0x1000), rd.StartAddr)
	assert.Equal(t, bytes.Repeat([]byte{unprogrammedFill}, 16), rd.Data)

	rerr := r.mustFail(t, protocol.ReadRange{StartAddr: 63 * 1024, Len: 2048})
	assert.Equal(t, protocol.BadRangeEnd{}, rerr)

	// Wraparound must not sneak past the end check.
	rerr = r.mustFail(t, protocol.ReadRange{StartAddr: 0xFFFF_FFF0, Len: 0x20})
	assert.Equal(t, protocol.BadRangeEnd{}, rerr)

	rerr = r.mustFail(t, protocol.ReadRange{StartAddr: 0, Len: 4096})
	assert.Equal(t, protocol.BadRangeLength{Actual: 4096, Max: 2048}, rerr)
}

func TestReadRangeBadStart(t *testing.T) {
	fl := offsetFlash{params: protocol.Parameters{
		SettingsMax:     2044,
		DataChunkSize:   2048,
		ValidFlashRange: protocol.Range{Lo: 0x0800_0000, Hi: 0x0801_0000},
		ValidAppRange:   protocol.Range{Lo: 0x0800_4000, Hi: 0x0801_0000},
		ReadMax:         2048,
	}}
	m := NewMachine(fl)

	_, rerr := m.handleReadRange(protocol.ReadRange{StartAddr: 0x100, Len: 4})
	assert.Equal(t, protocol.BadRangeStart{}, rerr)
}

// offsetFlash stubs Parameters for geometries MemFlash cannot model; no
// other method is expected to run.
type offsetFlash struct {
	params protocol.Parameters
}

func (f offsetFlash) Parameters() protocol.Parameters  { return f.params }
func (offsetFlash) FlashRange(uint32, []byte)          { panic("unexpected") }
func (offsetFlash) EraseRange(uint32, uint32)          { panic("unexpected") }
func (offsetFlash) ReadRange(uint32, uint32) []byte    { panic("unexpected") }
func (offsetFlash) ReadSettingsRaw() []byte            { panic("unexpected") }
func (offsetFlash) WriteSettings([]byte)               { panic("unexpected") }
func (offsetFlash) Boot()                              { panic("unexpected") }

func TestLineNakPreservesState(t *testing.T) {
	r := newRig(t)
	r.mustRespond(t, protocol.StartBootload{StartAddr: 16 * 1024, Length: 8 * 1024, CRC32: 0x42})
	r.loadChunks(t, 16)

	// A frame corrupted in flight: flip one literal byte deep inside the
	// stuffed chunk data. The stuffing still parses, the CRC does not.
	frame := framing.Encode(protocol.AppendRequest(nil, protocol.DataChunk{
		DataAddr: 18 * 1024,
		SubCRC32: chunkCRC(18),
		Data:     chunk(18),
	}))
	body := append(make([]byte, 0, len(frame)), frame[:len(frame)-1]...)
	require.Equal(t, byte(18), body[100])
	body[100] ^= 0x08

	out := r.m.Process(body)
	reply := append([]byte(nil), out[:len(out)-1]...)
	dec, err := framing.DecodeInPlace(reply)
	require.NoError(t, err)
	_, rerr, _, err := protocol.TakeResult(dec)
	require.NoError(t, err)
	nak, ok := rerr.(protocol.LineNak)
	require.True(t, ok)
	assert.Equal(t, framing.KindCRC, nak.Err.Kind)

	// No state change: the session still expects the same address.
	resp := r.mustRespond(t, protocol.GetStatus{})
	assert.Equal(t, uint32(18*1024), resp.(protocol.StatusResponse).Status.NextAddr)
}

func TestDecodeNakOnUnknownRequest(t *testing.T) {
	r := newRig(t)
	body := framing.Encode([]byte{0x7F}) // no such request tag
	buf := append(make([]byte, 0, 64), body[:len(body)-1]...)

	out := r.m.Process(buf)
	reply := append([]byte(nil), out[:len(out)-1]...)
	dec, err := framing.DecodeInPlace(reply)
	require.NoError(t, err)
	_, rerr, _, err := protocol.TakeResult(dec)
	require.NoError(t, err)
	assert.Equal(t, protocol.LineNak{Err: framing.Error{Kind: framing.KindDecode}}, rerr)
}
