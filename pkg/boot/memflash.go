package boot

import (
	"fmt"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/flashline-dev/flashline/internal/protocol"
)

const (
	unprogrammedFill = 0xA5
	erasedFill       = 0xFF
	settingsFill     = 0xCC
)

// MemFlash is an in-memory Flash used by the device simulator and the test
// suite. It enforces the flash contract: programming a byte that has not
// been erased panics, since on real parts that silently corrupts data.
type MemFlash struct {
	params   protocol.Parameters
	flash    []byte
	settings []byte
	bootFn   func()
}

// MemFlashOption configures a MemFlash.
type MemFlashOption func(*MemFlash)

// WithBootFunc installs the hook invoked by Boot. The simulator exits the
// process here; tests record the call.
func WithBootFunc(fn func()) MemFlashOption {
	return func(m *MemFlash) { m.bootFn = fn }
}

// NewMemFlash creates a simulated flash for the given geometry. Flash
// addressing is absolute, so the valid flash range must start at zero. The
// array starts in the unprogrammed state and the settings page unwritten.
func NewMemFlash(params protocol.Parameters, opts ...MemFlashOption) *MemFlash {
	if params.ValidFlashRange.Lo != 0 {
		panic("memflash: valid flash range must start at 0")
	}
	m := &MemFlash{
		params:   params,
		flash:    make([]byte, params.ValidFlashRange.Hi),
		settings: make([]byte, params.SettingsMax+4),
	}
	for i := range m.flash {
		m.flash[i] = unprogrammedFill
	}
	for i := range m.settings {
		m.settings[i] = settingsFill
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemFlash) Parameters() protocol.Parameters { return m.params }

func (m *MemFlash) FlashRange(start uint32, data []byte) {
	target := m.flash[start : start+uint32(len(data))]
	for i, b := range target {
		if b != erasedFill {
			panic(fmt.Sprintf("memflash: program to unerased byte at %#x", start+uint32(i)))
		}
	}
	copy(target, data)
}

func (m *MemFlash) EraseRange(start, length uint32) {
	for i := start; i < start+length; i++ {
		m.flash[i] = erasedFill
	}
}

func (m *MemFlash) ReadRange(start, length uint32) []byte {
	return m.flash[start : start+length]
}

func (m *MemFlash) ReadSettingsRaw() []byte { return m.settings }

func (m *MemFlash) WriteSettings(data []byte) {
	for i := range m.settings {
		m.settings[i] = erasedFill
	}
	copy(m.settings, data)
}

func (m *MemFlash) Boot() {
	if m.bootFn == nil {
		panic("memflash: boot requested without a boot hook")
	}
	m.bootFn()
}

// snapshot is the on-disk form of a simulated device, so a simulator can be
// stopped and restarted without losing its flash contents.
type snapshot struct {
	Params   protocol.Parameters `msgpack:"params"`
	Flash    []byte              `msgpack:"flash"`
	Settings []byte              `msgpack:"settings"`
}

// SaveSnapshot persists the flash and settings contents to path.
func (m *MemFlash) SaveSnapshot(path string) error {
	data, err := msgpack.Marshal(snapshot{
		Params:   m.params,
		Flash:    m.flash,
		Settings: m.settings,
	})
	if err != nil {
		return fmt.Errorf("marshal flash snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write flash snapshot: %w", err)
	}
	return nil
}

// LoadMemFlash restores a simulated flash from a snapshot written by
// SaveSnapshot. The stored geometry must match params.
func LoadMemFlash(path string, params protocol.Parameters, opts ...MemFlashOption) (*MemFlash, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flash snapshot: %w", err)
	}
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal flash snapshot: %w", err)
	}
	if snap.Params != params {
		return nil, fmt.Errorf("flash snapshot geometry mismatch: have %+v, want %+v", snap.Params, params)
	}
	m := NewMemFlash(params, opts...)
	copy(m.flash, snap.Flash)
	copy(m.settings, snap.Settings)
	return m, nil
}
