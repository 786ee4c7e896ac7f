// Package boot implements the device-side firmware update engine: a
// synchronous state machine that consumes framed requests, drives a flash
// programming session, validates the resulting image against the persistent
// settings block, and gates the jump into the application.
package boot

import "github.com/flashline-dev/flashline/internal/protocol"

// Flash is the narrow interface the engine consumes from its environment.
// Implementations are synchronous: erase and program block until persisted.
// The engine never retries; a flash driver that can fail should make its
// operations infallible (retry internally or reset).
type Flash interface {
	// Parameters returns the static device configuration. It must be
	// constant for the lifetime of the machine.
	Parameters() protocol.Parameters

	// FlashRange programs data to [start, start+len(data)). The caller
	// guarantees the target range has been erased.
	FlashRange(start uint32, data []byte)

	// EraseRange erases [start, start+length). length is a multiple of the
	// implementation's page size.
	EraseRange(start, length uint32)

	// ReadRange returns a view of [start, start+length). The view is only
	// valid until the next Flash operation.
	ReadRange(start, length uint32) []byte

	// ReadSettingsRaw returns the raw settings page, header included.
	ReadSettingsRaw() []byte

	// WriteSettings erases the settings page and programs data at its base.
	WriteSettings(data []byte)

	// Boot transfers control to the application. On real hardware this
	// relocates the vector table and jumps; it does not return.
	Boot()
}
