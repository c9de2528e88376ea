// Package trb encodes and decodes xHCI Transfer Request Blocks.
//
// A TRB is a 16-byte, 16-byte-aligned little-endian record: a 64-bit
// parameter, a 32-bit status word and a 32-bit control word. The control
// word carries the cycle bit that signals ownership between driver and
// controller, the TRB type, and type-specific flags.
//
// [TRB] is a plain value used to build and inspect records. [Slot] is the
// in-memory form inside a ring; it is only ever touched with single atomic
// accesses, and [Slot.Store] writes the control word last so the cycle bit
// is published after the rest of the record.
//
// Every constructor builds its control word through [Control.With], which
// panics if a value does not fit its field:
//
//	setup := trb.NewSetupStage(0x80, hal.RequestGetDescriptor, 0x0100, 0, 18)
//	setup.Control.Get(trb.FieldTransferType) // 3 (IN data stage)
package trb
