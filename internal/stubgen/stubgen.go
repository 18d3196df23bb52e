// Package stubgen emits the tiny trampolines used as lazily created
// interpreter entry points. A stub loads an absolute target address and
// jumps to it; stubs embed the address directly and are never persisted.
package stubgen

// StubSize is the fixed byte size of one entry stub on every supported
// architecture. Keeping it constant lets stub batches be laid out as a
// plain array.
const StubSize = 16

// Engine emits entry stubs for the host architecture.
type Engine struct{}

// StubSize returns the fixed stub size in bytes.
func (Engine) StubSize() int { return StubSize }

// EmitEntryStub writes one trampoline to target into buf, which must be
// StubSize bytes.
func (Engine) EmitEntryStub(buf []byte, target uintptr) {
	emitEntryStub(buf, target)
}
