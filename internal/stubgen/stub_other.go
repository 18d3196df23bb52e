//go:build !amd64 && !arm64

package stubgen

import "encoding/binary"

// No trampoline encoding for this architecture; the emitted bytes carry the
// target in a recognizable layout so metadata-only tooling still works, but
// they must never be executed.
func emitEntryStub(buf []byte, target uintptr) {
	for i := 0; i < 8; i++ {
		buf[i] = 0xCC
	}
	binary.LittleEndian.PutUint64(buf[8:], uint64(target))
}
