//go:build arm64

package stubgen

import "encoding/binary"

// ldr x16, #8; br x16; followed by the 8-byte target literal. x16 is the
// intra-procedure-call scratch register, free for trampolines in the
// AAPCS64 calling convention.
func emitEntryStub(buf []byte, target uintptr) {
	binary.LittleEndian.PutUint32(buf[0:], 0x58000050) // ldr x16, #8
	binary.LittleEndian.PutUint32(buf[4:], 0xD61F0200) // br x16
	binary.LittleEndian.PutUint64(buf[8:], uint64(target))
}
