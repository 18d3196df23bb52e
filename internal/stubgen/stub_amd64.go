//go:build amd64

package stubgen

import "encoding/binary"

// mov rax, imm64; jmp rax. Padded to StubSize with int3 so a stray pc in
// the padding faults instead of sliding.
func emitEntryStub(buf []byte, target uintptr) {
	buf[0] = 0x48 // REX.W
	buf[1] = 0xB8 // mov rax, imm64
	binary.LittleEndian.PutUint64(buf[2:], uint64(target))
	buf[10] = 0xFF // jmp rax
	buf[11] = 0xE0
	for i := 12; i < StubSize; i++ {
		buf[i] = 0xCC // int3
	}
}
