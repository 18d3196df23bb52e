package code

import (
	"encoding/binary"
	"testing"
)

// testStubEngine writes a recognizable marker plus the little-endian target,
// so tests can decode where a stub points without executing anything.
type testStubEngine struct{}

func (testStubEngine) StubSize() int { return 16 }

func (testStubEngine) EmitEntryStub(buf []byte, target uintptr) {
	for i := 0; i < 8; i++ {
		buf[i] = 0xAB
	}
	binary.LittleEndian.PutUint64(buf[8:], uint64(target))
}

func stubTarget(t *testing.T, c *Code, entry uintptr) uintptr {
	t.Helper()
	block := c.BlockMap().Lookup(entry)
	if block == nil {
		t.Fatalf("no block registered for stub entry %#x", entry)
	}
	segOff := entry - block.segment.Base()
	return uintptr(binary.LittleEndian.Uint64(block.segment.Bytes()[segOff+8:]))
}

func testResolver(sym SymbolicAddress) uintptr {
	return 0xeeee0000 + uintptr(sym)
}

func fillPattern(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i)
	}
}

// sharedStubsUnit carries one trampoline per runtime symbol the tests link
// against, plus an import exit stub for function 0.
func sharedStubsUnit() Unit {
	codeBytes := make([]byte, 256)
	fillPattern(codeBytes, 0x10)
	// The throw trampoline calls back into the trap handler through a
	// symbolic site at offset 96.
	binary.LittleEndian.PutUint64(codeBytes[96:], uint64(SymHandleTrap))
	return Unit{
		Kind: KindSharedStubs,
		Code: codeBytes,
		Link: LinkData{
			SymbolicLinks: func() [SymLimit][]uint32 {
				var links [SymLimit][]uint32
				links[SymHandleTrap] = []uint32{96}
				return links
			}(),
		},
		Meta: Metadata{
			Ranges: []CodeRange{
				{Kind: RangeTrampoline, Begin: 0, End: 64, FuncIndex: NoFuncIndex, Sym: SymHandleTrap},
				{Kind: RangeTrampoline, Begin: 64, End: 128, FuncIndex: NoFuncIndex, Sym: SymHandleThrow},
				{Kind: RangeImportStub, Begin: 128, End: 192, FuncIndex: 0},
			},
		},
		FuncMapStart: 0,
		FuncMapCount: 0,
	}
}

// tier1Unit covers functions 1 and 2 with a padding gap between them.
// Function 1 holds an internal patch site at offset 40 targeting function 2
// and a symbolic site at offset 48 targeting the shared trap trampoline.
func tier1Unit() Unit {
	codeBytes := make([]byte, 256)
	fillPattern(codeBytes, 0x40)
	binary.LittleEndian.PutUint64(codeBytes[40:], 80)
	binary.LittleEndian.PutUint64(codeBytes[48:], uint64(SymHandleTrap))
	return Unit{
		Kind: KindBaselineTier,
		Code: codeBytes,
		Link: LinkData{
			InternalLinks: []InternalLink{{PatchAtOffset: 40, TargetOffset: 80}},
			SymbolicLinks: func() [SymLimit][]uint32 {
				var links [SymLimit][]uint32
				links[SymHandleTrap] = []uint32{48}
				return links
			}(),
		},
		Meta: Metadata{
			Ranges: []CodeRange{
				{Kind: RangeFunction, Begin: 0, End: 64, FuncIndex: 1},
				// Padding gap [64, 80).
				{Kind: RangeFunction, Begin: 80, End: 144, FuncIndex: 2},
			},
			CallSites: []CallSite{
				{ReturnAddressOffset: 24, BytecodeOffset: 7},
				{ReturnAddressOffset: 100, BytecodeOffset: 19},
			},
			TrapSites: []TrapSite{
				{Trap: TrapOutOfBounds, PCOffset: 32, BytecodeOffset: 9},
			},
			StackMaps: []StackMap{
				{ReturnAddressOffset: 24, FrameSize: 32, Bits: []byte{0b0000_0101}},
			},
			TryNotes: []TryNote{
				{Begin: 8, End: 56, EntryPoint: 60, FramePushed: 16},
				{Begin: 16, End: 40, EntryPoint: 44, FramePushed: 16},
			},
			UnwindInfos: []UnwindInfo{
				{Offset: 0, How: UnwindPrologue},
				{Offset: 8, How: UnwindNormal},
			},
		},
		FuncMapStart: 1,
		FuncMapCount: 2,
		FuncExports: []FuncExport{
			{FuncIndex: 1, TypeIndex: 0, ExternallyCallable: true},
			{FuncIndex: 2, TypeIndex: 1, ExternallyCallable: true},
		},
	}
}

// tier2Unit is the optimized recompile of functions 1 and 2.
func tier2Unit() Unit {
	codeBytes := make([]byte, 512)
	fillPattern(codeBytes, 0x80)
	binary.LittleEndian.PutUint64(codeBytes[16:], uint64(SymHandleTrap))
	return Unit{
		Kind: KindOptimizedTier,
		Code: codeBytes,
		Link: LinkData{
			SymbolicLinks: func() [SymLimit][]uint32 {
				var links [SymLimit][]uint32
				links[SymHandleTrap] = []uint32{16}
				return links
			}(),
		},
		Meta: Metadata{
			Ranges: []CodeRange{
				{Kind: RangeFunction, Begin: 0, End: 128, FuncIndex: 1},
				{Kind: RangeFunction, Begin: 128, End: 320, FuncIndex: 2},
			},
		},
		FuncMapStart: 1,
		FuncMapCount: 2,
		FuncExports: []FuncExport{
			{FuncIndex: 1, TypeIndex: 0, ExternallyCallable: true},
			{FuncIndex: 2, TypeIndex: 1, ExternallyCallable: true},
		},
	}
}

func newTestCode(t *testing.T, mode CompileMode) *Code {
	t.Helper()
	c, err := NewCode(Config{
		Mode:        mode,
		NumFuncs:    3,
		FuncImports: []FuncImport{{TypeIndex: 0, Module: "env", Name: "host0"}},
		Resolver:    testResolver,
		Stubs:       testStubEngine{},
		FuncNames:   []string{"host0", "add", "mul"},
	})
	if err != nil {
		t.Fatalf("NewCode failed: %v", err)
	}
	if err := c.Initialize(sharedStubsUnit(), tier1Unit()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return c
}
