package code

import (
	"fmt"
	"io"
	"sort"
	"unsafe"
)

func pointerOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// CodeBlock is one linked compiled unit: a labeled sub-range of a segment
// plus the metadata needed to interpret and unwind it. Blocks are immutable
// once constructed; they are destroyed only after removal from the block map
// and once no lazy stub still targets them.
type CodeBlock struct {
	// Back-reference to the Code that owns us; stamped by Initialize.
	code *Code

	Kind    BlockKind
	segment *Segment
	base    uintptr
	length  uint32

	FuncToRange FuncToRangeMap
	Meta        Metadata
	FuncExports []FuncExport // sorted by FuncIndex

	registered bool
}

// NewCodeBlock wraps a claimed, already-linked sub-range of segment. The
// metadata tables are validated for sortedness and the function map for
// completeness before the block can be considered complete.
func NewCodeBlock(kind BlockKind, segment *Segment, offset, length uint32,
	meta Metadata, funcMap FuncToRangeMap, exports []FuncExport) (*CodeBlock, error) {

	if offset+length > segment.Length() {
		return nil, fmt.Errorf("%w: block [%#x, %#x) outside claimed segment space %#x",
			ErrBadMetadata, offset, offset+length, segment.Length())
	}
	if err := meta.check(length); err != nil {
		return nil, err
	}
	if err := funcMap.Complete(); err != nil {
		return nil, err
	}
	if !sort.SliceIsSorted(exports, func(i, j int) bool {
		return exports[i].FuncIndex < exports[j].FuncIndex
	}) {
		return nil, fmt.Errorf("%w: function exports not sorted", ErrBadMetadata)
	}
	return &CodeBlock{
		Kind:        kind,
		segment:     segment,
		base:        segment.Base() + uintptr(offset),
		length:      length,
		FuncToRange: funcMap,
		Meta:        meta,
		FuncExports: exports,
	}, nil
}

// Initialize stamps the back-reference to the owning Code. A block becomes
// eligible for registration in the block map only after this.
func (b *CodeBlock) Initialize(c *Code) {
	b.code = c
	b.segment.SetCode(c)
}

// Initialized reports whether the block has been adopted by a Code.
func (b *CodeBlock) Initialized() bool { return b.code != nil }

// Code returns the owning Code.
func (b *CodeBlock) Code() *Code { return b.code }

// Segment returns the segment backing this block.
func (b *CodeBlock) Segment() *Segment { return b.segment }

// Tier returns the compilation tier. Only valid for tier blocks.
func (b *CodeBlock) Tier() Tier {
	switch b.Kind {
	case KindBaselineTier:
		return TierBaseline
	case KindOptimizedTier:
		return TierOptimized
	default:
		panic(fmt.Sprintf("code: no tier for %v block", b.Kind))
	}
}

func (b *CodeBlock) Base() uintptr  { return b.base }
func (b *CodeBlock) Length() uint32 { return b.length }

// ContainsPC reports whether pc falls inside [base, base+length).
func (b *CodeBlock) ContainsPC(pc uintptr) bool {
	return pc >= b.base && pc < b.base+uintptr(b.length)
}

func (b *CodeBlock) offsetOf(pc uintptr) (uint32, bool) {
	if !b.ContainsPC(pc) {
		return 0, false
	}
	return uint32(pc - b.base), true
}

// RangeFor returns the code range containing pc, or nil when pc falls in a
// gap (padding between functions) or outside the block.
func (b *CodeBlock) RangeFor(pc uintptr) *CodeRange {
	off, ok := b.offsetOf(pc)
	if !ok {
		return nil
	}
	ranges := b.Meta.Ranges
	i := sort.Search(len(ranges), func(i int) bool {
		return ranges[i].End > off
	})
	if i < len(ranges) && ranges[i].Contains(off) {
		return &ranges[i]
	}
	return nil
}

// CallSiteFor returns the call site whose return address is pc, or nil.
func (b *CodeBlock) CallSiteFor(pc uintptr) *CallSite {
	off, ok := b.offsetOf(pc)
	if !ok {
		return nil
	}
	sites := b.Meta.CallSites
	i := sort.Search(len(sites), func(i int) bool {
		return sites[i].ReturnAddressOffset >= off
	})
	if i < len(sites) && sites[i].ReturnAddressOffset == off {
		return &sites[i]
	}
	return nil
}

// StackMapFor returns the stack map keyed by return address pc, or nil.
func (b *CodeBlock) StackMapFor(pc uintptr) *StackMap {
	off, ok := b.offsetOf(pc)
	if !ok {
		return nil
	}
	maps := b.Meta.StackMaps
	i := sort.Search(len(maps), func(i int) bool {
		return maps[i].ReturnAddressOffset >= off
	})
	if i < len(maps) && maps[i].ReturnAddressOffset == off {
		return &maps[i]
	}
	return nil
}

// TryNoteFor returns the innermost try note covering pc, or nil.
func (b *CodeBlock) TryNoteFor(pc uintptr) *TryNote {
	off, ok := b.offsetOf(pc)
	if !ok {
		return nil
	}
	notes := b.Meta.TryNotes
	// Notes are sorted by Begin; nested notes begin later, so the innermost
	// match is the last candidate that contains the offset.
	i := sort.Search(len(notes), func(i int) bool {
		return notes[i].Begin > off
	})
	for j := i - 1; j >= 0; j-- {
		if notes[j].Contains(off) {
			return &notes[j]
		}
	}
	return nil
}

// TrapFor returns the trap kind and bytecode offset recorded for pc.
func (b *CodeBlock) TrapFor(pc uintptr) (Trap, uint32, bool) {
	off, ok := b.offsetOf(pc)
	if !ok {
		return 0, 0, false
	}
	sites := b.Meta.TrapSites
	i := sort.Search(len(sites), func(i int) bool {
		return sites[i].PCOffset >= off
	})
	if i < len(sites) && sites[i].PCOffset == off {
		return sites[i].Trap, sites[i].BytecodeOffset, true
	}
	return 0, 0, false
}

// UnwindInfoFor returns the unwind record in effect at pc, or nil.
func (b *CodeBlock) UnwindInfoFor(pc uintptr) *UnwindInfo {
	off, ok := b.offsetOf(pc)
	if !ok {
		return nil
	}
	infos := b.Meta.UnwindInfos
	i := sort.Search(len(infos), func(i int) bool {
		return infos[i].Offset > off
	})
	if i == 0 {
		return nil
	}
	return &infos[i-1]
}

// ExportRange resolves funcIndex through the function map to its code range.
// Callers must check tier membership first; an out-of-tier index is a bug.
func (b *CodeBlock) ExportRange(funcIndex uint32) *CodeRange {
	idx := b.FuncToRange.Lookup(funcIndex)
	if idx == BadCodeRange {
		panic(fmt.Sprintf("code: function index %d outside %v block coverage",
			funcIndex, b.Kind))
	}
	return &b.Meta.Ranges[idx]
}

// EntryAddress returns the absolute entry address of funcIndex's body.
func (b *CodeBlock) EntryAddress(funcIndex uint32) uintptr {
	return b.base + uintptr(b.ExportRange(funcIndex).Begin)
}

// LookupFuncExport finds the export record for funcIndex.
func (b *CodeBlock) LookupFuncExport(funcIndex uint32) (*FuncExport, bool) {
	exports := b.FuncExports
	i := sort.Search(len(exports), func(i int) bool {
		return exports[i].FuncIndex >= funcIndex
	})
	if i < len(exports) && exports[i].FuncIndex == funcIndex {
		return &exports[i], true
	}
	return nil, false
}

// symbolAddress returns the address of the trampoline implementing sym, if
// this block carries one.
func (b *CodeBlock) symbolAddress(sym SymbolicAddress) (uintptr, bool) {
	for i := range b.Meta.Ranges {
		r := &b.Meta.Ranges[i]
		if r.Kind == RangeTrampoline && r.Sym == sym {
			return b.base + uintptr(r.Begin), true
		}
	}
	return 0, false
}

// Describe writes a human-readable summary of the block.
func (b *CodeBlock) Describe(w io.Writer) {
	fmt.Fprintf(w, "%v block: base=%#x length=%d\n", b.Kind, b.base, b.length)
	for i := range b.Meta.Ranges {
		r := &b.Meta.Ranges[i]
		fmt.Fprintf(w, "  [%#08x, %#08x) %v", r.Begin, r.End, r.Kind)
		if r.FuncIndex != NoFuncIndex {
			fmt.Fprintf(w, " func=%d", r.FuncIndex)
		}
		if r.Kind == RangeTrampoline {
			fmt.Fprintf(w, " sym=%v", r.Sym)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "  call sites: %d, trap sites: %d, stack maps: %d, try notes: %d, unwind infos: %d\n",
		len(b.Meta.CallSites), len(b.Meta.TrapSites), len(b.Meta.StackMaps),
		len(b.Meta.TryNotes), len(b.Meta.UnwindInfos))
}

// SizeOfMisc accounts the code and metadata footprint of the block.
func (b *CodeBlock) SizeOfMisc() (codeBytes, dataBytes int) {
	codeBytes = int(b.length)
	dataBytes = len(b.Meta.Ranges)*int(unsafe.Sizeof(CodeRange{})) +
		len(b.Meta.CallSites)*int(unsafe.Sizeof(CallSite{})) +
		len(b.Meta.TrapSites)*int(unsafe.Sizeof(TrapSite{})) +
		len(b.Meta.TryNotes)*int(unsafe.Sizeof(TryNote{})) +
		len(b.Meta.UnwindInfos)*int(unsafe.Sizeof(UnwindInfo{})) +
		b.FuncToRange.NumEntries()*4
	for i := range b.Meta.StackMaps {
		dataBytes += int(unsafe.Sizeof(StackMap{})) + len(b.Meta.StackMaps[i].Bits)
	}
	return codeBytes, dataBytes
}
