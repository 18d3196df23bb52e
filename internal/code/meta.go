package code

import (
	"fmt"
	"sort"
)

// Tier is a compilation quality level.
type Tier uint8

const (
	TierNone Tier = iota
	TierBaseline
	TierOptimized
	TierDebug
	TierSerialized
)

func (t Tier) String() string {
	switch t {
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	case TierDebug:
		return "debug"
	case TierSerialized:
		return "serialized"
	default:
		return "none"
	}
}

// BlockKind tags what a CodeBlock holds.
type BlockKind uint8

const (
	KindSharedStubs BlockKind = iota
	KindBaselineTier
	KindOptimizedTier
	KindLazyStubs
)

func (k BlockKind) String() string {
	switch k {
	case KindSharedStubs:
		return "shared-stubs"
	case KindBaselineTier:
		return "baseline"
	case KindOptimizedTier:
		return "optimized"
	case KindLazyStubs:
		return "lazy-stubs"
	default:
		return fmt.Sprintf("BlockKind(%d)", uint8(k))
	}
}

// KindFromTier maps a complete tier to its block kind.
func KindFromTier(t Tier) BlockKind {
	if t == TierOptimized {
		return KindOptimizedTier
	}
	return KindBaselineTier
}

// RangeKind describes what a code range contains.
type RangeKind uint8

const (
	// RangeFunction is a compiled function body.
	RangeFunction RangeKind = iota
	// RangeEntryStub is an interpreter-callable entry trampoline.
	RangeEntryStub
	// RangeImportStub is an exit trampoline into an imported function.
	RangeImportStub
	// RangeTrampoline is a shared runtime trampoline, identified by its
	// symbolic address so other blocks can link against it.
	RangeTrampoline
)

func (k RangeKind) String() string {
	switch k {
	case RangeFunction:
		return "function"
	case RangeEntryStub:
		return "entry-stub"
	case RangeImportStub:
		return "import-stub"
	case RangeTrampoline:
		return "trampoline"
	default:
		return fmt.Sprintf("RangeKind(%d)", uint8(k))
	}
}

// NoFuncIndex marks a code range not associated with any function.
const NoFuncIndex = ^uint32(0)

// CodeRange is one span of code inside a block. Offsets are relative to the
// block base.
type CodeRange struct {
	Kind      RangeKind
	Begin     uint32
	End       uint32
	FuncIndex uint32          // NoFuncIndex unless a function or entry stub
	Sym       SymbolicAddress // valid for RangeTrampoline only
}

func (r *CodeRange) Contains(off uint32) bool {
	return off >= r.Begin && off < r.End
}

func (r *CodeRange) IsFunction() bool {
	return r.Kind == RangeFunction
}

// CallSite records a call instruction by the offset of its return address.
type CallSite struct {
	ReturnAddressOffset uint32
	BytecodeOffset      uint32
}

// Trap is the reason a trap site can fault.
type Trap uint8

const (
	TrapUnreachable Trap = iota
	TrapIntegerDivideByZero
	TrapIntegerOverflow
	TrapOutOfBounds
	TrapIndirectCallBadSignature
	TrapStackOverflow
)

func (t Trap) String() string {
	switch t {
	case TrapUnreachable:
		return "unreachable"
	case TrapIntegerDivideByZero:
		return "integer divide by zero"
	case TrapIntegerOverflow:
		return "integer overflow"
	case TrapOutOfBounds:
		return "out of bounds"
	case TrapIndirectCallBadSignature:
		return "indirect call bad signature"
	case TrapStackOverflow:
		return "stack overflow"
	default:
		return fmt.Sprintf("Trap(%d)", uint8(t))
	}
}

// TrapSite records an instruction that can fault, keyed by its pc offset.
type TrapSite struct {
	Trap           Trap
	PCOffset       uint32
	BytecodeOffset uint32
}

// StackMap describes live GC roots in a frame at one call site, keyed by the
// offset of the call's return address. Each bit covers one word of the frame;
// a set bit marks a live root.
type StackMap struct {
	ReturnAddressOffset uint32
	FrameSize           uint32
	Bits                []byte
}

// Live reports whether the frame word at slot holds a live root.
func (m *StackMap) Live(slot int) bool {
	if slot < 0 || slot >= len(m.Bits)*8 {
		return false
	}
	return m.Bits[slot/8]&(1<<(slot%8)) != 0
}

// TryNote describes an exception-handling region.
type TryNote struct {
	Begin       uint32
	End         uint32
	EntryPoint  uint32
	FramePushed uint32
}

func (n *TryNote) Contains(off uint32) bool {
	return off >= n.Begin && off < n.End
}

// UnwindHow selects the unwinding strategy for a code region.
type UnwindHow uint8

const (
	UnwindNormal UnwindHow = iota
	UnwindPrologue
	UnwindEpilogue
)

// UnwindInfo marks where the unwinding strategy changes, keyed by offset.
type UnwindInfo struct {
	Offset uint32
	How    UnwindHow
}

// FuncExport describes one exported function of a compiled unit.
type FuncExport struct {
	FuncIndex          uint32
	TypeIndex          uint32
	ExternallyCallable bool
}

// FuncImport describes one imported function.
type FuncImport struct {
	TypeIndex uint32
	Module    string
	Name      string
}

// Metadata carries the parallel tables the codegen backend produces for one
// compiled unit. All tables must be sorted by their offset key.
type Metadata struct {
	Ranges      []CodeRange
	CallSites   []CallSite
	TrapSites   []TrapSite
	StackMaps   []StackMap
	TryNotes    []TryNote
	UnwindInfos []UnwindInfo
}

func (m *Metadata) check(codeLength uint32) error {
	if !sort.SliceIsSorted(m.Ranges, func(i, j int) bool {
		return m.Ranges[i].Begin < m.Ranges[j].Begin
	}) {
		return fmt.Errorf("%w: code ranges not sorted", ErrBadMetadata)
	}
	for i := range m.Ranges {
		r := &m.Ranges[i]
		if r.Begin > r.End || r.End > codeLength {
			return fmt.Errorf("%w: code range [%#x, %#x) outside code of length %#x",
				ErrBadMetadata, r.Begin, r.End, codeLength)
		}
	}
	if !sort.SliceIsSorted(m.CallSites, func(i, j int) bool {
		return m.CallSites[i].ReturnAddressOffset < m.CallSites[j].ReturnAddressOffset
	}) {
		return fmt.Errorf("%w: call sites not sorted", ErrBadMetadata)
	}
	if !sort.SliceIsSorted(m.TrapSites, func(i, j int) bool {
		return m.TrapSites[i].PCOffset < m.TrapSites[j].PCOffset
	}) {
		return fmt.Errorf("%w: trap sites not sorted", ErrBadMetadata)
	}
	if !sort.SliceIsSorted(m.StackMaps, func(i, j int) bool {
		return m.StackMaps[i].ReturnAddressOffset < m.StackMaps[j].ReturnAddressOffset
	}) {
		return fmt.Errorf("%w: stack maps not sorted", ErrBadMetadata)
	}
	if !sort.SliceIsSorted(m.TryNotes, func(i, j int) bool {
		return m.TryNotes[i].Begin < m.TryNotes[j].Begin
	}) {
		return fmt.Errorf("%w: try notes not sorted", ErrBadMetadata)
	}
	if !sort.SliceIsSorted(m.UnwindInfos, func(i, j int) bool {
		return m.UnwindInfos[i].Offset < m.UnwindInfos[j].Offset
	}) {
		return fmt.Errorf("%w: unwind infos not sorted", ErrBadMetadata)
	}
	return nil
}
