package code

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// CompileMode selects how a module's code is produced.
type CompileMode uint8

const (
	// ModeOnce compiles a single tier up front; the tiering table is unused.
	ModeOnce CompileMode = iota
	// ModeTiered starts on baseline and may later publish an optimized tier.
	ModeTiered
)

func (m CompileMode) String() string {
	if m == ModeTiered {
		return "tiered"
	}
	return "once"
}

// JumpTables holds the two per-function entry-pointer tables, sized once at
// module initialization to the module's total function count, imports
// included. Slots are shared across threads, so stores are atomic.
//
// The tiering table lets baseline code jump into an optimized version once
// one exists; import slots and baseline-only slots stay null. The jit-entry
// table gives external callers a fast entry point; a slot is null until a
// stub is requested for that export and is never cleared afterwards.
type JumpTables struct {
	mode    CompileMode
	tiering []atomic.Uintptr
	jit     []atomic.Uintptr
}

// Initialize sizes both tables and fills the jit-entry slots from the entry
// stubs that already exist in the shared-stub and tier-1 blocks.
func (t *JumpTables) Initialize(mode CompileMode, numFuncs uint32, sharedStubs, tier1 *CodeBlock) {
	t.mode = mode
	t.tiering = make([]atomic.Uintptr, numFuncs)
	t.jit = make([]atomic.Uintptr, numFuncs)

	for _, b := range []*CodeBlock{sharedStubs, tier1} {
		if b == nil {
			continue
		}
		for i := range b.Meta.Ranges {
			r := &b.Meta.Ranges[i]
			if r.Kind == RangeEntryStub && r.FuncIndex != NoFuncIndex {
				t.SetJitEntry(r.FuncIndex, b.Base()+uintptr(r.Begin))
			}
		}
	}
}

// NumFuncs returns the table size.
func (t *JumpTables) NumFuncs() int { return len(t.jit) }

// SetTieringEntry unconditionally publishes an optimized entry point. A
// no-op outside tiered mode.
func (t *JumpTables) SetTieringEntry(i uint32, target uintptr) {
	if t.mode != ModeTiered {
		return
	}
	t.tiering[i].Store(target)
}

// TieringEntry returns the optimized entry point for function i, or zero.
func (t *JumpTables) TieringEntry(i uint32) uintptr {
	return t.tiering[i].Load()
}

// SetJitEntry unconditionally stores a jit entry point.
func (t *JumpTables) SetJitEntry(i uint32, target uintptr) {
	t.jit[i].Store(target)
}

// SetJitEntryIfNull publishes a jit entry point only if the slot is still
// empty, so a stub generated concurrently for the same export never
// clobbers one already published. Losing is safe: all stubs for one export
// are behaviorally interchangeable, the loser's stub is simply unused.
func (t *JumpTables) SetJitEntryIfNull(i uint32, target uintptr) {
	t.jit[i].CompareAndSwap(0, target)
}

// JitEntry returns the jit entry point for function i, or zero.
func (t *JumpTables) JitEntry(i uint32) uintptr {
	return t.jit[i].Load()
}

// AddressOfJitEntry returns the address of slot i, used by the calling
// convention's fast path.
func (t *JumpTables) AddressOfJitEntry(i uint32) uintptr {
	return uintptr(unsafe.Pointer(&t.jit[i]))
}

// IndexFromJitEntryAddress is the inverse of AddressOfJitEntry.
func (t *JumpTables) IndexFromJitEntryAddress(addr uintptr) uint32 {
	if len(t.jit) == 0 {
		panic(fmt.Sprintf("code: %#x is not a jit-entry slot address", addr))
	}
	base := uintptr(unsafe.Pointer(&t.jit[0]))
	last := uintptr(unsafe.Pointer(&t.jit[len(t.jit)-1]))
	if addr < base || addr > last {
		panic(fmt.Sprintf("code: %#x is not a jit-entry slot address", addr))
	}
	return uint32((addr - base) / unsafe.Sizeof(atomic.Uintptr{}))
}
