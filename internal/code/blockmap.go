package code

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
)

// BlockMap maps an instruction pointer to the block that owns it. Lookups
// may run on any thread, including a profiler sampling from a signal
// handler, so the read path never takes a lock, never allocates, and never
// blocks.
//
// Two equal sorted sequences are kept: readers binary-search the one the
// atomic pointer designates as live, while the single writer (serialized by
// a mutex) mutates its private copy, swaps it live, spins until every lookup
// that started against the previous live copy has drained, then mirrors the
// mutation so both copies converge before the next write.
//
// Returning a raw *CodeBlock is safe because a looked-up pc is live on some
// stack, which keeps its block registered and its segment mapped.
type BlockMap struct {
	mu sync.Mutex // serializes mutators

	lists [2][]*CodeBlock

	mutable       *[]*CodeBlock
	readonly      atomic.Pointer[[]*CodeBlock]
	activeLookups atomic.Int64
}

// NewBlockMap returns an empty map.
func NewBlockMap() *BlockMap {
	m := &BlockMap{}
	m.mutable = &m.lists[0]
	m.readonly.Store(&m.lists[1])
	return m
}

// searchBlocks treats a pc inside a block's range as equal, so the search
// converges even though entries vary in length. Returns the index where pc's
// block is, or where it would be inserted.
func searchBlocks(blocks []*CodeBlock, pc uintptr) (int, bool) {
	lo, hi := 0, len(blocks)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		b := blocks[mid]
		switch {
		case b.ContainsPC(pc):
			return mid, true
		case pc < b.Base():
			hi = mid
		default:
			lo = mid + 1
		}
	}
	return lo, false
}

// swapAndWait publishes the writer's copy and drains in-flight lookups.
// Both copies are consistent for lookup at this point; they just differ by
// the one pending mutation, which can never affect a pc that is currently
// running (an inserted block is not executable by anyone yet, a removed
// block has no live frames left).
func (m *BlockMap) swapAndWait() {
	m.mutable = m.readonly.Swap(m.mutable)

	for m.activeLookups.Load() > 0 {
		runtime.Gosched()
	}
}

// Insert registers a block. The address range must not overlap any
// registered block; a partial insert would break the sorted invariant
// readers depend on, so overlap is fatal by design.
func (m *BlockMap) Insert(b *CodeBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, found := searchBlocks(*m.mutable, b.Base())
	if found {
		panic(fmt.Sprintf("code: block at %#x overlaps a registered block", b.Base()))
	}
	m.insertAt(idx, b)

	m.swapAndWait()

	idx2, found := searchBlocks(*m.mutable, b.Base())
	if found || idx2 != idx {
		panic("code: block map copies diverged during insert")
	}
	m.insertAt(idx, b)
}

func (m *BlockMap) insertAt(idx int, b *CodeBlock) {
	list := *m.mutable
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = b
	*m.mutable = list
}

// Remove unregisters a block and returns the number of blocks left.
func (m *BlockMap) Remove(b *CodeBlock) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, found := searchBlocks(*m.mutable, b.Base())
	if !found {
		panic(fmt.Sprintf("code: removing unregistered block at %#x", b.Base()))
	}
	m.removeAt(idx)
	remaining := len(*m.mutable)

	m.swapAndWait()

	idx2, found := searchBlocks(*m.mutable, b.Base())
	if !found || idx2 != idx {
		panic("code: block map copies diverged during remove")
	}
	m.removeAt(idx)
	return remaining
}

func (m *BlockMap) removeAt(idx int) {
	list := *m.mutable
	copy(list[idx:], list[idx+1:])
	list[len(list)-1] = nil
	*m.mutable = list[:len(list)-1]
}

// Lookup returns the block owning pc, or nil. Wait-free: a bounded binary
// search with no locks and no allocation, safe from signal-handler context.
func (m *BlockMap) Lookup(pc uintptr) *CodeBlock {
	m.activeLookups.Add(1)
	defer m.activeLookups.Add(-1)

	blocks := *m.readonly.Load()
	idx, found := searchBlocks(blocks, pc)
	if !found {
		return nil
	}
	return blocks[idx]
}

// LookupRange returns the owning block and the code range containing pc.
// The range is nil for pc in padding between ranges.
func (m *BlockMap) LookupRange(pc uintptr) (*CodeBlock, *CodeRange) {
	b := m.Lookup(pc)
	if b == nil {
		return nil, nil
	}
	return b, b.RangeFor(pc)
}

// ActiveLookups returns the number of in-flight lookups, for tests.
func (m *BlockMap) ActiveLookups() int64 {
	return m.activeLookups.Load()
}
