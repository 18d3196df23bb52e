package code

import (
	"fmt"
	"log/slog"
	"sort"
)

// LazyFuncExport records where the lazily generated interpreter-entry stub
// for one exported function lives. The vector is kept sorted by function
// index for binary-search existence checks, so a stub is never generated
// twice and a baseline stub can be identified for a later tier-2 upgrade.
type LazyFuncExport struct {
	FuncIndex      uint32
	StubBlockIndex int
	RangeIndex     int
	Origin         BlockKind // tier the stub currently targets
}

type lazyStubs struct {
	blocks   []*CodeBlock // append-only
	segments []*Segment   // stub batches pack into shared segments
	exports  []LazyFuncExport
}

func (l *lazyStubs) findExport(funcIndex uint32) (int, bool) {
	i := sort.Search(len(l.exports), func(i int) bool {
		return l.exports[i].FuncIndex >= funcIndex
	})
	return i, i < len(l.exports) && l.exports[i].FuncIndex == funcIndex
}

// lookupLazyInterpEntry returns the interpreter entry for funcIndex if a
// stub exists. Callers hold c.mu.
func (c *Code) lookupLazyInterpEntry(funcIndex uint32) (uintptr, bool) {
	i, ok := c.lazy.findExport(funcIndex)
	if !ok {
		return 0, false
	}
	e := &c.lazy.exports[i]
	block := c.lazy.blocks[e.StubBlockIndex]
	return block.Base() + uintptr(block.Meta.Ranges[e.RangeIndex].Begin), true
}

// stubSegmentFor returns a stub segment with room for n bytes, reusing the
// newest one when possible. Callers hold c.mu for writing.
func (c *Code) stubSegmentFor(n uint32) (*Segment, error) {
	if last := len(c.lazy.segments) - 1; last >= 0 && c.lazy.segments[last].HasSpace(n) {
		return c.lazy.segments[last], nil
	}
	capacity := c.stubSegmentCapacity
	if int(n) > capacity {
		capacity = int(n)
	}
	seg, err := NewSegment(capacity)
	if err != nil {
		return nil, err
	}
	seg.SetCode(c)
	c.lazy.segments = append(c.lazy.segments, seg)
	return seg, nil
}

// createManyLazyEntryStubs emits one entry stub per function in funcIndices,
// all targeting tierBlock, packed into a single stub-kind block. It registers
// the block and returns its index; export records are the caller's business.
// Callers hold c.mu for writing.
func (c *Code) createManyLazyEntryStubs(funcIndices []uint32, tierBlock *CodeBlock) (int, error) {
	stubSize := c.stubEngine.StubSize()
	total := uint32(len(funcIndices) * stubSize)

	seg, err := c.stubSegmentFor(total)
	if err != nil {
		return 0, err
	}
	off := seg.Claim(total)

	ranges := make([]CodeRange, len(funcIndices))
	err = seg.Write(off, total, func(buf []byte) error {
		for i, funcIndex := range funcIndices {
			begin := uint32(i * stubSize)
			target := tierBlock.EntryAddress(funcIndex)
			c.stubEngine.EmitEntryStub(buf[begin:begin+uint32(stubSize)], target)
			ranges[i] = CodeRange{
				Kind:      RangeEntryStub,
				Begin:     begin,
				End:       begin + uint32(stubSize),
				FuncIndex: funcIndex,
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	block, err := NewCodeBlock(KindLazyStubs, seg, off, total,
		Metadata{Ranges: ranges}, NewFuncToRangeMap(0, 0), nil)
	if err != nil {
		return 0, err
	}
	c.adoptBlock(block)

	index := len(c.lazy.blocks)
	c.lazy.blocks = append(c.lazy.blocks, block)

	slog.Debug("created lazy entry stubs",
		"count", len(funcIndices), "tier", tierBlock.Kind, "stubBytes", total)
	return index, nil
}

// createOneLazyEntryStub emits a stub for one export and records it.
// Callers hold c.mu for writing and have checked no record exists yet.
func (c *Code) createOneLazyEntryStub(funcIndex uint32, tierBlock *CodeBlock) (uintptr, error) {
	blockIndex, err := c.createManyLazyEntryStubs([]uint32{funcIndex}, tierBlock)
	if err != nil {
		return 0, err
	}

	at, found := c.lazy.findExport(funcIndex)
	if found {
		panic(fmt.Sprintf("code: duplicate lazy stub for function %d", funcIndex))
	}
	c.lazy.exports = append(c.lazy.exports, LazyFuncExport{})
	copy(c.lazy.exports[at+1:], c.lazy.exports[at:])
	c.lazy.exports[at] = LazyFuncExport{
		FuncIndex:      funcIndex,
		StubBlockIndex: blockIndex,
		RangeIndex:     0,
		Origin:         tierBlock.Kind,
	}

	entry, ok := c.lookupLazyInterpEntry(funcIndex)
	if !ok {
		panic("code: lazy stub record missing after insert")
	}
	return entry, nil
}

// createTier2LazyEntryStubs regenerates every baseline-targeting stub whose
// function the optimized tier now covers, updating the records in place so
// later calls resolve to the optimized code. Returns the upgraded function
// indices. Callers hold c.mu for writing.
func (c *Code) createTier2LazyEntryStubs(tier2 *CodeBlock) ([]uint32, error) {
	var funcIndices []uint32
	for i := range c.lazy.exports {
		e := &c.lazy.exports[i]
		if e.Origin != KindBaselineTier {
			continue
		}
		if tier2.FuncToRange.Lookup(e.FuncIndex) == BadCodeRange {
			continue
		}
		funcIndices = append(funcIndices, e.FuncIndex)
	}
	if len(funcIndices) == 0 {
		return nil, nil
	}

	blockIndex, err := c.createManyLazyEntryStubs(funcIndices, tier2)
	if err != nil {
		return nil, err
	}
	for rangeIndex, funcIndex := range funcIndices {
		at, found := c.lazy.findExport(funcIndex)
		if !found {
			panic(fmt.Sprintf("code: lazy stub record for function %d vanished", funcIndex))
		}
		e := &c.lazy.exports[at]
		e.StubBlockIndex = blockIndex
		e.RangeIndex = rangeIndex
		e.Origin = KindOptimizedTier
	}
	return funcIndices, nil
}

// GetOrCreateInterpEntry returns the interpreter-callable entry point for an
// exported function, generating its stub on first use. Requesting the same
// function twice returns the first stub without allocating again.
func (c *Code) GetOrCreateInterpEntry(funcIndex uint32) (uintptr, error) {
	c.mu.RLock()
	entry, ok := c.lookupLazyInterpEntry(funcIndex)
	c.mu.RUnlock()
	if ok {
		return entry, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another thread may have won the race between the two locks.
	if entry, ok := c.lookupLazyInterpEntry(funcIndex); ok {
		return entry, nil
	}

	tierBlock := c.FuncCodeBlock(funcIndex)
	if _, ok := tierBlock.LookupFuncExport(funcIndex); !ok {
		return 0, fmt.Errorf("%w: function index %d", ErrNotExported, funcIndex)
	}
	entry, err := c.createOneLazyEntryStub(funcIndex, tierBlock)
	if err != nil {
		return 0, err
	}
	c.jumpTables.SetJitEntryIfNull(funcIndex, entry)
	return entry, nil
}
