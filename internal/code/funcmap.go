package code

import "fmt"

// BadCodeRange marks a function index with no code range yet.
const BadCodeRange = ^uint32(0)

// FuncToRangeMap is a dense map from a contiguous range of function indices
// to indices into a block's code-range table.
type FuncToRangeMap struct {
	start   uint32
	entries []uint32
}

// NewFuncToRangeMap covers [start, start+count) with every slot empty.
func NewFuncToRangeMap(start, count uint32) FuncToRangeMap {
	entries := make([]uint32, count)
	for i := range entries {
		entries[i] = BadCodeRange
	}
	return FuncToRangeMap{start: start, entries: entries}
}

func (m *FuncToRangeMap) has(funcIndex uint32) bool {
	return funcIndex >= m.start && funcIndex-m.start < uint32(len(m.entries))
}

// Lookup returns the code-range index for funcIndex, or BadCodeRange if the
// map does not cover it.
func (m *FuncToRangeMap) Lookup(funcIndex uint32) uint32 {
	if !m.has(funcIndex) {
		return BadCodeRange
	}
	return m.entries[funcIndex-m.start]
}

// Insert records the code-range index for funcIndex. Returns false if the
// map does not cover funcIndex.
func (m *FuncToRangeMap) Insert(funcIndex, rangeIndex uint32) bool {
	if !m.has(funcIndex) {
		return false
	}
	m.entries[funcIndex-m.start] = rangeIndex
	return true
}

// Complete verifies that every slot has been filled. A block is not eligible
// for registration until its map is complete.
func (m *FuncToRangeMap) Complete() error {
	for i, e := range m.entries {
		if e == BadCodeRange {
			return fmt.Errorf("%w: function index %d has no code range",
				ErrBadMetadata, m.start+uint32(i))
		}
	}
	return nil
}

// NumEntries returns the number of function indices the map covers.
func (m *FuncToRangeMap) NumEntries() int {
	return len(m.entries)
}

// StartIndex returns the first function index the map covers.
func (m *FuncToRangeMap) StartIndex() uint32 {
	return m.start
}
