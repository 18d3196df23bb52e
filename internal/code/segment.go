package code

import (
	"fmt"

	"github.com/tinyrange/wasmjit/internal/executable"
)

// Segment owns one executable allocation. Space is claimed monotonically
// from its tail and never reclaimed while the segment lives. Several blocks
// may share one segment (lazy stub batches are packed this way).
type Segment struct {
	mem      *executable.Memory
	length   uint32
	capacity uint32

	// Back-reference to the logical container; not owned. Set once by the
	// owning Code.
	code *Code
}

// NewSegment maps an empty executable segment with at least capacityHint
// bytes, rounded up to page granularity.
func NewSegment(capacityHint int) (*Segment, error) {
	mem, err := executable.Allocate(capacityHint)
	if err != nil {
		return nil, err
	}
	return &Segment{mem: mem, capacity: uint32(mem.Len())}, nil
}

// Base returns the load address of the segment.
func (s *Segment) Base() uintptr {
	return pointerOf(s.mem.Bytes())
}

// Bytes returns the full readable view of the segment.
func (s *Segment) Bytes() []byte {
	return s.mem.Bytes()
}

func (s *Segment) Length() uint32   { return s.length }
func (s *Segment) Capacity() uint32 { return s.capacity }

// HasSpace reports whether n more bytes (page-rounded) still fit.
func (s *Segment) HasSpace(n uint32) bool {
	need := uint32(executable.AlignUp(int(n)))
	return need <= s.capacity && s.length <= s.capacity-need
}

// Claim bump-allocates n bytes (page-rounded) and returns the offset of the
// claimed space. Callers are expected to have pre-sized the segment; running
// past the capacity is a bug, not a recoverable condition.
func (s *Segment) Claim(n uint32) uint32 {
	if !s.HasSpace(n) {
		panic(fmt.Sprintf("code: segment overflow: claim %d with %d/%d used",
			n, s.length, s.capacity))
	}
	off := s.length
	s.length += uint32(executable.AlignUp(int(n)))
	return off
}

// Write runs fn against the writable view of one claimed range. Only the
// pages covering [off, off+n) lose execute while fn runs; claims are
// page-granular, so code in the segment's other claims stays callable. See
// executable.Memory.Write.
func (s *Segment) Write(off, n uint32, fn func(buf []byte) error) error {
	return s.mem.Write(int(off), int(n), fn)
}

// SetCode stamps the back-reference to the owning Code.
func (s *Segment) SetCode(c *Code) { s.code = c }

// Code resolves the logical container of this segment.
func (s *Segment) Code() *Code { return s.code }

// Free unmaps the segment. Only legal once every block referencing it has
// been unregistered and no stub still jumps into it.
func (s *Segment) Free() error {
	return s.mem.Free()
}
