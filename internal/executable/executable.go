// Package executable manages raw executable memory pages.
//
// Mappings are read+execute by default. Machine code is written through a
// scoped capability (Memory.Write) that flips only the pages covering the
// requested window to read+write for the duration of the callback and
// restores read+execute before returning. No page is ever writable and
// executable at the same time, and code outside the window stays callable
// while the write runs.
package executable

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfMemory is returned when the platform allocator cannot satisfy an
// executable mapping request.
var ErrOutOfMemory = errors.New("executable: out of memory")

// Memory is a page-aligned allocation intended to hold machine code.
type Memory struct {
	buf []byte

	// Serializes writers flipping the protection of this mapping.
	writeMu sync.Mutex
}

// PageSize returns the platform's executable-page granularity.
func PageSize() int {
	return pageSize()
}

// AlignUp rounds n up to page granularity.
func AlignUp(n int) int {
	ps := pageSize()
	return (n + ps - 1) &^ (ps - 1)
}

// Allocate maps at least length bytes of executable memory, rounded up to
// page granularity. The mapping starts read+execute with every byte zero.
func Allocate(length int) (*Memory, error) {
	if length <= 0 {
		return nil, errors.New("executable: allocation length must be positive")
	}
	buf, err := mapPages(AlignUp(length))
	if err != nil {
		return nil, err
	}
	return &Memory{buf: buf}, nil
}

// Bytes returns the full mapping. The mapping is always readable, so this
// view is safe for inspection; writing through it outside of Write is a bug.
func (m *Memory) Bytes() []byte {
	return m.buf
}

// Len returns the capacity of the mapping in bytes.
func (m *Memory) Len() int {
	return len(m.buf)
}

// Write runs fn against buf[off:off+length] with the pages covering that
// window flipped to read+write. The pages are restored to read+execute
// before Write returns, even if fn fails. Code inside the window must not
// run while fn does; code in the rest of the mapping remains executable
// throughout. Writers of the same mapping are serialized.
func (m *Memory) Write(off, length int, fn func(buf []byte) error) error {
	if off < 0 || length <= 0 || off > len(m.buf)-length {
		return fmt.Errorf("executable: write window [%d, %d) outside mapping of %d bytes",
			off, off+length, len(m.buf))
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	pages := m.buf[off&^(pageSize()-1) : AlignUp(off+length)]
	if err := protectReadWrite(pages); err != nil {
		return err
	}
	fnErr := fn(m.buf[off : off+length])
	if err := protectReadExec(pages); err != nil {
		return err
	}
	return fnErr
}

// Free unmaps the memory. The caller must guarantee no code in the mapping
// is running or reachable from any stack.
func (m *Memory) Free() error {
	if m.buf == nil {
		return nil
	}
	err := unmapPages(m.buf)
	m.buf = nil
	return err
}
