package code

import (
	"encoding/binary"
	"fmt"
)

// SymbolicAddress names a runtime entry point that compiled code calls
// through an absolute address patched in at link time.
type SymbolicAddress uint8

const (
	SymHandleTrap SymbolicAddress = iota
	SymHandleThrow
	SymHandleDebugTrap
	SymMemoryGrow
	SymTableGrow
	SymLimit
)

func (s SymbolicAddress) String() string {
	switch s {
	case SymHandleTrap:
		return "HandleTrap"
	case SymHandleThrow:
		return "HandleThrow"
	case SymHandleDebugTrap:
		return "HandleDebugTrap"
	case SymMemoryGrow:
		return "MemoryGrow"
	case SymTableGrow:
		return "TableGrow"
	default:
		return fmt.Sprintf("SymbolicAddress(%d)", uint8(s))
	}
}

// SymbolResolver supplies absolute addresses for runtime symbols. A zero
// return means the resolver has no answer for that symbol.
type SymbolResolver func(sym SymbolicAddress) uintptr

// InternalLink is one patch site whose target lives in the same unit.
type InternalLink struct {
	PatchAtOffset uint32
	TargetOffset  uint32
}

// LinkData records every address-dependent patch site of one compiled unit.
// It is consumed at link time and, for code destined for persistence, again
// at unlink time. Each patch site is an 8-byte little-endian word: before
// linking an internal site holds its target offset and a symbolic site holds
// the symbol id, so unlinked code is position-independent.
type LinkData struct {
	InternalLinks []InternalLink
	SymbolicLinks [SymLimit][]uint32
}

// Empty reports whether the descriptor records no patch sites.
func (ld *LinkData) Empty() bool {
	if len(ld.InternalLinks) != 0 {
		return false
	}
	for _, offsets := range ld.SymbolicLinks {
		if len(offsets) != 0 {
			return false
		}
	}
	return true
}

const patchWordSize = 8

func checkPatchSite(buf []byte, off uint32) error {
	if int64(off)+patchWordSize > int64(len(buf)) {
		return fmt.Errorf("%w: patch site %#x outside code of length %#x",
			ErrBadLinkData, off, len(buf))
	}
	return nil
}

// resolveSymbol finds the absolute address of sym, preferring a shared-stub
// trampoline; shared trampolines are a linking dependency of every tier.
func resolveSymbol(sym SymbolicAddress, resolve SymbolResolver, sharedStubs *CodeBlock) (uintptr, error) {
	if sharedStubs != nil {
		if addr, ok := sharedStubs.symbolAddress(sym); ok {
			return addr, nil
		}
	}
	if resolve != nil {
		if addr := resolve(sym); addr != 0 {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %v", ErrUnresolvedSymbol, sym)
}

// staticallyLink patches every recorded site in buf, which must be the
// writable view of the claimed code, to absolute addresses under base.
func staticallyLink(buf []byte, base uintptr, ld *LinkData, resolve SymbolResolver, sharedStubs *CodeBlock) error {
	for _, link := range ld.InternalLinks {
		if err := checkPatchSite(buf, link.PatchAtOffset); err != nil {
			return err
		}
		if int64(link.TargetOffset) > int64(len(buf)) {
			return fmt.Errorf("%w: internal target %#x outside code of length %#x",
				ErrBadLinkData, link.TargetOffset, len(buf))
		}
		binary.LittleEndian.PutUint64(buf[link.PatchAtOffset:],
			uint64(base)+uint64(link.TargetOffset))
	}
	for sym := SymbolicAddress(0); sym < SymLimit; sym++ {
		offsets := ld.SymbolicLinks[sym]
		if len(offsets) == 0 {
			continue
		}
		addr, err := resolveSymbol(sym, resolve, sharedStubs)
		if err != nil {
			return err
		}
		for _, off := range offsets {
			if err := checkPatchSite(buf, off); err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(buf[off:], uint64(addr))
		}
	}
	return nil
}

// staticallyUnlink restores the position-independent placeholders, reversing
// staticallyLink byte for byte. Used on a copy of the code when it is about
// to be persisted.
func staticallyUnlink(buf []byte, ld *LinkData) {
	for _, link := range ld.InternalLinks {
		binary.LittleEndian.PutUint64(buf[link.PatchAtOffset:],
			uint64(link.TargetOffset))
	}
	for sym := SymbolicAddress(0); sym < SymLimit; sym++ {
		for _, off := range ld.SymbolicLinks[sym] {
			binary.LittleEndian.PutUint64(buf[off:], uint64(sym))
		}
	}
}
