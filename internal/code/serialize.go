package code

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
)

// A tier block plus its link descriptor can be persisted: the code bytes are
// copied out, unlinked back to position-independent form, and stored with
// the metadata tables. A persisted unit never embeds an absolute address;
// every address-dependent byte lives in the link descriptor's patch lists.
// Reconstruction re-allocates a segment and re-links against the current
// load address and shared-stub block.
//
// On-disk layout (little endian throughout):
//
//	magic    [4]byte "wjc1"
//	buildID  [16]byte
//	kind     u8
//	funcMapStart, funcMapCount  u32
//	exports, ranges, call sites, trap sites, stack maps, try notes,
//	unwind infos, link data     (u32 count + fixed records each)
//	code     u32 unlinked length + lz4-compressed payload

var serializeMagic = [4]byte{'w', 'j', 'c', '1'}

type serializeWriter struct {
	buf bytes.Buffer
}

func (w *serializeWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *serializeWriter) u32(v uint32) { w.buf.Write(binary.LittleEndian.AppendUint32(nil, v)) }
func (w *serializeWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

type serializeReader struct {
	data []byte
	off  int
}

func (r *serializeReader) u8() (uint8, error) {
	if r.off+1 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated", ErrBadFormat)
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *serializeReader) u32() (uint32, error) {
	if r.off+4 > len(r.data) {
		return 0, fmt.Errorf("%w: truncated", ErrBadFormat)
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

// count reads a record count and rejects values whose records cannot
// possibly fit in the remaining input, so a malformed file is reported as
// ErrBadFormat instead of demanding a huge allocation.
func (r *serializeReader) count(minRecordSize int) (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	if int64(n)*int64(minRecordSize) > int64(len(r.data)-r.off) {
		return 0, fmt.Errorf("%w: count %d overruns input", ErrBadFormat, n)
	}
	return int(n), nil
}

func (r *serializeReader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.data) {
		return nil, fmt.Errorf("%w: truncated", ErrBadFormat)
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// SerializeBlock copies a complete tier block out as position-independent
// bytes plus metadata. The block's code is not modified; unlinking happens
// on the copy.
func SerializeBlock(b *CodeBlock, ld *LinkData, buildID uuid.UUID) ([]byte, error) {
	if b.Kind != KindBaselineTier && b.Kind != KindOptimizedTier && b.Kind != KindSharedStubs {
		return nil, fmt.Errorf("%w: cannot persist a %v block", ErrBadMetadata, b.Kind)
	}

	segOff := b.Base() - b.segment.Base()
	unlinked := make([]byte, b.Length())
	copy(unlinked, b.segment.Bytes()[segOff:segOff+uintptr(b.Length())])
	staticallyUnlink(unlinked, ld)

	var w serializeWriter
	w.buf.Write(serializeMagic[:])
	w.buf.Write(buildID[:])
	w.u8(uint8(b.Kind))
	w.u32(b.FuncToRange.StartIndex())
	w.u32(uint32(b.FuncToRange.NumEntries()))

	w.u32(uint32(len(b.FuncExports)))
	for _, e := range b.FuncExports {
		w.u32(e.FuncIndex)
		w.u32(e.TypeIndex)
		if e.ExternallyCallable {
			w.u8(1)
		} else {
			w.u8(0)
		}
	}

	w.u32(uint32(len(b.Meta.Ranges)))
	for i := range b.Meta.Ranges {
		r := &b.Meta.Ranges[i]
		w.u8(uint8(r.Kind))
		w.u32(r.Begin)
		w.u32(r.End)
		w.u32(r.FuncIndex)
		w.u8(uint8(r.Sym))
	}

	w.u32(uint32(len(b.Meta.CallSites)))
	for _, s := range b.Meta.CallSites {
		w.u32(s.ReturnAddressOffset)
		w.u32(s.BytecodeOffset)
	}

	w.u32(uint32(len(b.Meta.TrapSites)))
	for _, s := range b.Meta.TrapSites {
		w.u8(uint8(s.Trap))
		w.u32(s.PCOffset)
		w.u32(s.BytecodeOffset)
	}

	w.u32(uint32(len(b.Meta.StackMaps)))
	for i := range b.Meta.StackMaps {
		m := &b.Meta.StackMaps[i]
		w.u32(m.ReturnAddressOffset)
		w.u32(m.FrameSize)
		w.bytes(m.Bits)
	}

	w.u32(uint32(len(b.Meta.TryNotes)))
	for _, n := range b.Meta.TryNotes {
		w.u32(n.Begin)
		w.u32(n.End)
		w.u32(n.EntryPoint)
		w.u32(n.FramePushed)
	}

	w.u32(uint32(len(b.Meta.UnwindInfos)))
	for _, u := range b.Meta.UnwindInfos {
		w.u32(u.Offset)
		w.u8(uint8(u.How))
	}

	w.u32(uint32(len(ld.InternalLinks)))
	for _, l := range ld.InternalLinks {
		w.u32(l.PatchAtOffset)
		w.u32(l.TargetOffset)
	}
	for sym := SymbolicAddress(0); sym < SymLimit; sym++ {
		offsets := ld.SymbolicLinks[sym]
		w.u32(uint32(len(offsets)))
		for _, off := range offsets {
			w.u32(off)
		}
	}

	w.u32(uint32(len(unlinked)))
	var compressed bytes.Buffer
	zw := lz4.NewWriter(&compressed)
	if _, err := zw.Write(unlinked); err != nil {
		return nil, fmt.Errorf("compress code: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress code: %w", err)
	}
	w.bytes(compressed.Bytes())

	return w.buf.Bytes(), nil
}

// DeserializeUnit decodes a persisted unit. The result can be handed back to
// Code.Initialize or Code.FinishCompleteTier2, which re-links it against the
// new load address; the reconstructed block is behaviorally identical to the
// one serialized.
func DeserializeUnit(data []byte) (Unit, uuid.UUID, error) {
	var unit Unit
	var buildID uuid.UUID

	r := &serializeReader{data: data}
	if len(data) < len(serializeMagic)+len(buildID) ||
		!bytes.Equal(data[:4], serializeMagic[:]) {
		return unit, buildID, fmt.Errorf("%w: bad magic", ErrBadFormat)
	}
	r.off = 4
	copy(buildID[:], data[r.off:r.off+len(buildID)])
	r.off += len(buildID)

	kind, err := r.u8()
	if err != nil {
		return unit, buildID, err
	}
	unit.Kind = BlockKind(kind)

	if unit.FuncMapStart, err = r.u32(); err != nil {
		return unit, buildID, err
	}
	if unit.FuncMapCount, err = r.u32(); err != nil {
		return unit, buildID, err
	}

	numExports, err := r.count(9)
	if err != nil {
		return unit, buildID, err
	}
	unit.FuncExports = make([]FuncExport, numExports)
	for i := range unit.FuncExports {
		e := &unit.FuncExports[i]
		if e.FuncIndex, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if e.TypeIndex, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		flag, err := r.u8()
		if err != nil {
			return unit, buildID, err
		}
		e.ExternallyCallable = flag != 0
	}

	numRanges, err := r.count(14)
	if err != nil {
		return unit, buildID, err
	}
	unit.Meta.Ranges = make([]CodeRange, numRanges)
	for i := range unit.Meta.Ranges {
		cr := &unit.Meta.Ranges[i]
		kind, err := r.u8()
		if err != nil {
			return unit, buildID, err
		}
		cr.Kind = RangeKind(kind)
		if cr.Begin, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if cr.End, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if cr.FuncIndex, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		sym, err := r.u8()
		if err != nil {
			return unit, buildID, err
		}
		cr.Sym = SymbolicAddress(sym)
	}

	numCallSites, err := r.count(8)
	if err != nil {
		return unit, buildID, err
	}
	unit.Meta.CallSites = make([]CallSite, numCallSites)
	for i := range unit.Meta.CallSites {
		s := &unit.Meta.CallSites[i]
		if s.ReturnAddressOffset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if s.BytecodeOffset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
	}

	numTrapSites, err := r.count(9)
	if err != nil {
		return unit, buildID, err
	}
	unit.Meta.TrapSites = make([]TrapSite, numTrapSites)
	for i := range unit.Meta.TrapSites {
		s := &unit.Meta.TrapSites[i]
		trap, err := r.u8()
		if err != nil {
			return unit, buildID, err
		}
		s.Trap = Trap(trap)
		if s.PCOffset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if s.BytecodeOffset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
	}

	numStackMaps, err := r.count(12)
	if err != nil {
		return unit, buildID, err
	}
	unit.Meta.StackMaps = make([]StackMap, numStackMaps)
	for i := range unit.Meta.StackMaps {
		m := &unit.Meta.StackMaps[i]
		if m.ReturnAddressOffset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if m.FrameSize, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		bits, err := r.bytes()
		if err != nil {
			return unit, buildID, err
		}
		m.Bits = append([]byte(nil), bits...)
	}

	numTryNotes, err := r.count(16)
	if err != nil {
		return unit, buildID, err
	}
	unit.Meta.TryNotes = make([]TryNote, numTryNotes)
	for i := range unit.Meta.TryNotes {
		n := &unit.Meta.TryNotes[i]
		if n.Begin, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if n.End, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if n.EntryPoint, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if n.FramePushed, err = r.u32(); err != nil {
			return unit, buildID, err
		}
	}

	numUnwindInfos, err := r.count(5)
	if err != nil {
		return unit, buildID, err
	}
	unit.Meta.UnwindInfos = make([]UnwindInfo, numUnwindInfos)
	for i := range unit.Meta.UnwindInfos {
		u := &unit.Meta.UnwindInfos[i]
		if u.Offset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		how, err := r.u8()
		if err != nil {
			return unit, buildID, err
		}
		u.How = UnwindHow(how)
	}

	numInternal, err := r.count(8)
	if err != nil {
		return unit, buildID, err
	}
	unit.Link.InternalLinks = make([]InternalLink, numInternal)
	for i := range unit.Link.InternalLinks {
		l := &unit.Link.InternalLinks[i]
		if l.PatchAtOffset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
		if l.TargetOffset, err = r.u32(); err != nil {
			return unit, buildID, err
		}
	}
	for sym := SymbolicAddress(0); sym < SymLimit; sym++ {
		count, err := r.count(4)
		if err != nil {
			return unit, buildID, err
		}
		if count == 0 {
			continue
		}
		offsets := make([]uint32, count)
		for i := range offsets {
			if offsets[i], err = r.u32(); err != nil {
				return unit, buildID, err
			}
		}
		unit.Link.SymbolicLinks[sym] = offsets
	}

	unlinkedLen, err := r.u32()
	if err != nil {
		return unit, buildID, err
	}
	compressed, err := r.bytes()
	if err != nil {
		return unit, buildID, err
	}
	// lz4 cannot expand beyond 256x, so a larger claimed length is malformed.
	const maxCodeExpansion = 256
	if int64(unlinkedLen) > int64(len(compressed))*maxCodeExpansion {
		return unit, buildID, fmt.Errorf("%w: code length %d implausible for %d compressed bytes",
			ErrBadFormat, unlinkedLen, len(compressed))
	}
	unit.Code = make([]byte, unlinkedLen)
	zr := lz4.NewReader(bytes.NewReader(compressed))
	if _, err := io.ReadFull(zr, unit.Code); err != nil {
		return unit, buildID, fmt.Errorf("%w: decompress code: %v", ErrBadFormat, err)
	}

	return unit, buildID, nil
}
