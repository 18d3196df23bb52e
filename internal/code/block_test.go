package code

import (
	"errors"
	"strings"
	"testing"
)

// testBlock builds a block literal at a fixed base so lookup boundary math
// is easy to read. It mirrors the tier-1 fixture layout.
func testBlock(t *testing.T) *CodeBlock {
	t.Helper()
	unit := tier1Unit()
	funcMap, err := buildFuncMap(&unit)
	if err != nil {
		t.Fatalf("buildFuncMap failed: %v", err)
	}
	return &CodeBlock{
		Kind:        unit.Kind,
		base:        0x100000,
		length:      uint32(len(unit.Code)),
		FuncToRange: funcMap,
		Meta:        unit.Meta,
		FuncExports: unit.FuncExports,
	}
}

func TestRangeForBoundaries(t *testing.T) {
	b := testBlock(t)
	base := b.Base()

	cases := []struct {
		pc        uintptr
		funcIndex uint32 // NoFuncIndex means expect no range
	}{
		{base, 1},
		{base + 63, 1},
		{base + 64, NoFuncIndex}, // first padding byte
		{base + 79, NoFuncIndex}, // last padding byte
		{base + 80, 2},
		{base + 143, 2},
		{base + 144, NoFuncIndex}, // past the last range
	}
	for _, tc := range cases {
		r := b.RangeFor(tc.pc)
		if tc.funcIndex == NoFuncIndex {
			if r != nil {
				t.Errorf("RangeFor(base+%d)=%+v, want nil", tc.pc-base, r)
			}
			continue
		}
		if r == nil || r.FuncIndex != tc.funcIndex {
			t.Errorf("RangeFor(base+%d)=%+v, want func %d", tc.pc-base, r, tc.funcIndex)
		}
	}

	if r := b.RangeFor(base - 1); r != nil {
		t.Fatalf("RangeFor below the block=%+v, want nil", r)
	}
	if r := b.RangeFor(base + uintptr(b.Length())); r != nil {
		t.Fatalf("RangeFor at block end=%+v, want nil", r)
	}
}

func TestEntryAddressAndExports(t *testing.T) {
	b := testBlock(t)

	if got, want := b.EntryAddress(1), b.Base(); got != want {
		t.Fatalf("EntryAddress(1)=%#x, want %#x", got, want)
	}
	if got, want := b.EntryAddress(2), b.Base()+80; got != want {
		t.Fatalf("EntryAddress(2)=%#x, want %#x", got, want)
	}

	e, ok := b.LookupFuncExport(2)
	if !ok || e.TypeIndex != 1 {
		t.Fatalf("LookupFuncExport(2)=(%+v, %v)", e, ok)
	}
	if _, ok := b.LookupFuncExport(0); ok {
		t.Fatal("LookupFuncExport(0) found an export the block does not carry")
	}

	// A function index outside the block's coverage is a caller bug.
	defer func() {
		if recover() == nil {
			t.Fatal("ExportRange outside coverage did not panic")
		}
	}()
	b.ExportRange(7)
}

func TestNewCodeBlockValidation(t *testing.T) {
	seg, err := NewSegment(256)
	if err != nil {
		t.Fatalf("NewSegment failed: %v", err)
	}
	defer seg.Free()
	seg.Claim(256)

	emptyMap := NewFuncToRangeMap(0, 0)

	// Unsorted ranges.
	meta := Metadata{Ranges: []CodeRange{
		{Kind: RangeFunction, Begin: 64, End: 128, FuncIndex: 1},
		{Kind: RangeFunction, Begin: 0, End: 64, FuncIndex: 2},
	}}
	if _, err := NewCodeBlock(KindBaselineTier, seg, 0, 256, meta, emptyMap, nil); !errors.Is(err, ErrBadMetadata) {
		t.Fatalf("unsorted ranges err=%v, want ErrBadMetadata", err)
	}

	// Range past the end of the block.
	meta = Metadata{Ranges: []CodeRange{
		{Kind: RangeFunction, Begin: 0, End: 300, FuncIndex: 1},
	}}
	if _, err := NewCodeBlock(KindBaselineTier, seg, 0, 256, meta, emptyMap, nil); !errors.Is(err, ErrBadMetadata) {
		t.Fatalf("oversized range err=%v, want ErrBadMetadata", err)
	}

	// Block extends past the claimed space.
	if _, err := NewCodeBlock(KindBaselineTier, seg, seg.Length()-128, 256, Metadata{}, emptyMap, nil); !errors.Is(err, ErrBadMetadata) {
		t.Fatalf("block outside claimed space err=%v, want ErrBadMetadata", err)
	}

	// Incomplete function map.
	holey := NewFuncToRangeMap(1, 2)
	holey.Insert(1, 0)
	if _, err := NewCodeBlock(KindBaselineTier, seg, 0, 256, Metadata{}, holey, nil); !errors.Is(err, ErrBadMetadata) {
		t.Fatalf("incomplete func map err=%v, want ErrBadMetadata", err)
	}

	// Unsorted exports.
	exports := []FuncExport{{FuncIndex: 2}, {FuncIndex: 1}}
	if _, err := NewCodeBlock(KindBaselineTier, seg, 0, 256, Metadata{}, emptyMap, exports); !errors.Is(err, ErrBadMetadata) {
		t.Fatalf("unsorted exports err=%v, want ErrBadMetadata", err)
	}
}

func TestTierPanicsForNonTierBlocks(t *testing.T) {
	b := &CodeBlock{Kind: KindLazyStubs}
	defer func() {
		if recover() == nil {
			t.Fatal("Tier() on a stub block did not panic")
		}
	}()
	b.Tier()
}

func TestDescribe(t *testing.T) {
	b := testBlock(t)
	var sb strings.Builder
	b.Describe(&sb)
	out := sb.String()
	for _, want := range []string{"baseline block", "func=1", "func=2", "call sites: 2"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Describe output missing %q:\n%s", want, out)
		}
	}
}
