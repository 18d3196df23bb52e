package code

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"
)

func TestScenarioTier1Only(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	tier1 := c.BlockForTier(TierBaseline)

	if got, want := c.BestTier(), TierBaseline; got != want {
		t.Fatalf("BestTier()=%v, want %v", got, want)
	}

	block, rng := c.Lookup(tier1.Base() + 10)
	if block == nil || rng == nil {
		t.Fatalf("Lookup inside function 1 returned (%v, %v)", block, rng)
	}
	if got, want := block.Tier(), TierBaseline; got != want {
		t.Fatalf("block tier=%v, want %v", got, want)
	}
	if got, want := rng.FuncIndex, uint32(1); got != want {
		t.Fatalf("range func index=%d, want %d", got, want)
	}

	// Padding between functions: the block owns the pc but no range does.
	block, rng = c.Lookup(tier1.Base() + 70)
	if block == nil {
		t.Fatal("Lookup in padding lost the owning block")
	}
	if rng != nil {
		t.Fatalf("Lookup in padding returned range %+v, want none", rng)
	}
	if fr := c.LookupFuncRange(tier1.Base() + 70); fr != nil {
		t.Fatalf("LookupFuncRange in padding returned %+v, want nil", fr)
	}

	if block, _ := c.Lookup(1); block != nil {
		t.Fatalf("Lookup outside all blocks returned %v", block)
	}

	if got := c.JumpTables().TieringEntry(1); got != 0 {
		t.Fatalf("TieringEntry(1)=%#x, want 0 before tier-2", got)
	}
}

func TestLookupMetadata(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	base := c.BlockForTier(TierBaseline).Base()

	if site := c.LookupCallSite(base + 24); site == nil || site.BytecodeOffset != 7 {
		t.Fatalf("LookupCallSite(+24)=%+v, want bytecode offset 7", site)
	}
	if site := c.LookupCallSite(base + 25); site != nil {
		t.Fatalf("LookupCallSite(+25)=%+v, want nil", site)
	}

	sm := c.LookupStackMap(base + 24)
	if sm == nil || sm.FrameSize != 32 {
		t.Fatalf("LookupStackMap(+24)=%+v, want frame size 32", sm)
	}
	if !sm.Live(0) || sm.Live(1) || !sm.Live(2) {
		t.Fatalf("stack map liveness wrong: %+v", sm)
	}

	trap, bytecode, ok := c.LookupTrap(base + 32)
	if !ok || trap != TrapOutOfBounds || bytecode != 9 {
		t.Fatalf("LookupTrap(+32)=(%v, %d, %v)", trap, bytecode, ok)
	}
	if _, _, ok := c.LookupTrap(base + 33); ok {
		t.Fatal("LookupTrap(+33) found a trap in a gap")
	}

	// Nested try notes: the innermost one wins.
	note, _ := c.LookupTryNote(base + 20)
	if note == nil || note.Begin != 16 {
		t.Fatalf("LookupTryNote(+20)=%+v, want inner note at 16", note)
	}
	note, _ = c.LookupTryNote(base + 10)
	if note == nil || note.Begin != 8 {
		t.Fatalf("LookupTryNote(+10)=%+v, want outer note at 8", note)
	}

	if ui := c.LookupUnwindInfo(base + 4); ui == nil || ui.How != UnwindPrologue {
		t.Fatalf("LookupUnwindInfo(+4)=%+v, want prologue", ui)
	}
	if ui := c.LookupUnwindInfo(base + 12); ui == nil || ui.How != UnwindNormal {
		t.Fatalf("LookupUnwindInfo(+12)=%+v, want normal", ui)
	}
}

func TestLinkedAddresses(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	shared := c.SharedStubs()
	tier1 := c.BlockForTier(TierBaseline)

	segBytes := tier1.Segment().Bytes()
	blockOff := tier1.Base() - tier1.Segment().Base()

	// Internal link: patch site 40 holds the absolute address of offset 80.
	got := uintptr(binary.LittleEndian.Uint64(segBytes[blockOff+40:]))
	if want := tier1.Base() + 80; got != want {
		t.Fatalf("internal patch=%#x, want %#x", got, want)
	}

	// Symbolic link: the shared trap trampoline wins over the resolver.
	got = uintptr(binary.LittleEndian.Uint64(segBytes[blockOff+48:]))
	if want := shared.Base(); got != want {
		t.Fatalf("symbolic patch=%#x, want shared trampoline %#x", got, want)
	}

	// The shared stubs themselves linked through the resolver.
	sharedBytes := shared.Segment().Bytes()
	sharedOff := shared.Base() - shared.Segment().Base()
	got = uintptr(binary.LittleEndian.Uint64(sharedBytes[sharedOff+96:]))
	if want := testResolver(SymHandleTrap); got != want {
		t.Fatalf("shared stub symbolic patch=%#x, want %#x", got, want)
	}

	if got, want := c.TrapCode(), shared.Base(); got != want {
		t.Fatalf("TrapCode()=%#x, want %#x", got, want)
	}
}

func TestGetOrCreateInterpEntryIdempotent(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	tier1 := c.BlockForTier(TierBaseline)

	entry, err := c.GetOrCreateInterpEntry(1)
	if err != nil {
		t.Fatalf("GetOrCreateInterpEntry(1) failed: %v", err)
	}
	if entry == 0 {
		t.Fatal("GetOrCreateInterpEntry(1) returned a null entry")
	}
	if got, want := stubTarget(t, c, entry), tier1.EntryAddress(1); got != want {
		t.Fatalf("stub targets %#x, want baseline entry %#x", got, want)
	}

	again, err := c.GetOrCreateInterpEntry(1)
	if err != nil {
		t.Fatalf("second GetOrCreateInterpEntry(1) failed: %v", err)
	}
	if again != entry {
		t.Fatalf("second request returned %#x, want first stub %#x", again, entry)
	}
	if got, want := len(c.lazy.exports), 1; got != want {
		t.Fatalf("lazy export records=%d, want %d", got, want)
	}
	if got, want := len(c.lazy.blocks), 1; got != want {
		t.Fatalf("stub blocks=%d, want %d", got, want)
	}

	if got, want := c.JumpTables().JitEntry(1), entry; got != want {
		t.Fatalf("JitEntry(1)=%#x, want %#x", got, want)
	}

	// Imports have no export record in any tier.
	if _, err := c.GetOrCreateInterpEntry(0); !errors.Is(err, ErrNotExported) {
		t.Fatalf("GetOrCreateInterpEntry(0) err=%v, want ErrNotExported", err)
	}
}

// Stub batches pack into a shared segment; a later batch must not disturb
// entries already published from earlier batches.
func TestLazyStubBatchesShareSegment(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	tier1 := c.BlockForTier(TierBaseline)

	e1, err := c.GetOrCreateInterpEntry(1)
	if err != nil {
		t.Fatalf("GetOrCreateInterpEntry(1) failed: %v", err)
	}
	e2, err := c.GetOrCreateInterpEntry(2)
	if err != nil {
		t.Fatalf("GetOrCreateInterpEntry(2) failed: %v", err)
	}

	if got, want := len(c.lazy.segments), 1; got != want {
		t.Fatalf("stub segments=%d, want %d (batches should pack)", got, want)
	}
	b1 := c.BlockMap().Lookup(e1)
	b2 := c.BlockMap().Lookup(e2)
	if b1 == nil || b2 == nil || b1.segment != b2.segment {
		t.Fatal("stub batches did not share one segment")
	}

	// The first batch survived the second batch's write.
	if got, want := stubTarget(t, c, e1), tier1.EntryAddress(1); got != want {
		t.Fatalf("first stub targets %#x after second batch, want %#x", got, want)
	}
	if got, want := stubTarget(t, c, e2), tier1.EntryAddress(2); got != want {
		t.Fatalf("second stub targets %#x, want %#x", got, want)
	}
}

func TestGetOrCreateInterpEntryConcurrent(t *testing.T) {
	c := newTestCode(t, ModeTiered)

	const workers = 8
	entries := make([]uintptr, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := c.GetOrCreateInterpEntry(2)
			if err != nil {
				t.Errorf("GetOrCreateInterpEntry(2) failed: %v", err)
				return
			}
			entries[i] = entry
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if entries[i] != entries[0] {
			t.Fatalf("worker %d got %#x, worker 0 got %#x", i, entries[i], entries[0])
		}
	}
	if entries[0] == 0 {
		t.Fatal("all workers observed a null entry")
	}
	if got, want := len(c.lazy.exports), 1; got != want {
		t.Fatalf("lazy export records=%d, want %d", got, want)
	}
	if got := c.JumpTables().JitEntry(2); got != entries[0] {
		t.Fatalf("JitEntry(2)=%#x, want %#x", got, entries[0])
	}
}

func TestFinishCompleteTier2(t *testing.T) {
	c := newTestCode(t, ModeTiered)

	// A baseline stub exists before the upgrade.
	before, err := c.GetOrCreateInterpEntry(1)
	if err != nil {
		t.Fatalf("GetOrCreateInterpEntry(1) failed: %v", err)
	}

	if err := c.FinishCompleteTier2(tier2Unit()); err != nil {
		t.Fatalf("FinishCompleteTier2 failed: %v", err)
	}

	if got, want := c.BestTier(), TierOptimized; got != want {
		t.Fatalf("BestTier()=%v, want %v", got, want)
	}
	if got, want := c.StableTier(), TierBaseline; got != want {
		t.Fatalf("StableTier()=%v, want %v", got, want)
	}

	tier2 := c.BlockForTier(TierOptimized)
	for _, funcIndex := range []uint32{1, 2} {
		entry := c.JumpTables().TieringEntry(funcIndex)
		if entry == 0 {
			t.Fatalf("TieringEntry(%d) is null after tier-2", funcIndex)
		}
		if !tier2.ContainsPC(entry) {
			t.Fatalf("TieringEntry(%d)=%#x outside tier-2 block [%#x, +%d)",
				funcIndex, entry, tier2.Base(), tier2.Length())
		}
		if got, want := entry, tier2.EntryAddress(funcIndex); got != want {
			t.Fatalf("TieringEntry(%d)=%#x, want %#x", funcIndex, got, want)
		}
	}
	if got := c.JumpTables().TieringEntry(0); got != 0 {
		t.Fatalf("TieringEntry(0)=%#x for an import, want 0", got)
	}

	// The baseline stub was regenerated: the interp entry now targets the
	// optimized code.
	after, err := c.GetOrCreateInterpEntry(1)
	if err != nil {
		t.Fatalf("GetOrCreateInterpEntry(1) after tier-2 failed: %v", err)
	}
	if after == before {
		t.Fatal("interp entry was not regenerated for tier-2")
	}
	if got, want := stubTarget(t, c, after), tier2.EntryAddress(1); got != want {
		t.Fatalf("upgraded stub targets %#x, want optimized entry %#x", got, want)
	}

	// Published at most once.
	if err := c.FinishCompleteTier2(tier2Unit()); err == nil {
		t.Fatal("second FinishCompleteTier2 succeeded, want error")
	}

	// Monotonicity: the tiering entries never revert.
	for i := 0; i < 100; i++ {
		if got := c.JumpTables().TieringEntry(1); got == 0 {
			t.Fatal("TieringEntry(1) reverted to null")
		}
	}
}

// A failed tier-2 publication must leave the module fully on tier-1: no
// published optimized tier, lookups intact, and a later attempt can succeed.
func TestFinishCompleteTier2FailureStaysOnTier1(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	tier1 := c.BlockForTier(TierBaseline)

	bad := tier2Unit()
	bad.Meta.Ranges[0], bad.Meta.Ranges[1] = bad.Meta.Ranges[1], bad.Meta.Ranges[0]
	if err := c.FinishCompleteTier2(bad); err == nil {
		t.Fatal("FinishCompleteTier2 with unsorted ranges succeeded")
	}

	if c.HasTier2() {
		t.Fatal("failed publication left HasTier2() true")
	}
	if got, want := c.BestTier(), TierBaseline; got != want {
		t.Fatalf("BestTier()=%v after failed publication, want %v", got, want)
	}
	if got := c.JumpTables().TieringEntry(1); got != 0 {
		t.Fatalf("TieringEntry(1)=%#x after failed publication, want 0", got)
	}
	if fr := c.LookupFuncRange(tier1.Base() + 10); fr == nil || fr.FuncIndex != 1 {
		t.Fatalf("tier-1 lookup broken after failed publication: %+v", fr)
	}

	// The failure left no residue blocking a correct retry.
	if err := c.FinishCompleteTier2(tier2Unit()); err != nil {
		t.Fatalf("retry after failed publication: %v", err)
	}
	if got, want := c.BestTier(), TierOptimized; got != want {
		t.Fatalf("BestTier()=%v after retry, want %v", got, want)
	}
}

func TestFinishCompleteTier2RejectsWrongKind(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	if err := c.FinishCompleteTier2(tier1Unit()); !errors.Is(err, ErrBadMetadata) {
		t.Fatalf("FinishCompleteTier2(baseline unit) err=%v, want ErrBadMetadata", err)
	}
}

func TestProfilingLabels(t *testing.T) {
	c := newTestCode(t, ModeTiered)

	c.EnsureProfilingLabels(false)
	if got := c.ProfilingLabel(1); got != "" {
		t.Fatalf("label before enabling=%q, want empty", got)
	}

	c.EnsureProfilingLabels(true)
	if got, want := c.ProfilingLabel(1), "add (index 1)"; got != want {
		t.Fatalf("ProfilingLabel(1)=%q, want %q", got, want)
	}
	if got, want := c.ProfilingLabel(0), "host0 (index 0)"; got != want {
		t.Fatalf("ProfilingLabel(0)=%q, want %q", got, want)
	}
}

func TestFuncCodeBlockRouting(t *testing.T) {
	c := newTestCode(t, ModeTiered)

	if got, want := c.FuncCodeBlock(0), c.SharedStubs(); got != want {
		t.Fatal("import did not route to the shared-stub block")
	}
	if got, want := c.FuncCodeBlock(1), c.BlockForTier(TierBaseline); got != want {
		t.Fatal("local function did not route to the tier-1 block")
	}

	if err := c.FinishCompleteTier2(tier2Unit()); err != nil {
		t.Fatalf("FinishCompleteTier2 failed: %v", err)
	}
	if got, want := c.FuncCodeBlock(1), c.BlockForTier(TierOptimized); got != want {
		t.Fatal("local function did not follow the tier upgrade")
	}
	if got, want := c.FuncCodeBlock(0), c.SharedStubs(); got != want {
		t.Fatal("import routing changed after the tier upgrade")
	}
}

func TestSizeOfMisc(t *testing.T) {
	c := newTestCode(t, ModeTiered)
	codeBytes, dataBytes := c.SizeOfMisc()
	if codeBytes <= 0 || dataBytes <= 0 {
		t.Fatalf("SizeOfMisc()=(%d, %d), want positive sizes", codeBytes, dataBytes)
	}
}
