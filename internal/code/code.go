package code

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// StubEngine emits the small entry trampolines used for lazy interpreter
// entries. Implemented by internal/stubgen; tests substitute fakes.
type StubEngine interface {
	// StubSize returns the fixed byte size of one entry stub.
	StubSize() int
	// EmitEntryStub writes one stub into buf, which is StubSize() bytes.
	// The stub transfers control to target. Stubs embed absolute addresses
	// directly; they are never persisted.
	EmitEntryStub(buf []byte, target uintptr)
}

// Unit is what the codegen backend hands over for one compiled unit: raw
// unlinked machine code, its link descriptor, and the parallel metadata
// tables.
type Unit struct {
	Kind BlockKind
	Code []byte
	Link LinkData
	Meta Metadata

	// The contiguous function-index range this unit covers.
	FuncMapStart uint32
	FuncMapCount uint32

	FuncExports []FuncExport
}

// Config parameterizes a Code.
type Config struct {
	Mode        CompileMode
	NumFuncs    uint32 // total function count, imports included
	FuncImports []FuncImport
	Resolver    SymbolResolver
	Stubs       StubEngine
	FuncNames   []string // optional, used for profiling labels

	// Capacity of each lazily allocated stub segment. Stubs are small, so
	// one segment amortizes many batches. Defaults to 64 KiB.
	StubSegmentCapacity int
}

const defaultStubSegmentCapacity = 64 * 1024

// Code is the per-module aggregate: it owns the shared-stub block, the
// current best tier block, an optional second tier block published at most
// once, the growable set of lazy stub blocks, the block map and the jump
// tables, and orchestrates linking, lazy stub creation and tier publication.
// A Code is shared between a compiled module and every live instance of it.
type Code struct {
	mode                CompileMode
	numFuncs            uint32
	funcImports         []FuncImport
	resolve             SymbolResolver
	stubEngine          StubEngine
	funcNames           []string
	stubSegmentCapacity int

	blockMap   *BlockMap
	jumpTables JumpTables

	sharedStubs *CodeBlock
	tier1       *CodeBlock

	// tier2 and hasTier2 implement a three-state single-writer broadcast.
	//
	// Initially hasTier2 is false and tier2 is nil. While hasTier2 is
	// false no thread may read tier2, but the one background tier-2
	// compiler thread may store it, and must set hasTier2 afterwards to
	// broadcast the value. The writer must not re-read tier2 between the
	// store and the publish. Once hasTier2 is true it stays true, nobody
	// writes tier2 again, and observing hasTier2 true is proof that tier2
	// is valid without any lock on the read side.
	tier2    *CodeBlock
	hasTier2 atomic.Bool

	// mu guards the lazy stub state: single writer, shared readers. This
	// is an ordinary lock, distinct from the wait-free block map, and may
	// block briefly.
	mu   sync.RWMutex
	lazy lazyStubs

	// Where to redirect pc to when handling a trap from a signal handler.
	trapCode uintptr

	labelsMu sync.Mutex
	labels   []string
}

// NewCode builds an uninitialized Code from the module-wide configuration.
func NewCode(cfg Config) (*Code, error) {
	if uint32(len(cfg.FuncImports)) > cfg.NumFuncs {
		return nil, fmt.Errorf("%w: %d imports exceed %d functions",
			ErrBadMetadata, len(cfg.FuncImports), cfg.NumFuncs)
	}
	stubCap := cfg.StubSegmentCapacity
	if stubCap <= 0 {
		stubCap = defaultStubSegmentCapacity
	}
	return &Code{
		mode:                cfg.Mode,
		numFuncs:            cfg.NumFuncs,
		funcImports:         cfg.FuncImports,
		resolve:             cfg.Resolver,
		stubEngine:          cfg.Stubs,
		funcNames:           cfg.FuncNames,
		stubSegmentCapacity: stubCap,
		blockMap:            NewBlockMap(),
	}, nil
}

func buildFuncMap(unit *Unit) (FuncToRangeMap, error) {
	m := NewFuncToRangeMap(unit.FuncMapStart, unit.FuncMapCount)
	for i := range unit.Meta.Ranges {
		r := &unit.Meta.Ranges[i]
		if r.Kind != RangeFunction || r.FuncIndex == NoFuncIndex {
			continue
		}
		if !m.Insert(r.FuncIndex, uint32(i)) {
			return FuncToRangeMap{}, fmt.Errorf("%w: function index %d outside map range [%d, %d)",
				ErrBadMetadata, r.FuncIndex, unit.FuncMapStart,
				unit.FuncMapStart+unit.FuncMapCount)
		}
	}
	return m, nil
}

// buildBlock allocates a fresh segment for the unit, claims space, copies
// and links the code while the segment is writable, and wraps it in a block.
func (c *Code) buildBlock(unit *Unit, sharedStubs *CodeBlock) (*CodeBlock, error) {
	seg, err := NewSegment(len(unit.Code))
	if err != nil {
		return nil, err
	}
	off := seg.Claim(uint32(len(unit.Code)))

	err = seg.Write(off, uint32(len(unit.Code)), func(buf []byte) error {
		copy(buf, unit.Code)
		return staticallyLink(buf, seg.Base()+uintptr(off), &unit.Link,
			c.resolve, sharedStubs)
	})
	if err != nil {
		seg.Free()
		return nil, err
	}

	funcMap, err := buildFuncMap(unit)
	if err != nil {
		seg.Free()
		return nil, err
	}
	block, err := NewCodeBlock(unit.Kind, seg, off, uint32(len(unit.Code)),
		unit.Meta, funcMap, unit.FuncExports)
	if err != nil {
		seg.Free()
		return nil, err
	}
	return block, nil
}

func (c *Code) adoptBlock(b *CodeBlock) {
	b.Initialize(c)
	c.blockMap.Insert(b)
	b.registered = true
}

// Initialize links and registers the shared-stub and tier-1 blocks and
// builds the jump tables. The tier-1 link may use shared trampolines as
// linkage targets.
func (c *Code) Initialize(sharedStubs, tier1 Unit) error {
	if c.Initialized() {
		return errors.New("code: already initialized")
	}
	if sharedStubs.Kind != KindSharedStubs {
		return fmt.Errorf("%w: expected shared-stubs unit, got %v", ErrBadMetadata, sharedStubs.Kind)
	}
	if tier1.Kind != KindBaselineTier && tier1.Kind != KindOptimizedTier {
		return fmt.Errorf("%w: expected tier unit, got %v", ErrBadMetadata, tier1.Kind)
	}

	shared, err := c.buildBlock(&sharedStubs, nil)
	if err != nil {
		return fmt.Errorf("link shared stubs: %w", err)
	}
	c.adoptBlock(shared)
	c.sharedStubs = shared
	if addr, ok := shared.symbolAddress(SymHandleTrap); ok {
		c.trapCode = addr
	}

	t1, err := c.buildBlock(&tier1, shared)
	if err != nil {
		return fmt.Errorf("link tier-1: %w", err)
	}
	c.adoptBlock(t1)
	c.tier1 = t1

	c.jumpTables.Initialize(c.mode, c.numFuncs, shared, t1)

	slog.Debug("initialized module code",
		"mode", c.mode, "tier", t1.Tier(),
		"codeBytes", t1.Length(), "numFuncs", c.numFuncs)
	return nil
}

// Initialized reports whether tier-1 code is present.
func (c *Code) Initialized() bool {
	return c.tier1 != nil && c.tier1.Initialized()
}

// FinishCompleteTier2 links and publishes the optimized tier. Called once,
// from the background optimizing-compile thread. On failure the module
// stays on tier-1, which remains fully functional.
func (c *Code) FinishCompleteTier2(unit Unit) error {
	if unit.Kind != KindOptimizedTier {
		return fmt.Errorf("%w: expected optimized-tier unit, got %v", ErrBadMetadata, unit.Kind)
	}
	if c.hasTier2.Load() {
		return errors.New("code: tier-2 already published")
	}

	block, err := c.buildBlock(&unit, c.sharedStubs)
	if err != nil {
		return fmt.Errorf("link tier-2: %w", err)
	}
	c.adoptBlock(block)

	// Regenerate existing lazy entry stubs against the optimized code before
	// publishing, so subsequent calls upgrade and a failure here leaves the
	// module observably on tier-1.
	c.mu.Lock()
	upgraded, err := c.createTier2LazyEntryStubs(block)
	c.mu.Unlock()
	if err != nil {
		c.blockMap.Remove(block)
		block.registered = false
		if ferr := block.segment.Free(); ferr != nil {
			slog.Warn("freeing unpublished tier-2 segment", "err", ferr)
		}
		return fmt.Errorf("regenerate lazy stubs for tier-2: %w", err)
	}

	// Store the pointer, then publish. Readers check hasTier2 first, so
	// they never observe a half-initialized tier.
	c.tier2 = block
	c.hasTier2.Store(true)

	// Optimized code is always preferable to baseline: tiering slots are
	// overwritten unconditionally. Jit-entry slots keep the first stub
	// published for an export.
	for i := range block.Meta.Ranges {
		r := &block.Meta.Ranges[i]
		if r.IsFunction() && r.FuncIndex != NoFuncIndex {
			c.jumpTables.SetTieringEntry(r.FuncIndex, block.Base()+uintptr(r.Begin))
		}
	}
	c.mu.RLock()
	for _, funcIndex := range upgraded {
		if entry, ok := c.lookupLazyInterpEntry(funcIndex); ok {
			c.jumpTables.SetJitEntryIfNull(funcIndex, entry)
		}
	}
	c.mu.RUnlock()

	slog.Debug("published tier-2 code",
		"codeBytes", block.Length(), "upgradedStubs", len(upgraded))
	return nil
}

// HasTier2 reports whether the optimized tier has been published.
func (c *Code) HasTier2() bool {
	return c.hasTier2.Load()
}

// BestTier may transition from baseline to optimized at any time.
func (c *Code) BestTier() Tier {
	if c.hasTier2.Load() {
		return TierOptimized
	}
	return c.tier1.Tier()
}

// StableTier is stable for the lifetime of the process.
func (c *Code) StableTier() Tier {
	return c.tier1.Tier()
}

// BlockForTier returns the complete tier block for tier.
func (c *Code) BlockForTier(tier Tier) *CodeBlock {
	if c.tier1 != nil && c.tier1.Tier() == tier {
		return c.tier1
	}
	if tier == TierOptimized && c.hasTier2.Load() {
		return c.tier2
	}
	panic(fmt.Sprintf("code: no %v tier block", tier))
}

// HasTier reports whether a complete block exists for tier.
func (c *Code) HasTier(tier Tier) bool {
	if c.tier1 != nil && c.tier1.Tier() == tier {
		return true
	}
	return tier == TierOptimized && c.hasTier2.Load()
}

// SharedStubs returns the shared-stub block.
func (c *Code) SharedStubs() *CodeBlock { return c.sharedStubs }

// FuncCodeBlock returns the block that owns funcIndex at the best tier.
// Imports route to the shared-stub block.
func (c *Code) FuncCodeBlock(funcIndex uint32) *CodeBlock {
	if funcIndex < uint32(len(c.funcImports)) {
		return c.sharedStubs
	}
	return c.BlockForTier(c.BestTier())
}

// FuncImport returns the import record for funcIndex.
func (c *Code) FuncImport(funcIndex uint32) FuncImport {
	return c.funcImports[funcIndex]
}

// NumFuncImports returns the number of imported functions.
func (c *Code) NumFuncImports() int { return len(c.funcImports) }

// TrapCode returns the shared trampoline a signal handler redirects a
// faulting pc to, or zero if the shared stubs carry none.
func (c *Code) TrapCode() uintptr { return c.trapCode }

// JumpTables exposes the per-function entry tables.
func (c *Code) JumpTables() *JumpTables { return &c.jumpTables }

// BlockMap exposes the pc index; profiler and stack walker read it.
func (c *Code) BlockMap() *BlockMap { return c.blockMap }

// Lookup returns the block owning pc and the range containing it. Safe from
// signal-handler context: non-blocking, non-allocating.
func (c *Code) Lookup(pc uintptr) (*CodeBlock, *CodeRange) {
	return c.blockMap.LookupRange(pc)
}

// LookupCallSite returns the call site whose return address is pc, or nil.
func (c *Code) LookupCallSite(pc uintptr) *CallSite {
	b := c.blockMap.Lookup(pc)
	if b == nil {
		return nil
	}
	return b.CallSiteFor(pc)
}

// LookupFuncRange returns the function body range containing pc, or nil.
func (c *Code) LookupFuncRange(pc uintptr) *CodeRange {
	b := c.blockMap.Lookup(pc)
	if b == nil {
		return nil
	}
	if r := b.RangeFor(pc); r != nil && r.IsFunction() {
		return r
	}
	return nil
}

// LookupStackMap returns the GC liveness map keyed by return address pc.
func (c *Code) LookupStackMap(pc uintptr) *StackMap {
	b := c.blockMap.Lookup(pc)
	if b == nil {
		return nil
	}
	return b.StackMapFor(pc)
}

// LookupTryNote returns the innermost try note covering pc and its block.
func (c *Code) LookupTryNote(pc uintptr) (*TryNote, *CodeBlock) {
	b := c.blockMap.Lookup(pc)
	if b == nil {
		return nil, nil
	}
	return b.TryNoteFor(pc), b
}

// LookupTrap returns the trap recorded at pc.
func (c *Code) LookupTrap(pc uintptr) (Trap, uint32, bool) {
	b := c.blockMap.Lookup(pc)
	if b == nil {
		return 0, 0, false
	}
	return b.TrapFor(pc)
}

// LookupUnwindInfo returns the unwind record in effect at pc, or nil.
func (c *Code) LookupUnwindInfo(pc uintptr) *UnwindInfo {
	b := c.blockMap.Lookup(pc)
	if b == nil {
		return nil
	}
	return b.UnwindInfoFor(pc)
}

// EnsureProfilingLabels builds the per-function label cache. Labels are
// generated lazily because profiling is usually off.
func (c *Code) EnsureProfilingLabels(profilingEnabled bool) {
	if !profilingEnabled {
		return
	}
	c.labelsMu.Lock()
	defer c.labelsMu.Unlock()
	if c.labels != nil {
		return
	}
	labels := make([]string, c.numFuncs)
	for i := range labels {
		name := ""
		if i < len(c.funcNames) {
			name = c.funcNames[i]
		}
		if name == "" {
			name = "wasm-function"
		}
		labels[i] = fmt.Sprintf("%s (index %d)", name, i)
	}
	c.labels = labels
}

// ProfilingLabel returns the label for funcIndex, or "" before
// EnsureProfilingLabels has run.
func (c *Code) ProfilingLabel(funcIndex uint32) string {
	c.labelsMu.Lock()
	defer c.labelsMu.Unlock()
	if c.labels == nil || funcIndex >= uint32(len(c.labels)) {
		return ""
	}
	return c.labels[funcIndex]
}

// SizeOfMisc accounts code and metadata bytes across every block.
func (c *Code) SizeOfMisc() (codeBytes, dataBytes int) {
	for _, b := range []*CodeBlock{c.sharedStubs, c.tier1} {
		if b == nil {
			continue
		}
		cb, db := b.SizeOfMisc()
		codeBytes += cb
		dataBytes += db
	}
	if c.hasTier2.Load() {
		cb, db := c.tier2.SizeOfMisc()
		codeBytes += cb
		dataBytes += db
	}
	c.mu.RLock()
	for _, b := range c.lazy.blocks {
		cb, db := b.SizeOfMisc()
		codeBytes += cb
		dataBytes += db
	}
	c.mu.RUnlock()
	return codeBytes, dataBytes
}

// Close unregisters every block and unmaps every segment. The caller must
// guarantee no code from this module is running or reachable from any stack.
func (c *Code) Close() error {
	var firstErr error
	free := func(b *CodeBlock) {
		if b == nil {
			return
		}
		if b.registered {
			c.blockMap.Remove(b)
			b.registered = false
		}
		if err := b.segment.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	c.mu.Lock()
	// Stub blocks go first: they jump into tier blocks, never the reverse.
	for _, b := range c.lazy.blocks {
		if b.registered {
			c.blockMap.Remove(b)
			b.registered = false
		}
	}
	for _, seg := range c.lazy.segments {
		if err := seg.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.lazy = lazyStubs{}
	c.mu.Unlock()

	if c.hasTier2.Load() {
		free(c.tier2)
	}
	free(c.tier1)
	free(c.sharedStubs)
	c.tier1 = nil
	c.sharedStubs = nil
	return firstErr
}
