// wasmdump inspects persisted code-cache units: it prints the metadata of a
// serialized tier block and can relink one into memory to verify it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/docker/go-units"
	"github.com/tinyrange/wasmjit/internal/code"
	"github.com/tinyrange/wasmjit/internal/stubgen"
	"gopkg.in/yaml.v3"
)

type dumpConfig struct {
	Verbose   bool   `yaml:"verbose"`
	MaxRanges int    `yaml:"max_ranges"`
	StubSize  string `yaml:"stub_segment_size"` // e.g. "64KiB"
}

func loadConfig(path string) (dumpConfig, error) {
	cfg := dumpConfig{MaxRanges: 64}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func readUnit(path string) (code.Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return code.Unit{}, err
	}
	unit, buildID, err := code.DeserializeUnit(data)
	if err != nil {
		return code.Unit{}, err
	}
	slog.Debug("decoded unit", "path", path, "buildID", buildID, "kind", unit.Kind)
	return unit, nil
}

func dumpUnit(path string, cfg dumpConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	unit, buildID, err := code.DeserializeUnit(data)
	if err != nil {
		return err
	}

	fmt.Printf("%s:\n", path)
	fmt.Printf("  build id:   %s\n", buildID)
	fmt.Printf("  kind:       %v\n", unit.Kind)
	fmt.Printf("  code:       %s (%s on disk)\n",
		units.HumanSize(float64(len(unit.Code))), units.HumanSize(float64(len(data))))
	fmt.Printf("  func map:   [%d, %d)\n",
		unit.FuncMapStart, unit.FuncMapStart+unit.FuncMapCount)
	fmt.Printf("  exports:    %d\n", len(unit.FuncExports))
	fmt.Printf("  call sites: %d, trap sites: %d, stack maps: %d, try notes: %d, unwind infos: %d\n",
		len(unit.Meta.CallSites), len(unit.Meta.TrapSites), len(unit.Meta.StackMaps),
		len(unit.Meta.TryNotes), len(unit.Meta.UnwindInfos))
	fmt.Printf("  link data:  %d internal sites\n", len(unit.Link.InternalLinks))

	shown := 0
	for i := range unit.Meta.Ranges {
		if !cfg.Verbose && shown >= cfg.MaxRanges {
			fmt.Printf("  ... %d more ranges\n", len(unit.Meta.Ranges)-shown)
			break
		}
		r := &unit.Meta.Ranges[i]
		fmt.Printf("  [%#08x, %#08x) %v", r.Begin, r.End, r.Kind)
		if r.FuncIndex != code.NoFuncIndex {
			fmt.Printf(" func=%d", r.FuncIndex)
		}
		fmt.Println()
		shown++
	}
	return nil
}

// verifyUnits relinks a shared-stubs unit and a tier unit into live memory
// and prints the resulting block layout. Runtime symbols resolve to sentinel
// addresses; the relinked code is never executed.
func verifyUnits(stubsPath, tierPath string, cfg dumpConfig) error {
	stubs, err := readUnit(stubsPath)
	if err != nil {
		return fmt.Errorf("%s: %w", stubsPath, err)
	}
	tier, err := readUnit(tierPath)
	if err != nil {
		return fmt.Errorf("%s: %w", tierPath, err)
	}

	stubCap := 0
	if cfg.StubSize != "" {
		n, err := units.RAMInBytes(cfg.StubSize)
		if err != nil {
			return fmt.Errorf("parse stub_segment_size: %w", err)
		}
		stubCap = int(n)
	}

	numFuncs := tier.FuncMapStart + tier.FuncMapCount
	c, err := code.NewCode(code.Config{
		Mode:     code.ModeOnce,
		NumFuncs: numFuncs,
		Resolver: func(sym code.SymbolicAddress) uintptr {
			return 0xffff0000 + uintptr(sym)
		},
		Stubs:               stubgen.Engine{},
		StubSegmentCapacity: stubCap,
	})
	if err != nil {
		return err
	}
	if err := c.Initialize(stubs, tier); err != nil {
		return err
	}
	defer c.Close()

	c.SharedStubs().Describe(os.Stdout)
	c.BlockForTier(c.BestTier()).Describe(os.Stdout)
	codeBytes, dataBytes := c.SizeOfMisc()
	fmt.Printf("relinked ok: %s code, %s metadata\n",
		units.HumanSize(float64(codeBytes)), units.HumanSize(float64(dataBytes)))
	return nil
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Optional YAML config file")
	filename := fs.String("filename", "", "Serialized unit to dump")
	verifyStubs := fs.String("verify-stubs", "", "Shared-stubs unit for -verify-tier")
	verifyTier := fs.String("verify-tier", "", "Tier unit to relink against -verify-stubs")
	verbose := fs.Bool("verbose", false, "Print every code range")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if *verbose {
		cfg.Verbose = true
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	switch {
	case *verifyStubs != "" && *verifyTier != "":
		if err := verifyUnits(*verifyStubs, *verifyTier, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
			os.Exit(1)
		}
	case *filename != "":
		if err := dumpUnit(*filename, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	default:
		fs.Usage()
		os.Exit(1)
	}
}
