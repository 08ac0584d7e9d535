// Command rv2wasm loads an RV64 ELF binary, translates it to WebAssembly
// one basic block at a time, and runs it to completion on a wazero host
// engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/dispatch"
	"github.com/rv2wasm/corejit/engine"
	"github.com/rv2wasm/corejit/loader"
	"github.com/rv2wasm/corejit/mmu"
	"github.com/rv2wasm/corejit/state"
	"github.com/rv2wasm/corejit/translate"
)

var (
	vlen      = flag.Uint("vlen", 128, "Vector register width in bits")
	trace     = flag.Bool("trace", false, "Log a line per translated block executed")
	cacheSize = flag.Int("cache-size", 4096, "Translation cache capacity, in entries")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: rv2wasm [options] <program.elf>\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	programPath := flag.Arg(0)

	cfg := config.Default()
	cfg.VLEN = uint32(*vlen)
	cfg.Trace = *trace
	cfg.CacheCapacity = *cacheSize
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "rv2wasm: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	os.Exit(int(run(programPath, cfg)))
}

// run loads programPath under cfg and drives it to completion, returning
// the guest's exit code (or -1 on a setup failure the loop never gets a
// chance to report itself).
func run(programPath string, cfg config.Config) int64 {
	m := mmu.New(cfg)

	prog, err := loader.LoadFile(programPath, m, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rv2wasm: %v\n", err)
		return -1
	}

	st := state.New(cfg)
	st.PC = prog.EntryPoint
	st.WriteX(2, prog.InitialSP) // sp

	ctx := context.Background()
	regFileSize := translate.NewLayout(cfg).Size()
	wz := engine.New(ctx, regFileSize)
	defer func() { _ = wz.Close() }()

	loop := dispatch.NewLoop(cfg, m, st, wz)
	loop.SetBrk(highestSegmentEnd(prog, cfg))

	return loop.Run()
}

// highestSegmentEnd rounds the end of the highest-addressed loaded
// segment up to the next page, the conventional initial program break.
func highestSegmentEnd(prog *loader.Program, cfg config.Config) uint64 {
	var end uint64
	for _, seg := range prog.Segments {
		if e := seg.VirtAddr + seg.MemSize; e > end {
			end = e
		}
	}
	pageSize := uint64(cfg.PageSize)
	return (end + pageSize - 1) / pageSize * pageSize
}
