// Package dispatch ties the translation cache, basic-block translator,
// and a caller-supplied host wasm engine into a running dispatch loop: it
// resolves the current PC to a compiled block (translating on a cache
// miss), invokes it, interprets the packed reason code, and services the
// guest's Linux RV64 syscalls in between blocks.
package dispatch

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/mmu"
	"github.com/rv2wasm/corejit/state"
	"github.com/rv2wasm/corejit/tcache"
	"github.com/rv2wasm/corejit/translate"
)

// StepResult reports the outcome of running one translated block (per-block
// rather than per-instruction, since this dispatcher never interprets
// individual instructions itself).
type StepResult struct {
	// Exited is true if the program terminated.
	Exited bool

	// ExitCode is the guest exit status if Exited is true.
	ExitCode int64

	// Err is set if something went wrong running the block: a
	// translation/install failure, or a guest-visible fault that has no
	// further meaningful recovery (in which case Exited is also true and
	// ExitCode is -1).
	Err error
}

// Loop drives a single RV64 guest hart to completion.
type Loop struct {
	cfg    config.Config
	mmu    *mmu.MMU
	state  *state.State
	tr     *translate.Translator
	cache  *tcache.Cache
	engine Engine
	bridge *hostBridge
	fds    *FDTable

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	trace  io.Writer

	brk      uint64
	canceled atomic.Bool
}

// NewLoop builds a Loop for one hart. st's PC should already be set to
// the program's entry point (loader.Program.EntryPoint) before the first
// call to Run or Step.
func NewLoop(cfg config.Config, m *mmu.MMU, st *state.State, engine Engine) *Loop {
	l := &Loop{
		cfg:    cfg,
		mmu:    m,
		state:  st,
		tr:     translate.New(cfg),
		cache:  tcache.New(cfg),
		engine: engine,
		fds:    NewFDTable(),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	l.bridge = newHostBridge(m, st, l.cache.InvalidateRange)
	if cfg.Trace {
		l.trace = os.Stderr
	}
	return l
}

// SetStdin sets the reader backing guest reads from fd 0.
func (l *Loop) SetStdin(r io.Reader) { l.stdin = r }

// SetStdout sets the writer backing guest writes to fd 1.
func (l *Loop) SetStdout(w io.Writer) { l.stdout = w }

// SetStderr sets the writer backing guest writes to fd 2.
func (l *Loop) SetStderr(w io.Writer) { l.stderr = w }

// SetTrace sets the writer per-block trace lines are written to,
// overriding the default (os.Stderr when cfg.Trace is set, nothing
// otherwise).
func (l *Loop) SetTrace(w io.Writer) { l.trace = w }

// SetBrk initializes the program break, normally to the first page
// boundary above the highest loaded segment.
func (l *Loop) SetBrk(addr uint64) { l.brk = addr }

// Cancel requests the loop stop at the next block boundary. Safe to call
// from another goroutine; Step and Run check it between blocks, never
// mid-block, since a translated block runs to completion inside the host
// engine once called.
func (l *Loop) Cancel() { l.canceled.Store(true) }

// Step resolves and runs exactly one translated block.
func (l *Loop) Step() StepResult {
	if l.canceled.Load() {
		return StepResult{Exited: true, ExitCode: -1, Err: ErrCanceled}
	}

	pc := l.state.PC
	block, res, err := l.resolve(pc)
	if err != nil {
		return StepResult{Err: err}
	}

	layout := l.tr.Layout()
	regBuf := layout.Marshal(l.state)
	updated, packed, err := block.Call(regBuf)
	if err != nil {
		return StepResult{Err: fmt.Errorf("dispatch: running block at pc=0x%x: %w", pc, err)}
	}
	layout.Unmarshal(updated, l.state)

	reason, next := translate.UnpackResult(packed)
	l.state.PC = next

	if l.trace != nil {
		fmt.Fprintf(l.trace, "pc=0x%x reason=%s next=0x%x covered=[0x%x,0x%x)\n",
			pc, reason, next, res.Covered.Start, res.Covered.End)
	}

	switch reason {
	case translate.ReasonContinue:
		return StepResult{}
	case translate.ReasonSyscall:
		out := l.syscall()
		if out.exited {
			return StepResult{Exited: true, ExitCode: out.exitCode}
		}
		return StepResult{}
	case translate.ReasonDebug:
		// No debugger is attached; resume, matching ebreak's usual
		// "continue unless something is watching" default.
		return StepResult{}
	case translate.ReasonFence:
		l.mmu.Sfence()
		l.state.Reservation = state.Reservation{}
		return StepResult{}
	case translate.ReasonTrap:
		return StepResult{Exited: true, ExitCode: -1,
			Err: fmt.Errorf("dispatch: guest memory fault at pc=0x%x", next)}
	case translate.ReasonAborted:
		return StepResult{Exited: true, ExitCode: -1,
			Err: fmt.Errorf("dispatch: host engine aborted block at pc=0x%x", pc)}
	case translate.ReasonIllegal:
		return StepResult{Exited: true, ExitCode: -1,
			Err: fmt.Errorf("dispatch: illegal instruction at pc=0x%x", pc)}
	default:
		return StepResult{Exited: true, ExitCode: -1,
			Err: fmt.Errorf("dispatch: unrecognized reason code %v at pc=0x%x", reason, pc)}
	}
}

// Run steps the loop until the guest exits or a fatal error occurs,
// returning the process exit code -- -1 for anything that isn't a clean
// guest exit.
func (l *Loop) Run() int64 {
	for {
		result := l.Step()
		if result.Err != nil {
			fmt.Fprintf(l.stderr, "dispatch: %v\n", result.Err)
		}
		if result.Exited {
			return result.ExitCode
		}
		if result.Err != nil {
			return -1
		}
	}
}

// resolve looks up the translation cache for pc under the hart's current
// vtype, translating and installing into the host engine on a miss.
func (l *Loop) resolve(pc uint64) (Block, *translate.Result, error) {
	key := tcache.Key{PC: pc, VtypeFingerprint: l.state.VectorFingerprint()}
	if e, ok := l.cache.Lookup(key); ok {
		return e.Handle.(Block), e.Result, nil
	}

	res, err := l.tr.Translate(pc, l.mmu, l.state.Vtype())
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: translating block at pc=0x%x: %w", pc, err)
	}

	block, err := l.engine.Install(res.Module, res.EntryName, l.bridge.imports())
	if err != nil {
		return nil, nil, fmt.Errorf("dispatch: installing translation at pc=0x%x: %w", pc, err)
	}

	entry := l.cache.Insert(key, &tcache.Entry{Result: res, Handle: block})
	if entry.Handle != block {
		// Lost a race to install the same key (only possible once this
		// dispatcher shares a cache across harts); the winning
		// translation is just as valid, so drop ours.
		_ = block.Close()
	}
	return entry.Handle.(Block), entry.Result, nil
}
