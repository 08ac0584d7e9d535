package dispatch_test

import (
	"encoding/binary"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rv2wasm/corejit/config"
	"github.com/rv2wasm/corejit/dispatch"
	"github.com/rv2wasm/corejit/mmu"
	"github.com/rv2wasm/corejit/riscv"
	"github.com/rv2wasm/corejit/state"
	"github.com/rv2wasm/corejit/translate"
	"github.com/rv2wasm/corejit/wasmgen"
)

// mapProgram encodes each instruction into a freshly allocated page and
// maps it into m at addr as executable, the same helper translate's own
// tests use to drive a real mmu.MMU off hand-assembled instructions.
func mapProgram(cfg config.Config, m *mmu.MMU, addr uint64, insts ...*riscv.Inst) {
	page := make([]byte, cfg.PageSize)
	off := 0
	for _, in := range insts {
		binary.LittleEndian.PutUint32(page[off:], riscv.Encode(in))
		off += 4
	}
	m.MapPage(addr, page, mmu.PermExec|mmu.PermRead)
}

// fakeBlock lets a test script the outcome of calling a translated
// block without needing a real wasm engine to run its bytecode: dispatch
// only ever interacts with a Block through the Engine/Block interfaces,
// so a test double satisfying them exercises the dispatcher's own logic
// independent of wasm execution.
type fakeBlock struct {
	entryName string
	host      dispatch.HostImports
	run       func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error)
	closed    bool
}

func (b *fakeBlock) Call(regFile []byte) ([]byte, int64, error) {
	return b.run(b.host, regFile)
}

func (b *fakeBlock) Close() error {
	b.closed = true
	return nil
}

// fakeEngine installs a scripted fakeBlock for every module, keyed by
// entry name so a test can give each translated PC its own behavior.
type fakeEngine struct {
	mu       sync.Mutex
	scripts  map[string]func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error)
	installs int
	blocks   []*fakeBlock
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{scripts: make(map[string]func(dispatch.HostImports, []byte) ([]byte, int64, error))}
}

func (e *fakeEngine) on(entryName string, run func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[entryName] = run
}

func (e *fakeEngine) Install(mod *wasmgen.Module, entryName string, host dispatch.HostImports) (dispatch.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installs++
	run, ok := e.scripts[entryName]
	if !ok {
		// Default: report a plain continue with successor PC 0, rather than
		// advancing past the covered block.
		run = func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonContinue, 0), nil
		}
	}
	b := &fakeBlock{entryName: entryName, host: host, run: run}
	e.blocks = append(e.blocks, b)
	return b, nil
}

var _ = Describe("Loop", func() {
	var (
		cfg config.Config
		m   *mmu.MMU
		st  *state.State
	)

	BeforeEach(func() {
		cfg = config.Default()
		m = mmu.New(cfg)
		st = state.New(cfg)
	})

	It("advances the PC and keeps stepping on a continue reason", func() {
		mapProgram(cfg, m, 0x1000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
		)
		st.PC = 0x1000

		engine := newFakeEngine()
		engine.on(wasmgen.FunctionName(0x1000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonContinue, 0x2000), nil
		})

		l := dispatch.NewLoop(cfg, m, st, engine)
		result := l.Step()
		Expect(result.Err).NotTo(HaveOccurred())
		Expect(result.Exited).To(BeFalse())
		Expect(st.PC).To(Equal(uint64(0x2000)))
	})

	It("reuses the cached translation for a PC it has already resolved", func() {
		mapProgram(cfg, m, 0x1000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
		)
		st.PC = 0x1000

		engine := newFakeEngine()
		engine.on(wasmgen.FunctionName(0x1000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonContinue, 0x1000), nil
		})

		l := dispatch.NewLoop(cfg, m, st, engine)
		l.Step()
		st.PC = 0x1000
		l.Step()

		Expect(engine.installs).To(Equal(1))
	})

	It("exits with the guest's exit code on an exit syscall", func() {
		mapProgram(cfg, m, 0x3000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 17, Rs1: 0, Imm: 93},
			&riscv.Inst{Class: riscv.ClassSystem, Op: riscv.OpEcall, TerminatesBlock: true},
		)
		st.PC = 0x3000
		st.WriteX(10, 7) // exit code

		engine := newFakeEngine()
		engine.on(wasmgen.FunctionName(0x3000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonSyscall, 0x3008), nil
		})

		l := dispatch.NewLoop(cfg, m, st, engine)
		Expect(l.Run()).To(Equal(int64(7)))
	})

	It("applies an sfence and clears the LR/SC reservation on a fence reason", func() {
		mapProgram(cfg, m, 0x4000,
			&riscv.Inst{Class: riscv.ClassSystem, Op: riscv.OpSfenceVMA, TerminatesBlock: true},
		)
		st.PC = 0x4000
		st.Reservation = state.Reservation{Addr: 0x9000, Valid: true}

		engine := newFakeEngine()
		engine.on(wasmgen.FunctionName(0x4000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonFence, 0x4004), nil
		})

		l := dispatch.NewLoop(cfg, m, st, engine)
		result := l.Step()
		Expect(result.Exited).To(BeFalse())
		Expect(st.Reservation.Valid).To(BeFalse())
	})

	It("terminates with exit code -1 and a non-nil error on a trap reason", func() {
		mapProgram(cfg, m, 0x5000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
		)
		st.PC = 0x5000

		engine := newFakeEngine()
		engine.on(wasmgen.FunctionName(0x5000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonTrap, 0x5000), nil
		})

		l := dispatch.NewLoop(cfg, m, st, engine)
		Expect(l.Run()).To(Equal(int64(-1)))
	})

	It("terminates on an illegal-instruction reason", func() {
		mapProgram(cfg, m, 0x6000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
		)
		st.PC = 0x6000

		engine := newFakeEngine()
		engine.on(wasmgen.FunctionName(0x6000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonIllegal, 0x6000), nil
		})

		l := dispatch.NewLoop(cfg, m, st, engine)
		result := l.Step()
		Expect(result.Exited).To(BeTrue())
		Expect(result.ExitCode).To(Equal(int64(-1)))
		Expect(result.Err).To(HaveOccurred())
	})

	It("stops at the next block boundary once Cancel is called", func() {
		mapProgram(cfg, m, 0x7000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
		)
		st.PC = 0x7000

		l := dispatch.NewLoop(cfg, m, st, newFakeEngine())
		l.Cancel()
		result := l.Step()

		Expect(result.Exited).To(BeTrue())
		Expect(result.ExitCode).To(Equal(int64(-1)))
		Expect(errors.Is(result.Err, dispatch.ErrCanceled)).To(BeTrue())
	})

	It("invalidates a cached translation when a store lands on its executable page", func() {
		mapProgram(cfg, m, 0x8000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 1, Rs1: 0, Imm: 1},
		)
		mapProgram(cfg, m, 0x9000,
			&riscv.Inst{Class: riscv.ClassALUI, Op: riscv.OpAddi, Rd: 2, Rs1: 0, Imm: 1},
		)
		// 0x9000's page must also be writable for the store to land.
		codePage, _, err := m.TranslateExec(0x9000)
		Expect(err).NotTo(HaveOccurred())
		m.MapPage(0x9000, codePage.Data, mmu.PermExec|mmu.PermRead|mmu.PermWrite)
		st.PC = 0x9000

		engine := newFakeEngine()
		// Resolving 0x8000's block simulates a self-modifying store that
		// overwrites the instruction at 0x9000, then continues to it.
		engine.on(wasmgen.FunctionName(0x8000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			host.StoreGuest(0x9000, 4, 0)
			return regFile, translate.PackResult(translate.ReasonContinue, 0x9000), nil
		})
		engine.on(wasmgen.FunctionName(0x9000), func(host dispatch.HostImports, regFile []byte) ([]byte, int64, error) {
			return regFile, translate.PackResult(translate.ReasonContinue, 0x9004), nil
		})

		l := dispatch.NewLoop(cfg, m, st, engine)
		l.Step() // resolves 0x9000 for the first time -- one install
		st.PC = 0x8000
		l.Step() // resolves and runs 0x8000, which stores into 0x9000's page
		Expect(engine.installs).To(Equal(2))

		st.PC = 0x9000
		l.Step() // must re-resolve since the store invalidated it
		Expect(engine.installs).To(Equal(3))
	})
})
