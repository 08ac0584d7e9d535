package dispatch

import "github.com/rv2wasm/corejit/wasmgen"

// HostImports are the Go implementations of the five functions every
// translated module imports under translate.ImportModule. Loop builds one
// of these per hart, closing over its own mmu.MMU and state.State, and
// hands it to Engine.Install so the host wasm runtime can bind it into
// the module's "env" namespace.
type HostImports struct {
	// LoadGuest loads size bytes (1, 2, 4, or 8) from guest memory at
	// addr, sign-extending to 64 bits when signed != 0, and zero-
	// extending otherwise. A fault sets the sticky fault flag Faulted
	// observes and the return value is unspecified.
	LoadGuest func(addr uint64, size, signed int32) int64

	// StoreGuest stores the low size bytes of value to guest memory at
	// addr. A fault sets the sticky fault flag.
	StoreGuest func(addr uint64, size int32, value int64)

	// Faulted reports whether the most recent LoadGuest/StoreGuest call
	// faulted, and clears the flag. Lowered code calls this immediately
	// after every guest memory access and branches to a trap exit when it
	// returns non-zero.
	Faulted func() int32

	// LrMark records addr as the hart's outstanding LR/SC reservation.
	LrMark func(addr uint64)

	// ScCheck reports whether addr matches the outstanding reservation
	// (1) or not (0), consuming the reservation either way, per the SC
	// semantics of succeeding or failing exactly once.
	ScCheck func(addr uint64) int32
}

// Block is one compiled translation installed in the host wasm engine,
// ready to be invoked repeatedly against successive register-file
// snapshots.
type Block interface {
	// Call runs the block once against regFile, the register-file buffer
	// translate.Layout.Marshal produced, and returns the buffer after the
	// block's writes (an engine may mutate regFile in place and return it
	// unchanged, or return a fresh buffer — callers must use the
	// returned one) along with the packed reason|successor-PC result
	// translate.UnpackResult decodes.
	Call(regFile []byte) (updated []byte, packed int64, err error)

	// Close releases any engine-side resources (compiled code, module
	// instances) backing this block. Called when the translation cache
	// evicts the entry this Block is installed under.
	Close() error
}

// Engine is implemented by the caller-supplied host wasm runtime that
// actually executes translated code. Wiring a concrete engine to this
// interface — compiling wasmgen's binary output, resolving its "env"
// imports against a HostImports value, running the compiled function —
// is left to the caller (package engine provides a wazero-backed one);
// dispatch only defines the contract a translated block's execution
// requires.
type Engine interface {
	// Install compiles mod and returns a Block that runs the function
	// exported under entryName, with mod's "env" imports bound to host.
	Install(mod *wasmgen.Module, entryName string, host HostImports) (Block, error)
}
