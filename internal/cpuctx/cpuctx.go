package cpuctx

import "sync/atomic"

// InterruptOp selects the operation Context.Interrupts performs.
type InterruptOp int

const (
	Check InterruptOp = iota
	Enable
	Disable
)

// Context is the thin capability CpuContext exposes to the rest of the
// kernel: interrupt-enable control, halting, page-table get-or-swap, a
// monotonic tick counter, and FPU/SSE state save/restore. Interrupts(Check)
// must reflect the actual hardware enable state, and Enable/Disable must
// not be reorderable across adjacent memory accesses (enforced here by
// routing every call through an atomic, which the Go memory model gives a
// happens-before edge to surrounding atomic accesses).
type Context interface {
	Interrupts(op InterruptOp) bool
	Pause()
	Halt(loop bool)
	Stop()
	PageTable(newRoot *uint64) uint64
	Counter() uint64
	SaveFPState() ([512]byte, error)
	RestoreFPState(state [512]byte) error
}

// SoftContext is the software-backed Context this hosted kernel core uses
// both in tests and as the reference implementation: every operation that
// would be a privileged instruction on bare metal (cli/sti, hlt, mov
// cr3, fxsave/fxrstor) is a plain Go field, mostly atomic, the same boundary
// the teacher draws between its VirtualCPU interface and a real
// ioctl-backed implementation.
type SoftContext struct {
	id int

	interruptsEnabled atomic.Bool
	pageTableRoot     atomic.Uint64
	tick              atomic.Uint64
	halted            atomic.Bool
	stopped           atomic.Bool
	fpState           [512]byte
}

// NewSoftContext returns a SoftContext for per-CPU id, starting with
// interrupts enabled, matching a freshly booted core.
func NewSoftContext(id int) *SoftContext {
	c := &SoftContext{id: id}
	c.interruptsEnabled.Store(true)
	return c
}

func (c *SoftContext) Interrupts(op InterruptOp) bool {
	switch op {
	case Enable:
		c.interruptsEnabled.Store(true)
		return true
	case Disable:
		prev := c.interruptsEnabled.Swap(false)
		return prev
	default: // Check
		return c.interruptsEnabled.Load()
	}
}

func (c *SoftContext) Pause() {}

func (c *SoftContext) Halt(loop bool) {
	c.halted.Store(true)
	if !loop {
		return
	}
	// A real core spins on `hlt` forever here; tests observe Halted()
	// instead of blocking so the host process can still exit.
}

// Halted reports whether Halt was called, for tests that need to observe
// the "halt this core" IPI path without actually blocking.
func (c *SoftContext) Halted() bool { return c.halted.Load() }

func (c *SoftContext) Stop() {
	c.stopped.Store(true)
}

func (c *SoftContext) Stopped() bool { return c.stopped.Load() }

// PageTable gets the current root, swapping in newRoot if non-nil, and
// always returns the prior root — the get-or-swap contract §4.2 requires
// for scoped kernel-page-table acquisition in InterruptCore.
func (c *SoftContext) PageTable(newRoot *uint64) uint64 {
	if newRoot == nil {
		return c.pageTableRoot.Load()
	}
	return c.pageTableRoot.Swap(*newRoot)
}

func (c *SoftContext) Counter() uint64 {
	return c.tick.Add(1)
}

func (c *SoftContext) SaveFPState() ([512]byte, error) {
	return c.fpState, nil
}

func (c *SoftContext) RestoreFPState(state [512]byte) error {
	c.fpState = state
	return nil
}

var _ Context = (*SoftContext)(nil)

// SMAPGuard is the RAII-style scoped SMAP toggle §4.1 and §9 require: any
// early return from the guarded region must still clac. Callers `defer`
// the returned Close.
type SMAPGuard struct {
	active bool
}

// EnterSMAP stacs if smapActive, returning a guard whose Close clacs.
// When smapActive is false the guard is a no-op, matching the original
// allocator's SMAPUsed gate.
func EnterSMAP(smapActive bool) *SMAPGuard {
	g := &SMAPGuard{active: smapActive}
	if g.active {
		stac()
	}
	return g
}

func (g *SMAPGuard) Close() error {
	if g.active {
		clac()
	}
	return nil
}

// stac and clac are no-ops in this hosted build; on bare metal they would
// each lower to a single `stac`/`clac` instruction. Kept as named functions
// (rather than inlined into EnterSMAP/Close) so a platform build can
// replace them with the real instructions behind a build tag without
// touching SMAPGuard's call sites.
func stac() {}
func clac() {}
