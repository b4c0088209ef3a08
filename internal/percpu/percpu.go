// Package percpu models the per-CPU data block every core consults on
// every interrupt and scheduler tick: its current process and thread, its
// private kernel stack, and the LAPIC/timer pair it owns.
//
// On bare metal this is a single struct loaded through GS_BASE (`mov
// rax, gs:[0]` to fetch the current Thread pointer in O(1) with no lock).
// This hosted core has no inline assembly and no real GS segment, so the
// block is kept in a slice indexed by CPU id instead — the one place
// documented in DESIGN.md where this core cannot reproduce the bare-metal
// mechanism. The real load would sit in CurrentThread/CurrentProcess below,
// commented where it would go.
package percpu

import (
	"fmt"
	"sync"

	"github.com/tinyrange/nucleus/internal/apic"
	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/task"
)

// Block is one CPU's private data.
type Block struct {
	ID int

	Context cpuctx.Context

	LAPIC *apic.Controller
	Timer *apic.Timer

	KernelStack []byte

	mu      sync.Mutex
	process *task.Process
	thread  *task.Thread
}

// Table is the per-CPU data block array, indexed by CPU id.
type Table struct {
	mu     sync.RWMutex
	blocks []*Block
}

// NewTable allocates an empty Table for numCPUs cores.
func NewTable(numCPUs int) *Table {
	if numCPUs <= 0 {
		numCPUs = 1
	}
	return &Table{blocks: make([]*Block, numCPUs)}
}

// Install registers cpu's Block, replacing any prior one.
func (t *Table) Install(cpu int, b *Block) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cpu < 0 || cpu >= len(t.blocks) {
		return fmt.Errorf("percpu: cpu %d out of range [0,%d)", cpu, len(t.blocks))
	}
	b.ID = cpu
	t.blocks[cpu] = b
	return nil
}

// Get returns cpu's Block, or nil if none is installed.
func (t *Table) Get(cpu int) *Block {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cpu < 0 || cpu >= len(t.blocks) {
		return nil
	}
	return t.blocks[cpu]
}

// NumCPUs reports the table's fixed size.
func (t *Table) NumCPUs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.blocks)
}

// CurrentProcess returns the process this block's CPU is currently
// executing. On bare metal this would be `mov rax, gs:[offsetof(Process)]`;
// here it is a locked field read.
func (b *Block) CurrentProcess() *task.Process {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.process
}

// CurrentThread returns the thread this block's CPU is currently running.
func (b *Block) CurrentThread() *task.Thread {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thread
}

// SetCurrent updates this block's current process/thread pair, called by
// the scheduler immediately before resuming a thread's frame.
func (b *Block) SetCurrent(p *task.Process, th *task.Thread) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.process = p
	b.thread = th
}
