// Package sched defines the Scheduler interface and a reference
// RoundRobin implementation.
//
// spec.md's non-goal "pluggable scheduling policies" means the kernel
// core depends only on the interface; RoundRobin exists to exercise it
// end to end the way the teacher's internal/hv package depends only on
// its own VirtualCPU interface while a concrete backend (kvm/hvf/whp)
// supplies the implementation.
package sched

import (
	"fmt"
	"sync"

	"github.com/tinyrange/nucleus/internal/addrspace"
	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/task"
	"github.com/tinyrange/nucleus/internal/vfsproc"
)

// Scheduler is the polymorphic contract the rest of the kernel schedules
// work through.
type Scheduler interface {
	PushProcess(p *task.Process)
	PopProcess(p *task.Process)

	CurrentProcess(cpu int) *task.Process
	CurrentThread(cpu int) *task.Thread

	ProcessByID(id uint64) *task.Process
	ThreadByID(id uint64, parent *task.Process) *task.Thread
	ListProcesses() []*task.Process

	Yield(cpu int)
	StartScheduler() error
	StartIdleProcess() (*task.Process, error)

	// OnInterruptReceived is the scheduler tick ObjectHandler registered
	// on the scheduler vector; frame lets the implementation change the
	// page-table root to resume a different address space on iret.
	OnInterruptReceived(frame cpuctx.Frame)

	Stop()
	Stopped() bool
}

// RoundRobin is the reference Scheduler: one ready queue shared by all
// CPUs, picked round-robin; a tick advances CPU 0.
type RoundRobin struct {
	mu sync.Mutex

	numCPUs int
	ready   []*task.Process
	current []*task.Process // indexed by cpu

	stopped bool

	idleKernelSpace *addrspace.Space
	idleVFS         *vfsproc.Tree
	idleEntry       uint64
}

// NewRoundRobin returns a RoundRobin scheduler for numCPUs logical CPUs.
func NewRoundRobin(numCPUs int) *RoundRobin {
	if numCPUs <= 0 {
		numCPUs = 1
	}
	return &RoundRobin{numCPUs: numCPUs, current: make([]*task.Process, numCPUs)}
}

// ConfigureIdleProcess records the kernel address space, VFS tree, and
// thread entry point StartIdleProcess needs to create the kernel idle
// process itself, rather than requiring the caller to do so by hand.
func (s *RoundRobin) ConfigureIdleProcess(kernelSpace *addrspace.Space, vfs *vfsproc.Tree, entry uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idleKernelSpace = kernelSpace
	s.idleVFS = vfs
	s.idleEntry = entry
}

func (s *RoundRobin) PushProcess(p *task.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready = append(s.ready, p)
}

func (s *RoundRobin) PopProcess(p *task.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.ready {
		if q == p {
			s.ready = append(s.ready[:i], s.ready[i+1:]...)
			return
		}
	}
}

func (s *RoundRobin) CurrentProcess(cpu int) *task.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cpu < 0 || cpu >= len(s.current) {
		return nil
	}
	return s.current[cpu]
}

func (s *RoundRobin) CurrentThread(cpu int) *task.Thread {
	p := s.CurrentProcess(cpu)
	if p == nil || len(p.Threads) == 0 {
		return nil
	}
	return p.Threads[0]
}

func (s *RoundRobin) ProcessByID(id uint64) *task.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ready {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (s *RoundRobin) ThreadByID(id uint64, parent *task.Process) *task.Thread {
	if parent == nil {
		return nil
	}
	return parent.GetThread(id)
}

func (s *RoundRobin) ListProcesses() []*task.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Process, len(s.ready))
	copy(out, s.ready)
	return out
}

// Yield voluntarily rotates cpu's ready queue, advancing to the next
// process without waiting for a tick.
func (s *RoundRobin) Yield(cpu int) {
	s.advance(cpu)
}

func (s *RoundRobin) StartScheduler() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return fmt.Errorf("sched: cannot start with an empty ready queue")
	}
	for cpu := range s.current {
		s.current[cpu] = s.ready[cpu%len(s.ready)]
	}
	return nil
}

// StartIdleProcess creates the kernel idle process — the same
// task.CreateProcess/task.CreateThread pair a caller would otherwise have
// to perform by hand before ever touching the scheduler — and pushes it
// onto the ready queue so there is always something to run. Callers must
// call ConfigureIdleProcess first to supply the kernel address space, VFS
// tree, and idle thread entry point.
func (s *RoundRobin) StartIdleProcess() (*task.Process, error) {
	s.mu.Lock()
	kernelSpace, vfs := s.idleKernelSpace, s.idleVFS
	entry := s.idleEntry
	s.mu.Unlock()

	if kernelSpace == nil || vfs == nil {
		return nil, fmt.Errorf("sched: StartIdleProcess requires ConfigureIdleProcess to be called first with a kernel address space and VFS tree")
	}

	idle, err := task.CreateProcess(kernelSpace, vfs, task.CreateProcessInput{
		Name:               "idle",
		Mode:               task.ModeKernel,
		UseKernelPageTable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("sched: create idle process: %w", err)
	}
	if _, err := task.CreateThread(task.CreateThreadInput{Parent: idle, Entry: entry}); err != nil {
		return nil, fmt.Errorf("sched: create idle thread: %w", err)
	}

	s.PushProcess(idle)
	return idle, nil
}

// OnInterruptReceived implements the scheduler tick ObjectHandler irq.Core
// dispatches SchedulerVector to.
func (s *RoundRobin) OnInterruptReceived(frame cpuctx.Frame) {
	if s.Stopped() {
		return
	}
	s.advance(0)
}

func (s *RoundRobin) advance(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 || cpu < 0 || cpu >= len(s.current) {
		return
	}
	cur := s.current[cpu]
	idx := 0
	for i, p := range s.ready {
		if p == cur {
			idx = i
			break
		}
	}
	s.current[cpu] = s.ready[(idx+1)%len(s.ready)]
}

// Stop trips the stop_scheduler flag, halting all future scheduling —
// called on panic.
func (s *RoundRobin) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

func (s *RoundRobin) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

var _ Scheduler = (*RoundRobin)(nil)
