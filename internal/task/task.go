// Package task implements Process and Thread: the kernel's unit of
// address-space ownership and the unit of scheduling, respectively.
//
// Field semantics are grounded on
// original_source/Kernel/tasking/{process,thread,task}.cpp, reshaped
// into Go idiom the way the teacher reshapes its own owning/non-owning
// lifecycle pairs (hv.VirtualMachine owns hv.VirtualCPU, each vCPU holds
// a non-owning back-reference to its VM): Process owns its Threads and
// children; each Thread holds a non-owning back-pointer to its Process.
package task

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/nucleus/internal/addrspace"
	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/klog"
	"github.com/tinyrange/nucleus/internal/vfsproc"
)

var log = klog.WithSource("task")

// State is TaskState, shared by Process and Thread.
type State int

const (
	Unknown State = iota
	Ready
	Running
	Sleeping
	Blocked
	Stopped
	Waiting
	CoreDump
	Zombie
	Terminated
	Frozen
)

// ExecutionMode selects kernel vs. user privilege for a Process or Thread.
type ExecutionMode int

const (
	ModeKernel ExecutionMode = iota
	ModeUser
)

// Compatibility selects the ABI a Thread's entry point expects.
type Compatibility int

const (
	CompatNative Compatibility = iota
	CompatLinux
	CompatWindows
)

// InheritID is the UID/GID sentinel meaning "inherit from parent".
const InheritID = 0xFFFF

// Signal disposition values, keyed by signal number in Process.Signals.
type SignalDisposition int

const (
	SigTerm SignalDisposition = iota
	SigIgn
	SigCont
	SigStop
	SigCore
)

// Security is the real/effective uid/gid plus execution mode and
// criticality a Process carries.
type Security struct {
	RealUID, RealGID           uint16
	EffectiveUID, EffectiveGID uint16
	Mode                       ExecutionMode
	Critical                   bool
}

var pidCounter atomic.Uint64

// Process owns an address space (or shares the kernel's), a VMA manager,
// a program-break tracker, a file-descriptor table, and the ordered sets
// of its threads and children.
type Process struct {
	mu sync.Mutex

	ID       uint64
	Parent   *Process
	Name     string
	CwdLink  string
	ExeLink  string
	Security Security

	Signals map[int]SignalDisposition

	addressSpace *addrspace.Space
	ownsSpace    bool

	Threads  []*Thread
	Children []*Process

	FDTable       map[int]struct{}
	ProgramBreak  uint64
	State         State
	ExitCode      int
	SpawnTime     int64

	vfs *vfsproc.Tree
}

// CreateProcessInput bundles Process.Create's inputs.
type CreateProcessInput struct {
	Parent             *Process
	Name               string
	Mode               ExecutionMode
	UseKernelPageTable bool
	UID, GID           uint16
	SpawnTime          int64
}

// CreateProcess allocates a pid, creates its /proc/<pid> entry, records
// identity/security, forks an address space from the kernel root unless
// UseKernelPageTable is set, and inherits the parent's signal table.
func CreateProcess(kernelSpace *addrspace.Space, vfs *vfsproc.Tree, in CreateProcessInput) (*Process, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("task: process name must not be empty")
	}

	id := pidCounter.Add(1)

	sec := Security{Mode: in.Mode}
	if in.Parent != nil {
		sec.RealUID, sec.RealGID = in.Parent.Security.RealUID, in.Parent.Security.RealGID
		sec.EffectiveUID, sec.EffectiveGID = in.Parent.Security.EffectiveUID, in.Parent.Security.EffectiveGID
	}
	if in.UID != InheritID {
		sec.RealUID, sec.EffectiveUID = in.UID, in.UID
	}
	if in.GID != InheritID {
		sec.RealGID, sec.EffectiveGID = in.GID, in.GID
	}

	p := &Process{
		ID:        id,
		Parent:    in.Parent,
		Name:      in.Name,
		Security:  sec,
		Signals:   map[int]SignalDisposition{},
		FDTable:   map[int]struct{}{},
		State:     Waiting,
		SpawnTime: in.SpawnTime,
		vfs:       vfs,
	}

	if in.Parent != nil {
		for sig, disp := range in.Parent.Signals {
			p.Signals[sig] = disp
		}
	}

	if !in.UseKernelPageTable {
		p.addressSpace = addrspace.Fork(kernelSpace)
		p.ownsSpace = true
	} else {
		p.addressSpace = kernelSpace
		p.ownsSpace = false
	}

	if vfs != nil {
		if err := vfs.CreateProcessDir(id); err != nil {
			return nil, fmt.Errorf("task: create /proc/%d: %w", id, err)
		}
	}

	if in.Parent != nil {
		in.Parent.mu.Lock()
		in.Parent.Children = append(in.Parent.Children, p)
		in.Parent.mu.Unlock()
	}

	log.Info("created process %d (%s)", p.ID, p.Name)
	return p, nil
}

func (p *Process) Rename(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Name = name
}

func (p *Process) SetWorkingDirectory(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CwdLink = path
	if p.vfs != nil {
		return p.vfs.SetCwd(p.ID, path)
	}
	return nil
}

func (p *Process) SetExe(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExeLink = path
	if p.vfs != nil {
		return p.vfs.SetExe(p.ID, path)
	}
	return nil
}

func (p *Process) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = s
}

func (p *Process) SetExitCode(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ExitCode = code
}

// SendSignal looks up the process's disposition for sig and returns it;
// actual delivery (queuing onto a thread) is the scheduler's concern.
func (p *Process) SendSignal(sig int) SignalDisposition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.Signals[sig]; ok {
		return d
	}
	return SigTerm
}

func (p *Process) GetThread(id uint64) *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.Threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// GetSize returns cumulative allocation across the process's own address
// space, its VMAs, each thread's stacks, and each child recursively.
func (p *Process) GetSize() uint64 {
	p.mu.Lock()
	var total uint64
	if p.addressSpace != nil {
		total += p.addressSpace.Size()
	}
	for _, t := range p.Threads {
		total += t.stackSize()
	}
	children := append([]*Process{}, p.Children...)
	p.mu.Unlock()

	for _, c := range children {
		total += c.GetSize()
	}
	return total
}

// addThread appends t, deriving its id from parent.id + threads.len(),
// and propagates Ready->the single-thread state rule.
func (p *Process) addThread(t *Thread) {
	p.mu.Lock()
	t.ID = p.ID + uint64(len(p.Threads))
	p.Threads = append(p.Threads, t)
	single := len(p.Threads) == 1
	wasWaiting := p.State == Waiting
	p.mu.Unlock()

	if single && wasWaiting {
		p.SetState(Ready)
	}
}

// propagateThreadState mirrors a single thread's state/exit code onto
// its process, per the data model's "single-threaded process" rule.
func (p *Process) propagateThreadState(t *Thread, s State, exitCode int) {
	p.mu.Lock()
	solo := len(p.Threads) == 1 && p.Threads[0] == t
	p.mu.Unlock()
	if !solo {
		return
	}
	p.SetState(s)
	p.SetExitCode(exitCode)
}

// Destroy tears a process down: scheduler removal is the caller's
// responsibility (InterruptCore/Scheduler own that list); Destroy frees
// the VMA/program-break/FD table, the address space if owned, every
// child recursively, every thread, and finally detaches from its parent.
func (p *Process) Destroy() {
	p.mu.Lock()
	children := append([]*Process{}, p.Children...)
	threads := append([]*Thread{}, p.Threads...)
	owned := p.ownsSpace
	space := p.addressSpace
	parent := p.Parent
	vfs := p.vfs
	id := p.ID
	p.FDTable = nil
	p.Children = nil
	p.Threads = nil
	p.mu.Unlock()

	if owned && space != nil {
		for _, r := range space.Regions() {
			_ = space.Unmap(r.Base)
		}
	}

	for _, c := range children {
		c.Destroy()
	}
	for _, t := range threads {
		t.Destroy()
	}

	if vfs != nil {
		vfs.RemoveProcessDir(id)
	}

	if parent != nil {
		parent.mu.Lock()
		for i, c := range parent.Children {
			if c == p {
				parent.Children = append(parent.Children[:i], parent.Children[i+1:]...)
				break
			}
		}
		parent.mu.Unlock()
	}
}

// GuardedStack is a stack region bounded by unmapped sentinel pages on
// both sides, per the data model's invariant that every thread stack is
// guarded. Image, when non-nil, is the content CreateThread has already
// laid out and that must be copied into the stack's backing pages the
// first time it is mapped: the return-to-exit trampoline word for kernel
// stacks, the argv/envp/auxv bytes BuildUserStack produced for user
// stacks.
type GuardedStack struct {
	Base  uint64
	Size  uint64
	Image []byte
}

// TLSBlock describes a thread's allocated TLS image region.
type TLSBlock struct {
	PBase uint64 // physical base
	VBase uint64 // virtual base, fs:0/gs:0 points just past this
	Size  uint64
	FSize uint64 // initial-image size; Size-FSize is zero-filled BSS
}

// Thread is the unit of scheduling. ID is derived from the parent
// process's id plus the thread's ordinal, assigned by Process.addThread.
type Thread struct {
	ID      uint64
	Parent  *Process
	Name    string
	Entry   uint64
	Frame   cpuctx.Frame
	Stack   GuardedStack
	TLS     TLSBlock

	SyscallStack GuardedStack // user threads only
	GSBase       uint64
	FSBase       uint64

	SignalSet     map[int]bool
	Arch          cpuctx.Arch
	Compatibility Compatibility
	State         State
	ExitCode      int
}

// CreateThreadInput bundles Thread.Create's inputs.
type CreateThreadInput struct {
	Parent        *Process
	Entry         uint64
	Argv, Envp    []string
	Auxv          []AuxEntry
	Arch          cpuctx.Arch
	Compatibility Compatibility
	NotReady      bool

	// TLSImage, if non-nil, seeds this thread's TLS block; TLSSize is the
	// full image size (image plus zero-filled BSS) and TLSVBase is the
	// virtual address it will be mapped at.
	TLSImage []byte
	TLSSize  uint64
	TLSVBase uint64
}

// CreateThread allocates stacks appropriate to the parent's execution
// mode, builds the SysV user stack when the parent is a user process,
// and registers the thread on its parent.
func CreateThread(in CreateThreadInput) (*Thread, error) {
	if in.Parent == nil {
		return nil, fmt.Errorf("task: thread requires a parent process")
	}

	t := &Thread{
		Parent:        in.Parent,
		Entry:         in.Entry,
		Arch:          in.Arch,
		Compatibility: in.Compatibility,
		SignalSet:     map[int]bool{},
	}

	switch in.Parent.Security.Mode {
	case ModeKernel:
		trampoline := make([]byte, 8)
		binary.LittleEndian.PutUint64(trampoline, threadExitTrampoline)
		// relative top; caller relocates once mapped, matching the user
		// stack's own "top" convention below.
		t.Stack = GuardedStack{Base: defaultKernelStackSize, Size: defaultKernelStackSize, Image: trampoline}
	case ModeUser:
		t.Stack = GuardedStack{Size: defaultUserStackSize}
		t.SyscallStack = GuardedStack{Size: defaultSyscallStackSize}

		top := t.Stack.Size // relative top; caller relocates once mapped
		sp, image := BuildUserStack(top, in.Argv, in.Envp, in.Auxv)
		t.Stack.Base = sp
		t.Stack.Image = image
	}

	t.buildFrame(in.Parent.Security.Mode, in.Argv, in.Envp)

	if in.TLSVBase != 0 {
		image, selfPtr := BuildTLSImage(in.TLSVBase, in.TLSImage, in.TLSSize)
		t.TLS = TLSBlock{
			VBase: in.TLSVBase,
			Size:  uint64(len(image)) - 8,
			FSize: uint64(len(in.TLSImage)),
		}
		t.FSBase = selfPtr
		t.GSBase = selfPtr
	}

	state := Ready
	if in.NotReady {
		state = Waiting
	}
	t.State = state

	in.Parent.addThread(t)
	return t, nil
}

const (
	defaultKernelStackSize  = 16 * 1024
	defaultUserStackSize    = 256 * 1024
	defaultSyscallStackSize = 16 * 1024
)

func (t *Thread) stackSize() uint64 {
	return t.Stack.Size + t.SyscallStack.Size + t.TLS.Size
}

// SetState updates the thread's state, propagating it onto the parent
// when the parent has exactly this one thread.
func (t *Thread) SetState(s State) {
	t.State = s
	if t.Parent != nil {
		t.Parent.propagateThreadState(t, s, t.ExitCode)
	}
}

// SetExitCode updates the thread's exit code with the same propagation.
func (t *Thread) SetExitCode(code int) {
	t.ExitCode = code
	if t.Parent != nil {
		t.Parent.propagateThreadState(t, t.State, code)
	}
}

// Destroy removes t from its parent's thread list and frees its stacks.
func (t *Thread) Destroy() {
	if t.Parent != nil {
		t.Parent.mu.Lock()
		for i, o := range t.Parent.Threads {
			if o == t {
				t.Parent.Threads = append(t.Parent.Threads[:i], t.Parent.Threads[i+1:]...)
				break
			}
		}
		t.Parent.mu.Unlock()
	}
	t.Stack = GuardedStack{}
	t.SyscallStack = GuardedStack{}
	t.Name = ""
}
