package task

import (
	"testing"

	"github.com/tinyrange/nucleus/internal/addrspace"
	"github.com/tinyrange/nucleus/internal/vfsproc"
)

func newKernelAndVFS() (*addrspace.Space, *vfsproc.Tree) {
	return addrspace.NewKernel(), vfsproc.NewTree()
}

func TestCreateProcessRejectsEmptyName(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	if _, err := CreateProcess(kernel, vfs, CreateProcessInput{Name: ""}); err == nil {
		t.Fatalf("expected error for empty process name")
	}
}

func TestCreateProcessCreatesProcDirAndSecurity(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, err := CreateProcess(kernel, vfs, CreateProcessInput{Name: "init", Mode: ModeUser, UID: 1000, GID: 1000})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if p.Security.RealUID != 1000 || p.Security.EffectiveUID != 1000 {
		t.Fatalf("expected uid 1000, got %+v", p.Security)
	}
	if _, ok := vfs.Cwd(p.ID); !ok {
		t.Fatalf("expected /proc/%d to exist", p.ID)
	}
}

func TestCreateProcessInheritsParentSecurityAndSignals(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	parent, err := CreateProcess(kernel, vfs, CreateProcessInput{Name: "parent", Mode: ModeUser, UID: 42, GID: 42})
	if err != nil {
		t.Fatalf("CreateProcess parent: %v", err)
	}
	parent.Signals[9] = SigCore

	child, err := CreateProcess(kernel, vfs, CreateProcessInput{
		Parent: parent, Name: "child", Mode: ModeUser, UID: InheritID, GID: InheritID,
	})
	if err != nil {
		t.Fatalf("CreateProcess child: %v", err)
	}
	if child.Security.RealUID != 42 {
		t.Fatalf("expected inherited uid 42, got %d", child.Security.RealUID)
	}
	if child.Signals[9] != SigCore {
		t.Fatalf("expected inherited signal disposition, got %v", child.Signals[9])
	}
	if len(parent.Children) != 1 || parent.Children[0] != child {
		t.Fatalf("expected child registered on parent")
	}
}

func TestCreateProcessUseKernelPageTableSharesAddressSpace(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, err := CreateProcess(kernel, vfs, CreateProcessInput{Name: "idle", Mode: ModeKernel, UseKernelPageTable: true})
	if err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}
	if p.addressSpace != kernel {
		t.Fatalf("expected process to share the kernel address space")
	}
	if p.ownsSpace {
		t.Fatalf("expected ownsSpace false when sharing the kernel page table")
	}
}

func TestCreateThreadKernelModeUsesKernelStackSize(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "k", Mode: ModeKernel, UseKernelPageTable: true})
	th, err := CreateThread(CreateThreadInput{Parent: p})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.Stack.Size != defaultKernelStackSize {
		t.Fatalf("expected kernel stack size %d, got %d", defaultKernelStackSize, th.Stack.Size)
	}
	if th.State != Ready {
		t.Fatalf("expected thread state Ready, got %v", th.State)
	}
}

func TestCreateThreadUserModeBuildsUserStack(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "u", Mode: ModeUser})
	th, err := CreateThread(CreateThreadInput{
		Parent: p,
		Argv:   []string{"/bin/init"},
		Envp:   []string{"HOME=/root"},
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if th.Stack.Size != defaultUserStackSize {
		t.Fatalf("expected user stack size %d, got %d", defaultUserStackSize, th.Stack.Size)
	}
	if th.SyscallStack.Size != defaultSyscallStackSize {
		t.Fatalf("expected syscall stack size %d, got %d", defaultSyscallStackSize, th.SyscallStack.Size)
	}
	if th.Stack.Base%16 != 0 {
		t.Fatalf("expected 16-byte aligned stack pointer, got %#x", th.Stack.Base)
	}
}

func TestAddThreadDerivesIDAndPromotesProcessToReady(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "p", Mode: ModeKernel, UseKernelPageTable: true})
	if p.State != Waiting {
		t.Fatalf("expected initial state Waiting, got %v", p.State)
	}
	th, _ := CreateThread(CreateThreadInput{Parent: p})
	if th.ID != p.ID {
		t.Fatalf("expected first thread id == parent id, got %d vs %d", th.ID, p.ID)
	}
	if p.State != Ready {
		t.Fatalf("expected process promoted to Ready after first thread, got %v", p.State)
	}

	th2, _ := CreateThread(CreateThreadInput{Parent: p})
	if th2.ID != p.ID+1 {
		t.Fatalf("expected second thread id == parent id + 1, got %d", th2.ID)
	}
}

func TestSingleThreadStatePropagatesToProcess(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "solo", Mode: ModeKernel, UseKernelPageTable: true})
	th, _ := CreateThread(CreateThreadInput{Parent: p})

	th.SetExitCode(7)
	th.SetState(Zombie)
	if p.State != Zombie {
		t.Fatalf("expected process state to mirror its sole thread, got %v", p.State)
	}
	if p.ExitCode != 7 {
		t.Fatalf("expected process exit code 7, got %d", p.ExitCode)
	}
}

func TestMultiThreadStateDoesNotPropagate(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "multi", Mode: ModeKernel, UseKernelPageTable: true})
	th1, _ := CreateThread(CreateThreadInput{Parent: p})
	_, _ = CreateThread(CreateThreadInput{Parent: p})

	th1.SetState(Zombie)
	if p.State == Zombie {
		t.Fatalf("expected multi-threaded process state not to mirror one thread's state")
	}
}

func TestDestroyCascadesToChildrenAndThreads(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	parent, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "parent", Mode: ModeKernel, UseKernelPageTable: true})
	child, _ := CreateProcess(kernel, vfs, CreateProcessInput{Parent: parent, Name: "child", Mode: ModeKernel, UseKernelPageTable: true})
	th, _ := CreateThread(CreateThreadInput{Parent: parent})

	parent.Destroy()

	if len(parent.Children) != 0 {
		t.Fatalf("expected children cleared after Destroy")
	}
	if len(parent.Threads) != 0 {
		t.Fatalf("expected threads cleared after Destroy")
	}
	if th.Parent.Threads != nil {
		t.Fatalf("expected thread detached from parent's thread list")
	}
	_ = child
}

func TestGetSizeSumsThreadsAndChildrenRecursively(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	parent, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "parent", Mode: ModeKernel, UseKernelPageTable: true})
	_, _ = CreateThread(CreateThreadInput{Parent: parent})
	child, _ := CreateProcess(kernel, vfs, CreateProcessInput{Parent: parent, Name: "child", Mode: ModeKernel, UseKernelPageTable: true})
	_, _ = CreateThread(CreateThreadInput{Parent: child})

	total := parent.GetSize()
	want := uint64(2 * defaultKernelStackSize)
	if total != want {
		t.Fatalf("expected cumulative size %d, got %d", want, total)
	}
}

func TestSetWorkingDirectoryAndExeUpdateVFS(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "p", Mode: ModeUser})

	if err := p.SetWorkingDirectory("/home/root"); err != nil {
		t.Fatalf("SetWorkingDirectory: %v", err)
	}
	if err := p.SetExe("/bin/init"); err != nil {
		t.Fatalf("SetExe: %v", err)
	}

	cwd, ok := vfs.Cwd(p.ID)
	if !ok || cwd != "/home/root" {
		t.Fatalf("expected vfs cwd /home/root, got %q, ok=%v", cwd, ok)
	}
	exe, ok := vfs.Exe(p.ID)
	if !ok || exe != "/bin/init" {
		t.Fatalf("expected vfs exe /bin/init, got %q, ok=%v", exe, ok)
	}
}

func TestSendSignalDefaultsToTermForUnknownSignal(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "p", Mode: ModeUser})
	if got := p.SendSignal(2); got != SigTerm {
		t.Fatalf("expected default disposition SigTerm, got %v", got)
	}
}
