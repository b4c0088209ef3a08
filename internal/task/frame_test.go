package task

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/nucleus/internal/cpuctx"
)

func TestCreateThreadKernelModeBuildsKernelFrame(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "k", Mode: ModeKernel, UseKernelPageTable: true})
	th, err := CreateThread(CreateThreadInput{Parent: p, Entry: 0xFFFF800000100000})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	f, ok := th.Frame.(*cpuctx.FrameAMD64)
	if !ok {
		t.Fatalf("expected *cpuctx.FrameAMD64, got %T", th.Frame)
	}
	if f.Rip != th.Entry {
		t.Fatalf("expected Rip == entry point, got %#x", f.Rip)
	}
	if f.Rsp != th.Stack.Base {
		t.Fatalf("expected Rsp == stack base, got %#x", f.Rsp)
	}
	if f.CS != kernelCodeSelector || f.SS != kernelDataSelector {
		t.Fatalf("expected kernel selectors, got CS=%#x SS=%#x", f.CS, f.SS)
	}
	if f.Rflags&rflagsAlwaysOne == 0 {
		t.Fatalf("expected rflags.AlwaysOne set")
	}
	if f.Rflags&rflagsInterruptEnable == 0 {
		t.Fatalf("expected rflags.IF set")
	}

	if len(th.Stack.Image) != 8 {
		t.Fatalf("expected an 8-byte trampoline image, got %d bytes", len(th.Stack.Image))
	}
	if got := binary.LittleEndian.Uint64(th.Stack.Image); got != threadExitTrampoline {
		t.Fatalf("expected trampoline word %#x, got %#x", threadExitTrampoline, got)
	}
}

func TestCreateThreadUserModeBuildsUserFrameWithSelectorsAndArgRegisters(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "u", Mode: ModeUser})
	th, err := CreateThread(CreateThreadInput{
		Parent:        p,
		Entry:         0x400000,
		Argv:          []string{"one", "two"},
		Envp:          []string{"X=1"},
		Compatibility: CompatNative,
	})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	f, ok := th.Frame.(*cpuctx.FrameAMD64)
	if !ok {
		t.Fatalf("expected *cpuctx.FrameAMD64, got %T", th.Frame)
	}
	if f.CS != userCodeSelector || f.SS != userDataSelector {
		t.Fatalf("expected user selectors, got CS=%#x SS=%#x", f.CS, f.SS)
	}
	if f.Rsp != th.Stack.Base {
		t.Fatalf("expected Rsp == stack base, got %#x", f.Rsp)
	}
	if f.Rdi != 2 {
		t.Fatalf("expected argc preloaded into rdi, got %d", f.Rdi)
	}
	if f.Rsi != th.Stack.Base+8 {
		t.Fatalf("expected argv preloaded into rsi, got %#x", f.Rsi)
	}
	if f.Rdx != 1 {
		t.Fatalf("expected envc preloaded into rdx, got %d", f.Rdx)
	}
	if len(th.Stack.Image) == 0 {
		t.Fatalf("expected the laid-out user stack bytes to be retained on Stack.Image")
	}
}

func TestCreateThreadDefaultsToAMD64FrameWhenArchUnset(t *testing.T) {
	kernel, vfs := newKernelAndVFS()
	p, _ := CreateProcess(kernel, vfs, CreateProcessInput{Name: "k", Mode: ModeKernel, UseKernelPageTable: true})
	th, err := CreateThread(CreateThreadInput{Parent: p})
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if _, ok := th.Frame.(*cpuctx.FrameAMD64); !ok {
		t.Fatalf("expected a default amd64 frame, got %T", th.Frame)
	}
}
