package task

import "github.com/tinyrange/nucleus/internal/cpuctx"

// Selector values follow the conventional flat long-mode GDT layout every
// kernel shaped like this one uses: ring-0 code/data at 0x08/0x10, ring-3
// code/data at 0x1B/0x23 (RPL 3 set in the low two bits). The original
// kernel's GDT_KERNEL_CODE/GDT_USER_CODE descriptor indices live in a GDT
// header outside the retrieved source; these are the values that layout
// implies.
const (
	kernelCodeSelector uint16 = 0x08
	kernelDataSelector uint16 = 0x10
	userCodeSelector   uint16 = 0x1B
	userDataSelector   uint16 = 0x23
)

// rflags/eflags bits CreateThread sets, per
// original_source/Kernel/tasking/thread.cpp: AlwaysOne is the reserved
// bit 1 hardware requires set; IF is the interrupt-enable flag.
const (
	rflagsAlwaysOne       uint64 = 1 << 1
	rflagsInterruptEnable uint64 = 1 << 9
)

// threadExitTrampoline is the address poked onto a new kernel thread's
// stack so a `ret` from the entry point falls into the thread-exit path
// instead of returning into garbage, mirroring ThreadDoExit in
// original_source/Kernel/tasking/thread.cpp. Every address space that
// runs kernel threads maps one fixed trampoline page here.
const threadExitTrampoline uint64 = 0xFFFFFFFF80001000

// buildFrame constructs t.Frame for mode: kernel threads get kernel
// selectors, IF set, AlwaysOne set, and a stack pointer aimed at the
// return-to-exit trampoline word CreateThread already poked into
// t.Stack.Image; user threads get user selectors and, for Native
// compatibility, argc/argv/envc/envp preloaded into the first four
// argument registers per spec.md's SysV user-stack contract.
func (t *Thread) buildFrame(mode ExecutionMode, argv, envp []string) {
	arch := t.Arch
	if arch == cpuctx.ArchInvalid {
		arch = cpuctx.ArchAMD64
	}

	switch arch {
	case cpuctx.ArchI386:
		f := &cpuctx.FrameI386{Eip: uint32(t.Entry), Esp: uint32(t.Stack.Base)}
		f.Eflags = uint32(rflagsAlwaysOne | rflagsInterruptEnable)
		setSelectorsI386(f, mode)
		t.Frame = f
	case cpuctx.ArchARM64:
		// aarch64 frame construction is unimplemented, matching the
		// original kernel's own "#warning aarch64 not implemented" at
		// this call site; only entry/stack pointer are populated.
		t.Frame = &cpuctx.FrameARM64{Pc: t.Entry, Sp: t.Stack.Base}
	default:
		f := &cpuctx.FrameAMD64{Rip: t.Entry, Rsp: t.Stack.Base}
		f.Rflags = rflagsAlwaysOne | rflagsInterruptEnable
		setSelectorsAMD64(f, mode)
		if mode == ModeUser && t.Compatibility == CompatNative {
			preloadNativeArgRegistersAMD64(f, t.Stack.Base, argv, envp)
		}
		t.Frame = f
	}
}

func setSelectorsI386(f *cpuctx.FrameI386, mode ExecutionMode) {
	cs, ds := kernelCodeSelector, kernelDataSelector
	if mode == ModeUser {
		cs, ds = userCodeSelector, userDataSelector
	}
	f.CS, f.SS, f.DS, f.ES, f.FS, f.GS = cs, ds, ds, ds, ds, ds
}

func setSelectorsAMD64(f *cpuctx.FrameAMD64, mode ExecutionMode) {
	cs, ds := kernelCodeSelector, kernelDataSelector
	if mode == ModeUser {
		cs, ds = userCodeSelector, userDataSelector
	}
	f.CS, f.SS, f.DS, f.ES, f.FS, f.GS = cs, ds, ds, ds, ds, ds
}

// preloadNativeArgRegistersAMD64 sets rdi/rsi/rdx/rcx to (argc, argv,
// envc, envp), matching the pointer layout BuildUserStack wrote starting
// at sp: argc, then the argv pointer array, then its NULL terminator,
// then the envp pointer array.
func preloadNativeArgRegistersAMD64(f *cpuctx.FrameAMD64, sp uint64, argv, envp []string) {
	f.Rdi = uint64(len(argv))
	f.Rsi = sp + 8
	f.Rdx = uint64(len(envp))
	f.Rcx = f.Rsi + uint64(len(argv)+1)*8
}
