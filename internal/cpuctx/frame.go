package cpuctx

// Frame is the architecture-neutral view over a saved trap frame that the
// interrupt core and scheduler need: the vector that fired, the error code
// (possibly zero), and the two registers every dispatch path touches.
// Concrete frame shapes (FrameI386, FrameAMD64, FrameARM64) must round-trip
// save/restore bit-exact, per the kernel's data model.
type Frame interface {
	Arch() Arch
	Vector() uint8
	SetVector(v uint8)
	ErrorCode() uint64
	SetErrorCode(ec uint64)
	InstructionPointer() uint64
	SetInstructionPointer(ip uint64)
	StackPointer() uint64
	SetStackPointer(sp uint64)
}

// FrameAMD64 is the x86-64 trap frame. Field order and naming follow the
// general-purpose register set of the Linux KVM vCPU register ABI this
// core's register model is grounded on: Rax..R15, Rip, Rflags.
type FrameAMD64 struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rbp, Rsp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip, Rflags           uint64
	Vec                   uint8
	ErrCode               uint64
	CS, SS, DS, ES, FS, GS uint16
}

func (f *FrameAMD64) Arch() Arch                        { return ArchAMD64 }
func (f *FrameAMD64) Vector() uint8                     { return f.Vec }
func (f *FrameAMD64) SetVector(v uint8)                 { f.Vec = v }
func (f *FrameAMD64) ErrorCode() uint64                 { return f.ErrCode }
func (f *FrameAMD64) SetErrorCode(ec uint64)            { f.ErrCode = ec }
func (f *FrameAMD64) InstructionPointer() uint64        { return f.Rip }
func (f *FrameAMD64) SetInstructionPointer(ip uint64)   { f.Rip = ip }
func (f *FrameAMD64) StackPointer() uint64              { return f.Rsp }
func (f *FrameAMD64) SetStackPointer(sp uint64)         { f.Rsp = sp }

// FrameI386 is the x86-32 trap frame, the 32-bit analogue of FrameAMD64.
type FrameI386 struct {
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi, Ebp, Esp uint32
	Eip, Eflags        uint32
	Vec                uint8
	ErrCode            uint32
	CS, SS, DS, ES, FS, GS uint16
}

func (f *FrameI386) Arch() Arch                      { return ArchI386 }
func (f *FrameI386) Vector() uint8                   { return f.Vec }
func (f *FrameI386) SetVector(v uint8)               { f.Vec = v }
func (f *FrameI386) ErrorCode() uint64               { return uint64(f.ErrCode) }
func (f *FrameI386) SetErrorCode(ec uint64)          { f.ErrCode = uint32(ec) }
func (f *FrameI386) InstructionPointer() uint64      { return uint64(f.Eip) }
func (f *FrameI386) SetInstructionPointer(ip uint64) { f.Eip = uint32(ip) }
func (f *FrameI386) StackPointer() uint64            { return uint64(f.Esp) }
func (f *FrameI386) SetStackPointer(sp uint64)       { f.Esp = uint32(sp) }

// FrameARM64 is the aarch64 trap frame: X0-X30, SP, PC (ELR_ELx), and
// PSTATE (SPSR_ELx). Vector on this architecture is the exception class
// decoded from ESR_ELx by the low-level stub before InterruptCore sees it.
type FrameARM64 struct {
	X    [31]uint64
	Sp   uint64
	Pc   uint64
	Pstate uint64
	Vec  uint8
	Esr  uint64
}

func (f *FrameARM64) Arch() Arch                      { return ArchARM64 }
func (f *FrameARM64) Vector() uint8                   { return f.Vec }
func (f *FrameARM64) SetVector(v uint8)               { f.Vec = v }
func (f *FrameARM64) ErrorCode() uint64               { return f.Esr }
func (f *FrameARM64) SetErrorCode(ec uint64)          { f.Esr = ec }
func (f *FrameARM64) InstructionPointer() uint64      { return f.Pc }
func (f *FrameARM64) SetInstructionPointer(ip uint64) { f.Pc = ip }
func (f *FrameARM64) StackPointer() uint64            { return f.Sp }
func (f *FrameARM64) SetStackPointer(sp uint64)       { f.Sp = sp }

var (
	_ Frame = (*FrameAMD64)(nil)
	_ Frame = (*FrameI386)(nil)
	_ Frame = (*FrameARM64)(nil)
)

// SchedulerFrame augments a Frame with the process page-table root (PPT)
// and the page-table root that was active at preemption (OPT), letting the
// scheduler's tick handler atomically switch address spaces on context
// switch. The two fields sit logically "at the beginning" of the frame per
// the kernel's data model; embedding Frame promotes its accessor methods so
// a *SchedulerFrame satisfies Frame itself.
type SchedulerFrame struct {
	PPT uint64
	OPT uint64
	Frame
}

// ExceptionFrame augments a Frame with control and debug registers and all
// segment selectors, captured only for faults.
type ExceptionFrame struct {
	Frame
	CR0, CR2, CR3, CR4, CR8     uint64
	DR0, DR1, DR2, DR3, DR6, DR7 uint64
	CS, SS, DS, ES, FS, GS      uint16
}
