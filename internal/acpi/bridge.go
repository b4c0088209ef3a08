// bridge.go implements AcpiEventBridge's runtime behavior: discovering
// whether ACPI shutdown is supported, writing the PM1 control registers
// to enter S5, and issuing the FADT reset register for reboot.
//
// PM1 register layout is grounded on the teacher's PM1 emulation
// (internal/devices/amd64/chipset/pm.go), reshaped from *a host emulating
// a guest's PM1 register block* into *kernel code writing real PM1 I/O
// ports*.
package acpi

import (
	"fmt"

	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/irq"
	"github.com/tinyrange/nucleus/internal/klog"
)

var log = klog.WithSource("acpi")

// PortIO is the narrow I/O-port capability the bridge needs to reach PM1,
// the SMI command port, and the PM1 event blocks; internal/apic.PortWindow
// satisfies the write side, extended here with the 16-bit form PM1
// control/event I/O needs.
type PortIO interface {
	Out8(port uint16, v uint8)
	Out16(port uint16, v uint16)
	In16(port uint16) uint16
}

// acpiEnableSpinIterations bounds the spin-wait for SCI_EN after writing
// the SMI enable command, matching the original kernel's fixed 3000-
// iteration timeout in DSDT::Shutdown.
const acpiEnableSpinIterations = 3000

// PowerButtonAction bundles the host-provided hooks OnInterruptReceived's
// POWER_BUTTON dispatch needs beyond PM1 I/O: Panicked reports whether the
// kernel is already in the panic lock (internal/panic.Locked);
// CreateShutdownThread spawns the "Shutdown" kernel thread that calls
// Shutdown (a nil value falls back to calling Shutdown directly, matching
// the original kernel's "no task context" fallback); HaltAllCores and
// HaltSelf carry out the panic-concurrent path's kernel-wide halt
// (spec.md §4.5 scenario 5; internal/apic.Controller.HaltAllExcludingSelf
// and cpuctx.Context.Halt satisfy these respectively). All fields are
// optional.
type PowerButtonAction struct {
	Panicked             func() bool
	CreateShutdownThread func()
	HaltAllCores         func()
	HaltSelf             func()
}

// Bridge owns the parsed FADT and discovered _S5_ package and exposes the
// shutdown/reboot operations spec.md §6 names, plus the SCI dispatch
// spec.md §4.5 names.
type Bridge struct {
	fadt FADT
	s5   S5Package

	shutdownSupported bool
	ports             PortIO
	action            PowerButtonAction
}

// NewBridge parses dsdt for the _S5_ package and returns a Bridge wired to
// fadt's PM1 control blocks and ports for I/O. An unsupported/unparsable
// DSDT still returns a Bridge (ShutdownSupported() reports false); callers
// must check that before calling Shutdown, matching the original kernel's
// "ACPI Shutdown is supported" gate.
func NewBridge(fadt FADT, dsdt []byte, ports PortIO) *Bridge {
	b := &Bridge{fadt: fadt, ports: ports}
	if s5, err := ShutdownInfo(dsdt); err == nil {
		b.s5 = s5
		b.shutdownSupported = true
	}
	return b
}

// SetPowerButtonAction installs the hooks OnInterruptReceived's
// POWER_BUTTON dispatch uses. Unset, Bridge falls back to calling Shutdown
// directly and never reports itself panicked.
func (b *Bridge) SetPowerButtonAction(a PowerButtonAction) {
	b.action = a
}

// ShutdownSupported reports whether _S5_ was found and parsed.
func (b *Bridge) ShutdownSupported() bool {
	return b.shutdownSupported
}

// Shutdown enters ACPI S5. If ACPI is currently disabled (SCI_EN clear in
// PM1a_CNT), it first writes the enable command to the SMI port and spins
// waiting for SCI_EN — the handshake DSDT::Shutdown performs before ever
// touching SLP_EN. It then writes SLP_TYPa|SLP_EN to PM1a_CNT and, if
// present, SLP_TYPb|SLP_EN to PM1b_CNT.
func (b *Bridge) Shutdown() error {
	if !b.shutdownSupported {
		return fmt.Errorf("acpi: shutdown not supported, _S5_ was not parsed")
	}

	if b.ports.In16(uint16(b.fadt.PM1aControlBlock))&sciEnBit == 0 {
		if b.fadt.SMICommandPort == 0 || b.fadt.AcpiEnable == 0 {
			return fmt.Errorf("acpi: shutdown not supported, ACPI is disabled and no SMI enable command is available")
		}
		b.ports.Out8(uint16(b.fadt.SMICommandPort), b.fadt.AcpiEnable)

		if !b.spinForSCIEnabled(b.fadt.PM1aControlBlock) {
			return fmt.Errorf("acpi: timed out waiting for SCI_EN on PM1a after enabling ACPI")
		}
		if b.fadt.PM1bControlBlock != 0 {
			// Best-effort: the original kernel spins here too but never
			// checks the outcome before proceeding.
			b.spinForSCIEnabled(b.fadt.PM1bControlBlock)
		}
	}

	b.ports.Out16(uint16(b.fadt.PM1aControlBlock), b.s5.SlpTypA|slpEnBit)
	if b.fadt.PM1bControlBlock != 0 {
		b.ports.Out16(uint16(b.fadt.PM1bControlBlock), b.s5.SlpTypB|slpEnBit)
	}
	return nil
}

// spinForSCIEnabled polls port for SCI_EN, bounded by
// acpiEnableSpinIterations, reporting whether it observed the bit set.
func (b *Bridge) spinForSCIEnabled(port uint32) bool {
	for i := 0; i < acpiEnableSpinIterations; i++ {
		if b.ports.In16(uint16(port))&sciEnBit != 0 {
			return true
		}
	}
	return false
}

// RegisterWithCore wires Bridge onto cores as the SCI vector's
// ObjectHandler, using FADT.SCIInterrupt — the legacy IRQ number firmware
// reports for the SCI — as the IRQ-base-relative vector AddObjectHandler
// expects, matching how cmd/nucleusctl registers the scheduler on
// SchedulerVector-IRQBase. Critical: once wired, the SCI handler is never
// removed by irq.Core.RemoveAll.
func (b *Bridge) RegisterWithCore(cores *irq.Core) {
	cores.AddObjectHandler(uint8(b.fadt.SCIInterrupt), b, true)
}

// OnInterruptReceived implements irq.ObjectHandler: it is the SCI vector's
// handler. It reads PM1a (and PM1b, if present) event registers,
// acknowledges each by writing the same bits back, ORs them into the
// pending-event mask, and dispatches per spec.md §4.5.
func (b *Bridge) OnInterruptReceived(cpuctx.Frame) {
	var event uint16
	if b.fadt.PM1aEventBlock != 0 {
		a := b.ports.In16(uint16(b.fadt.PM1aEventBlock))
		b.ports.Out16(uint16(b.fadt.PM1aEventBlock), a)
		event |= a
	}
	if b.fadt.PM1bEventBlock != 0 {
		bb := b.ports.In16(uint16(b.fadt.PM1bEventBlock))
		b.ports.Out16(uint16(b.fadt.PM1bEventBlock), bb)
		event |= bb
	}
	b.dispatch(event)
}

// dispatch matches the original kernel's SCI handler: a fixed-priority
// if/else-if chain over the event bits (first match wins), POWER_BUTTON
// handled fully, the rest logged placeholders, anything else error-logged.
func (b *Bridge) dispatch(event uint16) {
	switch {
	case event == 0:
		return
	case event&PM1EventBusMaster != 0:
		log.Warn("acpi: busmaster event (unimplemented)")
	case event&PM1EventGlobal != 0:
		log.Warn("acpi: global event (unimplemented)")
	case event&PM1EventPowerButton != 0:
		b.handlePowerButton()
	case event&PM1EventSleepButton != 0:
		log.Warn("acpi: sleep button event (unimplemented)")
	case event&PM1EventRTCAlarm != 0:
		log.Warn("acpi: RTC alarm event (unimplemented)")
	case event&PM1EventPCIeWake != 0:
		log.Warn("acpi: PCIe wake event (unimplemented)")
	case event&PM1EventWake != 0:
		log.Warn("acpi: wake event (unimplemented)")
	case event&PM1EventTimer != 0:
		log.Warn("acpi: timer event (unimplemented)")
	default:
		log.Error("acpi: unknown event %#04x", event)
	}
}

// handlePowerButton implements spec.md §4.5's POWER_BUTTON case: if the
// kernel is already in its panic lock, broadcast the kernel-wide halt and
// shut down synchronously rather than risk a scheduler that may never run
// again; otherwise spawn the "Shutdown" kernel thread, falling back to a
// direct call when no task context was wired in.
func (b *Bridge) handlePowerButton() {
	if b.action.Panicked != nil && b.action.Panicked() {
		if b.action.HaltAllCores != nil {
			b.action.HaltAllCores()
		}
		if err := b.Shutdown(); err != nil {
			log.Error("acpi: panic-path shutdown failed: %v", err)
		}
		if b.action.HaltSelf != nil {
			b.action.HaltSelf()
		}
		return
	}

	if b.action.CreateShutdownThread != nil {
		b.action.CreateShutdownThread()
		return
	}

	if err := b.Shutdown(); err != nil {
		log.Error("acpi: direct shutdown fallback failed: %v", err)
	}
}

// Reboot issues the FADT reset register, switching on its address space
// the way the original kernel's Reboot does: system I/O writes ResetValue
// to the port named by ResetRegAddress; other address spaces (system
// memory, PCI config) are named in the FADT but unreachable from a plain
// PortIO, so this bridge only implements the system-I/O path and reports
// an error for the others (documented as the original does with its own
// "Unknown reset register address space" error path).
func (b *Bridge) Reboot() error {
	switch ResetAddressSpace(b.fadt.ResetRegAddrSpace) {
	case ResetSpaceSystemIO:
		b.ports.Out8(uint16(b.fadt.ResetRegAddress), b.fadt.ResetValue)
		return nil
	default:
		return fmt.Errorf("acpi: unsupported reset register address space %d", b.fadt.ResetRegAddrSpace)
	}
}
