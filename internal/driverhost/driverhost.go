// Package driverhost is the driver-host contract: the two-tier
// capability surface this kernel core exposes to out-of-tree drivers,
// grounded on the teacher's two-tier device-capability interfaces
// (hv.Device's lifecycle methods plus the narrower
// hv.MemoryMappedIODevice/chipset.ChipsetDevice capability interfaces a
// concrete device opts into). Here the split is between Host (what a
// driver is given) and Driver (what a driver must implement), rather
// than between a device and its optional MMIO/PIO capabilities.
package driverhost

import (
	"context"
	"time"

	"github.com/tinyrange/nucleus/internal/irq"
)

// DeviceID and DriverID are opaque handles minted by Host.
type DeviceID uint64
type DriverID uint64

// BlockDeviceDesc describes a block device a driver registers.
type BlockDeviceDesc struct {
	Name       string
	SectorSize uint32
	NumSectors uint64
}

// DeviceOps is the minimal capability set a registered device exposes
// back to the kernel (read/write over its own address space, reset).
type DeviceOps interface {
	Read(off int64, p []byte) (int, error)
	Write(off int64, p []byte) (int, error)
	Reset() error
}

// InputEvent is one report from a driver that produces input (keyboard,
// mouse, PS/2 controller).
type InputEvent struct {
	DeviceID DeviceID
	Code     uint32
	Value    int32
}

// CriticalCookie is returned by EnterCriticalSection and must be passed
// back to LeaveCriticalSection unmodified.
type CriticalCookie uint64

// Host is the contract this kernel core hands to every driver: interrupt
// registration, device/block-device registration, memory, scheduling
// cooperation, critical sections, PS/2 port access, and input reporting.
type Host interface {
	RegisterInterruptHandler(driver DriverID, irqLine uint8, fn irq.CallbackFunc)
	UnregisterAllInterruptHandlers(driver DriverID, fn irq.CallbackFunc)

	RegisterDevice(driver DriverID, typeTag string, ops DeviceOps) DeviceID
	RegisterBlockDevice(driver DriverID, desc BlockDeviceDesc) DeviceID

	AllocateMemory(driver DriverID, pages int) ([]byte, error)
	FreeMemory(driver DriverID, ptr []byte, pages int) error

	Yield(driver DriverID)

	EnterCriticalSection(driver DriverID) CriticalCookie
	LeaveCriticalSection(driver DriverID, cookie CriticalCookie)

	PS2ReadData() (uint8, error)
	PS2WriteData(v uint8) error
	PS2WriteCommand(v uint8) error
	PS2ReadDataTimeout(ctx context.Context, timeout time.Duration) (uint8, error)
	PS2WriteDataAck(ctx context.Context, v uint8, timeout time.Duration) error

	ReportInputEvent(driver DriverID, ev InputEvent) error
}

// Driver is what an out-of-tree driver implements; Host calls these at
// the appropriate lifecycle points.
type Driver interface {
	Name() string
	Init(host Host, id DriverID) error
	Shutdown() error
}
