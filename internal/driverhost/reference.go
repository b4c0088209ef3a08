package driverhost

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/irq"
	"github.com/tinyrange/nucleus/internal/klog"
	"github.com/tinyrange/nucleus/internal/pagealloc"
)

var log = klog.WithSource("driverhost")

// PS2Port is the narrow PS/2 controller capability ReferenceHost drives;
// a real kernel backs this with the 0x60/0x64 I/O ports.
type PS2Port interface {
	ReadData() (uint8, error)
	WriteData(v uint8) error
	WriteCommand(v uint8) error
}

// ReferenceHost is the in-tree Host implementation used by the kernel's
// own boot-time drivers and by tests; it wires irq.Core for interrupt
// registration, a pagealloc.Allocator for memory, and cpuctx.Context for
// critical sections (disabling interrupts is the cookie).
type ReferenceHost struct {
	mu sync.Mutex

	cores  *irq.Core
	cc     cpuctx.Context
	pages  pagealloc.Allocator
	ps2    PS2Port

	devices atomic.Uint64
	ops     map[DeviceID]DeviceOps
}

// NewReferenceHost wires a ReferenceHost to its collaborators.
func NewReferenceHost(cores *irq.Core, cc cpuctx.Context, pages pagealloc.Allocator, ps2 PS2Port) *ReferenceHost {
	return &ReferenceHost{cores: cores, cc: cc, pages: pages, ps2: ps2, ops: map[DeviceID]DeviceOps{}}
}

func (h *ReferenceHost) RegisterInterruptHandler(driver DriverID, irqLine uint8, fn irq.CallbackFunc) {
	h.cores.AddCallback(irqLine, fn, nil, false)
}

func (h *ReferenceHost) UnregisterAllInterruptHandlers(driver DriverID, fn irq.CallbackFunc) {
	h.cores.RemoveByFunc(fn)
}

func (h *ReferenceHost) RegisterDevice(driver DriverID, typeTag string, ops DeviceOps) DeviceID {
	id := DeviceID(h.devices.Add(1))
	h.mu.Lock()
	h.ops[id] = ops
	h.mu.Unlock()
	log.Info("driver %d registered device %d (%s)", driver, id, typeTag)
	return id
}

func (h *ReferenceHost) RegisterBlockDevice(driver DriverID, desc BlockDeviceDesc) DeviceID {
	id := DeviceID(h.devices.Add(1))
	log.Info("driver %d registered block device %d (%s, %d sectors x %d bytes)",
		driver, id, desc.Name, desc.NumSectors, desc.SectorSize)
	return id
}

func (h *ReferenceHost) AllocateMemory(driver DriverID, pages int) ([]byte, error) {
	addr, _, err := h.pages.RequestPages(pages)
	if err != nil {
		return nil, fmt.Errorf("driverhost: driver %d: %w", driver, err)
	}
	return pagesAsSlice(addr, pages), nil
}

func (h *ReferenceHost) FreeMemory(driver DriverID, ptr []byte, pages int) error {
	if len(ptr) == 0 {
		return fmt.Errorf("driverhost: driver %d: free of nil memory", driver)
	}
	return h.pages.FreePages(sliceAddr(ptr), pages)
}

func (h *ReferenceHost) Yield(driver DriverID) {
	h.cc.Pause()
}

func (h *ReferenceHost) EnterCriticalSection(driver DriverID) CriticalCookie {
	prev := h.cc.Interrupts(cpuctx.Disable)
	cookie := CriticalCookie(0)
	if prev {
		cookie = 1
	}
	return cookie
}

func (h *ReferenceHost) LeaveCriticalSection(driver DriverID, cookie CriticalCookie) {
	if cookie == 1 {
		h.cc.Interrupts(cpuctx.Enable)
	}
}

func (h *ReferenceHost) PS2ReadData() (uint8, error)      { return h.ps2.ReadData() }
func (h *ReferenceHost) PS2WriteData(v uint8) error        { return h.ps2.WriteData(v) }
func (h *ReferenceHost) PS2WriteCommand(v uint8) error     { return h.ps2.WriteCommand(v) }

func (h *ReferenceHost) PS2ReadDataTimeout(ctx context.Context, timeout time.Duration) (uint8, error) {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		v, err := h.ps2.ReadData()
		if err == nil {
			return v, nil
		}
		select {
		case <-deadline.Done():
			return 0, fmt.Errorf("driverhost: PS2 read timed out: %w", deadline.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func (h *ReferenceHost) PS2WriteDataAck(ctx context.Context, v uint8, timeout time.Duration) error {
	if err := h.ps2.WriteData(v); err != nil {
		return err
	}
	ack, err := h.PS2ReadDataTimeout(ctx, timeout)
	if err != nil {
		return err
	}
	const ps2Ack = 0xFA
	if ack != ps2Ack {
		return fmt.Errorf("driverhost: PS2 write not acknowledged, got %#x", ack)
	}
	return nil
}

func (h *ReferenceHost) ReportInputEvent(driver DriverID, ev InputEvent) error {
	h.mu.Lock()
	ops, ok := h.ops[ev.DeviceID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("driverhost: unknown device %d for input event", ev.DeviceID)
	}
	_ = ops
	log.Info("driver %d reported input event code=%d value=%d on device %d", driver, ev.Code, ev.Value, ev.DeviceID)
	return nil
}

var _ Host = (*ReferenceHost)(nil)
