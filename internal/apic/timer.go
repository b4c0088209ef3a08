package apic

import (
	"sync"
	"time"
)

// OneShotHandle cancels a pending one-shot timer callback.
type OneShotHandle interface {
	Cancel()
}

type handleFunc func()

func (f handleFunc) Cancel() {
	if f != nil {
		f()
	}
}

// Timer drives the per-CPU LAPIC timer in one-shot mode. A real kernel
// programs TICR/TDCR and takes a timer interrupt at expiry; this hosted
// build uses a time.Timer as the stand-in clock source, adapted from the
// teacher's defaultTimerFactory (internal/devices/amd64/chipset/timer.go),
// trading its repeating ticker for a single-fire timer matching LAPIC
// one-shot mode.
type Timer struct {
	lapic MMIOWindow
}

// NewTimer returns a Timer driving lapic's timer registers.
func NewTimer(lapic MMIOWindow) *Timer {
	return &Timer{lapic: lapic}
}

// OneShot arms the timer to fire cb after d, programming TICR for
// observability even though the hosted clock is a Go timer rather than
// the real APIC counter.
func (t *Timer) OneShot(d time.Duration, cb func()) OneShotHandle {
	if cb == nil || d <= 0 {
		return nil
	}
	t.lapic.WriteReg(lapicRegTICR, uint32(d.Microseconds()))

	var once sync.Once
	timer := time.AfterFunc(d, func() {
		t.lapic.WriteReg(lapicRegTCCR, 0)
		cb()
	})
	return handleFunc(func() {
		once.Do(func() { timer.Stop() })
	})
}
