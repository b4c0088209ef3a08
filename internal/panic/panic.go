// Package panic implements the kernel's panic lock: the single latch that
// every Fatal error trips, and that other code can consult through
// Locked().
//
// The real kernel halts the current core with `hlt` in a loop and leaves
// every other core to discover the lock on its next interrupt. This core
// cannot execute `hlt`, so Locked() is the mechanism other packages poll
// instead; halting is left to internal/cpuctx.Halt, called after Lock.
package panic

import (
	"sync"
	"sync/atomic"

	"github.com/tinyrange/nucleus/internal/klog"
)

var (
	locked atomic.Bool
	reason atomic.Pointer[string]
	once   sync.Once
)

// Install wires klog's Fatal hook to this package's Lock, so any subsystem
// logging klog.Fatal trips the panic lock without importing this package
// directly.
func Install() {
	once.Do(func() {
		klog.SetFatalHook(func(source, msg string) {
			Lock(source + ": " + msg)
		})
	})
}

// Lock trips the panic lock. It is idempotent: only the first caller's
// reason is retained.
func Lock(why string) {
	if locked.CompareAndSwap(false, true) {
		reason.Store(&why)
	}
}

// Locked reports whether the kernel has entered the panic lock.
func Locked() bool {
	return locked.Load()
}

// Reason returns the recorded panic reason, or "" if not locked.
func Reason() string {
	p := reason.Load()
	if p == nil {
		return ""
	}
	return *p
}

// reset is test-only: it clears the lock so test cases can run independently.
func reset() {
	locked.Store(false)
	reason.Store(nil)
}
