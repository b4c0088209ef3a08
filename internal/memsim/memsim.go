// Package memsim is the PageAllocator test double this hosted kernel core
// runs its allocator and address-space tests against: real anonymous pages
// from the host OS (via golang.org/x/sys/unix.Mmap) stand in for physical
// pages a bare-metal boot-time page allocator would hand out.
package memsim

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/nucleus/internal/pagealloc"
)

// Allocator hands out host-backed anonymous pages and tracks every live
// mapping so FreePages can validate its argument the way a real physical
// allocator would reject an unknown address.
type Allocator struct {
	mu    sync.Mutex
	live  map[uintptr][]byte
	inUse uint64
}

// New returns an empty Allocator.
func New() *Allocator {
	return &Allocator{live: make(map[uintptr][]byte)}
}

func (a *Allocator) RequestPages(n int) (uintptr, uintptr, error) {
	if n <= 0 {
		return 0, 0, fmt.Errorf("memsim: request for %d pages is invalid", n)
	}
	size := n * pagealloc.PageSize
	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return 0, 0, fmt.Errorf("memsim: mmap %d pages: %w", n, err)
	}

	addr := uintptr(0)
	if len(buf) > 0 {
		addr = uintptr(unsafe.Pointer(&buf[0]))
	}

	a.mu.Lock()
	a.live[addr] = buf
	a.inUse += uint64(size)
	a.mu.Unlock()

	// This host-backed mapping is both the "virtual" and "physical" address
	// as far as the simulator is concerned; a real boot-time allocator
	// would hand back distinct values here.
	return addr, addr, nil
}

func (a *Allocator) FreePages(addr uintptr, n int) error {
	a.mu.Lock()
	buf, ok := a.live[addr]
	if ok {
		delete(a.live, addr)
		a.inUse -= uint64(len(buf))
	}
	a.mu.Unlock()

	if !ok {
		return fmt.Errorf("memsim: free of unknown address %#x", addr)
	}
	return unix.Munmap(buf)
}

// InUse reports the number of bytes currently mapped, for tests asserting
// on leak-free teardown.
func (a *Allocator) InUse() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inUse
}

var _ pagealloc.Allocator = (*Allocator)(nil)
