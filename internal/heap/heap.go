// Package heap implements the kernel heap allocator's V1 free-list
// variant: a page-backed block allocator with checksum-guarded metadata,
// grounded line-for-line on the original allocator
// (original_source/Core/Memory/HeapAllocators/Xalloc/XallocV1.cpp),
// reshaped into Go idiom the way the teacher reshapes virtual hardware
// state into lock-guarded Go structs (internal/devices/amd64/chipset's
// IOAPIC, PIC).
package heap

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/klog"
	"github.com/tinyrange/nucleus/internal/pagealloc"
	"github.com/tinyrange/nucleus/internal/panic"
)

// blockChecksum is the constant every live block must read back, per the
// kernel's data model.
const blockChecksum = 0xA110C

var log = klog.WithSource("heap")

// block is one live allocation unit. Checksum is written once at
// construction and never legitimately changes; Check reports corruption.
type block struct {
	checksum uint64
	address  uintptr
	payload  []byte
	size     int
	isFree   bool
	next     *block
	prev     *block
}

func (b *block) Check() bool {
	return b.checksum == blockChecksum
}

// FailurePolicy selects what a checksum mismatch does, matching the
// original's build-time StopOnFail switch.
type FailurePolicy int

const (
	// ReportOnCorruption logs a Fatal and enters the panic lock.
	ReportOnCorruption FailurePolicy = iota
	// LoopOnCorruption spins forever at the point of detection, the
	// original's literal `while (Xalloc_StopOnFail);`.
	LoopOnCorruption
)

// Heap is the V1 free-list allocator. One Heap instance per address space
// that needs its own kernel or user heap.
type Heap struct {
	mu sync.Mutex

	pages      pagealloc.Allocator
	head       *block
	smapActive bool
	policy     FailurePolicy
}

// New returns an empty Heap backed by pages. smapActive selects whether
// alloc/free scope a stac/clac window around the critical section (only
// meaningful when entering from user-mode on x86, per §4.1).
func New(pages pagealloc.Allocator, smapActive bool, policy FailurePolicy) *Heap {
	return &Heap{pages: pages, smapActive: smapActive, policy: policy}
}

func pagesFor(size int) int {
	return (size + 1 + pagealloc.PageSize - 1) / pagealloc.PageSize
}

func (h *Heap) newBlock(size int) (*block, error) {
	n := pagesFor(size)
	addr, _, err := h.pages.RequestPages(n)
	if err != nil {
		return nil, err
	}
	return &block{
		checksum: blockChecksum,
		address:  addr,
		payload:  pagesAsSlice(addr, n),
		size:     size,
		isFree:   false,
	}, nil
}

// Alloc serves a variable-size allocation request. A zero-size request logs
// a warning and returns nil. The free list is walked for a fit; on
// checksum mismatch the configured FailurePolicy fires. If no fit is
// found a new block is appended at the tail.
func (h *Heap) Alloc(size int) []byte {
	if size == 0 {
		log.Warn("attempted to allocate 0 bytes")
		return nil
	}

	guard := cpuctx.EnterSMAP(h.smapActive)
	defer guard.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.head == nil {
		b, err := h.newBlock(size)
		if err != nil {
			log.Warn("page request failed for %d bytes: %v", size, err)
			return nil
		}
		h.head = b
		zero(b.payload, size)
		return b.payload[:size]
	}

	for cur := h.head; cur != nil; cur = cur.next {
		if !cur.Check() {
			h.corrupt(cur)
			return nil
		}
		if cur.isFree && cur.size >= size {
			cur.isFree = false
			zero(cur.payload, size)
			return cur.payload[:size]
		}
	}

	tail := h.head
	for tail.next != nil {
		tail = tail.next
	}
	nb, err := h.newBlock(size)
	if err != nil {
		log.Warn("page request failed for %d bytes: %v", size, err)
		return nil
	}
	nb.prev = tail
	tail.next = nb
	return nb.payload[:size]
}

// Free returns ptr's block to the free list. A nil ptr or an
// already-freed block is a warning, not an error; an address this heap
// never allocated is an error.
func (h *Heap) Free(ptr []byte) {
	if ptr == nil {
		log.Warn("attempted to free a nil pointer")
		return
	}
	addr := sliceAddr(ptr)

	guard := cpuctx.EnterSMAP(h.smapActive)
	defer guard.Close()

	h.mu.Lock()
	defer h.mu.Unlock()

	for cur := h.head; cur != nil; cur = cur.next {
		if !cur.Check() {
			h.corrupt(cur)
			return
		}
		if cur.address == addr {
			if cur.isFree {
				log.Warn("attempted to free an already-freed pointer %#x", addr)
				return
			}
			cur.isFree = true
			return
		}
	}

	log.Error("invalid address %#x", addr)
}

// Calloc zero-checks both arguments and delegates to Alloc, which already
// zeros the returned payload.
func (h *Heap) Calloc(n, size int) []byte {
	if n == 0 || size == 0 {
		log.Warn("calloc with n=%d size=%d is invalid", n, size)
		return nil
	}
	return h.Alloc(n * size)
}

// Realloc is the faithful free+alloc stub the original also ships with a
// documented TODO: a coalescing implementation is allowed but not
// required, and this one loses data on shrink/grow across the
// free+alloc boundary by design (§9 open question).
func (h *Heap) Realloc(ptr []byte, size int) []byte {
	if ptr == nil {
		return h.Alloc(size)
	}
	if size == 0 {
		h.Free(ptr)
		return nil
	}
	// TODO: implement true in-place resizing; the original defers this too.
	h.Free(ptr)
	return h.Alloc(size)
}

// Arrange is declared but unimplemented, matching the original's
// documented "not implemented yet" coalescing pass (§9).
func (h *Heap) Arrange() error {
	log.Error("Arrange() is not implemented yet")
	return fmt.Errorf("heap: Arrange not implemented")
}

func (h *Heap) corrupt(b *block) {
	switch h.policy {
	case LoopOnCorruption:
		for {
		}
	default:
		log.Fatal("block %#x has an invalid checksum (%#x != %#x)", b.address, b.checksum, blockChecksum)
		panic.Lock(fmt.Sprintf("heap: corrupt block at %#x", b.address))
	}
}

// pagesAsSlice reinterprets an n-page region starting at addr as a byte
// slice. addr is always a live host mapping handed back by a
// pagealloc.Allocator (memsim in tests), never an arbitrary integer.
func pagesAsSlice(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n*pagealloc.PageSize)
}

// sliceAddr recovers the address a payload slice was constructed from, so
// Free can match it back against the free list by address.
func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func zero(buf []byte, n int) {
	if n > len(buf) {
		n = len(buf)
	}
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
}
