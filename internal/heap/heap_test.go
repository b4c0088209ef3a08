package heap

import (
	"strings"
	"testing"

	"github.com/tinyrange/nucleus/internal/klog"
	"github.com/tinyrange/nucleus/internal/memsim"
)

func TestAllocWriteFreeAllocIsZeroed(t *testing.T) {
	pages := memsim.New()
	h := New(pages, false, ReportOnCorruption)

	a := h.Alloc(64)
	if a == nil {
		t.Fatalf("Alloc returned nil")
	}
	for i := range a {
		a[i] = 0xAB
	}
	h.Free(a)

	b := h.Alloc(64)
	if b == nil {
		t.Fatalf("second Alloc returned nil")
	}
	for i, v := range b {
		if v != 0 {
			t.Fatalf("expected zeroed reused block at %d, got %#x", i, v)
		}
	}
}

func TestDoubleFreeWarnsAndContinues(t *testing.T) {
	sink, err := klog.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer klog.Close()

	pages := memsim.New()
	h := New(pages, false, ReportOnCorruption)

	a := h.Alloc(32)
	h.Free(a)
	h.Free(a)

	found := false
	for _, line := range sink.Lines() {
		if strings.Contains(line, "already-freed") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected double-free warning in log, got %v", sink.Lines())
	}
}

func TestAllocZeroSizeWarnsAndReturnsNil(t *testing.T) {
	h := New(memsim.New(), false, ReportOnCorruption)
	if got := h.Alloc(0); got != nil {
		t.Fatalf("expected nil for zero-size allocation, got %v", got)
	}
}

func TestFreeUnknownPointerIsError(t *testing.T) {
	h := New(memsim.New(), false, ReportOnCorruption)
	other := New(memsim.New(), false, ReportOnCorruption)
	foreign := other.Alloc(16)
	h.Free(foreign) // must not panic; logs an error and returns
}

func TestCallocZerosAndRejectsInvalidArgs(t *testing.T) {
	h := New(memsim.New(), false, ReportOnCorruption)
	if got := h.Calloc(0, 16); got != nil {
		t.Fatalf("expected nil for n=0")
	}
	buf := h.Calloc(4, 8)
	if len(buf) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(buf))
	}
}

func TestReallocGrowsIntoFreshBlock(t *testing.T) {
	h := New(memsim.New(), false, ReportOnCorruption)
	a := h.Alloc(16)
	a[0] = 0x42
	b := h.Realloc(a, 128)
	if len(b) != 128 {
		t.Fatalf("expected 128 bytes, got %d", len(b))
	}
}

func TestArrangeIsUnimplemented(t *testing.T) {
	h := New(memsim.New(), false, ReportOnCorruption)
	if err := h.Arrange(); err == nil {
		t.Fatalf("expected Arrange to report unimplemented")
	}
}

