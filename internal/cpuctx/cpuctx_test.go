package cpuctx

import "testing"

func TestInterruptsCheckReflectsState(t *testing.T) {
	c := NewSoftContext(0)
	if !c.Interrupts(Check) {
		t.Fatalf("expected interrupts enabled on fresh context")
	}
	prev := c.Interrupts(Disable)
	if !prev {
		t.Fatalf("expected Disable to return previous state true")
	}
	if c.Interrupts(Check) {
		t.Fatalf("expected interrupts disabled after Disable")
	}
	c.Interrupts(Enable)
	if !c.Interrupts(Check) {
		t.Fatalf("expected interrupts enabled after Enable")
	}
}

func TestPageTableGetOrSwapReturnsPriorRoot(t *testing.T) {
	c := NewSoftContext(0)
	var root1 uint64 = 0x1000
	prev := c.PageTable(&root1)
	if prev != 0 {
		t.Fatalf("want prior root 0, got %#x", prev)
	}
	if got := c.PageTable(nil); got != root1 {
		t.Fatalf("want get to return %#x, got %#x", root1, got)
	}
	var root2 uint64 = 0x2000
	prev = c.PageTable(&root2)
	if prev != root1 {
		t.Fatalf("want swap to return prior root %#x, got %#x", root1, prev)
	}
}

func TestCounterMonotonic(t *testing.T) {
	c := NewSoftContext(0)
	a := c.Counter()
	b := c.Counter()
	if b <= a {
		t.Fatalf("expected monotonically increasing counter, got %d then %d", a, b)
	}
}

func TestSMAPGuardNoopWhenInactive(t *testing.T) {
	g := EnterSMAP(false)
	if err := g.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSchedulerFramePromotesFrameMethods(t *testing.T) {
	inner := &FrameAMD64{Rip: 0x1000, Rsp: 0x2000}
	sf := &SchedulerFrame{PPT: 0xA000, OPT: 0xB000, Frame: inner}

	if sf.InstructionPointer() != 0x1000 {
		t.Fatalf("expected promoted InstructionPointer, got %#x", sf.InstructionPointer())
	}
	sf.SetStackPointer(0x3000)
	if inner.Rsp != 0x3000 {
		t.Fatalf("expected SetStackPointer to mutate underlying frame")
	}
}
