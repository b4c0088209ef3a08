// Package irq implements InterruptCore: the RegisteredEvents set and the
// main and scheduler dispatch paths that route a CPU interrupt to zero or
// one handler.
//
// RegisteredEvents is adapted from the teacher's chipset dispatch-table
// pattern (internal/chipset's port/MMIO handler maps keyed by address),
// generalized to a vector-keyed, runtime-mutable registry: the teacher
// builds its dispatch table once via ChipsetBuilder and never mutates it
// after Start; this core must support add/remove at any time, so the
// table is a plain locked slice rather than a build-once map.
package irq

import (
	"sort"

	"gvisor.dev/gvisor/pkg/sync"

	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/klog"
)

var log = klog.WithSource("irq")

// IRQBase is the vector offset legacy IRQ numbers are relative to; vector
// 32 is IRQ 0.
const IRQBase = 32

// HaltVector is the "halt this core" IPI vector, IRQ-base-relative (31).
const HaltVector = IRQBase + 31

// SchedulerVector carries scheduler ticks, IRQ-base-relative (16).
const SchedulerVector = IRQBase + 16

// SortIntervalRelease and SortIntervalDebug are the usual values for how
// many dispatches elapse between priority re-sorts; the interval is passed
// to New, and tests pass a small one so the policy is observable without
// 10k dispatches.
const (
	SortIntervalRelease = 10_000
	SortIntervalDebug   = 1_000
)

// HandlerKind distinguishes the two entry shapes RegisteredEvents holds.
type HandlerKind int

const (
	KindCCallback HandlerKind = iota
	KindObjectHandler
)

// ObjectHandler is the polymorphic "received an interrupt" capability;
// any kernel subsystem that wants object-style dispatch implements it.
type ObjectHandler interface {
	OnInterruptReceived(frame cpuctx.Frame)
}

// CallbackFunc is the free-function dispatch shape; ctx is passed
// verbatim if non-nil, otherwise the frame itself is passed to fn.
type CallbackFunc func(arg any)

// HandlerEntry is one registered interrupt handler.
type HandlerEntry struct {
	Vector   uint8
	Kind     HandlerKind
	Fn       CallbackFunc
	Object   ObjectHandler
	Context  any
	Priority uint64
	Critical bool
}

// Core owns RegisteredEvents and dispatches interrupts against it.
type Core struct {
	mu     sync.RWMutex
	events []*HandlerEntry

	dispatches   uint64
	sortInterval uint64
}

// New returns an empty Core. sortInterval selects the re-sort cadence;
// pass SortIntervalRelease or SortIntervalDebug, or any smaller value in
// tests that want to observe the sort without 10k dispatches.
func New(sortInterval uint64) *Core {
	if sortInterval == 0 {
		sortInterval = SortIntervalRelease
	}
	return &Core{sortInterval: sortInterval}
}

// AddCallback appends a CCallback entry. A duplicate (vector, fn) pair is
// warned about but still added, matching the original's permissive
// registration policy.
func (c *Core) AddCallback(vector uint8, fn CallbackFunc, context any, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.events {
		if e.Kind == KindCCallback && e.Vector == vector && sameFunc(e.Fn, fn) {
			log.Warn("duplicate callback registered for vector %d", vector)
			break
		}
	}

	c.events = append(c.events, &HandlerEntry{
		Vector:   vector,
		Kind:     KindCCallback,
		Fn:       fn,
		Context:  context,
		Critical: critical,
	})
}

// AddObjectHandler appends an ObjectHandler entry.
func (c *Core) AddObjectHandler(vector uint8, handler ObjectHandler, critical bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, &HandlerEntry{
		Vector:   vector,
		Kind:     KindObjectHandler,
		Object:   handler,
		Critical: critical,
	})
}

// RemoveByVector removes every non-critical entry registered for vector.
func (c *Core) RemoveByVector(vector uint8) {
	c.removeMatching(func(e *HandlerEntry) bool { return e.Vector == vector })
}

// RemoveByFunc removes every non-critical CCallback entry whose fn matches.
func (c *Core) RemoveByFunc(fn CallbackFunc) {
	c.removeMatching(func(e *HandlerEntry) bool {
		return e.Kind == KindCCallback && sameFunc(e.Fn, fn)
	})
}

// RemoveByVectorAndFunc removes non-critical CCallback entries matching both.
func (c *Core) RemoveByVectorAndFunc(vector uint8, fn CallbackFunc) {
	c.removeMatching(func(e *HandlerEntry) bool {
		return e.Vector == vector && e.Kind == KindCCallback && sameFunc(e.Fn, fn)
	})
}

func (c *Core) removeMatching(match func(*HandlerEntry) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.events[:0]
	for _, e := range c.events {
		if e.Critical || !match(e) {
			kept = append(kept, e)
		}
	}
	c.events = kept
}

// RemoveAll removes every non-critical entry, used on kernel shutdown.
func (c *Core) RemoveAll() {
	c.removeMatching(func(*HandlerEntry) bool { return true })
}

// Entries returns a snapshot of RegisteredEvents, for tests asserting the
// "exactly the registered non-removed entries and no others" invariant.
func (c *Core) Entries() []HandlerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]HandlerEntry, len(c.events))
	for i, e := range c.events {
		out[i] = *e
	}
	return out
}

// EOITarget is the narrow LAPIC capability main_handler needs at the end
// of dispatch; internal/apic.Controller satisfies it.
type EOITarget interface {
	EOI()
}

func (c *Core) find(vector uint8) *HandlerEntry {
	for _, e := range c.events {
		if e.Vector == vector {
			return e
		}
	}
	return nil
}

// MainHandler is the primary dispatch path. It scoped-acquires the kernel
// page table via cc, routes frame.Vector()-IRQBase to the first matching
// handler, increments its priority counter, invokes it, and EOIs lapic —
// in that order, matching spec §4.3 step-for-step. The halt vector short
// circuits before any kernel data is touched beyond the page-table swap.
func (c *Core) MainHandler(cc cpuctx.Context, frame cpuctx.Frame, lapic EOITarget) {
	prevRoot := cc.PageTable(nil)
	kernelRoot := uint64(0)
	if prevRoot != kernelRoot {
		cc.PageTable(&kernelRoot)
	}
	defer func() {
		if prevRoot != kernelRoot {
			r := prevRoot
			cc.PageTable(&r)
		}
	}()

	vector := frame.Vector()
	if vector == HaltVector {
		cc.Halt(true)
		return
	}

	c.mu.Lock()
	entry := c.find(vector - IRQBase)
	if entry == nil {
		c.mu.Unlock()
		log.Warn("no handler registered for vector %d", vector)
		c.eoi(lapic)
		return
	}
	entry.Priority++
	c.mu.Unlock()

	c.invoke(entry, frame)
	c.eoi(lapic)
	c.maybeSort()
}

// SchedulerHandler is structurally identical to MainHandler but runs
// exclusively for SchedulerVector and publishes the new page-table root
// into frame's scheduler fields on entry.
func (c *Core) SchedulerHandler(cc cpuctx.Context, frame *cpuctx.SchedulerFrame, newRoot uint64, lapic EOITarget) {
	prevRoot := cc.PageTable(&newRoot)
	frame.OPT = prevRoot
	frame.PPT = newRoot

	c.mu.Lock()
	entry := c.find(SchedulerVector - IRQBase)
	if entry == nil {
		c.mu.Unlock()
		log.Warn("no handler registered for scheduler vector")
		frame.PPT = prevRoot
		cc.PageTable(&prevRoot)
		c.eoi(lapic)
		return
	}
	entry.Priority++
	c.mu.Unlock()

	c.invoke(entry, frame)
	c.eoi(lapic)
	c.maybeSort()
}

func (c *Core) invoke(entry *HandlerEntry, frame cpuctx.Frame) {
	switch entry.Kind {
	case KindObjectHandler:
		if entry.Object != nil {
			entry.Object.OnInterruptReceived(frame)
		}
	case KindCCallback:
		if entry.Fn != nil {
			if entry.Context != nil {
				entry.Fn(entry.Context)
			} else {
				entry.Fn(frame)
			}
		}
	}
}

func (c *Core) eoi(lapic EOITarget) {
	if lapic == nil {
		log.Error("dispatch completed with no Local APIC present on this CPU")
		return
	}
	lapic.EOI()
}

// maybeSort re-sorts RegisteredEvents every sortInterval dispatches.
// Sorted descending by priority: the source code sorts ascending while
// its own comment says "hot handlers first", a contradiction this core
// resolves in favor of the stated intent (see the resolved open question
// in the module's design notes).
func (c *Core) maybeSort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatches++
	if c.dispatches%c.sortInterval != 0 {
		return
	}
	sort.SliceStable(c.events, func(i, j int) bool {
		return c.events[i].Priority > c.events[j].Priority
	})
}

func sameFunc(a, b CallbackFunc) bool {
	// Go gives no portable function-value equality; CallbackFunc identity
	// is therefore compared by code pointer (funcPointer, via
	// reflect.ValueOf), so two closures of the same function literal
	// compare equal.
	return funcPointer(a) == funcPointer(b)
}
