// Command nucleusctl boots the hosted kernel core standalone: it wires a
// memsim page allocator, the heap, the interrupt core, a round-robin
// scheduler, and an idle process, logs a boot summary, and exits. It
// exists to exercise the packages under internal/ end to end outside of
// their unit tests, the way the teacher's cmd/cc wires internal/hv and
// friends into a runnable virtual machine.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tinyrange/nucleus/internal/addrspace"
	"github.com/tinyrange/nucleus/internal/bootcfg"
	"github.com/tinyrange/nucleus/internal/cpuctx"
	"github.com/tinyrange/nucleus/internal/heap"
	"github.com/tinyrange/nucleus/internal/irq"
	"github.com/tinyrange/nucleus/internal/klog"
	"github.com/tinyrange/nucleus/internal/memsim"
	"github.com/tinyrange/nucleus/internal/percpu"
	"github.com/tinyrange/nucleus/internal/sched"
	"github.com/tinyrange/nucleus/internal/vfsproc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nucleusctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	manifest := flag.String("config", "", "path to a boot.yaml manifest (optional)")
	logPath := flag.String("log", "nucleus.log", "path to write the structured boot log")
	flag.Parse()

	cfg := bootcfg.Default()
	if *manifest != "" {
		loaded, err := bootcfg.Load(*manifest)
		if err != nil {
			return fmt.Errorf("nucleusctl: %w", err)
		}
		cfg = loaded
	}

	if err := klog.OpenFile(*logPath); err != nil {
		return fmt.Errorf("nucleusctl: open log: %w", err)
	}
	defer klog.Close()

	log := klog.WithSource("nucleusctl")

	pages := memsim.New()
	policy := heap.ReportOnCorruption
	if cfg.StopOnChecksumFail {
		policy = heap.LoopOnCorruption
	}
	kernelHeap := heap.New(pages, cfg.SMAPActive, policy)
	scratch := kernelHeap.Alloc(64)
	if scratch == nil {
		return fmt.Errorf("nucleusctl: kernel heap failed its first allocation")
	}

	cores := irq.New(cfg.SortInterval)

	cc := cpuctx.NewSoftContext(0)
	table := percpu.NewTable(1)
	if err := table.Install(0, &percpu.Block{Context: cc}); err != nil {
		return fmt.Errorf("nucleusctl: percpu install: %w", err)
	}

	kernelSpace := addrspace.NewKernel()
	vfs := vfsproc.NewTree()

	scheduler := sched.NewRoundRobin(1)
	scheduler.ConfigureIdleProcess(kernelSpace, vfs, 0)
	idle, err := scheduler.StartIdleProcess()
	if err != nil {
		return fmt.Errorf("nucleusctl: start idle process: %w", err)
	}
	if err := scheduler.StartScheduler(); err != nil {
		return fmt.Errorf("nucleusctl: start scheduler: %w", err)
	}
	table.Get(0).SetCurrent(idle, idle.Threads[0])
	cores.AddObjectHandler(irq.SchedulerVector-irq.IRQBase, scheduler, true)

	log.Info("nucleus core up: pid=%d ioapic_core=%d linux_subsystem=%v", idle.ID, cfg.IOAPICInterruptCore, cfg.LinuxSubsystem)
	return nil
}
