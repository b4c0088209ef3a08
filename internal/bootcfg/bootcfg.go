// Package bootcfg is the typed boot-configuration manifest: a YAML
// document parsed once at boot, mirroring how the teacher's
// internal/acpi and internal/chipset builders take typed config structs
// rather than stringly-typed maps.
package bootcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/nucleus/internal/irq"
)

// Config is the full set of boot/runtime flags this core reads before
// bringing up interrupts and scheduling.
type Config struct {
	// IOAPICInterruptCore pins every IOAPIC redirection entry's destination
	// to a single logical CPU instead of round-robining across cores.
	IOAPICInterruptCore int `yaml:"ioapic_interrupt_core"`

	// LinuxSubsystem enables the Linux-compatibility execution mode
	// (task.CompatLinux) for processes that request it.
	LinuxSubsystem bool `yaml:"linux_subsystem"`

	// SMAPActive toggles whether user-memory accesses from kernel code
	// scope a cpuctx.SMAPGuard.
	SMAPActive bool `yaml:"smap_active"`

	// StopOnChecksumFail selects heap.ReportOnCorruption (false) vs
	// heap.LoopOnCorruption (true) when a free-list block fails its
	// checksum.
	StopOnChecksumFail bool `yaml:"stop_on_checksum_fail"`

	// SortInterval is the dispatch count between irq.Core priority
	// re-sorts; zero selects irq.SortIntervalRelease.
	SortInterval uint64 `yaml:"sort_interval"`

	// Debug lowers SortInterval to irq.SortIntervalDebug when set and
	// SortInterval is zero.
	Debug bool `yaml:"debug"`
}

// Default returns the configuration a fresh boot uses absent a manifest.
func Default() Config {
	return Config{
		IOAPICInterruptCore: 0,
		SMAPActive:          true,
		SortInterval:        irq.SortIntervalRelease,
	}
}

// Load parses a YAML boot manifest from path, filling any field the
// document omits from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	cfg.SortInterval = 0
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("bootcfg: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: parse %s: %w", path, err)
	}
	cfg.resolveSortInterval()
	return cfg, nil
}

// Parse is Load without a filesystem round trip, for tests and embedded
// manifests.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	cfg.SortInterval = 0
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("bootcfg: parse: %w", err)
	}
	cfg.resolveSortInterval()
	return cfg, nil
}

func (c *Config) resolveSortInterval() {
	if c.SortInterval != 0 {
		return
	}
	if c.Debug {
		c.SortInterval = irq.SortIntervalDebug
	} else {
		c.SortInterval = irq.SortIntervalRelease
	}
}
