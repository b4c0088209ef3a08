// Package vfsproc implements the minimal /proc/<pid>/{cwd,exe} symlink
// surface Process.Create/SetWorkingDirectory/SetExe need. The full VFS is
// explicitly out of scope for this kernel core (spec.md §1); this is a
// small in-memory symlink map grounded on
// original_source/Kernel/tasking/process.cpp's VFS calls at process
// creation and exec, reshaped from "call into the real VFS" to "record
// the two facts the rest of this core actually reads back".
package vfsproc

import (
	"fmt"
	"sync"
)

type procEntry struct {
	cwd string
	exe string
}

// Tree is the in-memory /proc/<pid> symlink table.
type Tree struct {
	mu      sync.Mutex
	entries map[uint64]*procEntry
}

// NewTree returns an empty Tree.
func NewTree() *Tree {
	return &Tree{entries: map[uint64]*procEntry{}}
}

// CreateProcessDir registers pid, the vfsproc equivalent of mkdir
// /proc/<pid>.
func (t *Tree) CreateProcessDir(pid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[pid]; exists {
		return fmt.Errorf("vfsproc: /proc/%d already exists", pid)
	}
	t.entries[pid] = &procEntry{}
	return nil
}

// RemoveProcessDir removes pid's entry; Process.Destroy calls it.
func (t *Tree) RemoveProcessDir(pid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, pid)
}

// SetCwd updates /proc/<pid>/cwd.
func (t *Tree) SetCwd(pid uint64, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if !ok {
		return fmt.Errorf("vfsproc: no /proc/%d entry", pid)
	}
	e.cwd = path
	return nil
}

// SetExe updates /proc/<pid>/exe.
func (t *Tree) SetExe(pid uint64, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if !ok {
		return fmt.Errorf("vfsproc: no /proc/%d entry", pid)
	}
	e.exe = path
	return nil
}

// Cwd reads /proc/<pid>/cwd back, for tests and for fork/exec paths that
// need to inherit a parent's working directory.
func (t *Tree) Cwd(pid uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if !ok {
		return "", false
	}
	return e.cwd, true
}

// Exe reads /proc/<pid>/exe back.
func (t *Tree) Exe(pid uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[pid]
	if !ok {
		return "", false
	}
	return e.exe, true
}
