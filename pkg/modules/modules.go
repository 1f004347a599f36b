/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: modules.go
Description: Module map for the Akaylee Client. Tracks the loaded modules of the
target process so that basic-block addresses can be resolved to the base address
of their owning module. Skips infrastructure modules (system libraries and the
instrumentation engine itself) and enforces a fixed tracking capacity with a
silent-drop policy beyond it.
*/

package modules

import (
	"strings"
	"sync"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
)

// DefaultMaxModules bounds how many modules the map will track. Most targets
// load far fewer; a target past the limit simply has its later modules
// resolve as untracked.
const DefaultMaxModules = 1024

// SystemPathPrefix marks modules that belong to the host platform rather
// than the fuzzing target. Coverage inside them is intentionally invisible.
const SystemPathPrefix = `C:\Windows\`

// engineSubstrings identify the instrumentation engine's own modules by
// path substring. These are infrastructure, not fuzzing targets.
var engineSubstrings = []string{
	"dynamorio.dll",
	"drreg.dll",
	"drwrap.dll",
	"drmgr.dll",
	"fuzzer.dll",
}

// Map resolves code addresses to the base address of their owning module.
// Safe for concurrent use: module-load notifications and basic-block visits
// arrive on whichever target thread triggers them.
type Map struct {
	mu       sync.RWMutex
	capacity int
	records  []*interfaces.ModuleInfo
}

// NewMap creates a module map with the given tracking capacity.
// A capacity of zero or less falls back to DefaultMaxModules.
func NewMap(capacity int) *Map {
	if capacity <= 0 {
		capacity = DefaultMaxModules
	}
	return &Map{
		capacity: capacity,
		records:  make([]*interfaces.ModuleInfo, 0, 16),
	}
}

// Record adds a module on load notification. Infrastructure modules are
// skipped, and modules past capacity are dropped silently; addresses inside
// them will resolve as untracked. Returns whether the module was recorded.
func (m *Map) Record(mod *interfaces.ModuleInfo) bool {
	if mod == nil || !m.isTrackable(mod.FullPath) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.records) >= m.capacity {
		return false
	}

	// Keep an owned copy: the notification's record may be reused by the
	// instrumentation engine after the callback returns.
	cp := *mod
	m.records = append(m.records, &cp)
	return true
}

// ResolveBase returns the base address of the module containing addr.
// Scan order is module-load order; ranges are disjoint, so the first match
// is the only match.
func (m *Map) ResolveBase(addr uintptr) (uintptr, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.Contains(addr) {
			return rec.BaseAddr, true
		}
	}
	return 0, false
}

// ResolveName returns the preferred name of the module containing addr
func (m *Map) ResolveName(addr uintptr) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, rec := range m.records {
		if rec.Contains(addr) {
			return rec.PreferredName, true
		}
	}
	return "", false
}

// Len returns the number of tracked modules
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Release drops all module records. Called once during session teardown.
func (m *Map) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}

// isTrackable applies the infrastructure-module skip rules
func (m *Map) isTrackable(path string) bool {
	if hasPrefixFold(path, SystemPathPrefix) {
		return false
	}
	lower := strings.ToLower(path)
	for _, sub := range engineSubstrings {
		if strings.Contains(lower, sub) {
			return false
		}
	}
	return true
}

// hasPrefixFold is a case-insensitive strings.HasPrefix; module paths on the
// host platform are case-preserving but compared caselessly.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
