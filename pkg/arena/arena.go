/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: arena.go
Description: Coverage arena for the Akaylee Client. A fixed-size per-run byte map
keyed by code offset relative to a module base. Basic-block visits increment
8-bit cells; the filled map is sent to the control server exactly once at run
exit, where it is merged against fuzzing history and scored.
*/

package arena

import (
	"fmt"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
	"github.com/kleascm/akaylee-client/pkg/modules"
)

// Size is the arena byte-map size. Power of two, so offsets reduce with a
// mask rather than a divide on the basic-block hot path.
const Size = 1 << 16

// Arena is the per-run coverage map. The map is write-only during execution
// and read-only during reporting. Increments are deliberately non-atomic:
// lost updates under a thread race are acceptable, coverage is a heuristic
// signal and the hot path stays cheap.
type Arena struct {
	id        string
	mods      *modules.Map
	m         [Size]byte
	finalized bool
}

// New creates an arena bound to an identifier and a module map.
// The identifier is immutable after assignment.
func New(id string, mods *modules.Map) *Arena {
	return &Arena{id: id, mods: mods}
}

// ID returns the arena identifier
func (a *Arena) ID() string {
	return a.id
}

// RecordVisit increments the cell for a visited basic block. Addresses in
// untracked modules are ignored; coverage from system or infrastructure
// code is intentionally invisible.
func (a *Arena) RecordVisit(addr uintptr) {
	base, ok := a.mods.ResolveBase(addr)
	if !ok {
		return
	}
	offset := (addr - base) & (Size - 1)
	a.m[offset]++
}

// Cell returns the counter at an offset. Reporting/testing aid.
func (a *Arena) Cell(offset uintptr) byte {
	return a.m[offset&(Size-1)]
}

// Snapshot copies the map into a transferable form
func (a *Arena) Snapshot() *interfaces.ArenaSnapshot {
	snap := &interfaces.ArenaSnapshot{
		ID:  a.id,
		Map: make([]byte, Size),
	}
	copy(snap.Map, a.m[:])
	return snap
}

// Request announces the arena to the control server at session start. The
// server hands back any prior state it holds under this identifier (an empty
// arena on first sight); the local map stays zeroed regardless, since the
// map is write-once per run and merging happens server-side.
func (a *Arena) Request(conn interfaces.ServerConn) error {
	if _, err := conn.RequestArena(a.id); err != nil {
		return fmt.Errorf("failed to request arena %q: %w", a.id, err)
	}
	return nil
}

// Finalize sends the filled arena to the server and relays its scoring
// verdict. At most one finalize per run: a second call is a contract
// violation and returns an error without touching the server.
func (a *Arena) Finalize(conn interfaces.ServerConn) (*interfaces.CoverageVerdict, error) {
	if a.finalized {
		return nil, fmt.Errorf("arena %q already finalized", a.id)
	}
	a.finalized = true

	snap := a.Snapshot()
	if err := conn.RegisterArena(snap); err != nil {
		return nil, fmt.Errorf("failed to register arena %q: %w", a.id, err)
	}

	verdict, err := conn.GetCoverage(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to get coverage verdict for arena %q: %w", a.id, err)
	}
	return verdict, nil
}
