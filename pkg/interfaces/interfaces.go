/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: interfaces.go
Description: Shared interfaces for the Akaylee Client. Defines the data model and
component contracts used across all packages to break import cycles and enable
proper modular design. Covers module records, intercepted call events, mutation
records, coverage verdicts, and crash contexts.
*/

package interfaces

import (
	"github.com/google/uuid"
)

// ModuleInfo describes a single loaded module of the target process.
// Created on module-load notification; the address range is immutable.
type ModuleInfo struct {
	BaseAddr      uintptr
	Size          uint64
	FullPath      string
	PreferredName string
}

// Contains reports whether addr falls inside this module's address range
func (m *ModuleInfo) Contains(addr uintptr) bool {
	return addr >= m.BaseAddr && addr < m.BaseAddr+uintptr(m.Size)
}

// MutationStrategy identifies a mutation algorithm. The values are stable
// and shared with the control server, which hands them back as advice in
// coverage-guided mode.
type MutationStrategy uint32

const (
	StrategyBitFlip MutationStrategy = iota
	StrategyByteSubstitution
	StrategyArithmetic
	StrategyInterestingValues
	StrategyBlockShuffle
	StrategyHavoc

	// NumStrategies bounds the valid strategy range; advice outside it
	// falls back to a locally chosen default.
	NumStrategies
)

// CallEvent represents a single intercepted read-like call of the target.
// Created per call, consumed by the target filter and mutation engine,
// discarded after mutation or rejection. The Buffer slice aliases the
// caller-owned memory the target is about to consume; mutation happens
// in place over it.
type CallEvent struct {
	Function    string  // hooked function name, e.g. "ReadFile"
	Module      string  // preferred name of the module the call was resolved in
	Source      string  // file path or origin tag; may be empty
	Position    uint64  // byte offset of the read within the source
	Requested   uint64  // bytes the caller asked for
	Transferred *uint64 // bytes actually produced; nil when the call does not report it
	Buffer      []byte  // caller-owned buffer, mutated in place
	ArgHash     string  // call-site argument hash for dedup
	MappedRead  bool    // "map this region" primitive; length/source resolved post-call
	MappedAddr  uintptr // base address of the mapped view (mapped reads only)
}

// MutationRecord describes one applied mutation. Sent to the control server,
// which is the system of record for mutation history; discarded locally.
type MutationRecord struct {
	Function string           `json:"function"`
	Seq      uint64           `json:"seq"`
	Strategy MutationStrategy `json:"strategy"`
	Source   string           `json:"source,omitempty"`
	Position uint64           `json:"position"`
	Length   uint64           `json:"length"`
	Data     []byte           `json:"data"`
}

// ArenaSnapshot is the transferable form of a coverage arena: the opaque
// arena identifier plus a copy of the byte map.
type ArenaSnapshot struct {
	ID  string `json:"id"`
	Map []byte `json:"map"`
}

// CoverageVerdict is the server's scoring of a finalized arena against
// fuzzing history.
type CoverageVerdict struct {
	PathHash       string `json:"path_hash"`
	Bucketed       bool   `json:"bucketed"`
	Score          uint32 `json:"score"`
	TriesRemaining uint32 `json:"tries_remaining"`
}

// CrashPaths holds the artifact locations the server assigned for a crash
type CrashPaths struct {
	InitialDumpPath string `json:"initial_dump_path"`
}

// ExceptionInfo is the raw first-chance exception record delivered by the
// instrumentation engine.
type ExceptionInfo struct {
	ThreadID  uint64
	Code      uint32
	Address   uintptr
	Registers map[string]uint64
}

// CrashContext is the frozen crash state: owning thread, full register
// context, and a defensive copy of the exception record. Created at most
// once per run; immutable after capture.
type CrashContext struct {
	ThreadID  uint64
	Registers map[string]uint64
	Record    ExceptionInfo
}

// ServerConn is the synchronous connection to the control server. Every
// call blocks the calling thread until a response or a connection failure;
// transport timeouts surface as errors.
type ServerConn interface {
	Open() error
	Close() error
	AssignRunID(id uuid.UUID) error
	RegisterPID(pid int, serverSide bool) error
	RequestArena(id string) (*ArenaSnapshot, error)
	RegisterArena(snap *ArenaSnapshot) error
	GetCoverage(snap *ArenaSnapshot) (*CoverageVerdict, error)
	AdviseMutation(snap *ArenaSnapshot) (MutationStrategy, error)
	RegisterMutation(rec *MutationRecord) error
	RequestCrashPaths(pid int) (*CrashPaths, error)
}

// BufferMutator mutates a buffer in place. Implementations must never grow
// or shrink the slice; the applied length is decided by the caller.
type BufferMutator interface {
	Init() error
	Mutate(data []byte) error
	Name() string
	Description() string
}

// MappedRegionResolver resolves properties of a mapped memory view. The
// instrumentation engine provides the implementation; the mutation engine
// uses it for map-style read primitives whose length and source are only
// known after the call returns.
type MappedRegionResolver interface {
	RegionSize(addr uintptr) (uint64, bool)
	MappedFilePath(addr uintptr) (string, bool)
}

// DumpWriter produces a crash-dump artifact from a captured crash context.
// The concrete dump layout is platform-specific and out of the client's hands.
type DumpWriter interface {
	WriteDump(path string, ctx *CrashContext) error
}
