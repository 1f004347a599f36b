/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: filter.go
Description: Target call filter for the Akaylee Client. Holds the data-driven hook
table of interceptable read primitives (function name, expected module, alias,
mapped-read marker) and gates the mutation engine: a call is only mutated when it
is in scope for its module, selected by a target descriptor, and clamped to the
bytes the call actually produced.
*/

package target

import (
	"strings"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
)

// HookSpec describes one interceptable primitive. The table form replaces
// per-function wrapper repetition: every entry is evaluated uniformly, and
// the registry alias special case is data, not a conditional.
type HookSpec struct {
	Function   string
	Module     string // expected owning module; "" means module-agnostic
	Alias      string // logical name shared with sibling variants, if any
	MappedRead bool   // buffer/length resolved only after the call returns
	Registry   bool   // only hooked when registry fuzzing is enabled
}

// HookTable is the ordered set of primitives the client knows how to
// intercept. Order matches hook installation order.
var HookTable = []HookSpec{
	{Function: "ReadFile", Module: "KERNEL32.DLL"},
	{Function: "InternetReadFile", Module: "WININET.DLL"},
	{Function: "ReadEventLogA", Module: "ADVAPI32.DLL"},
	{Function: "ReadEventLogW", Module: "ADVAPI32.DLL"},
	{Function: "RegQueryValueExA", Module: "ADVAPI32.DLL", Alias: "RegQueryValueEx", Registry: true},
	{Function: "RegQueryValueExW", Module: "ADVAPI32.DLL", Alias: "RegQueryValueEx", Registry: true},
	{Function: "WinHttpWebSocketReceive", Module: "WINHTTP.DLL"},
	{Function: "WinHttpReadData", Module: "WINHTTP.DLL"},
	{Function: "recv", Module: "WS2_32.DLL"},
	{Function: "fread_s", Module: "UCRTBASE.DLL"},
	{Function: "fread", Module: "UCRTBASE.DLL"},
	{Function: "_read", Module: "UCRTBASE.DLL"},
	{Function: "MapViewOfFile", Module: "KERNELBASE.DLL", MappedRead: true},
}

// Filter decides which intercepted calls are interesting enough to mutate
type Filter struct {
	descriptors Descriptors
	table       []HookSpec
	byFunction  map[string]*HookSpec
}

// NewFilter builds a filter over the hook table for the given descriptor
// list. Registry primitives are only present when registry fuzzing was
// requested.
func NewFilter(descs Descriptors, registryHooks bool) *Filter {
	f := &Filter{
		descriptors: descs,
		byFunction:  make(map[string]*HookSpec),
	}
	for i := range HookTable {
		spec := HookTable[i]
		if spec.Registry && !registryHooks {
			continue
		}
		f.table = append(f.table, spec)
		f.byFunction[spec.Function] = &f.table[len(f.table)-1]
	}
	return f
}

// Table returns the active hook specs in installation order
func (f *Filter) Table() []HookSpec {
	return f.table
}

// SpecFor looks up the hook spec for a function name
func (f *Filter) SpecFor(function string) (*HookSpec, bool) {
	spec, ok := f.byFunction[function]
	return spec, ok
}

// IsInScope reports whether a call's owning module matches the expected
// module for that function. Prevents accidental hooking of same-named
// functions in unrelated modules.
func (f *Filter) IsInScope(function, module string) bool {
	spec, ok := f.byFunction[function]
	if !ok {
		return false
	}
	if spec.Module == "" {
		return true
	}
	return strings.EqualFold(spec.Module, module)
}

// IsTargeted reports whether a call event's function is selected for
// mutation, applying the alias rule for variant primitives.
func (f *Filter) IsTargeted(ev *interfaces.CallEvent) bool {
	spec, ok := f.byFunction[ev.Function]
	if !ok {
		return false
	}
	return f.descriptors.IsTargeted(spec.Function, spec.Alias)
}

// EffectiveLength returns the byte count mutation may touch: the requested
// count, clamped to the bytes the call actually transferred and to the
// buffer the call produced. Never mutate more bytes than were genuinely
// read.
func EffectiveLength(ev *interfaces.CallEvent) uint64 {
	n := ev.Requested
	if ev.Transferred != nil && *ev.Transferred < n {
		n = *ev.Transferred
	}
	if ev.Buffer != nil && uint64(len(ev.Buffer)) < n {
		n = uint64(len(ev.Buffer))
	}
	return n
}
