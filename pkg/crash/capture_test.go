/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: capture_test.go
Description: Tests for crash capture. Covers context freezing with defensive
copies, the first-capture-wins latch, the exiting-exception abort path, dump
artifact production, and exception code naming.
*/

package crash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
	"github.com/kleascm/akaylee-client/pkg/server"
)

func accessViolation() *interfaces.ExceptionInfo {
	return &interfaces.ExceptionInfo{
		ThreadID: 4242,
		Code:     0xC0000005,
		Address:  0x41414141,
		Registers: map[string]uint64{
			"rip": 0x41414141,
			"rsp": 0x7FFE0000,
			"rax": 0xDEADBEEF,
		},
	}
}

// TestCaptureFreezesContext verifies that the first exception produces a
// complete crash context
func TestCaptureFreezesContext(t *testing.T) {
	c := NewCapture(nil, func() { t.Fatal("abort must not fire on first capture") })

	require.True(t, c.OnException(accessViolation(), false))
	assert.Equal(t, StateCaptured, c.State())

	ctx := c.Context()
	require.NotNil(t, ctx)
	assert.Equal(t, uint64(4242), ctx.ThreadID)
	assert.Equal(t, uint32(0xC0000005), ctx.Record.Code)
	assert.Equal(t, uintptr(0x41414141), ctx.Record.Address)
	assert.Equal(t, uint64(0xDEADBEEF), ctx.Registers["rax"])
}

// TestCaptureCopiesRegisters verifies the defensive copy: clobbering the
// handler's structures after capture must not change the frozen context
func TestCaptureCopiesRegisters(t *testing.T) {
	c := NewCapture(nil, func() { t.Fatal("unexpected abort") })

	info := accessViolation()
	require.True(t, c.OnException(info, false))

	info.Registers["rip"] = 0
	info.Registers["rax"] = 0
	info.ThreadID = 0

	ctx := c.Context()
	assert.Equal(t, uint64(4242), ctx.ThreadID)
	assert.Equal(t, uint64(0x41414141), ctx.Registers["rip"])
	assert.Equal(t, uint64(0xDEADBEEF), ctx.Record.Registers["rax"])
}

// TestExceptionWhileExitingAborts verifies that an exception during teardown
// aborts without any capture
func TestExceptionWhileExitingAborts(t *testing.T) {
	aborted := false
	c := NewCapture(nil, func() { aborted = true })

	assert.False(t, c.OnException(accessViolation(), true))
	assert.True(t, aborted)
	assert.Equal(t, StateFatalDoubleFault, c.State())
	assert.Nil(t, c.Context())
}

// TestSecondExceptionAborts verifies first-capture-wins: a second exception
// after the first capture aborts and leaves the frozen context untouched
func TestSecondExceptionAborts(t *testing.T) {
	aborted := false
	c := NewCapture(nil, func() { aborted = true })

	require.True(t, c.OnException(accessViolation(), false))

	second := accessViolation()
	second.ThreadID = 9999
	second.Code = 0xC00000FD
	assert.False(t, c.OnException(second, false))

	assert.True(t, aborted)
	assert.Equal(t, StateFatalDoubleFault, c.State())
	require.NotNil(t, c.Context())
	assert.Equal(t, uint64(4242), c.Context().ThreadID)
}

// TestReportWritesDump verifies the artifact flow: the server assigns the
// path and the dump lands there with the readable exception kind
func TestReportWritesDump(t *testing.T) {
	dumpPath := filepath.Join(t.TempDir(), "crash.json")
	stub := &server.Stub{
		CrashPaths: interfaces.CrashPaths{InitialDumpPath: dumpPath},
	}

	c := NewCapture(nil, func() { t.Fatal("unexpected abort") })
	require.True(t, c.OnException(accessViolation(), false))

	c.Report(stub, 1234, NewFileDumpWriter())
	assert.Equal(t, StateReported, c.State())
	assert.Equal(t, 1, stub.CrashPathsAsked)

	data, err := os.ReadFile(dumpPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "EXCEPTION_ACCESS_VIOLATION")
	assert.Contains(t, string(data), "0x41414141")

	// Reporting is once per run
	c.Report(stub, 1234, NewFileDumpWriter())
	assert.Equal(t, 1, stub.CrashPathsAsked)
}

// TestReportWithoutCapture verifies that an armed capture never reports
func TestReportWithoutCapture(t *testing.T) {
	stub := &server.Stub{}
	c := NewCapture(nil, func() {})

	c.Report(stub, 1234, NewFileDumpWriter())
	assert.Equal(t, StateArmed, c.State())
	assert.Equal(t, 0, stub.CrashPathsAsked)
}

// TestExceptionName verifies code-to-kind mapping for known and unknown codes
func TestExceptionName(t *testing.T) {
	assert.Equal(t, "EXCEPTION_ACCESS_VIOLATION", ExceptionName(0xC0000005))
	assert.Equal(t, "EXCEPTION_STACK_OVERFLOW", ExceptionName(0xC00000FD))
	assert.Equal(t, "EXCEPTION_GUARD_PAGE", ExceptionName(0x80000001))
	assert.Equal(t, "EXCEPTION_UNKNOWN_C0000420", ExceptionName(0xC0000420))
}

// TestStateString verifies lifecycle state names
func TestStateString(t *testing.T) {
	assert.Equal(t, "ARMED", StateArmed.String())
	assert.Equal(t, "CAPTURED", StateCaptured.String())
	assert.Equal(t, "REPORTED", StateReported.String())
	assert.Equal(t, "FATAL_DOUBLE_FAULT", StateFatalDoubleFault.String())
	assert.Equal(t, "UNKNOWN", State(99).String())
}
