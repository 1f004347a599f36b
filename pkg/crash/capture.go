/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: capture.go
Description: Crash capture for the Akaylee Client. On the first first-chance
exception of a run the faulting thread's identity, register context, and
exception record are frozen into a single immutable crash context for artifact
production. A second exception while the session is already exiting means the
instrumentation itself faulted and aborts the process immediately.
*/

package crash

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
)

// State tracks the capture lifecycle
type State int

const (
	StateArmed State = iota
	StateCaptured
	StateReported
	StateFatalDoubleFault
)

// String returns the string representation of a capture state
func (s State) String() string {
	switch s {
	case StateArmed:
		return "ARMED"
	case StateCaptured:
		return "CAPTURED"
	case StateReported:
		return "REPORTED"
	case StateFatalDoubleFault:
		return "FATAL_DOUBLE_FAULT"
	default:
		return "UNKNOWN"
	}
}

// exceptionNames maps platform exception codes to readable kinds
var exceptionNames = map[uint32]string{
	0x80000001: "EXCEPTION_GUARD_PAGE",
	0x80000003: "EXCEPTION_BREAKPOINT",
	0xC0000005: "EXCEPTION_ACCESS_VIOLATION",
	0xC000001D: "EXCEPTION_ILLEGAL_INSTRUCTION",
	0xC0000094: "EXCEPTION_INT_DIVIDE_BY_ZERO",
	0xC00000FD: "EXCEPTION_STACK_OVERFLOW",
	0xC0000374: "EXCEPTION_HEAP_CORRUPTION",
	0xC0000409: "EXCEPTION_STACK_BUFFER_OVERRUN",
}

// ExceptionName returns the readable kind for an exception code
func ExceptionName(code uint32) string {
	if name, ok := exceptionNames[code]; ok {
		return name
	}
	return fmt.Sprintf("EXCEPTION_UNKNOWN_%08X", code)
}

// Capture freezes crash state for a run. First capture wins; the latch is a
// single-acquisition critical section so only one thread ever owns the
// context and the later dump write.
type Capture struct {
	mu     sync.Mutex
	state  State
	ctx    *interfaces.CrashContext
	logger *logrus.Logger
	abort  func() // immediate process abort, no dump attempt
}

// NewCapture creates an armed capture. abort is invoked on a double fault
// and must not return.
func NewCapture(logger *logrus.Logger, abort func()) *Capture {
	if logger == nil {
		logger = logrus.New()
	}
	return &Capture{
		state:  StateArmed,
		logger: logger,
		abort:  abort,
	}
}

// State returns the current capture state
func (c *Capture) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Context returns the captured crash context, nil while armed
func (c *Capture) Context() *interfaces.CrashContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// OnException handles a first-chance exception. When the session is already
// tearing down this is instrumentation corruption, not a second crash: the
// process aborts without any capture. Otherwise the exception is frozen into
// the crash context and the caller must terminate the process. Returns true
// when a capture was made.
func (c *Capture) OnException(info *interfaces.ExceptionInfo, exiting bool) bool {
	c.mu.Lock()

	if exiting || c.state != StateArmed {
		// First capture wins. Anything after it means the exit path itself
		// faulted, which is instrumentation corruption, not a second crash.
		c.state = StateFatalDoubleFault
		c.mu.Unlock()
		c.logger.Error("Exception while exiting, probably an instrumentation failure")
		c.abort()
		return false
	}

	c.ctx = freezeContext(info)
	c.state = StateCaptured
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"exception": ExceptionName(info.Code),
		"thread_id": info.ThreadID,
		"address":   fmt.Sprintf("0x%x", info.Address),
	}).Error("Crash captured")

	return true
}

// Report produces the crash artifact: asks the server where the dump should
// live, then writes it from the captured context. A dump failure is logged
// and swallowed, not fatal to teardown.
func (c *Capture) Report(conn interfaces.ServerConn, pid int, writer interfaces.DumpWriter) {
	c.mu.Lock()
	if c.state != StateCaptured {
		c.mu.Unlock()
		return
	}
	c.state = StateReported
	ctx := c.ctx
	c.mu.Unlock()

	paths, err := conn.RequestCrashPaths(pid)
	if err != nil {
		c.logger.WithError(err).Error("Could not request crash paths from server")
		return
	}

	if writer == nil {
		c.logger.Error("No dump writer configured, skipping crash dump")
		return
	}

	if err := writer.WriteDump(paths.InitialDumpPath, ctx); err != nil {
		c.logger.WithError(err).WithField("path", paths.InitialDumpPath).Error("Crash dump write failed")
	}
}

// freezeContext makes the defensive copy: the runtime may reuse the original
// exception structures after the handler returns.
func freezeContext(info *interfaces.ExceptionInfo) *interfaces.CrashContext {
	regs := make(map[string]uint64, len(info.Registers))
	for k, v := range info.Registers {
		regs[k] = v
	}

	recRegs := make(map[string]uint64, len(info.Registers))
	for k, v := range info.Registers {
		recRegs[k] = v
	}

	return &interfaces.CrashContext{
		ThreadID:  info.ThreadID,
		Registers: regs,
		Record: interfaces.ExceptionInfo{
			ThreadID:  info.ThreadID,
			Code:      info.Code,
			Address:   info.Address,
			Registers: recRegs,
		},
	}
}
