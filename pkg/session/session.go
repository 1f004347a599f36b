/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: session.go
Description: Run session for the Akaylee Client. Owns the module map, coverage
arena, target filter, mutation engine, and crash capture for one execution of the
target program, and drives the lifecycle state machine from initialization
through instrumented execution to exit handling. All instrumentation-engine
events funnel through the session's handlers.
*/

package session

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kleascm/akaylee-client/pkg/arena"
	"github.com/kleascm/akaylee-client/pkg/crash"
	"github.com/kleascm/akaylee-client/pkg/interfaces"
	"github.com/kleascm/akaylee-client/pkg/logging"
	"github.com/kleascm/akaylee-client/pkg/modules"
	"github.com/kleascm/akaylee-client/pkg/mutation"
	"github.com/kleascm/akaylee-client/pkg/target"
)

// State tracks the session lifecycle
type State int

const (
	StateInitializing State = iota
	StateConnected
	StateInstrumenting
	StateRunning
	StateExiting
	StateTerminated
)

// String returns the string representation of a session state
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateConnected:
		return "CONNECTED"
	case StateInstrumenting:
		return "INSTRUMENTING"
	case StateRunning:
		return "RUNNING"
	case StateExiting:
		return "EXITING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the per-run session parameters
type Config struct {
	RunID         uuid.UUID
	ArenaID       string
	NoCoverage    bool
	TargetsPath   string
	RegistryHooks bool
	MaxModules    int
	PID           int // target process id; zero means this process
}

// Option customizes session construction
type Option func(*Session)

// WithExitFunc replaces the process-exit call, for embedding and tests
func WithExitFunc(fn func(code int)) Option {
	return func(s *Session) { s.exitFn = fn }
}

// WithAbortFunc replaces the immediate-abort call used on double faults
func WithAbortFunc(fn func()) Option {
	return func(s *Session) { s.abortFn = fn }
}

// WithDumpWriter replaces the crash-dump writer
func WithDumpWriter(w interfaces.DumpWriter) Option {
	return func(s *Session) { s.dumpWriter = w }
}

// WithMappedRegionResolver installs the instrumentation engine's view of
// mapped memory, needed for map-style read primitives
func WithMappedRegionResolver(r interfaces.MappedRegionResolver) Option {
	return func(s *Session) { s.resolver = r }
}

// Session is the process-wide run state. Single instance, created at client
// entry and torn down exactly once at process exit.
type Session struct {
	cfg    *Config
	conn   interfaces.ServerConn
	log    *logging.Logger
	logger *logrus.Logger

	mods    *modules.Map
	arena   *arena.Arena // nil in non-coverage mode
	filter  *target.Filter
	engine  *mutation.Engine
	capture *crash.Capture

	dumpWriter interfaces.DumpWriter
	resolver   interfaces.MappedRegionResolver
	exitFn     func(code int)
	abortFn    func()
	pid        int

	mu      sync.Mutex
	state   State
	crashed bool
	exiting bool

	countMu    sync.Mutex
	callCounts map[string]uint64
}

// New builds and connects a session. Missing required identifiers, an
// unloadable target list, or a failed server connection are fatal: the
// returned error means fuzzing must not begin.
func New(cfg *Config, conn interfaces.ServerConn, log *logging.Logger, opts ...Option) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session config is required")
	}
	if cfg.RunID == uuid.Nil {
		return nil, fmt.Errorf("run identifier is required")
	}
	if cfg.TargetsPath == "" {
		return nil, fmt.Errorf("target list path is required")
	}
	if log == nil {
		var err error
		if log, err = logging.NewLogger(nil); err != nil {
			return nil, err
		}
	}

	s := &Session{
		cfg:        cfg,
		conn:       conn,
		log:        log,
		logger:     log.GetLogger(),
		mods:       modules.NewMap(cfg.MaxModules),
		dumpWriter: crash.NewFileDumpWriter(),
		exitFn:     os.Exit,
		pid:        cfg.PID,
		state:      StateInitializing,
		callCounts: make(map[string]uint64),
	}
	if s.pid == 0 {
		s.pid = os.Getpid()
	}
	s.abortFn = func() { s.exitFn(2) }
	for _, opt := range opts {
		opt(s)
	}

	descs, err := target.LoadDescriptors(cfg.TargetsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets: %w", err)
	}
	s.filter = target.NewFilter(descs, cfg.RegistryHooks)

	if err := conn.Open(); err != nil {
		return nil, fmt.Errorf("failed to connect to control server: %w", err)
	}
	s.state = StateConnected

	if err := conn.AssignRunID(cfg.RunID); err != nil {
		return nil, fmt.Errorf("failed to assign run id: %w", err)
	}
	if err := conn.RegisterPID(s.pid, false); err != nil {
		return nil, fmt.Errorf("failed to register pid: %w", err)
	}

	if cfg.ArenaID != "" && !cfg.NoCoverage {
		s.state = StateInstrumenting
		s.arena = arena.New(cfg.ArenaID, s.mods)
		if err := s.arena.Request(conn); err != nil {
			return nil, err
		}
		s.logger.WithField("arena_id", cfg.ArenaID).Info("Arena given, coverage-guided mode enabled")
	} else {
		s.logger.Info("No arena given or coverage disabled, non-guided fuzzing")
	}

	s.engine = mutation.NewEngine(conn, s.arena, s.resolver, s.logger)
	s.capture = crash.NewCapture(s.logger, func() { s.abortFn() })

	s.state = StateRunning
	s.logger.WithFields(logrus.Fields{
		"run_id": cfg.RunID.String(),
		"pid":    s.pid,
	}).Info("Fuzzing session running")

	return s, nil
}

// State returns the current session state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Crashed reports whether a crash was captured this run
func (s *Session) Crashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crashed
}

// CoverageGuided reports whether coverage feedback drives this run
func (s *Session) CoverageGuided() bool {
	return s.arena != nil
}

// Arena exposes the run's coverage arena, nil in non-coverage mode
func (s *Session) Arena() *arena.Arena {
	return s.arena
}

// Modules exposes the module map
func (s *Session) Modules() *modules.Map {
	return s.mods
}

// MutationCount returns the number of mutations allocated so far
func (s *Session) MutationCount() uint64 {
	return s.engine.Count()
}

// CallCount returns how many times a hooked function was intercepted
func (s *Session) CallCount(function string) uint64 {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.callCounts[function]
}

// OnModuleLoad handles a module-load notification
func (s *Session) OnModuleLoad(mod *interfaces.ModuleInfo) {
	if s.mods.Record(mod) {
		s.logger.WithField("module", mod.FullPath).Debug("Tracking module")
	}
}

// OnBasicBlockVisit handles a basic-block visit notification
func (s *Session) OnBasicBlockVisit(addr uintptr) {
	if s.arena != nil {
		s.arena.RecordVisit(addr)
	}
}

// OnPostCall handles an intercepted call after it returned. Filters for
// scope and target selection, then mutates the buffer the target is about
// to consume. A failed mutation registration makes the run a loss and
// terminates the target process.
func (s *Session) OnPostCall(ev *interfaces.CallEvent) {
	if ev == nil || s.isExiting() {
		return
	}

	s.bumpCallCount(ev.Function)

	if !s.filter.IsInScope(ev.Function, ev.Module) {
		return
	}
	if !s.filter.IsTargeted(ev) {
		return
	}

	rec, err := s.engine.Mutate(ev)
	if errors.Is(err, mutation.ErrUninteresting) {
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Mutation failed, treating run as a loss")
		s.mu.Lock()
		s.crashed = false
		s.mu.Unlock()
		s.terminate(1)
		return
	}

	s.log.LogMutation(rec)
}

// OnMappedCall handles an intercepted map-style read after it returned.
// Same flow as OnPostCall with the mapped-read resolution applied.
func (s *Session) OnMappedCall(ev *interfaces.CallEvent) {
	if ev == nil {
		return
	}
	ev.MappedRead = true
	s.OnPostCall(ev)
}

// OnException handles a first-chance exception. Always terminates the
// process after capture and reporting; execution never resumes past a
// captured exception. The crashed flag is set only once the context is
// frozen, so exit handling never observes a crash without a context.
func (s *Session) OnException(info *interfaces.ExceptionInfo) {
	if !s.capture.OnException(info, s.isExiting()) {
		return
	}

	s.mu.Lock()
	s.crashed = true
	s.mu.Unlock()

	s.terminate(1)
}

// OnExit performs run teardown exactly once: crash artifact production,
// arena finalize, server disconnect, and module release. Safe against
// concurrent exception delivery; the exiting latch is set first.
func (s *Session) OnExit() {
	s.mu.Lock()
	if s.exiting {
		s.mu.Unlock()
		return
	}
	s.exiting = true
	s.state = StateExiting
	crashed := s.crashed
	s.mu.Unlock()

	if crashed {
		s.log.LogCrashFound(s.cfg.RunID.String(), crash.ExceptionName(s.capture.Context().Record.Code))
		s.capture.Report(s.conn, s.pid, s.dumpWriter)
	}

	if s.arena != nil {
		verdict, err := s.arena.Finalize(s.conn)
		if err != nil {
			s.logger.WithError(err).Error("Arena finalize failed")
		} else {
			s.log.LogCoverageVerdict(verdict)
		}
	}

	if err := s.conn.Close(); err != nil {
		s.logger.WithError(err).Warning("Server connection close failed")
	}
	s.mods.Release()

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	s.logger.Info("Fuzzing session terminated")
}

// terminate runs exit handling and leaves the process with a non-zero code
func (s *Session) terminate(code int) {
	s.OnExit()
	s.exitFn(code)
}

// isExiting reads the exit latch
func (s *Session) isExiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exiting
}

// bumpCallCount maintains per-function interception counts for call-site
// identity.
func (s *Session) bumpCallCount(function string) {
	s.countMu.Lock()
	s.callCounts[function]++
	s.countMu.Unlock()
}
