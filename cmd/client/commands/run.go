/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: run.go
Description: Run command implementation for the Akaylee Client. Builds the run
session from configuration, connects to the control server, and feeds the
session from a recorded instrumentation event trace: module loads, intercepted
calls, basic-block visits, exceptions, and process exit.
*/

package commands

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
	"github.com/kleascm/akaylee-client/pkg/server"
	"github.com/kleascm/akaylee-client/pkg/session"
)

// traceEvent is one line of a recorded instrumentation trace
type traceEvent struct {
	Type string `json:"type"`

	// module_load
	Base uintptr `json:"base,omitempty"`
	Size uint64  `json:"size,omitempty"`
	Path string  `json:"path,omitempty"`
	Name string  `json:"name,omitempty"`

	// region (mapped-view metadata for mapped_call resolution)
	Addr uintptr `json:"addr,omitempty"`

	// call / mapped_call
	Function    string  `json:"function,omitempty"`
	Module      string  `json:"module,omitempty"`
	Source      string  `json:"source,omitempty"`
	Position    uint64  `json:"position,omitempty"`
	Requested   uint64  `json:"requested,omitempty"`
	Transferred *uint64 `json:"transferred,omitempty"`
	Buffer      string  `json:"buffer,omitempty"` // base64
	ArgHash     string  `json:"arg_hash,omitempty"`

	// exception
	ThreadID  uint64            `json:"thread_id,omitempty"`
	Code      uint32            `json:"code,omitempty"`
	Registers map[string]uint64 `json:"registers,omitempty"`
}

// replayResolver serves mapped-region lookups from trace "region" events
type replayResolver struct {
	sizes map[uintptr]uint64
	paths map[uintptr]string
}

func newReplayResolver() *replayResolver {
	return &replayResolver{
		sizes: make(map[uintptr]uint64),
		paths: make(map[uintptr]string),
	}
}

func (r *replayResolver) add(addr uintptr, size uint64, path string) {
	r.sizes[addr] = size
	if path != "" {
		r.paths[addr] = path
	}
}

// RegionSize returns the recorded size of a mapped region
func (r *replayResolver) RegionSize(addr uintptr) (uint64, bool) {
	size, ok := r.sizes[addr]
	return size, ok
}

// MappedFilePath returns the recorded backing file of a mapped region
func (r *replayResolver) MappedFilePath(addr uintptr) (string, bool) {
	path, ok := r.paths[addr]
	return path, ok
}

// RunClient executes one fuzzing session
func RunClient(cmd *cobra.Command, args []string) error {
	if err := LoadConfig(); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := SetupLogging(); err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}

	runIDString := viper.GetString("run_id")
	if runIDString == "" {
		return fmt.Errorf("run id is required (-r)")
	}
	runID, err := uuid.Parse(runIDString)
	if err != nil {
		return fmt.Errorf("invalid run id %q: %w", runIDString, err)
	}

	cfg := &session.Config{
		RunID:         runID,
		ArenaID:       viper.GetString("arena_id"),
		NoCoverage:    viper.GetBool("no_coverage"),
		TargetsPath:   viper.GetString("targets"),
		RegistryHooks: viper.GetBool("registry"),
		MaxModules:    viper.GetInt("max_modules"),
	}

	conn := server.NewConn(viper.GetString("server"), viper.GetDuration("server_timeout"))
	resolver := newReplayResolver()

	sess, err := session.New(cfg, conn, log, session.WithMappedRegionResolver(resolver))
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	tracePath := viper.GetString("trace")
	if tracePath == "" {
		// Nothing to drive the session; report an empty run.
		sess.OnExit()
		return nil
	}

	if err := replayTrace(sess, resolver, tracePath); err != nil {
		return fmt.Errorf("trace replay failed: %w", err)
	}

	// A trace without an explicit exit still tears the run down.
	sess.OnExit()
	return nil
}

// replayTrace feeds trace events into the session handlers in order
func replayTrace(sess *session.Session, resolver *replayResolver, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open trace %q: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev traceEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("bad trace event at line %d: %w", line, err)
		}

		switch ev.Type {
		case "module_load":
			sess.OnModuleLoad(&interfaces.ModuleInfo{
				BaseAddr:      ev.Base,
				Size:          ev.Size,
				FullPath:      ev.Path,
				PreferredName: ev.Name,
			})

		case "region":
			resolver.add(ev.Addr, ev.Size, ev.Path)

		case "call", "mapped_call":
			call, err := callFromTrace(&ev)
			if err != nil {
				return fmt.Errorf("bad call event at line %d: %w", line, err)
			}
			if ev.Type == "mapped_call" {
				sess.OnMappedCall(call)
			} else {
				sess.OnPostCall(call)
			}

		case "bb_visit":
			sess.OnBasicBlockVisit(ev.Addr)

		case "exception":
			sess.OnException(&interfaces.ExceptionInfo{
				ThreadID:  ev.ThreadID,
				Code:      ev.Code,
				Address:   ev.Addr,
				Registers: ev.Registers,
			})

		case "exit":
			sess.OnExit()

		default:
			return fmt.Errorf("unknown trace event %q at line %d", ev.Type, line)
		}
	}
	return scanner.Err()
}

// callFromTrace decodes a trace call event into a call-read event
func callFromTrace(ev *traceEvent) (*interfaces.CallEvent, error) {
	var buffer []byte
	if ev.Buffer != "" {
		decoded, err := base64.StdEncoding.DecodeString(ev.Buffer)
		if err != nil {
			return nil, fmt.Errorf("bad buffer encoding: %w", err)
		}
		buffer = decoded
	}

	return &interfaces.CallEvent{
		Function:    ev.Function,
		Module:      ev.Module,
		Source:      ev.Source,
		Position:    ev.Position,
		Requested:   ev.Requested,
		Transferred: ev.Transferred,
		Buffer:      buffer,
		ArgHash:     ev.ArgHash,
		MappedAddr:  ev.Addr,
	}, nil
}
