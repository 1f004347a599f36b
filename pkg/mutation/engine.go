/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine.go
Description: Mutation engine for the Akaylee Client. Builds a mutation record for
each accepted call, selects a strategy (server-advised in coverage-guided mode,
random default otherwise), applies it in place over the caller-owned buffer, and
registers the record with the control server. Registration failure makes the run
unusable: an unregistered mutation could never be reproduced from history.
*/

package mutation

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/kleascm/akaylee-client/pkg/arena"
	"github.com/kleascm/akaylee-client/pkg/interfaces"
	"github.com/kleascm/akaylee-client/pkg/strategies"
	"github.com/kleascm/akaylee-client/pkg/target"
)

// ErrUninteresting marks a call that should be skipped rather than mutated.
// A mutation with no discoverable source is not useful for reproduction.
var ErrUninteresting = errors.New("call is not interesting for mutation")

// Engine mutates the buffers of accepted calls and registers every mutation
// with the control server. One instance per run session.
type Engine struct {
	conn     interfaces.ServerConn
	arena    *arena.Arena // nil in non-guided mode
	resolver interfaces.MappedRegionResolver
	logger   *logrus.Logger

	// counter allocates the per-run mutation sequence. Atomic: intercepted
	// calls run on whichever target thread triggered them, and no two
	// records may ever share a sequence number.
	counter uint64
}

// NewEngine creates a mutation engine. A nil arena selects the non-guided
// default strategy path.
func NewEngine(conn interfaces.ServerConn, ar *arena.Arena, resolver interfaces.MappedRegionResolver, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		conn:     conn,
		arena:    ar,
		resolver: resolver,
		logger:   logger,
	}
}

// Count returns the number of mutations allocated so far
func (e *Engine) Count() uint64 {
	return atomic.LoadUint64(&e.counter)
}

// Mutate mutates a call's buffer in place and registers the mutation.
// Returns ErrUninteresting when the call should be skipped (run continues),
// any other error when the run must be treated as a loss.
func (e *Engine) Mutate(ev *interfaces.CallEvent) (*interfaces.MutationRecord, error) {
	if ev.MappedRead {
		if err := e.resolveMapped(ev); err != nil {
			return nil, err
		}
	}

	length := target.EffectiveLength(ev)
	if length == 0 || ev.Buffer == nil {
		return nil, ErrUninteresting
	}

	rec := &interfaces.MutationRecord{
		Function: ev.Function,
		Seq:      atomic.AddUint64(&e.counter, 1) - 1,
		Source:   ev.Source,
		Position: ev.Position,
		Length:   length,
	}

	rec.Strategy = e.chooseStrategy()
	mut, err := strategies.ForStrategy(rec.Strategy)
	if err != nil {
		// Advice outside the known range is advisory only; fall back.
		rec.Strategy = strategies.DefaultStrategy()
		if mut, err = strategies.ForStrategy(rec.Strategy); err != nil {
			return nil, fmt.Errorf("no usable mutation strategy: %w", err)
		}
	}

	if err := mut.Mutate(ev.Buffer[:length]); err != nil {
		return nil, fmt.Errorf("strategy %s failed: %w", mut.Name(), err)
	}

	rec.Data = make([]byte, length)
	copy(rec.Data, ev.Buffer[:length])

	if err := e.conn.RegisterMutation(rec); err != nil {
		return nil, fmt.Errorf("failed to register mutation %d: %w", rec.Seq, err)
	}

	e.logger.WithFields(logrus.Fields{
		"function": rec.Function,
		"seq":      rec.Seq,
		"strategy": mut.Name(),
		"source":   rec.Source,
		"length":   rec.Length,
	}).Debug("Mutation applied")

	return rec, nil
}

// chooseStrategy asks the server for advice keyed on the current arena
// state in guided mode, and picks the local default otherwise.
func (e *Engine) chooseStrategy() interfaces.MutationStrategy {
	if e.arena == nil {
		return strategies.DefaultStrategy()
	}

	s, err := e.conn.AdviseMutation(e.arena.Snapshot())
	if err != nil {
		e.logger.WithError(err).Warning("Mutation advice unavailable, using default strategy")
		return strategies.DefaultStrategy()
	}
	return s
}

// resolveMapped fills in the post-call facts of a map-style read: the
// region size stands in for an unspecified byte count, and the mapped
// file's path becomes the source tag. An unresolvable path makes the call
// uninteresting.
func (e *Engine) resolveMapped(ev *interfaces.CallEvent) error {
	if e.resolver == nil {
		return ErrUninteresting
	}

	if ev.Requested == 0 {
		size, ok := e.resolver.RegionSize(ev.MappedAddr)
		if !ok {
			return ErrUninteresting
		}
		ev.Requested = size
	}

	source, ok := e.resolver.MappedFilePath(ev.MappedAddr)
	if !ok {
		e.logger.WithFields(logrus.Fields{
			"function": ev.Function,
			"size":     ev.Requested,
		}).Debug("No file name for memory map, assuming uninteresting")
		return ErrUninteresting
	}
	ev.Source = source
	return nil
}
