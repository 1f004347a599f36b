/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stub.go
Description: In-memory control-server stub for the Akaylee Client. Implements the
ServerConn contract without a transport so the decision core can be exercised in
harnesses and tests. Records everything the client sends and answers with
configurable verdicts and advice.
*/

package server

import (
	"sync"

	"github.com/google/uuid"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
)

// Stub is an in-memory ServerConn. The zero value is usable; configure the
// answer fields before handing it to a session.
type Stub struct {
	mu sync.Mutex

	// Configurable answers
	Verdict     interfaces.CoverageVerdict
	Advice      interfaces.MutationStrategy
	AdviceErr   error
	MutationErr error
	OpenErr     error
	CrashPaths  interfaces.CrashPaths
	PriorArena  *interfaces.ArenaSnapshot

	// Recorded traffic
	Opened          bool
	Closed          bool
	RunID           uuid.UUID
	PID             int
	ArenaRequested  []string
	ArenaRegistered []*interfaces.ArenaSnapshot
	CoverageAsked   int
	AdviceAsked     int
	Mutations       []*interfaces.MutationRecord
	CrashPathsAsked int
}

var _ interfaces.ServerConn = (*Stub)(nil)

// Open records the connection attempt
func (s *Stub) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.Opened = true
	return nil
}

// Close records the disconnect
func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// AssignRunID records the run identifier
func (s *Stub) AssignRunID(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RunID = id
	return nil
}

// RegisterPID records the process identifier
func (s *Stub) RegisterPID(pid int, serverSide bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PID = pid
	return nil
}

// RequestArena records the request and returns any configured prior state
func (s *Stub) RequestArena(id string) (*interfaces.ArenaSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ArenaRequested = append(s.ArenaRequested, id)
	if s.PriorArena != nil {
		return s.PriorArena, nil
	}
	return &interfaces.ArenaSnapshot{ID: id}, nil
}

// RegisterArena records the submitted arena
func (s *Stub) RegisterArena(snap *interfaces.ArenaSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ArenaRegistered = append(s.ArenaRegistered, snap)
	return nil
}

// GetCoverage returns the configured verdict
func (s *Stub) GetCoverage(snap *interfaces.ArenaSnapshot) (*interfaces.CoverageVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CoverageAsked++
	v := s.Verdict
	return &v, nil
}

// AdviseMutation returns the configured strategy advice
func (s *Stub) AdviseMutation(snap *interfaces.ArenaSnapshot) (interfaces.MutationStrategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AdviceAsked++
	if s.AdviceErr != nil {
		return 0, s.AdviceErr
	}
	return s.Advice, nil
}

// RegisterMutation records the mutation, or fails when configured to
func (s *Stub) RegisterMutation(rec *interfaces.MutationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.MutationErr != nil {
		return s.MutationErr
	}
	s.Mutations = append(s.Mutations, rec)
	return nil
}

// RequestCrashPaths returns the configured artifact paths
func (s *Stub) RequestCrashPaths(pid int) (*interfaces.CrashPaths, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CrashPathsAsked++
	p := s.CrashPaths
	return &p, nil
}

// MutationCount returns how many mutations were registered
func (s *Stub) MutationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Mutations)
}
