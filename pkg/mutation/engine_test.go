/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine_test.go
Description: Tests for the mutation engine. Covers sequence-number uniqueness
under concurrency, effective-length clamping, mapped-read resolution, the
uninteresting-call path, and registration failure handling.
*/

package mutation

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleascm/akaylee-client/pkg/arena"
	"github.com/kleascm/akaylee-client/pkg/interfaces"
	"github.com/kleascm/akaylee-client/pkg/modules"
	"github.com/kleascm/akaylee-client/pkg/server"
)

// fakeResolver serves canned mapped-region lookups
type fakeResolver struct {
	size   uint64
	sizeOK bool
	path   string
	pathOK bool
}

func (r *fakeResolver) RegionSize(addr uintptr) (uint64, bool) {
	return r.size, r.sizeOK
}

func (r *fakeResolver) MappedFilePath(addr uintptr) (string, bool) {
	return r.path, r.pathOK
}

func readEvent(n int) *interfaces.CallEvent {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return &interfaces.CallEvent{
		Function:  "ReadFile",
		Module:    "KERNEL32.DLL",
		Source:    `C:\target\input.bin`,
		Requested: uint64(n),
		Buffer:    buf,
	}
}

// TestMutateRegistersRecord verifies the basic flow: a record is built,
// registered, and reflects the mutated buffer prefix
func TestMutateRegistersRecord(t *testing.T) {
	stub := &server.Stub{}
	e := NewEngine(stub, nil, nil, nil)

	ev := readEvent(32)
	rec, err := e.Mutate(ev)
	require.NoError(t, err)

	assert.Equal(t, "ReadFile", rec.Function)
	assert.Equal(t, uint64(0), rec.Seq)
	assert.Equal(t, `C:\target\input.bin`, rec.Source)
	assert.Equal(t, uint64(32), rec.Length)
	assert.Equal(t, ev.Buffer, rec.Data)

	require.Equal(t, 1, stub.MutationCount())
	assert.Equal(t, uint64(1), e.Count())
}

// TestSequenceUniqueUnderConcurrency verifies that concurrent mutations
// never share a sequence number
func TestSequenceUniqueUnderConcurrency(t *testing.T) {
	stub := &server.Stub{}
	e := NewEngine(stub, nil, nil, nil)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := e.Mutate(readEvent(16))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, workers*perWorker, stub.MutationCount())
	assert.Equal(t, uint64(workers*perWorker), e.Count())

	seen := make(map[uint64]bool)
	for _, rec := range stub.Mutations {
		assert.False(t, seen[rec.Seq], "duplicate sequence %d", rec.Seq)
		seen[rec.Seq] = true
		assert.Less(t, rec.Seq, uint64(workers*perWorker))
	}
}

// TestMutateClampsToTransferred verifies that only the bytes the call
// actually produced are ever touched
func TestMutateClampsToTransferred(t *testing.T) {
	stub := &server.Stub{}
	e := NewEngine(stub, nil, nil, nil)

	ev := readEvent(100)
	transferred := uint64(40)
	ev.Transferred = &transferred

	tail := make([]byte, 60)
	copy(tail, ev.Buffer[40:])

	rec, err := e.Mutate(ev)
	require.NoError(t, err)

	assert.Equal(t, uint64(40), rec.Length)
	assert.Len(t, rec.Data, 40)
	assert.Equal(t, tail, ev.Buffer[40:], "bytes past the transfer count must stay untouched")
}

// TestMutateSkipsEmptyCall verifies that zero-byte reads are uninteresting
func TestMutateSkipsEmptyCall(t *testing.T) {
	stub := &server.Stub{}
	e := NewEngine(stub, nil, nil, nil)

	ev := readEvent(16)
	zero := uint64(0)
	ev.Transferred = &zero

	_, err := e.Mutate(ev)
	assert.ErrorIs(t, err, ErrUninteresting)
	assert.Equal(t, 0, stub.MutationCount())
	assert.Equal(t, uint64(0), e.Count())
}

// TestMutateResolvesMappedRead verifies that a map-style read picks up its
// size and source from the region resolver
func TestMutateResolvesMappedRead(t *testing.T) {
	stub := &server.Stub{}
	resolver := &fakeResolver{size: 64, sizeOK: true, path: `C:\target\mapped.bin`, pathOK: true}
	e := NewEngine(stub, nil, resolver, nil)

	ev := &interfaces.CallEvent{
		Function:   "MapViewOfFile",
		Module:     "KERNELBASE.DLL",
		MappedRead: true,
		MappedAddr: 0x7F0000,
		Buffer:     make([]byte, 64),
	}

	rec, err := e.Mutate(ev)
	require.NoError(t, err)

	assert.Equal(t, uint64(64), ev.Requested)
	assert.Equal(t, `C:\target\mapped.bin`, rec.Source)
	assert.Equal(t, uint64(64), rec.Length)
	assert.Equal(t, 1, stub.MutationCount())
}

// TestMutateMappedWithoutFileIsUninteresting verifies that an anonymous
// mapping produces no mutation and no registration
func TestMutateMappedWithoutFileIsUninteresting(t *testing.T) {
	stub := &server.Stub{}
	resolver := &fakeResolver{size: 64, sizeOK: true}
	e := NewEngine(stub, nil, resolver, nil)

	ev := &interfaces.CallEvent{
		Function:   "MapViewOfFile",
		MappedRead: true,
		MappedAddr: 0x7F0000,
		Buffer:     make([]byte, 64),
	}

	_, err := e.Mutate(ev)
	assert.ErrorIs(t, err, ErrUninteresting)
	assert.Equal(t, 0, stub.MutationCount())
}

// TestMutateMappedWithoutResolver verifies that mapped reads are skipped
// when no resolver is wired
func TestMutateMappedWithoutResolver(t *testing.T) {
	stub := &server.Stub{}
	e := NewEngine(stub, nil, nil, nil)

	ev := &interfaces.CallEvent{
		Function:   "MapViewOfFile",
		MappedRead: true,
		Buffer:     make([]byte, 16),
	}

	_, err := e.Mutate(ev)
	assert.ErrorIs(t, err, ErrUninteresting)
}

func testArena(t *testing.T) *arena.Arena {
	t.Helper()
	return arena.New("arena-1", modules.NewMap(0))
}

// TestGuidedMutateUsesAdvice verifies that in coverage-guided mode the
// server's strategy advice is asked for and recorded per mutation
func TestGuidedMutateUsesAdvice(t *testing.T) {
	stub := &server.Stub{Advice: interfaces.StrategyHavoc}
	e := NewEngine(stub, testArena(t), nil, nil)

	rec, err := e.Mutate(readEvent(32))
	require.NoError(t, err)

	assert.Equal(t, interfaces.StrategyHavoc, rec.Strategy)
	assert.Equal(t, 1, stub.AdviceAsked)
	require.Equal(t, 1, stub.MutationCount())
	assert.Equal(t, interfaces.StrategyHavoc, stub.Mutations[0].Strategy)
}

// TestGuidedOutOfRangeAdviceFallsBack verifies that advice outside the known
// strategy range is treated as advisory: a local default is substituted and
// the mutation still registers
func TestGuidedOutOfRangeAdviceFallsBack(t *testing.T) {
	stub := &server.Stub{Advice: interfaces.MutationStrategy(99)}
	e := NewEngine(stub, testArena(t), nil, nil)

	rec, err := e.Mutate(readEvent(32))
	require.NoError(t, err)

	assert.Less(t, rec.Strategy, interfaces.NumStrategies)
	assert.Equal(t, 1, stub.AdviceAsked)
	require.Equal(t, 1, stub.MutationCount())
	assert.Equal(t, rec.Strategy, stub.Mutations[0].Strategy)
}

// TestGuidedAdviceErrorFallsBack verifies that unavailable advice never
// fails the run; the engine falls back to the local default strategy
func TestGuidedAdviceErrorFallsBack(t *testing.T) {
	stub := &server.Stub{AdviceErr: errors.New("advice unavailable")}
	e := NewEngine(stub, testArena(t), nil, nil)

	rec, err := e.Mutate(readEvent(32))
	require.NoError(t, err)

	assert.Less(t, rec.Strategy, interfaces.NumStrategies)
	assert.Equal(t, 1, stub.MutationCount())
}

// TestMutateRegistrationFailureIsFatal verifies that a failed registration
// surfaces as a hard error, not as ErrUninteresting
func TestMutateRegistrationFailureIsFatal(t *testing.T) {
	stub := &server.Stub{MutationErr: errors.New("server gone")}
	e := NewEngine(stub, nil, nil, nil)

	_, err := e.Mutate(readEvent(16))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUninteresting)
}
