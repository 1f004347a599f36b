/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: mutators.go
Description: In-place mutation strategies for the Akaylee Client. Implements the
strategy set the control server can advise: bit flipping, byte substitution,
arithmetic mutations, interesting-value injection, block shuffling, and havoc.
All strategies mutate the caller-owned buffer in place and never change its
length, since the mutated memory is handed straight back to the target program.
*/

package strategies

import (
	"fmt"
	"math/rand"

	"github.com/kleascm/akaylee-client/pkg/interfaces"
)

// BitFlipMutator implements bit-level mutation strategy
// Flips individual bits in the buffer for fine-grained mutations
type BitFlipMutator struct {
	mutationRate float64 // Probability of mutation per bit
}

// NewBitFlipMutator creates a new bit flip mutator
func NewBitFlipMutator(mutationRate float64) *BitFlipMutator {
	return &BitFlipMutator{mutationRate: mutationRate}
}

// Mutate flips bits in place based on the mutation rate
func (m *BitFlipMutator) Mutate(data []byte) error {
	for i := 0; i < len(data)*8; i++ {
		if rand.Float64() < m.mutationRate {
			data[i/8] ^= 1 << (i % 8)
		}
	}
	return nil
}

// Name returns the name of this mutator
func (m *BitFlipMutator) Name() string { return "BitFlipMutator" }

// Description returns a description of this mutator
func (m *BitFlipMutator) Description() string {
	return "Flips individual bits in the buffer for fine-grained mutations"
}

// Init performs stateful setup
func (m *BitFlipMutator) Init() error { return nil }

// ByteSubstitutionMutator implements byte-level substitution strategy
// Replaces bytes with random values
type ByteSubstitutionMutator struct {
	mutationRate float64 // Probability of mutation per byte
}

// NewByteSubstitutionMutator creates a new byte substitution mutator
func NewByteSubstitutionMutator(mutationRate float64) *ByteSubstitutionMutator {
	return &ByteSubstitutionMutator{mutationRate: mutationRate}
}

// Mutate substitutes bytes in place based on the mutation rate
func (m *ByteSubstitutionMutator) Mutate(data []byte) error {
	for i := range data {
		if rand.Float64() < m.mutationRate {
			data[i] = byte(rand.Intn(256))
		}
	}
	return nil
}

// Name returns the name of this mutator
func (m *ByteSubstitutionMutator) Name() string { return "ByteSubstitutionMutator" }

// Description returns a description of this mutator
func (m *ByteSubstitutionMutator) Description() string {
	return "Substitutes bytes with random values for coarse-grained mutations"
}

// Init performs stateful setup
func (m *ByteSubstitutionMutator) Init() error { return nil }

// ArithmeticMutator implements arithmetic mutation strategy
// Performs arithmetic operations on numeric values in the buffer
type ArithmeticMutator struct {
	mutationRate float64 // Probability of mutation per potential numeric value
}

// NewArithmeticMutator creates a new arithmetic mutator
func NewArithmeticMutator(mutationRate float64) *ArithmeticMutator {
	return &ArithmeticMutator{mutationRate: mutationRate}
}

// Mutate performs arithmetic operations on 32-bit values in place
func (m *ArithmeticMutator) Mutate(data []byte) error {
	for i := 0; i+4 <= len(data); i++ {
		if rand.Float64() >= m.mutationRate {
			continue
		}

		value := int32(data[i]) | int32(data[i+1])<<8 |
			int32(data[i+2])<<16 | int32(data[i+3])<<24

		operations := []func(int32) int32{
			func(x int32) int32 { return x + 1 },
			func(x int32) int32 { return x - 1 },
			func(x int32) int32 { return x * 2 },
			func(x int32) int32 { return x / 2 },
			func(x int32) int32 { return x ^ 0x7FFFFFFF },
			func(x int32) int32 { return x + 0x1000 },
			func(x int32) int32 { return x - 0x1000 },
		}
		newValue := operations[rand.Intn(len(operations))](value)

		data[i] = byte(newValue & 0xFF)
		data[i+1] = byte((newValue >> 8) & 0xFF)
		data[i+2] = byte((newValue >> 16) & 0xFF)
		data[i+3] = byte((newValue >> 24) & 0xFF)
	}
	return nil
}

// Name returns the name of this mutator
func (m *ArithmeticMutator) Name() string { return "ArithmeticMutator" }

// Description returns a description of this mutator
func (m *ArithmeticMutator) Description() string {
	return "Performs arithmetic operations on numeric values in the buffer"
}

// Init performs stateful setup
func (m *ArithmeticMutator) Init() error { return nil }

// interesting8 and interesting32 are boundary values known to shake out
// off-by-one and sign-extension bugs in parsers.
var (
	interesting8  = []byte{0, 1, 0x7F, 0x80, 0xFF}
	interesting32 = []int32{0, 1, -1, 16, 32, 64, 100, 127, 128, 255, 256, 512, 1024, 4096, 32767, -32768, 0x7FFFFFFF, -0x80000000}
)

// InterestingValueMutator injects boundary values at random positions
type InterestingValueMutator struct {
	rounds int // Injection attempts per buffer
}

// NewInterestingValueMutator creates a new interesting-value mutator
func NewInterestingValueMutator(rounds int) *InterestingValueMutator {
	if rounds <= 0 {
		rounds = 4
	}
	return &InterestingValueMutator{rounds: rounds}
}

// Mutate overwrites random positions with interesting values in place
func (m *InterestingValueMutator) Mutate(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	for round := 0; round < m.rounds; round++ {
		if len(data) >= 4 && rand.Intn(2) == 0 {
			pos := rand.Intn(len(data) - 3)
			v := interesting32[rand.Intn(len(interesting32))]
			data[pos] = byte(v)
			data[pos+1] = byte(v >> 8)
			data[pos+2] = byte(v >> 16)
			data[pos+3] = byte(v >> 24)
		} else {
			data[rand.Intn(len(data))] = interesting8[rand.Intn(len(interesting8))]
		}
	}
	return nil
}

// Name returns the name of this mutator
func (m *InterestingValueMutator) Name() string { return "InterestingValueMutator" }

// Description returns a description of this mutator
func (m *InterestingValueMutator) Description() string {
	return "Injects boundary values that commonly trigger parser edge cases"
}

// Init performs stateful setup
func (m *InterestingValueMutator) Init() error { return nil }

// BlockShuffleMutator swaps blocks of the buffer to reorder structure
type BlockShuffleMutator struct {
	mutationRate float64 // Probability of performing a swap
}

// NewBlockShuffleMutator creates a new block shuffle mutator
func NewBlockShuffleMutator(mutationRate float64) *BlockShuffleMutator {
	return &BlockShuffleMutator{mutationRate: mutationRate}
}

// Mutate swaps two equally sized blocks in place
func (m *BlockShuffleMutator) Mutate(data []byte) error {
	if len(data) < 4 || rand.Float64() >= m.mutationRate {
		return nil
	}

	blockSize := 1 + rand.Intn(len(data)/2)
	src := rand.Intn(len(data) - blockSize + 1)
	dst := rand.Intn(len(data) - blockSize + 1)
	if src == dst {
		return nil
	}

	tmp := make([]byte, blockSize)
	copy(tmp, data[src:src+blockSize])
	copy(data[src:src+blockSize], data[dst:dst+blockSize])
	copy(data[dst:dst+blockSize], tmp)
	return nil
}

// Name returns the name of this mutator
func (m *BlockShuffleMutator) Name() string { return "BlockShuffleMutator" }

// Description returns a description of this mutator
func (m *BlockShuffleMutator) Description() string {
	return "Swaps blocks of the buffer to reorder structural elements"
}

// Init performs stateful setup
func (m *BlockShuffleMutator) Init() error { return nil }

// HavocMutator stacks several random mutation operations per buffer
type HavocMutator struct {
	maxOps int // Maximum stacked operations
}

// NewHavocMutator creates a new havoc mutator
func NewHavocMutator(maxOps int) *HavocMutator {
	if maxOps <= 0 {
		maxOps = 8
	}
	return &HavocMutator{maxOps: maxOps}
}

// Mutate applies a random stack of in-place operations
func (m *HavocMutator) Mutate(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	for i := rand.Intn(m.maxOps) + 1; i > 0; i-- {
		switch rand.Intn(4) {
		case 0:
			pos := rand.Intn(len(data))
			data[pos] ^= 1 << rand.Intn(8)
		case 1:
			data[rand.Intn(len(data))] = byte(rand.Intn(256))
		case 2:
			data[rand.Intn(len(data))] = interesting8[rand.Intn(len(interesting8))]
		case 3:
			if len(data) >= 2 {
				a, b := rand.Intn(len(data)), rand.Intn(len(data))
				data[a], data[b] = data[b], data[a]
			}
		}
	}
	return nil
}

// Name returns the name of this mutator
func (m *HavocMutator) Name() string { return "HavocMutator" }

// Description returns a description of this mutator
func (m *HavocMutator) Description() string {
	return "Stacks several random mutation operations for maximum diversity"
}

// Init performs stateful setup
func (m *HavocMutator) Init() error { return nil }

// ForStrategy maps a server-advised strategy identifier to its mutator.
// Unknown identifiers return an error; the caller decides the fallback.
func ForStrategy(s interfaces.MutationStrategy) (interfaces.BufferMutator, error) {
	switch s {
	case interfaces.StrategyBitFlip:
		return NewBitFlipMutator(0.01), nil
	case interfaces.StrategyByteSubstitution:
		return NewByteSubstitutionMutator(0.05), nil
	case interfaces.StrategyArithmetic:
		return NewArithmeticMutator(0.02), nil
	case interfaces.StrategyInterestingValues:
		return NewInterestingValueMutator(4), nil
	case interfaces.StrategyBlockShuffle:
		return NewBlockShuffleMutator(0.8), nil
	case interfaces.StrategyHavoc:
		return NewHavocMutator(8), nil
	default:
		return nil, fmt.Errorf("unknown mutation strategy %d", s)
	}
}

// DefaultStrategy picks the non-guided fallback strategy at random
func DefaultStrategy() interfaces.MutationStrategy {
	return interfaces.MutationStrategy(rand.Intn(int(interfaces.NumStrategies)))
}
