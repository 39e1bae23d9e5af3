// Package maskreg implements a board-style interrupt controller with a
// 32-bit pending register and set/clear enable registers, in the manner of
// the BCM283x ARM interrupt block.
package maskreg

import (
	"fmt"
	"math/bits"
	"sync"
)

// Register offsets inside the controller block.
const (
	Pending     = 0x00 // read: enabled and raised lines; write 1 to clear
	EnableSet   = 0x10 // write 1 to enable; read returns the enable mask
	EnableClear = 0x1c // write 1 to disable; read returns the enable mask

	// Lines is the number of lines a register bank serves.
	Lines = 32
)

// Registers is a 32-bit register block.
type Registers interface {
	Read32(offset uint32) (uint32, error)
	Write32(offset uint32, value uint32) error
}

// Bank is a memory-backed Registers. Raised lines latch until cleared
// through Pending, and only enabled lines are visible there.
type Bank struct {
	mu      sync.Mutex
	raw     uint32
	enabled uint32
}

// NewBank returns a bank with every line disabled.
func NewBank() *Bank {
	return &Bank{}
}

// Raise latches line as pending.
func (b *Bank) Raise(line int) {
	if line < 0 || line >= Lines {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.raw |= 1 << line
}

// Enabled reports whether line is enabled.
func (b *Bank) Enabled(line int) bool {
	if line < 0 || line >= Lines {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled&(1<<line) != 0
}

func (b *Bank) Read32(offset uint32) (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch offset {
	case Pending:
		return b.raw & b.enabled, nil
	case EnableSet, EnableClear:
		return b.enabled, nil
	}
	return 0, fmt.Errorf("maskreg: read of unknown register 0x%x", offset)
}

func (b *Bank) Write32(offset uint32, value uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch offset {
	case Pending:
		b.raw &^= value
	case EnableSet:
		b.enabled |= value
	case EnableClear:
		b.enabled &^= value
	default:
		return fmt.Errorf("maskreg: write of unknown register 0x%x", offset)
	}
	return nil
}

// pendingLines calls fn for each set bit of mask, lowest first.
func pendingLines(mask uint32, fn func(line int)) {
	for mask != 0 {
		line := bits.TrailingZeros32(mask)
		mask &^= 1 << line
		fn(line)
	}
}

var _ Registers = (*Bank)(nil)
