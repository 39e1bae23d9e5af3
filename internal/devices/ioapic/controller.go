package ioapic

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/irqchip/internal/irq"
)

// Chip is the register surface the controller programs. *IOAPIC implements it.
type Chip interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
	HandleEOI(vector uint32)
}

// Controller programs IO-APIC redirection entries so that pin n, bound to
// table vector first+n, delivers CPU vector base+n. Edge pins need no
// end-of-interrupt; level pins get an EOI in End so the chip can deliver
// them again.
type Controller struct {
	irq.NopOps

	chip  Chip
	first int
	base  uint8
	pins  int

	mu    sync.Mutex
	level []bool
}

// NewController returns a controller for the first pins entries of chip,
// bound to table vectors starting at first. pins is clamped to MaxPins.
func NewController(chip Chip, first, pins int, base uint8) *Controller {
	if pins <= 0 {
		pins = DefaultPins
	}
	pins = min(pins, MaxPins)
	return &Controller{
		chip:  chip,
		first: first,
		base:  base,
		pins:  pins,
		level: make([]bool, pins),
	}
}

func (c *Controller) Name() string { return "IO-APIC" }

// SetLevelTriggered marks a pin level triggered. It takes effect at Init.
func (c *Controller) SetLevelTriggered(pin int, level bool) {
	if pin < 0 || pin >= c.pins {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level[pin] = level
}

// Init programs every redirection entry masked, with its vector and trigger.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for pin := 0; pin < c.pins; pin++ {
		low := uint32(c.base) + uint32(pin)
		low |= redirMasked
		if c.level[pin] {
			low |= redirLevel
		}
		if err := c.writeLocked(redirectionTableBase+uint8(pin*2), low); err != nil {
			return fmt.Errorf("ioapic: init pin %d: %w", pin, err)
		}
		if err := c.writeLocked(redirectionTableBase+uint8(pin*2)+1, 0); err != nil {
			return fmt.Errorf("ioapic: init pin %d: %w", pin, err)
		}
	}
	return nil
}

// VectorForPin returns the CPU vector pin delivers.
func (c *Controller) VectorForPin(pin int) uint8 {
	return c.base + uint8(pin)
}

// PinForVector maps a delivered CPU vector back to its pin.
func (c *Controller) PinForVector(vector uint8) (int, bool) {
	pin := int(vector) - int(c.base)
	if pin < 0 || pin >= c.pins {
		return 0, false
	}
	return pin, true
}

// TableVector maps a delivered CPU vector to the table vector it dispatches.
func (c *Controller) TableVector(vector uint8) (int, bool) {
	pin, ok := c.PinForVector(vector)
	if !ok {
		return 0, false
	}
	return c.first + pin, true
}

func (c *Controller) pin(vector int) (int, bool) {
	pin := vector - c.first
	if pin < 0 || pin >= c.pins {
		return 0, false
	}
	return pin, true
}

func (c *Controller) Startup(vector int) bool {
	if _, ok := c.pin(vector); !ok {
		return false
	}
	c.Enable(vector)
	return true
}

func (c *Controller) Shutdown(vector int) {
	c.Disable(vector)
}

func (c *Controller) Enable(vector int) {
	c.setMasked(vector, false)
}

func (c *Controller) Disable(vector int) {
	c.setMasked(vector, true)
}

// End signals EOI for level-triggered pins.
func (c *Controller) End(vector int) {
	pin, ok := c.pin(vector)
	if !ok {
		return
	}
	c.mu.Lock()
	level := c.level[pin]
	c.mu.Unlock()
	if level {
		c.chip.HandleEOI(uint32(c.VectorForPin(pin)))
	}
}

func (c *Controller) setMasked(vector int, masked bool) {
	pin, ok := c.pin(vector)
	if !ok {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	index := redirectionTableBase + uint8(pin*2)
	low, err := c.readLocked(index)
	if err == nil {
		if masked {
			low |= redirMasked
		} else {
			low &^= redirMasked
		}
		err = c.writeLocked(index, low)
	}
	if err != nil {
		slog.Warn("ioapic: update mask", "pin", pin, "masked", masked, "error", err)
	}
}

func (c *Controller) readLocked(index uint8) (uint32, error) {
	if err := c.chip.WriteMMIO(BaseAddress+RegisterSelect, []byte{index, 0, 0, 0}); err != nil {
		return 0, err
	}
	var buf [4]byte
	if err := c.chip.ReadMMIO(BaseAddress+RegisterData, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (c *Controller) writeLocked(index uint8, value uint32) error {
	if err := c.chip.WriteMMIO(BaseAddress+RegisterSelect, []byte{index, 0, 0, 0}); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return c.chip.WriteMMIO(BaseAddress+RegisterData, buf[:])
}

var _ irq.Controller = (*Controller)(nil)
var _ Chip = (*IOAPIC)(nil)
