package i8259

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/irqchip/internal/irq"
)

const (
	// DefaultVectorBase is where Init places line 0 in the CPU vector space.
	DefaultVectorBase = 0x20

	icw1Init = 0x11
	icw4x86  = 0x01

	ocw2SpecificEOI = 0x60
	ocw3ReadISR     = 0x0b
	ocw3ReadIRR     = 0x0a
)

// Controller drives a cascaded 8259A pair through its I/O ports using the
// mask-and-ack discipline: Ack masks the line and issues a specific EOI, End
// unmasks it again unless the line was disabled in the meantime.
type Controller struct {
	ports Ports
	base  uint8

	mu sync.Mutex
	// cached mirrors both IMRs, primary in the low byte.
	cached   uint16
	disabled uint16
	acked    uint16

	spuriousSeen uint16
	spurious     uint64
}

// NewController returns a controller for the chips behind ports. Call Init
// before binding it to a table.
func NewController(ports Ports, base uint8) *Controller {
	base &^= lineMask
	return &Controller{
		ports:    ports,
		base:     base,
		cached:   0xffff,
		disabled: 0xffff,
	}
}

// Init runs the ICW sequence with all lines masked except the cascade.
func (c *Controller) Init() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ports.Out(PrimaryDataPort, 0xff)
	c.ports.Out(SecondaryDataPort, 0xff)

	c.ports.Out(PrimaryCommandPort, icw1Init)
	c.ports.Out(PrimaryDataPort, c.base)
	c.ports.Out(PrimaryDataPort, 1<<CascadeLine)
	c.ports.Out(PrimaryDataPort, icw4x86)

	c.ports.Out(SecondaryCommandPort, icw1Init)
	c.ports.Out(SecondaryDataPort, c.base+8)
	c.ports.Out(SecondaryDataPort, CascadeLine)
	c.ports.Out(SecondaryDataPort, icw4x86)

	c.ports.Out(PrimaryCommandPort, ocw3ReadIRR)
	c.ports.Out(SecondaryCommandPort, ocw3ReadIRR)

	c.disabled = 0xffff &^ (1 << CascadeLine)
	c.acked = 0
	c.cached = c.disabled
	c.writeMaskLocked(0)
	c.writeMaskLocked(8)
}

func (c *Controller) Name() string { return "XT-PIC" }

// Base returns the CPU vector of line 0.
func (c *Controller) Base() uint8 { return c.base }

// Startup unmasks the line. The cascade input never goes live on its own.
func (c *Controller) Startup(vector int) bool {
	if !validLine(vector) || vector == CascadeLine {
		return false
	}
	c.Enable(vector)
	return true
}

func (c *Controller) Shutdown(vector int) {
	c.Disable(vector)
}

func (c *Controller) Enable(vector int) {
	if !validLine(vector) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled &^= 1 << vector
	c.updateLocked(vector)
}

func (c *Controller) Disable(vector int) {
	if !validLine(vector) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled |= 1 << vector
	c.updateLocked(vector)
}

// Ack masks the line and sends a specific EOI, through the cascade for lines
// on the secondary chip. A line missing from the in-service register is
// counted as spurious and reported once per line.
func (c *Controller) Ack(vector int) {
	if !validLine(vector) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	bit := uint16(1) << vector
	if !c.inServiceLocked(vector) {
		c.spurious++
		if c.spuriousSeen&bit == 0 {
			c.spuriousSeen |= bit
			slog.Warn("i8259: spurious interrupt", "line", vector)
		}
	}

	c.acked |= bit
	c.updateLocked(vector)
	if vector >= 8 {
		c.ports.Out(SecondaryCommandPort, ocw2SpecificEOI|byte(vector&lineMask))
		c.ports.Out(PrimaryCommandPort, ocw2SpecificEOI|CascadeLine)
	} else {
		c.ports.Out(PrimaryCommandPort, ocw2SpecificEOI|byte(vector))
	}
}

// End unmasks a line that Ack masked, unless it was disabled since.
func (c *Controller) End(vector int) {
	if !validLine(vector) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked &^= 1 << vector
	c.updateLocked(vector)
}

// Spurious returns how many acknowledges found the line not in service.
func (c *Controller) Spurious() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spurious
}

func (c *Controller) inServiceLocked(vector int) bool {
	port := PrimaryCommandPort
	if vector >= 8 {
		port = SecondaryCommandPort
	}
	c.ports.Out(port, ocw3ReadISR)
	isr := c.ports.In(port)
	c.ports.Out(port, ocw3ReadIRR)
	return isr&(1<<(vector&lineMask)) != 0
}

func (c *Controller) updateLocked(vector int) {
	mask := c.disabled | c.acked
	if mask == c.cached {
		return
	}
	c.cached = mask
	c.writeMaskLocked(vector)
}

func (c *Controller) writeMaskLocked(vector int) {
	if vector >= 8 {
		c.ports.Out(SecondaryDataPort, byte(c.cached>>8))
	} else {
		c.ports.Out(PrimaryDataPort, byte(c.cached))
	}
}

func validLine(vector int) bool {
	return vector >= 0 && vector < Lines
}

var _ irq.Controller = (*Controller)(nil)
