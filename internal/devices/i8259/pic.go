// Package i8259 models the classic pair of cascaded 8259A programmable
// interrupt controllers and provides the irq.Controller that drives them.
package i8259

import (
	"fmt"
	"log/slog"
	"math/bits"
	"sync"
)

const (
	PrimaryCommandPort   uint16 = 0x20
	PrimaryDataPort      uint16 = 0x21
	SecondaryCommandPort uint16 = 0xa0
	SecondaryDataPort    uint16 = 0xa1
	PrimaryELCRPort      uint16 = 0x4d0
	SecondaryELCRPort    uint16 = 0x4d1

	// CascadeLine is the primary input the secondary chip is wired to.
	CascadeLine = 2
	// Lines is the number of interrupt inputs of the cascaded pair.
	Lines = 16

	lineMask    = 0x7
	spuriousIRQ = 7
)

// Ports is raw access to the 8259 I/O ports.
type Ports interface {
	In(port uint16) byte
	Out(port uint16, value byte)
}

// OutputFunc receives level changes of the INT output pin.
type OutputFunc func(level bool)

type picStats struct {
	spurious     uint64
	acknowledges uint64
	perLine      [Lines]uint64
}

// PIC is a register-level model of a primary and secondary 8259A.
type PIC struct {
	mu     sync.Mutex
	output OutputFunc
	chips  [2]*chip
	stats  picStats
}

// NewPIC returns an uninitialised pair. Guests program it with the ICW
// sequence before it delivers anything.
func NewPIC() *PIC {
	return &PIC{
		chips: [2]*chip{newChip(true), newChip(false)},
	}
}

// SetOutput installs the function that follows the INT pin.
func (p *PIC) SetOutput(fn OutputFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = fn
	p.syncOutputLocked()
}

// SetIRQ changes the level of input line 0-15.
func (p *PIC) SetIRQ(line uint8, level bool) {
	if line >= Lines {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= 8 {
		p.chips[1].setIRQ(line-8, level)
	} else {
		p.chips[0].setIRQ(line, level)
	}
	p.syncOutputLocked()
}

// Pending reports whether the INT pin is asserted.
func (p *PIC) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chips[0].interruptPending()
}

// Acknowledge performs an INTA cycle. It reports whether a real interrupt was
// pending and the CPU vector to deliver; a spurious acknowledge returns the
// vector of line 7 of the chip that had nothing to deliver.
func (p *PIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	requested, vec := p.chips[0].acknowledge()
	if requested && vec&lineMask == CascadeLine {
		requested, vec = p.chips[1].acknowledge()
	}
	if requested {
		p.stats.acknowledges++
		if line, ok := p.lineForVectorLocked(vec); ok {
			p.stats.perLine[line]++
		}
	} else {
		p.stats.spurious++
	}
	p.syncOutputLocked()
	return requested, vec
}

// LineForVector maps a CPU vector produced by Acknowledge back to the input
// line it came from.
func (p *PIC) LineForVector(vec uint8) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lineForVectorLocked(vec)
}

func (p *PIC) lineForVectorLocked(vec uint8) (int, bool) {
	for i, c := range p.chips {
		if vec&^lineMask == c.icw2 {
			return i*8 + int(vec&lineMask), true
		}
	}
	return 0, false
}

// Deliver services the INT pin the way trap entry code does: acknowledge,
// translate the vector to a line and call dispatch, until nothing is pending
// or limit deliveries have been made.
func (p *PIC) Deliver(dispatch func(line int), limit int) int {
	n := 0
	for n < limit && p.Pending() {
		_, vec := p.Acknowledge()
		line, ok := p.LineForVector(vec)
		if !ok {
			slog.Warn("i8259: vector outside programmed range", "vector", vec)
			break
		}
		dispatch(line)
		n++
	}
	return n
}

// ReadIOPort reads one byte from a PIC port.
func (p *PIC) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("i8259: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		data[0] = p.chips[0].readCommand()
	case PrimaryDataPort:
		data[0] = p.chips[0].imr
	case SecondaryCommandPort:
		data[0] = p.chips[1].readCommand()
	case SecondaryDataPort:
		data[0] = p.chips[1].imr
	case PrimaryELCRPort:
		data[0] = p.chips[0].elcr
	case SecondaryELCRPort:
		data[0] = p.chips[1].elcr
	default:
		return fmt.Errorf("i8259: invalid read port 0x%04x", port)
	}
	p.syncOutputLocked()
	return nil
}

// WriteIOPort writes one byte to a PIC port.
func (p *PIC) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("i8259: invalid write size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case PrimaryCommandPort:
		p.chips[0].writeCommand(data[0])
	case PrimaryDataPort:
		p.chips[0].writeData(data[0])
	case SecondaryCommandPort:
		p.chips[1].writeCommand(data[0])
	case SecondaryDataPort:
		p.chips[1].writeData(data[0])
	case PrimaryELCRPort:
		p.chips[0].elcr = data[0]
	case SecondaryELCRPort:
		p.chips[1].elcr = data[0]
	default:
		return fmt.Errorf("i8259: invalid write port 0x%04x", port)
	}
	p.syncOutputLocked()
	return nil
}

// In implements Ports. Invalid ports read as 0xff.
func (p *PIC) In(port uint16) byte {
	var b [1]byte
	if err := p.ReadIOPort(port, b[:]); err != nil {
		slog.Warn("i8259: port read", "port", port, "error", err)
		return 0xff
	}
	return b[0]
}

// Out implements Ports.
func (p *PIC) Out(port uint16, value byte) {
	if err := p.WriteIOPort(port, []byte{value}); err != nil {
		slog.Warn("i8259: port write", "port", port, "error", err)
	}
}

// Spurious returns the number of spurious acknowledge cycles.
func (p *PIC) Spurious() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.spurious
}

func (p *PIC) syncOutputLocked() {
	p.chips[0].setIRQ(CascadeLine, p.chips[1].interruptPending())
	if p.output != nil {
		p.output(p.chips[0].interruptPending())
	}
}

func (p *PIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%+v, secondary=%+v)", *p.chips[0], *p.chips[1])
}

var _ Ports = (*PIC)(nil)

// chip models a single 8259A.
type chip struct {
	primary bool

	initStage initStage
	icw2      byte
	imr       byte
	ocw3      ocw3
	isr       byte
	elcr      byte
	lines     byte
	lineLow   byte
}

func newChip(primary bool) *chip {
	icw2 := byte(0)
	if !primary {
		icw2 = 8
	}
	return &chip{
		primary: primary,
		icw2:    icw2,
		lineLow: 0xff,
	}
}

// reinit handles ICW1: the chip forgets everything but its input levels and
// the edge/level control register.
func (c *chip) reinit() {
	lines, elcr := c.lines, c.elcr
	*c = *newChip(c.primary)
	c.lines = lines
	c.elcr = elcr
	c.initStage = initExpectingICW2
}

// irr holds lines that are high and either level triggered or have been low
// since their last acknowledge.
func (c *chip) irr() byte {
	return c.lines & (c.elcr | c.lineLow)
}

func (c *chip) setIRQ(line uint8, high bool) {
	bit := byte(1 << line)
	if high {
		c.lines |= bit
	} else {
		c.lines &^= bit
		c.lineLow |= bit
	}
}

func (c *chip) readyVec() byte {
	highestISR := lowestSetBit(c.isr)
	higherNotISR := highestISR - 1
	return c.irr() &^ c.imr & higherNotISR
}

func (c *chip) interruptPending() bool {
	return c.readyVec() != 0
}

func (c *chip) acknowledge() (bool, uint8) {
	if vec := c.readyVec(); vec != 0 {
		line := byte(bits.TrailingZeros8(vec))
		bit := byte(1 << line)
		c.lineLow &^= bit
		c.isr |= bit
		return true, c.icw2 | line
	}
	return false, c.icw2 | spuriousIRQ
}

func (c *chip) eoi(line *byte) {
	if line != nil {
		c.isr &^= 1 << *line
		return
	}
	c.isr &^= lowestSetBit(c.isr)
}

func (c *chip) readCommand() byte {
	if c.ocw3.poll() {
		c.ocw3.setPoll(false)
		requested, vec := c.acknowledge()
		val := vec & lineMask
		if requested {
			val |= 1 << 7
		}
		return val
	}
	if c.ocw3.ris() {
		return c.isr
	}
	return c.irr()
}

func (c *chip) writeCommand(value byte) {
	const (
		initBit    = 0x10
		commandBit = 0x08
	)

	if value&initBit != 0 {
		c.reinit()
		return
	}
	if c.initStage != initInitialized {
		return
	}

	if value&commandBit == 0 {
		ocw := ocw2(value)
		switch {
		case ocw.EOI() && ocw.SL():
			line := ocw.Level()
			c.eoi(&line)
		case ocw.EOI():
			c.eoi(nil)
		}
		return
	}

	// OCW3: the read-register selection only changes when RR is set.
	ocw := ocw3(value)
	if !ocw.rr() {
		ocw = (ocw &^ 0x03) | (c.ocw3 & 0x03)
	}
	c.ocw3 = ocw
}

func (c *chip) writeData(value byte) {
	switch c.initStage {
	case initUninitialized, initInitialized:
		c.imr = value
	case initExpectingICW2:
		if value&lineMask != 0 {
			return
		}
		c.icw2 = value
		c.initStage = initExpectingICW3
	case initExpectingICW3:
		want := byte(CascadeLine)
		if c.primary {
			want = 1 << CascadeLine
		}
		if value != want {
			return
		}
		c.initStage = initExpectingICW4
	case initExpectingICW4:
		if value != 1 && value != 3 {
			return
		}
		c.initStage = initInitialized
	}
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

type ocw2 byte

func (o ocw2) Level() byte { return byte(o) & lineMask }
func (o ocw2) SL() bool    { return byte(o)&0x40 != 0 }
func (o ocw2) EOI() bool   { return byte(o)&0x20 != 0 }

type ocw3 byte

func (o ocw3) rr() bool   { return byte(o)&0x02 != 0 }
func (o ocw3) ris() bool  { return byte(o)&0x01 != 0 }
func (o ocw3) poll() bool { return byte(o)&0x04 != 0 }

func (o *ocw3) setPoll(v bool) {
	if v {
		*o |= 0x04
	} else {
		*o &^= 0x04
	}
}

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}
