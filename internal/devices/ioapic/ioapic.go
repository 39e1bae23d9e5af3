// Package ioapic models an x86 IO-APIC register window and provides the
// irq.Controller that programs its redirection table.
package ioapic

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	// BaseAddress is the legacy MMIO base of the first IO-APIC.
	BaseAddress uint64 = 0xFEC00000

	windowSize = 0x20

	RegisterSelect = 0x00
	RegisterData   = 0x10

	idRegister           = 0x00
	versionRegister      = 0x01
	arbitrationRegister  = 0x02
	redirectionTableBase = 0x10

	version = 0x11

	// DefaultPins is the pin count of the common 82093AA part.
	DefaultPins = 24
	// MaxPins is the most redirection entries an 8-bit select register can
	// address above redirectionTableBase.
	MaxPins = (0x100 - redirectionTableBase) / 2
)

const (
	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

const (
	redirMasked    = 1 << 16
	redirLevel     = 1 << 15
	redirRemoteIRR = 1 << 14
	redirLogical   = 1 << 11
)

// Redirection bits that software may write.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	redirLogical |
	(1 << 13) | // polarity
	redirLevel |
	redirMasked

// Router receives interrupts the IO-APIC decides to deliver.
type Router interface {
	Deliver(vector uint8, dest uint8, level bool)
}

// RouterFunc adapts a function to Router.
type RouterFunc func(vector uint8, dest uint8, level bool)

// Deliver implements Router.
func (f RouterFunc) Deliver(vector uint8, dest uint8, level bool) {
	if f != nil {
		f(vector, dest, level)
	}
}

type noopRouter struct{}

func (noopRouter) Deliver(uint8, uint8, bool) {}

// IOAPIC is a model of the IO-APIC register window at BaseAddress.
type IOAPIC struct {
	mu sync.Mutex

	entries []pin
	index   uint8
	id      uint8

	router     Router
	deliveries uint64
	// queue holds deliveries decided under mu. Pin and EOI changes hand them
	// to the router once mu is released; deliveries caused by register
	// writes wait for the next Flush, since controllers write registers
	// while holding their own locks.
	queue []delivery
}

type delivery struct {
	vector uint8
	dest   uint8
	level  bool
}

// New builds an IO-APIC with pins redirection entries, all masked. pins is
// clamped to MaxPins.
func New(pins int) *IOAPIC {
	if pins <= 0 {
		pins = DefaultPins
	}
	pins = min(pins, MaxPins)
	entries := make([]pin, pins)
	for i := range entries {
		entries[i].redirection = redirLogical | redirMasked
	}
	return &IOAPIC{
		entries: entries,
		router:  noopRouter{},
	}
}

// Pins returns the number of redirection entries.
func (a *IOAPIC) Pins() int {
	return len(a.entries)
}

// SetRouter overrides where delivered interrupts go.
func (a *IOAPIC) SetRouter(r Router) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r == nil {
		r = noopRouter{}
	}
	a.router = r
}

// Deliveries returns how many interrupts have been routed.
func (a *IOAPIC) Deliveries() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deliveries
}

// SetIRQ changes the level of an input pin.
func (a *IOAPIC) SetIRQ(line uint32, high bool) {
	defer a.Flush()
	a.mu.Lock()
	defer a.mu.Unlock()
	if line >= uint32(len(a.entries)) {
		return
	}
	p := &a.entries[line]
	if high {
		edge := !p.level
		p.level = true
		a.evaluateLocked(p, edge)
	} else {
		p.level = false
		p.redirection &^= redirRemoteIRR
	}
}

// HandleEOI clears remote-IRR on every pin targeting vector and re-evaluates
// level-triggered pins that are still asserted.
func (a *IOAPIC) HandleEOI(vector uint32) {
	defer a.Flush()
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.entries {
		p := &a.entries[i]
		if uint8(p.redirection) == uint8(vector) {
			p.redirection &^= redirRemoteIRR
			a.evaluateLocked(p, false)
		}
	}
}

// ReadMMIO reads the select or data register.
func (a *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !inWindow(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: read outside MMIO window: 0x%x", addr)
	}

	a.mu.Lock()
	var value uint32
	switch addr - BaseAddress {
	case RegisterSelect:
		value = uint32(a.index)
	case RegisterData:
		value = a.readRegisterLocked(a.index)
	default:
		a.mu.Unlock()
		return fmt.Errorf("ioapic: invalid read offset 0x%x", addr-BaseAddress)
	}
	a.mu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:min(len(data), 8)])
	return nil
}

// WriteMMIO writes the select or data register.
func (a *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !inWindow(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: write outside MMIO window: 0x%x", addr)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch addr - BaseAddress {
	case RegisterSelect:
		if len(data) == 0 {
			return fmt.Errorf("ioapic: empty write to select register")
		}
		a.index = data[0]
	case RegisterData:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: invalid data register write size %d", len(data))
		}
		a.writeRegisterLocked(a.index, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("ioapic: invalid write offset 0x%x", addr-BaseAddress)
	}
	return nil
}

func (a *IOAPIC) readRegisterLocked(index uint8) uint32 {
	switch {
	case index == idRegister:
		return uint32(a.id&0x0f) << 24
	case index == versionRegister:
		return version | uint32(len(a.entries)-1)<<16
	case index == arbitrationRegister:
		return 0
	case index >= redirectionTableBase:
		p := a.pinForIndex(index - redirectionTableBase)
		if p == nil {
			return 0
		}
		if index&1 == 1 {
			return uint32(p.redirection >> 32)
		}
		return uint32(p.redirection)
	}
	return 0
}

func (a *IOAPIC) writeRegisterLocked(index uint8, value uint32) {
	switch {
	case index == idRegister:
		a.id = uint8(value>>24) & 0x0f
	case index >= redirectionTableBase:
		a.writeRedirectionLocked(index-redirectionTableBase, value)
	}
}

func (a *IOAPIC) writeRedirectionLocked(index uint8, value uint32) {
	p := a.pinForIndex(index)
	if p == nil {
		return
	}

	wasMasked := p.masked()
	mask := redirectionWriteMask & 0xffffffff
	val := uint64(value)
	if index&1 == 1 {
		mask = redirectionWriteMask &^ 0xffffffff
		val <<= 32
	}
	p.redirection = p.redirection&^mask | val&mask

	// Unmasking a pin that is held high counts as a fresh edge, otherwise an
	// edge raised while masked would be lost.
	a.evaluateLocked(p, wasMasked && !p.masked() && p.level)
}

func (a *IOAPIC) pinForIndex(index uint8) *pin {
	n := int(index / 2)
	if n >= len(a.entries) {
		return nil
	}
	return &a.entries[n]
}

func (a *IOAPIC) evaluateLocked(p *pin, edge bool) {
	if p.masked() {
		return
	}
	level := p.levelTriggered()
	switch {
	case level && (!p.level || p.redirection&redirRemoteIRR != 0):
		return
	case !level && !edge:
		return
	}
	if level {
		p.redirection |= redirRemoteIRR
	}
	a.deliveries++
	a.queue = append(a.queue, delivery{
		vector: uint8(p.redirection),
		dest:   uint8(p.redirection >> 56),
		level:  level,
	})
}

// Flush hands queued deliveries to the router.
func (a *IOAPIC) Flush() {
	a.mu.Lock()
	queue := a.queue
	a.queue = nil
	router := a.router
	a.mu.Unlock()
	for _, d := range queue {
		router.Deliver(d.vector, d.dest, d.level)
	}
}

func inWindow(addr, size uint64) bool {
	return addr >= BaseAddress && addr+size <= BaseAddress+windowSize
}

type pin struct {
	redirection uint64
	level       bool
}

func (p *pin) masked() bool {
	return p.redirection&redirMasked != 0
}

func (p *pin) levelTriggered() bool {
	if p.redirection&redirLevel == 0 {
		return false
	}
	mode := (p.redirection >> 8) & 0x7
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}
