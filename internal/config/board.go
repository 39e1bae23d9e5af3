package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/irqchip/internal/chipset"
	"github.com/tinyrange/irqchip/internal/devices/i8259"
	"github.com/tinyrange/irqchip/internal/devices/ioapic"
	"github.com/tinyrange/irqchip/internal/devices/maskreg"
	"github.com/tinyrange/irqchip/internal/devices/vectored"
	"github.com/tinyrange/irqchip/internal/irq"
)

// ErrNoSource is returned when a vector has no device model to raise it.
var ErrNoSource = errors.New("no interrupt source for vector")

// deliverLimit bounds how many INTA cycles one assertion on the PIC runs.
const deliverLimit = 64

// Board is a table wired to device models for every controller of a profile.
type Board struct {
	Profile Profile
	Table   *irq.Table
	Chipset *chipset.Chipset

	sources []*source
}

type source struct {
	spec  ControllerSpec
	lines *chipset.LineSet
	level map[int]bool

	pic     *i8259.PIC
	apic    *ioapic.IOAPIC
	bank    *maskreg.Bank
	mask    *maskreg.Controller
	routine *vectored.Controller
}

// Build creates the table and controllers described by p. opts are applied
// after the profile's own table options.
func Build(p Profile, opts ...irq.Option) (*Board, error) {
	p.normalize()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}

	tableOpts := append([]irq.Option{irq.WithPendingLimit(p.PendingLimit)}, opts...)
	table := irq.NewTable(p.NrIRQs, tableOpts...)
	board := &Board{Profile: p, Table: table}

	builder := chipset.NewBuilder()
	for _, spec := range p.Controllers {
		src, ctrl := board.newSource(spec)
		if err := builder.WithController(spec.Name, spec.First, spec.Count, ctrl); err != nil {
			return nil, fmt.Errorf("profile %q: %w", p.Name, err)
		}
		board.sources = append(board.sources, src)
	}
	sort.Slice(board.sources, func(i, j int) bool {
		return board.sources[i].spec.First < board.sources[j].spec.First
	})

	cs, err := builder.Build(table)
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", p.Name, err)
	}
	board.Chipset = cs
	return board, nil
}

func (b *Board) newSource(spec ControllerSpec) (*source, irq.Controller) {
	src := &source{spec: spec, level: make(map[int]bool)}
	for _, line := range spec.LevelTriggered {
		src.level[line] = true
	}

	switch spec.Kind {
	case KindI8259:
		src.pic = i8259.NewPIC()
		var elcr uint16
		for line := range src.level {
			elcr |= 1 << line
		}
		src.pic.Out(i8259.PrimaryELCRPort, byte(elcr))
		src.pic.Out(i8259.SecondaryELCRPort, byte(elcr>>8))
		src.lines = chipset.NewLineSet(src.pic)
		return src, i8259.NewController(src.pic, uint8(spec.Base))

	case KindIOAPIC:
		src.apic = ioapic.New(spec.Count)
		ctrl := ioapic.NewController(src.apic, spec.First, spec.Count, uint8(spec.Base))
		for line := range src.level {
			ctrl.SetLevelTriggered(line, true)
		}
		src.apic.SetRouter(ioapic.RouterFunc(func(vector, _ uint8, _ bool) {
			if v, ok := ctrl.TableVector(vector); ok {
				b.Table.Dispatch(v, nil)
			}
		}))
		src.lines = chipset.NewLineSet(chipset.SinkFunc(func(line uint8, level bool) {
			src.apic.SetIRQ(uint32(line), level)
		}))
		return src, ctrl

	case KindMaskReg:
		src.bank = maskreg.NewBank()
		src.mask = maskreg.NewController(src.bank, spec.First, spec.Count)
		return src, src.mask

	default:
		src.routine = vectored.New(spec.Name, nil)
		return src, src.routine
	}
}

func (b *Board) source(vector int) (*source, int, error) {
	for _, src := range b.sources {
		if line := vector - src.spec.First; line >= 0 && line < src.spec.Count {
			return src, line, nil
		}
	}
	return nil, 0, fmt.Errorf("vector %d: %w", vector, ErrNoSource)
}

// Kind returns the controller family serving vector.
func (b *Board) Kind(vector int) (Kind, bool) {
	src, _, err := b.source(vector)
	if err != nil {
		return "", false
	}
	return src.spec.Kind, true
}

// LevelTriggered reports whether vector's line stays asserted until its
// device deasserts it.
func (b *Board) LevelTriggered(vector int) bool {
	src, line, err := b.source(vector)
	return err == nil && src.level[line]
}

// SetRoutine installs the routine a vectored controller runs for vector.
func (b *Board) SetRoutine(vector int, r vectored.Routine) error {
	src, _, err := b.source(vector)
	if err != nil {
		return err
	}
	if src.routine == nil {
		return fmt.Errorf("vector %d is served by %s, not a vectored controller", vector, src.spec.Kind)
	}
	src.routine.Set(vector, r)
	return nil
}

// Assert raises the input line behind vector and runs whatever delivery
// that causes.
func (b *Board) Assert(vector int) error {
	src, line, err := b.source(vector)
	if err != nil {
		return err
	}
	switch src.spec.Kind {
	case KindI8259:
		src.lines.Line(uint8(line)).SetLevel(true)
		src.pic.Deliver(func(l int) { b.Table.Dispatch(l, nil) }, deliverLimit)
	case KindIOAPIC:
		src.lines.Line(uint8(line)).SetLevel(true)
	case KindMaskReg:
		src.bank.Raise(line)
		if _, err := src.mask.Poll(func(v int) { b.Table.Dispatch(v, nil) }); err != nil {
			return err
		}
	case KindVectored:
		b.Table.Dispatch(vector, nil)
	}
	return nil
}

// Deassert lowers the input line behind vector. Latched and vectored
// sources have no line to lower.
func (b *Board) Deassert(vector int) error {
	src, line, err := b.source(vector)
	if err != nil {
		return err
	}
	if src.lines != nil {
		src.lines.Line(uint8(line)).SetLevel(false)
	}
	return nil
}

// Pulse asserts and deasserts vector's line.
func (b *Board) Pulse(vector int) error {
	if err := b.Assert(vector); err != nil {
		return err
	}
	return b.Deassert(vector)
}

// Spurious sums spurious interrupts seen by the board's PICs.
func (b *Board) Spurious() uint64 {
	var n uint64
	for _, src := range b.sources {
		if src.pic != nil {
			n += src.pic.Spurious()
		}
	}
	return n
}
