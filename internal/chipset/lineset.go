package chipset

import "sync"

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// SinkFunc adapts a function to InterruptSink.
type SinkFunc func(line uint8, level bool)

func (f SinkFunc) SetIRQ(line uint8, level bool) {
	if f != nil {
		f(line, level)
	}
}

// Dispatcher runs one interrupt for a vector. *irq.Table implements it.
type Dispatcher interface {
	Dispatch(vector int, regs any)
}

// DispatchSink returns a sink that dispatches vector base+line on every
// assertion. Behind a LineSet that is once per rising edge.
func DispatchSink(d Dispatcher, base int) InterruptSink {
	return SinkFunc(func(line uint8, level bool) {
		if level {
			d.Dispatch(base+int(line), nil)
		}
	})
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

// EOITarget is the minimal interface for receivers of EOI broadcasts (e.g. IOAPIC).
type EOITarget interface {
	HandleEOI(uint32)
}

// LineSet tracks the level of each interrupt line and forwards changes to a
// sink. Repeated assertions of a line that is already high are dropped.
type LineSet struct {
	mu sync.Mutex

	sink      InterruptSink
	eoiTarget EOITarget

	lines map[uint8]bool
	eoi   map[uint8][]func()
}

// NewLineSet builds a LineSet that forwards level changes to sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = SinkFunc(nil)
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]bool),
		eoi:   make(map[uint8][]func()),
	}
}

// AttachEOITarget wires EOI broadcasts to target.
func (l *LineSet) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTarget = target
}

// Line returns a handle for line n.
func (l *LineSet) Line(n uint8) LineInterrupt {
	return &lineHandle{owner: l, line: n}
}

// Level reports the current level of line n.
func (l *LineSet) Level(n uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines[n]
}

// OnEOI registers fn to run when BroadcastEOI is called for vector.
func (l *LineSet) OnEOI(vector uint8, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI notifies the EOI target and listeners for vector.
func (l *LineSet) BroadcastEOI(vector uint8) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[vector]...)
	target := l.eoiTarget
	l.mu.Unlock()
	if target != nil {
		target.HandleEOI(uint32(vector))
	}
	for _, fn := range callbacks {
		fn()
	}
}

type lineHandle struct {
	owner *LineSet
	line  uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.line, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.setLevel(h.line, true)
	h.owner.setLevel(h.line, false)
}

func (l *LineSet) setLevel(line uint8, high bool) {
	l.mu.Lock()
	changed := l.lines[line] != high
	l.lines[line] = high
	sink := l.sink
	l.mu.Unlock()

	if changed {
		sink.SetIRQ(line, high)
	}
}
