package irq

import (
	"fmt"
	"log/slog"
	"reflect"
)

const (
	// DefaultVectors is used when NewTable is given a non-positive size.
	DefaultVectors = 16

	// DefaultPendingLimit bounds the number of repeat cycles one Dispatch
	// call runs because of PENDING.
	DefaultPendingLimit = 1000
)

// Table maps vectors to controllers and handler chains. Each vector has its
// own lock; there is no table-wide lock.
type Table struct {
	descs        []descriptor
	sink         EventSink
	pendingLimit int
}

// Option configures a Table.
type Option func(*Table)

// WithEventSink routes diagnostic events to sink.
func WithEventSink(sink EventSink) Option {
	return func(t *Table) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// WithLogger reports diagnostic events through logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) {
		t.sink = LogSink(logger)
	}
}

// WithPendingLimit overrides DefaultPendingLimit.
func WithPendingLimit(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.pendingLimit = n
		}
	}
}

// NewTable builds a table of nrIRQs vectors, all disabled and bound to
// DefaultController.
func NewTable(nrIRQs int, opts ...Option) *Table {
	if nrIRQs <= 0 {
		nrIRQs = DefaultVectors
	}
	t := &Table{
		descs:        make([]descriptor, nrIRQs),
		pendingLimit: DefaultPendingLimit,
	}
	for i := range t.descs {
		d := &t.descs[i]
		d.idle.L = &d.mu
		d.ctrl = DefaultController
		d.status = StatusDisabled
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.sink == nil {
		t.sink = LogSink(nil)
	}
	return t
}

// Len returns the number of vectors in the table.
func (t *Table) Len() int {
	return len(t.descs)
}

func (t *Table) desc(vector int) (*descriptor, bool) {
	if vector < 0 || vector >= len(t.descs) {
		return nil, false
	}
	return &t.descs[vector], true
}

func (t *Table) emit(vector int, kind EventKind) {
	t.sink(Event{Vector: vector, Kind: kind})
}

// RegisterController binds ctrl to vectors first..first+count-1.
//
// Vectors that already carry handlers are moved over: the previous controller
// is shut down and ctrl is started. Vectors without handlers stay disabled
// until their first AttachHandler, except when ctrl is a HandlingController,
// which is started straight away. The range is bound atomically; on error no
// vector changes. Dispatches already running on the range finish before the
// previous controller is shut down, so RegisterController must not be called
// from a handler running on one of those vectors.
func (t *Table) RegisterController(first, count int, ctrl Controller) error {
	if ctrl == nil {
		return fmt.Errorf("irq: register controller for vector %d: nil controller", first)
	}
	if count <= 0 || first < 0 || first > len(t.descs)-count {
		t.emit(first, EventOutOfRange)
		return fmt.Errorf("irq: register %q for %d vectors at %d: %w", ctrl.Name(), count, first, ErrVectorRange)
	}
	_, owns := ctrl.(HandlingController)

	descs := t.descs[first : first+count]
	for i := range descs {
		descs[i].mu.Lock()
	}
	defer func() {
		for i := range descs {
			descs[i].mu.Unlock()
		}
	}()
	for i := range descs {
		descs[i].waitIdleLocked()
	}

	if owns {
		for i := range descs {
			if len(descs[i].chain) > 0 {
				return fmt.Errorf("irq: register %q on vector %d: %w", ctrl.Name(), first+i, ErrControllerOwnsDispatch)
			}
		}
	}

	for i := range descs {
		d := &descs[i]
		vector := first + i
		d.shutdownLocked(vector)
		d.status &^= StatusAutodetect | StatusWaiting
		d.ctrl = ctrl
		if !owns && len(d.chain) == 0 {
			// Back to unused: a mask set under the old owner does not carry over.
			d.masked = false
			continue
		}
		d.armLocked(vector)
		if d.started && d.masked {
			ctrl.Disable(vector)
		}
	}
	return nil
}

// Controller returns the controller currently bound to vector.
func (t *Table) Controller(vector int) (Controller, bool) {
	d, ok := t.desc(vector)
	if !ok {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctrl, true
}

// AttachHandler appends h to the vector's chain. The first handler on an
// unused vector starts the line. A failed attach leaves the chain unchanged.
func (t *Table) AttachHandler(vector int, h Handler) error {
	if h.Func == nil {
		return fmt.Errorf("irq: attach %q to vector %d: %w", h.Name, vector, ErrNilHandler)
	}
	if !comparableID(h.DeviceID) {
		return fmt.Errorf("irq: attach %q to vector %d: device id of type %T: %w", h.Name, vector, h.DeviceID, ErrDeviceID)
	}
	d, ok := t.desc(vector)
	if !ok {
		return fmt.Errorf("irq: attach %q to vector %d: %w", h.Name, vector, ErrVectorRange)
	}

	d.mu.Lock()
	if d.owned() {
		name := d.ctrl.Name()
		d.mu.Unlock()
		return fmt.Errorf("irq: attach %q to vector %d (%s): %w", h.Name, vector, name, ErrControllerOwnsDispatch)
	}
	if len(d.chain) > 0 && (h.exclusive() || d.chain[0].exclusive()) {
		d.mu.Unlock()
		t.emit(vector, EventExclusivity)
		return fmt.Errorf("irq: attach %q to vector %d: %w", h.Name, vector, ErrExclusive)
	}

	chain := make([]Handler, len(d.chain), len(d.chain)+1)
	copy(chain, d.chain)
	d.chain = append(chain, h)
	if len(d.chain) == 1 {
		d.armLocked(vector)
	}
	d.mu.Unlock()
	return nil
}

// DetachHandler removes the first handler registered with deviceID. Removing
// the last handler disables the line and shuts it down.
//
// DetachHandler waits for any dispatch running on the vector to finish, so
// the removed handler is never invoked after it returns. It must not be
// called from a handler running on the same vector.
func (t *Table) DetachHandler(vector int, deviceID any) error {
	d, ok := t.desc(vector)
	if !ok {
		return fmt.Errorf("irq: detach from vector %d: %w", vector, ErrVectorRange)
	}

	if !comparableID(deviceID) {
		return fmt.Errorf("irq: detach %T from vector %d: %w", deviceID, vector, ErrDeviceID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	idx := -1
	for i, h := range d.chain {
		if h.DeviceID == deviceID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("irq: detach %v from vector %d: %w", deviceID, vector, ErrNotAttached)
	}

	chain := make([]Handler, 0, len(d.chain)-1)
	chain = append(chain, d.chain[:idx]...)
	d.chain = append(chain, d.chain[idx+1:]...)

	if len(d.chain) == 0 {
		d.status |= StatusDisabled
		d.masked = false
	}
	d.waitIdleLocked()
	// A handler may have been attached while we waited.
	if len(d.chain) == 0 {
		d.shutdownLocked(vector)
	}
	return nil
}

// SetMask silences or restores a vector without touching its handlers,
// keeping the controller mask and the disabled bit in step.
func (t *Table) SetMask(vector int, masked bool) error {
	d, ok := t.desc(vector)
	if !ok {
		return fmt.Errorf("irq: mask vector %d: %w", vector, ErrVectorRange)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.inUse() {
		return fmt.Errorf("irq: mask vector %d: %w", vector, ErrVectorUnused)
	}
	if d.masked == masked {
		return nil
	}
	d.masked = masked
	if masked {
		d.status |= StatusDisabled
		if d.started {
			d.ctrl.Disable(vector)
		}
		return nil
	}
	if d.started {
		d.ctrl.Enable(vector)
		d.status &^= StatusDisabled
	}
	return nil
}

// Synchronize waits until no dispatch is running on vector. It must not be
// called from a handler running on the same vector.
func (t *Table) Synchronize(vector int) {
	d, ok := t.desc(vector)
	if !ok {
		return
	}
	d.mu.Lock()
	d.waitIdleLocked()
	d.mu.Unlock()
}

// comparableID reports whether id can be matched with ==. A nil id is.
func comparableID(id any) bool {
	typ := reflect.TypeOf(id)
	return typ == nil || typ.Comparable()
}
