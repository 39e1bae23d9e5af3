package irq

import (
	"sync"

	"golang.org/x/sys/cpu"
)

// HandlerFunc services one interrupt on behalf of a device. regs is the
// architecture-supplied register snapshot, passed through untouched.
type HandlerFunc func(vector int, deviceID any, regs any)

// HandlerFlags modify how a handler shares its vector.
type HandlerFlags uint32

const (
	// FlagExclusive demands sole use of the vector.
	FlagExclusive HandlerFlags = 1 << iota
)

// Handler is one registered interest in a vector.
type Handler struct {
	// Name is used for diagnostics only.
	Name string
	Func HandlerFunc
	// DeviceID identifies the handler for DetachHandler. It must be comparable.
	DeviceID any
	Flags    HandlerFlags
}

func (h Handler) exclusive() bool {
	return h.Flags&FlagExclusive != 0
}

// Stats counts what happened on one vector.
type Stats struct {
	Dispatches uint64 // ack/handle/end cycles run
	Repeats    uint64 // cycles run because of PENDING
	Dropped    uint64 // fires discarded while disabled
	Unhandled  uint64 // cycles a handling controller did not consume
	Overruns   uint64 // times the pending limit was hit
}

type descriptor struct {
	mu   sync.Mutex
	idle sync.Cond

	status Status
	ctrl   Controller
	// chain is replaced, never mutated, so dispatch can walk a snapshot
	// without holding mu.
	chain []Handler

	// started is true while ctrl.Startup has reported the line live and no
	// matching Shutdown has been issued.
	started bool
	masked  bool
	active  int

	stats Stats

	_ cpu.CacheLinePad
}

func (d *descriptor) owned() bool {
	_, ok := d.ctrl.(HandlingController)
	return ok
}

func (d *descriptor) inUse() bool {
	return len(d.chain) > 0 || d.owned()
}

// waitIdleLocked blocks until no dispatch is running on the vector. mu is
// released while waiting.
func (d *descriptor) waitIdleLocked() {
	for d.active > 0 {
		d.idle.Wait()
	}
}

// armLocked brings an unused vector live for its first handler.
func (d *descriptor) armLocked(vector int) {
	d.status &^= StatusAutodetect | StatusWaiting
	if !d.started {
		d.started = d.ctrl.Startup(vector)
	}
	if d.started && !d.masked {
		d.status &^= StatusDisabled
	}
}

func (d *descriptor) shutdownLocked(vector int) {
	d.status |= StatusDisabled
	if d.started {
		d.ctrl.Shutdown(vector)
		d.started = false
	}
}
