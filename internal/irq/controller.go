package irq

// Controller is the control surface of one hardware interrupt controller.
// A single instance is shared by every vector bound to it, so implementations
// must be safe for concurrent use across vectors. None of the operations may
// block.
type Controller interface {
	// Name is used for diagnostics only.
	Name() string

	// Startup makes the line deliver. It reports whether the line is live;
	// a vector whose startup is not live stays disabled.
	Startup(vector int) bool
	Shutdown(vector int)

	Enable(vector int)
	Disable(vector int)

	// Ack is called before the handler chain runs, End after it.
	Ack(vector int)
	End(vector int)
}

// HandlingController is implemented by controllers that decide themselves how
// an interrupt is serviced instead of having the table walk the handler chain.
// Vectors bound to such a controller refuse AttachHandler.
type HandlingController interface {
	Controller

	// Handle services the interrupt and reports whether it was consumed.
	Handle(vector int, regs any) bool
}

// ReentrantController lets a controller allow nested dispatch of a vector
// that is already in progress. Controllers that do not implement it are
// treated as non-reentrant.
type ReentrantController interface {
	Controller

	Reentrant(vector int) bool
}

// NopOps provides no-op implementations of every Controller operation except
// Name. Controllers embed it and override what their hardware needs.
type NopOps struct{}

func (NopOps) Startup(int) bool { return true }
func (NopOps) Shutdown(int)     {}
func (NopOps) Enable(int)       {}
func (NopOps) Disable(int)      {}
func (NopOps) Ack(int)          {}
func (NopOps) End(int)          {}

type defaultController struct{ NopOps }

func (defaultController) Name() string { return "none" }

// Startup reports false: no hardware has claimed the vector.
func (defaultController) Startup(int) bool { return false }

// DefaultController is bound to every vector until init code registers a real
// controller for it. Its lines never go live, so a fire on them is dropped and
// logged by the dispatch loop.
var DefaultController Controller = defaultController{}

func isDefault(c Controller) bool {
	_, ok := c.(defaultController)
	return ok
}

// Funcs adapts a set of optional functions to Controller. Nil fields are
// no-ops and a nil OnStartup always reports the line live.
type Funcs struct {
	Label string

	OnStartup  func(vector int) bool
	OnShutdown func(vector int)
	OnEnable   func(vector int)
	OnDisable  func(vector int)
	OnAck      func(vector int)
	OnEnd      func(vector int)
}

func (f *Funcs) Name() string { return f.Label }

func (f *Funcs) Startup(vector int) bool {
	if f.OnStartup == nil {
		return true
	}
	return f.OnStartup(vector)
}

func (f *Funcs) Shutdown(vector int) { call(f.OnShutdown, vector) }
func (f *Funcs) Enable(vector int)   { call(f.OnEnable, vector) }
func (f *Funcs) Disable(vector int)  { call(f.OnDisable, vector) }
func (f *Funcs) Ack(vector int)      { call(f.OnAck, vector) }
func (f *Funcs) End(vector int)      { call(f.OnEnd, vector) }

func call(fn func(int), vector int) {
	if fn != nil {
		fn(vector)
	}
}

var _ Controller = (*Funcs)(nil)
var _ Controller = DefaultController
