package irq

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// countingController records every operation it receives.
type countingController struct {
	mu    sync.Mutex
	calls map[string]int
	log   []string
	live  bool
}

func newCountingController() *countingController {
	return &countingController{calls: make(map[string]int), live: true}
}

func (c *countingController) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[op]++
	c.log = append(c.log, op)
}

func (c *countingController) count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingController) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

func (c *countingController) Name() string { return "counting" }
func (c *countingController) Startup(int) bool {
	c.record("startup")
	return c.live
}
func (c *countingController) Shutdown(int) { c.record("shutdown") }
func (c *countingController) Enable(int)   { c.record("enable") }
func (c *countingController) Disable(int)  { c.record("disable") }
func (c *countingController) Ack(int)      { c.record("ack") }
func (c *countingController) End(int)      { c.record("end") }

func newTestTable(t *testing.T, n int, opts ...Option) (*Table, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	opts = append([]Option{WithEventSink(rec.sink)}, opts...)
	return NewTable(n, opts...), rec
}

func handlerInto(name string, out *[]string) Handler {
	return Handler{
		Name:     name,
		DeviceID: name,
		Func: func(int, any, any) {
			*out = append(*out, name)
		},
	}
}

func TestDispatchBeforeRegisterIsDropped(t *testing.T) {
	table, rec := newTestTable(t, 32)

	for v := 0; v < table.Len(); v++ {
		table.Dispatch(v, nil)
	}
	if got := rec.count(EventDisabledVector); got != table.Len() {
		t.Fatalf("disabled events = %d, want %d", got, table.Len())
	}
	if len(rec.events) != table.Len() {
		t.Fatalf("unexpected extra events: %v", rec.events)
	}
	for _, snap := range table.Snapshot() {
		if snap.Controller != DefaultController.Name() {
			t.Fatalf("vector %d bound to %q before init", snap.Vector, snap.Controller)
		}
		if snap.Status&StatusDisabled == 0 {
			t.Fatalf("vector %d not disabled before init", snap.Vector)
		}
	}
}

func TestDispatchRunsAckChainEnd(t *testing.T) {
	table, _ := newTestTable(t, 16)

	var order []string
	ctrl := &Funcs{
		Label: "counter",
		OnAck: func(int) { order = append(order, "ack") },
		OnEnd: func(int) { order = append(order, "end") },
	}
	if err := table.RegisterController(0, 16, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := table.AttachHandler(5, handlerInto("h1", &order)); err != nil {
		t.Fatalf("attach h1: %v", err)
	}
	if err := table.AttachHandler(5, handlerInto("h2", &order)); err != nil {
		t.Fatalf("attach h2: %v", err)
	}

	table.Dispatch(5, nil)

	want := []string{"ack", "h1", "h2", "end"}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("dispatch order = %v, want %v", order, want)
	}
}

func TestDispatchUnregisteredVector(t *testing.T) {
	table, rec := newTestTable(t, 16)
	ctrl := newCountingController()
	if err := table.RegisterController(0, 4, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}

	table.Dispatch(7, nil)

	if len(rec.events) != 1 || rec.events[0] != (Event{Vector: 7, Kind: EventDisabledVector}) {
		t.Fatalf("events = %v, want one disabled vector 7", rec.events)
	}
	if got := rec.events[0].String(); got != "disabled vector 7" {
		t.Fatalf("event text = %q", got)
	}
	if ctrl.total() != 0 {
		t.Fatalf("controller touched: %v", ctrl.log)
	}
}

func TestDispatchOutOfRange(t *testing.T) {
	table, rec := newTestTable(t, 8)

	table.Dispatch(8, nil)
	table.Dispatch(-1, nil)

	if got := rec.count(EventOutOfRange); got != 2 {
		t.Fatalf("out of range events = %d, want 2", got)
	}
}

func TestAttachRejectsSharingExclusiveVector(t *testing.T) {
	table, rec := newTestTable(t, 16)
	if err := table.RegisterController(0, 16, newCountingController()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var calls []string
	h1 := handlerInto("h1", &calls)
	h1.Flags = FlagExclusive
	if err := table.AttachHandler(2, h1); err != nil {
		t.Fatalf("attach h1: %v", err)
	}

	err := table.AttachHandler(2, handlerInto("h2", &calls))
	if !errors.Is(err, ErrExclusive) {
		t.Fatalf("attach h2 err = %v, want ErrExclusive", err)
	}
	snap, _ := table.Descriptor(2)
	if !reflect.DeepEqual(snap.Handlers, []string{"h1"}) {
		t.Fatalf("chain = %v, want [h1]", snap.Handlers)
	}
	if rec.count(EventExclusivity) != 1 {
		t.Fatalf("expected one exclusivity event, got %v", rec.events)
	}
}

func TestAttachExclusiveOnSharedVectorFails(t *testing.T) {
	table, _ := newTestTable(t, 16)
	if err := table.RegisterController(0, 16, newCountingController()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var calls []string
	if err := table.AttachHandler(3, handlerInto("h1", &calls)); err != nil {
		t.Fatalf("attach h1: %v", err)
	}
	h2 := handlerInto("h2", &calls)
	h2.Flags = FlagExclusive
	if err := table.AttachHandler(3, h2); !errors.Is(err, ErrExclusive) {
		t.Fatalf("attach exclusive h2 err = %v, want ErrExclusive", err)
	}

	table.Dispatch(3, nil)
	if !reflect.DeepEqual(calls, []string{"h1"}) {
		t.Fatalf("calls = %v, want [h1]", calls)
	}
}

func TestAttachRejectsBadInput(t *testing.T) {
	table, _ := newTestTable(t, 4)

	if err := table.AttachHandler(1, Handler{Name: "nil"}); !errors.Is(err, ErrNilHandler) {
		t.Fatalf("nil func err = %v", err)
	}
	var calls []string
	if err := table.AttachHandler(4, handlerInto("h", &calls)); !errors.Is(err, ErrVectorRange) {
		t.Fatalf("out of range err = %v", err)
	}
}

func TestChainOrderIsInsertionOrder(t *testing.T) {
	table, _ := newTestTable(t, 16)
	if err := table.RegisterController(0, 16, newCountingController()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var calls []string
	names := []string{"d", "a", "c", "b", "e"}
	for _, name := range names {
		if err := table.AttachHandler(9, handlerInto(name, &calls)); err != nil {
			t.Fatalf("attach %s: %v", name, err)
		}
	}

	table.Dispatch(9, nil)
	table.Dispatch(9, nil)

	want := append(append([]string{}, names...), names...)
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestStartupAndShutdownFollowChain(t *testing.T) {
	table, _ := newTestTable(t, 16)
	ctrl := newCountingController()
	if err := table.RegisterController(0, 16, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if ctrl.total() != 0 {
		t.Fatalf("register touched unused vectors: %v", ctrl.log)
	}

	var calls []string
	if err := table.AttachHandler(4, handlerInto("h1", &calls)); err != nil {
		t.Fatalf("attach h1: %v", err)
	}
	if err := table.AttachHandler(4, handlerInto("h2", &calls)); err != nil {
		t.Fatalf("attach h2: %v", err)
	}
	if got := ctrl.count("startup"); got != 1 {
		t.Fatalf("startup calls = %d, want 1", got)
	}
	if snap, _ := table.Descriptor(4); snap.Status&StatusDisabled != 0 {
		t.Fatalf("vector still disabled after startup: %v", snap.Status)
	}

	if err := table.DetachHandler(4, "h1"); err != nil {
		t.Fatalf("detach h1: %v", err)
	}
	if got := ctrl.count("shutdown"); got != 0 {
		t.Fatalf("shutdown with a handler left")
	}
	if err := table.DetachHandler(4, "h2"); err != nil {
		t.Fatalf("detach h2: %v", err)
	}
	if got := ctrl.count("shutdown"); got != 1 {
		t.Fatalf("shutdown calls = %d, want 1", got)
	}
	if snap, _ := table.Descriptor(4); snap.Status&StatusDisabled == 0 {
		t.Fatalf("vector not disabled after last detach: %v", snap.Status)
	}

	if err := table.DetachHandler(4, "h2"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("second detach err = %v, want ErrNotAttached", err)
	}
}

func TestStartupNotLiveKeepsVectorDisabled(t *testing.T) {
	table, rec := newTestTable(t, 8)
	ctrl := newCountingController()
	ctrl.live = false
	if err := table.RegisterController(0, 8, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}

	var calls []string
	if err := table.AttachHandler(1, handlerInto("h", &calls)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	table.Dispatch(1, nil)
	if len(calls) != 0 || rec.count(EventDisabledVector) != 1 {
		t.Fatalf("dispatch reached handler on a dead line: calls=%v events=%v", calls, rec.events)
	}

	if err := table.DetachHandler(1, "h"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if got := ctrl.count("shutdown"); got != 0 {
		t.Fatalf("shutdown issued for a line that never started")
	}
}

func TestRegisterAfterAttachArmsVector(t *testing.T) {
	table, _ := newTestTable(t, 16)

	var calls []string
	if err := table.AttachHandler(6, handlerInto("early", &calls)); err != nil {
		t.Fatalf("attach before controller: %v", err)
	}
	table.Dispatch(6, nil)
	if len(calls) != 0 {
		t.Fatalf("handler ran before a controller was bound")
	}

	ctrl := newCountingController()
	if err := table.RegisterController(4, 4, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := ctrl.count("startup"); got != 1 {
		t.Fatalf("startup calls = %d, want 1 (only vector 6 has handlers)", got)
	}
	table.Dispatch(6, nil)
	if !reflect.DeepEqual(calls, []string{"early"}) {
		t.Fatalf("calls = %v", calls)
	}
}

func TestRegisterMovesVectorsBetweenControllers(t *testing.T) {
	table, _ := newTestTable(t, 16)
	first := newCountingController()
	second := newCountingController()
	if err := table.RegisterController(0, 16, first); err != nil {
		t.Fatalf("register first: %v", err)
	}
	var calls []string
	if err := table.AttachHandler(2, handlerInto("h", &calls)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	if err := table.RegisterController(0, 8, second); err != nil {
		t.Fatalf("register second: %v", err)
	}
	if first.count("shutdown") != 1 || second.count("startup") != 1 {
		t.Fatalf("handover: first=%v second=%v", first.log, second.log)
	}
	table.Dispatch(2, nil)
	if second.count("ack") != 1 || first.count("ack") != 0 {
		t.Fatalf("dispatch used the wrong controller")
	}
	if ctrl, _ := table.Controller(12); ctrl != Controller(first) {
		t.Fatalf("vector outside the new range was rebound")
	}
}

func TestRegisterRejectsBadRange(t *testing.T) {
	table, rec := newTestTable(t, 16)
	ctrl := newCountingController()

	for _, r := range []struct{ first, count int }{{-1, 2}, {15, 2}, {0, 0}, {16, 1}} {
		if err := table.RegisterController(r.first, r.count, ctrl); !errors.Is(err, ErrVectorRange) {
			t.Fatalf("register %d+%d err = %v, want ErrVectorRange", r.first, r.count, err)
		}
	}
	if got := rec.count(EventOutOfRange); got != 4 {
		t.Fatalf("out of range events = %d, want 4", got)
	}
	if err := table.RegisterController(0, 1, nil); err == nil {
		t.Fatalf("nil controller accepted")
	}
}

func TestNestedFiresCoalesceIntoOneRepeat(t *testing.T) {
	table, _ := newTestTable(t, 16)
	ctrl := newCountingController()
	if err := table.RegisterController(0, 16, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}

	runs := 0
	err := table.AttachHandler(5, Handler{
		Name:     "refire",
		DeviceID: 1,
		Func: func(v int, _ any, _ any) {
			runs++
			if runs == 1 {
				for range 3 {
					table.Dispatch(v, nil)
				}
				if snap, _ := table.Descriptor(v); snap.Status&StatusPending == 0 {
					t.Errorf("nested fire did not set pending: %v", snap.Status)
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	table.Dispatch(5, nil)

	if runs != 2 {
		t.Fatalf("handler runs = %d, want 2", runs)
	}
	if ctrl.count("ack") != 2 || ctrl.count("end") != 2 {
		t.Fatalf("controller cycles: %v", ctrl.log)
	}
	snap, _ := table.Descriptor(5)
	if snap.Status&(StatusPending|StatusInProgress) != 0 {
		t.Fatalf("quiescent status = %v", snap.Status)
	}
	if snap.Stats.Dispatches != 2 || snap.Stats.Repeats != 1 {
		t.Fatalf("stats = %+v", snap.Stats)
	}
}

func TestPendingOverrunIsCapped(t *testing.T) {
	table, rec := newTestTable(t, 16, WithPendingLimit(2))
	if err := table.RegisterController(0, 16, newCountingController()); err != nil {
		t.Fatalf("register: %v", err)
	}

	runs := 0
	err := table.AttachHandler(1, Handler{
		Name:     "stuck",
		DeviceID: 1,
		Func: func(v int, _ any, _ any) {
			runs++
			table.Dispatch(v, nil)
		},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	table.Dispatch(1, nil)

	if runs != 3 {
		t.Fatalf("handler runs = %d, want 3", runs)
	}
	if got := rec.count(EventPendingOverrun); got != 1 {
		t.Fatalf("overrun events = %d, want 1", got)
	}
	snap, _ := table.Descriptor(1)
	if snap.Status&StatusPending != 0 {
		t.Fatalf("pending left set after overrun")
	}
	if snap.Stats.Overruns != 1 {
		t.Fatalf("stats = %+v", snap.Stats)
	}
}

type reentrantController struct {
	*countingController
}

func (c *reentrantController) Reentrant(int) bool { return true }

func TestReentrantControllerNests(t *testing.T) {
	table, _ := newTestTable(t, 8)
	ctrl := &reentrantController{countingController: newCountingController()}
	if err := table.RegisterController(0, 8, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}

	depth := 0
	var depths []int
	err := table.AttachHandler(3, Handler{
		Name:     "nest",
		DeviceID: 1,
		Func: func(v int, _ any, _ any) {
			depth++
			depths = append(depths, depth)
			if depth == 1 {
				table.Dispatch(v, nil)
			}
			depth--
		},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	table.Dispatch(3, nil)

	if !reflect.DeepEqual(depths, []int{1, 2}) {
		t.Fatalf("depths = %v, want [1 2]", depths)
	}
	snap, _ := table.Descriptor(3)
	if snap.Status&(StatusInProgress|StatusPending) != 0 || snap.Stats.Repeats != 0 {
		t.Fatalf("status=%v stats=%+v", snap.Status, snap.Stats)
	}
}

func TestSetMaskTogglesControllerAndStatus(t *testing.T) {
	table, rec := newTestTable(t, 8)
	ctrl := newCountingController()
	if err := table.RegisterController(0, 8, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := table.SetMask(2, true); !errors.Is(err, ErrVectorUnused) {
		t.Fatalf("mask unused vector err = %v", err)
	}

	var calls []string
	if err := table.AttachHandler(2, handlerInto("h", &calls)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := table.SetMask(2, true); err != nil {
		t.Fatalf("mask: %v", err)
	}
	if err := table.SetMask(2, true); err != nil {
		t.Fatalf("mask again: %v", err)
	}
	if ctrl.count("disable") != 1 {
		t.Fatalf("disable calls = %d, want 1", ctrl.count("disable"))
	}

	table.Dispatch(2, nil)
	if len(calls) != 0 || rec.count(EventDisabledVector) != 1 {
		t.Fatalf("masked vector dispatched")
	}
	snap, _ := table.Descriptor(2)
	if !snap.Masked || snap.Status&StatusDisabled == 0 {
		t.Fatalf("masked snapshot = %+v", snap)
	}

	if err := table.SetMask(2, false); err != nil {
		t.Fatalf("unmask: %v", err)
	}
	if ctrl.count("enable") != 1 {
		t.Fatalf("enable calls = %d, want 1", ctrl.count("enable"))
	}
	table.Dispatch(2, nil)
	if !reflect.DeepEqual(calls, []string{"h"}) {
		t.Fatalf("calls = %v", calls)
	}
	if ctrl.count("startup") != 1 || ctrl.count("shutdown") != 0 {
		t.Fatalf("mask toggled startup/shutdown: %v", ctrl.log)
	}
}

type ownerController struct {
	NopOps
	handled []int
	consume bool
}

func (c *ownerController) Name() string { return "owner" }

func (c *ownerController) Handle(vector int, regs any) bool {
	c.handled = append(c.handled, vector)
	return c.consume
}

func TestHandlingControllerOwnsDispatch(t *testing.T) {
	table, rec := newTestTable(t, 8)
	ctrl := &ownerController{consume: true}
	if err := table.RegisterController(4, 2, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}

	var calls []string
	if err := table.AttachHandler(4, handlerInto("h", &calls)); !errors.Is(err, ErrControllerOwnsDispatch) {
		t.Fatalf("attach err = %v, want ErrControllerOwnsDispatch", err)
	}

	table.Dispatch(4, "regs")
	table.Dispatch(5, nil)
	if !reflect.DeepEqual(ctrl.handled, []int{4, 5}) {
		t.Fatalf("handled = %v", ctrl.handled)
	}
	if len(rec.events) != 0 {
		t.Fatalf("unexpected events: %v", rec.events)
	}

	ctrl.consume = false
	table.Dispatch(4, nil)
	if rec.count(EventUnhandled) != 1 {
		t.Fatalf("expected an unhandled event, got %v", rec.events)
	}
}

func TestHandlingControllerRefusesVectorsWithHandlers(t *testing.T) {
	table, _ := newTestTable(t, 8)
	plain := newCountingController()
	if err := table.RegisterController(0, 8, plain); err != nil {
		t.Fatalf("register: %v", err)
	}
	var calls []string
	if err := table.AttachHandler(6, handlerInto("h", &calls)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	err := table.RegisterController(4, 4, &ownerController{})
	if !errors.Is(err, ErrControllerOwnsDispatch) {
		t.Fatalf("register err = %v, want ErrControllerOwnsDispatch", err)
	}
	if ctrl, _ := table.Controller(4); ctrl != Controller(plain) {
		t.Fatalf("failed register changed vector 4")
	}
}

func TestDetachWaitsForRunningDispatch(t *testing.T) {
	table, _ := newTestTable(t, 8)
	ctrl := newCountingController()
	if err := table.RegisterController(0, 8, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var runs int
	err := table.AttachHandler(1, Handler{
		Name:     "slow",
		DeviceID: "slow",
		Func: func(int, any, any) {
			runs++
			close(entered)
			<-release
		},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	dispatched := make(chan struct{})
	go func() {
		table.Dispatch(1, nil)
		close(dispatched)
	}()
	<-entered

	detached := make(chan error, 1)
	go func() {
		detached <- table.DetachHandler(1, "slow")
	}()

	select {
	case <-detached:
		t.Fatalf("detach returned while the handler was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-detached; err != nil {
		t.Fatalf("detach: %v", err)
	}
	<-dispatched

	if ctrl.count("shutdown") != 1 {
		t.Fatalf("shutdown calls = %d, want 1", ctrl.count("shutdown"))
	}
	ops := ctrl.log
	if ops[len(ops)-1] != "shutdown" {
		t.Fatalf("shutdown issued before dispatch finished: %v", ops)
	}

	table.Dispatch(1, nil)
	if runs != 1 {
		t.Fatalf("detached handler ran again")
	}
}

func TestRebindToChainControllerDropsOwnerMask(t *testing.T) {
	table, rec := newTestTable(t, 8)
	if err := table.RegisterController(3, 1, &ownerController{consume: true}); err != nil {
		t.Fatalf("register owner: %v", err)
	}
	if err := table.SetMask(3, true); err != nil {
		t.Fatalf("mask: %v", err)
	}

	ctrl := newCountingController()
	if err := table.RegisterController(3, 1, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	if snap, _ := table.Descriptor(3); snap.Masked || snap.Status&StatusDisabled == 0 {
		t.Fatalf("rebound vector = %+v, want unused and unmasked", snap)
	}

	var calls []string
	if err := table.AttachHandler(3, handlerInto("h", &calls)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	table.Dispatch(3, nil)

	if !reflect.DeepEqual(calls, []string{"h"}) {
		t.Fatalf("handler calls = %v, want [h]", calls)
	}
	if rec.count(EventDisabledVector) != 0 {
		t.Fatalf("fire dropped as disabled: %v", rec.events)
	}
}

func TestDeviceIDMustBeComparable(t *testing.T) {
	table, _ := newTestTable(t, 4)
	if err := table.RegisterController(0, 4, newCountingController()); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := table.AttachHandler(1, Handler{Name: "buf", DeviceID: []byte("a"), Func: func(int, any, any) {}})
	if !errors.Is(err, ErrDeviceID) {
		t.Fatalf("attach err = %v, want ErrDeviceID", err)
	}
	if snap, _ := table.Descriptor(1); len(snap.Handlers) != 0 {
		t.Fatalf("failed attach left handlers %v", snap.Handlers)
	}
	if err := table.DetachHandler(1, []byte("a")); !errors.Is(err, ErrDeviceID) {
		t.Fatalf("detach err = %v, want ErrDeviceID", err)
	}

	// A nil device id is comparable.
	if err := table.AttachHandler(1, Handler{Name: "anon", Func: func(int, any, any) {}}); err != nil {
		t.Fatalf("attach nil id: %v", err)
	}
	if err := table.DetachHandler(1, nil); err != nil {
		t.Fatalf("detach nil id: %v", err)
	}
}

func TestRegisterWaitsForRunningDispatch(t *testing.T) {
	table, _ := newTestTable(t, 4)
	old := newCountingController()
	if err := table.RegisterController(0, 4, old); err != nil {
		t.Fatalf("register: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	err := table.AttachHandler(2, Handler{
		Name:     "slow",
		DeviceID: "slow",
		Func: func(int, any, any) {
			close(entered)
			<-release
		},
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	dispatched := make(chan struct{})
	go func() {
		table.Dispatch(2, nil)
		close(dispatched)
	}()
	<-entered

	registered := make(chan error, 1)
	go func() {
		registered <- table.RegisterController(2, 1, newCountingController())
	}()

	select {
	case <-registered:
		t.Fatalf("register returned while the handler was running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-registered; err != nil {
		t.Fatalf("register: %v", err)
	}
	<-dispatched

	want := []string{"startup", "ack", "end", "shutdown"}
	if !reflect.DeepEqual(old.log, want) {
		t.Fatalf("old controller ops = %v, want %v", old.log, want)
	}
}

func TestConcurrentDispatchAcrossVectors(t *testing.T) {
	table, _ := newTestTable(t, 32)
	if err := table.RegisterController(0, 32, newCountingController()); err != nil {
		t.Fatalf("register: %v", err)
	}

	var mu sync.Mutex
	counts := make(map[int]int)
	for v := range 32 {
		err := table.AttachHandler(v, Handler{
			Name:     "count",
			DeviceID: v,
			Func: func(vector int, _ any, _ any) {
				mu.Lock()
				counts[vector]++
				mu.Unlock()
			},
		})
		if err != nil {
			t.Fatalf("attach %d: %v", v, err)
		}
	}

	var wg sync.WaitGroup
	for v := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				table.Dispatch(v, nil)
			}
		}()
	}
	wg.Wait()

	for v := range 32 {
		if counts[v] != 100 {
			t.Fatalf("vector %d ran %d times, want 100", v, counts[v])
		}
	}
}

func TestProbeReportsFiredVectors(t *testing.T) {
	table, _ := newTestTable(t, 16)
	ctrl := newCountingController()
	if err := table.RegisterController(0, 8, ctrl); err != nil {
		t.Fatalf("register: %v", err)
	}
	var calls []string
	if err := table.AttachHandler(0, handlerInto("timer", &calls)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	probed := table.ProbeOn()
	if !reflect.DeepEqual(probed, []int{1, 2, 3, 4, 5, 6, 7}) {
		t.Fatalf("probed = %v", probed)
	}
	snap, _ := table.Descriptor(3)
	if snap.Status != StatusAutodetect|StatusWaiting {
		t.Fatalf("probe status = %v", snap.Status)
	}

	table.Dispatch(3, nil)
	table.Dispatch(12, nil)

	fired := table.ProbeOff(probed)
	if !reflect.DeepEqual(fired, []int{3}) {
		t.Fatalf("fired = %v, want [3]", fired)
	}
	if got := ctrl.count("shutdown"); got != len(probed) {
		t.Fatalf("shutdown calls = %d, want %d", got, len(probed))
	}
	snap, _ = table.Descriptor(3)
	if snap.Status != StatusDisabled {
		t.Fatalf("status after probe = %v", snap.Status)
	}
}

func TestStatusString(t *testing.T) {
	if got := (StatusDisabled | StatusPending).String(); got != "disabled,pending" {
		t.Fatalf("status string = %q", got)
	}
	if got := Status(0).String(); got != "" {
		t.Fatalf("empty status string = %q", got)
	}
}
