package irq

// Dispatch runs the interrupt sequence for one fire of vector. It is the
// entry point for architecture trap code and never fails: out-of-range,
// disabled and overrun conditions are reported to the event sink and dropped.
//
// A fire that arrives while the same vector is in progress on a
// non-reentrant controller only sets PENDING; the running dispatch then
// repeats the whole ack/handle/end cycle once more, however many fires were
// coalesced.
func (t *Table) Dispatch(vector int, regs any) {
	d, ok := t.desc(vector)
	if !ok {
		t.emit(vector, EventOutOfRange)
		return
	}

	d.mu.Lock()
	if d.status&StatusDisabled != 0 {
		d.stats.Dropped++
		d.mu.Unlock()
		t.emit(vector, EventDisabledVector)
		return
	}
	if d.status&StatusInProgress != 0 && !reentrant(d.ctrl, vector) {
		d.status |= StatusPending
		d.mu.Unlock()
		return
	}

	d.active++
	d.status |= StatusInProgress

	var (
		repeats   int
		unhandled int
		overrun   bool
	)
	for {
		d.status &^= StatusPending
		ctrl := d.ctrl
		chain := d.chain
		probing := d.status&StatusAutodetect != 0
		if probing {
			d.status &^= StatusWaiting
		}
		d.stats.Dispatches++
		d.mu.Unlock()

		if !t.runCycle(vector, regs, ctrl, chain, probing) {
			unhandled++
		}

		d.mu.Lock()
		if d.status&StatusPending == 0 || d.status&StatusDisabled != 0 {
			break
		}
		if repeats >= t.pendingLimit {
			d.stats.Overruns++
			overrun = true
			break
		}
		repeats++
		d.stats.Repeats++
	}

	d.stats.Unhandled += uint64(unhandled)
	d.active--
	if d.active == 0 {
		d.status &^= StatusInProgress | StatusPending
		d.idle.Broadcast()
	}
	d.mu.Unlock()

	for range unhandled {
		t.emit(vector, EventUnhandled)
	}
	if overrun {
		t.emit(vector, EventPendingOverrun)
	}
}

// runCycle performs one ack/handle/end sequence and reports whether the
// interrupt was consumed.
func (t *Table) runCycle(vector int, regs any, ctrl Controller, chain []Handler, probing bool) bool {
	ctrl.Ack(vector)
	handled := true
	switch {
	case probing:
	case isHandling(ctrl):
		handled = ctrl.(HandlingController).Handle(vector, regs)
	default:
		for _, h := range chain {
			h.Func(vector, h.DeviceID, regs)
		}
	}
	ctrl.End(vector)
	return handled
}

func isHandling(c Controller) bool {
	_, ok := c.(HandlingController)
	return ok
}

func reentrant(c Controller, vector int) bool {
	rc, ok := c.(ReentrantController)
	return ok && rc.Reentrant(vector)
}
