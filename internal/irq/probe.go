package irq

// ProbeOn starts every unused vector that is bound to a real controller and
// marks it for autodetection. It returns the vectors being probed; pass them
// to ProbeOff once the device has been made to raise its interrupt.
func (t *Table) ProbeOn() []int {
	var probed []int
	for v := range t.descs {
		d := &t.descs[v]
		d.mu.Lock()
		if !d.inUse() && !d.started && !isDefault(d.ctrl) && d.status&StatusAutodetect == 0 {
			if d.ctrl.Startup(v) {
				d.started = true
				d.status = StatusAutodetect | StatusWaiting
				probed = append(probed, v)
			}
		}
		d.mu.Unlock()
	}
	return probed
}

// ProbeOff ends autodetection on the probed vectors and returns the ones that
// fired in the meantime. Probed lines that were not claimed by a handler are
// shut down again.
func (t *Table) ProbeOff(probed []int) []int {
	var fired []int
	for _, v := range probed {
		d, ok := t.desc(v)
		if !ok {
			continue
		}
		d.mu.Lock()
		if d.status&StatusAutodetect != 0 {
			if d.status&StatusWaiting == 0 {
				fired = append(fired, v)
			}
			d.status &^= StatusAutodetect | StatusWaiting
			if !d.inUse() {
				d.status |= StatusDisabled
				d.waitIdleLocked()
				if !d.inUse() {
					d.shutdownLocked(v)
				}
			}
		}
		d.mu.Unlock()
	}
	return fired
}
