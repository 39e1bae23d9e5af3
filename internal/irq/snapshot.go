package irq

// DescriptorSnapshot is a point-in-time copy of one vector's state.
type DescriptorSnapshot struct {
	Vector     int
	Controller string
	Status     Status
	Masked     bool
	Handlers   []string
	Stats      Stats
}

// Descriptor returns a snapshot of a single vector.
func (t *Table) Descriptor(vector int) (DescriptorSnapshot, bool) {
	d, ok := t.desc(vector)
	if !ok {
		return DescriptorSnapshot{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	snap := DescriptorSnapshot{
		Vector:     vector,
		Controller: d.ctrl.Name(),
		Status:     d.status,
		Masked:     d.masked,
		Stats:      d.stats,
	}
	for _, h := range d.chain {
		snap.Handlers = append(snap.Handlers, h.Name)
	}
	return snap, true
}

// Snapshot returns a snapshot of every vector in ascending order. Vectors are
// captured one at a time, so the result is not atomic across vectors.
func (t *Table) Snapshot() []DescriptorSnapshot {
	out := make([]DescriptorSnapshot, 0, len(t.descs))
	for v := range t.descs {
		snap, _ := t.Descriptor(v)
		out = append(out, snap)
	}
	return out
}
