// Package vectored provides a controller that owns dispatch for its vectors.
// Each vector is serviced by one fixed routine instead of a handler chain,
// the way platforms with dedicated per-vector entry points (IPIs, local
// timers) handle them.
package vectored

import (
	"sync"

	"github.com/tinyrange/irqchip/internal/irq"
)

// Routine services one vector.
type Routine func(vector int, regs any)

// Controller routes each vector to its Routine. Vectors with no routine are
// reported unhandled.
type Controller struct {
	irq.NopOps

	name string

	mu       sync.RWMutex
	routines map[int]Routine
}

// New returns a controller named name with the given routines. The map is
// copied.
func New(name string, routines map[int]Routine) *Controller {
	if name == "" {
		name = "VECTORED"
	}
	c := &Controller{name: name, routines: make(map[int]Routine, len(routines))}
	for v, r := range routines {
		if r != nil {
			c.routines[v] = r
		}
	}
	return c
}

func (c *Controller) Name() string { return c.name }

// Set installs r for vector, or removes the routine when r is nil.
func (c *Controller) Set(vector int, r Routine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		delete(c.routines, vector)
		return
	}
	c.routines[vector] = r
}

// Handle implements irq.HandlingController.
func (c *Controller) Handle(vector int, regs any) bool {
	c.mu.RLock()
	r, ok := c.routines[vector]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	r(vector, regs)
	return true
}

var _ irq.HandlingController = (*Controller)(nil)
