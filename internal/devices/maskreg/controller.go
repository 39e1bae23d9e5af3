package maskreg

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/irqchip/internal/irq"
)

// Controller drives a Registers bank for vectors first..first+count-1.
// Line n of the bank is vector first+n.
type Controller struct {
	irq.NopOps

	regs  Registers
	first int
	count int
}

// NewController binds regs to count vectors starting at first. count is
// clamped to Lines.
func NewController(regs Registers, first, count int) *Controller {
	if count <= 0 || count > Lines {
		count = Lines
	}
	return &Controller{regs: regs, first: first, count: count}
}

func (c *Controller) Name() string { return "MASKREG" }

func (c *Controller) Startup(vector int) bool {
	if _, ok := c.line(vector); !ok {
		return false
	}
	c.Enable(vector)
	return true
}

func (c *Controller) Shutdown(vector int) { c.Disable(vector) }

func (c *Controller) Enable(vector int) { c.write(EnableSet, vector) }

func (c *Controller) Disable(vector int) { c.write(EnableClear, vector) }

// Ack clears the latched pending bit so a new raise can be seen.
func (c *Controller) Ack(vector int) { c.write(Pending, vector) }

// Poll reads the pending register and calls dispatch with the vector of
// every pending line. It returns the number of vectors dispatched.
func (c *Controller) Poll(dispatch func(vector int)) (int, error) {
	mask, err := c.regs.Read32(Pending)
	if err != nil {
		return 0, fmt.Errorf("maskreg: poll: %w", err)
	}
	if c.count < Lines {
		mask &= 1<<c.count - 1
	}
	n := 0
	pendingLines(mask, func(line int) {
		dispatch(c.first + line)
		n++
	})
	return n, nil
}

func (c *Controller) line(vector int) (int, bool) {
	line := vector - c.first
	if line < 0 || line >= c.count {
		return 0, false
	}
	return line, true
}

func (c *Controller) write(offset uint32, vector int) {
	line, ok := c.line(vector)
	if !ok {
		return
	}
	if err := c.regs.Write32(offset, 1<<line); err != nil {
		slog.Warn("maskreg: register write", "offset", offset, "vector", vector, "error", err)
	}
}

var _ irq.Controller = (*Controller)(nil)
