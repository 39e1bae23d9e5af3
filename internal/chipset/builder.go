package chipset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/irqchip/internal/irq"
)

// Initializer is implemented by controllers that must program their
// hardware before the first vector is started. Controllers whose Init
// cannot fail may implement Init() instead.
type Initializer interface {
	Init() error
}

type plainInitializer interface {
	Init()
}

type binding struct {
	name  string
	first int
	count int
	ctrl  irq.Controller
}

func (b binding) last() int { return b.first + b.count - 1 }

// Builder collects controller bindings before they are applied to a table.
type Builder struct {
	bindings []binding
	names    map[string]struct{}
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{names: make(map[string]struct{})}
}

// WithController binds ctrl to vectors first..first+count-1 under name.
func (b *Builder) WithController(name string, first, count int, ctrl irq.Controller) error {
	if b == nil {
		return errors.New("chipset builder is nil")
	}
	if name == "" {
		return errors.New("controller name is empty")
	}
	if ctrl == nil {
		return fmt.Errorf("controller %q is nil", name)
	}
	if first < 0 || count <= 0 {
		return fmt.Errorf("controller %q: invalid range first=%d count=%d", name, first, count)
	}
	if _, exists := b.names[name]; exists {
		return fmt.Errorf("controller %q already registered", name)
	}
	nb := binding{name: name, first: first, count: count, ctrl: ctrl}
	for _, existing := range b.bindings {
		if nb.first <= existing.last() && existing.first <= nb.last() {
			return fmt.Errorf(
				"controller %q vectors %d-%d overlap %q vectors %d-%d",
				name, nb.first, nb.last(), existing.name, existing.first, existing.last())
		}
	}

	b.names[name] = struct{}{}
	b.bindings = append(b.bindings, nb)
	return nil
}

// Build initializes every controller and registers it with table in
// ascending vector order.
func (b *Builder) Build(table *irq.Table) (*Chipset, error) {
	if b == nil {
		return nil, errors.New("chipset builder is nil")
	}
	if table == nil {
		return nil, errors.New("chipset: nil table")
	}

	bindings := make([]binding, len(b.bindings))
	copy(bindings, b.bindings)
	sort.Slice(bindings, func(i, j int) bool { return bindings[i].first < bindings[j].first })

	for _, bd := range bindings {
		switch init := bd.ctrl.(type) {
		case Initializer:
			if err := init.Init(); err != nil {
				return nil, fmt.Errorf("chipset: init %q: %w", bd.name, err)
			}
		case plainInitializer:
			init.Init()
		}
		if err := table.RegisterController(bd.first, bd.count, bd.ctrl); err != nil {
			return nil, fmt.Errorf("chipset: bind %q: %w", bd.name, err)
		}
	}

	return &Chipset{table: table, bindings: bindings}, nil
}

// Chipset is a table with its controllers bound.
type Chipset struct {
	table    *irq.Table
	bindings []binding
}

// Table returns the descriptor table the chipset was built on.
func (c *Chipset) Table() *irq.Table { return c.table }

// Controller looks up a bound controller by name.
func (c *Chipset) Controller(name string) (irq.Controller, bool) {
	for _, bd := range c.bindings {
		if bd.name == name {
			return bd.ctrl, true
		}
	}
	return nil, false
}

// Range returns the vectors bound to name.
func (c *Chipset) Range(name string) (first, count int, ok bool) {
	for _, bd := range c.bindings {
		if bd.name == name {
			return bd.first, bd.count, true
		}
	}
	return 0, 0, false
}

// Names lists bound controllers in vector order.
func (c *Chipset) Names() []string {
	names := make([]string, 0, len(c.bindings))
	for _, bd := range c.bindings {
		names = append(names, bd.name)
	}
	return names
}
