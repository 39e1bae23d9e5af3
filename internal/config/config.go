// Package config loads board profiles: which interrupt controllers exist and
// which table vectors each of them serves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/irqchip/internal/devices/i8259"
	"github.com/tinyrange/irqchip/internal/devices/ioapic"
	"github.com/tinyrange/irqchip/internal/devices/maskreg"
	"github.com/tinyrange/irqchip/internal/irq"
)

// CurrentVersion is the profile format version written by Save.
const CurrentVersion = "v1.0.0"

// ErrUnsupportedVersion is returned for profiles of another major version.
var ErrUnsupportedVersion = errors.New("unsupported profile version")

// Kind names a controller family.
type Kind string

const (
	KindI8259    Kind = "i8259"
	KindIOAPIC   Kind = "ioapic"
	KindMaskReg  Kind = "maskreg"
	KindVectored Kind = "vectored"
)

// ControllerSpec binds one controller to a range of table vectors.
type ControllerSpec struct {
	Name  string `yaml:"name"`
	Kind  Kind   `yaml:"kind"`
	First int    `yaml:"first"`
	Count int    `yaml:"count,omitempty"`
	// Base is the CPU vector of line 0 for i8259 and ioapic.
	Base           int   `yaml:"base,omitempty"`
	LevelTriggered []int `yaml:"levelTriggered,omitempty"`
}

func (c ControllerSpec) last() int { return c.First + c.Count - 1 }

// Profile describes a board.
type Profile struct {
	Version      string           `yaml:"version"`
	Name         string           `yaml:"name"`
	NrIRQs       int              `yaml:"nrIRQs"`
	PendingLimit int              `yaml:"pendingLimit,omitempty"`
	Controllers  []ControllerSpec `yaml:"controllers"`
}

func (p *Profile) normalize() {
	if p.Version == "" {
		p.Version = CurrentVersion
	}
	if !strings.HasPrefix(p.Version, "v") {
		p.Version = "v" + p.Version
	}
	if p.Name == "" {
		p.Name = "board"
	}
	if p.PendingLimit <= 0 {
		p.PendingLimit = irq.DefaultPendingLimit
	}
	maxVector := 0
	for i := range p.Controllers {
		c := &p.Controllers[i]
		if c.Count <= 0 {
			c.Count = defaultCount(c.Kind)
		}
		if c.Base == 0 {
			c.Base = defaultBase(c.Kind)
		}
		maxVector = max(maxVector, c.First+c.Count)
	}
	if p.NrIRQs <= 0 {
		p.NrIRQs = max(maxVector, irq.DefaultVectors)
	}
}

func defaultCount(k Kind) int {
	switch k {
	case KindI8259:
		return i8259.Lines
	case KindIOAPIC:
		return ioapic.DefaultPins
	case KindMaskReg:
		return maskreg.Lines
	}
	return 1
}

func defaultBase(k Kind) int {
	switch k {
	case KindI8259:
		return i8259.DefaultVectorBase
	case KindIOAPIC:
		return 0x30
	}
	return 0
}

// Validate checks a normalized profile.
func (p *Profile) Validate() error {
	if !semver.IsValid(p.Version) {
		return fmt.Errorf("invalid version %q", p.Version)
	}
	if major := semver.Major(p.Version); major != semver.Major(CurrentVersion) {
		return fmt.Errorf("version %s: %w", p.Version, ErrUnsupportedVersion)
	}

	names := make(map[string]struct{}, len(p.Controllers))
	for i, c := range p.Controllers {
		if c.Name == "" {
			return fmt.Errorf("controller %d: name is empty", i)
		}
		if _, dup := names[c.Name]; dup {
			return fmt.Errorf("controller %q defined twice", c.Name)
		}
		names[c.Name] = struct{}{}

		if c.First < 0 || c.last() >= p.NrIRQs {
			return fmt.Errorf("controller %q: vectors %d-%d outside nrIRQs %d", c.Name, c.First, c.last(), p.NrIRQs)
		}
		if c.Base < 0 || c.Base+c.Count > 256 {
			return fmt.Errorf("controller %q: CPU vectors from 0x%x do not fit in 8 bits", c.Name, c.Base)
		}

		switch c.Kind {
		case KindI8259:
			if c.First != 0 || c.Count > i8259.Lines {
				return fmt.Errorf("controller %q: i8259 lines must be vectors 0-%d", c.Name, i8259.Lines-1)
			}
			if c.Base&0x7 != 0 {
				return fmt.Errorf("controller %q: i8259 base 0x%x is not 8-aligned", c.Name, c.Base)
			}
		case KindIOAPIC:
			if c.Count > ioapic.MaxPins {
				return fmt.Errorf("controller %q: ioapic serves at most %d pins, got %d", c.Name, ioapic.MaxPins, c.Count)
			}
		case KindMaskReg:
			if c.Count > maskreg.Lines {
				return fmt.Errorf("controller %q: maskreg serves at most %d lines", c.Name, maskreg.Lines)
			}
		case KindVectored:
		default:
			return fmt.Errorf("controller %q: unknown kind %q", c.Name, c.Kind)
		}

		for _, line := range c.LevelTriggered {
			if line < 0 || line >= c.Count {
				return fmt.Errorf("controller %q: level-triggered line %d out of range", c.Name, line)
			}
		}
		if len(c.LevelTriggered) > 0 && c.Kind != KindIOAPIC && c.Kind != KindI8259 {
			return fmt.Errorf("controller %q: %s has no trigger mode", c.Name, c.Kind)
		}
	}
	return nil
}

// Parse decodes, normalizes and validates a YAML profile.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	p.normalize()
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile %q: %w", p.Name, err)
	}
	return p, nil
}

// Load reads a profile from path.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return Parse(data)
}

// Save writes p to path as YAML.
func Save(path string, p Profile) error {
	p.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create profile: %w", err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&p); err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close profile: %w", err)
	}
	return nil
}

// PC returns the built-in profile: legacy PIC lines at 0-15, an IO-APIC
// behind them and a pair of inter-processor vectors.
func PC() Profile {
	p := Profile{
		Name: "pc",
		Controllers: []ControllerSpec{
			{Name: "pic", Kind: KindI8259, First: 0},
			{Name: "ioapic", Kind: KindIOAPIC, First: 16, LevelTriggered: []int{9, 10, 11}},
			{Name: "gpio", Kind: KindMaskReg, First: 40, Count: 8},
			{Name: "ipi", Kind: KindVectored, First: 48, Count: 2},
		},
	}
	p.normalize()
	return p
}
