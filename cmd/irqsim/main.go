// Command irqsim builds an interrupt board from a profile, attaches demo
// handlers and fires an interrupt storm at it from several goroutines.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/irqchip/internal/config"
	"github.com/tinyrange/irqchip/internal/irq"
)

type simulator struct {
	board   *config.Board
	vectors []int
	served  atomic.Uint64
}

// attachDemo gives every vector of the board something to run: a handler
// chain entry for chained controllers, a routine for vectored ones. Level
// lines are deasserted by their handler, as a device clears its condition
// when serviced.
func (s *simulator) attachDemo() error {
	table := s.board.Table
	for vector := range table.Len() {
		kind, ok := s.board.Kind(vector)
		if !ok {
			continue
		}
		if kind == config.KindVectored {
			if err := s.board.SetRoutine(vector, func(int, any) { s.served.Add(1) }); err != nil {
				return err
			}
			s.vectors = append(s.vectors, vector)
			continue
		}

		level := s.board.LevelTriggered(vector)
		err := table.AttachHandler(vector, irq.Handler{
			Name:     fmt.Sprintf("demo%d", vector),
			DeviceID: vector,
			Func: func(v int, _ any, _ any) {
				s.served.Add(1)
				if level {
					if err := s.board.Deassert(v); err != nil {
						slog.Warn("irqsim: deassert", "vector", v, "error", err)
					}
				}
			},
		})
		if err != nil {
			// The PIC cascade line cannot be started; leave it out of the storm.
			slog.Debug("irqsim: skip vector", "vector", vector, "error", err)
			continue
		}
		if snap, _ := table.Descriptor(vector); snap.Status&irq.StatusDisabled != 0 {
			slog.Debug("irqsim: vector did not start", "vector", vector, "controller", snap.Controller)
			continue
		}
		s.vectors = append(s.vectors, vector)
	}
	if len(s.vectors) == 0 {
		return fmt.Errorf("profile %q has no usable vectors", s.board.Profile.Name)
	}
	return nil
}

// probe runs an autodetect cycle around one pulse of vector.
func (s *simulator) probe(vector int) ([]int, error) {
	table := s.board.Table
	probed := table.ProbeOn()
	if err := s.board.Pulse(vector); err != nil {
		table.ProbeOff(probed)
		return nil, err
	}
	return table.ProbeOff(probed), nil
}

func (s *simulator) storm(ctx context.Context, n, cpus int, seed uint64, onFire func()) error {
	g, ctx := errgroup.WithContext(ctx)
	per := n / cpus
	for cpu := range cpus {
		count := per
		if cpu == cpus-1 {
			count = n - per*(cpus-1)
		}
		rng := rand.New(rand.NewPCG(seed, uint64(cpu)))
		g.Go(func() error {
			for range count {
				if err := ctx.Err(); err != nil {
					return err
				}
				vector := s.vectors[rng.IntN(len(s.vectors))]
				if err := s.board.Pulse(vector); err != nil {
					return fmt.Errorf("cpu %d: fire vector %d: %w", cpu, vector, err)
				}
				onFire()
			}
			return nil
		})
	}
	return g.Wait()
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	profilePath := fs.String("profile", "", "Board profile (YAML); the built-in PC profile when empty")
	writeProfile := fs.String("write-profile", "", "Write the selected profile to this path and exit")
	n := fs.Int("n", 100000, "Number of interrupts to fire")
	cpus := fs.Int("cpus", runtime.NumCPU(), "Number of goroutines firing interrupts")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "Random seed for vector selection")
	probeVector := fs.Int("probe", -1, "Run an autodetect probe around one pulse of this vector first")
	pendingLimit := fs.Int("pending-limit", 0, "Override the profile's pending limit")
	all := fs.Bool("all", false, "Report every vector, not just active ones")
	debug := fs.Bool("debug", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	profile := config.PC()
	if *profilePath != "" {
		p, err := config.Load(*profilePath)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		profile = p
	}
	if *pendingLimit > 0 {
		profile.PendingLimit = *pendingLimit
	}
	if *writeProfile != "" {
		if err := config.Save(*writeProfile, profile); err != nil {
			return fmt.Errorf("write profile: %w", err)
		}
		slog.Info("irqsim: profile written", "path", *writeProfile)
		return nil
	}
	if *n < 0 || *cpus <= 0 {
		return fmt.Errorf("invalid storm -n %d -cpus %d", *n, *cpus)
	}

	board, err := config.Build(profile, irq.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build board: %w", err)
	}
	slog.Debug("irqsim: board built", "profile", profile.Name, "vectors", board.Table.Len(), "controllers", board.Chipset.Names())

	sim := &simulator{board: board}

	if *probeVector >= 0 {
		found, err := sim.probe(*probeVector)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		slog.Info("irqsim: probe", "pulsed", *probeVector, "detected", found)
	}

	if err := sim.attachDemo(); err != nil {
		return err
	}

	onFire := func() {}
	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) && *n > 0 {
		pb = progressbar.Default(int64(*n), "firing")
		onFire = func() { pb.Add(1) }
	}

	start := time.Now()
	stormErr := sim.storm(context.Background(), *n, *cpus, *seed, onFire)
	elapsed := time.Since(start)
	if pb != nil {
		pb.Finish()
	}
	if stormErr != nil {
		return fmt.Errorf("storm: %w", stormErr)
	}

	r := report{
		color:   term.IsTerminal(int(os.Stdout.Fd())),
		all:     *all,
		fired:   uint64(*n),
		served:  sim.served.Load(),
		elapsed: elapsed,
	}
	r.write(os.Stdout, board)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqsim: %v\n", err)
		os.Exit(1)
	}
}
