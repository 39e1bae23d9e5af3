package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/irqchip/internal/config"
	"github.com/tinyrange/irqchip/internal/irq"
)

const maxHandlersWidth = 24

type report struct {
	color   bool
	all     bool
	fired   uint64
	served  uint64
	elapsed time.Duration
}

var reportColumns = []string{"VEC", "CONTROLLER", "STATUS", "HANDLERS", "DISPATCH", "REPEAT", "DROP", "UNHANDLED", "OVERRUN"}

func (r report) bold(s string) string {
	if !r.color {
		return s
	}
	return ansi.Style{}.Bold().String() + s + ansi.ResetStyle
}

// rows renders the snapshot as table cells.
func (r report) rows(snaps []irq.DescriptorSnapshot) [][]string {
	var rows [][]string
	for _, s := range snaps {
		active := s.Stats.Dispatches+s.Stats.Dropped > 0 || len(s.Handlers) > 0
		if !r.all && !active {
			continue
		}
		handlers := ansi.Truncate(strings.Join(s.Handlers, ","), maxHandlersWidth, "…")
		overruns := strconv.FormatUint(s.Stats.Overruns, 10)
		if s.Stats.Overruns > 0 {
			overruns = r.bold(overruns + "!")
		}
		rows = append(rows, []string{
			strconv.Itoa(s.Vector),
			s.Controller,
			s.Status.String(),
			handlers,
			strconv.FormatUint(s.Stats.Dispatches, 10),
			strconv.FormatUint(s.Stats.Repeats, 10),
			strconv.FormatUint(s.Stats.Dropped, 10),
			strconv.FormatUint(s.Stats.Unhandled, 10),
			overruns,
		})
	}
	return rows
}

func (r report) write(w io.Writer, board *config.Board) {
	rows := r.rows(board.Table.Snapshot())

	widths := make([]int, len(reportColumns))
	for i, c := range reportColumns {
		widths[i] = ansi.StringWidth(c)
	}
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}

	header := make([]string, len(reportColumns))
	for i, c := range reportColumns {
		header[i] = r.bold(pad(c, widths[i]))
	}
	fmt.Fprintln(w, strings.Join(header, "  "))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = pad(cell, widths[i])
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}

	rate := 0.0
	if r.elapsed > 0 {
		rate = float64(r.fired) / r.elapsed.Seconds()
	}
	fmt.Fprintf(w, "\n%s %s fired=%d served=%d spurious=%d elapsed=%s rate=%.0f/s\n",
		r.bold("profile"), board.Profile.Name, r.fired, r.served, board.Spurious(),
		r.elapsed.Round(time.Microsecond), rate)
}

// pad right-pads s to width display cells, ignoring escape sequences.
func pad(s string, width int) string {
	if n := ansi.StringWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
