// Package progress renders the multi-row, per-partition terminal display
// described by original_source/src/payload_dumper.c's update_progress: one
// line per partition, redrawn in place every time an operation completes.
// The per-row bar is still hand-drawn the way the C reference draws it
// (its layout depends on live terminal width and a DONE marker that must
// never regress), but width detection, the aggregate completion bar, name
// truncation and colorized status markers are delegated to golang.org/x/term,
// schollz/progressbar/v3, rivo/uniseg and mitchellh/colorstring respectively.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rivo/uniseg"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// State is a partition row's lifecycle stage. It only ever moves forward:
// pending -> inProgress -> done, with warning a sticky side-state that can
// be entered from either pending or inProgress but never reverts to them.
type State int

const (
	Pending State = iota
	InProgress
	Done
	Warning
)

type row struct {
	name         string
	totalOps     int
	completedOps int
	state        State
	warnMsg      string
}

// Aggregator owns the full progress display: one row per partition, a
// shared terminal cursor position, and an optional overall completion bar.
type Aggregator struct {
	mu   sync.Mutex
	out  io.Writer
	rows []*row
	byName map[string]*row

	initialized bool
	overall     *progressbar.ProgressBar
	totalOps    int
}

// NewAggregator creates a display writing to out (normally os.Stderr, so it
// doesn't interleave with list-mode JSON on stdout).
func NewAggregator(out io.Writer) *Aggregator {
	return &Aggregator{out: out, byName: make(map[string]*row)}
}

// AddRow registers a partition with its total operation count. Call this for
// every partition before extraction starts so the display's line count is
// known up front.
func (a *Aggregator) AddRow(name string, totalOps int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := &row{name: name, totalOps: totalOps}
	a.rows = append(a.rows, r)
	a.byName[name] = r
	a.totalOps += totalOps
}

// Start finalizes the row set and draws the initial (0%) frame plus the
// aggregate bar, mirroring update_progress's one-time progress_initialized
// block.
func (a *Aggregator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized || len(a.rows) == 0 {
		return
	}

	a.overall = progressbar.NewOptions(a.totalOps,
		progressbar.OptionSetDescription("overall"),
		progressbar.OptionSetWriter(a.out),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	fmt.Fprintln(a.out)
	for _, r := range a.rows {
		fmt.Fprintln(a.out, renderRow(r, terminalWidth()))
	}
	a.initialized = true
}

// Advance marks one operation complete for the named partition and redraws.
func (a *Aggregator) Advance(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.byName[name]
	if !ok {
		return
	}
	if r.state == Pending {
		r.state = InProgress
	}
	r.completedOps++
	if r.completedOps >= r.totalOps && r.state != Warning {
		r.state = Done
	}
	a.overall.Add(1)
	a.redrawLocked()
}

// Warn attaches a warning message to a row without regressing its progress,
// then redraws. A warned row keeps counting completed operations but is
// rendered with a distinct marker instead of DONE.
func (a *Aggregator) Warn(name, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.byName[name]
	if !ok {
		return
	}
	r.state = Warning
	r.warnMsg = msg
	a.redrawLocked()
}

// Done forces a row to its terminal DONE state once its partition finishes
// (a warned row keeps its WARN state). For a partition with zero operations
// Advance is never called, so Done is what marks that row finished.
func (a *Aggregator) Done(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.byName[name]
	if !ok {
		return
	}
	if r.state != Warning {
		r.state = Done
	}
	a.redrawLocked()
}

func (a *Aggregator) redrawLocked() {
	if !a.initialized {
		return
	}
	moveCursorUp(a.out, len(a.rows))
	width := terminalWidth()
	for _, r := range a.rows {
		clearLine(a.out)
		fmt.Fprintln(a.out, renderRow(r, width))
	}
}

func terminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

// renderRow draws one partition's line: a fixed-width truncated name (using
// uniseg to measure display width rather than byte/rune count), a hand-drawn
// bracket bar matching update_progress's [====>   ] layout, and a
// colorized status marker once the row leaves pending/in-progress.
func renderRow(r *row, termWidth int) string {
	// bar_width and name_width are thresholded independently, matching
	// update_progress's two separate ternary chains rather than one shared
	// set of buckets.
	barWidth := 10
	if termWidth > 80 {
		barWidth = 30
	} else if termWidth > 60 {
		barWidth = 20
	}

	nameWidth := 12
	if termWidth > 100 {
		nameWidth = 20
	} else if termWidth > 80 {
		nameWidth = 15
	}

	name := truncateToWidth(r.name, nameWidth)
	name = name + strings.Repeat(" ", max0(nameWidth-uniseg.StringWidth(name)))

	total := r.totalOps
	if total <= 0 {
		total = 1
	}
	filled := r.completedOps * barWidth / total
	if filled > barWidth {
		filled = barWidth
	}

	var bar strings.Builder
	for i := 0; i < barWidth; i++ {
		switch {
		case i < filled:
			bar.WriteByte('=')
		case i == filled && r.completedOps < r.totalOps:
			bar.WriteByte('>')
		default:
			bar.WriteByte(' ')
		}
	}

	percent := 0
	if r.totalOps > 0 {
		percent = r.completedOps * 100 / r.totalOps
	}

	line := fmt.Sprintf("%s [%s] %3d%% (%d/%d)", name, bar.String(), percent, r.completedOps, r.totalOps)

	switch r.state {
	case Done:
		line += colorstring.Color(" [green]✓ DONE[reset]")
	case Warning:
		line += colorstring.Color(fmt.Sprintf(" [yellow]⚠ WARN: %s[reset]", r.warnMsg))
	}
	return line
}

func truncateToWidth(s string, width int) string {
	if uniseg.StringWidth(s) <= width {
		return s
	}
	gr := uniseg.NewGraphemes(s)
	var b strings.Builder
	w := 0
	for gr.Next() {
		cw := uniseg.StringWidth(gr.Str())
		if w+cw > width-1 {
			break
		}
		b.WriteString(gr.Str())
		w += cw
	}
	b.WriteByte('~')
	return b.String()
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
