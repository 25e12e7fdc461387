// SPDX-License-Identifier: MIT
package render

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"loopviz/internal/visualizer"
)

const (
	enterScreen = "\x1b[?1049h\x1b[?25l\x1b[2J"
	leaveScreen = "\x1b[?25h\x1b[?1049l\x1b[0m"
	cursorHome  = "\x1b[H"

	fallbackWidth  = 80
	fallbackHeight = 24
)

// eighths of a cell, index 8 is a full block
var blocks = []rune(" ▁▂▃▄▅▆▇█")

// bottom to top
var gradient = []lipgloss.Color{"#5f87ff", "#5fafff", "#5fd7d7", "#87d787", "#d7d75f", "#ffaf5f", "#ff5f5f"}

// Terminal draws bars or a waveform full screen on an ANSI terminal, with a
// status line underneath. It switches to the alternate screen on the first
// Draw and back on Close.
type Terminal struct {
	out  io.Writer
	size func() (width, height int, err error)

	status lipgloss.Style
	rows   []lipgloss.Style // per chart row, rebuilt on resize
	cells  [][]rune
	buf    strings.Builder
	opened bool
}

// NewTerminal draws on f, sizing the chart to the terminal f is attached to.
func NewTerminal(f *os.File) *Terminal {
	fd := int(f.Fd())
	return newTerminal(f, func() (int, int, error) { return term.GetSize(fd) })
}

func newTerminal(out io.Writer, size func() (int, int, error)) *Terminal {
	return &Terminal{
		out:  out,
		size: size,
		status: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#101010")).
			Background(lipgloss.Color("#87afff")),
	}
}

// Draw renders one frame.
func (t *Terminal) Draw(s *visualizer.Snapshot) error {
	width, height := t.dimensions()
	chartRows := height - 1
	t.resize(width, chartRows)

	switch {
	case s.Mode == visualizer.Both:
		split := (chartRows + 1) / 2
		if s.Spectrum != nil {
			plotBars(t.cells[:split], s.Spectrum.Bars, s.Spectrum.Alpha)
		}
		if s.Waveform != nil {
			plotWaveform(t.cells[split:], s.Waveform.Points, s.Waveform.Alpha)
		}
	case s.Mode == visualizer.Waveform:
		plotWaveform(t.cells, s.Values(), s.Alpha())
	default:
		plotBars(t.cells, s.Values(), s.Alpha())
	}

	t.buf.Reset()
	if !t.opened {
		t.buf.WriteString(enterScreen)
		t.opened = true
	}
	t.buf.WriteString(cursorHome)
	for r, row := range t.cells {
		t.buf.WriteString(t.rows[r].Render(string(row)))
		t.buf.WriteString("\r\n")
	}
	t.buf.WriteString(t.status.Width(width).MaxWidth(width).MaxHeight(1).Render(statusLine(s)))

	_, err := io.WriteString(t.out, t.buf.String())
	return err
}

// Close restores the normal screen and cursor if Draw ever ran.
func (t *Terminal) Close() error {
	if !t.opened {
		return nil
	}
	t.opened = false
	_, err := io.WriteString(t.out, leaveScreen)
	return err
}

func (t *Terminal) dimensions() (int, int) {
	w, h, err := t.size()
	if err != nil || w <= 0 || h < 2 {
		return fallbackWidth, fallbackHeight
	}
	return w, h
}

func (t *Terminal) resize(width, rows int) {
	if len(t.cells) == rows && rows > 0 && len(t.cells[0]) == width {
		for _, row := range t.cells {
			for x := range row {
				row[x] = ' '
			}
		}
		return
	}
	t.cells = make([][]rune, rows)
	t.rows = make([]lipgloss.Style, rows)
	for r := range t.cells {
		t.cells[r] = []rune(strings.Repeat(" ", width))
		level := (rows - 1 - r) * len(gradient) / rows
		t.rows[r] = lipgloss.NewStyle().Foreground(gradient[level])
	}
}

// plotBars spreads the bars over the full width of cells, leaving a gap
// column between bars when there is room for one.
func plotBars(cells [][]rune, bars []float64, alpha float64) {
	rows := len(cells)
	if rows == 0 || len(bars) == 0 {
		return
	}
	width := len(cells[0])
	gaps := width >= 2*len(bars)
	for x := 0; x < width; x++ {
		i := x * len(bars) / width
		if gaps && (x+1)*len(bars)/width != i {
			continue
		}
		units := int(math.Round(clamp(bars[i]*alpha, 0, 1) * float64(rows*8)))
		for r := 0; r < rows; r++ {
			fill := units - (rows-1-r)*8
			switch {
			case fill >= 8:
				cells[r][x] = blocks[8]
			case fill > 0:
				cells[r][x] = blocks[fill]
			}
		}
	}
}

func plotWaveform(cells [][]rune, points []float64, alpha float64) {
	rows := len(cells)
	if rows == 0 || len(points) == 0 {
		return
	}
	width := len(cells[0])
	for x := 0; x < width; x++ {
		v := clamp(points[x*len(points)/width]*alpha, -1, 1)
		y := int(math.Round((1 - v) / 2 * float64(rows-1)))
		cells[y][x] = '•'
	}
}

func statusLine(s *visualizer.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, " %s | %s", s.Mode, s.State)
	if s.Source != "" {
		fmt.Fprintf(&b, " | %s", s.Source)
	}
	if s.Format.SampleRate > 0 {
		fmt.Fprintf(&b, " %.0f Hz %d ch", s.Format.SampleRate, s.Format.Channels)
	}
	fmt.Fprintf(&b, " | dropped %d skipped %d", s.Dropped, s.Skipped)
	if s.Err != nil {
		fmt.Fprintf(&b, " | %v", s.Err)
	}
	b.WriteString(" | m: mode  q: quit")
	return b.String()
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
