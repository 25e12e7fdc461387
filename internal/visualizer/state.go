// SPDX-License-Identifier: MIT
package visualizer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"loopviz/internal/analysis"
	"loopviz/internal/audio"
)

// ErrInvalidState is returned for operations not permitted in the current state.
var ErrInvalidState = errors.New("visualizer: invalid state")

// Mode selects what the analysis worker publishes.
type Mode int32

const (
	Spectrum Mode = iota
	Waveform
	Both // spectrum and waveform from the same window
)

func (m Mode) String() string {
	switch m {
	case Waveform:
		return "waveform"
	case Both:
		return "both"
	}
	return "spectrum"
}

// ParseMode maps a config name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "spectrum", "bars", "":
		return Spectrum, nil
	case "waveform", "wave":
		return Waveform, nil
	case "both", "combined":
		return Both, nil
	default:
		return Spectrum, fmt.Errorf("unknown display mode: '%s'", name)
	}
}

// Toggle returns the next mode: spectrum, waveform, both, and round again.
func (m Mode) Toggle() Mode {
	switch m {
	case Spectrum:
		return Waveform
	case Waveform:
		return Both
	}
	return Spectrum
}

// State is the controller lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Recovering
	Failed
)

var stateNames = [...]string{
	Stopped:    "stopped",
	Starting:   "starting",
	Running:    "running",
	Stopping:   "stopping",
	Recovering: "recovering",
	Failed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Diagnostics are pipeline counters for the current capture session.
type Diagnostics struct {
	Source    string
	Format    audio.Format
	Dropped   uint64 // samples discarded by the ring on overrun
	Skipped   uint64 // hops skipped because analysis fell behind
	Underruns uint64 // cycles with no new hop available
	Seq       uint64 // sequence of the last analysis window
}

// Snapshot is an immutable view of the visualizer. A new one is swapped in
// for every published frame and state change; readers never see a partial
// update and must not modify it.
type Snapshot struct {
	Mode     Mode
	State    State
	Running  bool
	Err      error
	Spectrum *analysis.SpectrumFrame // last spectrum frame, nil before the first
	Waveform *analysis.WaveformFrame // last waveform frame, nil before the first
	Diagnostics
	Updated time.Time
}

// Values returns what a single-series surface should draw for the
// snapshot's mode: spectrum bars, or waveform points. Both reports the bars.
func (s *Snapshot) Values() []float64 {
	switch {
	case s == nil:
		return nil
	case s.Mode == Waveform && s.Waveform != nil:
		return s.Waveform.Points
	case s.Mode != Waveform && s.Spectrum != nil:
		return s.Spectrum.Bars
	}
	return nil
}

// Alpha returns the silence fade of the frame Values comes from, 1 if
// there is none.
func (s *Snapshot) Alpha() float64 {
	switch {
	case s == nil:
		return 1
	case s.Mode == Waveform && s.Waveform != nil:
		return s.Waveform.Alpha
	case s.Mode != Waveform && s.Spectrum != nil:
		return s.Spectrum.Alpha
	}
	return 1
}

// ShowsSpectrum reports whether the mode includes the bar graph.
func (m Mode) ShowsSpectrum() bool { return m != Waveform }

// ShowsWaveform reports whether the mode includes the waveform.
func (m Mode) ShowsWaveform() bool { return m != Spectrum }
