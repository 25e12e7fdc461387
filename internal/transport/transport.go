// SPDX-License-Identifier: MIT

// Package transport publishes visualizer snapshots to other processes. Every
// transport here is a render surface: the render loop calls Draw on its own
// goroutine and Close once at shutdown.
package transport

import (
	"loopviz/internal/visualizer"
)

// Message is the JSON form of a snapshot.
type Message struct {
	Seq        uint64    `json:"seq"`
	Mode       string    `json:"mode"`
	State      string    `json:"state"`
	Values     []float64 `json:"values"`
	Peaks      []float64 `json:"peaks,omitempty"`
	Alpha      float64   `json:"alpha"`
	Gain       float64   `json:"gain,omitempty"`
	Waveform   []float64 `json:"waveform,omitempty"` // points alongside the bars in "both" mode
	Source     string    `json:"source,omitempty"`
	SampleRate float64   `json:"sample_rate,omitempty"`
	Channels   int       `json:"channels,omitempty"`
	Dropped    uint64    `json:"dropped"`
	Skipped    uint64    `json:"skipped"`
	Error      string    `json:"error,omitempty"`
	Time       int64     `json:"time"` // unix milliseconds
}

// NewMessage converts a snapshot. The value slices are shared with the
// snapshot, which is immutable.
func NewMessage(s *visualizer.Snapshot) Message {
	m := Message{
		Seq:        s.Seq,
		Mode:       s.Mode.String(),
		State:      s.State.String(),
		Values:     s.Values(),
		Alpha:      s.Alpha(),
		Source:     s.Source,
		SampleRate: s.Format.SampleRate,
		Channels:   s.Format.Channels,
		Dropped:    s.Dropped,
		Skipped:    s.Skipped,
		Time:       s.Updated.UnixMilli(),
	}
	if m.Values == nil {
		m.Values = []float64{}
	}
	if s.Mode.ShowsSpectrum() && s.Spectrum != nil {
		m.Peaks = s.Spectrum.Peaks
	}
	if s.Mode.ShowsWaveform() && s.Waveform != nil {
		m.Gain = s.Waveform.Gain
		if s.Mode == visualizer.Both {
			m.Waveform = s.Waveform.Points
		}
	}
	if s.Err != nil {
		m.Error = s.Err.Error()
	}
	return m
}

// changeTracker filters out redraws of an already published snapshot. The
// render loop draws the same snapshot until analysis produces a new one.
type changeTracker struct {
	seq   uint64
	state visualizer.State
	mode  visualizer.Mode
	seen  bool
}

func (c *changeTracker) changed(s *visualizer.Snapshot) bool {
	if c.seen && s.Seq == c.seq && s.State == c.state && s.Mode == c.mode {
		return false
	}
	c.seq, c.state, c.mode, c.seen = s.Seq, s.State, s.Mode, true
	return true
}
