// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"math"
	"sync"
)

// ToneSource generates a slow logarithmic sine sweep. It exists so the
// visualizer can run on machines without any capture device.
type ToneSource struct {
	MinHz, MaxHz float64
	SweepSeconds float64
	Amplitude    float64

	mu    sync.Mutex
	pacer *pacer
}

// NewToneSource returns a 40 Hz to 8 kHz sweep repeating every 8 seconds.
func NewToneSource() *ToneSource {
	return &ToneSource{MinHz: 40, MaxHz: 8000, SweepSeconds: 8, Amplitude: 0.5}
}

func (s *ToneSource) String() string {
	return fmt.Sprintf("tone:%.0f-%.0fHz", s.MinHz, s.MaxHz)
}

// Start accepts the requested format as-is, defaulting missing fields.
func (s *ToneSource) Start(req Format, sink Sink, _ LostFunc) (Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacer != nil {
		return Format{}, fmt.Errorf("tone source already started")
	}

	format := req
	if format.SampleRate <= 0 {
		format.SampleRate = 48000
	}
	if format.Channels <= 0 {
		format.Channels = 2
	}
	if format.FramesPerBuffer <= 0 {
		format.FramesPerBuffer = 512
	}

	var (
		phase float64
		n     int
	)
	sweepFrames := int(s.SweepSeconds * format.SampleRate)
	ratio := s.MaxHz / s.MinHz
	fill := func(dst []float32) {
		for i := 0; i < len(dst); i += format.Channels {
			t := float64(n%sweepFrames) / float64(sweepFrames)
			freq := s.MinHz * math.Pow(ratio, t)
			phase += 2 * math.Pi * freq / format.SampleRate
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
			v := float32(s.Amplitude * math.Sin(phase))
			for ch := range format.Channels {
				dst[i+ch] = v
			}
			n++
		}
	}

	s.pacer = newPacer(format, sink, fill)
	s.pacer.start()
	return format, nil
}

// Stop halts generation.
func (s *ToneSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacer != nil {
		s.pacer.stop()
		s.pacer = nil
	}
	return nil
}

var _ Source = (*ToneSource)(nil)
