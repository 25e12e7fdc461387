// SPDX-License-Identifier: MIT
package visualizer

import (
	"fmt"
	"math"
	"time"

	"loopviz/internal/analysis"
	"loopviz/internal/audio"
	"loopviz/internal/frame"
)

// CaptureConfig selects the backend and the requested stream format.
type CaptureConfig struct {
	audio.Options
	Format audio.Format  // requested; the negotiated format may differ
	Buffer time.Duration // ring capacity in audio time
}

// Config is everything the controller needs to run a pipeline.
type Config struct {
	Capture  CaptureConfig
	Frame    frame.Config
	Analysis analysis.Config // SampleRate is filled in from the assembler
	Mode     Mode

	StartRetries   int
	RebindRetries  int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig mirrors the configuration file defaults.
func DefaultConfig() Config {
	return Config{
		Capture: CaptureConfig{
			Options: audio.Options{Backend: audio.BackendLoopback, StallTimeout: 2 * time.Second},
			Format:  audio.Format{SampleRate: 48000, Channels: 2, FramesPerBuffer: 512},
			Buffer:  500 * time.Millisecond,
		},
		Frame:          frame.Config{WindowSize: 2048, HopSize: 512, Channel: frame.MeanChannel},
		Analysis:       analysis.DefaultConfig(),
		Mode:           Spectrum,
		StartRetries:   3,
		RebindRetries:  5,
		BackoffInitial: 250 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

// Validate checks the parts of the configuration the controller relies on.
func (c Config) Validate() error {
	if c.Frame.WindowSize != c.Analysis.WindowSize {
		return fmt.Errorf("frame window %d and analysis window %d differ", c.Frame.WindowSize, c.Analysis.WindowSize)
	}
	if c.Frame.HopSize <= 0 || c.Frame.HopSize > c.Frame.WindowSize {
		return fmt.Errorf("hop size must be in (0, %d], got %d", c.Frame.WindowSize, c.Frame.HopSize)
	}
	if c.Capture.Buffer <= 0 {
		return fmt.Errorf("capture buffer must be positive, got %s", c.Capture.Buffer)
	}
	if c.StartRetries < 0 || c.RebindRetries < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.BackoffInitial <= 0 || c.BackoffMax < c.BackoffInitial {
		return fmt.Errorf("invalid backoff range [%s, %s]", c.BackoffInitial, c.BackoffMax)
	}
	analysisCfg := c.Analysis
	if analysisCfg.SampleRate <= 0 {
		analysisCfg.SampleRate = 48000
	}
	return analysisCfg.Validate()
}

// ringGeometry sizes the ring for a negotiated format: the configured
// buffer duration, never less than two analysis windows, plus a margin of
// two callback blocks.
func (c Config) ringGeometry(format audio.Format) (minSamples, margin int) {
	minSamples = int(c.Capture.Buffer.Seconds()*format.SampleRate) * format.Channels

	ratio := 1.0
	if c.Frame.AnalysisRate > 0 {
		ratio = format.SampleRate / c.Frame.AnalysisRate
	}
	window := (int(math.Ceil(float64(c.Frame.WindowSize)*ratio)) + 1) * format.Channels
	minSamples = max(minSamples, 2*window)

	frames := format.FramesPerBuffer
	if frames <= 0 {
		frames = 2048
	}
	return minSamples, 2 * frames * format.Channels
}
