// SPDX-License-Identifier: MIT
package config

import (
	"fmt"

	"loopviz/internal/analysis"
	"loopviz/internal/audio"
	"loopviz/internal/frame"
	"loopviz/internal/visualizer"
)

// Visualizer converts the file configuration into the controller's,
// parsing the enumerated names.
func (c *Config) Visualizer() (visualizer.Config, error) {
	mode, err := visualizer.ParseMode(c.Render.Mode)
	if err != nil {
		return visualizer.Config{}, fmt.Errorf("render.mode: %w", err)
	}
	acfg, err := c.analysisConfig()
	if err != nil {
		return visualizer.Config{}, err
	}

	cc := c.Capture
	vc := visualizer.Config{
		Capture: visualizer.CaptureConfig{
			Options: audio.Options{
				Backend:      cc.Backend,
				Device:       cc.Device,
				File:         cc.File,
				LowLatency:   cc.LowLatency,
				StallTimeout: cc.StallTimeout,
			},
			Format: audio.Format{
				SampleRate:      cc.SampleRate,
				Channels:        cc.Channels,
				FramesPerBuffer: cc.FramesPerBuffer,
			},
			Buffer: cc.Buffer,
		},
		Frame: frame.Config{
			WindowSize:   c.Analysis.WindowSize,
			HopSize:      c.Analysis.HopSize,
			AnalysisRate: c.Analysis.AnalysisRate,
			Channel:      c.Analysis.Channel,
		},
		Analysis:       acfg,
		Mode:           mode,
		StartRetries:   c.Controller.StartRetries,
		RebindRetries:  c.Controller.RebindRetries,
		BackoffInitial: c.Controller.BackoffInitial,
		BackoffMax:     c.Controller.BackoffMax,
	}
	if err := vc.Validate(); err != nil {
		return visualizer.Config{}, err
	}
	return vc, nil
}

func (c *Config) analysisConfig() (analysis.Config, error) {
	ac := c.Analysis
	window, err := analysis.ParseWindowFunc(ac.Window)
	if err != nil {
		return analysis.Config{}, fmt.Errorf("analysis.window: %w", err)
	}
	backend, err := analysis.ParseTransformBackend(ac.Backend)
	if err != nil {
		return analysis.Config{}, fmt.Errorf("analysis.backend: %w", err)
	}
	grouping, err := analysis.ParseGrouping(ac.Grouping)
	if err != nil {
		return analysis.Config{}, fmt.Errorf("analysis.grouping: %w", err)
	}
	scale, err := analysis.ParseScale(ac.Scale)
	if err != nil {
		return analysis.Config{}, fmt.Errorf("analysis.scale: %w", err)
	}

	// The controller replaces SampleRate with the negotiated analysis rate.
	rate := ac.AnalysisRate
	if rate <= 0 {
		rate = c.Capture.SampleRate
	}
	return analysis.Config{
		WindowSize:       ac.WindowSize,
		SampleRate:       rate,
		Window:           window,
		Backend:          backend,
		Bars:             ac.Bars,
		Grouping:         grouping,
		MinFreq:          ac.MinFreq,
		MaxFreq:          ac.MaxFreq,
		Scale:            scale,
		MinDB:            ac.MinDB,
		MaxDB:            ac.MaxDB,
		Attack:           ac.Attack,
		Decay:            ac.Decay,
		WaveformPoints:   ac.WaveformPoints,
		SilenceThreshold: ac.SilenceThreshold,
		FadeStep:         ac.FadeStep,
	}, nil
}
