// SPDX-License-Identifier: MIT
package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"loopviz/internal/analysis"
	"loopviz/internal/frame"
	"loopviz/internal/visualizer"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	path := filepath.Join(tmp, "loopviz.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadConfig_EmptyPath(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if cfg.Path() != "" {
		t.Errorf("defaults report path %q", cfg.Path())
	}
	if cfg.Analysis.WindowSize != DefaultWindowSize || cfg.Render.FPS != DefaultFPS {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig("nonexistent.yaml")
	if err == nil {
		t.Errorf("expected error for missing file, got nil")
	}
	if cfg != nil {
		t.Errorf("expected nil config on error, got %+v", cfg)
	}
}

func TestLoadConfig_UnmarshalError(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, ":\n:bad")
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("expected unmarshal error, got %v", err)
	}
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, `
log_level: debug
capture:
  backend: portaudio
  device: "Stereo Mix"
  sample_rate: 44100
  buffer: 250ms
analysis:
  window_size: 1024
  hop_size: 256
  bars: 32
  grouping: linear
  window: hamming
  backend: godsp
render:
  mode: waveform
  fps: 30
controller:
  backoff_initial: 100ms
  backoff_max: 1s
transport:
  ws_enabled: true
  ws_address: ":9999"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path = %q", cfg.Path())
	}
	if cfg.Capture.Buffer != 250*time.Millisecond || cfg.Controller.BackoffMax != time.Second {
		t.Errorf("durations not parsed: %s %s", cfg.Capture.Buffer, cfg.Controller.BackoffMax)
	}
	// unset fields keep their defaults
	if cfg.Capture.Channels != DefaultChannels || cfg.Analysis.Attack != DefaultAttack {
		t.Errorf("defaults lost: channels %d attack %g", cfg.Capture.Channels, cfg.Analysis.Attack)
	}

	vc, err := cfg.Visualizer()
	if err != nil {
		t.Fatalf("Visualizer: %v", err)
	}
	if vc.Mode != visualizer.Waveform || vc.Capture.Backend != "portaudio" || vc.Capture.Device != "Stereo Mix" {
		t.Errorf("capture/mode = %+v %s", vc.Capture, vc.Mode)
	}
	if vc.Frame != (frame.Config{WindowSize: 1024, HopSize: 256, Channel: frame.MeanChannel}) {
		t.Errorf("frame config = %+v", vc.Frame)
	}
	a := vc.Analysis
	if a.Bars != 32 || a.Grouping != analysis.Linear || a.Window != analysis.Hamming || a.Backend != analysis.GoDSP {
		t.Errorf("analysis config = %+v", a)
	}
	if a.SampleRate != 44100 {
		t.Errorf("analysis rate = %g, want the capture rate", a.SampleRate)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"window not power of two", func(c *Config) { c.Analysis.WindowSize = 1000 }},
		{"hop zero", func(c *Config) { c.Analysis.HopSize = 0 }},
		{"hop above window", func(c *Config) { c.Analysis.HopSize = c.Analysis.WindowSize + 1 }},
		{"no bars", func(c *Config) { c.Analysis.Bars = 0 }},
		{"attack zero", func(c *Config) { c.Analysis.Attack = 0 }},
		{"decay above one", func(c *Config) { c.Analysis.Decay = 1.5 }},
		{"empty frequency range", func(c *Config) { c.Analysis.MinFreq = c.Analysis.MaxFreq }},
		{"empty dB range", func(c *Config) { c.Analysis.MinDB = 0 }},
		{"zero fps", func(c *Config) { c.Render.FPS = 0 }},
		{"sample rate too low", func(c *Config) { c.Capture.SampleRate = 4000 }},
		{"sample rate too high", func(c *Config) { c.Capture.SampleRate = 384000 }},
		{"no channels", func(c *Config) { c.Capture.Channels = 0 }},
		{"huge buffer frames", func(c *Config) { c.Capture.FramesPerBuffer = MaxBufferFrames * 2 }},
		{"zero ring buffer", func(c *Config) { c.Capture.Buffer = 0 }},
		{"file backend without file", func(c *Config) { c.Capture.Backend = "file" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad mode", func(c *Config) { c.Render.Mode = "oscilloscope" }},
		{"bad window", func(c *Config) { c.Analysis.Window = "triangle-ish" }},
		{"bad scale", func(c *Config) { c.Analysis.Scale = "bel" }},
		{"bad udp address", func(c *Config) {
			c.Transport.UDPEnabled = true
			c.Transport.UDPTargetAddress = "localhost"
		}},
		{"bad backoff", func(c *Config) { c.Controller.BackoffMax = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ENV_LOG_LEVEL", "warn")
	t.Setenv("ENV_CAPTURE_BACKEND", "tone")
	t.Setenv("ENV_CAPTURE_DEVICE", "3")
	t.Setenv("ENV_MODE", "waveform")
	t.Setenv("ENV_BARS", "16")
	t.Setenv("ENV_FPS", "not-a-number")
	t.Setenv("ENV_UDP_ENABLED", "true")
	t.Setenv("ENV_UDP_TARGET_ADDRESS", "10.0.0.2:7000")
	t.Setenv("ENV_WS_ADDRESS", ":8081")

	path := writeTempConfig(t, "analysis:\n  bars: 48\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "warn" || cfg.Capture.Backend != "tone" || cfg.Capture.Device != "3" {
		t.Errorf("string overrides not applied: %+v", cfg)
	}
	if cfg.Render.Mode != "waveform" || cfg.Analysis.Bars != 16 {
		t.Errorf("env should win over file: mode %s bars %d", cfg.Render.Mode, cfg.Analysis.Bars)
	}
	if cfg.Render.FPS != DefaultFPS {
		t.Errorf("unparsable ENV_FPS applied: %d", cfg.Render.FPS)
	}
	if !cfg.Transport.UDPEnabled || cfg.Transport.UDPTargetAddress != "10.0.0.2:7000" {
		t.Errorf("udp overrides = %+v", cfg.Transport)
	}
	if !cfg.Transport.WSEnabled || cfg.Transport.WSAddress != ":8081" {
		t.Errorf("ws overrides = %+v", cfg.Transport)
	}
}

func TestEnvOverrideCanInvalidate(t *testing.T) {
	t.Setenv("ENV_BARS", "0")
	if _, err := LoadConfig(""); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestWatchReloads(t *testing.T) {
	orig := watchDebounce
	watchDebounce = 10 * time.Millisecond
	t.Cleanup(func() { watchDebounce = orig })

	path := writeTempConfig(t, "analysis:\n  bars: 8\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, func(c *Config) { changes <- c }) }()

	// Rewrite until the watcher is set up and picks a change up.
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	var got *Config
	for got == nil {
		select {
		case got = <-changes:
		case <-tick.C:
			if err := os.WriteFile(path, []byte("analysis:\n  bars: 24\n"), 0644); err != nil {
				t.Fatal(err)
			}
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
	if got.Analysis.Bars != 24 {
		t.Errorf("reloaded bars = %d", got.Analysis.Bars)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch error: %v", err)
	}
}

func TestWatchSkipsInvalidEdits(t *testing.T) {
	orig := watchDebounce
	watchDebounce = 10 * time.Millisecond
	t.Cleanup(func() { watchDebounce = orig })

	path := writeTempConfig(t, "analysis:\n  bars: 8\n")
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = os.WriteFile(path, []byte("analysis:\n  bars: 0\n"), 0644)
	}()
	calls := 0
	if err := Watch(ctx, path, func(*Config) { calls++ }); err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Errorf("invalid config delivered %d times", calls)
	}
}

func TestWatchErrors(t *testing.T) {
	if err := Watch(context.Background(), "", func(*Config) {}); err == nil {
		t.Error("expected error for empty path")
	}
	missing := filepath.Join(t.TempDir(), "nope", "loopviz.yaml")
	if err := Watch(context.Background(), missing, func(*Config) {}); err == nil {
		t.Error("expected error for missing directory")
	}
}
