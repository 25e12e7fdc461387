// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"loopviz/internal/analysis"
	applog "loopviz/internal/log"
	"loopviz/pkg/bitint"
)

var cfgLog = applog.Scope("configuration")

// Config represents the main application configuration structure, loaded from YAML.
type Config struct {
	LogLevel   string           `yaml:"log_level"` // debug, info, warn, error
	LogFile    string           `yaml:"log_file"`  // where logs go while the terminal surface owns the screen
	Capture    CaptureConfig    `yaml:"capture"`
	Analysis   AnalysisConfig   `yaml:"analysis"`
	Render     RenderConfig     `yaml:"render"`
	Controller ControllerConfig `yaml:"controller"`
	Transport  TransportConfig  `yaml:"transport"`

	path string // file the configuration was read from, empty for defaults
}

// CaptureConfig selects the audio backend and the requested stream format.
type CaptureConfig struct {
	Backend         string        `yaml:"backend"`           // loopback, portaudio, file, tone
	Device          string        `yaml:"device"`            // portaudio device index or name, empty for the best loopback candidate
	File            string        `yaml:"file"`              // audio file for the file backend
	SampleRate      float64       `yaml:"sample_rate"`       // requested rate in Hz
	Channels        int           `yaml:"channels"`          // requested channel count
	FramesPerBuffer int           `yaml:"frames_per_buffer"` // callback block size
	LowLatency      bool          `yaml:"low_latency"`       // request the device's low latency setting
	Buffer          time.Duration `yaml:"buffer"`            // ring capacity in audio time
	StallTimeout    time.Duration `yaml:"stall_timeout"`     // no callbacks for this long means the device is lost, 0 disables
}

// AnalysisConfig holds framing, transform and bar settings.
type AnalysisConfig struct {
	WindowSize       int     `yaml:"window_size"`   // transform size, power of two
	HopSize          int     `yaml:"hop_size"`      // new samples per analysis cycle
	AnalysisRate     float64 `yaml:"analysis_rate"` // resample to this rate, 0 keeps the device rate
	Channel          int     `yaml:"channel"`       // downmix channel, -1 averages all
	Window           string  `yaml:"window"`        // hann, hamming, blackman, rectangular
	Backend          string  `yaml:"backend"`       // gonum, godsp
	Bars             int     `yaml:"bars"`
	Grouping         string  `yaml:"grouping"` // log, linear
	MinFreq          float64 `yaml:"min_freq"`
	MaxFreq          float64 `yaml:"max_freq"`
	Scale            string  `yaml:"scale"` // db, linear
	MinDB            float64 `yaml:"min_db"`
	MaxDB            float64 `yaml:"max_db"`
	Attack           float64 `yaml:"attack"` // smoothing factor for rising bars, 1 = immediate
	Decay            float64 `yaml:"decay"`  // smoothing factor for falling bars
	WaveformPoints   int     `yaml:"waveform_points"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	FadeStep         float64 `yaml:"fade_step"`
}

// RenderConfig holds display settings.
type RenderConfig struct {
	Mode     string `yaml:"mode"` // spectrum, waveform, both
	FPS      int    `yaml:"fps"`
	Terminal bool   `yaml:"terminal"` // draw on the terminal
}

// ControllerConfig holds device retry settings.
type ControllerConfig struct {
	StartRetries   int           `yaml:"start_retries"`
	RebindRetries  int           `yaml:"rebind_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// TransportConfig holds settings related to sending frames over the network.
type TransportConfig struct {
	UDPEnabled       bool   `yaml:"udp_enabled"`
	UDPTargetAddress string `yaml:"udp_target_address"` // e.g. "127.0.0.1:9090"
	WSEnabled        bool   `yaml:"ws_enabled"`
	WSAddress        string `yaml:"ws_address"` // listen address for /ws
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			Backend:         DefaultBackend,
			SampleRate:      DefaultSampleRate,
			Channels:        DefaultChannels,
			FramesPerBuffer: DefaultFramesPerBuffer,
			Buffer:          DefaultBuffer,
			StallTimeout:    DefaultStallTimeout,
		},
		Analysis: AnalysisConfig{
			WindowSize:       DefaultWindowSize,
			HopSize:          DefaultHopSize,
			Channel:          DefaultChannel,
			Window:           "hann",
			Backend:          "gonum",
			Bars:             DefaultBars,
			Grouping:         "log",
			MinFreq:          DefaultMinFreq,
			MaxFreq:          DefaultMaxFreq,
			Scale:            "db",
			MinDB:            DefaultMinDB,
			MaxDB:            DefaultMaxDB,
			Attack:           DefaultAttack,
			Decay:            DefaultDecay,
			WaveformPoints:   DefaultWaveformPoints,
			SilenceThreshold: analysis.DefaultSilenceThreshold,
			FadeStep:         analysis.DefaultFadeStep,
		},
		Render: RenderConfig{
			Mode:     DefaultMode,
			FPS:      DefaultFPS,
			Terminal: true,
		},
		Controller: ControllerConfig{
			StartRetries:   DefaultStartRetries,
			RebindRetries:  DefaultRebindRetries,
			BackoffInitial: DefaultBackoffInitial,
			BackoffMax:     DefaultBackoffMax,
		},
		Transport: TransportConfig{
			UDPTargetAddress: DefaultUDPTargetAddress,
			WSAddress:        DefaultWSAddress,
		},
	}
}

// ResolvePath returns path, or the first of SearchPaths that exists when
// path is empty. ok is false if there is no file to read.
func ResolvePath(path string) (string, bool) {
	if path != "" {
		return path, true
	}
	for _, candidate := range SearchPaths {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

// LoadConfig loads configuration from a YAML file specified by path. If path is empty,
// it searches SearchPaths. If no file is found, it uses built-in defaults. After loading
// defaults or from file, it applies environment variable overrides and validates the
// final configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	path, found := ResolvePath(path)
	if found {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.path = path
	}

	// Environment variables win over the file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		if !found {
			return nil, fmt.Errorf("invalid default configuration: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from, or "".
func (c *Config) Path() string { return c.path }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Validate checks ranges and names. Every error wraps ErrInvalid.
func (c *Config) Validate() error {
	if _, ok := applog.ParseLevel(c.LogLevel); !ok {
		return invalid("log_level '%s' is not a level", c.LogLevel)
	}

	// Capture
	cc := c.Capture
	if cc.SampleRate < MinSampleRate || cc.SampleRate > MaxSampleRate {
		return invalid("capture.sample_rate must be in [%d, %d], got %g", MinSampleRate, MaxSampleRate, cc.SampleRate)
	}
	if cc.Channels < 1 || cc.Channels > MaxChannels {
		return invalid("capture.channels must be in [1, %d], got %d", MaxChannels, cc.Channels)
	}
	if cc.FramesPerBuffer < 0 || cc.FramesPerBuffer > MaxBufferFrames {
		return invalid("capture.frames_per_buffer must be in [0, %d], got %d", MaxBufferFrames, cc.FramesPerBuffer)
	}
	if cc.Buffer <= 0 {
		return invalid("capture.buffer must be positive, got %s", cc.Buffer)
	}
	if cc.StallTimeout < 0 {
		return invalid("capture.stall_timeout must not be negative, got %s", cc.StallTimeout)
	}
	if strings.EqualFold(cc.Backend, "file") && cc.File == "" {
		return invalid("capture.file must be set for the file backend")
	}

	// Analysis
	ac := c.Analysis
	if !bitint.IsPowerOfTwo(ac.WindowSize) || ac.WindowSize < 2 {
		return invalid("analysis.window_size must be a power of two, got %d", ac.WindowSize)
	}
	if ac.HopSize <= 0 || ac.HopSize > ac.WindowSize {
		return invalid("analysis.hop_size must be in (0, %d], got %d", ac.WindowSize, ac.HopSize)
	}
	if ac.AnalysisRate != 0 && (ac.AnalysisRate < MinSampleRate || ac.AnalysisRate > MaxSampleRate) {
		return invalid("analysis.analysis_rate must be 0 or in [%d, %d], got %g", MinSampleRate, MaxSampleRate, ac.AnalysisRate)
	}
	if ac.Bars < 1 {
		return invalid("analysis.bars must be at least 1, got %d", ac.Bars)
	}
	if ac.Attack <= 0 || ac.Attack > 1 || ac.Decay <= 0 || ac.Decay > 1 {
		return invalid("analysis.attack and analysis.decay must be in (0, 1], got %g and %g", ac.Attack, ac.Decay)
	}
	if ac.MinFreq >= ac.MaxFreq {
		return invalid("analysis.min_freq %g must be below max_freq %g", ac.MinFreq, ac.MaxFreq)
	}
	if ac.MinDB >= ac.MaxDB {
		return invalid("analysis.min_db %g must be below max_db %g", ac.MinDB, ac.MaxDB)
	}

	// Render
	if c.Render.FPS <= 0 || c.Render.FPS > MaxFPS {
		return invalid("render.fps must be in (0, %d], got %d", MaxFPS, c.Render.FPS)
	}

	// Transport
	t := c.Transport
	if t.UDPEnabled && !strings.Contains(t.UDPTargetAddress, ":") {
		return invalid("transport.udp_target_address '%s' appears invalid (missing port?)", t.UDPTargetAddress)
	}
	if t.WSEnabled && !strings.Contains(t.WSAddress, ":") {
		return invalid("transport.ws_address '%s' appears invalid (missing port?)", t.WSAddress)
	}

	// Names and the remaining cross-field rules are checked by the
	// components themselves.
	if _, err := c.Visualizer(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// applyEnvOverrides applies ENV_* variables on top of the file values.
func (c *Config) applyEnvOverrides() {
	if val, ok := os.LookupEnv("ENV_LOG_LEVEL"); ok {
		c.LogLevel = val
		cfgLog.Infof("Overriding log_level from env: %s", val)
	}

	// ENV_CAPTURE_{...}
	if val, ok := os.LookupEnv("ENV_CAPTURE_BACKEND"); ok {
		c.Capture.Backend = val
		cfgLog.Infof("Overriding capture.backend from env: %s", val)
	}
	if val, ok := os.LookupEnv("ENV_CAPTURE_DEVICE"); ok {
		c.Capture.Device = val
		cfgLog.Infof("Overriding capture.device from env: %s", val)
	}

	// ENV_MODE, ENV_BARS, ENV_FPS
	if val, ok := os.LookupEnv("ENV_MODE"); ok {
		c.Render.Mode = val
		cfgLog.Infof("Overriding render.mode from env: %s", val)
	}
	if val, ok := os.LookupEnv("ENV_BARS"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			c.Analysis.Bars = n
			cfgLog.Infof("Overriding analysis.bars from env: %d", n)
		}
	}
	if val, ok := os.LookupEnv("ENV_FPS"); ok {
		if n, err := strconv.Atoi(val); err == nil {
			c.Render.FPS = n
			cfgLog.Infof("Overriding render.fps from env: %d", n)
		}
	}

	// ENV_UDP_{...}
	if val, ok := os.LookupEnv("ENV_UDP_ENABLED"); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			c.Transport.UDPEnabled = b
			cfgLog.Infof("Overriding transport.udp_enabled from env: %v", b)
		}
	}
	if val, ok := os.LookupEnv("ENV_UDP_TARGET_ADDRESS"); ok {
		c.Transport.UDPTargetAddress = val
		cfgLog.Infof("Overriding transport.udp_target_address from env: %s", val)
	}

	// ENV_WS_ADDRESS also turns the websocket surface on.
	if val, ok := os.LookupEnv("ENV_WS_ADDRESS"); ok {
		c.Transport.WSAddress = val
		c.Transport.WSEnabled = val != ""
		cfgLog.Infof("Overriding transport.ws_address from env: %s", val)
	}
}
