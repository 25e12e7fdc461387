// SPDX-License-Identifier: MIT
package config

import (
	"errors"
	"time"
)

// Core configuration constants that define the boundaries and defaults
// for the visualizer.
const (
	// Capture
	DefaultBackend         = "loopback"
	DefaultSampleRate      = 48000 // Hz, requested; the device may negotiate another
	DefaultChannels        = 2
	DefaultFramesPerBuffer = 512
	DefaultBuffer          = 500 * time.Millisecond
	DefaultStallTimeout    = 2 * time.Second

	// Analysis
	DefaultWindowSize     = 2048
	DefaultHopSize        = 512
	DefaultBars           = 64
	DefaultMinFreq        = 30.0
	DefaultMaxFreq        = 16000.0
	DefaultMinDB          = -80.0
	DefaultMaxDB          = 0.0
	DefaultAttack         = 1.0 // bars jump up immediately
	DefaultDecay          = 0.15
	DefaultWaveformPoints = 512
	DefaultChannel        = -1 // mean of all channels

	// Render
	DefaultMode = "spectrum"
	DefaultFPS  = 60

	// Controller
	DefaultStartRetries   = 3
	DefaultRebindRetries  = 5
	DefaultBackoffInitial = 250 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second

	// Transport
	DefaultUDPTargetAddress = "127.0.0.1:9090"
	DefaultWSAddress        = "127.0.0.1:8080"

	// Hardware and processing limits
	MinSampleRate   = 8000   // Minimum usable sample rate (Hz)
	MaxSampleRate   = 192000 // Maximum supported sample rate (Hz)
	MaxBufferFrames = 8192   // Maximum frames per buffer
	MaxChannels     = 32
	MaxFPS          = 240
)

// SearchPaths are tried in order when no config path is given.
var SearchPaths = []string{"loopviz.yaml", "config.yaml"}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")
