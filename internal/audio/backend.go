// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"strings"
	"time"
)

// Backend names accepted by NewSource.
const (
	BackendLoopback  = "loopback"
	BackendPortAudio = "portaudio"
	BackendFile      = "file"
	BackendTone      = "tone"
)

// Options selects and parameterizes a capture backend.
type Options struct {
	Backend      string
	Device       string // PortAudio device selector
	File         string // path for the file backend
	LowLatency   bool
	StallTimeout time.Duration
}

// NewSource builds the Source named by opts.Backend.
func NewSource(opts Options) (Source, error) {
	switch strings.ToLower(opts.Backend) {
	case BackendLoopback, "":
		return NewLoopbackSource(opts.StallTimeout), nil
	case BackendPortAudio:
		return NewPortAudioSource(opts.Device, opts.LowLatency, opts.StallTimeout), nil
	case BackendFile:
		if opts.File == "" {
			return nil, fmt.Errorf("file backend requires a file path")
		}
		return NewFileSource(opts.File), nil
	case BackendTone:
		return NewToneSource(), nil
	default:
		return nil, fmt.Errorf("unknown capture backend %q", opts.Backend)
	}
}
