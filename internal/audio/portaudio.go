// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	applog "loopviz/internal/log"

	"github.com/gordonklaus/portaudio"
)

var paLog = applog.Scope("portaudio")

// PortAudioSource captures from a PortAudio input device. On Linux the
// PulseAudio/PipeWire "Monitor of" sources and on Windows "Stereo Mix" style
// devices expose the output mix as an input, which is what the auto
// selector looks for.
type PortAudioSource struct {
	Device       string        // selector, see ResolveDevice
	LowLatency   bool          // use the device's low input latency
	StallTimeout time.Duration // report ErrDeviceLost after this long without callbacks

	mu       sync.Mutex
	stream   *portaudio.Stream
	device   *portaudio.DeviceInfo
	format   Format
	sink     Sink
	watchdog *watchdog
}

// NewPortAudioSource creates a source for the given device selector.
func NewPortAudioSource(device string, lowLatency bool, stallTimeout time.Duration) *PortAudioSource {
	return &PortAudioSource{Device: device, LowLatency: lowLatency, StallTimeout: stallTimeout}
}

func (s *PortAudioSource) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device != nil {
		return "portaudio:" + s.device.Name
	}
	return "portaudio:" + s.Device
}

// Start opens and starts the input stream.
func (s *PortAudioSource) Start(req Format, sink Sink, lost LostFunc) (Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return s.format, fmt.Errorf("portaudio source already started")
	}
	if err := Initialize(); err != nil {
		return Format{}, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}

	device, err := ResolveDevice(s.Device)
	if err != nil {
		_ = Terminate()
		return Format{}, err
	}

	s.sink = sink
	params, format, err := negotiate(device, req, s.LowLatency, s.processInputStream)
	if err != nil {
		_ = Terminate()
		return Format{}, err
	}
	s.format = format
	s.device = device

	stream, err := portaudio.OpenStream(params, s.processInputStream)
	if err != nil {
		_ = Terminate()
		return Format{}, fmt.Errorf("%w: open stream on %s: %w", ErrDeviceUnavailable, device.Name, err)
	}
	s.watchdog = newWatchdog(s.StallTimeout)
	s.stream = stream

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		s.stream = nil
		_ = Terminate()
		return Format{}, fmt.Errorf("%w: start stream on %s: %w", ErrDeviceUnavailable, device.Name, err)
	}

	s.watchdog.start(func() {
		paLog.Warnf("no callbacks from %s for %s", device.Name, s.StallTimeout)
		if lost != nil {
			lost(fmt.Errorf("%w: %s stalled", ErrDeviceLost, device.Name))
		}
	})

	paLog.Infof("capturing from %q (%s)", device.Name, format)
	return format, nil
}

// Stop stops and closes the stream. Safe to call when not started.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream == nil {
		return nil
	}
	s.watchdog.stop()

	var errs []error
	if err := s.stream.Stop(); err != nil {
		// A device that vanished can refuse Stop; Close still releases it.
		errs = append(errs, fmt.Errorf("stop stream: %w", err))
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}
	s.stream = nil
	if err := Terminate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// processInputStream is the PortAudio callback.
// Performance Critical:
//   - Runs on the PortAudio thread, locked for the duration
//   - No allocations, no locks, no logging
func (s *PortAudioSource) processInputStream(in []float32) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	now := time.Now()
	s.watchdog.touch(now)
	s.sink.Write(Block{
		Samples:    in,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Captured:   now,
	})
}

// negotiate finds stream parameters the device accepts. The requested rate
// and channel count are tried first, then the device default rate and the
// channel counts the device can provide.
func negotiate(device *portaudio.DeviceInfo, req Format, lowLatency bool, callback func([]float32)) (portaudio.StreamParameters, Format, error) {
	if device.MaxInputChannels <= 0 {
		return portaudio.StreamParameters{}, Format{}, fmt.Errorf("%w: %s has no input channels", ErrDeviceUnavailable, device.Name)
	}

	latency := device.DefaultHighInputLatency
	if lowLatency {
		latency = device.DefaultLowInputLatency
	}

	rates := uniquePositive(req.SampleRate, device.DefaultSampleRate)
	channels := uniquePositive(
		float64(min(req.Channels, device.MaxInputChannels)),
		2, 1,
		float64(device.MaxInputChannels),
	)

	frames := req.FramesPerBuffer
	if frames <= 0 {
		frames = portaudio.FramesPerBufferUnspecified
	}

	var lastErr error
	for _, rate := range rates {
		for _, ch := range channels {
			if int(ch) > device.MaxInputChannels {
				continue
			}
			params := portaudio.StreamParameters{
				Input: portaudio.StreamDeviceParameters{
					Device:   device,
					Channels: int(ch),
					Latency:  latency,
				},
				SampleRate:      rate,
				FramesPerBuffer: frames,
			}
			if err := paLibIsFormatSupported(params, callback); err != nil {
				lastErr = err
				continue
			}
			if rate != req.SampleRate || int(ch) != req.Channels {
				paLog.Infof("negotiated %.0f Hz/%d ch instead of %.0f Hz/%d ch", rate, int(ch), req.SampleRate, req.Channels)
			}
			return params, Format{SampleRate: rate, Channels: int(ch), FramesPerBuffer: req.FramesPerBuffer}, nil
		}
	}
	return portaudio.StreamParameters{}, Format{}, fmt.Errorf("%w: %s: %v", ErrFormatNegotiation, device.Name, lastErr)
}

func uniquePositive(values ...float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v <= 0 {
			continue
		}
		seen := false
		for _, o := range out {
			if o == v {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, v)
		}
	}
	return out
}

var _ Source = (*PortAudioSource)(nil)
