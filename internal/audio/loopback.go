// SPDX-License-Identifier: MIT
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	applog "loopviz/internal/log"

	"github.com/gen2brain/malgo"
)

var lbLog = applog.Scope("loopback")

// LoopbackSource captures the default render device through miniaudio's
// loopback mode (WASAPI). Hosts whose backend has no loopback device type
// fall back to the default capture device, which on PulseAudio/PipeWire can
// be pointed at a monitor source.
type LoopbackSource struct {
	StallTimeout time.Duration

	mu       sync.Mutex
	ctx      *malgo.AllocatedContext
	device   *malgo.Device
	format   Format
	kind     string
	scratch  []float32
	sink     Sink
	watchdog *watchdog

	stopping atomic.Bool
	lostOnce *sync.Once
}

// NewLoopbackSource creates a miniaudio loopback source.
func NewLoopbackSource(stallTimeout time.Duration) *LoopbackSource {
	return &LoopbackSource{StallTimeout: stallTimeout}
}

func (s *LoopbackSource) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind == "" {
		return "loopback"
	}
	return "loopback:" + s.kind
}

// Start initializes a miniaudio context and device and starts capture.
func (s *LoopbackSource) Start(req Format, sink Sink, lost LostFunc) (Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil {
		return s.format, fmt.Errorf("loopback source already started")
	}

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		lbLog.Debugf("%s", message)
	})
	if err != nil {
		return Format{}, fmt.Errorf("%w: init miniaudio context: %w", ErrDeviceUnavailable, err)
	}

	s.sink = sink
	s.stopping.Store(false)
	once := &sync.Once{}
	s.lostOnce = once
	notifyLost := func(reason string) {
		if s.stopping.Load() || lost == nil {
			return
		}
		once.Do(func() { lost(fmt.Errorf("%w: %s", ErrDeviceLost, reason)) })
	}

	callbacks := malgo.DeviceCallbacks{
		Data: s.processInput,
		Stop: func() { notifyLost("device stopped") },
	}

	device, kind, err := initCaptureDevice(ctx, req, callbacks)
	if err != nil {
		_ = ctx.Uninit()
		ctx.Free()
		return Format{}, err
	}

	format, err := negotiatedFormat(device, req)
	if err != nil {
		device.Uninit()
		_ = ctx.Uninit()
		ctx.Free()
		return Format{}, err
	}
	s.format = format
	s.kind = kind
	s.scratch = make([]float32, max(format.FramesPerBuffer, 1024)*format.Channels*2)
	s.ctx = ctx
	s.device = device
	s.watchdog = newWatchdog(s.StallTimeout)

	if err := device.Start(); err != nil {
		s.release()
		return Format{}, fmt.Errorf("%w: start %s device: %w", ErrDeviceUnavailable, kind, err)
	}
	s.watchdog.start(func() { notifyLost("no data callbacks") })

	lbLog.Infof("capturing %s device (%s)", kind, format)
	return format, nil
}

// initCaptureDevice prefers the loopback device type and falls back to the
// default capture device when the backend does not support loopback.
func initCaptureDevice(ctx *malgo.AllocatedContext, req Format, callbacks malgo.DeviceCallbacks) (*malgo.Device, string, error) {
	var errs []error
	for _, kind := range []malgo.DeviceType{malgo.Loopback, malgo.Capture} {
		cfg := malgo.DefaultDeviceConfig(kind)
		cfg.Capture.Format = malgo.FormatF32
		cfg.Capture.Channels = uint32(max(req.Channels, 0))
		cfg.SampleRate = uint32(max(req.SampleRate, 0))
		cfg.PeriodSizeInFrames = uint32(max(req.FramesPerBuffer, 0))

		device, err := malgo.InitDevice(ctx.Context, cfg, callbacks)
		if err == nil {
			name := "loopback"
			if kind == malgo.Capture {
				name = "capture"
				lbLog.Warnf("backend has no loopback support, using default capture device")
			}
			return device, name, nil
		}
		errs = append(errs, err)
	}
	return nil, "", fmt.Errorf("%w: %w", ErrDeviceUnavailable, errors.Join(errs...))
}

func negotiatedFormat(device *malgo.Device, req Format) (Format, error) {
	if f := device.CaptureFormat(); f != malgo.FormatF32 {
		return Format{}, fmt.Errorf("%w: device delivers format %d, want f32", ErrFormatNegotiation, f)
	}
	format := Format{
		SampleRate:      float64(device.SampleRate()),
		Channels:        int(device.CaptureChannels()),
		FramesPerBuffer: req.FramesPerBuffer,
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return Format{}, fmt.Errorf("%w: device reported %s", ErrFormatNegotiation, format)
	}
	if format.SampleRate != req.SampleRate || format.Channels != req.Channels {
		lbLog.Infof("negotiated %.0f Hz/%d ch instead of %.0f Hz/%d ch",
			format.SampleRate, format.Channels, req.SampleRate, req.Channels)
	}
	return format, nil
}

// processInput is the miniaudio data callback. The input arrives as
// little-endian f32 bytes and is decoded into a preallocated scratch slice.
func (s *LoopbackSource) processInput(_, in []byte, frameCount uint32) {
	now := time.Now()
	s.watchdog.touch(now)

	n := int(frameCount) * s.format.Channels
	if n*4 > len(in) {
		n = len(in) / 4
	}
	if n > len(s.scratch) {
		// Only happens if the backend ignores the requested period size.
		s.scratch = make([]float32, n)
	}
	buf := s.scratch[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
	}

	s.sink.Write(Block{
		Samples:    buf,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Captured:   now,
	})
}

// Stop stops the device and releases the miniaudio context.
func (s *LoopbackSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return nil
	}
	s.stopping.Store(true)
	return s.release()
}

func (s *LoopbackSource) release() error {
	var err error
	if s.watchdog != nil {
		s.watchdog.stop()
	}
	if s.device != nil {
		if stopErr := s.device.Stop(); stopErr != nil {
			err = fmt.Errorf("stop device: %w", stopErr)
		}
		s.device.Uninit()
		s.device = nil
	}
	if s.ctx != nil {
		_ = s.ctx.Uninit()
		s.ctx.Free()
		s.ctx = nil
	}
	return err
}

var _ Source = (*LoopbackSource)(nil)
