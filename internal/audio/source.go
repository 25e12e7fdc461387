// SPDX-License-Identifier: MIT
/*
Package audio binds loopback capture backends to the visualizer pipeline.

Every backend implements Source and delivers interleaved float32 blocks to
a Sink on its own thread:
  - LoopbackSource: miniaudio loopback of the default render device
  - PortAudioSource: PortAudio input stream on a loopback-capable device
  - FileSource: real-time replay of a WAV, MP3 or Ogg Vorbis file
  - ToneSource: synthetic sweep for hosts without audio hardware

Callback rules:
  - Sink.Write is called from the capture thread and must not block
  - Block.Samples is only valid for the duration of the call
  - Device loss is reported once per Start through the LostFunc
*/
package audio

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeviceUnavailable means there is no usable device or access was denied.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")
	// ErrDeviceLost means a bound device disappeared mid-session.
	ErrDeviceLost = errors.New("audio: device lost")
	// ErrFormatNegotiation means no acceptable stream format could be agreed.
	ErrFormatNegotiation = errors.New("audio: format negotiation failed")
)

// Format describes the sample layout of a capture stream.
type Format struct {
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
}

func (f Format) String() string {
	return fmt.Sprintf("%.0f Hz, %d ch, %d frames/buffer", f.SampleRate, f.Channels, f.FramesPerBuffer)
}

// Block is one hardware-delivered chunk of interleaved samples.
type Block struct {
	Samples    []float32
	SampleRate float64
	Channels   int
	Captured   time.Time
}

// Frames returns the number of sample frames in the block.
func (b Block) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Sink receives captured blocks.
type Sink interface {
	Write(b Block)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(b Block)

func (f SinkFunc) Write(b Block) { f(b) }

// LostFunc is invoked at most once per Start when the bound device goes away.
// It is called from a backend goroutine and must not call back into Stop.
type LostFunc func(err error)

// Source is a capture backend. Start binds the device with the requested
// format and returns the format actually negotiated.
type Source interface {
	Start(req Format, sink Sink, lost LostFunc) (Format, error)
	Stop() error
	String() string
}
