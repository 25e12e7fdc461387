// SPDX-License-Identifier: MIT
/*
Package frame cuts the interleaved capture stream held in a ring into
fixed-size mono analysis windows.

Per hop the assembler:
  - Releases whole hops of input from the ring, counting hops it had to skip
  - Copies the newest window of history without consuming it
  - Downmixes to mono (channel mean or a single channel)
  - Resamples to the analysis rate with linear interpolation

Successive windows therefore overlap by window minus hop samples.
*/
package frame

import (
	"errors"
	"fmt"
	"math"
	"time"

	"loopviz/internal/ringbuf"
	"loopviz/pkg/bitint"
)

// ErrNotReady is returned when less than one hop of new input or less than
// one window of history is available. Callers skip the cycle.
var ErrNotReady = errors.New("frame: not enough samples")

// MeanChannel selects the arithmetic mean of all channels as the mono signal.
const MeanChannel = -1

// Config sets the analysis geometry.
type Config struct {
	WindowSize   int     // analysis window length, power of two
	HopSize      int     // new samples per window at the analysis rate
	AnalysisRate float64 // 0 keeps the device rate
	Channel      int     // MeanChannel or a zero-based channel index
}

// Window is one analysis window. Samples is owned by the Assembler and is
// only valid until the next call to Next.
type Window struct {
	Samples    []float64
	SampleRate float64
	Seq        uint64
	Cursor     uint64 // ring position the newest sample ends at
}

// Assembler produces Windows from a ring of interleaved samples. It is used
// from a single goroutine.
type Assembler struct {
	ring *ringbuf.Ring
	cfg  Config

	deviceRate float64
	channels   int
	rate       float64 // analysis rate
	ratio      float64 // device samples per analysis sample
	hopFrames  int     // device frames per hop

	raw  []float32 // interleaved history
	mono []float64 // downmixed history at the device rate
	out  []float64 // window at the analysis rate

	seq     uint64
	skipped uint64
	primed  bool // a window has been produced since the last Reconfigure
}

// New creates an assembler over ring for a stream of the given format.
func New(ring *ringbuf.Ring, cfg Config, deviceRate float64, channels int) (*Assembler, error) {
	if !bitint.IsPowerOfTwo(cfg.WindowSize) {
		return nil, fmt.Errorf("window size must be a power of 2, got %d", cfg.WindowSize)
	}
	if cfg.HopSize <= 0 || cfg.HopSize > cfg.WindowSize {
		return nil, fmt.Errorf("hop size must be in (0, %d], got %d", cfg.WindowSize, cfg.HopSize)
	}
	a := &Assembler{ring: ring, cfg: cfg}
	if err := a.Reconfigure(deviceRate, channels); err != nil {
		return nil, err
	}
	return a, nil
}

// Reconfigure adapts to a newly negotiated capture format. Buffers are
// reallocated, so it must not be called concurrently with Next.
func (a *Assembler) Reconfigure(deviceRate float64, channels int) error {
	if deviceRate <= 0 || channels <= 0 {
		return fmt.Errorf("invalid capture format: %.0f Hz, %d channels", deviceRate, channels)
	}
	rate := a.cfg.AnalysisRate
	if rate <= 0 {
		rate = deviceRate
	}
	ratio := deviceRate / rate

	frames := int(math.Ceil(float64(a.cfg.WindowSize-1)*ratio)) + 1
	if need := frames * channels; need > a.ring.MaxRead() {
		return fmt.Errorf("window of %d samples: %w", need, ringbuf.ErrTooLarge)
	}

	a.deviceRate = deviceRate
	a.channels = channels
	a.rate = rate
	a.ratio = ratio
	a.hopFrames = max(1, int(math.Round(float64(a.cfg.HopSize)*ratio)))
	a.raw = make([]float32, frames*channels)
	a.mono = make([]float64, frames)
	a.out = make([]float64, a.cfg.WindowSize)
	a.primed = false
	return nil
}

// Next assembles the newest window if at least one hop of new input has
// arrived since the previous call.
func (a *Assembler) Next() (Window, error) {
	hopSamples := a.hopFrames * a.channels
	avail := a.ring.Available()
	if avail < hopSamples {
		return Window{}, ErrNotReady
	}
	hops := avail / hopSamples
	a.ring.Advance(hops * hopSamples)

	end, err := a.ring.ReadLatest(a.raw)
	switch {
	case errors.Is(err, ringbuf.ErrShort):
		return Window{}, ErrNotReady
	case err != nil:
		return Window{}, fmt.Errorf("read window: %w", err)
	}
	if hops > 1 && a.primed {
		a.skipped += uint64(hops - 1)
	}
	a.primed = true

	a.downmix()
	a.resample()
	a.seq++
	return Window{Samples: a.out, SampleRate: a.rate, Seq: a.seq, Cursor: end}, nil
}

func (a *Assembler) downmix() {
	ch := a.channels
	if ch == 1 {
		for i, s := range a.raw {
			a.mono[i] = float64(s)
		}
		return
	}
	if c := a.cfg.Channel; c >= 0 && c < ch {
		for i := range a.mono {
			a.mono[i] = float64(a.raw[i*ch+c])
		}
		return
	}
	scale := 1 / float64(ch)
	for i := range a.mono {
		var sum float64
		for _, s := range a.raw[i*ch : i*ch+ch] {
			sum += float64(s)
		}
		a.mono[i] = sum * scale
	}
}

func (a *Assembler) resample() {
	if a.ratio == 1 {
		copy(a.out, a.mono)
		return
	}
	last := len(a.mono) - 1
	for i := range a.out {
		pos := float64(i) * a.ratio
		j := int(pos)
		if j >= last {
			a.out[i] = a.mono[last]
			continue
		}
		frac := pos - float64(j)
		a.out[i] = a.mono[j] + (a.mono[j+1]-a.mono[j])*frac
	}
}

// Skipped returns the number of hops dropped because the consumer fell behind.
func (a *Assembler) Skipped() uint64 { return a.skipped }

// Seq returns the sequence number of the last produced window.
func (a *Assembler) Seq() uint64 { return a.seq }

// SampleRate returns the analysis rate windows are produced at.
func (a *Assembler) SampleRate() float64 { return a.rate }

// BinWidth returns the spacing in Hz of FFT bins over one window.
func (a *Assembler) BinWidth() float64 { return a.rate / float64(a.cfg.WindowSize) }

// HopInterval is the wall time one hop of input represents.
func (a *Assembler) HopInterval() time.Duration {
	return time.Duration(float64(a.cfg.HopSize) / a.rate * float64(time.Second))
}

// Config returns the assembler's geometry.
func (a *Assembler) Config() Config { return a.cfg }
