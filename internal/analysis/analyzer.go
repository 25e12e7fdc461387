// SPDX-License-Identifier: MIT
/*
Package analysis turns mono analysis windows into display frames.

Spectrum path, per window:
  - Multiply by the window function
  - Real FFT, magnitudes of bins 0..N/2 scaled so a full-scale sine reads 1
  - Fold bins into bars, each bar taking the maximum of its bins
  - Compress (dB range or clamped linear) and smooth with attack/decay

Waveform path, per window:
  - Decimate to the configured number of points
  - Normalize with a decaying peak follower

An Analyzer is owned by a single goroutine. Frames it returns alias its
internal buffers until the next call; use Clone to keep one.
*/
package analysis

import (
	"errors"
	"fmt"
	"math"
	"strings"

	applog "loopviz/internal/log"
	"loopviz/pkg/bitint"
)

var analysisLog = applog.Scope("analysis")

// Scale selects how bar magnitudes are compressed into [0, 1].
type Scale int

const (
	// Decibel maps 20*log10(m) from [MinDB, MaxDB] onto [0, 1].
	Decibel Scale = iota
	// LinearScale clamps the magnitude to [0, 1].
	LinearScale
)

func (s Scale) String() string {
	if s == LinearScale {
		return "linear"
	}
	return "db"
}

// ParseScale maps a config name to a Scale.
func ParseScale(name string) (Scale, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "db", "decibel", "":
		return Decibel, nil
	case "linear", "lin":
		return LinearScale, nil
	default:
		return Decibel, fmt.Errorf("unknown magnitude scale: '%s'", name)
	}
}

// Config holds the analyzer parameters.
type Config struct {
	WindowSize       int
	SampleRate       float64 // analysis rate of incoming windows
	Window           WindowFunc
	Backend          TransformBackend
	Bars             int
	Grouping         Grouping
	MinFreq          float64
	MaxFreq          float64
	Scale            Scale
	MinDB            float64
	MaxDB            float64
	Attack           float64 // smoothing factor for rising bars, 1 = immediate
	Decay            float64 // smoothing factor for falling bars
	WaveformPoints   int
	SilenceThreshold float64
	FadeStep         float64
}

// DefaultConfig returns the documented defaults for a 48 kHz stream.
func DefaultConfig() Config {
	return Config{
		WindowSize:       2048,
		SampleRate:       48000,
		Window:           Hann,
		Backend:          Gonum,
		Bars:             64,
		Grouping:         Logarithmic,
		MinFreq:          30,
		MaxFreq:          16000,
		Scale:            Decibel,
		MinDB:            -80,
		MaxDB:            0,
		Attack:           1,
		Decay:            0.15,
		WaveformPoints:   512,
		SilenceThreshold: DefaultSilenceThreshold,
		FadeStep:         DefaultFadeStep,
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	switch {
	case !bitint.IsPowerOfTwo(c.WindowSize) || c.WindowSize < 2:
		return fmt.Errorf("fft size must be a power of 2, got %d", c.WindowSize)
	case c.SampleRate <= 0:
		return fmt.Errorf("sample rate must be positive, got %f", c.SampleRate)
	case c.Bars < 1:
		return fmt.Errorf("bars must be at least 1, got %d", c.Bars)
	case c.MinFreq < 0 || c.MinFreq >= c.MaxFreq:
		return fmt.Errorf("frequency range [%g, %g] is empty", c.MinFreq, c.MaxFreq)
	case c.MinDB >= c.MaxDB:
		return fmt.Errorf("dB range [%g, %g] is empty", c.MinDB, c.MaxDB)
	case c.Attack <= 0 || c.Attack > 1:
		return fmt.Errorf("attack must be in (0, 1], got %g", c.Attack)
	case c.Decay <= 0 || c.Decay > 1:
		return fmt.Errorf("decay must be in (0, 1], got %g", c.Decay)
	case c.WaveformPoints < 1:
		return fmt.Errorf("waveform points must be at least 1, got %d", c.WaveformPoints)
	}
	return nil
}

// SpectrumFrame is one bar graph. Bars are compressed and smoothed values in
// [0, 1]; Peaks are the raw per-bar magnitudes before compression.
type SpectrumFrame struct {
	Bars  []float64
	Peaks []float64
	Alpha float64 // silence fade opacity
	Seq   uint64
}

// Clone returns a copy that does not alias analyzer buffers.
func (f SpectrumFrame) Clone() SpectrumFrame {
	f.Bars = append([]float64(nil), f.Bars...)
	f.Peaks = append([]float64(nil), f.Peaks...)
	return f
}

// WaveformFrame is a decimated, auto-gained waveform in [-1, 1].
type WaveformFrame struct {
	Points []float64
	Gain   float64 // divisor applied to the raw samples
	Alpha  float64
	Seq    uint64
}

// Clone returns a copy that does not alias analyzer buffers.
func (f WaveformFrame) Clone() WaveformFrame {
	f.Points = append([]float64(nil), f.Points...)
	return f
}

// Analyzer holds the precomputed window, transform and bar layout.
type Analyzer struct {
	cfg       Config
	transform Transform
	bands     []Band
	binHz     float64

	coeffs []float64 // window coefficients
	norm   float64   // magnitude scale so a full-scale sine reads 1
	input  []float64 // windowed signal
	mags   []float64 // bins 0..N/2

	bars   []float64
	peaks  []float64
	points []float64

	gate     silenceGate
	follower peakFollower
}

// New creates an Analyzer for cfg.
func New(cfg Config) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	transform, err := NewTransform(cfg.Backend, cfg.WindowSize)
	if err != nil {
		return nil, err
	}

	coeffs := make([]float64, cfg.WindowSize)
	sum := applyWindow(coeffs, cfg.Window)
	if sum <= 0 {
		return nil, errors.New("window function has no coherent gain")
	}
	numBins := cfg.WindowSize/2 + 1
	binHz := cfg.SampleRate / float64(cfg.WindowSize)

	a := &Analyzer{
		cfg:       cfg,
		transform: transform,
		bands:     groupBins(cfg.Bars, numBins, binHz, cfg.MinFreq, cfg.MaxFreq, cfg.Grouping),
		binHz:     binHz,
		coeffs:    coeffs,
		norm:      2 / sum,
		input:     make([]float64, cfg.WindowSize),
		mags:      make([]float64, numBins),
		bars:      make([]float64, cfg.Bars),
		peaks:     make([]float64, cfg.Bars),
		points:    make([]float64, cfg.WaveformPoints),
		gate:      newSilenceGate(cfg.SilenceThreshold, cfg.FadeStep),
	}
	analysisLog.Debugf("%d-point %s FFT, %s window, %d %s bars, %.2f Hz/bin",
		cfg.WindowSize, cfg.Backend, cfg.Window, cfg.Bars, cfg.Grouping, binHz)
	return a, nil
}

// Spectrum analyzes one window. len(samples) must equal the window size.
func (a *Analyzer) Spectrum(samples []float64, seq uint64) SpectrumFrame {
	alpha := a.track(samples)

	for i, s := range samples {
		a.input[i] = s * a.coeffs[i]
	}
	a.transform.Magnitudes(a.mags, a.input)

	for k, band := range a.bands {
		var raw float64
		for _, m := range a.mags[band.Lo:band.Hi] {
			raw = max(raw, m)
		}
		raw *= a.norm
		a.peaks[k] = raw
		a.bars[k] = smooth(a.bars[k], a.compress(raw), a.cfg.Attack, a.cfg.Decay)
	}
	return SpectrumFrame{Bars: a.bars, Peaks: a.peaks, Alpha: alpha, Seq: seq}
}

// Waveform decimates one window to the configured number of points.
func (a *Analyzer) Waveform(samples []float64, seq uint64) WaveformFrame {
	alpha := a.track(samples)
	gain := a.follower.peak

	n := len(a.points)
	step := float64(len(samples)) / float64(n)
	for i := range a.points {
		v := samples[min(int(float64(i)*step), len(samples)-1)] / gain
		a.points[i] = math.Max(-1, math.Min(1, v))
	}
	return WaveformFrame{Points: a.points, Gain: gain, Alpha: alpha, Seq: seq}
}

// track updates the silence fade and waveform gain from the window peak.
// Both run every cycle so a mode switch starts from current values.
func (a *Analyzer) track(samples []float64) float64 {
	peak := peakAmplitude(samples)
	a.follower.update(peak)
	return a.gate.update(peak)
}

func (a *Analyzer) compress(m float64) float64 {
	if a.cfg.Scale == LinearScale {
		return math.Max(0, math.Min(1, m))
	}
	if m <= 0 {
		return 0
	}
	db := 20 * math.Log10(m)
	v := (db - a.cfg.MinDB) / (a.cfg.MaxDB - a.cfg.MinDB)
	return math.Max(0, math.Min(1, v))
}

// smooth moves v toward target by attack when rising and decay when falling.
func smooth(v, target, attack, decay float64) float64 {
	coef := decay
	if target > v {
		coef = attack
	}
	if coef >= 1 {
		return target
	}
	return v + (target-v)*coef
}

// Reset clears smoothing, fade and gain state.
func (a *Analyzer) Reset() {
	clear(a.bars)
	clear(a.peaks)
	a.gate = newSilenceGate(a.cfg.SilenceThreshold, a.cfg.FadeStep)
	a.follower = peakFollower{}
}

// Bands returns the bin range of every bar.
func (a *Analyzer) Bands() []Band { return a.bands }

// FrequencyForBin returns the center frequency (Hz) for a given FFT bin index.
func (a *Analyzer) FrequencyForBin(bin int) float64 {
	if bin < 0 || bin >= len(a.mags) {
		return 0.0
	}
	return float64(bin) * a.binHz
}

// Silent reports whether the spectrum has fully faded out.
func (a *Analyzer) Silent() bool { return a.gate.silent() }

// Config returns the analyzer parameters.
func (a *Analyzer) Config() Config { return a.cfg }
