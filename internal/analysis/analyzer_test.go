// SPDX-License-Identifier: MIT
package analysis

import (
	"math"
	"math/rand"
	"testing"

	"loopviz/pkg/utils"
)

const (
	testFFTSize    = 2048
	testSampleRate = 48000.0
	testBin        = 64 // 1500 Hz at 48 kHz / 2048
)

func newTestAnalyzer(t testing.TB, mutate func(*Config)) *Analyzer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WindowSize = testFFTSize
	cfg.SampleRate = testSampleRate
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return a
}

func noSmoothing(c *Config) {
	c.Attack = 1
	c.Decay = 1
}

func maxIndex(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestParseNames(t *testing.T) {
	windows := []struct {
		in   string
		want WindowFunc
		ok   bool
	}{
		{"hann", Hann, true},
		{"Hanning", Hann, true},
		{"", Hann, true},
		{"BLACKMAN", Blackman, true},
		{"blackmannuttall", BlackmanNuttall, true},
		{"bartletthann", BartlettHann, true},
		{"hamming", Hamming, true},
		{"lanczos", Lanczos, true},
		{"nuttall", Nuttall, true},
		{"kaiser", Hann, false},
	}
	for _, tt := range windows {
		got, err := ParseWindowFunc(tt.in)
		if got != tt.want || (err == nil) != tt.ok {
			t.Errorf("ParseWindowFunc(%q) = %v, %v", tt.in, got, err)
		}
		if tt.ok && tt.in != "" {
			if back, _ := ParseWindowFunc(got.String()); back != got {
				t.Errorf("%v does not round-trip through String", got)
			}
		}
	}

	if b, err := ParseTransformBackend("go-dsp"); b != GoDSP || err != nil {
		t.Errorf("ParseTransformBackend(go-dsp) = %v, %v", b, err)
	}
	if _, err := ParseTransformBackend("fftw"); err == nil {
		t.Error("ParseTransformBackend(fftw) should fail")
	}
	if g, err := ParseGrouping("linear"); g != Linear || err != nil {
		t.Errorf("ParseGrouping(linear) = %v, %v", g, err)
	}
	if _, err := ParseGrouping("mel"); err == nil {
		t.Error("ParseGrouping(mel) should fail")
	}
	if s, err := ParseScale("linear"); s != LinearScale || err != nil {
		t.Errorf("ParseScale(linear) = %v, %v", s, err)
	}
	if _, err := ParseScale("sone"); err == nil {
		t.Error("ParseScale(sone) should fail")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"window not pow2", func(c *Config) { c.WindowSize = 1000 }},
		{"zero rate", func(c *Config) { c.SampleRate = 0 }},
		{"no bars", func(c *Config) { c.Bars = 0 }},
		{"empty freq range", func(c *Config) { c.MinFreq = 20000 }},
		{"empty dB range", func(c *Config) { c.MinDB = 10 }},
		{"zero attack", func(c *Config) { c.Attack = 0 }},
		{"decay over one", func(c *Config) { c.Decay = 1.5 }},
		{"no waveform points", func(c *Config) { c.WaveformPoints = 0 }},
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
			if _, err := New(cfg); err == nil {
				t.Error("New accepted invalid config")
			}
		})
	}
}

func TestFullScaleSineReadsOne(t *testing.T) {
	for _, backend := range []TransformBackend{Gonum, GoDSP} {
		t.Run(backend.String(), func(t *testing.T) {
			a := newTestAnalyzer(t, func(c *Config) {
				noSmoothing(c)
				c.Backend = backend
				c.Scale = LinearScale
				c.Bars = 32
			})
			freq := utils.BinFrequency(testBin, testFFTSize, testSampleRate)
			sine := utils.GenerateSineWave(testFFTSize, testSampleRate, freq, 1)

			frame := a.Spectrum(sine, 1)
			peak := maxIndex(frame.Bars)
			band := a.Bands()[peak]
			if testBin < band.Lo-1 || testBin >= band.Hi+1 {
				t.Errorf("peak bar %d covers bins [%d, %d), want bin %d", peak, band.Lo, band.Hi, testBin)
			}
			if p := frame.Peaks[peak]; p < 0.95 || p > 1.05 {
				t.Errorf("full-scale sine magnitude = %f, want ~1.0", p)
			}

			for k, b := range a.Bands() {
				if b.Hi <= testBin-2 || b.Lo > testBin+2 {
					if frame.Bars[k] > 0.01 {
						t.Errorf("bar %d [%d, %d) = %f above noise floor", k, b.Lo, b.Hi, frame.Bars[k])
					}
				}
			}
		})
	}
}

func TestSpectrumDeterministicWithoutSmoothing(t *testing.T) {
	wave := utils.GenerateComplexWave(testFFTSize, testSampleRate)

	a := newTestAnalyzer(t, noSmoothing)
	first := a.Spectrum(wave, 1).Clone()
	second := a.Spectrum(wave, 2)

	b := newTestAnalyzer(t, noSmoothing)
	fresh := b.Spectrum(wave, 1)

	for i := range first.Bars {
		if first.Bars[i] != second.Bars[i] || first.Bars[i] != fresh.Bars[i] {
			t.Fatalf("bar %d differs: %v, %v, %v", i, first.Bars[i], second.Bars[i], fresh.Bars[i])
		}
	}
	if second.Seq != 2 {
		t.Errorf("Seq = %d, want 2", second.Seq)
	}
}

func TestSmoothingStepResponse(t *testing.T) {
	const decay = 0.2
	a := newTestAnalyzer(t, func(c *Config) {
		c.Attack = 1
		c.Decay = decay
		c.Scale = LinearScale
		c.Bars = 16
	})
	silence := make([]float64, testFFTSize)
	sine := utils.GenerateSineWave(testFFTSize, testSampleRate, utils.BinFrequency(testBin, testFFTSize, testSampleRate), 1)

	a.Spectrum(silence, 1)
	frame := a.Spectrum(sine, 2)
	peak := maxIndex(frame.Bars)
	if frame.Bars[peak] < 0.95 {
		t.Fatalf("step reached %f after one cycle, want >= 0.95", frame.Bars[peak])
	}

	prev := frame.Bars[peak]
	for cycle := range 5 {
		v := a.Spectrum(silence, uint64(3+cycle)).Bars[peak]
		want := prev * (1 - decay)
		if math.Abs(v-want) > 1e-12 {
			t.Fatalf("cycle %d: bar fell to %f, want %f", cycle, v, want)
		}
		prev = v
	}
}

func TestDefaultAttackIsImmediate(t *testing.T) {
	if DefaultConfig().Attack != 1 {
		t.Fatalf("default attack = %g, want 1", DefaultConfig().Attack)
	}
	a := newTestAnalyzer(t, nil)
	silence := make([]float64, testFFTSize)
	sine := utils.GenerateSineWave(testFFTSize, testSampleRate, utils.BinFrequency(testBin, testFFTSize, testSampleRate), 1)

	a.Spectrum(silence, 1)
	bars := a.Spectrum(sine, 2).Bars
	if v := bars[maxIndex(bars)]; v < 0.95 {
		t.Errorf("default step reached %f after one cycle, want >= 0.95", v)
	}
}

func TestDecibelCompression(t *testing.T) {
	a := newTestAnalyzer(t, func(c *Config) {
		noSmoothing(c)
		c.MinDB = -60
		c.MaxDB = 0
	})
	tests := []struct {
		magnitude float64
		want      float64
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{0.001, 0},
		{0.0001, 0},
		{0.1, 2.0 / 3.0},
	}
	for _, tt := range tests {
		if got := a.compress(tt.magnitude); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("compress(%g) = %f, want %f", tt.magnitude, got, tt.want)
		}
	}
}

func TestSilenceFade(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	silence := make([]float64, testFFTSize)
	loud := utils.GenerateSineWave(testFFTSize, testSampleRate, 1000, 0.5)

	if alpha := a.Spectrum(silence, 1).Alpha; math.Abs(alpha-0.95) > 1e-9 {
		t.Errorf("alpha after one silent cycle = %f, want 0.95", alpha)
	}
	for i := range 25 {
		a.Spectrum(silence, uint64(i+2))
	}
	if !a.Silent() {
		t.Error("expected spectrum to be faded out")
	}

	if alpha := a.Spectrum(loud, 30).Alpha; math.Abs(alpha-0.1) > 1e-9 {
		t.Errorf("alpha after one loud cycle = %f, want 0.1", alpha)
	}
	if alpha := a.Waveform(loud, 31).Alpha; math.Abs(alpha-0.2) > 1e-9 {
		t.Errorf("waveform cycles should share the fade, alpha = %f", alpha)
	}
}

func TestWaveformAutoGain(t *testing.T) {
	a := newTestAnalyzer(t, func(c *Config) { c.WaveformPoints = 256 })

	silent := a.Waveform(make([]float64, testFFTSize), 1)
	if silent.Gain != peakFloor {
		t.Errorf("gain on silence = %f, want floor %f", silent.Gain, peakFloor)
	}

	loud := utils.GenerateSineWave(testFFTSize, testSampleRate, 375, 0.5)
	frame := a.Waveform(loud, 2)
	if len(frame.Points) != 256 {
		t.Fatalf("got %d points, want 256", len(frame.Points))
	}
	if math.Abs(frame.Gain-0.5) > 1e-3 {
		t.Errorf("gain = %f, want ~0.5", frame.Gain)
	}
	if p := peakAmplitude(frame.Points); p < 0.99 || p > 1 {
		t.Errorf("normalized peak = %f, want ~1", p)
	}

	quiet := utils.GenerateSineWave(testFFTSize, testSampleRate, 375, 0.01)
	frame = a.Waveform(quiet, 3)
	if want := 0.5 * peakDecay; math.Abs(frame.Gain-want) > 1e-3 {
		t.Errorf("gain after drop = %f, want ~%f", frame.Gain, want)
	}
	for _, p := range frame.Points {
		if p < -1 || p > 1 {
			t.Fatalf("point %f outside [-1, 1]", p)
		}
	}
}

func TestGroupBins(t *testing.T) {
	tests := []struct {
		name     string
		bars     int
		grouping Grouping
		minHz    float64
		maxHz    float64
	}{
		{"log default", 64, Logarithmic, 30, 16000},
		{"linear", 16, Linear, 0, 24000},
		{"more bars than bins", 300, Logarithmic, 20, 20000},
		{"max above nyquist", 8, Linear, 100, 96000},
	}
	const numBins = 257 // 512-point FFT
	binHz := testSampleRate / 512
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bands := groupBins(tt.bars, numBins, binHz, tt.minHz, tt.maxHz, tt.grouping)
			if len(bands) != tt.bars {
				t.Fatalf("got %d bands, want %d", len(bands), tt.bars)
			}
			for k, b := range bands {
				if b.Hi <= b.Lo {
					t.Errorf("band %d [%d, %d) covers no bins", k, b.Lo, b.Hi)
				}
				if b.Lo < 0 || b.Hi > numBins {
					t.Errorf("band %d [%d, %d) out of range", k, b.Lo, b.Hi)
				}
				if k > 0 && b.Lo < bands[k-1].Lo {
					t.Errorf("band %d starts before band %d", k, k-1)
				}
			}
		})
	}

	// Log bars share the same frequency ratio.
	bands := groupBins(10, numBins, binHz, 100, 10000, Logarithmic)
	ratio := bands[0].HighHz / bands[0].LowHz
	for _, b := range bands {
		if r := b.HighHz / b.LowHz; math.Abs(r-ratio) > 1e-9 {
			t.Errorf("band ratio %f, want %f", r, ratio)
		}
	}
}

func TestBackendsAgree(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	in := make([]float64, 512)
	for i := range in {
		in[i] = rng.Float64()*2 - 1
	}

	g, err := NewTransform(Gonum, len(in))
	if err != nil {
		t.Fatal(err)
	}
	d, err := NewTransform(GoDSP, len(in))
	if err != nil {
		t.Fatal(err)
	}
	if g.Size() != 512 || d.Size() != 512 {
		t.Fatalf("sizes = %d, %d", g.Size(), d.Size())
	}

	gm := make([]float64, 257)
	dm := make([]float64, 257)
	g.Magnitudes(gm, in)
	d.Magnitudes(dm, in)
	for i := range gm {
		if math.Abs(gm[i]-dm[i]) > 1e-9 {
			t.Fatalf("bin %d: gonum %f, go-dsp %f", i, gm[i], dm[i])
		}
	}

	if _, err := NewTransform(Gonum, 1); err == nil {
		t.Error("expected error for size 1")
	}
}

func TestFrequencyForBin(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	if got := a.FrequencyForBin(testBin); got != 1500 {
		t.Errorf("FrequencyForBin(%d) = %f, want 1500", testBin, got)
	}
	if got := a.FrequencyForBin(-1); got != 0 {
		t.Errorf("FrequencyForBin(-1) = %f, want 0", got)
	}
	if got := a.FrequencyForBin(testFFTSize); got != 0 {
		t.Errorf("FrequencyForBin(out of range) = %f, want 0", got)
	}
}

func TestReset(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	a.Spectrum(utils.GenerateComplexWave(testFFTSize, testSampleRate), 1)
	a.Reset()
	for i, v := range a.bars {
		if v != 0 {
			t.Fatalf("bar %d = %f after Reset", i, v)
		}
	}
	if a.gate.alpha != 1 || a.follower.peak != 0 {
		t.Errorf("Reset left alpha %f, peak %f", a.gate.alpha, a.follower.peak)
	}
}

func TestSpectrumZeroAllocs(t *testing.T) {
	a := newTestAnalyzer(t, nil)
	wave := utils.GenerateComplexWave(testFFTSize, testSampleRate)
	allocs := testing.AllocsPerRun(100, func() {
		a.Spectrum(wave, 1)
		a.Waveform(wave, 1)
	})
	if allocs != 0 {
		t.Errorf("analysis allocated %v times per run, want 0", allocs)
	}
}

func BenchmarkSpectrum(b *testing.B) {
	for _, backend := range []TransformBackend{Gonum, GoDSP} {
		b.Run(backend.String(), func(b *testing.B) {
			a := newTestAnalyzer(b, func(c *Config) { c.Backend = backend })
			wave := utils.GenerateComplexWave(testFFTSize, testSampleRate)
			b.ReportAllocs()
			for b.Loop() {
				a.Spectrum(wave, 1)
			}
		})
	}
}
