// SPDX-License-Identifier: MIT
package analysis

// Silence detection and waveform gain tracking. Both follow the window peak
// amplitude once per analysis cycle.

const (
	DefaultSilenceThreshold = 0.003
	DefaultFadeStep         = 0.05

	peakDecay = 0.995
	peakFloor = 0.1
)

// silenceGate fades the spectrum out while the input stays below threshold
// and back in, twice as fast, once it rises above it.
type silenceGate struct {
	threshold float64
	step      float64
	alpha     float64
}

func newSilenceGate(threshold, step float64) silenceGate {
	if threshold < 0.0 {
		threshold = 0.0
	}
	if threshold > 1.0 {
		threshold = 1.0
	}
	if step <= 0 {
		step = DefaultFadeStep
	}
	return silenceGate{threshold: threshold, step: step, alpha: 1}
}

// update returns the new opacity in [0, 1].
func (g *silenceGate) update(peak float64) float64 {
	if peak < g.threshold {
		g.alpha = max(0, g.alpha-g.step)
	} else {
		g.alpha = min(1, g.alpha+2*g.step)
	}
	return g.alpha
}

func (g *silenceGate) silent() bool { return g.alpha == 0 }

// peakFollower is the waveform auto-gain: it jumps to louder peaks and
// decays slowly, never dropping below peakFloor so silence is not amplified.
type peakFollower struct {
	peak float64
}

func (f *peakFollower) update(peak float64) float64 {
	f.peak = max(f.peak*peakDecay, peak, peakFloor)
	return f.peak
}

func peakAmplitude(samples []float64) float64 {
	var peak float64
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
