// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math"
	"strings"
)

// Grouping selects how FFT bins are spread over display bars.
type Grouping int

const (
	// Logarithmic gives every bar the same frequency ratio.
	Logarithmic Grouping = iota
	// Linear gives every bar the same width in Hz.
	Linear
)

func (g Grouping) String() string {
	if g == Linear {
		return "linear"
	}
	return "log"
}

// ParseGrouping maps a config name to a Grouping.
func ParseGrouping(name string) (Grouping, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "log", "logarithmic", "":
		return Logarithmic, nil
	case "linear", "lin":
		return Linear, nil
	default:
		return Logarithmic, fmt.Errorf("unknown bar grouping: '%s'", name)
	}
}

// Band is the half-open bin range [Lo, Hi) folded into one bar.
type Band struct {
	Lo, Hi        int
	LowHz, HighHz float64
}

// Contains reports whether bin falls inside the band.
func (b Band) Contains(bin int) bool { return bin >= b.Lo && bin < b.Hi }

// groupBins splits bins 0..numBins-1 spaced binHz apart into bars between
// minHz and maxHz. Every band covers at least one bin.
func groupBins(bars, numBins int, binHz, minHz, maxHz float64, g Grouping) []Band {
	nyquist := binHz * float64(numBins-1)
	maxHz = math.Min(maxHz, nyquist)
	minHz = math.Max(minHz, binHz/2)
	if minHz >= maxHz {
		minHz = maxHz / 2
	}

	edge := func(k int) float64 {
		t := float64(k) / float64(bars)
		if g == Linear {
			return minHz + (maxHz-minHz)*t
		}
		return minHz * math.Pow(maxHz/minHz, t)
	}
	toBin := func(hz float64) int {
		return int(math.Round(hz / binHz))
	}

	bands := make([]Band, bars)
	for k := range bands {
		lowHz, highHz := edge(k), edge(k+1)
		lo := min(toBin(lowHz), numBins-1)
		hi := min(toBin(highHz), numBins)
		if hi <= lo {
			hi = lo + 1
		}
		bands[k] = Band{Lo: lo, Hi: hi, LowHz: lowHz, HighHz: highHz}
	}
	return bands
}
