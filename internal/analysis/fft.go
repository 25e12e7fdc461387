// SPDX-License-Identifier: MIT
package analysis

import (
	"fmt"
	"math/cmplx"
	"strings"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// WindowFunc defines the type for selecting an FFT window function.
type WindowFunc int

// Enum for available window functions.
const (
	BartlettHann WindowFunc = iota
	Blackman
	BlackmanNuttall
	Hann
	Hamming
	Lanczos
	Nuttall
)

var windowNames = [...]string{
	BartlettHann:    "bartletthann",
	Blackman:        "blackman",
	BlackmanNuttall: "blackmannuttall",
	Hann:            "hann",
	Hamming:         "hamming",
	Lanczos:         "lanczos",
	Nuttall:         "nuttall",
}

func (w WindowFunc) String() string {
	if w >= 0 && int(w) < len(windowNames) {
		return windowNames[w]
	}
	return fmt.Sprintf("WindowFunc(%d)", int(w))
}

// ParseWindowFunc converts a string name (case-insensitive) to a WindowFunc
// enum, returns a known default (Hann) and an error if the name is unknown.
func ParseWindowFunc(name string) (WindowFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bartletthann":
		return BartlettHann, nil
	case "blackman":
		return Blackman, nil
	case "blackmannuttall":
		return BlackmanNuttall, nil
	case "hann", "hanning", "":
		return Hann, nil
	case "hamming":
		return Hamming, nil
	case "lanczos":
		return Lanczos, nil
	case "nuttall":
		return Nuttall, nil
	default:
		return Hann, fmt.Errorf("unknown FFT window function name: '%s'", name)
	}
}

// applyWindow fills coeffs with the selected window and returns the sum of
// the coefficients, the coherent gain used to normalize magnitudes.
func applyWindow(coeffs []float64, windowType WindowFunc) float64 {
	// The gonum window functions scale in place, so start from a flat window.
	for i := range coeffs {
		coeffs[i] = 1.0
	}
	switch windowType {
	case BartlettHann:
		window.BartlettHann(coeffs)
	case Blackman:
		window.Blackman(coeffs)
	case BlackmanNuttall:
		window.BlackmanNuttall(coeffs)
	case Hamming:
		window.Hamming(coeffs)
	case Lanczos:
		window.Lanczos(coeffs)
	case Nuttall:
		window.Nuttall(coeffs)
	default:
		window.Hann(coeffs)
	}

	var sum float64
	for _, c := range coeffs {
		sum += c
	}
	return sum
}

// TransformBackend selects the FFT implementation.
type TransformBackend int

const (
	// Gonum uses gonum's dsp/fourier and does not allocate per call.
	Gonum TransformBackend = iota
	// GoDSP uses mjibson/go-dsp, which allocates its output on every call.
	GoDSP
)

func (b TransformBackend) String() string {
	if b == GoDSP {
		return "godsp"
	}
	return "gonum"
}

// ParseTransformBackend maps a config name to a TransformBackend.
func ParseTransformBackend(name string) (TransformBackend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gonum", "":
		return Gonum, nil
	case "godsp", "go-dsp":
		return GoDSP, nil
	default:
		return Gonum, fmt.Errorf("unknown transform backend: '%s'", name)
	}
}

// Transform computes the magnitude spectrum of a real signal.
type Transform interface {
	// Magnitudes writes |X[k]| for k = 0..n/2 into dst. len(in) must equal
	// Size and len(dst) must be Size/2+1.
	Magnitudes(dst, in []float64)
	Size() int
}

// NewTransform creates a transform of size n for the given backend.
func NewTransform(backend TransformBackend, n int) (Transform, error) {
	if n < 2 {
		return nil, fmt.Errorf("transform size must be at least 2, got %d", n)
	}
	switch backend {
	case Gonum:
		return &gonumTransform{
			fft:    fourier.NewFFT(n),
			coeffs: make([]complex128, n/2+1),
		}, nil
	case GoDSP:
		return godspTransform(n), nil
	default:
		return nil, fmt.Errorf("unknown transform backend %d", backend)
	}
}

type gonumTransform struct {
	fft    *fourier.FFT
	coeffs []complex128
}

func (t *gonumTransform) Size() int { return t.fft.Len() }

func (t *gonumTransform) Magnitudes(dst, in []float64) {
	t.fft.Coefficients(t.coeffs, in)
	for i, c := range t.coeffs {
		dst[i] = cmplx.Abs(c)
	}
}

type godspTransform int

func (t godspTransform) Size() int { return int(t) }

func (t godspTransform) Magnitudes(dst, in []float64) {
	out := fft.FFTReal(in)
	for i := range dst {
		dst[i] = cmplx.Abs(out[i])
	}
}
