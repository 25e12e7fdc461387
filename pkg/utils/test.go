// SPDX-License-Identifier: MIT
package utils

import (
	"math"
	"sync"
)

// MockSender implements a packet sender for testing.
type MockSender struct {
	mu      sync.Mutex
	Packets [][]byte
	Err     error
}

// Send stores a copy of the packet for later inspection instead of transmitting.
func (m *MockSender) Send(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Packets = append(m.Packets, append([]byte(nil), data...))
	return nil
}

// Last returns the most recent packet, or nil.
func (m *MockSender) Last() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Packets) == 0 {
		return nil
	}
	return m.Packets[len(m.Packets)-1]
}

// Count returns the number of packets sent.
func (m *MockSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Packets)
}

// GenerateComplexWave returns a 440Hz fundamental with two harmonics,
// peaking just under full scale.
func GenerateComplexWave(size int, sampleRate float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		tm := float64(i) / sampleRate
		signal := math.Sin(2*math.Pi*440*tm)*0.5 +
			math.Sin(2*math.Pi*880*tm)*0.3 +
			math.Sin(2*math.Pi*1320*tm)*0.2
		buffer[i] = signal * 0.9
	}
	return buffer
}

// GenerateSineWave returns size samples of a sine at frequency.
func GenerateSineWave(size int, sampleRate, frequency, amplitude float64) []float64 {
	buffer := make([]float64, size)
	for i := range buffer {
		t := float64(i) / sampleRate
		buffer[i] = math.Sin(2*math.Pi*frequency*t) * amplitude
	}
	return buffer
}

// Interleave duplicates a mono signal into channels interleaved float32
// samples, the layout capture sources deliver.
func Interleave(mono []float64, channels int) []float32 {
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for ch := range channels {
			out[i*channels+ch] = float32(s)
		}
	}
	return out
}

// BinFrequency returns the frequency of an FFT bin so tests can place tones
// exactly on a bin center.
func BinFrequency(bin, fftSize int, sampleRate float64) float64 {
	return float64(bin) * sampleRate / float64(fftSize)
}

// FindPeakBin returns the index of the largest magnitude in [startBin, endBin].
func FindPeakBin(magnitudes []float64, startBin, endBin int) int {
	if len(magnitudes) == 0 {
		return 0
	}

	if startBin < 0 {
		startBin = 0
	}

	if endBin >= len(magnitudes) {
		endBin = len(magnitudes) - 1
	}

	peakBin := startBin
	peakValue := magnitudes[startBin]

	for bin := startBin + 1; bin <= endBin; bin++ {
		if magnitudes[bin] > peakValue {
			peakValue = magnitudes[bin]
			peakBin = bin
		}
	}

	return peakBin
}
