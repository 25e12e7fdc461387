/*
Package bitint provides the power-of-two helpers used to size FFT windows
and ring buffers.

All functions are O(1), allocation free and safe to call from the capture
callback.

Usage:

	// Round a 500ms buffer at 48kHz stereo up to a maskable capacity.
	capacity := bitint.NextPowerOfTwo(48000 * 2 / 2) // 65536

	// Wrap a monotonically increasing cursor into the buffer.
	idx := cursor & bitint.Mask(capacity)

NextPowerOfTwo subtracts one before taking the bit length so that exact
powers of two are preserved:

	size = 8, size-1 = 0b0111, bits.Len = 3, 1<<3 = 8
	size = 9, size-1 = 0b1000, bits.Len = 4, 1<<4 = 16
*/
package bitint

import "math/bits"

// NextPowerOfTwo returns the smallest power of two >= size.
// Zero and negative sizes return 1.
//
//	Input  Output
//	4      4
//	5      8
//	0      1
//	-1     1
func NextPowerOfTwo(size int) int {
	if size <= 0 {
		return 1
	}
	return 1 << bits.Len(uint(size-1))
}

// IsPowerOfTwo reports whether n is a positive power of two.
// Powers of two have a single bit set, so n&(n-1) clears it to zero.
func IsPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}

// Mask returns n-1 as a uint64 for wrapping cursors into a buffer of
// power-of-two length n. The result is meaningless for other values of n.
func Mask(n int) uint64 {
	return uint64(n) - 1
}

// Log2 returns the exponent of a power of two, or -1 if n is not one.
func Log2(n int) int {
	if !IsPowerOfTwo(n) {
		return -1
	}
	return bits.TrailingZeros(uint(n))
}
