// SPDX-License-Identifier: MIT
/*
Package ringbuf implements the single-producer sample ring that sits between
the capture callback and the analysis worker.

Writer (capture callback):
  - Never blocks, never allocates, never takes a lock
  - On overflow the oldest unread samples are discarded and counted

Readers (analysis worker, diagnostics):
  - ReadLatest peeks at the newest samples without consuming them
  - Advance releases samples the consumer no longer needs

Torn reads are detected seqlock style. The writer publishes a reserved
cursor before copying a block and a committed cursor after. A reader copies
the region ending at the committed cursor and then checks that the reserved
cursor has not moved far enough to overwrite the region it copied.
*/
package ringbuf

import (
	"errors"
	"math"
	"sync/atomic"

	"loopviz/pkg/bitint"
)

var (
	// ErrTooLarge is returned for reads that could never be validated.
	ErrTooLarge = errors.New("ringbuf: read exceeds safe capacity")
	// ErrShort is returned when fewer samples than requested were ever written.
	ErrShort = errors.New("ringbuf: not enough samples written")
	// ErrTorn is returned when the writer lapped the reader on every retry.
	ErrTorn = errors.New("ringbuf: read overwritten by writer")
)

// maxRetries bounds ReadLatest. With the safety margin in place a retry only
// fails when the writer laps a full margin during a single copy.
const maxRetries = 4

// Ring is a fixed-capacity circular store of float32 samples.
// Capacity is always a power of two so cursors wrap with a mask.
type Ring struct {
	buf    []atomic.Uint32 // float32 bits
	mask   uint64
	margin int

	reserved  atomic.Uint64 // end of the block currently being written
	committed atomic.Uint64 // end of the last fully written block
	read      atomic.Uint64 // consumer cursor, <= committed
	dropped   atomic.Uint64 // samples discarded on overflow
}

// New creates a ring holding at least minSamples samples. margin is the
// number of samples kept out of reach of ReadLatest so a writer block in
// flight cannot reach the copied region; it should be at least the largest
// block the capture source delivers.
func New(minSamples, margin int) *Ring {
	if margin < 0 {
		margin = 0
	}
	capacity := bitint.NextPowerOfTwo(minSamples + margin)
	return &Ring{
		buf:    make([]atomic.Uint32, capacity),
		mask:   bitint.Mask(capacity),
		margin: margin,
	}
}

// Cap returns the total capacity in samples.
func (r *Ring) Cap() int { return len(r.buf) }

// MaxRead returns the largest n accepted by ReadLatest.
func (r *Ring) MaxRead() int { return len(r.buf) - r.margin }

// Write appends samples. It is the only mutating call allowed from the
// capture callback and must only be called from one goroutine at a time.
// Returns the number of unread samples dropped to make room.
func (r *Ring) Write(samples []float32) int {
	n := len(samples)
	if n == 0 {
		return 0
	}
	capacity := uint64(len(r.buf))
	start := r.committed.Load()
	if uint64(n) > capacity {
		// Only the newest capacity samples can ever be read back; the rest
		// count as written and are reclaimed as dropped below.
		skip := uint64(n) - capacity
		start += skip
		samples = samples[skip:]
	}

	end := start + uint64(len(samples))
	dropped := r.reclaim(end)

	r.reserved.Store(end)
	for i, s := range samples {
		r.buf[(start+uint64(i))&r.mask].Store(math.Float32bits(s))
	}
	r.committed.Store(end)

	return dropped
}

// reclaim moves the read cursor forward so that end-read <= capacity.
func (r *Ring) reclaim(end uint64) int {
	capacity := uint64(len(r.buf))
	for {
		read := r.read.Load()
		if end-read <= capacity {
			return 0
		}
		floor := end - capacity
		if r.read.CompareAndSwap(read, floor) {
			lost := floor - read
			r.dropped.Add(lost)
			return int(lost)
		}
	}
}

// ReadLatest copies the newest len(dst) samples into dst without consuming
// them and returns the committed cursor the copy ends at.
func (r *Ring) ReadLatest(dst []float32) (uint64, error) {
	n := uint64(len(dst))
	if int(n) > r.MaxRead() {
		return 0, ErrTooLarge
	}
	capacity := uint64(len(r.buf))

	for range maxRetries {
		end := r.committed.Load()
		if end < n {
			return end, ErrShort
		}
		start := end - n
		for i := range dst {
			dst[i] = math.Float32frombits(r.buf[(start+uint64(i))&r.mask].Load())
		}
		// The slot of start is reused by the writer at start+capacity.
		if r.reserved.Load() <= start+capacity {
			return end, nil
		}
	}
	return 0, ErrTorn
}

// Advance releases up to n unread samples and returns how many were released.
func (r *Ring) Advance(n int) int {
	if n <= 0 {
		return 0
	}
	for {
		read := r.read.Load()
		limit := r.committed.Load()
		next := read + uint64(n)
		if next > limit {
			next = limit
		}
		if r.read.CompareAndSwap(read, next) {
			return int(next - read)
		}
	}
}

// Available returns the number of committed samples not yet released.
func (r *Ring) Available() int {
	read := r.read.Load()
	committed := r.committed.Load()
	if committed < read {
		return 0
	}
	return int(committed - read)
}

// Written returns the total number of samples ever committed.
func (r *Ring) Written() uint64 { return r.committed.Load() }

// Dropped returns the total number of samples discarded on overflow.
func (r *Ring) Dropped() uint64 { return r.dropped.Load() }

// Reset clears all cursors and the dropped counter. It must not race with
// Write; the controller only calls it while capture is stopped.
func (r *Ring) Reset() {
	r.reserved.Store(0)
	r.committed.Store(0)
	r.read.Store(0)
	r.dropped.Store(0)
}
