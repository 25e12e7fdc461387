// SPDX-License-Identifier: MIT
package visualizer

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"loopviz/internal/analysis"
	"loopviz/internal/frame"
	"loopviz/internal/ringbuf"
)

// worker is the analysis goroutine for one bound capture session. It ticks
// at the hop interval, pulls the newest window and publishes a frame for
// the current mode.
type worker struct {
	ctl  *Controller
	ring *ringbuf.Ring
	asm  *frame.Assembler
	an   *analysis.Analyzer
	diag Diagnostics

	overrun     rate.Sometimes
	lastDropped uint64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newWorker(ctl *Controller, ring *ringbuf.Ring, asm *frame.Assembler, an *analysis.Analyzer, diag Diagnostics) *worker {
	return &worker{
		ctl:     ctl,
		ring:    ring,
		asm:     asm,
		an:      an,
		diag:    diag,
		overrun: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		done:    make(chan struct{}),
	}
}

func (w *worker) start() {
	interval := max(w.asm.HopInterval(), time.Millisecond)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ctlLog.Debugf("analysis worker started (hop %s)", interval)
		for {
			select {
			case <-ticker.C:
				w.cycle()
			case <-w.done:
				return
			}
		}
	}()
}

// stop signals the worker to exit after its current cycle and waits.
func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

func (w *worker) cycle() {
	w.checkOverrun()

	win, err := w.asm.Next()
	if err != nil {
		w.diag.Underruns++
		if !errors.Is(err, frame.ErrNotReady) {
			ctlLog.Debugf("window skipped: %v", err)
		}
		return
	}
	w.diag.Seq = win.Seq
	w.diag.Skipped = w.asm.Skipped()
	w.diag.Dropped = w.ring.Dropped()

	mode := w.ctl.Mode()
	diag := w.diag
	var (
		bars *analysis.SpectrumFrame
		wave *analysis.WaveformFrame
	)
	if mode.ShowsSpectrum() {
		f := w.an.Spectrum(win.Samples, win.Seq).Clone()
		bars = &f
	}
	if mode.ShowsWaveform() {
		f := w.an.Waveform(win.Samples, win.Seq).Clone()
		wave = &f
	}
	w.ctl.publish(func(s *Snapshot) {
		s.Mode = mode
		if bars != nil {
			s.Spectrum = bars
		}
		if wave != nil {
			s.Waveform = wave
		}
		s.Diagnostics = diag
	})
}

func (w *worker) checkOverrun() {
	dropped := w.ring.Dropped()
	if dropped <= w.lastDropped {
		return
	}
	delta := dropped - w.lastDropped
	w.lastDropped = dropped
	w.overrun.Do(func() {
		ctlLog.Warnf("capture overrun: %d samples dropped (%d total)", delta, dropped)
	})
}
