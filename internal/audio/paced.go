// SPDX-License-Identifier: MIT
package audio

import (
	"sync"
	"time"
)

// pacer emulates a hardware clock for sources that are not backed by a
// device: every period it asks fill for one block and hands it to the sink.
type pacer struct {
	format Format
	fill   func(dst []float32)
	sink   Sink

	buf  []float32
	done chan struct{}
	wg   sync.WaitGroup
}

func newPacer(format Format, sink Sink, fill func(dst []float32)) *pacer {
	return &pacer{
		format: format,
		fill:   fill,
		sink:   sink,
		buf:    make([]float32, format.FramesPerBuffer*format.Channels),
		done:   make(chan struct{}),
	}
}

func (p *pacer) period() time.Duration {
	return time.Duration(float64(p.format.FramesPerBuffer) / p.format.SampleRate * float64(time.Second))
}

func (p *pacer) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.period())
		defer ticker.Stop()
		for {
			select {
			case <-p.done:
				return
			case now := <-ticker.C:
				p.fill(p.buf)
				p.sink.Write(Block{
					Samples:    p.buf,
					SampleRate: p.format.SampleRate,
					Channels:   p.format.Channels,
					Captured:   now,
				})
			}
		}
	}()
}

func (p *pacer) stop() {
	close(p.done)
	p.wg.Wait()
}
