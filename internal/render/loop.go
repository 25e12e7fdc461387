// SPDX-License-Identifier: MIT

// Package render draws visualizer snapshots on a fixed cadence, independent
// of the capture and analysis clocks.
package render

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	applog "loopviz/internal/log"
	"loopviz/internal/visualizer"
)

var loopLog = applog.Scope("render")

// Surface is anything a snapshot can be drawn on. Draw is only ever called
// from the render loop goroutine.
type Surface interface {
	Draw(s *visualizer.Snapshot) error
	Close() error
}

// SnapshotSource hands out the latest snapshot without blocking.
// *visualizer.Controller satisfies it.
type SnapshotSource interface {
	Snapshot() *visualizer.Snapshot
}

// Loop ticks at the configured frame rate and draws the newest snapshot on
// every surface. When analysis has produced nothing new the previous frame
// is drawn again.
type Loop struct {
	src      SnapshotSource
	surfaces []Surface
	interval time.Duration

	ticker   *time.Ticker
	doneChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex // guards ticker and doneChan across Start/Stop

	failing []bool // per surface, only touched by the loop goroutine
	frames  atomic.Uint64
}

// NewLoop creates a stopped render loop.
func NewLoop(src SnapshotSource, fps int, surfaces ...Surface) (*Loop, error) {
	if src == nil {
		return nil, errors.New("render: snapshot source cannot be nil")
	}
	if fps <= 0 {
		return nil, fmt.Errorf("render: fps must be positive, got %d", fps)
	}
	return &Loop{
		src:      src,
		surfaces: surfaces,
		interval: time.Second / time.Duration(fps),
		failing:  make([]bool, len(surfaces)),
	}, nil
}

// Start launches the loop goroutine. Calling it while running is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.ticker != nil {
		l.mu.Unlock()
		loopLog.Warnf("Start called but already running")
		return
	}
	l.ticker = time.NewTicker(l.interval)
	l.doneChan = make(chan struct{})
	l.stopOnce = sync.Once{}
	ticker, doneChan := l.ticker, l.doneChan
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		loopLog.Debugf("loop started (%d surfaces, every %s)", len(l.surfaces), l.interval)
		for {
			select {
			case <-ticker.C:
				l.tick()
			case <-doneChan:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the current frame to finish. Surfaces
// stay open. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.ticker == nil {
		l.mu.Unlock()
		return
	}
	l.stopOnce.Do(func() {
		close(l.doneChan)
		l.ticker.Stop()
		l.ticker = nil
	})
	l.mu.Unlock()
	l.wg.Wait()
}

// Close stops the loop and closes every surface.
func (l *Loop) Close() error {
	l.Stop()
	var errs []error
	for _, s := range l.surfaces {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run starts the loop, blocks until ctx is done and then closes it.
func (l *Loop) Run(ctx context.Context) error {
	l.Start()
	<-ctx.Done()
	return l.Close()
}

// Frames returns the number of ticks drawn so far.
func (l *Loop) Frames() uint64 { return l.frames.Load() }

func (l *Loop) tick() {
	snap := l.src.Snapshot()
	if snap == nil {
		return
	}
	for i, s := range l.surfaces {
		err := s.Draw(snap)
		switch {
		case err != nil && !l.failing[i]:
			l.failing[i] = true
			loopLog.Warnf("surface %T failing: %v", s, err)
		case err == nil && l.failing[i]:
			l.failing[i] = false
			loopLog.Infof("surface %T recovered", s)
		}
	}
	l.frames.Add(1)
}
