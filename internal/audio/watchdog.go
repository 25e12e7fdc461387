// SPDX-License-Identifier: MIT
package audio

import (
	"sync"
	"sync/atomic"
	"time"
)

// watchdog reports a stalled stream. Backends without device-change
// notifications touch it from their callback; if no touch arrives within
// timeout the stall handler fires once.
type watchdog struct {
	timeout time.Duration
	last    atomic.Int64 // unix nanos of the last callback
	fired   atomic.Bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newWatchdog(timeout time.Duration) *watchdog {
	w := &watchdog{timeout: timeout, done: make(chan struct{})}
	w.last.Store(time.Now().UnixNano())
	return w
}

// touch is allocation free and safe from the capture callback.
func (w *watchdog) touch(now time.Time) {
	w.last.Store(now.UnixNano())
}

// start launches the monitor goroutine. A zero timeout disables it.
func (w *watchdog) start(onStall func()) {
	if w.timeout <= 0 {
		return
	}
	interval := max(w.timeout/4, time.Millisecond)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.done:
				return
			case now := <-ticker.C:
				idle := time.Duration(now.UnixNano() - w.last.Load())
				if idle > w.timeout && w.fired.CompareAndSwap(false, true) {
					onStall()
					return
				}
			}
		}
	}()
}

// stop ends the monitor goroutine and waits for it. Safe to call repeatedly.
func (w *watchdog) stop() {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
}
