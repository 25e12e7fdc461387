// SPDX-License-Identifier: MIT
/*
Package visualizer owns the capture to analysis pipeline and its lifecycle.

State machine:

	Stopped -> Starting -> Running -> Stopping -> Stopped
	Running -> Recovering -> Running      (device lost, re-bound)
	Starting|Running|Recovering -> Failed (format negotiation, retries exhausted)

Goroutines:
  - Capture callback: writes into the ring through captureSink only
  - Analysis worker: assembles, analyzes and publishes Snapshots
  - Recovery: re-binds the device after a loss, one at a time

Lifecycle calls are serialized by a mutex. Snapshot, State, Mode and
LastError are lock free.
*/
package visualizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"loopviz/internal/analysis"
	"loopviz/internal/audio"
	"loopviz/internal/frame"
	applog "loopviz/internal/log"
	"loopviz/internal/ringbuf"
)

var ctlLog = applog.Scope("controller")

// SourceFactory builds a capture backend. Swapped in tests.
type SourceFactory func(audio.Options) (audio.Source, error)

// Controller runs one capture pipeline.
type Controller struct {
	newSource SourceFactory

	mu       sync.Mutex // serializes lifecycle transitions
	cfg      Config
	source   audio.Source
	sourceOf audio.Options // options source was built from
	format   audio.Format
	ring     *ringbuf.Ring
	sink     captureSink
	worker   *worker

	runCtx context.Context // cancelled by Stop to abort backoff waits

	runMu     sync.Mutex // guards runCancel and closing
	runCancel context.CancelFunc
	closing   bool
	recovery  sync.WaitGroup

	// pendingLoss holds a loss reported while a bind was still in
	// progress. It is replayed once the session reaches Running.
	pendingLoss atomic.Pointer[error]

	state   atomic.Int32
	mode    atomic.Int32
	errMu   sync.Mutex
	lastErr error

	pubMu sync.Mutex // serializes Snapshot writers
	snap  atomic.Pointer[Snapshot]
}

// New creates a stopped controller. A nil factory uses audio.NewSource.
func New(cfg Config, factory SourceFactory) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = audio.NewSource
	}
	c := &Controller{newSource: factory, cfg: cfg}
	c.mode.Store(int32(cfg.Mode))
	c.publish(func(*Snapshot) {})
	return c, nil
}

// Start binds capture and starts the analysis worker. Device unavailability
// is retried with backoff; a format negotiation failure moves the controller
// to Failed.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s := c.State(); s != Stopped && s != Failed {
		return fmt.Errorf("%w: start while %s", ErrInvalidState, s)
	}
	c.setErr(nil)
	c.setState(Starting)

	runCtx, cancel := context.WithCancel(ctx)
	c.runMu.Lock()
	c.runCtx, c.runCancel, c.closing = runCtx, cancel, false
	c.runMu.Unlock()

	err := c.bindWithRetry(runCtx, c.cfg.StartRetries)
	if err == nil {
		err = c.startWorker()
	}
	if err != nil {
		cancel()
		_ = c.release()
		c.setErr(err)
		if errors.Is(err, audio.ErrFormatNegotiation) {
			c.setState(Failed)
		} else {
			c.setState(Stopped)
		}
		return err
	}
	c.setState(Running)
	ctlLog.Infof("running: %s (%s)", c.source, c.format)
	c.resumeLoss()
	return nil
}

// Stop unbinds capture and waits for the worker and any recovery to exit.
// It is idempotent and safe from any goroutine. A Failed controller stays
// Failed.
func (c *Controller) Stop() error {
	c.runMu.Lock()
	c.closing = true
	if c.runCancel != nil {
		c.runCancel()
	}
	c.runMu.Unlock()
	c.recovery.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case Stopped:
		return nil
	case Failed:
		return c.release()
	}
	c.setState(Stopping)
	err := c.release()
	c.setState(Stopped)
	ctlLog.Infof("stopped")
	return err
}

// Reset returns a Failed controller to Stopped and clears the last error.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Failed {
		return fmt.Errorf("%w: reset while %s", ErrInvalidState, c.State())
	}
	c.setErr(nil)
	c.setState(Stopped)
	return nil
}

// SetMode switches between spectrum and waveform. It takes effect on the
// next analysis cycle and does not touch capture.
func (c *Controller) SetMode(m Mode) error {
	if s := c.State(); s != Running {
		return fmt.Errorf("%w: mode switch while %s", ErrInvalidState, s)
	}
	c.mode.Store(int32(m))
	return nil
}

// DeviceLost reports that the bound device went away. It only records the
// loss; re-binding happens on a separate goroutine so it is safe to call
// from a capture backend callback. A loss reported while a bind is still
// in progress is latched and acted on once the controller is Running.
func (c *Controller) DeviceLost(err error) {
	if err == nil {
		err = audio.ErrDeviceLost
	}
	for !c.state.CompareAndSwap(int32(Running), int32(Recovering)) {
		if s := c.State(); s != Starting && s != Recovering {
			return
		}
		p := &err
		c.pendingLoss.Store(p)
		if c.State() != Running {
			return
		}
		// Running was reached after the latch was checked. Whoever takes
		// the latch back handles the loss.
		if !c.pendingLoss.CompareAndSwap(p, nil) {
			return
		}
	}
	c.setErr(err)
	c.refresh()
	ctlLog.Warnf("device lost: %v", err)

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.closing {
		// Stop is in progress and finishes from Recovering.
		return
	}
	c.recovery.Add(1)
	go func() {
		defer c.recovery.Done()
		c.recover()
	}()
}

func (c *Controller) recover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Recovering {
		return
	}

	c.stopWorker()
	c.unbind()

	err := c.bindWithRetry(c.runCtx, c.cfg.RebindRetries)
	if err == nil {
		err = c.startWorker()
	}
	if err != nil {
		_ = c.release()
		if errors.Is(err, context.Canceled) {
			// Stop is waiting for us and will finish the shutdown.
			return
		}
		c.setErr(err)
		c.setState(Failed)
		ctlLog.Errorf("recovery failed: %v", err)
		return
	}
	c.setErr(nil)
	c.setState(Running)
	ctlLog.Infof("recovered: %s (%s)", c.source, c.format)
	c.resumeLoss()
}

// resumeLoss hands a loss latched during Starting or Recovering to
// DeviceLost now that the controller is Running again.
func (c *Controller) resumeLoss() {
	if p := c.pendingLoss.Swap(nil); p != nil {
		c.DeviceLost(*p)
	}
}

// Reconfigure applies a new configuration. While running, the pipeline is
// restarted with the new analysis parameters and capture is re-bound only
// if the capture section changed. The configured mode replaces the current
// one only if it differs from the previously configured mode, so a mode
// picked with SetMode survives unrelated changes.
func (c *Controller) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	modeChanged := cfg.Mode != c.cfg.Mode
	switch c.State() {
	case Stopped, Failed:
		c.cfg = cfg
		if modeChanged {
			c.mode.Store(int32(cfg.Mode))
		}
		c.refresh()
		return nil
	case Running:
	default:
		return fmt.Errorf("%w: reconfigure while %s", ErrInvalidState, c.State())
	}

	captureChanged := cfg.Capture != c.cfg.Capture
	c.stopWorker()
	c.cfg = cfg
	if modeChanged {
		c.mode.Store(int32(cfg.Mode))
	}

	var err error
	if captureChanged {
		c.unbind()
		err = c.bindWithRetry(c.runCtx, c.cfg.StartRetries)
	} else {
		c.growRing()
	}
	if err == nil {
		err = c.startWorker()
	}
	if err != nil {
		_ = c.release()
		c.setErr(err)
		c.setState(Failed)
		return err
	}
	c.refresh()
	ctlLog.Infof("reconfigured (capture re-bound: %t)", captureChanged)
	return nil
}

// Snapshot returns the current visualizer state. Never nil.
func (c *Controller) Snapshot() *Snapshot { return c.snap.Load() }

// State returns the lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Mode returns the display mode.
func (c *Controller) Mode() Mode { return Mode(c.mode.Load()) }

// LastError returns the most recent lifecycle error, or nil.
func (c *Controller) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) setErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.refresh()
}

// refresh republishes the current snapshot with up-to-date state fields.
func (c *Controller) refresh() { c.publish(func(*Snapshot) {}) }

// publish copies the current snapshot, refreshes its state fields, applies
// update and swaps it in.
func (c *Controller) publish(update func(*Snapshot)) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	var next Snapshot
	if prev := c.snap.Load(); prev != nil {
		next = *prev
	}
	next.State = c.State()
	next.Running = next.State == Running
	next.Mode = c.Mode()
	next.Err = c.LastError()
	update(&next)
	next.Updated = time.Now()
	c.snap.Store(&next)
}

// bindWithRetry binds capture, retrying ErrDeviceUnavailable and
// ErrDeviceLost with exponential backoff up to retries extra attempts.
// Any other error is returned at once.
func (c *Controller) bindWithRetry(ctx context.Context, retries int) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.BackoffInitial
	policy.MaxInterval = c.cfg.BackoffMax
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0

	var (
		attempt int
		last    error
	)
	bind := func() error {
		attempt++
		err := c.bind()
		if err == nil {
			return nil
		}
		if !errors.Is(err, audio.ErrDeviceUnavailable) && !errors.Is(err, audio.ErrDeviceLost) {
			return backoff.Permanent(err)
		}
		last = err
		return err
	}
	notify := func(err error, wait time.Duration) {
		ctlLog.Warnf("bind attempt %d/%d failed: %v (retrying in %s)", attempt, retries+1, err, wait)
	}

	err := backoff.RetryNotify(bind,
		backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx), notify)
	if err != nil && last != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return fmt.Errorf("%w (last error: %w)", err, last)
	}
	return err
}

// growRing swaps in a larger ring when the configured windows no longer
// fit the one bound with capture. Buffered samples are discarded; capture
// keeps running.
func (c *Controller) growRing() {
	minSamples, margin := c.cfg.ringGeometry(c.format)
	if c.ring != nil && c.ring.MaxRead() >= minSamples {
		return
	}
	c.ring = ringbuf.New(minSamples, margin)
	c.sink.ring.Store(c.ring)
	ctlLog.Infof("ring resized to %d samples", c.ring.Cap())
}

// bind starts the capture source and builds the ring, assembler and
// analyzer for the negotiated format.
func (c *Controller) bind() error {
	opts := c.cfg.Capture.Options
	if c.source == nil || c.sourceOf != opts {
		src, err := c.newSource(opts)
		if err != nil {
			return fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
		}
		c.source, c.sourceOf = src, opts
	}

	c.sink.ring.Store(nil)
	c.pendingLoss.Store(nil)
	format, err := c.source.Start(c.cfg.Capture.Format, &c.sink, c.DeviceLost)
	if err != nil {
		return err
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		_ = c.source.Stop()
		return fmt.Errorf("%w: backend reported %s", audio.ErrFormatNegotiation, format)
	}

	minSamples, margin := c.cfg.ringGeometry(format)
	c.ring = ringbuf.New(minSamples, margin)
	c.format = format
	c.sink.ring.Store(c.ring)
	return nil
}

// unbind stops capture. The source object is kept for the next bind.
func (c *Controller) unbind() {
	c.sink.ring.Store(nil)
	if c.source == nil {
		return
	}
	if err := c.source.Stop(); err != nil {
		ctlLog.Warnf("stop %s: %v", c.source, err)
	}
}

// release stops the worker and capture.
func (c *Controller) release() error {
	c.stopWorker()
	c.sink.ring.Store(nil)
	if c.source == nil {
		return nil
	}
	if err := c.source.Stop(); err != nil {
		return fmt.Errorf("stop %s: %w", c.source, err)
	}
	return nil
}

// startWorker builds the assembler and analyzer for the bound format and
// launches the analysis worker.
func (c *Controller) startWorker() error {
	asm, err := frame.New(c.ring, c.cfg.Frame, c.format.SampleRate, c.format.Channels)
	if err != nil {
		return fmt.Errorf("frame assembler: %w", err)
	}
	acfg := c.cfg.Analysis
	acfg.SampleRate = asm.SampleRate()
	an, err := analysis.New(acfg)
	if err != nil {
		return fmt.Errorf("analyzer: %w", err)
	}

	diag := Diagnostics{Source: c.source.String(), Format: c.format}
	c.worker = newWorker(c, c.ring, asm, an, diag)
	c.worker.start()
	return nil
}

func (c *Controller) stopWorker() {
	if c.worker != nil {
		c.worker.stop()
		c.worker = nil
	}
}

// captureSink is what capture backends write into. The ring pointer is
// swapped on every bind; blocks arriving while it is nil are discarded.
type captureSink struct {
	ring atomic.Pointer[ringbuf.Ring]
}

func (s *captureSink) Write(b audio.Block) {
	if r := s.ring.Load(); r != nil {
		r.Write(b.Samples)
	}
}
