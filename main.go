// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"loopviz/cmd"
	"loopviz/internal/config"
	applog "loopviz/internal/log"
	"loopviz/internal/render"
	"loopviz/internal/transport"
	"loopviz/internal/transport/udp"
	"loopviz/internal/visualizer"
	"loopviz/pkg/build"
)

var mainLog = applog.Scope("main")

// failurePoll is how often the supervisor checks for a failed controller.
const failurePoll = 250 * time.Millisecond

// main is the entry point for the visualizer.
// The program flow is divided into three phases:
//
// 1. Startup:
//   - Initialize build information
//   - Parse flags and load the configuration
//   - Bind the capture device and start the analysis worker
//
// 2. Running:
//   - Render loop drawing on every enabled surface
//   - Keyboard input when the terminal surface is on
//   - Configuration file watch
//
// 3. Shutdown:
//   - Quit key, signal or controller failure cancels the group
//   - Surfaces are closed and the terminal restored
//   - Capture is released
func main() {
	if err := build.Initialize(); err != nil {
		applog.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx, run); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", build.GetBuildFlags().Name, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts *cmd.Options) error {
	// ==================== STARTUP ====================

	closeLog, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	vcfg, err := cfg.Visualizer()
	if err != nil {
		return err
	}
	ctl, err := visualizer.New(vcfg, nil)
	if err != nil {
		return err
	}

	surfaces, err := openSurfaces(cfg)
	if err != nil {
		return err
	}
	loop, err := render.NewLoop(ctl, cfg.Render.FPS, surfaces...)
	if err != nil {
		closeSurfaces(surfaces)
		return err
	}

	if err := ctl.Start(ctx); err != nil {
		closeSurfaces(surfaces)
		return fmt.Errorf("start capture: %w", err)
	}
	defer func() {
		if err := ctl.Stop(); err != nil {
			mainLog.Warnf("stop: %v", err)
		}
	}()
	mainLog.Infof("visualizer %s running: %s at %d fps", build.VersionString(), ctl.Mode(), cfg.Render.FPS)

	// ==================== RUNNING ====================

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(gctx) })
	g.Go(func() error { return supervise(gctx, ctl) })
	if cfg.Render.Terminal {
		keys := render.NewKeys(ctl)
		g.Go(func() error { return keys.Run(gctx) })
	}
	if path := cfg.Path(); path != "" {
		current := cfg
		g.Go(func() error {
			err := config.Watch(gctx, path, func(next *config.Config) {
				if reload(ctl, current, next, opts) {
					current = next
				}
			})
			if err != nil {
				mainLog.Warnf("configuration reload disabled: %v", err)
			}
			return nil
		})
	}

	// ==================== SHUTDOWN ====================

	err = g.Wait()
	if errors.Is(err, render.ErrQuit) {
		err = nil
	}
	mainLog.Infof("stopped after %d frames", loop.Frames())
	return err
}

// setupLogging applies the configured level. While the terminal surface
// owns the screen, log lines go to the log file or nowhere.
func setupLogging(cfg *config.Config) (func(), error) {
	if level, ok := applog.ParseLevel(cfg.LogLevel); ok {
		applog.SetLevel(level)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		applog.SetOutput(f)
		return func() {
			applog.SetOutput(os.Stderr)
			_ = f.Close()
		}, nil
	}
	if cfg.Render.Terminal {
		applog.SetOutput(io.Discard)
		return func() { applog.SetOutput(os.Stderr) }, nil
	}
	return func() {}, nil
}

// openSurfaces creates every enabled render surface.
func openSurfaces(cfg *config.Config) ([]render.Surface, error) {
	var surfaces []render.Surface
	fail := func(err error) ([]render.Surface, error) {
		closeSurfaces(surfaces)
		return nil, err
	}

	if cfg.Transport.WSEnabled {
		ws, err := transport.NewWebSocket(cfg.Transport.WSAddress)
		if err != nil {
			return fail(err)
		}
		mainLog.Infof("websocket clients: ws://%s/ws", ws.Addr())
		surfaces = append(surfaces, ws)
	}
	if cfg.Transport.UDPEnabled {
		sender, err := udp.NewUDPSender(cfg.Transport.UDPTargetAddress)
		if err != nil {
			return fail(err)
		}
		pub, err := udp.NewUDPPublisher(sender)
		if err != nil {
			_ = sender.Close()
			return fail(err)
		}
		mainLog.Infof("sending UDP frames to %s", sender.Target())
		surfaces = append(surfaces, pub)
	}
	if cfg.Render.Terminal {
		surfaces = append(surfaces, render.NewTerminal(os.Stdout))
	}

	if len(surfaces) == 0 {
		return nil, fmt.Errorf("%w: no render surface enabled", config.ErrInvalid)
	}
	return surfaces, nil
}

func closeSurfaces(surfaces []render.Surface) {
	for _, s := range surfaces {
		if err := s.Close(); err != nil {
			mainLog.Warnf("close surface: %v", err)
		}
	}
}

// supervise ends the run once the controller has failed for good.
func supervise(ctx context.Context, ctl *visualizer.Controller) error {
	ticker := time.NewTicker(failurePoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctl.State() == visualizer.Failed {
				return fmt.Errorf("visualizer failed: %w", ctl.LastError())
			}
		}
	}
}

// reload applies an edited configuration file and reports whether it was
// taken. Command line flags still win over the file. Render rate and
// surfaces are fixed for the run. The display mode is only replaced when
// the file's mode changed, so a mode picked from the keyboard survives.
func reload(ctl *visualizer.Controller, current, next *config.Config, opts *cmd.Options) bool {
	opts.Apply(next)
	if err := next.Validate(); err != nil {
		mainLog.Warnf("ignoring configuration: %v", err)
		return false
	}
	vcfg, err := next.Visualizer()
	if err != nil {
		mainLog.Warnf("ignoring configuration: %v", err)
		return false
	}
	if level, ok := applog.ParseLevel(next.LogLevel); ok {
		applog.SetLevel(level)
	}
	if next.Render.FPS != current.Render.FPS || next.Transport != current.Transport ||
		next.Render.Terminal != current.Render.Terminal {
		mainLog.Warnf("render and transport changes take effect after a restart")
	}
	if err := ctl.Reconfigure(vcfg); err != nil {
		mainLog.Warnf("reconfigure: %v", err)
		return false
	}
	mainLog.Infof("configuration reloaded")
	return true
}
