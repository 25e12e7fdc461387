// SPDX-License-Identifier: MIT
package render

import (
	"context"
	"errors"
	"fmt"

	"github.com/eiannone/keyboard"

	applog "loopviz/internal/log"
	"loopviz/internal/visualizer"
)

var keysLog = applog.Scope("keys")

// ErrQuit is returned by Keys.Run when the user asks to leave.
var ErrQuit = errors.New("render: quit requested")

// Swapped in tests.
var (
	keyboardGetKeys = keyboard.GetKeys
	keyboardClose   = keyboard.Close
)

// Controls is the part of the controller the hotkeys drive.
type Controls interface {
	Mode() visualizer.Mode
	SetMode(visualizer.Mode) error
}

// Keys maps key presses to controller actions: m toggles the display mode,
// q, Esc and Ctrl-C quit.
type Keys struct {
	ctl Controls
}

func NewKeys(ctl Controls) *Keys {
	return &Keys{ctl: ctl}
}

// Handle applies one key press and returns ErrQuit for the quit keys.
func (k *Keys) Handle(char rune, key keyboard.Key) error {
	switch {
	case key == keyboard.KeyEsc || key == keyboard.KeyCtrlC:
		return ErrQuit
	case char == 'q' || char == 'Q':
		return ErrQuit
	case char == 'm' || char == 'M' || key == keyboard.KeyTab:
		k.setMode(k.ctl.Mode().Toggle())
	case char == '1':
		k.setMode(visualizer.Waveform)
	case char == '2':
		k.setMode(visualizer.Spectrum)
	case char == '3':
		k.setMode(visualizer.Both)
	}
	return nil
}

func (k *Keys) setMode(next visualizer.Mode) {
	if err := k.ctl.SetMode(next); err != nil {
		keysLog.Debugf("mode switch ignored: %v", err)
		return
	}
	keysLog.Infof("mode: %s", next)
}

// Run reads the keyboard until ctx is done or a quit key is pressed. If
// the terminal has no keyboard it waits for ctx.
func (k *Keys) Run(ctx context.Context) error {
	events, err := keyboardGetKeys(16)
	if err != nil {
		keysLog.Warnf("keyboard input disabled: %v", err)
		<-ctx.Done()
		return nil
	}
	defer func() { _ = keyboardClose() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if ev.Err != nil {
				return fmt.Errorf("read key: %w", ev.Err)
			}
			if err := k.Handle(ev.Rune, ev.Key); err != nil {
				return err
			}
		}
	}
}
