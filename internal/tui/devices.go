// SPDX-License-Identifier: MIT

// Package tui holds the interactive device picker.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loopviz/internal/audio"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5"))

	highlightStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#25A065")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#707070"))
)

var (
	keyQuit   = key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit"))
	keyUp     = key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up"))
	keyDown   = key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down"))
	keySelect = key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "select"))
)

// linesPerDevice is the height of one entry in renderDevices.
const linesPerDevice = 3

// DeviceFetcher lists the host's devices. audio.HostDevices in production.
type DeviceFetcher func() ([]audio.Device, error)

type devicesMsg struct {
	devices []audio.Device
}

type errMsg struct {
	err error
}

// DevicePicker is a Bubble Tea model listing capture devices with their
// loopback score. The best loopback candidate is preselected; enter picks
// the highlighted device if it can capture.
type DevicePicker struct {
	fetch         DeviceFetcher
	devices       []audio.Device
	selectedIndex int
	viewport      viewport.Model
	ready         bool
	err           error
	notice        string
	chosen        *audio.Device
}

// NewDevicePicker creates a picker that lists devices from fetch.
func NewDevicePicker(fetch DeviceFetcher) DevicePicker {
	return DevicePicker{fetch: fetch}
}

// Init starts fetching the device list.
func (m DevicePicker) Init() tea.Cmd {
	return m.fetchDevices
}

func (m DevicePicker) fetchDevices() tea.Msg {
	devices, err := m.fetch()
	if err != nil {
		return errMsg{err}
	}
	return devicesMsg{devices}
}

// Update handles input and updates the model.
func (m DevicePicker) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-4)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - 4
		}
		m.refresh()

	case devicesMsg:
		m.devices = msg.devices
		m.selectedIndex = bestLoopback(m.devices)
		m.refresh()

	case errMsg:
		m.err = msg.err

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			return m, tea.Quit
		case m.err != nil:
			return m, tea.Quit
		case key.Matches(msg, keyUp):
			if m.selectedIndex > 0 {
				m.selectedIndex--
				m.notice = ""
				m.refresh()
			}
		case key.Matches(msg, keyDown):
			if m.selectedIndex < len(m.devices)-1 {
				m.selectedIndex++
				m.notice = ""
				m.refresh()
			}
		case key.Matches(msg, keySelect):
			if len(m.devices) == 0 {
				break
			}
			d := m.devices[m.selectedIndex]
			if d.MaxInputChannels <= 0 {
				m.notice = fmt.Sprintf("%s has no input channels", d.Name)
				break
			}
			m.chosen = &d
			return m, tea.Quit
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// refresh re-renders the list and scrolls the selection into view.
func (m *DevicePicker) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderDevices())
	top := m.selectedIndex * linesPerDevice
	switch {
	case top < m.viewport.YOffset:
		m.viewport.SetYOffset(top)
	case top+linesPerDevice > m.viewport.YOffset+m.viewport.Height:
		m.viewport.SetYOffset(top + linesPerDevice - m.viewport.Height)
	}
}

// View renders the UI.
func (m DevicePicker) View() string {
	if m.err != nil {
		return fmt.Sprintf("Error: %v\n\nPress any key to exit.", m.err)
	}
	if !m.ready {
		return "Initializing..."
	}

	title := titleStyle.Render("Capture Device")
	help := infoStyle.Render(fmt.Sprintf("%s: Navigate • %s: Select • %s: Quit",
		"↑/↓", keySelect.Help().Key, keyQuit.Help().Key))
	if m.notice != "" {
		help = highlightStyle.Render(m.notice) + "\n" + help
	}
	return fmt.Sprintf("%s\n\n%s\n\n%s", title, m.viewport.View(), help)
}

// renderDevices formats the device list.
func (m DevicePicker) renderDevices() string {
	if len(m.devices) == 0 {
		return "No audio devices found."
	}

	var sb strings.Builder
	for i, d := range m.devices {
		marker := " "
		if d.IsDefaultInput {
			marker = "*"
		}
		entry := fmt.Sprintf("%s[%d] %s (%s)\n", marker, d.ID, d.Name, d.HostAPI)
		entry += fmt.Sprintf("    in %d ch, out %d ch, %.0f Hz, loopback score %d\n",
			d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, d.LoopbackScore)

		switch {
		case i == m.selectedIndex:
			entry = highlightStyle.Render(entry)
		case d.MaxInputChannels <= 0:
			entry = dimStyle.Render(entry)
		}
		sb.WriteString(entry)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Chosen returns the selected device, if the user picked one.
func (m DevicePicker) Chosen() (audio.Device, bool) {
	if m.chosen == nil {
		return audio.Device{}, false
	}
	return *m.chosen, true
}

// bestLoopback returns the index of the highest scoring device.
func bestLoopback(devices []audio.Device) int {
	best, bestScore := 0, -1
	for i, d := range devices {
		if d.LoopbackScore > bestScore {
			best, bestScore = i, d.LoopbackScore
		}
	}
	return best
}

// PickDevice runs the picker full screen and returns the chosen device.
// ok is false if the user quit without choosing.
func PickDevice(fetch DeviceFetcher) (audio.Device, bool, error) {
	p := tea.NewProgram(NewDevicePicker(fetch), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return audio.Device{}, false, err
	}
	d, ok := final.(DevicePicker).Chosen()
	return d, ok, nil
}
