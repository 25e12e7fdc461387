// SPDX-License-Identifier: MIT
package audio

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// PortAudio entry points, swapped in tests.
var (
	paLibInitialize         = portaudio.Initialize
	paLibTerminate          = portaudio.Terminate
	paLibDevices            = portaudio.Devices
	paLibDefaultInputDevice = portaudio.DefaultInputDevice
	paLibIsFormatSupported  = portaudio.IsFormatSupported
)

// Initialize sets up the PortAudio subsystem. Calls nest and must be paired
// with Terminate.
func Initialize() error {
	if err := paLibInitialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return nil
}

// Terminate releases one Initialize reference.
func Terminate() error {
	if err := paLibTerminate(); err != nil {
		return fmt.Errorf("failed to terminate PortAudio: %w", err)
	}
	return nil
}

// Device is a PortAudio device annotated with its loopback suitability.
type Device struct {
	ID                int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	LoopbackScore     int
}

// loopbackHints are matched against lower-cased device names in order; the
// first hit decides the name bonus.
var loopbackHints = []struct {
	keyword string
	bonus   int
}{
	{"loopback", 100},
	{"monitor", 90},
	{"stereo mix", 80},
	{"what u hear", 80},
	{"wave out mix", 70},
	{"wasapi", 60},
	{"primary sound capture", 40},
}

// loopbackScore ranks an input device; -1 means it cannot capture at all.
func loopbackScore(d *portaudio.DeviceInfo, defaultIndex int) int {
	if d == nil || d.MaxInputChannels <= 0 {
		return -1
	}
	name := strings.ToLower(d.Name)
	score := min(d.MaxInputChannels, 8)
	for _, hint := range loopbackHints {
		if strings.Contains(name, hint.keyword) {
			score += hint.bonus
			break
		}
	}
	if d.HostApi != nil && strings.Contains(strings.ToLower(d.HostApi.Name), "wasapi") {
		score += 10
	}
	if d.Index == defaultIndex {
		score += 20
	}
	return score
}

// HostDevices returns every PortAudio device with its loopback score.
// PortAudio must be initialized.
func HostDevices() ([]Device, error) {
	infos, err := paDevices()
	if err != nil {
		return nil, err
	}
	defaultIndex := defaultInputIndex()

	devices := make([]Device, len(infos))
	for i, info := range infos {
		d := Device{
			ID:                i,
			Name:              info.Name,
			MaxInputChannels:  info.MaxInputChannels,
			MaxOutputChannels: info.MaxOutputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefaultInput:    info.Index == defaultIndex,
			LoopbackScore:     loopbackScore(info, defaultIndex),
		}
		if info.HostApi != nil {
			d.HostAPI = info.HostApi.Name
		}
		devices[i] = d
	}
	return devices, nil
}

// LoopbackDevice picks the input device most likely to carry the output mix.
func LoopbackDevice() (*portaudio.DeviceInfo, error) {
	infos, err := paDevices()
	if err != nil {
		return nil, err
	}
	defaultIndex := defaultInputIndex()

	type scored struct {
		dev   *portaudio.DeviceInfo
		score int
	}
	candidates := make([]scored, 0, len(infos))
	for _, d := range infos {
		if s := loopbackScore(d, defaultIndex); s >= 0 {
			candidates = append(candidates, scored{d, s})
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no input-capable devices", ErrDeviceUnavailable)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score == candidates[j].score {
			return strings.ToLower(candidates[i].dev.Name) < strings.ToLower(candidates[j].dev.Name)
		}
		return candidates[i].score > candidates[j].score
	})
	return candidates[0].dev, nil
}

// InputDevice returns the device with the given ID, or the default input
// device for -1.
func InputDevice(deviceID int) (*portaudio.DeviceInfo, error) {
	if deviceID == -1 {
		device, err := paLibDefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return device, nil
	}

	devices, err := paDevices()
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID >= len(devices) {
		return nil, fmt.Errorf("%w: invalid device ID: %d", ErrDeviceUnavailable, deviceID)
	}
	device := devices[deviceID]
	if device.MaxInputChannels <= 0 {
		return nil, fmt.Errorf("%w: device %d (%s) does not support input", ErrDeviceUnavailable, deviceID, device.Name)
	}
	return device, nil
}

// ResolveDevice maps a user selector to a device: "" or "auto" scores for a
// loopback device, "default" is the default input, a number is a device ID
// and anything else matches a name substring.
func ResolveDevice(selector string) (*portaudio.DeviceInfo, error) {
	selector = strings.TrimSpace(selector)
	switch strings.ToLower(selector) {
	case "", "auto":
		return LoopbackDevice()
	case "default":
		return InputDevice(-1)
	}
	if id, err := strconv.Atoi(selector); err == nil {
		return InputDevice(id)
	}

	devices, err := paDevices()
	if err != nil {
		return nil, err
	}
	want := strings.ToLower(selector)
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no input device matching %q", ErrDeviceUnavailable, selector)
}

func defaultInputIndex() int {
	if def, err := paLibDefaultInputDevice(); err == nil && def != nil {
		return def.Index
	}
	return -1
}

// paDevices wraps paLibDevices and never returns a nil slice without error.
func paDevices() ([]*portaudio.DeviceInfo, error) {
	devices, err := paLibDevices()
	if err != nil {
		return nil, fmt.Errorf("list audio devices: %w", err)
	}
	if devices == nil {
		devices = []*portaudio.DeviceInfo{}
	}
	return devices, nil
}
