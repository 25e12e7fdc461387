// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gordonklaus/portaudio"
)

// fakeDevices replaces the PortAudio device queries for one test.
func fakeDevices(t *testing.T, devices []*portaudio.DeviceInfo, defaultIdx int) {
	t.Helper()
	origDevices, origDefault := paLibDevices, paLibDefaultInputDevice
	t.Cleanup(func() {
		paLibDevices = origDevices
		paLibDefaultInputDevice = origDefault
	})

	paLibDevices = func() ([]*portaudio.DeviceInfo, error) { return devices, nil }
	paLibDefaultInputDevice = func() (*portaudio.DeviceInfo, error) {
		if defaultIdx < 0 {
			return nil, fmt.Errorf("no default input")
		}
		return devices[defaultIdx], nil
	}
}

func testDeviceSet() []*portaudio.DeviceInfo {
	wasapi := &portaudio.HostApiInfo{Name: "Windows WASAPI"}
	mme := &portaudio.HostApiInfo{Name: "MME"}
	return []*portaudio.DeviceInfo{
		{Index: 0, Name: "Microphone (USB)", MaxInputChannels: 1, DefaultSampleRate: 48000, HostApi: mme},
		{Index: 1, Name: "Speakers", MaxOutputChannels: 2, DefaultSampleRate: 48000, HostApi: mme},
		{Index: 2, Name: "Stereo Mix (Realtek)", MaxInputChannels: 2, DefaultSampleRate: 44100, HostApi: mme},
		{Index: 3, Name: "Speakers [Loopback]", MaxInputChannels: 2, DefaultSampleRate: 48000, HostApi: wasapi},
	}
}

func TestLoopbackScore(t *testing.T) {
	devs := testDeviceSet()
	tests := []struct {
		name string
		dev  *portaudio.DeviceInfo
		def  int
		want int
	}{
		{"output only", devs[1], -1, -1},
		{"nil", nil, -1, -1},
		{"plain mic", devs[0], -1, 1},
		{"plain mic default", devs[0], 0, 21},
		{"stereo mix", devs[2], -1, 82},
		{"wasapi loopback", devs[3], -1, 112},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := loopbackScore(tt.dev, tt.def); got != tt.want {
				t.Errorf("loopbackScore = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoopbackDevicePrefersLoopback(t *testing.T) {
	fakeDevices(t, testDeviceSet(), 0)

	dev, err := LoopbackDevice()
	if err != nil {
		t.Fatalf("LoopbackDevice error: %v", err)
	}
	if dev.Index != 3 {
		t.Errorf("picked %q, want the WASAPI loopback device", dev.Name)
	}
}

func TestLoopbackDeviceNoInputs(t *testing.T) {
	fakeDevices(t, []*portaudio.DeviceInfo{{Index: 0, Name: "Speakers", MaxOutputChannels: 2}}, -1)

	if _, err := LoopbackDevice(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("expected ErrDeviceUnavailable, got %v", err)
	}
}

func TestHostDevices(t *testing.T) {
	fakeDevices(t, testDeviceSet(), 0)

	devices, err := HostDevices()
	if err != nil {
		t.Fatalf("HostDevices error: %v", err)
	}
	if len(devices) != 4 {
		t.Fatalf("got %d devices, want 4", len(devices))
	}
	for i, d := range devices {
		if d.ID != i {
			t.Errorf("Device ID mismatch: got %d, want %d", d.ID, i)
		}
	}
	if !devices[0].IsDefaultInput {
		t.Error("device 0 should be marked default input")
	}
	if devices[3].HostAPI != "Windows WASAPI" {
		t.Errorf("HostAPI = %q", devices[3].HostAPI)
	}
}

func TestHostDevices_paDevicesError(t *testing.T) {
	orig := paLibDevices
	defer func() { paLibDevices = orig }()
	paLibDevices = func() ([]*portaudio.DeviceInfo, error) {
		return nil, fmt.Errorf("mock error")
	}

	_, err := HostDevices()
	if err == nil || !strings.Contains(err.Error(), "mock error") {
		t.Errorf("expected mock error, got %v", err)
	}
}

func TestResolveDevice(t *testing.T) {
	fakeDevices(t, testDeviceSet(), 0)

	tests := []struct {
		selector string
		wantIdx  int
		wantErr  string
	}{
		{"", 3, ""},
		{"auto", 3, ""},
		{"default", 0, ""},
		{"2", 2, ""},
		{"stereo", 2, ""},
		{"1", -1, "does not support input"},
		{"-2", -1, "invalid device ID"},
		{"99", -1, "invalid device ID"},
		{"headset", -1, "no input device matching"},
	}
	for _, tt := range tests {
		t.Run(tt.selector, func(t *testing.T) {
			dev, err := ResolveDevice(tt.selector)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Error = %v, want substring %q", err, tt.wantErr)
				}
				if !errors.Is(err, ErrDeviceUnavailable) {
					t.Errorf("error %v does not wrap ErrDeviceUnavailable", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveDevice(%q) error: %v", tt.selector, err)
			}
			if dev.Index != tt.wantIdx {
				t.Errorf("ResolveDevice(%q) = %q, want index %d", tt.selector, dev.Name, tt.wantIdx)
			}
		})
	}
}

func TestNilDevices(t *testing.T) {
	orig := paLibDevices
	defer func() { paLibDevices = orig }()
	paLibDevices = func() ([]*portaudio.DeviceInfo, error) {
		return nil, nil
	}

	devices, err := paDevices()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if devices == nil || len(devices) != 0 {
		t.Errorf("expected empty non-nil slice, got %v", devices)
	}
}

func TestErrorInitialize(t *testing.T) {
	orig := paLibInitialize
	defer func() { paLibInitialize = orig }()

	paLibInitialize = func() error { return nil }
	if err := Initialize(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	paLibInitialize = func() error { return fmt.Errorf("mock init error") }
	if err := Initialize(); err == nil || !strings.Contains(err.Error(), "mock init error") {
		t.Errorf("expected mock init error, got %v", err)
	}
}

func TestErrorTerminate(t *testing.T) {
	orig := paLibTerminate
	defer func() { paLibTerminate = orig }()

	paLibTerminate = func() error { return nil }
	if err := Terminate(); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	paLibTerminate = func() error { return fmt.Errorf("mock term error") }
	if err := Terminate(); err == nil || !strings.Contains(err.Error(), "mock term error") {
		t.Errorf("expected mock term error, got %v", err)
	}
}

func TestNegotiateFallsBackToDeviceDefaults(t *testing.T) {
	orig := paLibIsFormatSupported
	defer func() { paLibIsFormatSupported = orig }()

	// Device only accepts its native 44.1kHz stereo.
	paLibIsFormatSupported = func(p portaudio.StreamParameters, _ ...interface{}) error {
		if p.SampleRate == 44100 && p.Input.Channels == 2 {
			return nil
		}
		return fmt.Errorf("invalid sample rate")
	}

	dev := testDeviceSet()[2]
	dev.DefaultLowInputLatency = 5 * time.Millisecond
	req := Format{SampleRate: 48000, Channels: 1, FramesPerBuffer: 256}

	params, got, err := negotiate(dev, req, true, func([]float32) {})
	if err != nil {
		t.Fatalf("negotiate error: %v", err)
	}
	want := Format{SampleRate: 44100, Channels: 2, FramesPerBuffer: 256}
	if got != want {
		t.Errorf("negotiated %+v, want %+v", got, want)
	}
	if params.Input.Latency != 5*time.Millisecond {
		t.Errorf("low latency not applied: %s", params.Input.Latency)
	}
}

func TestNegotiateFailure(t *testing.T) {
	orig := paLibIsFormatSupported
	defer func() { paLibIsFormatSupported = orig }()
	paLibIsFormatSupported = func(portaudio.StreamParameters, ...interface{}) error {
		return fmt.Errorf("sample format not supported")
	}

	_, _, err := negotiate(testDeviceSet()[3], Format{SampleRate: 48000, Channels: 2}, false, func([]float32) {})
	if !errors.Is(err, ErrFormatNegotiation) {
		t.Errorf("expected ErrFormatNegotiation, got %v", err)
	}

	_, _, err = negotiate(testDeviceSet()[1], Format{SampleRate: 48000, Channels: 2}, false, func([]float32) {})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("output-only device: expected ErrDeviceUnavailable, got %v", err)
	}
}
