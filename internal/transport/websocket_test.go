// SPDX-License-Identifier: MIT
package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"loopviz/internal/analysis"
	"loopviz/internal/audio"
	"loopviz/internal/visualizer"
)

func spectrum(seq uint64, bars ...float64) *visualizer.Snapshot {
	return &visualizer.Snapshot{
		Mode:     visualizer.Spectrum,
		State:    visualizer.Running,
		Running:  true,
		Spectrum: &analysis.SpectrumFrame{Bars: bars, Peaks: bars, Alpha: 1, Seq: seq},
		Diagnostics: visualizer.Diagnostics{
			Source: "loopback",
			Format: audio.Format{SampleRate: 48000, Channels: 2},
			Seq:    seq,
		},
		Updated: time.UnixMilli(1700000000000),
	}
}

func TestNewMessage(t *testing.T) {
	snap := spectrum(3, 0.5, 1)
	snap.Err = errors.New("device lost")
	m := NewMessage(snap)
	if m.Seq != 3 || m.Mode != "spectrum" || m.State != "running" {
		t.Errorf("header fields = %+v", m)
	}
	if len(m.Values) != 2 || len(m.Peaks) != 2 || m.Alpha != 1 {
		t.Errorf("values %v peaks %v alpha %f", m.Values, m.Peaks, m.Alpha)
	}
	if m.SampleRate != 48000 || m.Channels != 2 || m.Source != "loopback" {
		t.Errorf("diagnostics = %+v", m)
	}
	if m.Error != "device lost" || m.Time != 1700000000000 {
		t.Errorf("error %q time %d", m.Error, m.Time)
	}

	empty := NewMessage(&visualizer.Snapshot{})
	if empty.Values == nil {
		t.Error("empty snapshot should encode values as []")
	}

	wave := NewMessage(&visualizer.Snapshot{
		Mode:     visualizer.Waveform,
		Waveform: &analysis.WaveformFrame{Points: []float64{0}, Gain: 4, Alpha: 1},
	})
	if wave.Gain != 4 || wave.Peaks != nil || wave.Waveform != nil {
		t.Errorf("waveform message = %+v", wave)
	}

	both := spectrum(4, 0.5, 1)
	both.Mode = visualizer.Both
	both.Waveform = &analysis.WaveformFrame{Points: []float64{0.1, -0.1, 0}, Gain: 2, Alpha: 1}
	bm := NewMessage(both)
	if bm.Mode != "both" || len(bm.Values) != 2 || len(bm.Peaks) != 2 {
		t.Errorf("both message bars = %+v", bm)
	}
	if len(bm.Waveform) != 3 || bm.Gain != 2 {
		t.Errorf("both message waveform %v gain %f", bm.Waveform, bm.Gain)
	}
}

func TestChangeTracker(t *testing.T) {
	var c changeTracker
	steps := []struct {
		snap *visualizer.Snapshot
		want bool
	}{
		{spectrum(1), true},
		{spectrum(1), false},
		{spectrum(2), true},
		{&visualizer.Snapshot{State: visualizer.Recovering, Diagnostics: visualizer.Diagnostics{Seq: 2}}, true},
	}
	for i, s := range steps {
		if got := c.changed(s.snap); got != s.want {
			t.Errorf("step %d: changed = %t, want %t", i, got, s.want)
		}
	}
}

func dial(t *testing.T, ws *WebSocket) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ws.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for ws.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
	return conn
}

func TestWebSocketBroadcast(t *testing.T) {
	ws, err := NewWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	conn := dial(t, ws)

	// The redraw of frame 1 is not sent again.
	for _, snap := range []*visualizer.Snapshot{spectrum(1, 0.5), spectrum(1, 0.5), spectrum(2, 0.25)} {
		if err := ws.Draw(snap); err != nil {
			t.Fatal(err)
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []Message
	for range 2 {
		var m Message
		if err := conn.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, m)
	}
	if got[0].Seq != 1 || got[1].Seq != 2 || got[1].Values[0] != 0.25 {
		t.Errorf("received %+v", got)
	}
}

func TestWebSocketClose(t *testing.T) {
	ws, err := NewWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	conn := dial(t, ws)

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := ws.Draw(spectrum(1, 0.5)); err == nil {
		t.Error("Draw after Close should fail")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("client still connected after Close")
	}
	if ws.Clients() != 0 {
		t.Errorf("%d clients after Close", ws.Clients())
	}
}

func TestWebSocketClientDisconnect(t *testing.T) {
	ws, err := NewWebSocket("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	conn := dial(t, ws)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for ws.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("disconnected client not removed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewWebSocketBadAddress(t *testing.T) {
	if _, err := NewWebSocket("256.0.0.1:http-nope"); err == nil {
		t.Error("expected listen error")
	}
}
