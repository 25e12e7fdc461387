// SPDX-License-Identifier: MIT
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	applog "loopviz/internal/log"

	"github.com/go-audio/wav"
	gomp3 "github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

var fileLog = applog.Scope("file")

// FileSource replays a decoded audio file in real time, looping at the end.
// The file's own rate and channel count always win negotiation; only the
// requested block size is honoured.
type FileSource struct {
	Path string

	mu     sync.Mutex
	pacer  *pacer
	format Format
}

// NewFileSource creates a replay source for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

func (s *FileSource) String() string { return "file:" + filepath.Base(s.Path) }

// Start decodes the whole file and begins pacing it into sink.
func (s *FileSource) Start(req Format, sink Sink, _ LostFunc) (Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacer != nil {
		return s.format, fmt.Errorf("file source already started")
	}

	samples, native, err := DecodeFile(s.Path)
	if err != nil {
		return Format{}, err
	}
	native.FramesPerBuffer = req.FramesPerBuffer
	if native.FramesPerBuffer <= 0 {
		native.FramesPerBuffer = 512
	}

	pos := 0
	fill := func(dst []float32) {
		for i := range dst {
			dst[i] = samples[pos]
			pos++
			if pos == len(samples) {
				pos = 0
			}
		}
	}

	s.format = native
	s.pacer = newPacer(native, sink, fill)
	s.pacer.start()
	fileLog.Infof("replaying %s (%s, %d frames)", s.Path, native, len(samples)/native.Channels)
	return native, nil
}

// Stop halts playback pacing.
func (s *FileSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pacer == nil {
		return nil
	}
	s.pacer.stop()
	s.pacer = nil
	return nil
}

// DecodeFile decodes a WAV, MP3 or Ogg Vorbis file into interleaved float32
// samples in [-1, 1]. The decoder is chosen by file extension.
func DecodeFile(path string) ([]float32, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	defer f.Close()

	var (
		samples []float32
		format  Format
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav", ".wave":
		samples, format, err = decodeWAV(f)
	case ".mp3":
		samples, format, err = decodeMP3(f)
	case ".ogg", ".oga":
		samples, format, err = decodeVorbis(f)
	default:
		return nil, Format{}, fmt.Errorf("%w: unsupported file type %q", ErrFormatNegotiation, ext)
	}
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: decode %s: %w", ErrFormatNegotiation, path, err)
	}
	if len(samples) < format.Channels || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, Format{}, fmt.Errorf("%w: %s contains no audio", ErrFormatNegotiation, path)
	}
	samples = samples[:len(samples)-len(samples)%format.Channels]
	return samples, format, nil
}

func decodeWAV(r io.ReadSeeker) ([]float32, Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, Format{}, errors.New("not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, err
	}

	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	scale := float32(int64(1) << (depth - 1))

	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return samples, Format{SampleRate: float64(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// decodeMP3 reads go-mp3's 16-bit little-endian stereo output.
func decodeMP3(r io.Reader) ([]float32, Format, error) {
	dec, err := gomp3.NewDecoder(r)
	if err != nil {
		return nil, Format{}, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, Format{}, err
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		v := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		samples[i] = float32(v) / 32768
	}
	return samples, Format{SampleRate: float64(dec.SampleRate()), Channels: 2}, nil
}

func decodeVorbis(r io.Reader) ([]float32, Format, error) {
	samples, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, Format{}, err
	}
	return samples, Format{SampleRate: float64(format.SampleRate), Channels: format.Channels}, nil
}

var _ Source = (*FileSource)(nil)
