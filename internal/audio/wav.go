package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// WAVSource replays a PCM WAV file as fixed-size frames. The trailing
// partial block is zero-padded.
type WAVSource struct {
	file      *os.File
	decoder   *wav.Decoder
	blockSize int
	channels  int
	rate      int
	bitDepth  int

	realtime bool
	start    time.Time
	buf      *goaudio.IntBuffer
	frames   int64
	done     bool
}

// WAVOption configures a WAVSource.
type WAVOption func(*WAVSource)

// WithRealtime paces frames at the file's sample rate instead of as fast
// as they are read.
func WithRealtime() WAVOption {
	return func(s *WAVSource) { s.realtime = true }
}

// WithStartTime sets the timestamp of the first frame. Defaults to the
// time the file was opened.
func WithStartTime(t time.Time) WAVOption {
	return func(s *WAVSource) { s.start = t }
}

// OpenWAV opens a 16, 24 or 32-bit mono or stereo WAV file.
func OpenWAV(path string, blockSize int, opts ...WAVOption) (*WAVSource, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("audio: block size %d must be positive: %w", blockSize, dsp.ErrConfig)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open wav: %w", err)
	}

	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("audio: %s is not a valid WAV file: %w", path, dsp.ErrInput)
	}

	s := &WAVSource{
		file:      file,
		decoder:   decoder,
		blockSize: blockSize,
		channels:  int(decoder.NumChans),
		rate:      int(decoder.SampleRate),
		bitDepth:  int(decoder.BitDepth),
		start:     time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.channels < 1 || s.channels > 2 {
		file.Close()
		return nil, fmt.Errorf("audio: %d channels unsupported, need 1 or 2: %w", s.channels, dsp.ErrInput)
	}
	switch s.bitDepth {
	case 16, 24, 32:
	default:
		file.Close()
		return nil, fmt.Errorf("audio: %d-bit WAV unsupported: %w", s.bitDepth, dsp.ErrInput)
	}

	s.buf = &goaudio.IntBuffer{
		Data:   make([]int, blockSize*s.channels),
		Format: &goaudio.Format{SampleRate: s.rate, NumChannels: s.channels},
	}
	return s, nil
}

// SampleRate returns the file's sample rate.
func (s *WAVSource) SampleRate() int { return s.rate }

// Channels returns the file's channel count.
func (s *WAVSource) Channels() int { return s.channels }

// BitDepth returns the file's sample width in bits.
func (s *WAVSource) BitDepth() int { return s.bitDepth }

// FullScale returns the maximum sample magnitude for the file's bit depth.
func (s *WAVSource) FullScale() float64 {
	switch s.bitDepth {
	case 24:
		return 8388608
	case 32:
		return 2147483647
	}
	return 32768
}

// Next implements Source.
func (s *WAVSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.done {
		return Frame{}, io.EOF
	}

	n, err := s.decoder.PCMBuffer(s.buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return Frame{}, fmt.Errorf("audio: read wav: %w", err)
	}
	if n == 0 {
		s.done = true
		return Frame{}, io.EOF
	}
	if n < len(s.buf.Data) {
		s.done = true
	}

	channels := NewChannels(s.channels, s.blockSize)
	deinterleaveInts(channels, s.buf.Data[:n-n%s.channels])

	offset := time.Duration(float64(s.frames) / float64(s.rate) * float64(time.Second))
	ts := s.start.Add(offset)
	s.frames += int64(s.blockSize)

	if s.realtime {
		if err := sleepUntil(ctx, ts); err != nil {
			return Frame{}, err
		}
	}

	return Frame{
		Channels:   channels,
		SampleRate: s.rate,
		Timestamp:  ts,
	}, nil
}

// Close implements Source.
func (s *WAVSource) Close() error {
	s.done = true
	return s.file.Close()
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
