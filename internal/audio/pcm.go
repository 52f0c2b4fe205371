package audio

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/teslashibe/floorwatch/internal/dsp"
	"github.com/teslashibe/floorwatch/internal/dsp/level"
)

// Format is an interleaved little-endian PCM sample encoding.
type Format string

const (
	FormatS16 Format = "s16"
	FormatS32 Format = "s32"
)

// ParseFormat accepts "s16", "s16le" or "S16_LE" and the s32 equivalents,
// case-insensitive.
func ParseFormat(s string) (Format, error) {
	switch strings.TrimSuffix(strings.TrimSuffix(strings.ToLower(s), "le"), "_") {
	case "s16":
		return FormatS16, nil
	case "s32":
		return FormatS32, nil
	}
	return "", fmt.Errorf("audio: unsupported sample format %q: %w", s, dsp.ErrConfig)
}

// BytesPerSample returns the size of one sample.
func (f Format) BytesPerSample() int {
	if f == FormatS32 {
		return 4
	}
	return 2
}

// FullScale returns the maximum sample magnitude of the encoding.
func (f Format) FullScale() float64 {
	if f == FormatS32 {
		return level.FullScaleInt32
	}
	return level.FullScaleInt16
}

// Deinterleave decodes whole frames of data into dst, one slice per channel,
// and returns the number of samples written per channel.
func Deinterleave(dst [][]float64, data []byte, format Format) (int, error) {
	channels := len(dst)
	if channels == 0 {
		return 0, fmt.Errorf("audio: no destination channels: %w", dsp.ErrInput)
	}
	width := format.BytesPerSample()
	stride := width * channels
	if len(data)%stride != 0 {
		return 0, fmt.Errorf("audio: %d bytes is not a whole number of %d-byte frames: %w", len(data), stride, dsp.ErrInput)
	}
	frames := len(data) / stride
	for c, ch := range dst {
		if len(ch) < frames {
			return 0, fmt.Errorf("audio: channel %d holds %d samples, need %d: %w", c, len(ch), frames, dsp.ErrInput)
		}
	}

	for i := 0; i < frames; i++ {
		off := i * stride
		for c := range dst {
			p := data[off+c*width:]
			if format == FormatS32 {
				dst[c][i] = float64(int32(binary.LittleEndian.Uint32(p)))
			} else {
				dst[c][i] = float64(int16(binary.LittleEndian.Uint16(p)))
			}
		}
	}
	return frames, nil
}

// deinterleaveInts splits interleaved integer samples into dst.
func deinterleaveInts(dst [][]float64, data []int) int {
	channels := len(dst)
	frames := len(data) / channels
	for i := 0; i < frames; i++ {
		for c := range dst {
			dst[c][i] = float64(data[i*channels+c])
		}
	}
	return frames
}

// NewChannels allocates a frame body of channels blocks of n samples.
func NewChannels(channels, n int) [][]float64 {
	backing := make([]float64, channels*n)
	out := make([][]float64, channels)
	for c := range out {
		out[c] = backing[c*n : (c+1)*n : (c+1)*n]
	}
	return out
}
