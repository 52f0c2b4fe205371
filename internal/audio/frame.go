// Package audio delivers synchronized sample blocks from capture devices and files.
package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// ErrClosed is returned by Next once a source has been closed.
var ErrClosed = errors.New("audio: source closed")

// Frame is one block per channel, captured over the same time window.
// Samples are in the source's native amplitude units.
type Frame struct {
	Channels   [][]float64
	SampleRate int
	Timestamp  time.Time
	// Overflowed is set when input preceding this frame was dropped.
	Overflowed bool
}

// Len returns the per-channel block length.
func (f Frame) Len() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return len(f.Channels[0])
}

// Validate reports an ErrInput for frames no pipeline can process: no
// channels, empty or ragged blocks, a non-positive sample rate, or NaN and
// infinite samples, which would otherwise stick in the filter state.
func (f Frame) Validate() error {
	if len(f.Channels) == 0 {
		return fmt.Errorf("audio: frame has no channels: %w", dsp.ErrInput)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("audio: sample rate %d must be positive: %w", f.SampleRate, dsp.ErrInput)
	}
	n := len(f.Channels[0])
	if n == 0 {
		return fmt.Errorf("audio: empty block: %w", dsp.ErrInput)
	}
	for i, ch := range f.Channels[1:] {
		if len(ch) != n {
			return fmt.Errorf("audio: channel %d has %d samples, channel 0 has %d: %w", i+1, len(ch), n, dsp.ErrInput)
		}
	}
	for c, ch := range f.Channels {
		for i, v := range ch {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("audio: channel %d sample %d is %g: %w", c, i, v, dsp.ErrInput)
			}
		}
	}
	return nil
}

// Source delivers frames in capture order.
type Source interface {
	// Next blocks until a frame is available, ctx is done or the source
	// ends. Exhausted sources return io.EOF.
	Next(ctx context.Context) (Frame, error)
	Close() error
}
