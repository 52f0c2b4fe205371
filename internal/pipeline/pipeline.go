// Package pipeline runs the per-block detection chain and fans events out
// to sinks.
//
// A Pipeline owns one band-pass filter per channel, the level estimator,
// the threshold schedule, the direction strategy and the event detector.
// Process runs them in that order for one frame. A Runner drives a
// Pipeline from an audio source, publishes the latest Result and hands
// events to a Dispatcher.
package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/floorwatch/internal/audio"
	"github.com/teslashibe/floorwatch/internal/detector"
	"github.com/teslashibe/floorwatch/internal/doa"
	"github.com/teslashibe/floorwatch/internal/dsp"
	"github.com/teslashibe/floorwatch/internal/dsp/filter"
	"github.com/teslashibe/floorwatch/internal/dsp/level"
	"github.com/teslashibe/floorwatch/internal/threshold"
)

// Config configures a Pipeline
type Config struct {
	SampleRate int
	Channels   int

	FilterLowHz  float64
	FilterHighHz float64
	FilterOrder  int

	Level level.Config

	DayThresholdDB   float64
	NightThresholdDB float64

	// DirectionStrategy is doa.StrategyGCCPHAT (default) or doa.StrategyLevel.
	DirectionStrategy string
	DirectionMarginDB float64

	Detector detector.Config
}

// DefaultConfig returns the deployed monitor's settings: stereo 48 kHz,
// 40-250 Hz, a 72 dB calibration offset and 39/34 dB day/night limits.
func DefaultConfig() Config {
	lv := level.DefaultConfig()
	lv.OffsetDB = 72

	return Config{
		SampleRate:        48000,
		Channels:          2,
		FilterLowHz:       40,
		FilterHighHz:      250,
		FilterOrder:       4,
		Level:             lv,
		DayThresholdDB:    39,
		NightThresholdDB:  34,
		DirectionStrategy: doa.StrategyGCCPHAT,
		DirectionMarginDB: doa.DefaultMarginDB,
		Detector:          detector.DefaultConfig(),
	}
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the clock used for thresholds and event times.
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithFrameTime takes time from each frame's Timestamp when it is set, so
// replayed audio is judged at the moment it was recorded.
func WithFrameTime() Option {
	return func(p *Pipeline) { p.frameTime = true }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// Result is the outcome of one frame.
type Result struct {
	Timestamp time.Time       `json:"timestamp"`
	Levels    []level.Reading `json:"levels"`
	// LevelDB and SNRDB are the channel means the detector compared.
	LevelDB   float64         `json:"level_db"`
	SNRDB     float64         `json:"snr_db"`
	Direction *doa.Estimate   `json:"direction,omitempty"`
	Threshold threshold.State `json:"threshold"`
	Triggered bool            `json:"triggered"`
	Event     *detector.Event `json:"event,omitempty"`
	Skipped   bool            `json:"skipped,omitempty"`
}

// Pipeline processes frames for a fixed channel layout. It is not safe for
// concurrent use; frames must arrive in capture order.
type Pipeline struct {
	cfg       Config
	clock     Clock
	frameTime bool
	logger    *slog.Logger

	filters   []*filter.Bandpass
	energy    *level.Estimator
	schedule  *threshold.Schedule
	direction doa.Strategy
	detector  *detector.Detector

	filtered [][]float64
}

// New builds every stage from cfg. Any invalid setting is an ErrConfig.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("pipeline: sample rate %d must be positive: %w", cfg.SampleRate, dsp.ErrConfig)
	}
	if cfg.Channels < 1 || cfg.Channels > 2 {
		return nil, fmt.Errorf("pipeline: channels %d must be 1 or 2: %w", cfg.Channels, dsp.ErrConfig)
	}

	p := &Pipeline{
		cfg:      cfg,
		clock:    ClockFunc(time.Now),
		logger:   slog.Default(),
		filters:  make([]*filter.Bandpass, cfg.Channels),
		filtered: make([][]float64, cfg.Channels),
	}
	for _, opt := range opts {
		opt(p)
	}

	fs := float64(cfg.SampleRate)
	for c := range p.filters {
		bp, err := filter.NewBandpass(cfg.FilterLowHz, cfg.FilterHighHz, fs, cfg.FilterOrder)
		if err != nil {
			return nil, err
		}
		p.filters[c] = bp
	}

	var err error
	if p.energy, err = level.NewEstimator(cfg.Level); err != nil {
		return nil, err
	}
	if p.schedule, err = threshold.New(cfg.DayThresholdDB, cfg.NightThresholdDB); err != nil {
		return nil, err
	}
	if cfg.Channels == 2 {
		// Phase weighting is restricted to the filter band; bins outside it
		// carry only block-edge artifacts.
		p.direction, err = doa.New(cfg.DirectionStrategy, fs, cfg.DirectionMarginDB,
			doa.WithBand(cfg.FilterLowHz, cfg.FilterHighHz))
		if err != nil {
			return nil, err
		}
	}
	if p.detector, err = detector.New(cfg.Detector); err != nil {
		return nil, err
	}

	return p, nil
}

// Process runs one frame through the chain. Overflowed frames are skipped
// without touching any state. Frames that do not match the configured
// layout are rejected with an ErrInput, also before any state changes.
func (p *Pipeline) Process(frame audio.Frame) (Result, error) {
	now := p.now(frame)
	if frame.Overflowed {
		p.logger.Debug("skipping overflowed frame", "timestamp", frame.Timestamp)
		return Result{Timestamp: now, Skipped: true}, nil
	}
	if err := p.check(frame); err != nil {
		return Result{}, err
	}

	n := frame.Len()
	readings := make([]level.Reading, len(frame.Channels))
	var sumDB, sumSNR float64
	for c, block := range frame.Channels {
		if cap(p.filtered[c]) < n {
			p.filtered[c] = make([]float64, n)
		}
		out := p.filtered[c][:n]
		if err := p.filters[c].Process(out, block); err != nil {
			return Result{}, err
		}
		r, err := p.energy.Measure(c, out)
		if err != nil {
			return Result{}, err
		}
		readings[c] = r
		sumDB += r.DB
		sumSNR += r.SNR
	}

	res := Result{
		Timestamp: now,
		Levels:    readings,
		LevelDB:   sumDB / float64(len(readings)),
		SNRDB:     sumSNR / float64(len(readings)),
		Threshold: p.schedule.Resolve(now),
	}

	if p.direction != nil {
		est, err := p.direction.Estimate(doa.Input{
			Left:       p.filtered[0][:n],
			Right:      p.filtered[1][:n],
			LeftDB:     readings[0].DB,
			RightDB:    readings[1].DB,
			SampleRate: float64(frame.SampleRate),
		})
		if err != nil {
			p.logger.Warn("direction estimate failed", "error", err)
		} else {
			res.Direction = &est
		}
	}

	in := detector.Input{
		Levels:    readings,
		LevelDB:   res.LevelDB,
		SNRDB:     res.SNRDB,
		Threshold: res.Threshold,
		Direction: res.Direction,
	}
	res.Triggered = p.detector.Triggered(in)
	if ev, ok := p.detector.Update(in, now); ok {
		res.Event = &ev
		p.logger.Debug("event detected",
			"level_db", ev.LevelDB,
			"threshold_db", ev.ThresholdDB,
			"direction", ev.Direction,
			"period", ev.Period,
		)
	}
	return res, nil
}

func (p *Pipeline) check(frame audio.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	if len(frame.Channels) != p.cfg.Channels {
		return fmt.Errorf("pipeline: frame has %d channels, configured for %d: %w", len(frame.Channels), p.cfg.Channels, dsp.ErrInput)
	}
	if frame.SampleRate != p.cfg.SampleRate {
		return fmt.Errorf("pipeline: frame sample rate %d, configured for %d: %w", frame.SampleRate, p.cfg.SampleRate, dsp.ErrInput)
	}
	return nil
}

func (p *Pipeline) now(frame audio.Frame) time.Time {
	if p.frameTime && !frame.Timestamp.IsZero() {
		return frame.Timestamp
	}
	return p.clock.Now()
}

// Threshold returns the limit in force now.
func (p *Pipeline) Threshold() threshold.State {
	return p.schedule.Resolve(p.clock.Now())
}

// Recent returns the detector's event log, oldest first.
func (p *Pipeline) Recent() []detector.Event {
	return p.detector.Recent()
}

// DetectorState returns the detector state.
func (p *Pipeline) DetectorState() detector.State {
	return p.detector.State()
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// DirectionStrategy returns the active strategy name, empty for mono.
func (p *Pipeline) DirectionStrategy() string {
	if p.direction == nil {
		return ""
	}
	return p.direction.Name()
}

// Reset clears filter memory and the detector.
func (p *Pipeline) Reset() {
	for _, f := range p.filters {
		f.Reset()
	}
	p.detector.Reset()
}
