package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/floorwatch/internal/audio"
	"github.com/teslashibe/floorwatch/internal/detector"
)

// Observer is told about every processed frame.
type Observer interface {
	ObserveResult(r Result, elapsed time.Duration)
	ObserveInputError()
}

// Runner drives a Pipeline. Frames arrive either through HandleFrame on
// the capture thread or from a Source in Run; both paths are serialized.
type Runner struct {
	pipeline   *Pipeline
	dispatcher *Dispatcher
	observer   Observer
	logger     *slog.Logger

	// procMu serializes frames; the pipeline state belongs to whoever holds it.
	procMu sync.Mutex
	latest Latest

	// Metrics
	frames      atomic.Uint64
	skipped     atomic.Uint64
	inputErrors atomic.Uint64
	events      atomic.Uint64
	totalProcNs atomic.Int64
	startedAt   time.Time

	// Lifecycle
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	// Subscribers for real-time updates
	subsMu sync.RWMutex
	subs   map[chan Result]struct{}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithObserver attaches an Observer, typically the metrics collector.
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// NewRunner creates a runner. dispatcher may be nil when no sinks are
// configured.
func NewRunner(p *Pipeline, dispatcher *Dispatcher, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		pipeline:   p,
		dispatcher: dispatcher,
		logger:     logger,
		startedAt:  time.Now(),
		subs:       make(map[chan Result]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleFrame processes one frame. It is safe to call from an audio
// callback: sink delivery and subscribers never block it.
func (r *Runner) HandleFrame(frame audio.Frame) (Result, error) {
	r.procMu.Lock()
	start := time.Now()
	res, err := r.pipeline.Process(frame)
	elapsed := time.Since(start)
	r.procMu.Unlock()

	if err != nil {
		r.inputErrors.Add(1)
		if r.observer != nil {
			r.observer.ObserveInputError()
		}
		r.logger.Warn("frame rejected", "error", err)
		return Result{}, err
	}

	r.frames.Add(1)
	if res.Skipped {
		r.skipped.Add(1)
	} else {
		r.totalProcNs.Add(elapsed.Nanoseconds())
		r.latest.Store(res)
	}
	if r.observer != nil {
		r.observer.ObserveResult(res, elapsed)
	}

	if res.Event != nil {
		r.events.Add(1)
		r.logger.Info("impact detected",
			"id", res.Event.ID,
			"level_db", res.Event.LevelDB,
			"threshold_db", res.Event.ThresholdDB,
			"snr_db", res.Event.SNRDB,
			"direction", res.Event.Direction,
			"period", res.Event.Period,
		)
		if r.dispatcher != nil {
			r.dispatcher.Dispatch(*res.Event)
		}
	}

	if !res.Skipped {
		r.notifySubscribers(res)
	}
	if n := r.frames.Load(); n%500 == 0 {
		r.logger.Debug("runner progress",
			"frames", n,
			"level_db", res.LevelDB,
			"threshold_db", res.Threshold.ThresholdDB,
		)
	}
	return res, nil
}

// Run pulls frames from src until it is exhausted or ctx is cancelled
// (blocking, use goroutine). Rejected frames are logged and skipped.
func (r *Runner) Run(ctx context.Context, src audio.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.lifeMu.Lock()
	r.cancel, r.done = cancel, done
	r.lifeMu.Unlock()

	defer close(done)
	defer cancel()

	cfg := r.pipeline.Config()
	r.logger.Info("runner started",
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"band_hz", fmt.Sprintf("%g-%g", cfg.FilterLowHz, cfg.FilterHighHz),
		"direction", r.pipeline.DirectionStrategy(),
	)
	defer func() {
		r.logger.Info("runner stopped",
			"frames", r.frames.Load(),
			"skipped", r.skipped.Load(),
			"input_errors", r.inputErrors.Load(),
			"events", r.events.Load(),
		)
	}()

	for {
		frame, err := src.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, audio.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("pipeline: read frame: %w", err)
		}

		// Input errors are counted in HandleFrame and never end the loop.
		_, _ = r.HandleFrame(frame)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (r *Runner) notifySubscribers(res Result) {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	for ch := range r.subs {
		select {
		case ch <- res:
		default:
			// Drop if subscriber is slow
		}
	}
}

// Subscribe returns a channel that receives every processed Result
func (r *Runner) Subscribe() chan Result {
	ch := make(chan Result, 10)

	r.subsMu.Lock()
	r.subs[ch] = struct{}{}
	r.subsMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber
func (r *Runner) Unsubscribe(ch chan Result) {
	r.subsMu.Lock()
	if _, exists := r.subs[ch]; exists {
		delete(r.subs, ch)
		close(ch)
	}
	r.subsMu.Unlock()
}

// Latest returns the most recent processed Result
func (r *Runner) Latest() (Result, bool) {
	return r.latest.Load()
}

// LatestSeq counts published Results; it changes whenever Latest does
func (r *Runner) LatestSeq() uint64 {
	return r.latest.Seq()
}

// Recent returns the detector's event log, oldest first
func (r *Runner) Recent() []detector.Event {
	return r.pipeline.Recent()
}

// Pipeline returns the driven pipeline. Its processing methods must not be
// called directly while the runner is active.
func (r *Runner) Pipeline() *Pipeline {
	return r.pipeline
}

// Stats returns runner statistics
func (r *Runner) Stats() RunnerStats {
	processed := r.frames.Load() - r.skipped.Load()
	avg := float64(0)
	if processed > 0 {
		avg = float64(r.totalProcNs.Load()) / float64(processed) / 1e6
	}

	r.subsMu.RLock()
	subs := len(r.subs)
	r.subsMu.RUnlock()

	stats := RunnerStats{
		Frames:          r.frames.Load(),
		Skipped:         r.skipped.Load(),
		InputErrors:     r.inputErrors.Load(),
		Events:          r.events.Load(),
		AvgProcessMs:    avg,
		SubscriberCount: subs,
		DetectorState:   r.pipeline.DetectorState(),
		UptimeSeconds:   int64(time.Since(r.startedAt).Seconds()),
	}
	if r.dispatcher != nil {
		stats.Sinks = r.dispatcher.Stats()
	}
	return stats
}

// RunnerStats contains runner statistics
type RunnerStats struct {
	Frames          uint64         `json:"frames"`
	Skipped         uint64         `json:"skipped"`
	InputErrors     uint64         `json:"input_errors"`
	Events          uint64         `json:"events"`
	AvgProcessMs    float64        `json:"avg_process_ms"`
	SubscriberCount int            `json:"subscriber_count"`
	DetectorState   detector.State `json:"detector_state"`
	UptimeSeconds   int64          `json:"uptime_seconds"`
	Sinks           []SinkStats    `json:"sinks,omitempty"`
}

// Stop cancels Run, waits for it to return and closes all subscribers
func (r *Runner) Stop() {
	r.lifeMu.Lock()
	cancel, done := r.cancel, r.done
	r.lifeMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	r.subsMu.Lock()
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
	r.subsMu.Unlock()
}
