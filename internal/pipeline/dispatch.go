package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/floorwatch/internal/detector"
)

// ErrDispatcherClosed is returned by Add after Close.
var ErrDispatcherClosed = errors.New("pipeline: dispatcher closed")

// Sink receives events. Each sink runs on its own goroutine; a slow or
// failing sink never delays the pipeline or other sinks.
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev detector.Event) error
}

// DispatcherConfig configures a Dispatcher
type DispatcherConfig struct {
	QueueSize   int           // Pending events per sink (default: 32)
	SinkTimeout time.Duration // Deadline for one Handle call (default: 5s)
}

// DefaultDispatcherConfig returns sensible defaults
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		QueueSize:   32,
		SinkTimeout: 5 * time.Second,
	}
}

// Dispatcher fans events out to sinks.
type Dispatcher struct {
	cfg    DispatcherConfig
	logger *slog.Logger

	// ctx is cancelled when Close gives up waiting for the queues to drain.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	queues []*sinkQueue
	closed bool
	wg     sync.WaitGroup

	onFailure func(sink string, err error)
}

type sinkQueue struct {
	sink Sink
	ch   chan detector.Event

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewDispatcher creates a dispatcher with no sinks.
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = def.SinkTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnFailure sets a hook called after every failed delivery.
func (d *Dispatcher) OnFailure(fn func(sink string, err error)) {
	d.mu.Lock()
	d.onFailure = fn
	d.mu.Unlock()
}

// Add registers a sink and starts its worker.
func (d *Dispatcher) Add(s Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrDispatcherClosed
	}
	q := &sinkQueue{sink: s, ch: make(chan detector.Event, d.cfg.QueueSize)}
	d.queues = append(d.queues, q)

	d.wg.Add(1)
	go d.work(q)

	d.logger.Info("sink registered", "sink", s.Name())
	return nil
}

// Dispatch queues ev for every sink without blocking. A sink whose queue is
// full loses the event.
func (d *Dispatcher) Dispatch(ev detector.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return
	}
	for _, q := range d.queues {
		select {
		case q.ch <- ev:
		default:
			q.dropped.Add(1)
			d.logger.Warn("sink queue full, event dropped", "sink", q.sink.Name(), "event_id", ev.ID)
		}
	}
}

func (d *Dispatcher) work(q *sinkQueue) {
	defer d.wg.Done()
	for ev := range q.ch {
		if err := d.deliver(q.sink, ev); err != nil {
			q.failed.Add(1)
			d.logger.Warn("sink failed", "sink", q.sink.Name(), "event_id", ev.ID, "error", err)

			d.mu.RLock()
			hook := d.onFailure
			d.mu.RUnlock()
			if hook != nil {
				hook(q.sink.Name(), err)
			}
			continue
		}
		q.delivered.Add(1)
	}
}

func (d *Dispatcher) deliver(s Sink, ev detector.Event) (err error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SinkTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline: sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Handle(ctx, ev)
}

// SinkStats contains per-sink delivery statistics
type SinkStats struct {
	Name      string `json:"name"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Pending   int    `json:"pending"`
}

// Stats returns per-sink statistics in registration order
func (d *Dispatcher) Stats() []SinkStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]SinkStats, 0, len(d.queues))
	for _, q := range d.queues {
		out = append(out, SinkStats{
			Name:      q.sink.Name(),
			Delivered: q.delivered.Load(),
			Failed:    q.failed.Load(),
			Dropped:   q.dropped.Load(),
			Pending:   len(q.ch),
		})
	}
	return out
}

// Close stops accepting events and waits for queued ones to be delivered.
// When ctx ends first, in-flight deliveries are cancelled and ctx's error
// is returned once the workers have exited.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, q := range d.queues {
		close(q.ch)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
