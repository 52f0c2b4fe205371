// Package metrics exposes pipeline measurements as Prometheus collectors
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teslashibe/floorwatch/internal/pipeline"
)

const namespace = "floorwatch"

// Metrics implements pipeline.Observer on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	channelLevel *prometheus.GaugeVec
	channelSNR   *prometheus.GaugeVec
	level        prometheus.Gauge
	snr          prometheus.Gauge
	threshold    *prometheus.GaugeVec
	delay        prometheus.Gauge

	blocks       prometheus.Counter
	skipped      prometheus.Counter
	inputErrors  prometheus.Counter
	events       *prometheus.CounterVec
	sinkFailures *prometheus.CounterVec

	processing prometheus.Histogram
}

// New creates the collectors and registers them on a new registry. Go
// runtime and process collectors are included when withRuntime is set.
func New(withRuntime bool) (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.channelLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_level_db",
		Help:      "Calibrated level of the latest block per channel",
	}, []string{"channel"})
	m.channelSNR = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channel_snr_db",
		Help:      "Estimated SNR of the latest block per channel",
	}, []string{"channel"})
	m.level = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "level_db",
		Help:      "Channel-mean level compared against the threshold",
	})
	m.snr = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "snr_db",
		Help:      "Channel-mean SNR of the latest block",
	})
	m.threshold = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "threshold_db",
		Help:      "Active threshold, labelled by the current period",
	}, []string{"period"})
	m.delay = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "direction_delay_seconds",
		Help:      "Inter-channel delay of the latest stereo block",
	})

	m.blocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_total",
		Help:      "Blocks accepted by the pipeline, skipped ones included",
	})
	m.skipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blocks_skipped_total",
		Help:      "Blocks skipped because the capture buffer overflowed",
	})
	m.inputErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "input_errors_total",
		Help:      "Frames rejected as malformed",
	})
	m.events = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Detected impact events",
	}, []string{"direction", "period"})
	m.sinkFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sink_failures_total",
		Help:      "Failed event deliveries per sink",
	}, []string{"sink"})

	m.processing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "block_processing_seconds",
		Help:      "Time spent processing one block",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~200ms
	})

	cs := []prometheus.Collector{
		m.channelLevel, m.channelSNR, m.level, m.snr, m.threshold, m.delay,
		m.blocks, m.skipped, m.inputErrors, m.events, m.sinkFailures,
		m.processing,
	}
	if withRuntime {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return m, nil
}

// ObserveResult implements pipeline.Observer.
func (m *Metrics) ObserveResult(r pipeline.Result, elapsed time.Duration) {
	m.blocks.Inc()
	if r.Skipped {
		m.skipped.Inc()
		return
	}
	m.processing.Observe(elapsed.Seconds())

	for _, rd := range r.Levels {
		ch := strconv.Itoa(rd.Channel)
		m.channelLevel.WithLabelValues(ch).Set(rd.DB)
		m.channelSNR.WithLabelValues(ch).Set(rd.SNR)
	}
	m.level.Set(r.LevelDB)
	m.snr.Set(r.SNRDB)

	m.threshold.Reset()
	m.threshold.WithLabelValues(string(r.Threshold.Period)).Set(r.Threshold.ThresholdDB)

	if r.Direction != nil {
		m.delay.Set(r.Direction.DelaySeconds)
	}
	if r.Event != nil {
		m.events.WithLabelValues(string(r.Event.Direction), string(r.Event.Period)).Inc()
	}
}

// ObserveInputError implements pipeline.Observer.
func (m *Metrics) ObserveInputError() {
	m.inputErrors.Inc()
}

// SinkFailed matches pipeline.Dispatcher.OnFailure.
func (m *Metrics) SinkFailed(sink string, _ error) {
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// Registry returns the registry holding all collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler(logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(logger.Handler(), slog.LevelError),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}
