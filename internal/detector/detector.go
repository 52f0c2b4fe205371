// Package detector turns per-block levels into debounced impact events.
package detector

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/floorwatch/internal/doa"
	"github.com/teslashibe/floorwatch/internal/dsp"
	"github.com/teslashibe/floorwatch/internal/dsp/level"
	"github.com/teslashibe/floorwatch/internal/threshold"
)

// State is the detector state.
type State string

const (
	Idle     State = "IDLE"
	Cooldown State = "COOLDOWN"
)

// Config configures a Detector.
type Config struct {
	// Cooldown is the minimum spacing between two events.
	Cooldown time.Duration
	// SNRGate enables the SNRMinDB requirement.
	SNRGate          bool
	SNRMinDB         float64
	EventLogCapacity int
}

// DefaultConfig returns a 1 s cooldown, a 10 dB SNR gate and a 20 event log.
func DefaultConfig() Config {
	return Config{
		Cooldown:         time.Second,
		SNRGate:          true,
		SNRMinDB:         10,
		EventLogCapacity: 20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("detector: cooldown %s must not be negative: %w", c.Cooldown, dsp.ErrConfig)
	}
	if c.EventLogCapacity < 1 {
		return fmt.Errorf("detector: event log capacity %d must be at least 1: %w", c.EventLogCapacity, dsp.ErrConfig)
	}
	if c.SNRGate && (math.IsNaN(c.SNRMinDB) || math.IsInf(c.SNRMinDB, 0)) {
		return fmt.Errorf("detector: snr minimum %g must be finite: %w", c.SNRMinDB, dsp.ErrConfig)
	}
	return nil
}

// Input is everything the detector sees for one block.
type Input struct {
	Levels []level.Reading
	// LevelDB and SNRDB are the figures compared against the limits.
	LevelDB   float64
	SNRDB     float64
	Threshold threshold.State
	// Direction is nil for mono input.
	Direction *doa.Estimate
}

// Event is an emitted impact record.
type Event struct {
	ID           string           `json:"id"`
	Timestamp    time.Time        `json:"timestamp"`
	Levels       []float64        `json:"levels_db"`
	SNRs         []float64        `json:"snrs_db"`
	LevelDB      float64          `json:"level_db"`
	SNRDB        float64          `json:"snr_db"`
	ThresholdDB  float64          `json:"threshold_db"`
	Direction    doa.Direction    `json:"direction"`
	DelaySeconds float64          `json:"delay_seconds"`
	Period       threshold.Period `json:"period"`
}

// Stereo reports whether the event carries two channel readings.
func (e Event) Stereo() bool { return len(e.Levels) > 1 }

// Detector is the IDLE/COOLDOWN state machine. It is safe for concurrent use.
type Detector struct {
	cfg Config

	mu        sync.Mutex
	state     State
	lastEvent time.Time
	total     uint64

	// ring holds the last EventLogCapacity events; head is the next write slot.
	ring  []Event
	head  int
	count int
}

// New validates cfg and returns a Detector in the IDLE state.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:   cfg,
		state: Idle,
		ring:  make([]Event, cfg.EventLogCapacity),
	}, nil
}

// Triggered reports whether in crosses the configured limits.
func (d *Detector) Triggered(in Input) bool {
	if in.LevelDB < in.Threshold.ThresholdDB {
		return false
	}
	return !d.cfg.SNRGate || in.SNRDB >= d.cfg.SNRMinDB
}

// Update evaluates one block at now. It returns the emitted event and true
// when the block fires one.
func (d *Detector) Update(in Input, now time.Time) (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Cooldown && now.Sub(d.lastEvent) >= d.cfg.Cooldown {
		d.state = Idle
	}
	if d.state != Idle || !d.Triggered(in) {
		return Event{}, false
	}

	ev := newEvent(in, now)
	d.state = Cooldown
	d.lastEvent = now
	d.total++
	d.push(ev)
	return ev, true
}

func newEvent(in Input, now time.Time) Event {
	ev := Event{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Levels:      make([]float64, len(in.Levels)),
		SNRs:        make([]float64, len(in.Levels)),
		LevelDB:     in.LevelDB,
		SNRDB:       in.SNRDB,
		ThresholdDB: in.Threshold.ThresholdDB,
		Direction:   doa.Unknown,
		Period:      in.Threshold.Period,
	}
	for i, r := range in.Levels {
		ev.Levels[i] = r.DB
		ev.SNRs[i] = r.SNR
	}
	if in.Direction != nil {
		ev.Direction = in.Direction.Direction
		ev.DelaySeconds = in.Direction.DelaySeconds
	}
	return ev
}

func (d *Detector) push(ev Event) {
	d.ring[d.head] = ev
	d.head = (d.head + 1) % len(d.ring)
	if d.count < len(d.ring) {
		d.count++
	}
}

// Recent returns the logged events, oldest first.
func (d *Detector) Recent() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Event, 0, d.count)
	start := (d.head - d.count + len(d.ring)) % len(d.ring)
	for i := 0; i < d.count; i++ {
		out = append(out, d.ring[(start+i)%len(d.ring)])
	}
	return out
}

// State returns the current state. A COOLDOWN whose timer has run out is
// reported until the next Update.
func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// LastEvent returns the time of the last event, zero if none fired.
func (d *Detector) LastEvent() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastEvent
}

// Total returns the number of events emitted since construction or Reset.
func (d *Detector) Total() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.total
}

// Reset returns the detector to IDLE and clears the event log.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Idle
	d.lastEvent = time.Time{}
	d.total = 0
	clear(d.ring)
	d.head, d.count = 0, 0
}
