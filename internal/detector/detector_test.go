package detector

import (
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/floorwatch/internal/doa"
	"github.com/teslashibe/floorwatch/internal/dsp"
	"github.com/teslashibe/floorwatch/internal/dsp/level"
	"github.com/teslashibe/floorwatch/internal/threshold"
)

var t0 = time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)

func loud() Input {
	return Input{
		Levels: []level.Reading{
			{Channel: 0, DB: 72, SNR: 18},
			{Channel: 1, DB: 70, SNR: 17},
		},
		LevelDB:   71,
		SNRDB:     17.5,
		Threshold: threshold.State{ThresholdDB: 60, Period: threshold.Night},
		Direction: &doa.Estimate{DelaySeconds: 5.0 / 48000, Lag: 5, Direction: doa.Left},
	}
}

func quiet() Input {
	in := loud()
	in.LevelDB = 40
	return in
}

func newDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDetector_Debounce(t *testing.T) {
	d := newDetector(t, DefaultConfig())

	events := 0
	for i := 0; i < 20; i++ {
		// 20 blocks of ~43 ms each stay inside one cooldown window.
		if _, ok := d.Update(loud(), t0.Add(time.Duration(i)*43*time.Millisecond)); ok {
			events++
		}
	}
	if events != 1 {
		t.Fatalf("expected 1 event within cooldown, got %d", events)
	}
	if d.State() != Cooldown {
		t.Errorf("expected COOLDOWN, got %s", d.State())
	}

	if _, ok := d.Update(loud(), t0.Add(time.Second)); !ok {
		t.Error("expected a second event once the cooldown elapsed")
	}
	if d.Total() != 2 {
		t.Errorf("expected 2 events, got %d", d.Total())
	}
}

func TestDetector_CooldownExpiresOnQuietBlock(t *testing.T) {
	d := newDetector(t, DefaultConfig())

	d.Update(loud(), t0)
	if _, ok := d.Update(quiet(), t0.Add(2*time.Second)); ok {
		t.Fatal("quiet block must not fire")
	}
	if d.State() != Idle {
		t.Errorf("expected IDLE after cooldown, got %s", d.State())
	}
}

func TestDetector_EventFields(t *testing.T) {
	d := newDetector(t, DefaultConfig())

	ev, ok := d.Update(loud(), t0)
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.ID == "" {
		t.Error("expected an event ID")
	}
	if !ev.Timestamp.Equal(t0) {
		t.Errorf("timestamp %v, expected %v", ev.Timestamp, t0)
	}
	if len(ev.Levels) != 2 || ev.Levels[0] != 72 || ev.Levels[1] != 70 {
		t.Errorf("unexpected levels %v", ev.Levels)
	}
	if len(ev.SNRs) != 2 || ev.SNRs[0] != 18 || ev.SNRs[1] != 17 {
		t.Errorf("unexpected snrs %v", ev.SNRs)
	}
	if ev.ThresholdDB != 60 || ev.Period != threshold.Night {
		t.Errorf("unexpected threshold %g/%s", ev.ThresholdDB, ev.Period)
	}
	if ev.Direction != doa.Left || ev.DelaySeconds <= 0 {
		t.Errorf("unexpected direction %s/%g", ev.Direction, ev.DelaySeconds)
	}
	if !ev.Stereo() {
		t.Error("expected a stereo event")
	}
}

func TestDetector_MonoEventHasUnknownDirection(t *testing.T) {
	d := newDetector(t, DefaultConfig())

	in := loud()
	in.Levels = in.Levels[:1]
	in.Direction = nil

	ev, ok := d.Update(in, t0)
	if !ok {
		t.Fatal("expected an event")
	}
	if ev.Direction != doa.Unknown {
		t.Errorf("expected UNKNOWN, got %s", ev.Direction)
	}
	if ev.Stereo() {
		t.Error("expected a mono event")
	}
}

func TestDetector_Triggered(t *testing.T) {
	tests := []struct {
		name    string
		gate    bool
		levelDB float64
		snrDB   float64
		want    bool
	}{
		{"at threshold", true, 60, 10, true},
		{"below threshold", true, 59.99, 30, false},
		{"snr at minimum", true, 65, 10, true},
		{"snr below minimum", true, 65, 9.99, false},
		{"gate disabled", false, 65, -20, true},
		{"gate disabled below threshold", false, 59, 50, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.SNRGate = tt.gate
			d := newDetector(t, cfg)

			in := Input{
				LevelDB:   tt.levelDB,
				SNRDB:     tt.snrDB,
				Threshold: threshold.State{ThresholdDB: 60, Period: threshold.Day},
			}
			if got := d.Triggered(in); got != tt.want {
				t.Errorf("Triggered = %v, expected %v", got, tt.want)
			}
			if _, fired := d.Update(in, t0); fired != tt.want {
				t.Errorf("Update fired = %v, expected %v", fired, tt.want)
			}
		})
	}
}

func TestDetector_ZeroCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cooldown = 0
	d := newDetector(t, cfg)

	for i := 0; i < 3; i++ {
		if _, ok := d.Update(loud(), t0.Add(time.Duration(i)*time.Millisecond)); !ok {
			t.Errorf("block %d: expected an event with no cooldown", i)
		}
	}
}

func TestDetector_ClockStepBack(t *testing.T) {
	d := newDetector(t, DefaultConfig())

	d.Update(loud(), t0)
	if _, ok := d.Update(loud(), t0.Add(-time.Hour)); ok {
		t.Error("an earlier timestamp must not end the cooldown")
	}
}

func TestDetector_RecentEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventLogCapacity = 3
	d := newDetector(t, cfg)

	var ids []string
	for i := 0; i < 5; i++ {
		ev, ok := d.Update(loud(), t0.Add(time.Duration(i)*2*time.Second))
		if !ok {
			t.Fatalf("event %d did not fire", i)
		}
		ids = append(ids, ev.ID)
	}

	recent := d.Recent()
	if len(recent) != 3 {
		t.Fatalf("expected 3 events, got %d", len(recent))
	}
	for i, ev := range recent {
		if ev.ID != ids[i+2] {
			t.Errorf("slot %d: expected %s, got %s", i, ids[i+2], ev.ID)
		}
	}
}

func TestDetector_RecentPartial(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	if got := d.Recent(); len(got) != 0 {
		t.Fatalf("expected empty log, got %d", len(got))
	}

	d.Update(loud(), t0)
	d.Update(loud(), t0.Add(time.Second))
	recent := d.Recent()
	if len(recent) != 2 || !recent[0].Timestamp.Before(recent[1].Timestamp) {
		t.Errorf("expected 2 events oldest first, got %+v", recent)
	}
}

func TestDetector_Reset(t *testing.T) {
	d := newDetector(t, DefaultConfig())
	d.Update(loud(), t0)

	d.Reset()
	if d.State() != Idle || len(d.Recent()) != 0 || d.Total() != 0 || !d.LastEvent().IsZero() {
		t.Fatal("expected a fresh detector after Reset")
	}
	if _, ok := d.Update(loud(), t0.Add(time.Millisecond)); !ok {
		t.Error("expected an event right after Reset")
	}
}

func TestNew_ConfigError(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"negative cooldown", func(c *Config) { c.Cooldown = -time.Second }},
		{"zero capacity", func(c *Config) { c.EventLogCapacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if _, err := New(cfg); !errors.Is(err, dsp.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}
