package level

import (
	"errors"
	"math"
	"testing"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

func constant(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func sine(n int, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*float64(i)/64)
	}
	return out
}

func newEstimator(t *testing.T, cfg Config) *Estimator {
	t.Helper()
	e, err := NewEstimator(cfg)
	if err != nil {
		t.Fatalf("NewEstimator: %v", err)
	}
	return e
}

func TestMeasure_SilenceIsFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OffsetDB = 72
	e := newEstimator(t, cfg)

	for _, n := range []int{1, 256, 2048} {
		r, err := e.Measure(0, make([]float64, n))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.DB != cfg.FloorDB {
			t.Errorf("n=%d: expected floor %g, got %g", n, cfg.FloorDB, r.DB)
		}
		if math.IsNaN(r.SNR) || math.IsInf(r.SNR, 0) {
			t.Errorf("n=%d: snr not finite: %g", n, r.SNR)
		}
	}
}

func TestMeasure_FullScaleSine(t *testing.T) {
	e := newEstimator(t, DefaultConfig())

	r, err := e.Measure(1, sine(4096, FullScaleInt16))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A full-scale sine has an RMS of 1/sqrt(2): -3.01 dBFS.
	if math.Abs(r.DB-(-3.0103)) > 0.01 {
		t.Errorf("expected -3.01 dBFS, got %g", r.DB)
	}
	if r.Channel != 1 {
		t.Errorf("expected channel 1, got %d", r.Channel)
	}
}

func TestMeasure_Offset(t *testing.T) {
	plain := newEstimator(t, DefaultConfig())

	cfg := DefaultConfig()
	cfg.OffsetDB = 72
	calibrated := newEstimator(t, cfg)

	block := sine(2048, 1000)
	a, _ := plain.Measure(0, block)
	b, _ := calibrated.Measure(0, block)

	if math.Abs(b.DB-a.DB-72) > 1e-9 {
		t.Errorf("expected +72 dB offset, got %g -> %g", a.DB, b.DB)
	}
}

func TestMeasure_Monotonic(t *testing.T) {
	e := newEstimator(t, DefaultConfig())

	prev := math.Inf(-1)
	for _, amp := range []float64{0.5, 1, 3, 10, 100, 1000, 10000, 32767} {
		r, _ := e.Measure(0, sine(1024, amp))
		if r.DB <= prev {
			t.Errorf("amplitude %g: level %g not above previous %g", amp, r.DB, prev)
		}
		prev = r.DB
	}
}

func TestMeasure_EmptyBlock(t *testing.T) {
	e := newEstimator(t, DefaultConfig())

	_, err := e.Measure(0, nil)
	if !errors.Is(err, dsp.ErrInput) {
		t.Errorf("expected ErrInput, got %v", err)
	}
}

func TestBlockSNR(t *testing.T) {
	e := newEstimator(t, DefaultConfig())

	// A constant block: power = a^2, noise = 0.2a, snr = 10*log10(25).
	r, _ := e.Measure(0, constant(512, 100))
	if want := 10 * math.Log10(25); math.Abs(r.SNR-want) > 1e-6 {
		t.Errorf("constant block snr %g, expected %g", r.SNR, want)
	}

	// A sine: power = a^2/2, mean|x| = 2a/pi.
	r, _ = e.Measure(0, sine(6400, 1000))
	want := 10 * math.Log10(0.5/math.Pow(0.2*2/math.Pi, 2))
	if math.Abs(r.SNR-want) > 0.05 {
		t.Errorf("sine snr %g, expected %g", r.SNR, want)
	}

	// Silence has no noise floor and is clamped to the ceiling.
	r, _ = e.Measure(0, make([]float64, 64))
	if r.SNR != 100 {
		t.Errorf("silence snr %g, expected 100", r.SNR)
	}
}

func TestBlockSNR_Impulse(t *testing.T) {
	e := newEstimator(t, DefaultConfig())

	block := make([]float64, 1000)
	block[500] = 1000
	r, _ := e.Measure(0, block)

	// power = 1000, mean|x| = 1, noise = 0.2 -> 10*log10(1000/0.04)
	want := 10 * math.Log10(1000/0.04)
	if math.Abs(r.SNR-want) > 1e-6 {
		t.Errorf("impulse snr %g, expected %g", r.SNR, want)
	}
}

type fixedSNR float64

func (f fixedSNR) SNR(BlockStats) float64 { return float64(f) }

func TestMeasure_CustomSNREstimator(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SNR = fixedSNR(42)
	e := newEstimator(t, cfg)

	r, _ := e.Measure(0, sine(128, 10))
	if r.SNR != 42 {
		t.Errorf("expected pluggable estimator result 42, got %g", r.SNR)
	}
}

func TestNewEstimator_ConfigError(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero full scale", func(c *Config) { c.FullScale = 0 }},
		{"negative full scale", func(c *Config) { c.FullScale = -1 }},
		{"nan offset", func(c *Config) { c.OffsetDB = math.NaN() }},
		{"infinite floor", func(c *Config) { c.FloorDB = math.Inf(-1) }},
		{"negative rms floor", func(c *Config) { c.RMSFloor = -1 }},
		{"zero snr fraction", func(c *Config) { c.SNR = BlockSNR{K: 0, MaxDB: 100} }},
		{"zero snr ceiling", func(c *Config) { c.SNR = BlockSNR{K: 0.2, MaxDB: 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if _, err := NewEstimator(cfg); !errors.Is(err, dsp.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestNewEstimator_NilSNRUsesDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SNR = nil
	e := newEstimator(t, cfg)

	r, _ := e.Measure(0, constant(16, 1))
	if want := 10 * math.Log10(25); math.Abs(r.SNR-want) > 1e-6 {
		t.Errorf("expected default heuristic %g, got %g", want, r.SNR)
	}
}
