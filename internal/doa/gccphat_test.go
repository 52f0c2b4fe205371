package doa

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/teslashibe/floorwatch/internal/dsp"
	"github.com/teslashibe/floorwatch/internal/dsp/filter"
)

const testRate = 48000.0

// delayedPair returns left = s[n], right = s[n-d] over a block of length n.
func delayedPair(seed int64, n, d int) (left, right []float64) {
	rng := rand.New(rand.NewSource(seed))
	const margin = 2000
	s := make([]float64, n+2*margin)
	for i := range s {
		s[i] = rng.NormFloat64()
	}
	left = s[margin : margin+n]
	right = s[margin-d : margin-d+n]
	return left, right
}

func TestGCCPHAT_RoundTrip(t *testing.T) {
	g, err := NewGCCPHAT(testRate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tests := []struct {
		d    int
		want Direction
	}{
		{0, Center},
		{1, Left},
		{5, Left},
		{100, Left},
		{900, Left},
		{-1, Right},
		{-5, Right},
		{-100, Right},
		{-900, Right},
	}

	for _, tt := range tests {
		left, right := delayedPair(int64(tt.d+1000), 2048, tt.d)
		est, err := g.Correlate(left, right)
		if err != nil {
			t.Fatalf("d=%d: unexpected error: %v", tt.d, err)
		}

		want := float64(tt.d) / testRate
		if math.Abs(est.DelaySeconds-want) > 1/testRate {
			t.Errorf("d=%d: delay %g, expected %g", tt.d, est.DelaySeconds, want)
		}
		if est.Direction != tt.want {
			t.Errorf("d=%d: direction %s, expected %s", tt.d, est.Direction, tt.want)
		}
		if est.Lag != tt.d {
			t.Errorf("d=%d: lag %d", tt.d, est.Lag)
		}
	}
}

func TestGCCPHAT_AmplitudeInvariant(t *testing.T) {
	g, _ := NewGCCPHAT(testRate)
	left, right := delayedPair(42, 1024, 12)

	quiet := make([]float64, len(right))
	for i, v := range right {
		quiet[i] = v * 0.01
	}

	est, err := g.Correlate(left, quiet)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if est.Lag != 12 {
		t.Errorf("expected lag 12 with a 40 dB level difference, got %d", est.Lag)
	}
}

func TestGCCPHAT_ReusesPlans(t *testing.T) {
	g, _ := NewGCCPHAT(testRate)

	for _, n := range []int{256, 2048, 256} {
		left, right := delayedPair(int64(n), n, 3)
		est, err := g.Correlate(left, right)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", n, err)
		}
		if est.Lag != 3 {
			t.Errorf("n=%d: expected lag 3, got %d", n, est.Lag)
		}
	}
	if len(g.plans) != 2 {
		t.Errorf("expected 2 cached plans, got %d", len(g.plans))
	}
}

// burst is a Hann-windowed 150 Hz tone starting at offset, delayed by d.
func burst(n, offset, d int, amp float64) []float64 {
	const length = 960
	out := make([]float64, n)
	for i := 0; i < length; i++ {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/length)
		out[offset+d+i] = amp * w * math.Sin(2*math.Pi*150*float64(i)/testRate)
	}
	return out
}

func TestGCCPHAT_BandLimitedInput(t *testing.T) {
	g, err := NewGCCPHAT(testRate, WithBand(40, 250))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, d := range []int{-20, -5, 0, 3, 7} {
		lf, _ := filter.NewBandpass(40, 250, testRate, 4)
		rf, _ := filter.NewBandpass(40, 250, testRate, 4)

		l, r := 0, 0
		if d > 0 {
			r = d
		} else {
			l = -d
		}
		left := lf.Apply(burst(2048, 200, l, 20000))
		right := rf.Apply(burst(2048, 200, r, 20000))

		est, err := g.Correlate(left, right)
		if err != nil {
			t.Fatalf("d=%d: unexpected error: %v", d, err)
		}
		if est.Lag != d {
			t.Errorf("d=%d: got lag %d", d, est.Lag)
		}
	}
}

func TestGCCPHAT_InputError(t *testing.T) {
	g, _ := NewGCCPHAT(testRate)

	tests := []struct {
		name string
		in   Input
	}{
		{"length mismatch", Input{Left: make([]float64, 10), Right: make([]float64, 11)}},
		{"empty left", Input{Left: nil, Right: make([]float64, 10)}},
		{"empty both", Input{}},
		{"sample rate mismatch", Input{Left: make([]float64, 8), Right: make([]float64, 8), SampleRate: 44100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Estimate(tt.in); !errors.Is(err, dsp.ErrInput) {
				t.Errorf("expected ErrInput, got %v", err)
			}
		})
	}
}

func TestNewGCCPHAT_ConfigError(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		opts []Option
	}{
		{"zero rate", 0, nil},
		{"negative rate", -1, nil},
		{"inverted band", testRate, []Option{WithBand(250, 40)}},
		{"negative band", testRate, []Option{WithBand(-1, 40)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGCCPHAT(tt.rate, tt.opts...); !errors.Is(err, dsp.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestNextPowerOf2(t *testing.T) {
	tests := map[int]int{1: 1, 2: 2, 3: 4, 4096: 4096, 4097: 8192}
	for in, want := range tests {
		if got := nextPowerOf2(in); got != want {
			t.Errorf("nextPowerOf2(%d) = %d, want %d", in, got, want)
		}
	}
}
