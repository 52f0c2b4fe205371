package filter

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

func sine(n int, freq, fs, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return out
}

func rms(x []float64) float64 {
	var sum float64
	for _, v := range x {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(x)))
}

func TestNewBandpass_Valid(t *testing.T) {
	tests := []struct {
		low, high, fs float64
		order         int
	}{
		{40, 250, 48000, 4},
		{40, 250, 16000, 4},
		{100, 1000, 44100, 1},
		{20, 20000, 48000, 2},
		{300, 3400, 8000, 3},
		{1, 2, 10, 5},
	}

	for _, tt := range tests {
		b, err := NewBandpass(tt.low, tt.high, tt.fs, tt.order)
		if err != nil {
			t.Errorf("NewBandpass(%g, %g, %g, %d) unexpected error: %v", tt.low, tt.high, tt.fs, tt.order, err)
			continue
		}
		if got := len(b.Coefficients()); got != tt.order {
			t.Errorf("expected %d sections, got %d", tt.order, got)
		}
	}
}

func TestNewBandpass_ConfigError(t *testing.T) {
	tests := []struct {
		name          string
		low, high, fs float64
		order         int
	}{
		{"low equals high", 250, 250, 48000, 4},
		{"low above high", 300, 250, 48000, 4},
		{"high at nyquist", 40, 24000, 48000, 4},
		{"high above nyquist", 40, 30000, 48000, 4},
		{"zero low", 0, 250, 48000, 4},
		{"negative high", 40, -250, 48000, 4},
		{"zero sample rate", 40, 250, 0, 4},
		{"negative sample rate", 40, 250, -48000, 4},
		{"zero order", 40, 250, 48000, 0},
		{"order too high", 40, 250, 48000, MaxOrder + 1},
		{"nan cutoff", math.NaN(), 250, 48000, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBandpass(tt.low, tt.high, tt.fs, tt.order)
			if !errors.Is(err, dsp.ErrConfig) {
				t.Errorf("expected ErrConfig, got %v", err)
			}
		})
	}
}

func TestBandpass_ZeroInZeroOut(t *testing.T) {
	b, err := NewBandpass(40, 250, 48000, 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, n := range []int{0, 1, 7, 2048} {
		out := b.Apply(make([]float64, n))
		for i, v := range out {
			if v != 0 {
				t.Fatalf("n=%d: sample %d = %g, expected 0", n, i, v)
			}
		}
	}

	for i, st := range b.State() {
		if st[0] != 0 || st[1] != 0 {
			t.Errorf("section %d state %v, expected zero", i, st)
		}
	}
}

func TestBandpass_StatePersistsAcrossBlocks(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	signal := make([]float64, 4096)
	for i := range signal {
		signal[i] = rng.Float64()*2 - 1
	}

	whole, _ := NewBandpass(40, 250, 48000, 4)
	split, _ := NewBandpass(40, 250, 48000, 4)

	want := whole.Apply(signal)
	got := append(split.Apply(signal[:1500]), split.Apply(signal[1500:])...)

	for i := range want {
		if math.Abs(want[i]-got[i]) > 1e-12 {
			t.Fatalf("sample %d: split %g != whole %g", i, got[i], want[i])
		}
	}
}

func TestBandpass_Reset(t *testing.T) {
	b, _ := NewBandpass(40, 250, 48000, 4)
	b.Apply(sine(512, 150, 48000, 1000))

	nonZero := false
	for _, st := range b.State() {
		if st[0] != 0 || st[1] != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Fatal("expected non-zero state after filtering a tone")
	}

	b.Reset()
	for i, st := range b.State() {
		if st[0] != 0 || st[1] != 0 {
			t.Errorf("section %d state %v after reset", i, st)
		}
	}
}

func TestBandpass_Response(t *testing.T) {
	b, _ := NewBandpass(40, 250, 48000, 4)

	centre := math.Sqrt(40 * 250)
	if g := b.Response(centre); math.Abs(g-1) > 0.01 {
		t.Errorf("expected unity gain near %g Hz, got %g", centre, g)
	}

	// Butterworth edges sit at -3 dB.
	for _, f := range []float64{40, 250} {
		g := b.Response(f)
		if math.Abs(g-math.Sqrt(0.5)) > 0.02 {
			t.Errorf("expected -3 dB at %g Hz, got %g", f, g)
		}
	}

	for _, f := range []float64{5, 2000, 10000} {
		if g := b.Response(f); g > 0.01 {
			t.Errorf("expected stopband attenuation at %g Hz, got gain %g", f, g)
		}
	}
}

func TestBandpass_PassesToneRejectsHum(t *testing.T) {
	const fs = 48000
	inBand, _ := NewBandpass(40, 250, fs, 4)
	outBand, _ := NewBandpass(40, 250, fs, 4)

	// Skip the first 100 ms while the filter settles.
	pass := inBand.Apply(sine(fs, 150, fs, 1))[fs/10:]
	stop := outBand.Apply(sine(fs, 3000, fs, 1))[fs/10:]

	if r := rms(pass); math.Abs(r-math.Sqrt(0.5)) > 0.02 {
		t.Errorf("150 Hz rms %g, expected ~%g", r, math.Sqrt(0.5))
	}
	if r := rms(stop); r > 1e-3 {
		t.Errorf("3 kHz rms %g, expected strong attenuation", r)
	}
}

func TestBandpass_ProcessLengthMismatch(t *testing.T) {
	b, _ := NewBandpass(40, 250, 48000, 4)

	err := b.Process(make([]float64, 10), make([]float64, 11))
	if !errors.Is(err, dsp.ErrInput) {
		t.Errorf("expected ErrInput, got %v", err)
	}
	for i, st := range b.State() {
		if st[0] != 0 || st[1] != 0 {
			t.Errorf("section %d state mutated by rejected block", i)
		}
	}
}

func TestBandpass_ProcessInPlace(t *testing.T) {
	a, _ := NewBandpass(40, 250, 48000, 2)
	b, _ := NewBandpass(40, 250, 48000, 2)

	x := sine(256, 100, 48000, 1)
	want := a.Apply(x)

	buf := append([]float64(nil), x...)
	if err := b.Process(buf, buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range want {
		if want[i] != buf[i] {
			t.Fatalf("sample %d: in-place %g != %g", i, buf[i], want[i])
		}
	}
}

func TestBandpass_Stable(t *testing.T) {
	b, _ := NewBandpass(40, 250, 48000, 8)
	for i, c := range b.Coefficients() {
		// Both poles inside the unit circle: |A2| < 1 and |A1| < 1 + A2.
		if math.Abs(c.A2) >= 1 || math.Abs(c.A1) >= 1+c.A2 {
			t.Errorf("section %d unstable: %+v", i, c)
		}
	}
}

func TestBandpass_MatchesSectionCascade(t *testing.T) {
	b, _ := NewBandpass(40, 250, 48000, 4)
	ref := biquad.NewChain(b.Coefficients())

	x := sine(1024, 120, 48000, 1)
	got := b.Apply(x)
	for i, v := range x {
		want := ref.ProcessSample(v)
		if math.Abs(got[i]-want) > 1e-12 {
			t.Fatalf("sample %d: %g, cascade gives %g", i, got[i], want)
		}
	}
}
