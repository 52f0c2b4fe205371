package doa

import (
	"fmt"
	"math"
	"math/cmplx"

	algofft "github.com/MeKo-Christian/algo-fft"
	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// phatEpsilon keeps the phase transform finite on empty bins.
const phatEpsilon = 1e-15

// GCCPHAT estimates the inter-channel delay with generalized
// cross-correlation and phase-transform weighting. FFT plans and scratch
// buffers are cached per size, so a GCCPHAT belongs to one processing path.
type GCCPHAT struct {
	sampleRate float64
	lowHz      float64
	highHz     float64

	plans map[int]*algofft.Plan[complex128]
	xl    []complex128
	xr    []complex128
	re    []float64
	im    []float64
	mag   []float64
}

// Option configures a GCCPHAT.
type Option func(*GCCPHAT)

// WithBand restricts the phase transform to bins inside [lowHz, highHz].
// Bins outside the band are dropped instead of being whitened, which keeps
// block-edge artifacts of band-limited input from dominating the peak.
func WithBand(lowHz, highHz float64) Option {
	return func(g *GCCPHAT) {
		g.lowHz, g.highHz = lowHz, highHz
	}
}

// NewGCCPHAT returns an estimator for blocks sampled at sampleRate.
func NewGCCPHAT(sampleRate float64, opts ...Option) (*GCCPHAT, error) {
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return nil, fmt.Errorf("doa: sample rate %g must be positive: %w", sampleRate, dsp.ErrConfig)
	}
	g := &GCCPHAT{
		sampleRate: sampleRate,
		plans:      make(map[int]*algofft.Plan[complex128]),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.lowHz < 0 || g.highHz < 0 || (g.highHz > 0 && g.lowHz >= g.highHz) {
		return nil, fmt.Errorf("doa: invalid band [%g, %g]: %w", g.lowHz, g.highHz, dsp.ErrConfig)
	}
	return g, nil
}

// Name implements Strategy.
func (g *GCCPHAT) Name() string { return StrategyGCCPHAT }

// Estimate implements Strategy using the two sample blocks of in.
func (g *GCCPHAT) Estimate(in Input) (Estimate, error) {
	if in.SampleRate != 0 && in.SampleRate != g.sampleRate {
		return Estimate{}, fmt.Errorf("doa: sample rate %g != configured %g: %w", in.SampleRate, g.sampleRate, dsp.ErrInput)
	}
	return g.Correlate(in.Left, in.Right)
}

// Correlate returns the delay of right relative to left. A right channel
// that lags the left by d samples yields Lag == d and Direction == Left.
func (g *GCCPHAT) Correlate(left, right []float64) (Estimate, error) {
	if len(left) == 0 || len(right) == 0 {
		return Estimate{}, fmt.Errorf("doa: empty block: %w", dsp.ErrInput)
	}
	if len(left) != len(right) {
		return Estimate{}, fmt.Errorf("doa: block lengths differ (%d, %d): %w", len(left), len(right), dsp.ErrInput)
	}

	n := len(left) + len(right)
	size := nextPowerOf2(n)
	plan, err := g.plan(size)
	if err != nil {
		return Estimate{}, err
	}
	g.grow(size)

	pad(g.xl, left)
	pad(g.xr, right)

	if err := plan.Forward(g.xl, g.xl); err != nil {
		return Estimate{}, fmt.Errorf("doa: forward FFT failed: %w", err)
	}
	if err := plan.Forward(g.xr, g.xr); err != nil {
		return Estimate{}, fmt.Errorf("doa: forward FFT failed: %w", err)
	}

	// R = X_left * conj(X_right), weighted to unit magnitude.
	for k := range g.xl {
		r := g.xl[k] * cmplx.Conj(g.xr[k])
		g.re[k] = real(r)
		g.im[k] = imag(r)
	}
	vecmath.Magnitude(g.mag, g.re, g.im)
	banded := g.highHz > 0
	binHz := g.sampleRate / float64(size)
	for k := range g.xl {
		if banded {
			f := float64(min(k, size-k)) * binHz
			if f < g.lowHz || f > g.highHz {
				g.xl[k] = 0
				continue
			}
		}
		w := g.mag[k] + phatEpsilon
		g.xl[k] = complex(g.re[k]/w, g.im[k]/w)
	}

	if err := plan.Inverse(g.xl, g.xl); err != nil {
		return Estimate{}, fmt.Errorf("doa: inverse FFT failed: %w", err)
	}

	// Walk lags from -maxShift to +maxShift so negative lags come first;
	// ties keep the earliest lag.
	maxShift := n / 2
	bestLag, best := 0, -1.0
	for lag := -maxShift; lag <= maxShift; lag++ {
		idx := lag
		if idx < 0 {
			idx += size
		}
		if v := math.Abs(real(g.xl[idx])); v > best {
			best, bestLag = v, lag
		}
	}

	// bestLag is the shift of left against right; the right channel lags by
	// its negation.
	lag := -bestLag
	delay := float64(lag) / g.sampleRate

	return Estimate{
		DelaySeconds: delay,
		Lag:          lag,
		Peak:         best,
		Direction:    Classify(delay),
		Strategy:     StrategyGCCPHAT,
	}, nil
}

func (g *GCCPHAT) plan(size int) (*algofft.Plan[complex128], error) {
	if p, ok := g.plans[size]; ok {
		return p, nil
	}
	p, err := algofft.NewPlan64(size)
	if err != nil {
		return nil, fmt.Errorf("doa: failed to create FFT plan of size %d: %w", size, err)
	}
	g.plans[size] = p
	return p, nil
}

func (g *GCCPHAT) grow(size int) {
	if len(g.xl) == size {
		return
	}
	g.xl = make([]complex128, size)
	g.xr = make([]complex128, size)
	g.re = make([]float64, size)
	g.im = make([]float64, size)
	g.mag = make([]float64, size)
}

func pad(dst []complex128, src []float64) {
	for i := range dst {
		if i < len(src) {
			dst[i] = complex(src[i], 0)
		} else {
			dst[i] = 0
		}
	}
}

func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
