// Package filter provides the band-limiting stage of the detection pipeline.
package filter

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// MaxOrder bounds the prototype order accepted by NewBandpass.
const MaxOrder = 16

// Bandpass is a Butterworth band-pass filter realized as a cascade of
// second-order sections. The delay lines persist across calls, so a
// Bandpass must be used for exactly one channel.
type Bandpass struct {
	low, high  float64
	sampleRate float64
	order      int

	chain *biquad.Chain
}

// NewBandpass designs a Butterworth band-pass filter of the given prototype
// order. The resulting filter has 2*order poles.
func NewBandpass(low, high, sampleRate float64, order int) (*Bandpass, error) {
	if err := validate(low, high, sampleRate, order); err != nil {
		return nil, err
	}

	return &Bandpass{
		low:        low,
		high:       high,
		sampleRate: sampleRate,
		order:      order,
		chain:      biquad.NewChain(designBandpass(low, high, sampleRate, order)),
	}, nil
}

func validate(low, high, sampleRate float64, order int) error {
	switch {
	case !(sampleRate > 0) || math.IsInf(sampleRate, 0):
		return fmt.Errorf("filter: sample rate %g must be positive: %w", sampleRate, dsp.ErrConfig)
	case order < 1 || order > MaxOrder:
		return fmt.Errorf("filter: order %d out of range [1, %d]: %w", order, MaxOrder, dsp.ErrConfig)
	case !(low > 0) || !(high > 0):
		return fmt.Errorf("filter: cutoffs must be positive (low %g, high %g): %w", low, high, dsp.ErrConfig)
	case low >= high:
		return fmt.Errorf("filter: low cutoff %g >= high cutoff %g: %w", low, high, dsp.ErrConfig)
	case high >= sampleRate/2:
		return fmt.Errorf("filter: high cutoff %g >= nyquist %g: %w", high, sampleRate/2, dsp.ErrConfig)
	}
	return nil
}

// designBandpass returns the sections of a digital Butterworth band-pass:
// analog prototype, low-pass to band-pass transform at the prewarped edges,
// then the bilinear transform. Every section carries one zero at z=1 and one
// at z=-1, and the cascade is scaled to unity gain at the band centre.
func designBandpass(low, high, fs float64, order int) []biquad.Coefficients {
	fs2 := 2 * fs
	wl := fs2 * math.Tan(math.Pi*low/fs)
	wh := fs2 * math.Tan(math.Pi*high/fs)
	bw := wh - wl
	w0 := math.Sqrt(wl * wh)

	bilinear := func(s complex128) complex128 {
		return (complex(fs2, 0) + s) / (complex(fs2, 0) - s)
	}

	coeffs := make([]biquad.Coefficients, 0, order)
	for k := 0; k < order; k++ {
		// Prototype poles on the left half of the unit circle. Only the upper
		// half plane is visited; conjugates are implied by the real sections.
		theta := math.Pi * float64(2*k+order+1) / float64(2*order)
		p := cmplx.Exp(complex(0, theta))
		if imag(p) < -1e-12 {
			continue
		}

		plp := p * complex(bw/2, 0)
		root := cmplx.Sqrt(plp*plp - complex(w0*w0, 0))
		q1 := bilinear(plp + root)
		q2 := bilinear(plp - root)

		if math.Abs(imag(p)) <= 1e-12 {
			// Real prototype pole: its two band-pass poles form one section.
			coeffs = append(coeffs, poleSection(q1, q2))
			continue
		}
		coeffs = append(coeffs, conjugateSection(q1), conjugateSection(q2))
	}

	normalize(coeffs, fs, w0)
	return coeffs
}

func conjugateSection(z complex128) biquad.Coefficients {
	return biquad.Coefficients{
		B0: 1, B1: 0, B2: -1,
		A1: -2 * real(z),
		A2: real(z)*real(z) + imag(z)*imag(z),
	}
}

func poleSection(z1, z2 complex128) biquad.Coefficients {
	return biquad.Coefficients{
		B0: 1, B1: 0, B2: -1,
		A1: -real(z1 + z2),
		A2: real(z1 * z2),
	}
}

// normalize spreads the gain correction evenly over the sections so that no
// single stage carries the full scale factor.
func normalize(coeffs []biquad.Coefficients, fs, w0 float64) {
	centre := fs / math.Pi * math.Atan(w0/(2*fs))

	h := complex(1, 0)
	for i := range coeffs {
		h *= coeffs[i].Response(centre, fs)
	}

	g := math.Pow(1/cmplx.Abs(h), 1/float64(len(coeffs)))
	for i := range coeffs {
		coeffs[i].B0 *= g
		coeffs[i].B1 *= g
		coeffs[i].B2 *= g
	}
}

// Process filters src into dst, advancing the filter state. dst and src may
// be the same slice.
func (b *Bandpass) Process(dst, src []float64) error {
	if len(dst) != len(src) {
		return fmt.Errorf("filter: dst length %d != src length %d: %w", len(dst), len(src), dsp.ErrInput)
	}

	copy(dst, src)
	b.chain.ProcessBlock(dst)
	return nil
}

// Apply filters block into a newly allocated slice. It cannot fail.
func (b *Bandpass) Apply(block []float64) []float64 {
	out := append([]float64(nil), block...)
	b.chain.ProcessBlock(out)
	return out
}

// Reset clears the delay lines.
func (b *Bandpass) Reset() { b.chain.Reset() }

// State returns a copy of the delay lines, one pair per section.
func (b *Bandpass) State() [][2]float64 { return b.chain.State() }

// Coefficients returns a copy of the designed sections.
func (b *Bandpass) Coefficients() []biquad.Coefficients {
	out := make([]biquad.Coefficients, b.chain.NumSections())
	for i := range out {
		out[i] = b.chain.Section(i).Coefficients
	}
	return out
}

// Response returns the magnitude response of the cascade at freqHz.
func (b *Bandpass) Response(freqHz float64) float64 {
	return cmplx.Abs(b.chain.Response(freqHz, b.sampleRate))
}

// Order returns the prototype order.
func (b *Bandpass) Order() int { return b.order }

// Band returns the cutoff frequencies in Hz.
func (b *Bandpass) Band() (low, high float64) { return b.low, b.high }
