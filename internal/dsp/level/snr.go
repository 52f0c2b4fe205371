package level

import (
	"fmt"
	"math"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// SNREstimator derives an SNR figure in dB from block moments. It is the
// replaceable part of the level stage; the detector only sees the number.
type SNREstimator interface {
	SNR(s BlockStats) float64
}

// BlockSNR estimates SNR from a single block by treating a fixed fraction of
// the mean absolute amplitude as the noise floor:
//
//	noise = mean(|x|) * K
//	snr   = 10 * log10(mean(x^2) / noise^2)
//
// There is no separate noise reference. The figure reflects how peaky the
// block is, which makes it usable for relative gating only.
type BlockSNR struct {
	K     float64
	MaxDB float64
}

// DefaultBlockSNR returns BlockSNR{K: 0.2, MaxDB: 100}.
func DefaultBlockSNR() BlockSNR {
	return BlockSNR{K: 0.2, MaxDB: 100}
}

// Validate reports an ErrConfig for non-positive parameters.
func (b BlockSNR) Validate() error {
	if !(b.K > 0) {
		return fmt.Errorf("level: snr noise fraction %g must be positive: %w", b.K, dsp.ErrConfig)
	}
	if !(b.MaxDB > 0) || math.IsInf(b.MaxDB, 0) {
		return fmt.Errorf("level: snr ceiling %g must be positive: %w", b.MaxDB, dsp.ErrConfig)
	}
	return nil
}

// SNR implements SNREstimator.
func (b BlockSNR) SNR(s BlockStats) float64 {
	noise := s.MeanAbs * b.K
	if noise <= epsilon || s.Power <= 0 {
		return b.MaxDB
	}

	snr := 10 * math.Log10(s.Power/(noise*noise))
	switch {
	case math.IsNaN(snr):
		return b.MaxDB
	case snr > b.MaxDB:
		return b.MaxDB
	case snr < -b.MaxDB:
		return -b.MaxDB
	}
	return snr
}
