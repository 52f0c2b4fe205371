// Package level measures block energy and a coarse SNR figure.
package level

import (
	"fmt"
	"math"

	vecmath "github.com/cwbudde/algo-vecmath"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// Full-scale references for the supported sample encodings.
const (
	FullScaleInt16 = 32768.0
	FullScaleInt32 = 2147483647.0
)

// epsilon keeps the mean square strictly positive before the square root.
const epsilon = 1e-12

// Reading is the level of one channel over one block.
type Reading struct {
	Channel int     `json:"channel"`
	DB      float64 `json:"db"`
	SNR     float64 `json:"snr_db"`
}

// Config configures an Estimator. Amplitudes are in the block's native
// units, so FullScale must match the sample encoding.
type Config struct {
	FullScale float64
	// OffsetDB is added to the dBFS figure, a linear calibration only.
	OffsetDB float64
	FloorDB  float64
	// RMSFloor is the RMS at or below which the block counts as silence.
	RMSFloor float64
	SNR      SNREstimator
}

// DefaultConfig returns the configuration for int16 input with no
// calibration offset.
func DefaultConfig() Config {
	return Config{
		FullScale: FullScaleInt16,
		FloorDB:   -100,
		RMSFloor:  1e-4,
		SNR:       DefaultBlockSNR(),
	}
}

// Estimator turns a filtered block into a Reading. It keeps a scratch buffer
// and is not safe for concurrent use.
type Estimator struct {
	cfg     Config
	scratch []float64
}

// NewEstimator validates cfg and returns an Estimator.
func NewEstimator(cfg Config) (*Estimator, error) {
	if !(cfg.FullScale > 0) || math.IsInf(cfg.FullScale, 0) {
		return nil, fmt.Errorf("level: full scale %g must be positive: %w", cfg.FullScale, dsp.ErrConfig)
	}
	if math.IsNaN(cfg.OffsetDB) || math.IsInf(cfg.OffsetDB, 0) {
		return nil, fmt.Errorf("level: offset %g must be finite: %w", cfg.OffsetDB, dsp.ErrConfig)
	}
	if math.IsNaN(cfg.FloorDB) || math.IsInf(cfg.FloorDB, 0) {
		return nil, fmt.Errorf("level: floor %g must be finite: %w", cfg.FloorDB, dsp.ErrConfig)
	}
	if cfg.RMSFloor < 0 || math.IsNaN(cfg.RMSFloor) {
		return nil, fmt.Errorf("level: rms floor %g must not be negative: %w", cfg.RMSFloor, dsp.ErrConfig)
	}
	if cfg.SNR == nil {
		cfg.SNR = DefaultBlockSNR()
	}
	if v, ok := cfg.SNR.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, err
		}
	}

	return &Estimator{cfg: cfg}, nil
}

// Measure computes the level and SNR of block.
func (e *Estimator) Measure(channel int, block []float64) (Reading, error) {
	if len(block) == 0 {
		return Reading{}, fmt.Errorf("level: empty block on channel %d: %w", channel, dsp.ErrInput)
	}

	s := e.stats(block)
	return Reading{
		Channel: channel,
		DB:      e.dB(s.rms),
		SNR:     e.cfg.SNR.SNR(s),
	}, nil
}

// RMS returns sqrt(mean(x^2) + epsilon) for block.
func (e *Estimator) RMS(block []float64) float64 {
	if len(block) == 0 {
		return math.Sqrt(epsilon)
	}
	return e.stats(block).rms
}

func (e *Estimator) dB(rms float64) float64 {
	if rms <= e.cfg.RMSFloor {
		return e.cfg.FloorDB
	}
	db := 20*math.Log10(rms/e.cfg.FullScale) + e.cfg.OffsetDB
	if db < e.cfg.FloorDB || math.IsNaN(db) {
		return e.cfg.FloorDB
	}
	return db
}

func (e *Estimator) stats(block []float64) BlockStats {
	if cap(e.scratch) < len(block) {
		e.scratch = make([]float64, len(block))
	}
	sq := e.scratch[:len(block)]
	vecmath.MulBlock(sq, block, block)

	var power, abs float64
	for i, v := range sq {
		power += v
		abs += math.Abs(block[i])
	}
	n := float64(len(block))
	power /= n

	return BlockStats{
		Power:       power,
		MeanAbs:     abs / n,
		rms:         math.Sqrt(power + epsilon),
		sampleCount: len(block),
	}
}

// BlockStats are the per-block moments handed to an SNREstimator.
type BlockStats struct {
	// Power is mean(x^2).
	Power float64
	// MeanAbs is mean(|x|).
	MeanAbs float64

	rms         float64
	sampleCount int
}

// Samples returns the number of samples the stats were computed over.
func (s BlockStats) Samples() int { return s.sampleCount }
