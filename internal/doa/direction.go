// Package doa estimates which side of a two-microphone pair a sound came from.
package doa

import (
	"fmt"
	"math"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// Direction is the left/right classification of an event.
type Direction string

const (
	Left    Direction = "LEFT"
	Right   Direction = "RIGHT"
	Center  Direction = "CENTER"
	Unknown Direction = "UNKNOWN"
)

// Strategy names.
const (
	StrategyGCCPHAT = "gcc-phat"
	StrategyLevel   = "level"
)

// DefaultMarginDB is the level difference LevelStrategy needs before it
// picks a side.
const DefaultMarginDB = 3.0

// Estimate is the direction result for one block pair.
type Estimate struct {
	// DelaySeconds is positive when the left channel leads.
	DelaySeconds float64   `json:"delay_seconds"`
	Lag          int       `json:"lag_samples"`
	Peak         float64   `json:"peak"`
	Direction    Direction `json:"direction"`
	Strategy     string    `json:"strategy"`
}

// Input carries one synchronized block pair and the per-channel levels.
// SampleRate may be left zero when the caller has already checked it.
type Input struct {
	Left, Right     []float64
	LeftDB, RightDB float64
	SampleRate      float64
}

// Strategy turns a block pair into an Estimate.
type Strategy interface {
	Name() string
	Estimate(in Input) (Estimate, error)
}

// Classify maps a signed delay to a Direction.
func Classify(delaySeconds float64) Direction {
	switch {
	case delaySeconds > 0:
		return Left
	case delaySeconds < 0:
		return Right
	default:
		return Center
	}
}

// LevelStrategy is the coarse classifier: the louder channel wins when it
// is more than MarginDB above the other.
type LevelStrategy struct {
	MarginDB float64
}

// NewLevelStrategy validates the margin.
func NewLevelStrategy(marginDB float64) (*LevelStrategy, error) {
	if marginDB < 0 || math.IsNaN(marginDB) || math.IsInf(marginDB, 0) {
		return nil, fmt.Errorf("doa: level margin %g must be a non-negative number: %w", marginDB, dsp.ErrConfig)
	}
	return &LevelStrategy{MarginDB: marginDB}, nil
}

// Name implements Strategy.
func (l *LevelStrategy) Name() string { return StrategyLevel }

// Estimate implements Strategy. Delay is always zero.
func (l *LevelStrategy) Estimate(in Input) (Estimate, error) {
	if math.IsNaN(in.LeftDB) || math.IsNaN(in.RightDB) {
		return Estimate{}, fmt.Errorf("doa: level is NaN: %w", dsp.ErrInput)
	}

	dir := Center
	switch diff := in.LeftDB - in.RightDB; {
	case diff > l.MarginDB:
		dir = Left
	case -diff > l.MarginDB:
		dir = Right
	}
	return Estimate{Direction: dir, Strategy: StrategyLevel}, nil
}

// New returns the named strategy. opts apply to GCC-PHAT only.
func New(name string, sampleRate, marginDB float64, opts ...Option) (Strategy, error) {
	switch name {
	case "", StrategyGCCPHAT:
		return NewGCCPHAT(sampleRate, opts...)
	case StrategyLevel:
		return NewLevelStrategy(marginDB)
	default:
		return nil, fmt.Errorf("doa: unknown strategy %q: %w", name, dsp.ErrConfig)
	}
}
