// Package threshold resolves the active detection limit from the time of day.
package threshold

import (
	"fmt"
	"math"
	"time"

	"github.com/teslashibe/floorwatch/internal/dsp"
)

// Period labels the legal time window a threshold belongs to.
type Period string

const (
	Day   Period = "DAY"
	Night Period = "NIGHT"
)

// Night window boundaries in local time: [22:00, 06:00).
const (
	NightStartHour = 22
	NightEndHour   = 6
)

// State is the threshold in force at a given instant.
type State struct {
	ThresholdDB float64 `json:"threshold_db"`
	Period      Period  `json:"period"`
}

// Schedule holds the day and night limits.
type Schedule struct {
	day   float64
	night float64
}

// New returns a Schedule. The night limit may not be looser than the day limit.
func New(dayDB, nightDB float64) (*Schedule, error) {
	if math.IsNaN(dayDB) || math.IsNaN(nightDB) || math.IsInf(dayDB, 0) || math.IsInf(nightDB, 0) {
		return nil, fmt.Errorf("threshold: limits must be finite (day %g, night %g): %w", dayDB, nightDB, dsp.ErrConfig)
	}
	if nightDB > dayDB {
		return nil, fmt.Errorf("threshold: night limit %g above day limit %g: %w", nightDB, dayDB, dsp.ErrConfig)
	}
	return &Schedule{day: dayDB, night: nightDB}, nil
}

// Resolve returns the threshold in force at now, using now's location.
func (s *Schedule) Resolve(now time.Time) State {
	if IsNight(now) {
		return State{ThresholdDB: s.night, Period: Night}
	}
	return State{ThresholdDB: s.day, Period: Day}
}

// Limits returns the configured day and night thresholds.
func (s *Schedule) Limits() (dayDB, nightDB float64) {
	return s.day, s.night
}

// IsNight reports whether t falls in [22:00, 06:00) of its location.
func IsNight(t time.Time) bool {
	h := t.Hour()
	return h >= NightStartHour || h < NightEndHour
}
