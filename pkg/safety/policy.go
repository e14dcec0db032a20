package safety

import (
	"errors"
	"fmt"
)

// Policy holds the thresholds of the zeroing stages. It is an immutable value
// passed into every decision; glucose values are in mg/dL and deltas in mg/dL
// per 5 minutes.
type Policy struct {
	// Below-target stage.
	BelowTargetDroppingDelta float64 `yaml:"belowTargetDroppingDelta"` // zero when below target and delta < this
	BelowTargetRisingDelta   float64 `yaml:"belowTargetRisingDelta"`   // zero when below target, delta <= this and COB low
	BelowTargetMaxCOB        float64 `yaml:"belowTargetMaxCob"`
	AbsoluteFloor            float64 `yaml:"absoluteFloor"`

	// Fast-drop stage.
	FastDropGlucose   float64 `yaml:"fastDropGlucose"`
	FastDropDelta     float64 `yaml:"fastDropDelta"`
	HighDropGlucose   float64 `yaml:"highDropGlucose"`
	HighDropDelta     float64 `yaml:"highDropDelta"`
	VeryFastDropDelta float64 `yaml:"veryFastDropDelta"`
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		BelowTargetDroppingDelta: -1,
		BelowTargetRisingDelta:   2,
		BelowTargetMaxCOB:        5,
		AbsoluteFloor:            70,
		FastDropGlucose:          150,
		FastDropDelta:            -5,
		HighDropGlucose:          200,
		HighDropDelta:            -7,
		VeryFastDropDelta:        -10,
	}
}

// Validate rejects policies that would disable a protection or make one
// fire less often than the stock thresholds. Stricter values are accepted.
// The fast-drop deltas must stay negative.
func (p Policy) Validate() error {
	ref := DefaultPolicy()
	var errs []error

	// Every condition holds while the reading is under its threshold, so a
	// lower threshold fires less often.
	atLeast := []struct {
		name         string
		value, bound float64
	}{
		{"absoluteFloor", p.AbsoluteFloor, ref.AbsoluteFloor},
		{"belowTargetDroppingDelta", p.BelowTargetDroppingDelta, ref.BelowTargetDroppingDelta},
		{"belowTargetRisingDelta", p.BelowTargetRisingDelta, ref.BelowTargetRisingDelta},
		{"belowTargetMaxCob", p.BelowTargetMaxCOB, ref.BelowTargetMaxCOB},
		{"fastDropGlucose", p.FastDropGlucose, ref.FastDropGlucose},
		{"fastDropDelta", p.FastDropDelta, ref.FastDropDelta},
		{"highDropGlucose", p.HighDropGlucose, ref.HighDropGlucose},
		{"highDropDelta", p.HighDropDelta, ref.HighDropDelta},
		{"veryFastDropDelta", p.VeryFastDropDelta, ref.VeryFastDropDelta},
	}
	for _, b := range atLeast {
		if !(b.value >= b.bound) {
			errs = append(errs, fmt.Errorf("%s %v is looser than %v", b.name, b.value, b.bound))
		}
	}

	deltas := []struct {
		name  string
		value float64
	}{
		{"fastDropDelta", p.FastDropDelta},
		{"highDropDelta", p.HighDropDelta},
		{"veryFastDropDelta", p.VeryFastDropDelta},
	}
	for _, d := range deltas {
		if d.value >= 0 {
			errs = append(errs, fmt.Errorf("%s must be negative, got %v", d.name, d.value))
		}
	}
	return errors.Join(errs...)
}

// Validate checks the limits are usable ceilings.
func (l Limits) Validate() error {
	if l.MaxIOB < 0 {
		return fmt.Errorf("maxIob must be >= 0, got %v", l.MaxIOB)
	}
	if l.MaxSMB < 0 {
		return fmt.Errorf("maxSmb must be >= 0, got %v", l.MaxSMB)
	}
	return nil
}
