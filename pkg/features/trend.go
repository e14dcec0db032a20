package features

import "github.com/HatiCode/microdose/pkg/snapshot"

// Trend classifies the glucose movement from the three deltas. The flags are
// evaluated independently and may overlap; for example delta 1 with a short
// average of 2 is both decelerating-up and stable.
type Trend struct {
	AcceleratingUp   bool `json:"acceleratingUp"`
	DeceleratingUp   bool `json:"deceleratingUp"`
	AcceleratingDown bool `json:"acceleratingDown"`
	DeceleratingDown bool `json:"deceleratingDown"`
	Stable           bool `json:"stable"`
}

// ClassifyTrend derives the trend flags from a glucose status.
func ClassifyTrend(g snapshot.Glucose) Trend {
	d, short, long := g.Delta, g.ShortAvgDelta, g.LongAvgDelta
	return Trend{
		AcceleratingUp:   d > 2 && d-long > 2,
		DeceleratingUp:   d > 0 && (d < short || d < long),
		AcceleratingDown: d < -2 && d-long < -2,
		DeceleratingDown: d < 0 && (d > short || d > long),
		Stable:           within3(d) && within3(short) && within3(long),
	}
}

// Flags returns the flags in vector order.
func (t Trend) Flags() [5]bool {
	return [5]bool{t.AcceleratingUp, t.DeceleratingUp, t.AcceleratingDown, t.DeceleratingDown, t.Stable}
}

func within3(x float64) bool {
	return x > -3 && x < 3
}
