// Package snapshot builds the immutable per-cycle patient state that feeds the
// dosing pipeline.
//
// Upstream collaborators (glucose source, IOB/COB calculators, TDD statistics,
// step counter, profile) deliver raw values as [Inputs]. [Build] normalizes
// them into a [Snapshot]: it derives the temporal flags (hour of day, weekend,
// 3-hour buckets), the insulin totals, the carb age, the TDD hourly rates and
// the rest-state flags. A Snapshot is a plain value; downstream stages receive
// copies and never mutate it.
package snapshot

import (
	"math"
	"time"
)

// BucketCount is the number of time-of-day bucket flags.
const BucketCount = 8

// Glucose carries the CGM-derived glucose status, in glucose units (mg/dL).
type Glucose struct {
	Current       float64 `json:"bg"`
	Delta         float64 `json:"delta"`
	ShortAvgDelta float64 `json:"shortAvgDelta"`
	LongAvgDelta  float64 `json:"longAvgDelta"`
	Noise         float64 `json:"noise"`
}

// Insulin carries insulin-on-board and the configured delivery limits.
type Insulin struct {
	BolusIOB float64 `json:"bolusIob"`
	BasalIOB float64 `json:"basalIob"`
	// IOB is BolusIOB + BasalIOB.
	IOB    float64 `json:"iob"`
	MaxIOB float64 `json:"maxIob"`
	MaxSMB float64 `json:"maxSmb"`
}

// Carbs carries carbohydrate state.
type Carbs struct {
	COB            float64 `json:"cob"`
	LastCarbAgeMin int     `json:"lastCarbAgeMin"`
	FutureCarbs    float64 `json:"futureCarbs"`
}

// Temporal carries the time-of-day context of the decision.
type Temporal struct {
	Hour    int               `json:"hourOfDay"`
	Weekend bool              `json:"weekend"`
	Buckets [BucketCount]bool `json:"buckets"`
}

// History carries total-daily-dose statistics and their hourly rates.
type History struct {
	TDD7Days        float64 `json:"tdd7Days"`
	TDD7DaysPerHour float64 `json:"tdd7DaysPerHour"`
	TDDDaily        float64 `json:"tddDaily"`
	TDDPerHour      float64 `json:"tddPerHour"`
	TDD24Hrs        float64 `json:"tdd24Hrs"`
	TDD24HrsPerHour float64 `json:"tdd24HrsPerHour"`
}

// Activity carries trailing step counts and the derived rest flags.
type Activity struct {
	Steps5    int  `json:"recentSteps5Minutes"`
	Steps10   int  `json:"recentSteps10Minutes"`
	Steps15   int  `json:"recentSteps15Minutes"`
	Steps30   int  `json:"recentSteps30Minutes"`
	Steps60   int  `json:"recentSteps60Minutes"`
	Sleep     bool `json:"sleep"`
	Sedentary bool `json:"sedentary"`
}

// Snapshot is the canonical patient state for one decision cycle.
type Snapshot struct {
	Session  string    `json:"session"`
	At       time.Time `json:"at"`
	Glucose  Glucose   `json:"glucose"`
	Insulin  Insulin   `json:"insulin"`
	Carbs    Carbs     `json:"carbs"`
	Temporal Temporal  `json:"temporal"`
	History  History   `json:"history"`
	Activity Activity  `json:"activity"`
	Target   float64   `json:"targetBg"`
}

// NonFinite returns the names of floating fields holding NaN or ±Inf, in a
// fixed order. An empty result means every field is usable.
func (s Snapshot) NonFinite() []string {
	fields := []struct {
		name  string
		value float64
	}{
		{"bg", s.Glucose.Current},
		{"delta", s.Glucose.Delta},
		{"shortAvgDelta", s.Glucose.ShortAvgDelta},
		{"longAvgDelta", s.Glucose.LongAvgDelta},
		{"noise", s.Glucose.Noise},
		{"iob", s.Insulin.IOB},
		{"maxIob", s.Insulin.MaxIOB},
		{"maxSmb", s.Insulin.MaxSMB},
		{"cob", s.Carbs.COB},
		{"futureCarbs", s.Carbs.FutureCarbs},
		{"tdd7Days", s.History.TDD7Days},
		{"tdd7DaysPerHour", s.History.TDD7DaysPerHour},
		{"tddDaily", s.History.TDDDaily},
		{"tddPerHour", s.History.TDDPerHour},
		{"tdd24Hrs", s.History.TDD24Hrs},
		{"tdd24HrsPerHour", s.History.TDD24HrsPerHour},
		{"targetBg", s.Target},
	}

	var bad []string
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			bad = append(bad, f.name)
		}
	}
	return bad
}
