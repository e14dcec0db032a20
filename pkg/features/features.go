// Package features turns a patient snapshot into the fixed-order numeric
// vector consumed by the dose predictor.
//
// The order of [Names] is the wire contract with every predictor artifact.
// Changing it requires bumping [SchemaVersion]; artifacts trained on another
// order are rejected at load time.
package features

import (
	"github.com/HatiCode/microdose/pkg/snapshot"
)

// Len is the number of features in a Vector.
const Len = 37

// SchemaVersion identifies the current feature order.
const SchemaVersion = "aismb-v1"

// Vector is the ordered feature vector. Flags encode as 1 or 0.
type Vector [Len]float64

// Names lists the feature names in vector order.
var Names = [Len]string{
	"hourOfDay",
	"hour0_2", "hour3_5", "hour6_8", "hour9_11", "hour12_14", "hour15_17", "hour18_20", "hour21_23",
	"weekend",
	"bg", "targetBg", "iob", "cob", "lastCarbAgeMin", "futureCarbs",
	"delta", "shortAvgDelta", "longAvgDelta",
	"accelerating_up", "deccelerating_up", "accelerating_down", "deccelerating_down", "stable",
	"tdd7Days", "tdd7DaysPerHour", "tddDaily", "tddPerHour", "tdd24Hrs", "tdd24HrsPerHour",
	"recentSteps5Minutes", "recentSteps10Minutes", "recentSteps15Minutes", "recentSteps30Minutes", "recentSteps60Minutes",
	"sleep", "sedentary",
}

// Derive builds the feature vector for s. It is pure and total: identical
// snapshots produce bit-identical vectors.
func Derive(s snapshot.Snapshot) Vector {
	var v Vector
	i := 0
	put := func(x float64) {
		v[i] = x
		i++
	}

	put(float64(s.Temporal.Hour))
	for _, b := range s.Temporal.Buckets {
		put(flag(b))
	}
	put(flag(s.Temporal.Weekend))

	put(s.Glucose.Current)
	put(s.Target)
	put(s.Insulin.IOB)
	put(s.Carbs.COB)
	put(float64(s.Carbs.LastCarbAgeMin))
	put(s.Carbs.FutureCarbs)
	put(s.Glucose.Delta)
	put(s.Glucose.ShortAvgDelta)
	put(s.Glucose.LongAvgDelta)

	for _, f := range ClassifyTrend(s.Glucose).Flags() {
		put(flag(f))
	}

	put(s.History.TDD7Days)
	put(s.History.TDD7DaysPerHour)
	put(s.History.TDDDaily)
	put(s.History.TDDPerHour)
	put(s.History.TDD24Hrs)
	put(s.History.TDD24HrsPerHour)

	put(float64(s.Activity.Steps5))
	put(float64(s.Activity.Steps10))
	put(float64(s.Activity.Steps15))
	put(float64(s.Activity.Steps30))
	put(float64(s.Activity.Steps60))

	put(flag(s.Activity.Sleep))
	put(flag(s.Activity.Sedentary))

	return v
}

// Map returns the vector keyed by feature name.
func (v Vector) Map() map[string]float64 {
	m := make(map[string]float64, Len)
	for i, name := range Names {
		m[name] = v[i]
	}
	return m
}

// Get returns the value of the named feature.
func (v Vector) Get(name string) (float64, bool) {
	for i, n := range Names {
		if n == name {
			return v[i], true
		}
	}
	return 0, false
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
