package snapshot

import (
	"time"
)

// Inputs are the raw per-cycle values supplied by upstream collaborators.
// Zero values are valid; LastCarbTime may be zero when no carb entry is known.
type Inputs struct {
	Session string    `json:"session" yaml:"session"`
	Now     time.Time `json:"now" yaml:"now"`

	Glucose float64 `json:"bg" yaml:"bg"`
	Delta   float64 `json:"delta" yaml:"delta"`
	Short   float64 `json:"shortAvgDelta" yaml:"shortAvgDelta"`
	Long    float64 `json:"longAvgDelta" yaml:"longAvgDelta"`
	Noise   float64 `json:"noise" yaml:"noise"`

	BolusIOB float64 `json:"bolusIob" yaml:"bolusIob"`
	BasalIOB float64 `json:"basalIob" yaml:"basalIob"`

	COB          float64   `json:"cob" yaml:"cob"`
	LastCarbTime time.Time `json:"lastCarbTime" yaml:"lastCarbTime"`
	FutureCarbs  float64   `json:"futureCarbs" yaml:"futureCarbs"`

	TDD7DayAverage float64 `json:"tdd7Days" yaml:"tdd7Days"`
	TDDToday       float64 `json:"tddDaily" yaml:"tddDaily"`
	TDD24Hours     float64 `json:"tdd24Hrs" yaml:"tdd24Hrs"`

	// Steps holds the trailing 5/10/15/30/60 minute step counts.
	Steps [5]int `json:"steps" yaml:"steps"`

	// Target is the context target glucose; <= 0 falls back to the profile target.
	Target float64 `json:"targetBg" yaml:"targetBg"`
}

// Params are the read-only profile values and thresholds the builder applies.
type Params struct {
	MaxIOB float64
	MaxSMB float64
	Target float64

	// Location selects the wall clock used for hour-of-day and weekend.
	// Nil means time.Local.
	Location *time.Location

	// LowActivitySteps is the 30-minute step count below which the patient
	// counts as resting.
	LowActivitySteps int
	// DayStartHour and DayEndHour bound (inclusive) the hours counted as day
	// for the rest flags.
	DayStartHour int
	DayEndHour   int

	// FullEveningBucket makes the 18-20 bucket cover hours 18, 19 and 20.
	// When false the bucket is set only at hour 18, which leaves 19 and 20
	// without any bucket. Models trained on historical audit logs expect the
	// single-hour behavior.
	FullEveningBucket bool
}

// DefaultParams returns the stock profile values.
func DefaultParams() Params {
	return Params{
		MaxIOB:           5.0,
		MaxSMB:           1.0,
		Target:           100,
		LowActivitySteps: 50,
		DayStartHour:     8,
		DayEndHour:       21,
	}
}

// noCarbAge is used when no carb entry is known.
const noCarbAge = 24 * time.Hour

// Build normalizes raw inputs into a Snapshot. It never fails: fields that are
// not finite are kept as-is and reported by Snapshot.NonFinite.
func Build(in Inputs, p Params) Snapshot {
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}
	local := now.In(loc)
	hour := local.Hour()

	target := in.Target
	if target <= 0 {
		target = p.Target
	}

	return Snapshot{
		Session: in.Session,
		At:      now,
		Glucose: Glucose{
			Current:       in.Glucose,
			Delta:         in.Delta,
			ShortAvgDelta: in.Short,
			LongAvgDelta:  in.Long,
			Noise:         in.Noise,
		},
		Insulin: Insulin{
			BolusIOB: in.BolusIOB,
			BasalIOB: in.BasalIOB,
			IOB:      in.BolusIOB + in.BasalIOB,
			MaxIOB:   p.MaxIOB,
			MaxSMB:   p.MaxSMB,
		},
		Carbs: Carbs{
			COB:            in.COB,
			LastCarbAgeMin: carbAgeMinutes(now, in.LastCarbTime),
			FutureCarbs:    in.FutureCarbs,
		},
		Temporal: Temporal{
			Hour:    hour,
			Weekend: local.Weekday() == time.Saturday || local.Weekday() == time.Sunday,
			Buckets: Buckets(hour, p.FullEveningBucket),
		},
		History: History{
			TDD7Days:        in.TDD7DayAverage,
			TDD7DaysPerHour: in.TDD7DayAverage / 24,
			TDDDaily:        in.TDDToday,
			TDDPerHour:      in.TDDToday / float64(hour+1),
			TDD24Hrs:        in.TDD24Hours,
			TDD24HrsPerHour: in.TDD24Hours / 24,
		},
		Activity: restFlags(Activity{
			Steps5:  in.Steps[0],
			Steps10: in.Steps[1],
			Steps15: in.Steps[2],
			Steps30: in.Steps[3],
			Steps60: in.Steps[4],
		}, hour, p),
		Target: target,
	}
}

// Buckets returns the eight time-of-day flags for hour. Each bucket spans three
// hours except 18-20, which spans only hour 18 unless fullEvening is set.
func Buckets(hour int, fullEvening bool) [BucketCount]bool {
	var b [BucketCount]bool
	b[0] = hour >= 0 && hour <= 2
	b[1] = hour >= 3 && hour <= 5
	b[2] = hour >= 6 && hour <= 8
	b[3] = hour >= 9 && hour <= 11
	b[4] = hour >= 12 && hour <= 14
	b[5] = hour >= 15 && hour <= 17
	if fullEvening {
		b[6] = hour >= 18 && hour <= 20
	} else {
		b[6] = hour == 18
	}
	b[7] = hour >= 21 && hour <= 23
	return b
}

func carbAgeMinutes(now, last time.Time) int {
	if last.IsZero() {
		last = now.Add(-noCarbAge)
	}
	return int(now.Sub(last) / time.Minute)
}

func restFlags(a Activity, hour int, p Params) Activity {
	resting := a.Steps30 < p.LowActivitySteps
	day := hour >= p.DayStartHour && hour <= p.DayEndHour
	a.Sleep = resting && !day
	a.Sedentary = resting && day
	return a
}
