// Package decision assembles the audit record and the pump command for one
// dosing cycle and hands the record to an append-only sink.
package decision

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/microdose/pkg/features"
	"github.com/HatiCode/microdose/pkg/safety"
	"github.com/HatiCode/microdose/pkg/snapshot"
)

// Fault marks an abnormal condition the decision completed through.
type Fault string

const (
	FaultNoModel        Fault = "no_model"
	FaultPredictorError Fault = "predictor_error"
	FaultNonFinite      Fault = "non_finite"
)

// TempBasalMinutes is the duration of the zero temp basal sent with every command.
const TempBasalMinutes = 120

// Decision is the write-once audit unit of a dosing cycle.
type Decision struct {
	ID        string            `json:"id"`
	Session   string            `json:"session"`
	At        time.Time         `json:"at"`
	Snapshot  snapshot.Snapshot `json:"snapshot"`
	Trend     features.Trend    `json:"trend"`
	Model     string            `json:"model"`
	Proposed  float64           `json:"proposed"`
	Final     float64           `json:"final"`
	Rules     []safety.Rule     `json:"rules,omitempty"`
	Steps     []safety.Step     `json:"steps,omitempty"`
	NonFinite []string          `json:"nonFinite,omitempty"`
	Faults    []Fault           `json:"faults,omitempty"`
	Rationale string            `json:"rationale"`
}

// New assembles a Decision from the chain result and the rounded final dose.
func New(s snapshot.Snapshot, model string, res safety.Result, final float64, faults []Fault) Decision {
	d := Decision{
		ID:        uuid.NewString(),
		Session:   s.Session,
		At:        s.At,
		Snapshot:  s,
		Trend:     features.ClassifyTrend(s.Glucose),
		Model:     model,
		Proposed:  res.Proposed,
		Final:     final,
		Rules:     res.Rules(),
		Steps:     res.Steps,
		NonFinite: res.NonFinite,
		Faults:    faults,
	}
	d.Rationale = Rationale(d.Proposed, d.Final, d.Rules, d.Faults)
	return d
}

// HasFault reports whether f was raised for the decision.
func (d Decision) HasFault(f Fault) bool {
	for _, x := range d.Faults {
		if x == f {
			return true
		}
	}
	return false
}

// Finite returns a copy of d with every NaN or infinite number replaced by
// zero, for encodings that cannot carry them (JSON). The affected names stay
// listed in NonFinite.
func (d Decision) Finite() Decision {
	s := &d.Snapshot
	for _, p := range []*float64{
		&s.Glucose.Current, &s.Glucose.Delta, &s.Glucose.ShortAvgDelta, &s.Glucose.LongAvgDelta, &s.Glucose.Noise,
		&s.Insulin.BolusIOB, &s.Insulin.BasalIOB, &s.Insulin.IOB, &s.Insulin.MaxIOB, &s.Insulin.MaxSMB,
		&s.Carbs.COB, &s.Carbs.FutureCarbs,
		&s.History.TDD7Days, &s.History.TDD7DaysPerHour, &s.History.TDDDaily,
		&s.History.TDDPerHour, &s.History.TDD24Hrs, &s.History.TDD24HrsPerHour,
		&s.Target, &d.Proposed, &d.Final,
	} {
		*p = finite(*p)
	}
	if len(d.Steps) > 0 {
		steps := make([]safety.Step, len(d.Steps))
		for i, st := range d.Steps {
			st.Before, st.After = finite(st.Before), finite(st.After)
			steps[i] = st
		}
		d.Steps = steps
	}
	return d
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

// Rationale renders the human-readable reason sent with the command. The
// sentence is a pure function of its arguments.
func Rationale(proposed, final float64, rules []safety.Rule, faults []Fault) string {
	var b strings.Builder
	b.WriteString("The ai model predicted SMB of ")
	b.WriteString(FormatUnits(proposed))
	b.WriteString("u and after safety requirements and rounding to .05, requested ")
	b.WriteString(FormatUnits(final))
	b.WriteString("u to the pump")

	if len(rules) > 0 {
		b.WriteString("; constrained by ")
		for i, r := range rules {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(r))
		}
	}
	if len(faults) > 0 {
		b.WriteString("; faults: ")
		for i, f := range faults {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(f))
		}
	}
	return b.String()
}

// FormatUnits prints a dose in its shortest form, always with a decimal
// point: 1 -> "1.0", 0.2 -> "0.2".
func FormatUnits(u float64) string {
	s := strconv.FormatFloat(u, 'f', -1, 64)
	if !strings.ContainsAny(s, ".NI") {
		s += ".0"
	}
	return s
}

// Command is the structured instruction handed to the pump driver.
type Command struct {
	TempBasalRequested bool       `json:"tempBasalRequested"`
	Rate               float64    `json:"rate"`
	DurationMinutes    int        `json:"durationMinutes"`
	SMB                float64    `json:"smb"`
	DeliverAt          *time.Time `json:"deliverAt,omitempty"`
	Reason             string     `json:"reason"`
}

// NewCommand derives the pump command from a decision. DeliverAt is set only
// when there is something to deliver.
func NewCommand(d Decision) Command {
	c := Command{
		TempBasalRequested: true,
		Rate:               0,
		DurationMinutes:    TempBasalMinutes,
		SMB:                d.Final,
		Reason:             d.Rationale,
	}
	if d.Final > 0 {
		at := d.At
		c.DeliverAt = &at
	}
	return c
}
