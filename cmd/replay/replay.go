package main

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/microdose/pkg/audit"
	"github.com/HatiCode/microdose/pkg/decision"
	"github.com/HatiCode/microdose/pkg/safety"
)

// Divergence is a row whose recomputed dose differs from the recorded one.
type Divergence struct {
	Line       int           `json:"line"`
	Date       string        `json:"date"`
	Proposed   float64       `json:"proposed"`
	Recorded   float64       `json:"recorded"`
	Recomputed float64       `json:"recomputed"`
	Rules      []safety.Rule `json:"rules,omitempty"`
	// NonFiniteProposal is set when the recorded proposal was NaN or
	// infinite; Proposed is then 0.
	NonFiniteProposal bool `json:"nonFiniteProposal,omitempty"`
}

// Report summarizes a replay.
type Report struct {
	Rows        int          `json:"rows"`
	Divergences []Divergence `json:"divergences"`
}

// Tolerance below which two doses are equal.
const Tolerance = 1e-9

// Replay re-applies the chain and rounding to the recorded proposal of every
// entry. Rows recorded with the non_finite fault are replayed as a hard stop,
// since the offending field may not be part of the chain input.
func Replay(entries []audit.Entry, p safety.Policy) (Report, error) {
	rep := Report{Divergences: []Divergence{}}

	for _, e := range entries {
		in, proposed, recorded, err := parseEntry(e)
		if err != nil {
			return rep, err
		}
		rep.Rows++

		var res safety.Result
		if hasFault(e.Values["faults"], decision.FaultNonFinite) {
			res = safety.HardStop(proposed, []string{"recorded"})
		} else {
			res = p.Apply(in, proposed)
		}
		got := safety.Round(res.Dose)

		if !sameDose(got, recorded) {
			d := Divergence{
				Line:       e.Line,
				Date:       e.Values["dateStr"],
				Proposed:   proposed,
				Recorded:   recorded,
				Recomputed: got,
				Rules:      res.Rules(),
			}
			if math.IsNaN(proposed) || math.IsInf(proposed, 0) {
				d.Proposed = 0
				d.NonFiniteProposal = true
			}
			rep.Divergences = append(rep.Divergences, d)
		}
	}
	return rep, nil
}

func parseEntry(e audit.Entry) (safety.Input, float64, float64, error) {
	cols := []string{"bg", "targetBg", "delta", "cob", "iob", "maxIob", "maxSMB", "predictedSMB", "smbGiven"}
	v := make(map[string]float64, len(cols))
	for _, c := range cols {
		f, err := e.Float(c)
		if err != nil {
			return safety.Input{}, 0, 0, err
		}
		v[c] = f
	}

	in := safety.Input{
		Glucose: v["bg"],
		Target:  v["targetBg"],
		Delta:   v["delta"],
		COB:     v["cob"],
		IOB:     v["iob"],
		Limits:  safety.Limits{MaxIOB: v["maxIob"], MaxSMB: v["maxSMB"]},
	}
	return in, v["predictedSMB"], v["smbGiven"], nil
}

func hasFault(column string, f decision.Fault) bool {
	for _, s := range strings.Split(column, ";") {
		if s == string(f) {
			return true
		}
	}
	return false
}

func sameDose(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= Tolerance
}

// loadPolicy reads the safety section of a profile file over the defaults.
func loadPolicy(path string) (safety.Policy, error) {
	p := safety.DefaultPolicy()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read profile: %w", err)
	}
	doc := struct {
		Safety *safety.Policy `yaml:"safety"`
	}{Safety: &p}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return p, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if doc.Safety != nil {
		p = *doc.Safety
	}
	return p, p.Validate()
}
