// Package safety bounds an untrusted micro-bolus proposal with a fixed chain
// of clinical constraints.
//
// The chain runs five stages in order and each stage can only lower the value
// it receives:
//
//  1. IOB ceiling       - IOB + dose may not exceed MaxIOB
//  2. Single-dose cap   - dose may not exceed MaxSMB
//  3. Below target      - zero when low and falling, low without carbs, or under the absolute floor
//  4. Fast drop         - zero when glucose is falling fast for its level
//  5. Non-negativity    - clamp negatives to zero
//
// Every zeroing condition is evaluated even when an earlier stage already
// zeroed the dose, so the [Result] names all rules that held. Non-finite input
// is a hard stop: the dose is forced to zero and [RuleNonFinite] is reported.
// Apply never panics and never returns an error; safety outcomes are values.
package safety

import (
	"math"
)

// Rule identifies a constraint that changed or zeroed the dose.
type Rule string

const (
	RuleIOBCeiling          Rule = "iob_ceiling"
	RuleSMBCeiling          Rule = "smb_ceiling"
	RuleBelowTargetDropping Rule = "below_target_dropping"
	RuleBelowTargetNoCarbs  Rule = "below_target_no_carbs"
	RuleBelowAbsoluteFloor  Rule = "below_absolute_floor"
	RuleDroppingFast        Rule = "dropping_fast"
	RuleDroppingFastAtHigh  Rule = "dropping_fast_at_high"
	RuleDroppingVeryFast    Rule = "dropping_very_fast"
	RuleNegativeFloor       Rule = "negative_floor"
	RuleNonFinite           Rule = "non_finite"
)

// Limits are the configured delivery ceilings, in insulin units.
type Limits struct {
	MaxIOB float64 `json:"maxIob" yaml:"maxIob"`
	MaxSMB float64 `json:"maxSmb" yaml:"maxSmb"`
}

// Input is the part of the patient state the chain reads.
type Input struct {
	Glucose float64
	Target  float64
	Delta   float64
	COB     float64
	IOB     float64
	Limits  Limits
}

// Step records one stage that fired, with the value it received and produced.
type Step struct {
	Rule   Rule    `json:"rule"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
}

// Result is the outcome of the chain, before rounding.
type Result struct {
	Proposed float64 `json:"proposed"`
	Dose     float64 `json:"dose"`
	Steps    []Step  `json:"steps,omitempty"`
	// NonFinite lists the input names that were NaN or infinite.
	NonFinite []string `json:"nonFinite,omitempty"`
}

// Rules returns the rules that fired, in chain order.
func (r Result) Rules() []Rule {
	rules := make([]Rule, 0, len(r.Steps))
	for _, s := range r.Steps {
		rules = append(rules, s.Rule)
	}
	return rules
}

// Fired reports whether rule is part of the result.
func (r Result) Fired(rule Rule) bool {
	for _, s := range r.Steps {
		if s.Rule == rule {
			return true
		}
	}
	return false
}

// Zeroed reports whether a zeroing rule decided the dose.
func (r Result) Zeroed() bool {
	for _, s := range r.Steps {
		switch s.Rule {
		case RuleIOBCeiling, RuleSMBCeiling, RuleNegativeFloor:
		default:
			return true
		}
	}
	return false
}

// Apply runs the chain over proposal.
func (p Policy) Apply(in Input, proposal float64) Result {
	res := Result{Proposed: proposal}

	if bad := nonFinite(in, proposal); len(bad) > 0 {
		return HardStop(proposal, bad)
	}

	dose := proposal
	record := func(rule Rule, before, after float64) {
		res.Steps = append(res.Steps, Step{Rule: rule, Before: before, After: after})
	}

	if next, fired := p.IOBCeiling(dose, in.IOB, in.Limits.MaxIOB); fired {
		record(RuleIOBCeiling, dose, next)
		dose = next
	}

	if next, fired := p.SMBCeiling(dose, in.Limits.MaxSMB); fired {
		record(RuleSMBCeiling, dose, next)
		dose = next
	}

	if rules := p.BelowTarget(in); len(rules) > 0 {
		for _, r := range rules {
			record(r, dose, 0)
		}
		dose = 0
	}

	if rules := p.FastDrop(in); len(rules) > 0 {
		for _, r := range rules {
			record(r, dose, 0)
		}
		dose = 0
	}

	if next, fired := p.NonNegative(dose); fired {
		record(RuleNegativeFloor, dose, next)
		dose = next
	}

	res.Dose = dose
	return res
}

// HardStop is the result for a cycle whose inputs named in bad are not
// finite: the dose is zero and only RuleNonFinite is reported.
func HardStop(proposal float64, bad []string) Result {
	return Result{
		Proposed:  proposal,
		Steps:     []Step{{Rule: RuleNonFinite, Before: proposal, After: 0}},
		NonFinite: bad,
	}
}

// IOBCeiling reduces dose to MaxIOB - IOB when IOB + dose exceeds MaxIOB. The
// result is negative when IOB already exceeds the limit.
func (p Policy) IOBCeiling(dose, iob, maxIOB float64) (float64, bool) {
	if iob+dose > maxIOB {
		return maxIOB - iob, true
	}
	return dose, false
}

// SMBCeiling clamps dose to the single-dose limit.
func (p Policy) SMBCeiling(dose, maxSMB float64) (float64, bool) {
	if dose > maxSMB {
		return maxSMB, true
	}
	return dose, false
}

// BelowTarget returns the below-target rules whose conditions hold.
func (p Policy) BelowTarget(in Input) []Rule {
	var rules []Rule
	below := in.Glucose < in.Target
	if below && in.Delta < p.BelowTargetDroppingDelta {
		rules = append(rules, RuleBelowTargetDropping)
	}
	if below && in.Delta <= p.BelowTargetRisingDelta && in.COB <= p.BelowTargetMaxCOB {
		rules = append(rules, RuleBelowTargetNoCarbs)
	}
	if in.Glucose < p.AbsoluteFloor {
		rules = append(rules, RuleBelowAbsoluteFloor)
	}
	return rules
}

// FastDrop returns the fast-drop rules whose conditions hold.
func (p Policy) FastDrop(in Input) []Rule {
	var rules []Rule
	if in.Glucose < p.FastDropGlucose && in.Delta < p.FastDropDelta {
		rules = append(rules, RuleDroppingFast)
	}
	if in.Glucose < p.HighDropGlucose && in.Delta < p.HighDropDelta {
		rules = append(rules, RuleDroppingFastAtHigh)
	}
	if in.Delta < p.VeryFastDropDelta {
		rules = append(rules, RuleDroppingVeryFast)
	}
	return rules
}

// NonNegative clamps negative doses to zero.
func (p Policy) NonNegative(dose float64) (float64, bool) {
	if dose < 0 {
		return 0, true
	}
	return dose, false
}

func nonFinite(in Input, proposal float64) []string {
	fields := []struct {
		name  string
		value float64
	}{
		{"proposal", proposal},
		{"bg", in.Glucose},
		{"targetBg", in.Target},
		{"delta", in.Delta},
		{"cob", in.COB},
		{"iob", in.IOB},
		{"maxIob", in.Limits.MaxIOB},
		{"maxSmb", in.Limits.MaxSMB},
	}
	var bad []string
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			bad = append(bad, f.name)
		}
	}
	return bad
}
