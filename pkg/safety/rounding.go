package safety

import "math"

// DeliveryStep is the pump delivery granularity in insulin units.
const DeliveryStep = 0.05

// Round quantizes dose to the nearest DeliveryStep, halves away from zero.
// It is applied once, after the full chain. On the non-negative doses the
// chain produces this is the same as rounding half up.
func Round(dose float64) float64 {
	return RoundTo(dose, DeliveryStep)
}

// RoundTo quantizes dose to the nearest multiple of step. Non-finite doses
// and non-positive steps are returned unchanged.
func RoundTo(dose, step float64) float64 {
	if step <= 0 || math.IsNaN(dose) || math.IsInf(dose, 0) {
		return dose
	}
	perUnit := 1 / step
	return math.Round(dose*perUnit) / perUnit
}
