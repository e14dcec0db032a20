// Package metrics instruments the engine with Prometheus metrics, served on
// /metrics. Every metric carries the session as a constant label.
//
//   - microdose_collect_seconds: time spent collecting inputs
//   - microdose_decide_seconds: time spent in one pipeline run
//   - microdose_predict_seconds: time spent in the predictor
//   - microdose_proposed_dose_units / microdose_final_dose_units: last doses
//   - microdose_decision_age_seconds: age of the latest decision
//   - microdose_rules_fired_total{rule}: safety rules that held
//   - microdose_faults_total{fault}: faults decisions completed through
//   - microdose_errors_total{component,reason}
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/microdose/pkg/decision"
)

// Metrics holds the engine's collectors.
type Metrics struct {
	CollectSeconds     prometheus.Histogram
	DecideSeconds      prometheus.Histogram
	PredictSeconds     prometheus.Histogram
	ProposedDose       prometheus.Gauge
	FinalDose          prometheus.Gauge
	DecisionAgeSeconds prometheus.Gauge
	RulesFiredTotal    *prometheus.CounterVec
	FaultsTotal        *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
}

// New registers the collectors on the default registry.
func New(session string) *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer, session)
}

// NewWithRegisterer registers the collectors on reg.
func NewWithRegisterer(reg prometheus.Registerer, session string) *Metrics {
	labels := prometheus.Labels{"session": session}
	f := promauto.With(reg)

	return &Metrics{
		CollectSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "microdose_collect_seconds",
			Help:        "Time spent collecting inputs from the data source",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		DecideSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "microdose_decide_seconds",
			Help:        "Time spent deciding one dose",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		PredictSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "microdose_predict_seconds",
			Help:        "Time spent in the predictor",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ProposedDose: f.NewGauge(prometheus.GaugeOpts{
			Name:        "microdose_proposed_dose_units",
			Help:        "Dose proposed by the predictor in the latest decision",
			ConstLabels: labels,
		}),
		FinalDose: f.NewGauge(prometheus.GaugeOpts{
			Name:        "microdose_final_dose_units",
			Help:        "Dose requested from the pump in the latest decision",
			ConstLabels: labels,
		}),
		DecisionAgeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name:        "microdose_decision_age_seconds",
			Help:        "Age of the latest decision",
			ConstLabels: labels,
		}),
		RulesFiredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "microdose_rules_fired_total",
			Help:        "Safety rules whose conditions held, by rule",
			ConstLabels: labels,
		}, []string{"rule"}),
		FaultsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "microdose_faults_total",
			Help:        "Decisions completed through a fault, by fault",
			ConstLabels: labels,
		}, []string{"fault"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "microdose_errors_total",
			Help:        "Errors by component and reason",
			ConstLabels: labels,
		}, []string{"component", "reason"}),
	}
}

// RecordCollect observes a collect duration.
func (m *Metrics) RecordCollect(seconds float64) {
	m.CollectSeconds.Observe(seconds)
}

// RecordDecision updates the dose gauges and counters from d.
func (m *Metrics) RecordDecision(d decision.Decision, decideSeconds, predictSeconds float64) {
	m.DecideSeconds.Observe(decideSeconds)
	m.PredictSeconds.Observe(predictSeconds)
	m.ProposedDose.Set(d.Proposed)
	m.FinalDose.Set(d.Final)
	m.DecisionAgeSeconds.Set(0)
	for _, r := range d.Rules {
		m.RulesFiredTotal.WithLabelValues(string(r)).Inc()
	}
	for _, f := range d.Faults {
		m.FaultsTotal.WithLabelValues(string(f)).Inc()
	}
}

// SetDecisionAge sets the age of the latest decision.
func (m *Metrics) SetDecisionAge(seconds float64) {
	m.DecisionAgeSeconds.Set(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}
