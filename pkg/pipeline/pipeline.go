// Package pipeline runs one dosing cycle: derive features, ask the predictor,
// bound the proposal with the safety chain, round it to the pump step and
// record the decision.
//
// A Pipeline holds only read-only configuration and is safe for concurrent use
// across sessions. Decisions for the same session must be serialized by the
// caller.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/HatiCode/microdose/pkg/decision"
	"github.com/HatiCode/microdose/pkg/features"
	"github.com/HatiCode/microdose/pkg/predictor"
	"github.com/HatiCode/microdose/pkg/safety"
	"github.com/HatiCode/microdose/pkg/snapshot"
)

// Config wires a Pipeline.
type Config struct {
	Predictor predictor.Predictor
	Policy    safety.Policy
	Recorder  *decision.Recorder
	// PredictTimeout bounds a single predictor call. Zero means no bound
	// beyond the caller's context.
	PredictTimeout time.Duration
	Logger         *slog.Logger
}

// Pipeline is the linear decision flow for one snapshot.
type Pipeline struct {
	predictor      predictor.Predictor
	policy         safety.Policy
	recorder       *decision.Recorder
	predictTimeout time.Duration
	logger         *slog.Logger
}

// Outcome is everything a cycle produces.
type Outcome struct {
	Decision decision.Decision
	Command  decision.Command
	// PredictDuration is the time spent in the predictor.
	PredictDuration time.Duration
}

// New builds a Pipeline. A nil predictor behaves as an absent model, a nil
// recorder discards decisions and a zero Policy means safety.DefaultPolicy.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Predictor == nil {
		cfg.Predictor = predictor.Unavailable{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = decision.NewRecorder(nil, cfg.Logger)
	}
	if cfg.Policy == (safety.Policy{}) {
		cfg.Policy = safety.DefaultPolicy()
	}
	return &Pipeline{
		predictor:      cfg.Predictor,
		policy:         cfg.Policy,
		recorder:       cfg.Recorder,
		predictTimeout: cfg.PredictTimeout,
		logger:         cfg.Logger,
	}
}

// Decide runs one cycle. The Outcome is always complete and safe to act on.
// The only error returned wraps decision.ErrPersistence, reporting that the
// audit record could not be stored.
func (p *Pipeline) Decide(ctx context.Context, s snapshot.Snapshot) (Outcome, error) {
	var (
		res        safety.Result
		faults     []decision.Fault
		predictDur time.Duration
	)

	// A snapshot with NaN or ±Inf never reaches the predictor: its features
	// cannot be encoded and a failed call would count against the breaker.
	if bad := s.NonFinite(); len(bad) > 0 {
		res = safety.HardStop(0, bad)
	} else {
		v := features.Derive(s)

		start := time.Now()
		raw, predictFaults := p.predict(ctx, v, s.Session)
		predictDur = time.Since(start)
		faults = predictFaults

		proposal := normalize(raw)
		if math.IsNaN(proposal) || math.IsInf(proposal, 0) {
			res = safety.HardStop(proposal, []string{"proposal"})
		} else {
			res = p.policy.Apply(ChainInput(s), proposal)
		}
	}
	if len(res.NonFinite) > 0 {
		faults = append(faults, decision.FaultNonFinite)
		p.logger.Warn("non-finite input, dose forced to zero",
			"session", s.Session,
			"fields", res.NonFinite,
		)
	}

	final := safety.Round(res.Dose)
	d := decision.New(s, p.predictor.Name(), res, final, faults)
	out := Outcome{
		Decision:        d,
		Command:         decision.NewCommand(d),
		PredictDuration: predictDur,
	}

	p.logger.Info("dosing decision",
		"session", s.Session,
		"decision_id", d.ID,
		"proposed", res.Proposed,
		"final", final,
		"rules", d.Rules,
	)

	if err := p.recorder.Record(ctx, d); err != nil {
		return out, err
	}
	return out, nil
}

func (p *Pipeline) predict(ctx context.Context, v features.Vector, session string) (float64, []decision.Fault) {
	if p.predictTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.predictTimeout)
		defer cancel()
	}

	dose, err := p.predictor.Predict(ctx, v)
	switch {
	case err == nil:
		return dose, nil
	case errors.Is(err, predictor.ErrUnavailable):
		p.logger.Warn("no model available, proposing zero",
			"session", session,
			"predictor", p.predictor.Name(),
			"error", err,
		)
		return 0, []decision.Fault{decision.FaultNoModel}
	default:
		p.logger.Warn("predictor failed, proposing zero",
			"session", session,
			"predictor", p.predictor.Name(),
			"error", err,
		)
		return 0, []decision.Fault{decision.FaultPredictorError}
	}
}

// normalizeLimit bounds the magnitudes normalize scales; x*1e4 overflows
// above about 1.8e304.
const normalizeLimit = 1e300

// normalize keeps four decimals of a finite proposal.
func normalize(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.Abs(x) > normalizeLimit {
		return x
	}
	return math.Round(x*1e4) / 1e4
}

// ChainInput is the part of a snapshot the safety chain reads.
func ChainInput(s snapshot.Snapshot) safety.Input {
	return safety.Input{
		Glucose: s.Glucose.Current,
		Target:  s.Target,
		Delta:   s.Glucose.Delta,
		COB:     s.Carbs.COB,
		IOB:     s.Insulin.IOB,
		Limits:  safety.Limits{MaxIOB: s.Insulin.MaxIOB, MaxSMB: s.Insulin.MaxSMB},
	}
}
