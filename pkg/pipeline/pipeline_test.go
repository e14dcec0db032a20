package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/HatiCode/microdose/pkg/decision"
	"github.com/HatiCode/microdose/pkg/features"
	"github.com/HatiCode/microdose/pkg/predictor"
	"github.com/HatiCode/microdose/pkg/safety"
	"github.com/HatiCode/microdose/pkg/snapshot"
)

type stubPredictor struct {
	dose float64
	err  error
}

func (s stubPredictor) Name() string { return "stub" }

func (s stubPredictor) Predict(context.Context, features.Vector) (float64, error) {
	return s.dose, s.err
}

type memorySink struct {
	decisions []decision.Decision
	err       error
}

func (m *memorySink) Append(_ context.Context, d decision.Decision) error {
	m.decisions = append(m.decisions, d)
	return m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func build(bg, delta, cob, iob float64) snapshot.Snapshot {
	p := snapshot.DefaultParams()
	p.Location = time.UTC
	return snapshot.Build(snapshot.Inputs{
		Session:  "s1",
		Now:      time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC),
		Glucose:  bg,
		Delta:    delta,
		COB:      cob,
		BolusIOB: iob,
		Steps:    [5]int{100, 200, 300, 400, 800},
	}, p)
}

func newPipeline(pred predictor.Predictor, sink decision.Sink) *Pipeline {
	return New(Config{
		Predictor: pred,
		Policy:    safety.DefaultPolicy(),
		Recorder:  decision.NewRecorder(sink, discardLogger()),
		Logger:    discardLogger(),
	})
}

func TestDecide_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		snap       snapshot.Snapshot
		pred       predictor.Predictor
		wantFinal  float64
		wantRule   safety.Rule
		wantFaults []decision.Fault
	}{
		{
			name:      "absolute floor",
			snap:      build(65, -2, 0, 0),
			pred:      stubPredictor{dose: 2.0},
			wantFinal: 0,
			wantRule:  safety.RuleBelowAbsoluteFloor,
		},
		{
			name:      "single-dose ceiling",
			snap:      build(180, 1, 20, 1.0),
			pred:      stubPredictor{dose: 2.3},
			wantFinal: 1.0,
			wantRule:  safety.RuleSMBCeiling,
		},
		{
			name:      "fast drop",
			snap:      build(140, -6, 0, 0),
			pred:      stubPredictor{dose: 0.5},
			wantFinal: 0,
			wantRule:  safety.RuleDroppingFast,
		},
		{
			name:      "IOB ceiling rounds to the pump step",
			snap:      build(180, 1, 20, 4.8),
			pred:      stubPredictor{dose: 1.0},
			wantFinal: 0.2,
			wantRule:  safety.RuleIOBCeiling,
		},
		{
			name:       "NaN proposal",
			snap:       build(180, 1, 20, 1),
			pred:       stubPredictor{dose: math.NaN()},
			wantFinal:  0,
			wantRule:   safety.RuleNonFinite,
			wantFaults: []decision.Fault{decision.FaultNonFinite},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &memorySink{}
			out, err := newPipeline(tt.pred, sink).Decide(context.Background(), tt.snap)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			d := out.Decision
			if d.Final != tt.wantFinal {
				t.Errorf("Final = %v, want %v", d.Final, tt.wantFinal)
			}
			if out.Command.SMB != tt.wantFinal {
				t.Errorf("Command.SMB = %v, want %v", out.Command.SMB, tt.wantFinal)
			}
			if (out.Command.DeliverAt != nil) != (tt.wantFinal > 0) {
				t.Errorf("DeliverAt = %v with final %v", out.Command.DeliverAt, tt.wantFinal)
			}
			found := false
			for _, r := range d.Rules {
				if r == tt.wantRule {
					found = true
				}
			}
			if !found {
				t.Errorf("Rules = %v, want %s among them", d.Rules, tt.wantRule)
			}
			if !reflect.DeepEqual(d.Faults, tt.wantFaults) {
				t.Errorf("Faults = %v, want %v", d.Faults, tt.wantFaults)
			}
			if len(sink.decisions) != 1 {
				t.Errorf("sink received %d decisions, want 1", len(sink.decisions))
			}
		})
	}
}

func TestDecide_PredictorFaults(t *testing.T) {
	tests := []struct {
		name  string
		pred  predictor.Predictor
		fault decision.Fault
	}{
		{"no model", predictor.Unavailable{}, decision.FaultNoModel},
		{"nil predictor", nil, decision.FaultNoModel},
		{"predictor error", stubPredictor{err: errors.New("bad tensor")}, decision.FaultPredictorError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := newPipeline(tt.pred, nil).Decide(context.Background(), build(180, 1, 20, 0))
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if out.Decision.Proposed != 0 || out.Decision.Final != 0 {
				t.Errorf("Proposed/Final = %v/%v, want 0/0", out.Decision.Proposed, out.Decision.Final)
			}
			if !out.Decision.HasFault(tt.fault) {
				t.Errorf("Faults = %v, want %s", out.Decision.Faults, tt.fault)
			}
		})
	}
}

func TestDecide_NonFiniteSnapshot(t *testing.T) {
	s := build(180, 1, 20, 0)
	s.History.TDD24Hrs = math.Inf(1)

	out, err := newPipeline(stubPredictor{dose: 0.5}, nil).Decide(context.Background(), s)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Decision.Final != 0 {
		t.Errorf("Final = %v, want 0", out.Decision.Final)
	}
	if !reflect.DeepEqual(out.Decision.NonFinite, []string{"tdd24Hrs"}) {
		t.Errorf("NonFinite = %v, want [tdd24Hrs]", out.Decision.NonFinite)
	}
	if !out.Decision.HasFault(decision.FaultNonFinite) {
		t.Errorf("Faults = %v, want non_finite", out.Decision.Faults)
	}
}

func TestDecide_NonFiniteSnapshotSkipsPredictor(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"smb": 0.5}`)
	}))
	defer server.Close()

	remote, err := predictor.NewRemote(predictor.RemoteConfig{
		URL:              server.URL,
		FailureThreshold: 1,
		OpenTimeout:      time.Hour,
	}, discardLogger())
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	p := newPipeline(remote, nil)

	for i := 0; i < 3; i++ {
		out, err := p.Decide(context.Background(), build(math.NaN(), 1, 20, 1))
		if err != nil {
			t.Fatalf("Decide: %v", err)
		}
		if out.Decision.Final != 0 {
			t.Errorf("sensor fault tick %d: Final = %v, want 0", i, out.Decision.Final)
		}
		if !reflect.DeepEqual(out.Decision.Faults, []decision.Fault{decision.FaultNonFinite}) {
			t.Errorf("sensor fault tick %d: Faults = %v, want [non_finite]", i, out.Decision.Faults)
		}
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("model server called %d times for non-finite snapshots", n)
	}

	out, err := p.Decide(context.Background(), build(180, 1, 20, 1))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Decision.Proposed != 0.5 || out.Decision.Final != 0.5 || len(out.Decision.Faults) != 0 {
		t.Errorf("valid tick after sensor fault: proposed=%v final=%v faults=%v",
			out.Decision.Proposed, out.Decision.Final, out.Decision.Faults)
	}
	if remote.State() != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed", remote.State())
	}
}

func TestDecide_HugeFiniteProposal(t *testing.T) {
	out, err := newPipeline(stubPredictor{dose: 1e306}, nil).Decide(context.Background(), build(180, 1, 20, 1))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	d := out.Decision
	if d.HasFault(decision.FaultNonFinite) || len(d.NonFinite) != 0 {
		t.Errorf("finite proposal flagged non-finite: faults=%v nonFinite=%v", d.Faults, d.NonFinite)
	}
	if d.Proposed != 1e306 || d.Final != 1 {
		t.Errorf("Proposed/Final = %v/%v, want 1e306/1", d.Proposed, d.Final)
	}
}

func TestDecide_NormalizesProposal(t *testing.T) {
	out, err := newPipeline(stubPredictor{dose: 0.123456789}, nil).Decide(context.Background(), build(180, 1, 20, 0))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.Decision.Proposed != 0.1235 {
		t.Errorf("Proposed = %v, want 0.1235", out.Decision.Proposed)
	}
	if out.Decision.Final != 0.1 {
		t.Errorf("Final = %v, want 0.1", out.Decision.Final)
	}
}

func TestDecide_PersistenceError(t *testing.T) {
	sink := &memorySink{err: errors.New("read-only file system")}
	out, err := newPipeline(stubPredictor{dose: 2.3}, sink).Decide(context.Background(), build(180, 1, 20, 1))
	if !errors.Is(err, decision.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if out.Command.SMB != 1 || out.Command.DeliverAt == nil {
		t.Errorf("command changed by persistence failure: %+v", out.Command)
	}
}

func TestDecide_Deterministic(t *testing.T) {
	p := newPipeline(stubPredictor{dose: 0.77}, nil)
	s := build(123.4, -0.3, 3.3, 1.7)

	a, err := p.Decide(context.Background(), s)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	b, err := p.Decide(context.Background(), s)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if a.Decision.Final != b.Decision.Final || a.Decision.Rationale != b.Decision.Rationale {
		t.Errorf("decisions differ: %v %q vs %v %q",
			a.Decision.Final, a.Decision.Rationale, b.Decision.Final, b.Decision.Rationale)
	}
}

func TestDecide_PredictTimeout(t *testing.T) {
	slow := predictorFunc(func(ctx context.Context) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	p := New(Config{Predictor: slow, PredictTimeout: 10 * time.Millisecond, Logger: discardLogger()})

	out, err := p.Decide(context.Background(), build(180, 1, 20, 0))
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !out.Decision.HasFault(decision.FaultPredictorError) {
		t.Errorf("Faults = %v, want predictor_error", out.Decision.Faults)
	}
}

type predictorFunc func(ctx context.Context) (float64, error)

func (f predictorFunc) Name() string { return "func" }

func (f predictorFunc) Predict(ctx context.Context, _ features.Vector) (float64, error) {
	return f(ctx)
}
