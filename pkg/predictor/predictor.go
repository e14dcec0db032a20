// Package predictor defines the boundary to the dose model and ships the
// implementations the engine can run: a constant stub, a linear model artifact
// read from disk and a remote model server.
//
// Predictor output is untrusted. Callers must pass it through the safety chain
// before it reaches a pump.
package predictor

import (
	"context"
	"errors"

	"github.com/HatiCode/microdose/pkg/features"
)

// ErrUnavailable reports that no model is available to answer. Callers treat
// it as a zero proposal.
var ErrUnavailable = errors.New("predictor: model unavailable")

// Predictor maps a feature vector to a proposed micro-bolus in insulin units.
type Predictor interface {
	Name() string
	Predict(ctx context.Context, v features.Vector) (float64, error)
}

// Constant always proposes the same dose. The zero value proposes nothing.
type Constant struct {
	Dose float64
}

func (c Constant) Name() string { return "constant" }

func (c Constant) Predict(ctx context.Context, _ features.Vector) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return c.Dose, nil
}

// Unavailable is a Predictor with no model behind it.
type Unavailable struct{}

func (Unavailable) Name() string { return "none" }

func (Unavailable) Predict(context.Context, features.Vector) (float64, error) {
	return 0, ErrUnavailable
}
