package audit

import (
	"context"
	"errors"

	"github.com/HatiCode/microdose/pkg/decision"
)

// Multi appends every decision to each of its sinks in order. A failing sink
// does not stop the others; their errors are joined.
type Multi []decision.Sink

func (m Multi) Append(ctx context.Context, d decision.Decision) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// History is a sink that can list recent decisions of a session.
type History interface {
	Recent(ctx context.Context, session string, limit int) ([]decision.Decision, error)
}
