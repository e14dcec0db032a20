package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrPersistence wraps every failure to hand a decision to its sink.
var ErrPersistence = errors.New("decision: persistence failed")

// Sink stores decisions. Implementations are append-only: a record is never
// updated or removed once appended.
type Sink interface {
	Append(ctx context.Context, d Decision) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, d Decision) error

func (f SinkFunc) Append(ctx context.Context, d Decision) error { return f(ctx, d) }

// Discard drops every decision.
var Discard Sink = SinkFunc(func(context.Context, Decision) error { return nil })

// Recorder hands each decision to its sink exactly once. It never retries.
type Recorder struct {
	sink   Sink
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing to sink. A nil sink discards.
func NewRecorder(sink Sink, logger *slog.Logger) *Recorder {
	if sink == nil {
		sink = Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{sink: sink, logger: logger}
}

// Record appends d. A failure is returned wrapped in ErrPersistence; the
// decision itself is unaffected.
func (r *Recorder) Record(ctx context.Context, d Decision) error {
	if err := r.sink.Append(ctx, d); err != nil {
		r.logger.Error("failed to record decision",
			"decision_id", d.ID,
			"session", d.Session,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	r.logger.Debug("decision recorded", "decision_id", d.ID, "session", d.Session)
	return nil
}
