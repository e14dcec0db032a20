// Package main holds the Engine, which runs the dosing loop of one session:
//
//	collect → build snapshot → decide → store command
//
// Run executes Tick at a fixed interval. A tick that cannot collect inputs
// produces no decision; the previous command then ages until the pump driver
// sees it as stale. A decision whose audit record could not be persisted is
// still stored and served.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/HatiCode/microdose/cmd/engine/metrics"
	"github.com/HatiCode/microdose/pkg/decision"
	"github.com/HatiCode/microdose/pkg/pipeline"
	"github.com/HatiCode/microdose/pkg/snapshot"
	"github.com/HatiCode/microdose/pkg/sources"
	"github.com/HatiCode/microdose/pkg/storage"
)

// Engine orchestrates one session's decisions.
type Engine struct {
	session    string
	source     sources.Source
	params     snapshot.Params
	pipeline   *pipeline.Pipeline
	store      storage.Store
	staleAfter time.Duration
	health     *health.Server
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Options are the optional parts of an Engine.
type Options struct {
	// Health, when set, reports SERVING while the latest command is fresh.
	Health  *health.Server
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(
	session string,
	source sources.Source,
	params snapshot.Params,
	p *pipeline.Pipeline,
	store storage.Store,
	staleAfter time.Duration,
	opts Options,
) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		session:    session,
		source:     source,
		params:     params,
		pipeline:   p,
		store:      store,
		staleAfter: staleAfter,
		health:     opts.Health,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// Run ticks immediately and then every interval until ctx is canceled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	e.logger.Info("starting decision loop", "interval", interval, "source", e.source.Name())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := e.Tick(ctx); err != nil {
		e.logger.Error("initial decision tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("decision loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.logger.Error("decision tick failed", "error", err)
			}
		}
	}
}

// Tick runs one decision cycle. The returned error reports the stage that
// failed; an audit persistence failure is reported after the command has
// been stored.
func (e *Engine) Tick(ctx context.Context) error {
	defer e.refreshFreshness(ctx)

	in, err := e.collect(ctx)
	if err != nil {
		e.recordError("source", "collect_failed")
		return fmt.Errorf("collect: %w", err)
	}

	if in.Session != "" && in.Session != e.session {
		e.logger.Warn("source reported another session, ignoring it", "source_session", in.Session)
	}
	in.Session = e.session
	snap := snapshot.Build(in, e.params)

	start := time.Now()
	out, decideErr := e.pipeline.Decide(ctx, snap)
	decideDuration := time.Since(start)

	if decideErr != nil {
		if errors.Is(decideErr, decision.ErrPersistence) {
			e.recordError("audit", "append_failed")
		} else {
			e.recordError("pipeline", "decide_failed")
		}
	}

	if err := e.store.Put(ctx, storage.FromDecision(out.Decision, out.Command)); err != nil {
		e.recordError("store", "put_failed")
		return errors.Join(fmt.Errorf("store: %w", err), decideErr)
	}

	if e.metrics != nil {
		e.metrics.RecordDecision(out.Decision, decideDuration.Seconds(), out.PredictDuration.Seconds())
	}

	e.logger.Debug("decision tick complete",
		"decision_id", out.Decision.ID,
		"final", out.Decision.Final,
		"decide_ms", decideDuration.Milliseconds(),
	)
	return decideErr
}

func (e *Engine) collect(ctx context.Context) (snapshot.Inputs, error) {
	start := time.Now()
	in, err := e.source.Collect(ctx)
	if err != nil {
		return snapshot.Inputs{}, err
	}

	d := time.Since(start)
	if e.metrics != nil {
		e.metrics.RecordCollect(d.Seconds())
	}
	e.logger.Debug("collected inputs", "source", e.source.Name(), "duration_ms", d.Milliseconds())
	return in, nil
}

// Fresh reports whether the session has a command younger than the stale
// threshold, and its age.
func (e *Engine) Fresh(ctx context.Context) (bool, time.Duration, error) {
	rec, found, err := e.store.GetLatest(ctx, e.session)
	if err != nil || !found {
		return false, 0, err
	}
	age := rec.Age(e.now())
	return age <= e.staleAfter, age, nil
}

func (e *Engine) refreshFreshness(ctx context.Context) {
	fresh, age, err := e.Fresh(ctx)
	if err != nil {
		e.logger.Warn("failed to read latest command", "error", err)
	}
	if e.metrics != nil && age > 0 {
		e.metrics.SetDecisionAge(age.Seconds())
	}
	if e.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if fresh {
		status = healthpb.HealthCheckResponse_SERVING
	}
	e.health.SetServingStatus("", status)
}

func (e *Engine) recordError(component, reason string) {
	if e.metrics != nil {
		e.metrics.RecordError(component, reason)
	}
}
