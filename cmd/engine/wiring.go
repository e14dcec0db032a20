package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/microdose/cmd/engine/config"
	"github.com/HatiCode/microdose/pkg/audit"
	"github.com/HatiCode/microdose/pkg/decision"
	"github.com/HatiCode/microdose/pkg/httpx"
	"github.com/HatiCode/microdose/pkg/predictor"
	"github.com/HatiCode/microdose/pkg/snapshot"
	"github.com/HatiCode/microdose/pkg/storage"
)

// newPredictor builds the configured predictor.
func newPredictor(cfg *config.Config, logger *slog.Logger) (predictor.Predictor, error) {
	switch cfg.Predictor {
	case "none", "":
		return predictor.Unavailable{}, nil
	case "constant":
		return predictor.Constant{Dose: cfg.ConstantDose}, nil
	case "file":
		return predictor.NewFileModel(cfg.ModelPath, logger), nil
	case "remote":
		client, err := httpx.NewClient(cfg.PredictorTLS, cfg.PredictTimeout)
		if err != nil {
			return nil, fmt.Errorf("predictor client: %w", err)
		}
		return predictor.NewRemote(predictor.RemoteConfig{
			URL:       cfg.PredictorURL,
			ValuePath: cfg.PredictorValuePath,
			Timeout:   cfg.PredictTimeout,
			Client:    client,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown predictor %q", cfg.Predictor)
	}
}

// snapshotParams maps the profile settings onto the builder parameters.
func snapshotParams(cfg *config.Config) snapshot.Params {
	p := snapshot.DefaultParams()
	p.MaxIOB = cfg.MaxIOB
	p.MaxSMB = cfg.MaxSMB
	p.Target = cfg.TargetBG
	p.Location = cfg.Location()
	p.FullEveningBucket = cfg.FullEveningBucket
	return p
}

// newRedisClient returns the shared client, or nil when nothing uses Redis.
func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if !cfg.UsesRedis() {
		return nil, nil
	}
	return storage.NewRedisClient(storage.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// stores holds the backends of the engine and closes what it opened.
type stores struct {
	latest  storage.Store
	sink    decision.Sink
	history audit.History
	ping    []func(context.Context) error
	closers []io.Closer
	stop    func()
}

// newStores builds the latest-command store and the audit sinks. Without any
// audit sink configured, decisions are only logged.
func newStores(cfg *config.Config, client *redis.Client, logger *slog.Logger) (*stores, error) {
	s := &stores{stop: func() {}}

	switch cfg.Storage {
	case "redis":
		rs, err := storage.NewRedisStore(client, cfg.RedisTTL)
		if err != nil {
			return nil, err
		}
		s.latest = rs
		s.ping = append(s.ping, rs.Ping)
		logger.Info("using redis storage", "addr", cfg.RedisAddr, "ttl", cfg.RedisTTL)
	default:
		ms := storage.NewMemoryStoreWithTTL(10*cfg.StaleAfter(), time.Minute)
		s.latest = ms
		s.stop = ms.Stop
		logger.Info("using in-memory storage")
	}

	var sinks audit.Multi
	if cfg.AuditCSV != "" {
		csv, err := audit.NewCSVSink(cfg.AuditCSV, cfg.Location())
		if err != nil {
			s.Close()
			return nil, err
		}
		sinks = append(sinks, csv)
		logger.Info("auditing to csv", "path", cfg.AuditCSV)
	}
	if cfg.AuditSQLite != "" {
		db, err := audit.OpenSQLite(cfg.AuditSQLite)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("audit sqlite: %w", err)
		}
		sinks = append(sinks, db)
		s.history = db
		s.ping = append(s.ping, db.Ping)
		s.closers = append(s.closers, db)
		logger.Info("auditing to sqlite", "path", cfg.AuditSQLite)
	}
	if cfg.AuditRedis {
		rs, err := audit.NewRedisSink(client, cfg.AuditRedisMaxLen)
		if err != nil {
			s.Close()
			return nil, err
		}
		sinks = append(sinks, rs)
		if s.history == nil {
			s.history = rs
		}
		logger.Info("auditing to redis stream", "stream", audit.StreamKey(cfg.Session))
	}

	switch len(sinks) {
	case 0:
		logger.Warn("no audit sink configured, decisions are not persisted")
	case 1:
		s.sink = sinks[0]
	default:
		s.sink = sinks
	}
	return s, nil
}

// Health checks every pingable backend.
func (s *stores) Health(ctx context.Context) error {
	var errs []error
	for _, ping := range s.ping {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the backends.
func (s *stores) Close() error {
	s.stop()
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
