// Command engine runs the closed-loop micro-bolus decision engine for one
// session.
//
// Every interval it collects the patient state from the configured source,
// derives the features, asks the predictor for a dose, bounds the proposal
// with the safety chain, rounds it to the pump step, records the decision in
// the audit sinks and stores the resulting pump command.
//
// HTTP API (default :8081):
//   - GET /decision/current?session=<name>
//   - GET /decision/history?session=<name>&limit=<n>
//   - GET /healthz
//   - GET /metrics
//
// gRPC (default :9091): grpc.health.v1.Health, SERVING while the latest
// command is younger than twice the interval.
//
// Usage:
//
//	SOURCE_URL=http://nightscout-bridge:8080/state \
//	engine -session=patient-1 -source=http -predictor=file \
//	  -model-path=/models/aismb.json -audit-csv=/data/aiLog.csv
//
// Environment variables mirror the flags: SESSION, SOURCE, SOURCE_*, INTERVAL,
// TIMEZONE, PREDICTOR, CONSTANT_DOSE, MODEL_PATH, PREDICTOR_URL,
// PREDICTOR_VALUE_PATH, PREDICT_TIMEOUT, MAX_IOB, MAX_SMB, TARGET_BG,
// FULL_EVENING_BUCKET, PROFILE_FILE, AUDIT_CSV, AUDIT_SQLITE, AUDIT_REDIS,
// AUDIT_REDIS_MAXLEN, STORAGE, REDIS_ADDR, REDIS_PASSWORD, REDIS_DB,
// REDIS_TTL, TLS_*, PREDICTOR_TLS_*, LISTEN, GRPC_LISTEN, LOG_LEVEL,
// LOG_FORMAT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/microdose/cmd/engine/config"
	"github.com/HatiCode/microdose/cmd/engine/logger"
	"github.com/HatiCode/microdose/cmd/engine/metrics"
	"github.com/HatiCode/microdose/cmd/engine/router"
	"github.com/HatiCode/microdose/pkg/decision"
	"github.com/HatiCode/microdose/pkg/httpx"
	"github.com/HatiCode/microdose/pkg/pipeline"
	"github.com/HatiCode/microdose/pkg/sources"
	"github.com/HatiCode/microdose/pkg/tls"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("starting microdose engine",
		"version", version,
		"source", cfg.Source,
		"predictor", cfg.Predictor,
		"interval", cfg.Interval,
		"max_iob", cfg.MaxIOB,
		"max_smb", cfg.MaxSMB,
		"tls_enabled", cfg.TLS.Enabled,
	)

	sourceClient, err := httpx.NewClient(tls.Config{}, 30*time.Second)
	if err != nil {
		return err
	}
	source, err := sources.New(cfg.Source, cfg.SourceConfig, sourceClient)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	model, err := newPredictor(cfg, log)
	if err != nil {
		return err
	}

	redisClient, err := newRedisClient(cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	backends, err := newStores(cfg, redisClient, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Error("failed to close storage", "error", err)
		}
	}()

	p := pipeline.New(pipeline.Config{
		Predictor:      model,
		Policy:         cfg.Policy,
		Recorder:       decision.NewRecorder(backends.sink, log),
		PredictTimeout: cfg.PredictTimeout,
		Logger:         log,
	})

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	engine := NewEngine(cfg.Session, source, snapshotParams(cfg), p, backends.latest, cfg.StaleAfter(), Options{
		Health:  healthServer,
		Metrics: metrics.New(cfg.Session),
		Logger:  log.With("session", cfg.Session),
	})

	serverTLS, err := cfg.TLS.Server()
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}

	var grpcOpts []grpc.ServerOption
	if serverTLS != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(serverTLS)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCListen)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	handler := router.SetupRoutes(router.Routes{
		Store:      backends.latest,
		History:    backends.history,
		StaleAfter: cfg.StaleAfter(),
		Health: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return backends.Health(ctx)
		},
		Logger: log,
	})
	httpServer := httpx.NewServer(cfg.Listen, handler, log)
	httpServer.SetTLSConfig(serverTLS)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := engine.Run(ctx, cfg.Interval); err != nil && err != context.Canceled {
			log.Error("decision loop failed", "error", err)
		}
	}()

	serverErr := make(chan error, 2)
	go func() {
		log.Info("grpc server listening", "address", cfg.GRPCListen)
		serverErr <- grpcServer.Serve(lis)
	}()
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	log.Info("shutting down")
	cancel()
	healthServer.Shutdown()
	grpcServer.GracefulStop()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
