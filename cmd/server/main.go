package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/shared-note/internal/broadcast"
	"github.com/example/shared-note/internal/config"
	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/observability"
	"github.com/example/shared-note/internal/playback"
	"github.com/example/shared-note/internal/presence"
	"github.com/example/shared-note/internal/snapshot"
	"github.com/example/shared-note/internal/storage"
	syncstate "github.com/example/shared-note/internal/sync"
	"github.com/example/shared-note/internal/types"
	"github.com/example/shared-note/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	instance := uuid.NewString()
	logger := observability.NewLogger(os.Stdout, cfg.AppName, cfg.LogLevel).With().Str("instance", instance).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		InstanceID:   instance,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()
	logger.Info().Strs("dependencies", resources.Enabled()).Msg("resources ready")

	loop := syncstate.NewLoop(cfg.LoopBuffer, logger)
	go loop.Run(ctx)

	var (
		background sync.WaitGroup
		opts       []syncstate.Option
		journal    *storage.Journal
		objects    snapshot.Objects
		relay      *broadcast.RedisBroadcaster
		roster     playback.RosterSource
	)

	if resources.Postgres != nil {
		journal = storage.NewJournal(resources.Postgres)
		if err := journal.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare journal")
		}
		recorder := storage.NewRecorder(journal, instance, cfg.LoopBuffer, logger)
		background.Add(1)
		go func() {
			defer background.Done()
			recorder.Run(ctx)
		}()
		opts = append(opts, syncstate.WithJournal(recorder))
	}

	if resources.Object != nil {
		bucket := snapshot.NewBucket(resources.Object, resources.Bucket())
		if err := bucket.EnsureBucket(ctx, cfg.ObjectRegion); err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare snapshot bucket")
		}
		objects = bucket
	}

	if resources.Redis != nil {
		relay = broadcast.NewRedisBroadcaster(resources.Redis, instance, logger)
		mirror := presence.NewMirror(resources.Redis, logger)
		mirror.Start(ctx)
		roster = mirror
		opts = append(opts, syncstate.WithRelay(relay), syncstate.WithPresenceMirror(mirror))
	}

	registry := document.NewRegistry()
	hub := syncstate.NewHub(loop, registry, logger, opts...)

	var playbackSvc *playback.Service
	if journal != nil {
		worker := snapshot.NewWorker(journal, objects, logger,
			snapshot.WithInterval(cfg.SnapshotInterval),
			snapshot.WithThreshold(int64(cfg.SnapshotThreshold)),
		)
		if err := worker.Restore(ctx, hub); err != nil {
			logger.Fatal().Err(err).Msg("failed to restore documents")
		}
		worker.Start(ctx)
		playbackSvc = playback.NewService(journal, objects, logger, playback.ServiceConfig{})
	}

	if relay != nil {
		relay.Start(ctx, hub)
	}

	gateway, err := ws.NewGateway(logger, ws.HandlerHooks(hub), ws.GatewayConfig{
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatTolerance: cfg.HeartbeatTolerance,
		SendBuffer:         cfg.SendBuffer,
		WriteTimeout:       cfg.WriteTimeout,
		MaxMessageBytes:    cfg.MaxMessageBytes,
		DefaultDocument:    types.DocumentName(cfg.DocumentName),
		Routing:            cfg.DocumentRouting,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	router := mux.NewRouter()
	router.Handle("/healthz", healthHandler(resources)).Methods(http.MethodGet)
	router.Handle("/documents/{document}/state", playback.NewHTTPHandler(hub, playbackSvc, roster, logger)).Methods(http.MethodGet)
	router.Handle("/{document}", gateway)
	router.PathPrefix("/").Handler(gateway)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("document", cfg.DocumentName).
			Bool("routing", cfg.DocumentRouting).
			Msg("websocket server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(ctx); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		background.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

func healthHandler(resources *config.Resources) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{"status": "ok", "dependencies": resources.Enabled()}
		if err := resources.HealthCheck(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}
