package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/M4F-S/codex-live/internal/archive"
	"github.com/M4F-S/codex-live/internal/bridge"
	"github.com/M4F-S/codex-live/internal/config"
	"github.com/M4F-S/codex-live/internal/history"
	"github.com/M4F-S/codex-live/internal/observability"
	"github.com/M4F-S/codex-live/internal/session"
	"github.com/M4F-S/codex-live/internal/types"
	"github.com/M4F-S/codex-live/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
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

	var store *history.Store
	if resources.Postgres != nil {
		store = history.NewStore(resources.Postgres)
	}

	var relay *bridge.Relay
	hooks := session.Hooks{}
	if store != nil {
		hooks.OnOperation = func(docID types.DocumentID, op types.Operation) {
			go func() {
				appendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := store.AppendOperation(appendCtx, docID, op); err != nil {
					logger.Warn().Err(err).Str("document", string(docID)).Str("operation", string(op.ID)).Msg("history append failed")
				}
			}()
		}
	}

	if resources.Redis != nil {
		// relay is assigned right after the coordinator exists; frames
		// broadcast before that have no remote audience anyway.
		hooks.OnEvent = func(docID types.DocumentID, origin types.PeerID, opID types.OperationID, frame []byte) {
			if relay == nil {
				return
			}
			go func() {
				publishCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := relay.Publish(publishCtx, docID, opID, origin, frame); err != nil {
					logger.Warn().Err(err).Str("document", string(docID)).Msg("bridge publish failed")
				}
			}()
		}
	}

	coordinator := session.NewCoordinator(session.Options{
		StaleThreshold:        cfg.StaleThreshold,
		EvictThreshold:        cfg.EvictThreshold,
		SessionCleanupDelay:   cfg.SessionCleanupDelay,
		ColorPalette:          cfg.UserColorPalette,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		MaxPeersPerSession:    cfg.MaxPeersPerSession,
	}, hooks, logger)

	if resources.Redis != nil {
		relay = bridge.NewRelay(resources.Redis, coordinator, logger)
		relay.Start(ctx)
	}

	if store != nil {
		if err := rehydrate(ctx, store, coordinator, resources, cfg, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to rehydrate documents")
		}
		go checkpointLoop(ctx, store, coordinator, logger, cfg.HealthcheckProbe)
	}

	if store != nil && resources.Object != nil {
		archiveWorker := archive.NewWorker(store, coordinator, resources.Object, cfg.ObjectBucket, logger)
		archiveWorker.Start(ctx)
	}

	supervisor := ws.NewSupervisor(coordinator, logger, ws.SupervisorConfig{
		StaleThreshold: cfg.StaleThreshold,
		EvictThreshold: cfg.EvictThreshold,
		SendBuffer:     cfg.SendBuffer,
		MaxFrameBytes:  cfg.MaxFrameBytes,
	})

	gateway, err := ws.NewGateway(supervisor, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := resources.HealthCheck(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("collaboration server ready")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		supervisor.Shutdown()
		coordinator.Shutdown()
		_ = httpServer.Shutdown(shutdownCtx)
		resources.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// rehydrate restores every document with durable history: the latest archived
// snapshot first, then the operations recorded after it.
func rehydrate(ctx context.Context, store *history.Store, coordinator *session.Coordinator, resources *config.Resources, cfg config.Config, logger zerolog.Logger) error {
	docs, err := store.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list documents with history: %w", err)
	}

	for _, docID := range docs {
		var blob []byte
		var fromLSN int64

		if resources.Object != nil {
			data, ref, ok, err := archive.Fetch(ctx, store, resources.Object, cfg.ObjectBucket, docID)
			if err != nil {
				logger.Error().Err(err).Str("document", string(docID)).Msg("failed to restore snapshot; replaying full history")
			} else if ok {
				blob = data
				fromLSN = ref.LastLSN
			}
		}

		if err := coordinator.Restore(docID, blob); err != nil {
			return fmt.Errorf("restore document %s: %w", docID, err)
		}
		sess, ok := coordinator.Session(docID)
		if !ok {
			continue
		}

		if err := store.ReplayDocument(ctx, docID, fromLSN, func(record types.HistoryRecord) error {
			op, err := record.DecodeOperation()
			if err != nil {
				return err
			}
			return sess.ApplyHistory(op)
		}); err != nil {
			return fmt.Errorf("replay document %s: %w", docID, err)
		}

		logger.Info().Str("document", string(docID)).Int("ops", sess.OpCount()).Msg("document rehydrated")
	}

	return nil
}

func checkpointLoop(ctx context.Context, store *history.Store, coordinator *session.Coordinator, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, docID := range coordinator.Documents() {
				checkpoint, err := store.LastCheckpoint(ctx, docID)
				if err != nil {
					logger.Error().Err(err).Str("document", string(docID)).Msg("failed to read checkpoint")
					continue
				}
				backlog, err := store.OperationCountAfterLSN(ctx, docID, checkpoint)
				if err != nil {
					continue
				}
				if backlog == 0 {
					continue
				}
				if err := store.RecordCheckpoint(ctx, docID, checkpoint+backlog); err != nil {
					logger.Error().Err(err).Str("document", string(docID)).Msg("failed to persist checkpoint")
					continue
				}
				store.RecordBacklogMetric(docID, 0)
			}
		case <-ctx.Done():
			return
		}
	}
}
