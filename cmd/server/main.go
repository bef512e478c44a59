package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/scene-sync-engine/internal/broadcast"
	"github.com/example/scene-sync-engine/internal/clock"
	"github.com/example/scene-sync-engine/internal/compress"
	"github.com/example/scene-sync-engine/internal/config"
	"github.com/example/scene-sync-engine/internal/crdt"
	"github.com/example/scene-sync-engine/internal/history"
	"github.com/example/scene-sync-engine/internal/observability"
	"github.com/example/scene-sync-engine/internal/presence"
	"github.com/example/scene-sync-engine/internal/protocol"
	"github.com/example/scene-sync-engine/internal/snapshot"
	"github.com/example/scene-sync-engine/internal/storage"
	"github.com/example/scene-sync-engine/internal/syncstate"
	"github.com/example/scene-sync-engine/internal/types"
	"github.com/example/scene-sync-engine/internal/ws"
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

	wal := storage.NewWAL(resources.Postgres)
	engine := crdt.NewEngine(cfg.SiteID, logger)
	tracker := syncstate.NewVectorClockTracker()
	reorder := syncstate.NewReorderBuffer(tracker, logger)
	snapshotWorker := snapshot.NewWorker(wal, engine, resources.Object, cfg.ObjectBucket, logger)

	if err := replayWAL(ctx, wal, engine, reorder, resources.Object, cfg.ObjectBucket, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to replay WAL")
	}

	go checkpointLoop(ctx, wal, engine, logger, cfg.HealthcheckProbe)
	snapshotWorker.Start(ctx)

	registry := ws.NewConnectionRegistry()
	broadcaster := broadcast.NewRelay(resources.Redis, registry, logger)
	broadcaster.Start(ctx)

	presenceSvc := presence.NewService(resources.Redis, registry, logger)
	presenceSvc.Start(ctx)

	hooks := presenceSvc.WrapHooks(ws.Hooks{
		OnHello:       handleHello(logger),
		OnOperation:   handleOperation(engine, tracker, wal, broadcaster, logger),
		OnSyncRequest: handleSyncRequest(wal, logger),
	})

	gateway, err := ws.NewGateway(queryAuthenticator(), registry, logger, hooks, ws.GatewayConfig{})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build websocket gateway")
	}

	historySvc := history.NewService(wal, cfg.ObjectBucket, history.NewObjectLoader(resources.Object), logger, history.ServiceConfig{
		CacheSize: cfg.HistoryCacheSize,
		SiteID:    cfg.SiteID,
	})
	historyHandler := history.NewHTTPHandler(historySvc, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/documents/", historyHandler)
	httpServer := &http.Server{Addr: cfg.HTTPListenAddr, Handler: mux}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	logger.Info().Msg("server dependencies initialized")

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

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	_ = httpServer.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
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

// queryAuthenticator admits clients based on query parameters. Production
// deployments swap this for a token-based implementation.
func queryAuthenticator() ws.Authenticator {
	return ws.AuthFunc(func(r *http.Request) (ws.ClientIdentity, error) {
		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = r.URL.Query().Get("client_id")
		}
		if strings.TrimSpace(clientID) == "" {
			return ws.ClientIdentity{}, fmt.Errorf("missing clientId")
		}
		return ws.ClientIdentity{
			ClientID: clientID,
			UserName: r.URL.Query().Get("userName"),
		}, nil
	})
}

func handleHello(logger zerolog.Logger) ws.HelloHook {
	return func(_ context.Context, conn *ws.Connection, msg protocol.HelloMessage) error {
		if msg.Version == "" {
			return conn.SendMessage(protocol.NewErrorMessage(protocol.ErrInvalidMessage, "missing protocol version", nil))
		}
		logger.Info().
			Str("document", conn.DocumentID()).
			Str("client", conn.ClientID()).
			Str("user", msg.UserName).
			Str("version", msg.Version).
			Msg("client joined")
		return conn.SendMessage(protocol.NewHelloMessage(conn.ClientID(), conn.DocumentID(), msg.UserName, protocol.DefaultHelloVersion))
	}
}

func handleOperation(engine *crdt.Engine, tracker *syncstate.VectorClockTracker, wal *storage.WAL, broadcaster *broadcast.Relay, logger zerolog.Logger) ws.OperationHook {
	return func(ctx context.Context, conn *ws.Connection, msg protocol.OperationMessage) error {
		docID := types.DocumentID(conn.DocumentID())
		op := msg.Operation

		if op.Kind == crdt.KindInsertNode && op.FractionalIndex == "" {
			op.FractionalIndex = engine.AppendIndex(docID, op.ParentID)
		}

		result := engine.Merge(docID, op)
		if !result.Apply {
			// Rejection is a normal merge outcome; the client's optimistic
			// apply is corrected by subsequent broadcasts, not an error.
			logger.Debug().Str("document", string(docID)).Str("operation", op.ID).Str("reason", result.Reason).Msg("operation not applied")
			return nil
		}

		vc := tracker.BumpLocal(docID, types.ClientID(op.Timestamp.ClientID))
		if _, err := wal.AppendCRDTOperation(ctx, docID, op, vc); err != nil {
			logger.Error().Err(err).Str("document", string(docID)).Str("operation", op.ID).Msg("wal append failed")
			return conn.SendMessage(protocol.NewErrorMessage(protocol.ErrInternal, "failed to persist operation", nil))
		}

		if err := broadcaster.Publish(ctx, docID, types.OperationID(op.ID), types.ClientID(conn.ClientID()), protocol.NewOperationMessage(op)); err != nil {
			logger.Warn().Err(err).Str("document", string(docID)).Msg("broadcast failed")
		}
		return nil
	}
}

func handleSyncRequest(wal *storage.WAL, logger zerolog.Logger) ws.SyncRequestHook {
	return func(ctx context.Context, conn *ws.Connection, msg protocol.SyncRequestMessage) error {
		docID := types.DocumentID(conn.DocumentID())

		since := clock.Timestamp{}
		if msg.Since != nil {
			since = *msg.Since
		}

		records, err := wal.OperationsSince(ctx, docID, since)
		if err != nil {
			logger.Error().Err(err).Str("document", string(docID)).Msg("sync lookup failed")
			return conn.SendMessage(protocol.NewErrorMessage(protocol.ErrInternal, "failed to load operations", nil))
		}

		ops := make([]crdt.Operation, 0, len(records))
		for _, record := range records {
			var op crdt.Operation
			if err := json.Unmarshal(record.Payload, &op); err != nil {
				logger.Error().Err(err).Str("operation", string(record.Operation)).Msg("corrupt wal payload during sync")
				continue
			}
			ops = append(ops, op)
		}

		// Compressing the backlog shrinks catch-up traffic without changing
		// the state the client converges to.
		result := compress.Compress(ops, compress.DefaultConfig())
		for _, op := range result.Operations {
			if err := conn.SendMessage(protocol.NewOperationMessage(op)); err != nil {
				return err
			}
		}

		logger.Debug().
			Str("document", string(docID)).
			Int("stored", len(ops)).
			Int("sent", len(result.Operations)).
			Msg("sync response sent")
		return nil
	}
}

func replayWAL(ctx context.Context, wal *storage.WAL, engine *crdt.Engine, reorder *syncstate.ReorderBuffer, object *minio.Client, bucket string, logger zerolog.Logger) error {
	docs, err := wal.ActiveDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list active wal documents: %w", err)
	}

	for _, docID := range docs {
		checkpoint, err := wal.LastCheckpoint(ctx, docID)
		if err != nil {
			return fmt.Errorf("read checkpoint for %s: %w", docID, err)
		}

		startLSN := checkpoint
		snapshotLSN, err := restoreFromSnapshot(ctx, wal, engine, object, bucket, docID, logger)
		if err != nil {
			logger.Error().Err(err).Str("document", string(docID)).Msg("failed to restore snapshot; continuing from checkpoint")
		} else if snapshotLSN > startLSN {
			startLSN = snapshotLSN
		}

		if err := wal.ReplayDocument(ctx, docID, startLSN, func(record types.WALRecord) error {
			if err := reorder.Handle(record, engine.ApplyWAL); err != nil {
				if errors.Is(err, syncstate.ErrCausalityGap) {
					// The predecessor is still in flight on another
					// replica; the record stays queued until it lands.
					return nil
				}
				return err
			}
			return nil
		}); err != nil {
			return fmt.Errorf("replay document %s: %w", docID, err)
		}

		if last := engine.LastLSN(docID); last > 0 {
			if err := wal.RecordCheckpoint(ctx, docID, last); err != nil {
				logger.Error().Err(err).Str("document", string(docID)).Msg("checkpoint after replay failed")
			}
		}
	}

	return nil
}

func restoreFromSnapshot(ctx context.Context, wal *storage.WAL, engine *crdt.Engine, object *minio.Client, bucket string, docID types.DocumentID, logger zerolog.Logger) (int64, error) {
	if object == nil {
		return 0, nil
	}

	ref, err := wal.LatestSnapshot(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("lookup snapshot: %w", err)
	}
	if ref.OperationID == "" || ref.ObjectPath == "" {
		return 0, nil
	}

	obj, err := object.GetObject(ctx, bucket, ref.ObjectPath, minio.GetObjectOptions{})
	if err != nil {
		return 0, fmt.Errorf("get snapshot object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return 0, fmt.Errorf("read snapshot object: %w", err)
	}

	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Document != "" && payload.Document != docID {
		logger.Warn().Str("document", string(docID)).Str("snapshot_doc", string(payload.Document)).Msg("snapshot document mismatch")
	}

	engine.Restore(docID, payload.Nodes, payload.VectorClock.Clone(), payload.LastOpID, ref.LastLSN)
	logger.Info().Str("document", string(docID)).Str("op_id", string(ref.OperationID)).Msg("restored snapshot")

	return ref.LastLSN, nil
}

func checkpointLoop(ctx context.Context, wal *storage.WAL, engine *crdt.Engine, logger zerolog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, docID := range engine.Documents() {
				lsn := engine.LastLSN(docID)
				if lsn == 0 {
					continue
				}
				if err := wal.RecordCheckpoint(ctx, docID, lsn); err != nil {
					logger.Error().Err(err).Str("document", string(docID)).Msg("failed to persist checkpoint")
					continue
				}
				if backlog, err := wal.OperationCountAfterLSN(ctx, docID, lsn); err == nil {
					wal.RecordBacklogMetric(docID, backlog)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
