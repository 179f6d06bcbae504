// Package archive periodically persists replicated-text snapshots to object
// storage so documents can be restored without replaying their full history.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/M4F-S/codex-live/internal/history"
	"github.com/M4F-S/codex-live/internal/session"
	"github.com/M4F-S/codex-live/internal/types"
)

const (
	defaultInterval    = 15 * time.Second
	defaultOpThreshold = 256
)

// Sidecar is the JSON metadata stored next to each snapshot blob. The blob
// itself stays opaque; the sidecar is enough to locate and validate it.
type Sidecar struct {
	Document    types.DocumentID  `json:"docId"`
	VectorClock types.VectorClock `json:"vclock"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Source exposes the live sessions the worker walks.
type Source interface {
	Documents() []types.DocumentID
	Session(docID types.DocumentID) (*session.Session, bool)
}

// Worker inspects per-document mutation volume and emits snapshots to object
// storage when the operation count since the last archive crosses the
// threshold.
type Worker struct {
	store  *history.Store
	source Source
	object *minio.Client
	bucket string

	interval    time.Duration
	opThreshold int

	logger zerolog.Logger
}

// NewWorker constructs an archive worker with sane defaults.
func NewWorker(store *history.Store, source Source, object *minio.Client, bucket string, logger zerolog.Logger) *Worker {
	return &Worker{
		store:       store,
		source:      source,
		object:      object,
		bucket:      bucket,
		interval:    defaultInterval,
		opThreshold: defaultOpThreshold,
		logger:      logger,
	}
}

// Start begins the periodic archive loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	for _, docID := range w.source.Documents() {
		if err := w.processDocument(ctx, docID); err != nil {
			w.logger.Error().Err(err).Str("document", string(docID)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, docID types.DocumentID) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}
	sess, ok := w.source.Session(docID)
	if !ok {
		return nil
	}

	latest, err := w.store.LatestSnapshot(ctx, docID)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}

	backlog, err := w.store.OperationCountAfterLSN(ctx, docID, latest.LastLSN)
	if err != nil {
		return fmt.Errorf("count operations: %w", err)
	}
	if backlog < int64(w.opThreshold) {
		return nil
	}

	blob, clock, lastOp, err := sess.Snapshot()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if lastOp == "" {
		return nil
	}

	now := time.Now().UTC()
	objectPath := fmt.Sprintf("snapshots/%s/%s.bin", docID, lastOp)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(blob), int64(len(blob)), minio.PutObjectOptions{ContentType: "application/octet-stream"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	sidecar := Sidecar{Document: docID, VectorClock: clock, CreatedAt: now}
	sidecarBytes, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	sidecarPath := objectPath + ".json"
	if _, err := w.object.PutObject(ctx, w.bucket, sidecarPath, bytes.NewReader(sidecarBytes), int64(len(sidecarBytes)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload sidecar: %w", err)
	}

	ref := history.SnapshotRef{
		Document:    docID,
		OperationID: lastOp,
		Clock:       clock.Clone(),
		ObjectPath:  objectPath,
		LastLSN:     latest.LastLSN + backlog,
		CreatedAt:   now,
	}
	if err := w.store.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().Str("document", string(docID)).Str("op_id", string(lastOp)).Msg("snapshot archived")
	return nil
}

// Fetch loads the most recent snapshot blob for a document, returning the
// blob, its reference, and whether one exists.
func Fetch(ctx context.Context, store *history.Store, object *minio.Client, bucket string, docID types.DocumentID) ([]byte, history.SnapshotRef, bool, error) {
	ref, err := store.LatestSnapshot(ctx, docID)
	if err != nil {
		return nil, history.SnapshotRef{}, false, fmt.Errorf("lookup snapshot: %w", err)
	}
	if ref.ObjectPath == "" || object == nil {
		return nil, ref, false, nil
	}

	obj, err := object.GetObject(ctx, bucket, ref.ObjectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, history.SnapshotRef{}, false, fmt.Errorf("get snapshot object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, history.SnapshotRef{}, false, fmt.Errorf("read snapshot object: %w", err)
	}
	return data, ref, true, nil
}
