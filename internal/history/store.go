// Package history persists applied operations to Postgres so documents can
// be rehydrated after a restart. The service runs fully in-memory when no
// Postgres pool is configured; everything here is best-effort augmentation
// of the in-memory sessions, never on the critical path of a merge.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/M4F-S/codex-live/internal/types"
)

// Store provides the durable operation log and recovery helpers.
type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the store.
type Option func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// NewStore constructs a history store using the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AppendOperation durably stores an applied operation for the document.
// The insert is wrapped in a transaction and transient failures are retried.
func (s *Store) AppendOperation(ctx context.Context, docID types.DocumentID, op types.Operation) (int64, error) {
	record, err := types.NewHistoryRecord(docID, op)
	if err != nil {
		return 0, err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	start := time.Now()
	var lsn int64
	err = s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		clockBytes, err := json.Marshal(record.Clock)
		if err != nil {
			return fmt.Errorf("marshal vector clock: %w", err)
		}

		row := tx.QueryRow(ctx, `
INSERT INTO document_operations (document_id, op_id, peer_id, vector_clock, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING lsn`,
			record.Document, record.Operation, record.Peer, clockBytes, record.Payload, record.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})

	if err != nil {
		return 0, err
	}

	appendLatency.WithLabelValues(string(docID)).Observe(time.Since(start).Seconds())
	return lsn, nil
}

// ActiveDocuments returns the set of documents that currently have history.
func (s *Store) ActiveDocuments(ctx context.Context) ([]types.DocumentID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT document_id FROM document_operations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentID
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentID(doc))
	}
	return docs, rows.Err()
}

// ReplayDocument scans operations for a document in append order, invoking
// the handler for each record past fromLSN.
func (s *Store) ReplayDocument(ctx context.Context, docID types.DocumentID, fromLSN int64, handler func(types.HistoryRecord) error) error {
	rows, err := s.pool.Query(ctx, `
                SELECT lsn, document_id, op_id, peer_id, vector_clock, payload, created_at
                FROM document_operations
                WHERE document_id = $1 AND lsn > $2
                ORDER BY lsn`, docID, fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			lsn        int64
			documentID string
			opID       string
			peerID     string
			clockBytes []byte
			payload    []byte
			createdAt  time.Time
		)
		if err := rows.Scan(&lsn, &documentID, &opID, &peerID, &clockBytes, &payload, &createdAt); err != nil {
			return err
		}

		var clock types.VectorClock
		if len(clockBytes) > 0 {
			if err := json.Unmarshal(clockBytes, &clock); err != nil {
				return fmt.Errorf("decode vector clock: %w", err)
			}
		}

		record := types.HistoryRecord{
			LSN:       lsn,
			Operation: types.OperationID(opID),
			Document:  types.DocumentID(documentID),
			Peer:      types.PeerID(peerID),
			Payload:   payload,
			Clock:     clock,
			CreatedAt: createdAt,
		}

		if err := handler(record); err != nil {
			return err
		}
	}

	return rows.Err()
}

// OperationCountAfterLSN reports the backlog beyond a given position.
func (s *Store) OperationCountAfterLSN(ctx context.Context, docID types.DocumentID, lsn int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
                SELECT count(*) FROM document_operations WHERE document_id = $1 AND lsn > $2
        `, docID, lsn).Scan(&count)
	return count, err
}

// LastCheckpoint returns the most recent persisted LSN for a document.
func (s *Store) LastCheckpoint(ctx context.Context, docID types.DocumentID) (int64, error) {
	var lsn int64
	err := s.pool.QueryRow(ctx, `
                SELECT last_lsn FROM document_checkpoints WHERE document_id = $1
        `, docID).Scan(&lsn)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return lsn, err
}

// RecordCheckpoint upserts the current LSN for a document.
func (s *Store) RecordCheckpoint(ctx context.Context, docID types.DocumentID, lsn int64) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
                        INSERT INTO document_checkpoints (document_id, last_lsn)
                        VALUES ($1, $2)
                        ON CONFLICT (document_id)
                        DO UPDATE SET last_lsn = EXCLUDED.last_lsn, checkpointed_at = now()
                `, docID, lsn)
		return err
	})
}

// SnapshotRef points at an archived snapshot blob in object storage.
type SnapshotRef struct {
	Document    types.DocumentID
	OperationID types.OperationID
	Clock       types.VectorClock
	ObjectPath  string
	LastLSN     int64
	CreatedAt   time.Time
}

// RecordSnapshot persists a snapshot reference.
func (s *Store) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	clockBytes, err := json.Marshal(ref.Clock)
	if err != nil {
		return fmt.Errorf("marshal vector clock: %w", err)
	}
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
                        INSERT INTO document_snapshots (document_id, op_id, vector_clock, object_path, last_lsn, created_at)
                        VALUES ($1, $2, $3, $4, $5, $6)
                `, ref.Document, ref.OperationID, clockBytes, ref.ObjectPath, ref.LastLSN, ref.CreatedAt)
		return err
	})
}

// LatestSnapshot returns the most recent snapshot reference for a document,
// or a zero ref when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, docID types.DocumentID) (SnapshotRef, error) {
	var (
		ref        SnapshotRef
		opID       string
		clockBytes []byte
	)
	err := s.pool.QueryRow(ctx, `
                SELECT op_id, vector_clock, object_path, last_lsn, created_at
                FROM document_snapshots
                WHERE document_id = $1
                ORDER BY last_lsn DESC
                LIMIT 1
        `, docID).Scan(&opID, &clockBytes, &ref.ObjectPath, &ref.LastLSN, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Document: docID}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = docID
	ref.OperationID = types.OperationID(opID)
	if len(clockBytes) > 0 {
		if err := json.Unmarshal(clockBytes, &ref.Clock); err != nil {
			return SnapshotRef{}, fmt.Errorf("decode vector clock: %w", err)
		}
	}
	return ref, nil
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
