// Package storage persists accepted document updates in Postgres.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/shared-note/internal/types"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS document_updates (
	lsn        BIGSERIAL PRIMARY KEY,
	document   TEXT        NOT NULL,
	message_id TEXT        NOT NULL UNIQUE,
	origin     TEXT        NOT NULL,
	payload    BYTEA       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS document_updates_document_lsn ON document_updates (document, lsn)`,
	`CREATE TABLE IF NOT EXISTS document_snapshots (
	id           BIGSERIAL PRIMARY KEY,
	document     TEXT        NOT NULL,
	object_path  TEXT        NOT NULL,
	last_lsn     BIGINT      NOT NULL,
	state_vector JSONB       NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS document_snapshots_document_lsn ON document_snapshots (document, last_lsn)`,
}

// SnapshotRef points at a compacted document state in object storage. The
// state covers every journal entry up to and including LastLSN.
type SnapshotRef struct {
	Document    types.DocumentName
	ObjectPath  string
	LastLSN     int64
	StateVector types.StateVector
	CreatedAt   time.Time
}

// Journal is the append-only log of accepted update frames.
type Journal struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// JournalOption configures the journal.
type JournalOption func(*Journal)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) JournalOption {
	return func(j *Journal) {
		j.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) JournalOption {
	return func(j *Journal) {
		j.retryDelay = d
	}
}

// NewJournal constructs a journal using the provided Postgres pool.
func NewJournal(pool *pgxpool.Pool, opts ...JournalOption) *Journal {
	j := &Journal{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// EnsureSchema creates the journal tables when missing.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := j.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// AppendUpdate durably stores an accepted frame and returns its LSN.
// Transient failures are retried; a repeated message id is not stored twice.
func (j *Journal) AppendUpdate(ctx context.Context, rec types.JournalRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	ctx, span := tracer.Start(ctx, "journal.append", trace.WithAttributes(
		attribute.String("document", string(rec.Document)),
		attribute.Int("bytes", len(rec.Payload)),
	))
	defer span.End()
	start := time.Now()

	var lsn int64
	err := j.retry(ctx, func(ctx context.Context) error {
		tx, err := j.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		row := tx.QueryRow(ctx, `
INSERT INTO document_updates (document, message_id, origin, payload, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (message_id) DO UPDATE SET message_id = EXCLUDED.message_id
RETURNING lsn`,
			string(rec.Document), rec.MessageID, rec.Origin, rec.Payload, rec.CreatedAt,
		)
		if err := row.Scan(&lsn); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	appendLatency.WithLabelValues(string(rec.Document)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return lsn, nil
}

// Documents returns every document that has journal entries.
func (j *Journal) Documents(ctx context.Context) ([]types.DocumentName, error) {
	rows, err := j.pool.Query(ctx, `SELECT DISTINCT document FROM document_updates ORDER BY document`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []types.DocumentName
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, types.DocumentName(doc))
	}
	return docs, rows.Err()
}

// Replay scans entries of a document after fromLSN in LSN order. Returning an
// error from handler stops the scan and returns that error.
func (j *Journal) Replay(ctx context.Context, name types.DocumentName, fromLSN int64, handler func(types.JournalRecord) error) error {
	ctx, span := tracer.Start(ctx, "journal.replay", trace.WithAttributes(attribute.String("document", string(name))))
	defer span.End()
	start := time.Now()
	defer func() {
		replayLatency.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	}()

	rows, err := j.pool.Query(ctx, `
SELECT lsn, document, message_id, origin, payload, created_at
FROM document_updates
WHERE document = $1 AND lsn > $2
ORDER BY lsn`, string(name), fromLSN)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec types.JournalRecord
			doc string
		)
		if err := rows.Scan(&rec.LSN, &doc, &rec.MessageID, &rec.Origin, &rec.Payload, &rec.CreatedAt); err != nil {
			return err
		}
		rec.Document = types.DocumentName(doc)
		if err := handler(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastLSN returns the newest LSN of a document, zero when it has none.
func (j *Journal) LastLSN(ctx context.Context, name types.DocumentName) (int64, error) {
	var lsn int64
	err := j.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(lsn), 0) FROM document_updates WHERE document = $1`, string(name)).Scan(&lsn)
	return lsn, err
}

// CountAfterLSN returns how many entries a document has beyond lsn.
func (j *Journal) CountAfterLSN(ctx context.Context, name types.DocumentName, lsn int64) (int64, error) {
	var count int64
	err := j.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM document_updates WHERE document = $1 AND lsn > $2`, string(name), lsn).Scan(&count)
	if err == nil {
		backlog.WithLabelValues(string(name)).Set(float64(count))
	}
	return count, err
}

// LSNForTime returns the newest LSN written at or before ts.
func (j *Journal) LSNForTime(ctx context.Context, name types.DocumentName, ts time.Time) (int64, error) {
	var lsn int64
	err := j.pool.QueryRow(ctx, `
SELECT COALESCE(MAX(lsn), 0) FROM document_updates WHERE document = $1 AND created_at <= $2`,
		string(name), ts).Scan(&lsn)
	return lsn, err
}

// LatestSnapshot returns the newest snapshot of a document. The zero ref is
// returned when none exists.
func (j *Journal) LatestSnapshot(ctx context.Context, name types.DocumentName) (SnapshotRef, error) {
	return j.snapshot(ctx, `
SELECT document, object_path, last_lsn, state_vector, created_at
FROM document_snapshots
WHERE document = $1
ORDER BY last_lsn DESC
LIMIT 1`, string(name))
}

// SnapshotBeforeLSN returns the newest snapshot whose LastLSN is at most lsn.
func (j *Journal) SnapshotBeforeLSN(ctx context.Context, name types.DocumentName, lsn int64) (SnapshotRef, error) {
	return j.snapshot(ctx, `
SELECT document, object_path, last_lsn, state_vector, created_at
FROM document_snapshots
WHERE document = $1 AND last_lsn <= $2
ORDER BY last_lsn DESC
LIMIT 1`, string(name), lsn)
}

func (j *Journal) snapshot(ctx context.Context, query string, args ...any) (SnapshotRef, error) {
	var (
		ref SnapshotRef
		doc string
		sv  []byte
	)
	err := j.pool.QueryRow(ctx, query, args...).Scan(&doc, &ref.ObjectPath, &ref.LastLSN, &sv, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, nil
	}
	if err != nil {
		return SnapshotRef{}, err
	}
	ref.Document = types.DocumentName(doc)
	if err := ref.StateVector.UnmarshalJSON(sv); err != nil {
		return SnapshotRef{}, err
	}
	return ref, nil
}

// RecordSnapshot stores a snapshot reference.
func (j *Journal) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	sv, err := ref.StateVector.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal state vector: %w", err)
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	return j.retry(ctx, func(ctx context.Context) error {
		_, err := j.pool.Exec(ctx, `
INSERT INTO document_snapshots (document, object_path, last_lsn, state_vector, created_at)
VALUES ($1, $2, $3, $4, $5)`,
			string(ref.Document), ref.ObjectPath, ref.LastLSN, sv, ref.CreatedAt)
		return err
	})
}

func (j *Journal) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := j.retryDelay
	for attempt := 0; attempt <= j.maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == j.maxRetries {
			return err
		}
		retriesTotal.Inc()
		select {
		case <-time.After(delay):
			delay *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
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
