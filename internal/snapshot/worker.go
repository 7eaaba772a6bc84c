// Package snapshot compacts the update journal into full document states kept
// in object storage, and restores documents from them at startup.
package snapshot

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/storage"
	"github.com/example/shared-note/internal/types"
)

const (
	defaultInterval  = 15 * time.Second
	defaultThreshold = int64(500)
)

// Log is the part of the journal the worker reads and writes.
type Log interface {
	Replayer
	Documents(ctx context.Context) ([]types.DocumentName, error)
	LatestSnapshot(ctx context.Context, name types.DocumentName) (storage.SnapshotRef, error)
	CountAfterLSN(ctx context.Context, name types.DocumentName, lsn int64) (int64, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
}

// Target receives restored document state.
type Target interface {
	WithDocument(ctx context.Context, name types.DocumentName, fn func(*document.Document)) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithInterval sets how often journal backlogs are inspected.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithThreshold sets how many journal entries past the last snapshot trigger
// a new one.
func WithThreshold(n int64) Option {
	return func(w *Worker) {
		if n > 0 {
			w.threshold = n
		}
	}
}

// Worker periodically folds journal entries into a snapshot once a
// document's backlog crosses the threshold. Snapshots are rebuilt from the
// journal alone, so LastLSN describes their content exactly.
type Worker struct {
	log     Log
	objects Objects

	interval  time.Duration
	threshold int64

	logger zerolog.Logger
}

// NewWorker constructs a snapshot worker. objects may be nil, in which case
// only journal replay is available.
func NewWorker(log Log, objects Objects, logger zerolog.Logger, opts ...Option) *Worker {
	w := &Worker{
		log:       log,
		objects:   objects,
		interval:  defaultInterval,
		threshold: defaultThreshold,
		logger:    logger.With().Str("component", "snapshot").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	if w.objects == nil {
		w.logger.Info().Msg("object storage not configured; snapshots disabled")
		return
	}
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
	names, err := w.log.Documents(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("list journaled documents failed")
		return
	}
	for _, name := range names {
		if _, err := w.processDocument(ctx, name); err != nil {
			w.logger.Error().Err(err).Str("document", string(name)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processDocument(ctx context.Context, name types.DocumentName) (bool, error) {
	latest, err := w.log.LatestSnapshot(ctx, name)
	if err != nil {
		return false, fmt.Errorf("lookup latest snapshot: %w", err)
	}

	backlog, err := w.log.CountAfterLSN(ctx, name, latest.LastLSN)
	if err != nil {
		return false, fmt.Errorf("count journal entries: %w", err)
	}
	if backlog < w.threshold {
		return false, nil
	}

	doc := crdt.NewDoc(0)
	if err := LoadInto(ctx, w.objects, latest, doc); err != nil {
		return false, err
	}
	last, err := Replay(ctx, w.log, doc, name, latest.LastLSN, 0)
	if err != nil {
		return false, err
	}
	if last <= latest.LastLSN {
		return false, nil
	}

	data, err := EncodePayload(name, last, doc)
	if err != nil {
		return false, fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s/%020d.json", url.PathEscape(string(name)), last)
	if err := w.objects.Put(ctx, objectPath, data); err != nil {
		return false, fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{
		Document:    name,
		ObjectPath:  objectPath,
		LastLSN:     last,
		StateVector: doc.StateVector(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := w.log.RecordSnapshot(ctx, ref); err != nil {
		return false, fmt.Errorf("persist snapshot ref: %w", err)
	}

	w.logger.Info().Str("document", string(name)).Int64("lsn", last).Int("bytes", len(data)).Msg("snapshot created")
	return true, nil
}

// Restore rebuilds every journaled document from its newest snapshot and the
// entries after it, and merges the result into target.
func (w *Worker) Restore(ctx context.Context, target Target) error {
	names, err := w.log.Documents(ctx)
	if err != nil {
		return fmt.Errorf("list journaled documents: %w", err)
	}

	for _, name := range names {
		ref, err := w.log.LatestSnapshot(ctx, name)
		if err != nil {
			return fmt.Errorf("lookup latest snapshot for %s: %w", name, err)
		}

		doc := crdt.NewDoc(0)
		if err := LoadInto(ctx, w.objects, ref, doc); err != nil {
			return err
		}
		last, err := Replay(ctx, w.log, doc, name, ref.LastLSN, 0)
		if err != nil {
			return err
		}

		state := doc.StateAsUpdate(nil)
		if err := target.WithDocument(ctx, name, func(d *document.Document) {
			d.Replica().ApplyUpdate(state)
		}); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
		w.logger.Info().
			Str("document", string(name)).
			Int64("snapshot_lsn", ref.LastLSN).
			Int64("lsn", last).
			Int("length", doc.Len()).
			Msg("document restored")
	}
	return nil
}
