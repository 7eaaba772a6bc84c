package snapshot

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/shared-note/internal/crdt"
	"github.com/example/shared-note/internal/document"
	"github.com/example/shared-note/internal/protocol"
	"github.com/example/shared-note/internal/storage"
	"github.com/example/shared-note/internal/types"
)

type fakeJournal struct {
	records   []types.JournalRecord
	snapshots []storage.SnapshotRef
	replays   int
}

func (f *fakeJournal) append(name types.DocumentName, frame []byte) {
	f.records = append(f.records, types.JournalRecord{
		LSN:       int64(len(f.records) + 1),
		Document:  name,
		Payload:   frame,
		CreatedAt: time.Now(),
	})
}

func (f *fakeJournal) Documents(context.Context) ([]types.DocumentName, error) {
	seen := map[types.DocumentName]bool{}
	var out []types.DocumentName
	for _, rec := range f.records {
		if !seen[rec.Document] {
			seen[rec.Document] = true
			out = append(out, rec.Document)
		}
	}
	return out, nil
}

func (f *fakeJournal) LatestSnapshot(_ context.Context, name types.DocumentName) (storage.SnapshotRef, error) {
	var best storage.SnapshotRef
	for _, ref := range f.snapshots {
		if ref.Document == name && ref.LastLSN > best.LastLSN {
			best = ref
		}
	}
	return best, nil
}

func (f *fakeJournal) CountAfterLSN(_ context.Context, name types.DocumentName, lsn int64) (int64, error) {
	var n int64
	for _, rec := range f.records {
		if rec.Document == name && rec.LSN > lsn {
			n++
		}
	}
	return n, nil
}

func (f *fakeJournal) RecordSnapshot(_ context.Context, ref storage.SnapshotRef) error {
	f.snapshots = append(f.snapshots, ref)
	return nil
}

func (f *fakeJournal) Replay(_ context.Context, name types.DocumentName, fromLSN int64, handler func(types.JournalRecord) error) error {
	f.replays++
	for _, rec := range f.records {
		if rec.Document != name || rec.LSN <= fromLSN {
			continue
		}
		if err := handler(rec); err != nil {
			return err
		}
	}
	return nil
}

type registryTarget struct {
	registry *document.Registry
}

func (r registryTarget) WithDocument(_ context.Context, name types.DocumentName, fn func(*document.Document)) error {
	doc, _ := r.registry.GetOrCreate(name)
	fn(doc)
	return nil
}

func writeText(t *testing.T, log *fakeJournal, author *crdt.Doc, pos int, text string) {
	t.Helper()
	u, err := author.InsertAt(pos, text)
	require.NoError(t, err)
	log.append("shared-note", protocol.EncodeUpdateMessage(u))
}

func TestWorkerSnapshotsOnlyPastThreshold(t *testing.T) {
	log := &fakeJournal{}
	objects := NewMemoryObjects()
	w := NewWorker(log, objects, zerolog.New(io.Discard), WithThreshold(3))
	author := crdt.NewDoc(1)

	writeText(t, log, author, 0, "he")
	writeText(t, log, author, 2, "llo")

	created, err := w.processDocument(context.Background(), "shared-note")
	require.NoError(t, err)
	require.False(t, created)
	require.Empty(t, objects.Paths())

	writeText(t, log, author, 5, "!")
	created, err = w.processDocument(context.Background(), "shared-note")
	require.NoError(t, err)
	require.True(t, created)

	require.Len(t, log.snapshots, 1)
	ref := log.snapshots[0]
	require.Equal(t, int64(3), ref.LastLSN)
	require.Equal(t, uint64(6), ref.StateVector.Get(1))

	data, err := objects.Load(context.Background(), ref.ObjectPath)
	require.NoError(t, err)
	payload, err := DecodePayload(data)
	require.NoError(t, err)
	require.Equal(t, int64(3), payload.LastLSN)

	restored := crdt.NewDoc(2)
	require.NoError(t, LoadInto(context.Background(), objects, ref, restored))
	require.Equal(t, "hello!", restored.Text())
}

func TestRestoreUsesSnapshotAndNewerEntries(t *testing.T) {
	log := &fakeJournal{}
	objects := NewMemoryObjects()
	w := NewWorker(log, objects, zerolog.New(io.Discard), WithThreshold(1))
	author := crdt.NewDoc(1)

	writeText(t, log, author, 0, "hello")
	_, err := w.processDocument(context.Background(), "shared-note")
	require.NoError(t, err)

	writeText(t, log, author, 5, " world")
	del, err := author.DeleteAt(0, 1)
	require.NoError(t, err)
	log.append("shared-note", protocol.EncodeUpdateMessage(del))

	registry := document.NewRegistry()
	require.NoError(t, w.Restore(context.Background(), registryTarget{registry: registry}))

	doc, ok := registry.Lookup("shared-note")
	require.True(t, ok)
	require.Equal(t, "ello world", doc.Replica().Text())
	require.Equal(t, author.StateVector(), doc.Replica().StateVector())
}

func TestRestoreWithoutObjectStorage(t *testing.T) {
	log := &fakeJournal{}
	author := crdt.NewDoc(1)
	writeText(t, log, author, 0, "journal only")

	w := NewWorker(log, nil, zerolog.New(io.Discard))
	registry := document.NewRegistry()
	require.NoError(t, w.Restore(context.Background(), registryTarget{registry: registry}))

	doc, ok := registry.Lookup("shared-note")
	require.True(t, ok)
	require.Equal(t, "journal only", doc.Replica().Text())

	log.snapshots = append(log.snapshots, storage.SnapshotRef{Document: "shared-note", ObjectPath: "x", LastLSN: 1})
	require.Error(t, w.Restore(context.Background(), registryTarget{registry: registry}))
}

func TestReplayStopsAtTarget(t *testing.T) {
	log := &fakeJournal{}
	author := crdt.NewDoc(1)
	writeText(t, log, author, 0, "a")
	writeText(t, log, author, 1, "b")
	writeText(t, log, author, 2, "c")

	doc := crdt.NewDoc(2)
	last, err := Replay(context.Background(), log, doc, "shared-note", 0, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2), last)
	require.Equal(t, "ab", doc.Text())

	log.append("shared-note", []byte{9, 9})
	_, err = Replay(context.Background(), log, doc, "shared-note", 2, 0)
	require.Error(t, err)
}
