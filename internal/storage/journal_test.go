package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/shared-note/internal/types"
)

func TestIsTransient(t *testing.T) {
	require.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	require.True(t, isTransient(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: "40P01"})))
	require.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	require.False(t, isTransient(context.Canceled))
	require.False(t, isTransient(errors.New("boom")))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	j := NewJournal(nil, WithMaxRetries(5), WithRetryDelay(time.Millisecond))

	calls := 0
	err := j.retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return errors.New("permanent")
	})
	require.EqualError(t, err, "permanent")
	require.Equal(t, 3, calls)
}

type fakeAppender struct {
	mu      sync.Mutex
	records []types.JournalRecord
	fail    bool
}

func (f *fakeAppender) AppendUpdate(_ context.Context, rec types.JournalRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, errors.New("unavailable")
	}
	f.records = append(f.records, rec)
	return int64(len(f.records)), nil
}

func (f *fakeAppender) snapshot() []types.JournalRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JournalRecord(nil), f.records...)
}

func TestRecorderWritesInOrder(t *testing.T) {
	appender := &fakeAppender{}
	rec := NewRecorder(appender, "instance-a", 8, zerolog.New(io.Discard))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(ctx)
	}()

	frame := []byte{0, 2, 1}
	rec.Append("shared-note", frame)
	frame[2] = 9 // the recorder keeps its own copy
	rec.Append("shared-note", []byte{0, 2, 2})

	require.Eventually(t, func() bool { return len(appender.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	got := appender.snapshot()
	require.Equal(t, []byte{0, 2, 1}, got[0].Payload)
	require.Equal(t, []byte{0, 2, 2}, got[1].Payload)
	require.Equal(t, "instance-a", got[0].Origin)
	require.NotEqual(t, got[0].MessageID, got[1].MessageID)
}

func TestRecorderDrainsOnShutdown(t *testing.T) {
	appender := &fakeAppender{}
	rec := NewRecorder(appender, "instance-a", 8, zerolog.New(io.Discard))
	for i := 0; i < 5; i++ {
		rec.Append("shared-note", []byte{0, 2, byte(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Run(ctx)

	require.Len(t, appender.snapshot(), 5)
}

func TestRecorderSurvivesFailures(t *testing.T) {
	appender := &fakeAppender{fail: true}
	rec := NewRecorder(appender, "instance-a", 1, zerolog.New(io.Discard))

	rec.Append("shared-note", []byte{1})
	rec.Append("shared-note", []byte{2}) // queue full

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NotPanics(t, func() { rec.Run(ctx) })
	require.Empty(t, appender.snapshot())
}
