package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/shared-note/internal/types"
)

// Appender stores one journal record.
type Appender interface {
	AppendUpdate(ctx context.Context, rec types.JournalRecord) (int64, error)
}

// Recorder feeds accepted frames to the journal off the caller's goroutine.
type Recorder struct {
	appender Appender
	origin   string
	logger   zerolog.Logger
	queue    chan types.JournalRecord
	timeout  time.Duration
}

// NewRecorder builds a recorder with room for buffer pending frames.
func NewRecorder(appender Appender, origin string, buffer int, logger zerolog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Recorder{
		appender: appender,
		origin:   origin,
		logger:   logger.With().Str("component", "journal").Logger(),
		queue:    make(chan types.JournalRecord, buffer),
		timeout:  10 * time.Second,
	}
}

// Append queues frame for the named document. It never blocks; a frame that
// does not fit is counted and skipped.
func (r *Recorder) Append(name types.DocumentName, frame []byte) {
	rec := types.JournalRecord{
		Document:  name,
		MessageID: uuid.NewString(),
		Origin:    r.origin,
		Payload:   append([]byte(nil), frame...),
		CreatedAt: time.Now().UTC(),
	}
	select {
	case r.queue <- rec:
		recorderQueue.Set(float64(len(r.queue)))
	default:
		recorderDropped.Inc()
		r.logger.Warn().Str("document", string(name)).Msg("journal queue full; frame not recorded")
	}
}

// Run writes queued records until ctx is cancelled, then drains what is left
// using a short grace period.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec types.JournalRecord) {
	recorderQueue.Set(float64(len(r.queue)))
	writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	lsn, err := r.appender.AppendUpdate(writeCtx, rec)
	if err != nil {
		recorderDropped.Inc()
		r.logger.Error().Err(err).Str("document", string(rec.Document)).Str("message_id", rec.MessageID).Msg("journal append failed")
		return
	}
	r.logger.Debug().Str("document", string(rec.Document)).Int64("lsn", lsn).Msg("update journaled")
}
