package archive

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/warden-sh/warden/internal/engine"
)

const (
	recorderChanSize  = 1000
	recorderBatchSize = 64
	recorderFlushEach = 5 * time.Second
	recorderDrainTime = 30 * time.Second
)

// RecordStore is the persistence interface the recorder flushes to.
type RecordStore interface {
	InsertRecords(ctx context.Context, records []engine.ExecutionRecord) error
}

// Recorder buffers finalized records and batch-flushes them to the
// archive off the worker hot path. A full channel drops the record
// with a warning; the JSONL file remains the durable copy.
type Recorder struct {
	ch      chan engine.ExecutionRecord
	store   RecordStore
	dropped atomic.Uint64
}

// NewRecorder creates a Recorder backed by store.
func NewRecorder(store RecordStore) *Recorder {
	return &Recorder{
		ch:    make(chan engine.ExecutionRecord, recorderChanSize),
		store: store,
	}
}

// Enqueue hands a finalized record to the recorder. It never blocks.
func (r *Recorder) Enqueue(rec engine.ExecutionRecord) {
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		slog.LogAttrs(context.Background(), slog.LevelWarn, "archive record dropped, channel full",
			slog.String("execution_id", rec.ID),
		)
	}
}

// Dropped reports how many records were lost to back-pressure.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run processes records until ctx is cancelled, then drains what
// remains with a bounded grace period.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(recorderFlushEach)
	defer ticker.Stop()

	buf := make([]engine.ExecutionRecord, 0, recorderBatchSize)

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= recorderBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

func (r *Recorder) drain(buf []engine.ExecutionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), recorderDrainTime)
	defer cancel()

	for {
		select {
		case rec := <-r.ch:
			buf = append(buf, rec)
			if len(buf) >= recorderBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []engine.ExecutionRecord) {
	// Copy so the reused buffer never aliases an in-flight insert.
	batch := make([]engine.ExecutionRecord, len(buf))
	copy(batch, buf)

	if err := r.store.InsertRecords(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "archive flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
