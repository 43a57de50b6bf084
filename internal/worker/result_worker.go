package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tpcell/attempt-runner/internal/model"
)

const (
	ResultBatchSize    = 50
	ResultBatchTimeout = 2 * time.Second
	ResultPollTimeout  = 1 * time.Second
)

// ResultSource is the queue completed attempts are read from.
type ResultSource interface {
	NextResult(ctx context.Context, timeout time.Duration) (*model.AttemptRecord, error)
	RequeueResult(ctx context.Context, rec model.AttemptRecord) error
}

// ResultSink is the durable results store.
type ResultSink interface {
	BulkUpsert(ctx context.Context, batch []model.AttemptRecord) error
	Upsert(ctx context.Context, rec model.AttemptRecord) error
}

// ResultWorker drains the completed-attempt queue into Postgres in batches.
type ResultWorker struct {
	source       ResultSource
	sink         ResultSink
	log          zerolog.Logger
	batchSize    int
	batchTimeout time.Duration
	pollTimeout  time.Duration
}

func NewResultWorker(source ResultSource, sink ResultSink, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		source:       source,
		sink:         sink,
		log:          log.With().Str("component", "result_worker").Logger(),
		batchSize:    ResultBatchSize,
		batchTimeout: ResultBatchTimeout,
		pollTimeout:  ResultPollTimeout,
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]model.AttemptRecord, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Int("pending", len(batch)).Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			rec, err := w.source.NextResult(ctx, w.pollTimeout)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Queue read error")
				}
				continue
			}
			if rec == nil {
				continue
			}
			batch = append(batch, *rec)
		}
	}
}

// ----------------------------------------------------------------
// Batch upsert with row-by-row fallback
// ----------------------------------------------------------------

func (w *ResultWorker) flushSafe(ctx context.Context, batch []model.AttemptRecord) {
	if len(batch) == 0 {
		return
	}

	if err := w.sink.BulkUpsert(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("size", len(batch)).Msg("bulk result upsert failed, using fallback")

		for _, rec := range batch {
			if err := w.sink.Upsert(ctx, rec); err != nil {
				w.log.Error().Err(err).
					Str("attempt_id", rec.SessionID.String()).
					Msg("single upsert failed, requeueing")
				if err := w.source.RequeueResult(ctx, rec); err != nil {
					w.log.Error().Err(err).
						Str("attempt_id", rec.SessionID.String()).
						Msg("requeue failed, result dropped")
				}
			}
		}
		return
	}

	w.log.Debug().Int("size", len(batch)).Msg("Persisted attempt results")
}
