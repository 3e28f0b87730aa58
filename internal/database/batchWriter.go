package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nmslite/wmipoller/internal/channels"
	"github.com/nmslite/wmipoller/internal/config"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = time.Second
	maxConsecutiveFails  = 5
)

var eventColumns = []string{"id", "input", "host", "timestamp", "fields"}

// BatchWriter is a pipeline sink that bulk-inserts events with COPY.
// Write only queues; Run does the inserts.
type BatchWriter struct {
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	// write persists one batch; replaced in tests
	write func(ctx context.Context, batch []channels.Event) error

	submitCh chan channels.Event

	mu                  sync.Mutex
	current             []channels.Event
	requeued            []channels.Event
	consecutiveFailures int
}

// NewBatchWriter creates a writer that inserts into pool
func NewBatchWriter(pool *pgxpool.Pool, cfg *config.PostgresSinkConfig, logger *slog.Logger) *BatchWriter {
	bw := newBatchWriter(cfg.BatchSize, cfg.FlushInterval(), logger)
	bw.write = func(ctx context.Context, batch []channels.Event) error {
		return copyEvents(ctx, pool, batch)
	}
	return bw
}

func newBatchWriter(batchSize int, flushInterval time.Duration, logger *slog.Logger) *BatchWriter {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &BatchWriter{
		logger:        logger.With("component", "batch_writer"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		submitCh:      make(chan channels.Event, batchSize*2),
		current:       make([]channels.Event, 0, batchSize),
	}
}

func (bw *BatchWriter) Name() string {
	return "postgres"
}

// Write queues an event, blocking while the submit queue is full
func (bw *BatchWriter) Write(ctx context.Context, e channels.Event) error {
	select {
	case bw.submitCh <- e:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit cancelled: %w", ctx.Err())
	}
}

// Run batches queued events until ctx is cancelled, then flushes what is left
func (bw *BatchWriter) Run(ctx context.Context) error {
	bw.logger.Info("batch writer starting",
		"batch_size", bw.batchSize,
		"flush_interval", bw.flushInterval,
	)

	ticker := time.NewTicker(bw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("batch writer shutting down, flushing remaining events")
			bw.drainQueue()
			if err := bw.flush(context.Background()); err != nil {
				bw.logger.Error("final flush failed", "error", err)
			}
			return ctx.Err()

		case e := <-bw.submitCh:
			bw.mu.Lock()
			bw.current = append(bw.current, e)
			full := len(bw.current) >= bw.batchSize
			bw.mu.Unlock()

			if full {
				if err := bw.flush(ctx); err != nil {
					bw.logger.Error("flush on batch size failed", "error", err)
				}
			}

		case <-ticker.C:
			if err := bw.flush(ctx); err != nil {
				bw.logger.Error("periodic flush failed", "error", err)
			}
		}
	}
}

func (bw *BatchWriter) drainQueue() {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	for {
		select {
		case e := <-bw.submitCh:
			bw.current = append(bw.current, e)
		default:
			return
		}
	}
}

// flush writes requeued events followed by the current batch
func (bw *BatchWriter) flush(ctx context.Context) error {
	bw.mu.Lock()
	batch := append(bw.requeued, bw.current...)
	bw.requeued = nil
	bw.current = make([]channels.Event, 0, bw.batchSize)
	bw.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	err := bw.write(ctx, batch)
	if err != nil {
		bw.logger.Error("batch write failed",
			"error", err,
			"batch_size", len(batch),
			"duration_ms", time.Since(start).Milliseconds(),
		)
		bw.requeue(batch)
		return err
	}

	bw.mu.Lock()
	bw.consecutiveFailures = 0
	bw.mu.Unlock()

	bw.logger.Debug("batch written",
		"batch_size", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// requeue keeps a failed batch for the next flush, bounded by ten batches.
// After maxConsecutiveFails failures in a row the batch is dropped.
func (bw *BatchWriter) requeue(batch []channels.Event) {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	bw.consecutiveFailures++
	if bw.consecutiveFailures >= maxConsecutiveFails {
		bw.logger.Error("max consecutive failures reached, dropping batch",
			"consecutive_failures", bw.consecutiveFailures,
			"dropped_count", len(batch),
		)
		bw.consecutiveFailures = 0
		return
	}

	limit := bw.batchSize * 10
	if len(batch) > limit {
		bw.logger.Warn("partial requeue due to buffer limit",
			"requested", len(batch),
			"dropped", len(batch)-limit,
		)
		batch = batch[len(batch)-limit:]
	}
	bw.requeued = batch

	bw.logger.Info("batch requeued for retry", "requeued_count", len(batch))
}

// Pending returns the number of events waiting to be written
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.current) + len(bw.requeued) + len(bw.submitCh)
}

func copyEvents(ctx context.Context, pool *pgxpool.Pool, batch []channels.Event) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Warn("failed to rollback transaction", "error", err)
		}
	}()

	copied, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"wmi_events"},
		eventColumns,
		pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
			return eventRow(batch[i])
		}),
	)
	if err != nil {
		return fmt.Errorf("COPY operation failed: %w", err)
	}
	if copied != int64(len(batch)) {
		return fmt.Errorf("COPY count mismatch: expected %d, got %d", len(batch), copied)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// eventRow maps an event to the wmi_events columns
func eventRow(e channels.Event) ([]any, error) {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fields of event %s: %w", e.ID, err)
	}
	return []any{e.ID, e.Input, e.Host(), e.Timestamp, fields}, nil
}
