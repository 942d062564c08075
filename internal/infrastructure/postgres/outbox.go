// Package postgres implements the outbox leg of the audit trail: mutations
// write audit events to an outbox table in the same database that holds the
// records, and the relay drains that table into Kafka.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vitalcare/go-vha/internal/audit"
	"github.com/vitalcare/go-vha/internal/infrastructure/kafka"
	"github.com/vitalcare/go-vha/pkg/workerpool"
)

// OutboxEntry represents one audit event waiting to be relayed.
type OutboxEntry struct {
	ID          int64
	EventID     string
	RecordID    int64
	EventType   string
	Payload     json.RawMessage
	KafkaTopic  string
	KafkaKey    string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	RetryCount  int
	LastError   *string
}

// EnsureOutboxSchema creates the outbox table. Idempotent.
func EnsureOutboxSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_outbox (
			id           BIGSERIAL PRIMARY KEY,
			event_id     TEXT NOT NULL,
			record_id    BIGINT NOT NULL,
			event_type   TEXT NOT NULL,
			payload      JSONB NOT NULL,
			kafka_topic  TEXT NOT NULL,
			kafka_key    TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			processed_at TIMESTAMPTZ,
			retry_count  INT NOT NULL DEFAULT 0,
			last_error   TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure outbox schema: %w", err)
	}
	return nil
}

// OutboxWriter implements audit.Publisher by appending events to the outbox
// table. Delivery to Kafka happens asynchronously in the relay.
type OutboxWriter struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewOutboxWriter creates a writer on top of an existing pool.
func NewOutboxWriter(pool *pgxpool.Pool, logger *zap.Logger) *OutboxWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxWriter{pool: pool, logger: logger}
}

// Pending returns the number of entries not yet relayed.
func (w *OutboxWriter) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := w.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_outbox WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Publish appends one audit event to the outbox.
func (w *OutboxWriter) Publish(ctx context.Context, ev audit.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	_, err = w.pool.Exec(ctx, `
		INSERT INTO audit_outbox (event_id, record_id, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		ev.ID,
		int64(ev.RecordID),
		string(ev.Type),
		payload,
		kafka.TopicRecordAudit,
		strconv.FormatUint(ev.RecordID, 10),
	)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// OutboxConfig holds configuration for the relay processor.
type OutboxConfig struct {
	// BatchSize is the number of entries to fetch per poll
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the maximum retries before moving an entry to dead letter
	MaxRetries int
	// Pool configures the publish worker pool
	Pool workerpool.Config
}

// DefaultOutboxConfig returns sensible defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 250 * time.Millisecond,
		MaxRetries:   5,
		Pool:         workerpool.DefaultConfig(),
	}
}

// OutboxPublisher publishes relayed entries to the broker.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox drains the outbox table into Kafka. Each polled entry is handed to
// the worker pool, which publishes it and marks it processed. Delivery is
// at-least-once; consumers must tolerate duplicates.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	workers   *workerpool.Pool
	logger    *zap.Logger
	tracer    trace.Tracer

	// Entries handed to the workers but not yet marked processed. Guards
	// against re-submitting the same row on the next poll tick.
	inflightMu sync.Mutex
	inflight   map[int64]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay processor.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) (*Outbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("audit-outbox"),
		inflight:  make(map[int64]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	workers, err := workerpool.New(cfg.Pool, o.publishTask, logger)
	if err != nil {
		cancel()
		return nil, err
	}
	o.workers = workers

	return o, nil
}

// Start begins polling and processing outbox entries.
func (o *Outbox) Start() {
	o.workers.Start()
	go o.drainResults()
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the relay.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.workers.Stop()
	o.logger.Info("outbox relay stopped")
}

// Pending returns the number of unprocessed entries.
func (o *Outbox) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := o.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_outbox WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch()
		}
	}
}

// processBatch fetches unprocessed entries and hands them to the workers.
// An advisory lock keeps multiple relay instances from fetching the same
// batch. Advisory locks are session-scoped, so the lock and unlock must run
// on the same connection, held for the whole batch.
func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		o.logger.Error("failed to acquire connection", zap.Error(err))
		span.RecordError(err)
		return
	}
	defer conn.Release()

	const lockID = int64(0x7661_6175_6469) // "vaaudi"
	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil || !acquired {
		return
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", lockID)

	entries, err := o.fetchUnprocessed(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(entries) == 0 {
		return
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	for _, entry := range entries {
		if !o.claim(entry.ID) {
			continue
		}
		task := &workerpool.Task{
			ID:      strconv.FormatInt(entry.ID, 10),
			Payload: entry,
			Context: ctx,
		}
		if err := o.workers.Submit(task); err != nil {
			o.release(entry.ID)
			o.logger.Warn("failed to submit outbox entry",
				zap.Int64("id", entry.ID), zap.Error(err))
		}
	}
}

func (o *Outbox) claim(id int64) bool {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	if _, ok := o.inflight[id]; ok {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Outbox) release(id int64) {
	o.inflightMu.Lock()
	defer o.inflightMu.Unlock()
	delete(o.inflight, id)
}

// publishTask is the worker function: publish one entry and mark it
// processed.
func (o *Outbox) publishTask(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	entry := task.Payload.(*OutboxEntry)
	defer o.release(entry.ID)

	if err := o.processEntry(ctx, entry); err != nil {
		return &workerpool.Result{TaskID: task.ID, Success: false, Error: err}
	}
	return &workerpool.Result{TaskID: task.ID, Success: true}
}

func (o *Outbox) drainResults() {
	for result := range o.workers.Results() {
		if !result.Success {
			o.logger.Debug("outbox publish attempt failed",
				zap.String("entry_id", result.TaskID),
				zap.Error(result.Error))
		}
	}
}

func (o *Outbox) fetchUnprocessed(ctx context.Context) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, event_id, record_id, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM audit_outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.RecordID, &entry.EventType,
			&entry.Payload, &entry.KafkaTopic, &entry.KafkaKey,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// processEntry publishes a single entry and marks it processed. On failure
// the retry count is bumped so a poisoned entry eventually lands in the
// dead letter topic.
func (o *Outbox) processEntry(ctx context.Context, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
		))
	defer span.End()

	err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload)
	if err != nil {
		errStr := err.Error()
		if _, updateErr := o.pool.Exec(ctx, `
			UPDATE audit_outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, errStr, entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	if _, err := o.pool.Exec(ctx, `
		UPDATE audit_outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	o.logger.Debug("outbox entry relayed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))
	return nil
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, event_id, record_id, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM audit_outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
	`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var stale []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.EventID, &entry.RecordID, &entry.EventType,
			&entry.Payload, &entry.KafkaTopic, &entry.KafkaKey,
			&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			continue
		}
		stale = append(stale, entry)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, entry := range stale {
		dlPayload, _ := json.Marshal(map[string]interface{}{
			"original_topic": entry.KafkaTopic,
			"event_type":     entry.EventType,
			"record_id":      entry.RecordID,
			"payload":        entry.Payload,
			"retry_count":    entry.RetryCount,
			"last_error":     entry.LastError,
			"created_at":     entry.CreatedAt,
		})

		if err := o.publisher.Publish(ctx, kafka.TopicDeadLetter, entry.KafkaKey, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}

		if _, err := o.pool.Exec(ctx, `
			UPDATE audit_outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1
		`, entry.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		count++
	}

	return count, nil
}

// CleanupProcessed removes entries processed more than olderThan ago.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM audit_outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
