// Package postgres provides PostgreSQL infrastructure components.
// The outbox relays clinic domain events committed alongside state changes.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OutboxEntry is one event waiting to be relayed
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// Headers are attached to the relayed record so consumers can route on the
// event type without decoding the payload.
func (e *OutboxEntry) Headers() map[string]string {
	return map[string]string{
		"event_type":     e.EventType,
		"aggregate_type": e.AggregateType,
		"aggregate_id":   e.AggregateID,
		"outbox_id":      strconv.FormatInt(e.ID, 10),
	}
}

// OutboxConfig holds configuration for the relay
type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry goes to the dead letter topic
	MaxRetries int
	// LockID is the advisory lock key shared by all relay replicas
	LockID              int64
	DeadLetterTopic     string
	MaintenanceInterval time.Duration
	// Retention is how long processed rows are kept
	Retention time.Duration
}

// DefaultOutboxConfig returns the relay defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:           100,
		PollInterval:        250 * time.Millisecond,
		MaxRetries:          5,
		LockID:              7_310_001,
		DeadLetterTopic:     "clinic.dead.letter",
		MaintenanceInterval: 10 * time.Minute,
		Retention:           72 * time.Hour,
	}
}

// OutboxPublisher sends one record and waits for the broker
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// PendingObserver receives the pending entry count after each maintenance pass
type PendingObserver func(pending int64)

// Outbox relays outbox rows to the broker. Entries of one aggregate are
// published in id order: once an entry fails, later entries of the same
// aggregate wait for the next batch.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer
	observer  PendingObserver

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay. A nil publisher is enough for GetStats and
// CleanupProcessed.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = def.DeadLetterTopic
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = def.MaintenanceInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// OnPending registers an observer for the pending count
func (o *Outbox) OnPending(fn PendingObserver) { o.observer = fn }

// WriteEntry inserts entry in tx. It must run in the transaction of the
// state change it describes.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		entry.AggregateID, entry.AggregateType, entry.EventType,
		entry.Payload, entry.KafkaTopic, entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins relaying in the background
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the in-flight batch and stops
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
}

func (o *Outbox) loop() {
	defer close(o.done)

	poll := time.NewTicker(o.config.PollInterval)
	defer poll.Stop()
	maintenance := time.NewTicker(o.config.MaintenanceInterval)
	defer maintenance.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-poll.C:
			if _, err := o.RelayOnce(o.ctx); err != nil && o.ctx.Err() == nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-maintenance.C:
			o.maintain(o.ctx)
		}
	}
}

// RelayOnce publishes one batch while holding the relay advisory lock and
// returns how many entries were published. Another replica holding the lock
// makes it a no-op.
func (o *Outbox) RelayOnce(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox.relay")
	defer span.End()

	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	// Session advisory locks belong to the connection, so unlock on the same one.
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", o.config.LockID).Scan(&locked); err != nil {
		return 0, fmt.Errorf("take relay lock: %w", err)
	}
	if !locked {
		return 0, nil
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", o.config.LockID)

	entries, err := o.pending(ctx, "retry_count < $1")
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("outbox.batch_size", len(entries)))

	var (
		published []int64
		blocked   = make(map[string]bool)
	)
	for _, e := range entries {
		agg := e.AggregateType + "/" + e.AggregateID
		if blocked[agg] {
			continue
		}
		if err := o.publisher.Publish(ctx, e.KafkaTopic, e.KafkaKey, e.Payload, e.Headers()); err != nil {
			blocked[agg] = true
			o.logger.Warn("outbox publish failed",
				zap.Int64("id", e.ID),
				zap.String("aggregate", agg),
				zap.String("event_type", e.EventType),
				zap.Int("retry_count", e.RetryCount+1),
				zap.Error(err))
			if _, uerr := o.pool.Exec(ctx, `
				UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
				WHERE id = $2`, err.Error(), e.ID); uerr != nil {
				return len(published), fmt.Errorf("record publish failure: %w", uerr)
			}
			continue
		}
		published = append(published, e.ID)
	}

	if err := o.markProcessed(ctx, published); err != nil {
		span.RecordError(err)
		return 0, err
	}
	return len(published), nil
}

func (o *Outbox) markProcessed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := o.pool.Exec(ctx,
		`UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// pending lists unprocessed entries matching cond, where $1 is MaxRetries
func (o *Outbox) pending(ctx context.Context, cond string) ([]*OutboxEntry, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL AND `+cond+`
		ORDER BY id
		LIMIT $2`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload,
			&e.KafkaTopic, &e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (o *Outbox) maintain(ctx context.Context) {
	if moved, err := o.MoveToDeadLetter(ctx); err != nil {
		o.logger.Error("dead letter pass failed", zap.Error(err))
	} else if moved > 0 {
		o.logger.Warn("outbox entries moved to dead letter", zap.Int("count", moved))
	}

	if purged, err := o.CleanupProcessed(ctx, o.config.Retention); err != nil {
		o.logger.Error("outbox cleanup failed", zap.Error(err))
	} else if purged > 0 {
		o.logger.Info("processed outbox entries purged", zap.Int64("count", purged))
	}

	if o.observer != nil {
		if stats, err := o.GetStats(ctx); err == nil {
			o.observer(stats.Pending)
		}
	}
}

// CleanupProcessed removes processed entries older than olderThan
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeadLetterMessage wraps an entry that exhausted its retries
type DeadLetterMessage struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes exhausted entries to the dead letter topic and
// marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int, error) {
	entries, err := o.pending(ctx, "retry_count >= $1")
	if err != nil {
		return 0, err
	}

	var moved []int64
	for _, e := range entries {
		body, err := json.Marshal(DeadLetterMessage{
			OriginalTopic: e.KafkaTopic,
			EventType:     e.EventType,
			AggregateType: e.AggregateType,
			AggregateID:   e.AggregateID,
			Payload:       e.Payload,
			RetryCount:    e.RetryCount,
			LastError:     e.LastError,
			CreatedAt:     e.CreatedAt,
		})
		if err != nil {
			return len(moved), fmt.Errorf("encode dead letter %d: %w", e.ID, err)
		}
		if err := o.publisher.Publish(ctx, o.config.DeadLetterTopic, e.KafkaKey, body, e.Headers()); err != nil {
			o.logger.Error("dead letter publish failed", zap.Int64("id", e.ID), zap.Error(err))
			continue
		}
		moved = append(moved, e.ID)
	}
	return len(moved), o.markProcessed(ctx, moved)
}

// OutboxStats summarizes the outbox table
type OutboxStats struct {
	Pending       int64      `json:"pending"`
	Processed     int64      `json:"processed_24h"`
	Failed        int64      `json:"failed"`
	OldestPending *time.Time `json:"oldest_pending,omitempty"`
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox`, o.config.MaxRetries,
	).Scan(&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
