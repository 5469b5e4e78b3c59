package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ConsumerConfig configures a group consumer
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string
	// SessionTimeoutMS is the group session timeout
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	FetchMaxBytes       int32
	// StartOffset is "earliest" or "latest" for groups without a committed offset
	StartOffset string
	// RetryBackoff is the first wait after a handler error; it doubles up to MaxBackoff
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
}

// DefaultConsumerConfig returns defaults for the clinic worker
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:             []string{"localhost:9092"},
		GroupID:             "clinic-worker",
		Topics:              []string{TopicEncounterEvents},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       16 * 1024 * 1024,
		StartOffset:         "earliest",
		RetryBackoff:        200 * time.Millisecond,
		MaxBackoff:          10 * time.Second,
	}
}

// MessageHandler handles one record. A non-nil error retries the same record.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage is a record as seen by handlers
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// ConsumeObserver is notified after each handler call
type ConsumeObserver func(topic string, err error)

// Consumer delivers records of a partition in order. A record's offset is
// marked for commit only after its handler succeeds, so a failing record
// holds back its partition instead of being skipped.
type Consumer struct {
	client   *kgo.Client
	cfg      ConsumerConfig
	logger   *zap.Logger
	tracer   trace.Tracer
	handler  MessageHandler
	observer ConsumeObserver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handled int64
	retries int64
}

// NewConsumer joins the consumer group described by cfg
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	def := DefaultConsumerConfig()
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxBackoff < cfg.RetryBackoff {
		cfg.MaxBackoff = def.MaxBackoff
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		reset = kgo.NewOffset().AtEnd()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS)*time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS)*time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.ConsumeResetOffset(reset),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// OnConsume registers an observer, used for metrics
func (c *Consumer) OnConsume(fn ConsumeObserver) { c.observer = fn }

// Start begins polling in the background
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.poll()
}

// Stop ends polling, commits what was handled and leaves the group
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if cerr := c.client.CommitMarkedOffsets(ctx); cerr != nil {
		err = fmt.Errorf("commit offsets: %w", cerr)
	}
	c.client.Close()
	return err
}

func (c *Consumer) poll() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		// Partitions are independent; records within one stay ordered.
		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, rec := range p.Records {
					if !c.deliver(rec) {
						return
					}
				}
			}()
		})
		wg.Wait()
	}
}

// deliver runs the handler until it succeeds, then marks the record.
// It returns false when the consumer is stopping.
func (c *Consumer) deliver(rec *kgo.Record) bool {
	msg := toMessage(rec)
	backoff := c.cfg.RetryBackoff

	for attempt := 1; ; attempt++ {
		err := c.handle(msg)
		if c.observer != nil {
			c.observer(rec.Topic, err)
		}
		if err == nil {
			c.client.MarkCommitRecords(rec)
			c.mu.Lock()
			c.handled++
			c.mu.Unlock()
			return true
		}

		c.mu.Lock()
		c.retries++
		c.mu.Unlock()
		c.logger.Warn("message handler failed, retrying",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Consumer) handle(msg *ConsumedMessage) error {
	ctx := propagation.TraceContext{}.Extract(c.ctx, propagation.MapCarrier(msg.Headers))
	ctx, span := c.tracer.Start(ctx, "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", msg.Topic),
			attribute.Int64("messaging.partition", int64(msg.Partition)),
			attribute.Int64("messaging.offset", msg.Offset),
		))
	defer span.End()

	err := c.handler(ctx, msg)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func toMessage(rec *kgo.Record) *ConsumedMessage {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &ConsumedMessage{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}
}

// ConsumerStats counts handled records and handler retries
type ConsumerStats struct {
	Handled int64 `json:"handled"`
	Retries int64 `json:"retries"`
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConsumerStats{Handled: c.handled, Retries: c.retries}
}
