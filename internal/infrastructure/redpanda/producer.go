// Package redpanda provides Kafka-compatible streaming with franz-go for
// clinic domain events relayed from the outbox.
package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig configures the relay producer
type ProducerConfig struct {
	Brokers []string
	Linger  time.Duration
	// Compression is one of lz4, snappy, zstd or none
	Compression string
	// RecordRetries bounds client-side retries before Publish fails
	RecordRetries int
	RetryBackoff  time.Duration
	// RecordTimeout caps how long one Publish waits for an ack
	RecordTimeout time.Duration
}

// DefaultProducerConfig returns defaults for outbox relaying. Writes are
// idempotent with all-ISR acks; the outbox already batches so linger is short.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		RecordRetries: 5,
		RetryBackoff:  200 * time.Millisecond,
		RecordTimeout: 15 * time.Second,
	}
}

func (c ProducerConfig) codec() kgo.CompressionCodec {
	switch c.Compression {
	case "snappy":
		return kgo.SnappyCompression()
	case "zstd":
		return kgo.ZstdCompression()
	case "none", "":
		return kgo.NoCompression()
	default:
		return kgo.Lz4Compression()
	}
}

// ProduceObserver is notified after every publish
type ProduceObserver func(topic string, err error)

// Producer publishes outbox records to Redpanda
type Producer struct {
	client   *kgo.Client
	logger   *zap.Logger
	tracer   trace.Tracer
	observer ProduceObserver
}

// NewProducer connects a producer client
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.ProducerBatchCompression(cfg.codec()),
		kgo.RecordRetries(cfg.RecordRetries),
		kgo.RecordDeliveryTimeout(cfg.RecordTimeout),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return cfg.RetryBackoff * time.Duration(attempt+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// OnProduce registers an observer, used for metrics
func (p *Producer) OnProduce(fn ProduceObserver) { p.observer = fn }

// Publish sends one record with headers and the caller's trace context and
// waits for the broker ack.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "redpanda.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.event_type", headers["event_type"]),
			attribute.Int("messaging.message_size", len(value)),
		))
	defer span.End()

	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	for k, v := range carrier {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	res, err := p.client.ProduceSync(ctx, record).First()
	if p.observer != nil {
		p.observer(topic, err)
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.logger.Debug("record produced",
		zap.String("topic", res.Topic),
		zap.String("key", key),
		zap.Int32("partition", res.Partition),
		zap.Int64("offset", res.Offset))
	return nil
}

// Flush blocks until buffered records are acknowledged
func (p *Producer) Flush(ctx context.Context) error {
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush producer: %w", err)
	}
	return nil
}

// Close flushes with a bounded wait and closes the client
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.Flush(ctx)
	if err != nil {
		p.logger.Warn("flush on close failed", zap.Error(err))
	}
	p.client.Close()
	return err
}
