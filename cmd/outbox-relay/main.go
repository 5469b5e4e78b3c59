// Package main provides the outbox relay entry point. It moves the appointment,
// encounter and billing events written to the outbox table onto Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/config"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
	"github.com/dohealth/clinicflow/internal/infrastructure/redpanda"
	"github.com/dohealth/clinicflow/internal/logging"
	"github.com/dohealth/clinicflow/internal/observability/metrics"
	"github.com/dohealth/clinicflow/internal/observability/tracing"
)

const serviceName = "outbox-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Server.Env, serviceName)
	if err != nil {
		zap.NewExample().Fatal("logger setup failed", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	// Installs the propagators that copy trace context into record headers
	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.Environment = cfg.Server.Env
	tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:      cfg.Database.URL,
		MaxConns: 4,
		MinConns: 1,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	m := metrics.New(nil)

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Kafka.Brokers

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	producer.OnProduce(m.Produced)

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	outbox := postgres.NewOutbox(pool, producer, outboxCfg, logger)
	outbox.OnPending(m.SetOutboxPending)
	outbox.Start()
	logger.Info("outbox relay started")

	metricsServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Error("producer flush error", zap.Error(err))
	}
	metricsServer.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("outbox relay stopped")
}
