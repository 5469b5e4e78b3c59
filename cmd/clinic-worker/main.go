// Package main provides the clinic worker entry point.
// Consumes encounter events to auto-invoice appointments and sweeps no-shows.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/billing"
	"github.com/dohealth/clinicflow/internal/config"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
	"github.com/dohealth/clinicflow/internal/infrastructure/redpanda"
	redisinfra "github.com/dohealth/clinicflow/internal/infrastructure/redis"
	"github.com/dohealth/clinicflow/internal/logging"
	"github.com/dohealth/clinicflow/internal/observability/metrics"
	"github.com/dohealth/clinicflow/internal/observability/tracing"
	"github.com/dohealth/clinicflow/internal/realtime"
	"github.com/dohealth/clinicflow/internal/settings"
	"github.com/dohealth/clinicflow/internal/worker"
	"github.com/dohealth/clinicflow/internal/workflow"
	"github.com/dohealth/clinicflow/pkg/circuitbreaker"
	"github.com/dohealth/clinicflow/pkg/idempotency"
	"github.com/dohealth/clinicflow/pkg/workerpool"
)

const serviceName = "clinic-worker"

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
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redisinfra.NewClient(ctx, redisinfra.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	m := metrics.New(nil)
	cb := circuitbreaker.New(circuitbreaker.DefaultConfig("redis-realtime"), logger)
	cb.OnStateChange(func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	})

	loc := cfg.Location()
	settingsCache := settings.NewCache(settings.NewStore(pool), rdb, cfg.Workflow.SettingsCacheTTL, logger)
	appointments := appointment.NewRepository(pool, logger)
	patients := patient.NewRepository(pool)

	tx := postgres.NewTxRunner(pool)
	wf := workflow.NewService(workflow.Deps{
		Appointments: appointments,
		Encounters:   encounter.NewRepository(pool),
		Procedures:   procedure.NewRepository(pool),
		Consents:     consent.NewRepository(pool),
		Patients:     patients,
		Publisher:    realtime.NewRedisPublisher(rdb, cb, m, logger),
		Tx:           tx,
	}, workflow.Config{
		NoShowGrace:      cfg.Workflow.NoShowGrace,
		WaitingListLimit: cfg.Workflow.WaitingListLimit,
		Location:         loc,
	}, m, logger)

	bill := billing.NewService(billing.Deps{
		Appointments: appointments,
		Patients:     patients,
		Insurance:    insurance.NewRepository(pool),
		Invoices:     invoice.NewRepository(pool),
		Prices:       billing.NewPriceRepository(pool),
		Settings:     settingsCache,
		Tx:           tx,
	}, billing.Config{
		DefaultCurrency: cfg.Workflow.DefaultCurrency,
		Location:        loc,
	}, m, logger)

	// Inbox keeps auto-invoicing at most once per encounter event
	inbox := idempotency.NewInbox(idempotency.NewPgStore(pool), idempotency.DefaultConfig(), logger,
		idempotency.WithTerminal(worker.Terminal))
	inbox.StartCleanup()
	defer inbox.Stop()

	invoicer := worker.NewAutoInvoicer(bill, settingsCache, inbox, m, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = 8
	poolCfg.Retryable = worker.Retryable
	workers, err := workerpool.New(poolCfg, invoicer.Run, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Kafka.Brokers
	consumerCfg.GroupID = cfg.Kafka.GroupID
	consumerCfg.Topics = []string{redpanda.TopicEncounterEvents}

	consumer, err := redpanda.NewConsumer(consumerCfg, worker.Dispatch(workers, logger), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.OnConsume(m.Consumed)
	consumer.Start()

	sweeper := worker.NewSweeper(wf, redisinfra.NewLocker(rdb, "clinic:lock:"), worker.SweeperConfig{
		Interval: cfg.Workflow.SweepInterval,
	}, logger)
	sweeper.Start()

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

	logger.Info("clinic worker started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Duration("sweep_interval", cfg.Workflow.SweepInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	sweeper.Stop()
	// Records still in the pool are not committed; they are redelivered and
	// the inbox skips any that finish here.
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	workers.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("clinic worker stopped")
}
