// Package main provides the clinic API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/api"
	"github.com/dohealth/clinicflow/internal/api/handlers"
	"github.com/dohealth/clinicflow/internal/billing"
	"github.com/dohealth/clinicflow/internal/config"
	"github.com/dohealth/clinicflow/internal/documents"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
	"github.com/dohealth/clinicflow/internal/domain/relationship"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
	redisinfra "github.com/dohealth/clinicflow/internal/infrastructure/redis"
	"github.com/dohealth/clinicflow/internal/logging"
	"github.com/dohealth/clinicflow/internal/observability/metrics"
	"github.com/dohealth/clinicflow/internal/observability/tracing"
	"github.com/dohealth/clinicflow/internal/overview"
	"github.com/dohealth/clinicflow/internal/realtime"
	"github.com/dohealth/clinicflow/internal/scheduling"
	"github.com/dohealth/clinicflow/internal/settings"
	"github.com/dohealth/clinicflow/internal/uiconfig"
	"github.com/dohealth/clinicflow/internal/workflow"
	"github.com/dohealth/clinicflow/pkg/circuitbreaker"
)

const serviceName = "clinic-api"

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
	logger.Info("connected to database")

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
	breaker := func(name string) *circuitbreaker.CircuitBreaker {
		cb := circuitbreaker.New(circuitbreaker.DefaultConfig(name), logger)
		cb.OnStateChange(func(name string, to circuitbreaker.State) {
			m.SetBreakerState(name, string(to))
		})
		return cb
	}

	minioClient, err := documents.NewMinioClient(cfg.Storage)
	if err != nil {
		logger.Fatal("object storage setup failed", zap.Error(err))
	}
	blobs := documents.NewMinioStore(minioClient, cfg.Storage.Bucket, breaker("minio"), logger)
	if err := blobs.EnsureBucket(ctx); err != nil {
		logger.Fatal("object storage bucket unavailable", zap.Error(err))
	}

	loc := cfg.Location()
	publisher := realtime.NewRedisPublisher(rdb, breaker("redis-realtime"), m, logger)
	settingsCache := settings.NewCache(settings.NewStore(pool), rdb, cfg.Workflow.SettingsCacheTTL, logger)

	appointments := appointment.NewRepository(pool, logger)
	patients := patient.NewRepository(pool)
	encounters := encounter.NewRepository(pool)
	procedures := procedure.NewRepository(pool)
	consents := consent.NewRepository(pool)
	policies := insurance.NewRepository(pool)
	invoices := invoice.NewRepository(pool)
	relations := relationship.NewRepository(pool, patients, logger)

	tx := postgres.NewTxRunner(pool)
	wf := workflow.NewService(workflow.Deps{
		Appointments: appointments,
		Encounters:   encounters,
		Procedures:   procedures,
		Consents:     consents,
		Patients:     patients,
		Publisher:    publisher,
		Tx:           tx,
	}, workflow.Config{
		NoShowGrace:      cfg.Workflow.NoShowGrace,
		WaitingListLimit: cfg.Workflow.WaitingListLimit,
		Location:         loc,
	}, m, logger)

	bill := billing.NewService(billing.Deps{
		Appointments: appointments,
		Patients:     patients,
		Insurance:    policies,
		Invoices:     invoices,
		Prices:       billing.NewPriceRepository(pool),
		Settings:     settingsCache,
		Tx:           tx,
	}, billing.Config{
		DefaultCurrency: cfg.Workflow.DefaultCurrency,
		Location:        loc,
	}, m, logger)

	overviews := overview.NewService(overview.Deps{
		Patients:     patients,
		Appointments: appointments,
		Encounters:   encounters,
		Relations:    relations,
		Invoices:     invoices,
	}, loc)

	docs := documents.NewService(blobs, documents.NewRepository(pool), documents.Linked{
		Patients:     patients,
		Appointments: appointments,
		Encounters:   encounters,
		Procedures:   procedures,
		Consents:     consents,
	}, cfg.Workflow.DocumentURLExpiry, logger)

	h := api.Handlers{
		Appointments: handlers.NewAppointmentHandler(wf, bill, workflow.NewCalendar(appointments, loc), overviews, logger),
		Clinical:     handlers.NewClinicalHandler(wf, logger),
		Invoices:     handlers.NewInvoiceHandler(bill, loc, logger),
		Patients: handlers.NewPatientHandler(handlers.PatientDeps{
			Overview:      overviews,
			Relationships: relations,
			Policies:      policies,
			Documents:     docs,
			Notifier:      wf,
		}, logger),
		Desk: handlers.NewDeskHandler(
			scheduling.NewService(scheduling.NewRepository(pool, loc), loc),
			uiconfig.NewService(settingsCache),
			publisher,
			logger,
		),
	}

	router := api.NewRouter(api.Config{
		ServiceName:       serviceName,
		JWTSecret:         cfg.Auth.JWTSecret,
		JWTIssuer:         cfg.Auth.Issuer,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerSecond: cfg.Server.MaxRequests,
	}, h, map[string]api.Pinger{
		"postgres": pool,
		"redis":    api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		"storage":  blobs,
	}, m, logger)

	// WriteTimeout stays zero so realtime streams are not cut off; handlers
	// bound their own work through the request context.
	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting clinic API",
		zap.String("port", cfg.Server.Port),
		zap.String("timezone", loc.String()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
