// Package api assembles the clinic HTTP API.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/api/handlers"
	"github.com/dohealth/clinicflow/internal/api/middleware"
	"github.com/dohealth/clinicflow/internal/observability/metrics"
)

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

// Ping calls f
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Config holds router settings
type Config struct {
	ServiceName    string
	JWTSecret      string
	JWTIssuer      string
	AllowedOrigins []string
	// RequestsPerSecond per client IP; zero disables limiting
	RequestsPerSecond int
}

// Handlers groups the endpoint handlers
type Handlers struct {
	Appointments *handlers.AppointmentHandler
	Clinical     *handlers.ClinicalHandler
	Invoices     *handlers.InvoiceHandler
	Patients     *handlers.PatientHandler
	Desk         *handlers.DeskHandler
}

// NewRouter builds the HTTP handler. Checks named in ready must all pass
// for /ready to answer 200.
func NewRouter(cfg Config, h Handlers, ready map[string]Pinger, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.Metrics(m))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if cfg.RequestsPerSecond > 0 {
		r.Use(httprate.LimitByIP(cfg.RequestsPerSecond, time.Second))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", readiness(ready, logger))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(cfg.JWTSecret, cfg.JWTIssuer))

		// Guests get defaults here
		r.Get("/boot", h.Desk.Boot)
		r.Mount("/ui", h.Desk.UIRoutes())

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)
			r.Mount("/appointments", h.Appointments.Routes())
			r.Mount("/encounters", h.Clinical.EncounterRoutes())
			r.Mount("/procedures", h.Clinical.ProcedureRoutes())
			r.Mount("/consent-forms", h.Clinical.ConsentRoutes())
			r.Mount("/invoices", h.Invoices.InvoiceRoutes())
			r.Mount("/claims", h.Invoices.ClaimRoutes())
			r.Mount("/patients", h.Patients.Routes())
			r.Mount("/relationships", h.Patients.RelationshipRoutes())
			r.Mount("/insurance-policies", h.Patients.PolicyRoutes())
			r.Mount("/documents", h.Patients.DocumentRoutes())
			r.Mount("/practitioners", h.Desk.PractitionerRoutes())
			r.Get("/realtime/{event}", h.Desk.Stream)
		})
	})

	return r
}

func readiness(checks map[string]Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready","check":"` + name + `"}`))
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ready"}`))
	}
}
