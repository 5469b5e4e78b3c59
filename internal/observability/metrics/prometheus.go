// Package metrics provides Prometheus metrics for the clinic services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	AppointmentsCreated   prometheus.Counter
	VisitTransitions      *prometheus.CounterVec
	NoShowsMarked         prometheus.Counter
	InvoicesGenerated     *prometheus.CounterVec
	PaymentsRecorded      prometheus.Counter
	ClaimsCreated         prometheus.Counter
	ConsentFormsSigned    prometheus.Counter
	RealtimePublished     *prometheus.CounterVec
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed *prometheus.CounterVec
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	HTTPDuration          *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg (the default registry when nil)
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		AppointmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_appointments_created_total",
			Help: "Total appointments created",
		}),
		VisitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_visit_status_transitions_total",
			Help: "Visit status transitions",
		}, []string{"from", "to"}),
		NoShowsMarked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_no_shows_marked_total",
			Help: "Appointments marked No Show by the sweeper",
		}),
		InvoicesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_invoices_generated_total",
			Help: "Invoices created or regenerated from appointments",
		}, []string{"kind"}),
		PaymentsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_payments_recorded_total",
			Help: "POS payments recorded on invoices",
		}),
		ClaimsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_insurance_claims_created_total",
			Help: "Insurance claims created",
		}),
		ConsentFormsSigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinic_consent_forms_signed_total",
			Help: "Consent forms submitted",
		}),
		RealtimePublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_realtime_events_published_total",
			Help: "Realtime events published",
		}, []string{"event", "result"}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic", "result"}),
		KafkaMessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}, []string{"topic", "result"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.AppointmentsCreated,
		m.VisitTransitions,
		m.NoShowsMarked,
		m.InvoicesGenerated,
		m.PaymentsRecorded,
		m.ClaimsCreated,
		m.ConsentFormsSigned,
		m.RealtimePublished,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.HTTPDuration,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) AppointmentCreated() {
	if m != nil {
		m.AppointmentsCreated.Inc()
	}
}

func (m *Metrics) VisitTransition(from, to string) {
	if m != nil {
		m.VisitTransitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) NoShows(n int) {
	if m != nil && n > 0 {
		m.NoShowsMarked.Add(float64(n))
	}
}

func (m *Metrics) InvoiceGenerated(kind string) {
	if m != nil {
		m.InvoicesGenerated.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) PaymentRecorded() {
	if m != nil {
		m.PaymentsRecorded.Inc()
	}
}

func (m *Metrics) ClaimCreated() {
	if m != nil {
		m.ClaimsCreated.Inc()
	}
}

func (m *Metrics) ConsentSigned() {
	if m != nil {
		m.ConsentFormsSigned.Inc()
	}
}

func (m *Metrics) Published(event string, err error) {
	if m != nil {
		m.RealtimePublished.WithLabelValues(event, result(err)).Inc()
	}
}

// Produced matches the producer observer signature.
func (m *Metrics) Produced(topic string, err error) {
	if m != nil {
		m.KafkaMessagesProduced.WithLabelValues(topic, result(err)).Inc()
	}
}

// Consumed matches the consumer observer signature.
func (m *Metrics) Consumed(topic string, err error) {
	if m != nil {
		m.KafkaMessagesConsumed.WithLabelValues(topic, result(err)).Inc()
	}
}

// SetOutboxPending matches the outbox observer signature.
func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

// SetBreakerState records a breaker state as 0 closed, 1 open, 2 half-open.
func (m *Metrics) SetBreakerState(name, state string) {
	if m == nil {
		return
	}
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m != nil {
		m.HTTPDuration.WithLabelValues(method, route, http.StatusText(status)).Observe(d.Seconds())
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
