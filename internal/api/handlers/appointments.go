package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/api/middleware"
	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/billing"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/overview"
)

// AppointmentWorkflow drives appointment changes
type AppointmentWorkflow interface {
	AppointmentInserted(ctx context.Context, data *appointment.CreatedData) (*appointment.State, error)
	Appointment(ctx context.Context, id string) (*appointment.State, error)
	ChangeVisitStatus(ctx context.Context, id string, status appointment.VisitStatus) (*appointment.State, error)
	AddBillingItem(ctx context.Context, id, itemCode, itemName string, qty decimal.Decimal) (*appointment.State, error)
	UpdateBillingItemQty(ctx context.Context, id, itemID string, qty decimal.Decimal) (*appointment.State, error)
	RemoveBillingItem(ctx context.Context, id, itemID string) (*appointment.State, error)
	WaitingList(ctx context.Context) ([]appointment.WaitingEntry, error)
}

// AppointmentBilling prices and invoices appointments
type AppointmentBilling interface {
	Snapshot(ctx context.Context, appointmentID string) (*billing.Snapshot, error)
	CreateInvoices(ctx context.Context, appointmentID string, submit bool, user string) (*billing.InvoiceResult, error)
	OverrideRate(ctx context.Context, itemID string, rate decimal.Decimal, reason string, user *auth.User) (string, error)
	CreateOrUpdateClaim(ctx context.Context, appointmentID, invoiceID string) (*billing.ClaimResult, error)
}

// CalendarReader serves calendar events and day counts
type CalendarReader interface {
	Events(ctx context.Context, start, end time.Time, showCancelled bool) ([]appointment.CalendarEvent, error)
	MonthCounts(ctx context.Context, start, end time.Time) (map[string]int, error)
	Location() *time.Location
}

// VisitLogReader builds appointment timelines
type VisitLogReader interface {
	VisitLog(ctx context.Context, appointmentID string) (*overview.VisitLog, error)
}

// AppointmentHandler handles appointment endpoints
type AppointmentHandler struct {
	workflow AppointmentWorkflow
	billing  AppointmentBilling
	calendar CalendarReader
	visits   VisitLogReader
	logger   *zap.Logger
}

// NewAppointmentHandler creates a new handler
func NewAppointmentHandler(wf AppointmentWorkflow, b AppointmentBilling, cal CalendarReader, visits VisitLogReader, logger *zap.Logger) *AppointmentHandler {
	return &AppointmentHandler{workflow: wf, billing: b, calendar: cal, visits: visits, logger: nopIfNil(logger)}
}

// Routes returns the handler routes
func (h *AppointmentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/waiting-list", h.WaitingList)
	r.Get("/calendar", h.Calendar)
	r.Get("/counts", h.Counts)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/status", h.ChangeStatus)
		r.Post("/items", h.AddItem)
		r.Patch("/items/{item}", h.UpdateItem)
		r.Delete("/items/{item}", h.RemoveItem)
		r.Post("/items/{item}/override", h.OverrideRate)
		r.Get("/billing", h.Billing)
		r.Post("/invoices", h.CreateInvoices)
		r.Post("/claims", h.CreateClaim)
		r.Get("/visit-log", h.VisitLog)
	})
	return r
}

// CreateAppointmentRequest is the body of POST /appointments
type CreateAppointmentRequest struct {
	Patient          string `json:"patient" validate:"required"`
	PatientName      string `json:"patient_name"`
	Practitioner     string `json:"practitioner" validate:"required"`
	PractitionerName string `json:"practitioner_name"`
	Company          string `json:"company"`
	AppointmentType  string `json:"appointment_type"`
	Department       string `json:"department"`
	ServiceUnit      string `json:"service_unit"`
	Date             string `json:"appointment_date" validate:"required,datetime=2006-01-02"`
	Time             string `json:"appointment_time" validate:"required"`
	Duration         int    `json:"duration" validate:"required,gt=0"`
	BookingStatus    string `json:"status"`
	PaymentType      string `json:"custom_payment_type"`
	InsurancePolicy  string `json:"insurance_policy"`
	VisitReason      string `json:"custom_visit_reason"`
	Notes            string `json:"notes"`
}

func (req CreateAppointmentRequest) startsAt(loc *time.Location) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, req.Date+" "+req.Time, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperr.Validation("Invalid appointment time", map[string]string{"appointment_time": "format"})
}

// Create handles POST /appointments
func (h *AppointmentHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	startsAt, err := req.startsAt(h.calendar.Location())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	st, err := h.workflow.AppointmentInserted(r.Context(), &appointment.CreatedData{
		Patient:          req.Patient,
		PatientName:      req.PatientName,
		Practitioner:     req.Practitioner,
		PractitionerName: req.PractitionerName,
		Company:          req.Company,
		AppointmentType:  req.AppointmentType,
		Department:       req.Department,
		ServiceUnit:      req.ServiceUnit,
		StartsAt:         startsAt,
		DurationMinutes:  req.Duration,
		BookingStatus:    appointment.BookingStatus(req.BookingStatus),
		PaymentType:      appointment.PaymentType(req.PaymentType),
		InsurancePolicy:  req.InsurancePolicy,
		VisitReason:      req.VisitReason,
		Notes:            req.Notes,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	h.logger.Info("appointment created",
		zap.String("appointment_id", st.ID),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	)
	respondJSON(w, http.StatusCreated, st)
}

// Get handles GET /appointments/{id}
func (h *AppointmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	st, err := h.workflow.Appointment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// StatusRequest is the body of POST /appointments/{id}/status
type StatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// ChangeStatus handles POST /appointments/{id}/status
func (h *AppointmentHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	st, err := h.workflow.ChangeVisitStatus(r.Context(), chi.URLParam(r, "id"), appointment.VisitStatus(req.Status))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// ItemRequest is the body of the billing item endpoints
type ItemRequest struct {
	ItemCode string          `json:"item_code"`
	ItemName string          `json:"item_name"`
	Qty      decimal.Decimal `json:"qty"`
}

// AddItem handles POST /appointments/{id}/items
func (h *AppointmentHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	st, err := h.workflow.AddBillingItem(r.Context(), chi.URLParam(r, "id"), req.ItemCode, req.ItemName, req.Qty)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, st)
}

// UpdateItem handles PATCH /appointments/{id}/items/{item}
func (h *AppointmentHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req ItemRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	st, err := h.workflow.UpdateBillingItemQty(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "item"), req.Qty)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// RemoveItem handles DELETE /appointments/{id}/items/{item}
func (h *AppointmentHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	st, err := h.workflow.RemoveBillingItem(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "item"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// OverrideRequest is the body of POST /appointments/{id}/items/{item}/override
type OverrideRequest struct {
	Rate   decimal.Decimal `json:"rate"`
	Reason string          `json:"reason"`
}

// OverrideRate handles POST /appointments/{id}/items/{item}/override
func (h *AppointmentHandler) OverrideRate(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	itemID := chi.URLParam(r, "item")
	apptID, err := h.billing.OverrideRate(r.Context(), itemID, req.Rate, req.Reason, auth.FromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"appointment": apptID, "item": itemID})
}

// Billing handles GET /appointments/{id}/billing
func (h *AppointmentHandler) Billing(w http.ResponseWriter, r *http.Request) {
	snap, err := h.billing.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// InvoiceRequest is the body of POST /appointments/{id}/invoices
type InvoiceRequest struct {
	Submit bool `json:"submit"`
}

// CreateInvoices handles POST /appointments/{id}/invoices
func (h *AppointmentHandler) CreateInvoices(w http.ResponseWriter, r *http.Request) {
	var req InvoiceRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("appointment_id", id))

	res, err := h.billing.CreateInvoices(r.Context(), id, req.Submit, auth.FromContext(r.Context()).ID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ClaimRequest is the body of POST /appointments/{id}/claims
type ClaimRequest struct {
	Invoice string `json:"invoice" validate:"required"`
}

// CreateClaim handles POST /appointments/{id}/claims
func (h *AppointmentHandler) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	res, err := h.billing.CreateOrUpdateClaim(r.Context(), chi.URLParam(r, "id"), req.Invoice)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	respondJSON(w, code, res)
}

// VisitLog handles GET /appointments/{id}/visit-log
func (h *AppointmentHandler) VisitLog(w http.ResponseWriter, r *http.Request) {
	log, err := h.visits.VisitLog(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, log)
}

// WaitingList handles GET /appointments/waiting-list
func (h *AppointmentHandler) WaitingList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.workflow.WaitingList(r.Context())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []appointment.WaitingEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (h *AppointmentHandler) dateRange(r *http.Request) (time.Time, time.Time, error) {
	loc := h.calendar.Location()
	q := r.URL.Query()
	if q.Get("start") == "" || q.Get("end") == "" {
		var missing []string
		for _, k := range []string{"start", "end"} {
			if q.Get(k) == "" {
				missing = append(missing, k)
			}
		}
		return time.Time{}, time.Time{}, apperr.MissingFields(missing...)
	}
	start, err := parseDay(q.Get("start"), loc)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("Invalid start", map[string]string{"start": "format"})
	}
	end, err := parseDay(q.Get("end"), loc)
	if err != nil {
		return time.Time{}, time.Time{}, apperr.Validation("Invalid end", map[string]string{"end": "format"})
	}
	return start, end, nil
}

// Calendar handles GET /appointments/calendar?start=&end=&show_cancelled=
func (h *AppointmentHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	start, end, err := h.dateRange(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	events, err := h.calendar.Events(r.Context(), start, end, queryBool(r, "show_cancelled"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}

// Counts handles GET /appointments/counts?start=&end=
func (h *AppointmentHandler) Counts(w http.ResponseWriter, r *http.Request) {
	start, end, err := h.dateRange(r)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	counts, err := h.calendar.MonthCounts(r.Context(), start, end)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}
