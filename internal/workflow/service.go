// Package workflow runs the side effects of clinical document changes:
// visit status moves, billing rows, consent checks and desk notifications.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
	"github.com/dohealth/clinicflow/internal/observability/metrics"
	"github.com/dohealth/clinicflow/internal/realtime"
)

// AppointmentStore loads and saves appointments
type AppointmentStore interface {
	Get(ctx context.Context, id string) (*appointment.Aggregate, error)
	Save(ctx context.Context, agg *appointment.Aggregate) error
	DueForNoShow(ctx context.Context, from, to time.Time) ([]string, error)
	WaitingList(ctx context.Context, dayStart, dayEnd time.Time, limit int) ([]appointment.WaitingEntry, error)
}

// EncounterStore persists encounters and their therapy plans
type EncounterStore interface {
	Create(ctx context.Context, e *encounter.Encounter) error
	Get(ctx context.Context, id string) (*encounter.Encounter, error)
	Save(ctx context.Context, e *encounter.Encounter, plan *encounter.TherapyPlan, eventType encounter.EventType) error
	TherapyPlanFor(ctx context.Context, encounterID string) (*encounter.TherapyPlan, error)
}

// ProcedureStore persists clinical procedures
type ProcedureStore interface {
	Create(ctx context.Context, p *procedure.Procedure) error
	Get(ctx context.Context, id string) (*procedure.Procedure, error)
	Save(ctx context.Context, p *procedure.Procedure) error
	Template(ctx context.Context, name string) (*procedure.Template, error)
	HasSignedConsent(ctx context.Context, id string) (bool, error)
}

// ConsentStore persists consent forms and reads templates
type ConsentStore interface {
	Create(ctx context.Context, f *consent.Form) error
	Get(ctx context.Context, id string) (*consent.Form, error)
	SaveSubmitted(ctx context.Context, f *consent.Form) error
	Template(ctx context.Context, name string) (*consent.Template, error)
	TemplateForProcedure(ctx context.Context, procedureTemplate string) (string, error)
	Options(ctx context.Context, procedureID, procedureTemplate string) (*consent.Options, error)
}

// PatientStore loads patients
type PatientStore interface {
	Get(ctx context.Context, id string) (*patient.Patient, error)
}

// Transactor runs fn so that its store writes commit or roll back together
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deps groups the stores the workflow needs. Tx may be nil, in which case
// multi-document changes are written in order without a shared transaction.
type Deps struct {
	Appointments AppointmentStore
	Encounters   EncounterStore
	Procedures   ProcedureStore
	Consents     ConsentStore
	Patients     PatientStore
	Publisher    realtime.Publisher
	Tx           Transactor
}

// Config holds workflow tuning
type Config struct {
	// NoShowGrace is how late a scheduled patient may be before the sweep marks them
	NoShowGrace      time.Duration
	WaitingListLimit int
	Location         *time.Location
}

// DefaultConfig returns the clinic defaults
func DefaultConfig() Config {
	return Config{
		NoShowGrace:      15 * time.Minute,
		WaitingListLimit: 5,
		Location:         time.UTC,
	}
}

// Service applies document side effects
type Service struct {
	Deps
	cfg       Config
	publisher realtime.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService creates the workflow service
func NewService(deps Deps, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.WaitingListLimit <= 0 {
		cfg.WaitingListLimit = DefaultConfig().WaitingListLimit
	}
	return &Service{
		Deps:      deps,
		cfg:       cfg,
		publisher: realtime.Best{Publisher: deps.Publisher, Logger: logger},
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("workflow"),
		now:       time.Now,
	}
}

// AppointmentInserted books a new appointment. Walk-ins arrive immediately.
func (s *Service) AppointmentInserted(ctx context.Context, data *appointment.CreatedData) (*appointment.State, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.appointment_inserted")
	defer span.End()

	if data.CreatedAt.IsZero() {
		data.CreatedAt = s.now().UTC()
	}
	agg := appointment.NewAggregate(uuid.New().String())
	if err := agg.Create(data); err != nil {
		return nil, err
	}
	if err := s.Appointments.Save(ctx, agg); err != nil {
		return nil, err
	}
	st := agg.State()
	span.SetAttributes(attribute.String("appointment_id", st.ID))

	s.metrics.AppointmentCreated()
	s.publisher.Publish(ctx, realtime.EventAppointmentCreated, st)
	if st.VisitStatus == appointment.VisitArrived {
		s.metrics.VisitTransition(string(appointment.VisitScheduled), string(appointment.VisitArrived))
		s.publishVisitChange(ctx, st, "")
	}

	s.logger.Info("appointment booked",
		zap.String("appointment_id", st.ID),
		zap.String("patient", st.Patient),
		zap.String("booking_status", string(st.BookingStatus)))
	return &st, nil
}

// ChangeVisitStatus moves an appointment to status and notifies the desks.
func (s *Service) ChangeVisitStatus(ctx context.Context, id string, status appointment.VisitStatus) (*appointment.State, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.change_visit_status",
		trace.WithAttributes(
			attribute.String("appointment_id", id),
			attribute.String("status", string(status)),
		))
	defer span.End()

	agg, err := s.Appointments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.moveVisit(ctx, agg, status)
}

func (s *Service) moveVisit(ctx context.Context, agg *appointment.Aggregate, status appointment.VisitStatus) (*appointment.State, error) {
	m, err := s.stageVisit(agg, status)
	if err != nil {
		return nil, err
	}
	if err := s.Appointments.Save(ctx, m.agg); err != nil {
		return nil, err
	}
	s.announceVisit(ctx, m)
	st := agg.State()
	return &st, nil
}

// visitMove is a visit status change applied in memory but not yet saved.
type visitMove struct {
	agg *appointment.Aggregate
	old appointment.VisitStatus
}

func (s *Service) stageVisit(agg *appointment.Aggregate, status appointment.VisitStatus) (*visitMove, error) {
	old := agg.VisitStatus()
	if err := agg.ChangeVisitStatus(status, s.now()); err != nil {
		return nil, err
	}
	return &visitMove{agg: agg, old: old}, nil
}

// stageLinked loads a linked appointment and stages a move on it. It
// returns nil when no appointment is linked.
func (s *Service) stageLinked(ctx context.Context, appointmentID string, status appointment.VisitStatus) (*visitMove, error) {
	if appointmentID == "" {
		return nil, nil
	}
	agg, err := s.Appointments.Get(ctx, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment %s: %w", appointmentID, err)
	}
	m, err := s.stageVisit(agg, status)
	if err != nil {
		return nil, fmt.Errorf("move appointment %s to %s: %w", appointmentID, status, err)
	}
	return m, nil
}

func (s *Service) saveVisit(ctx context.Context, m *visitMove) error {
	if m == nil {
		return nil
	}
	if err := s.Appointments.Save(ctx, m.agg); err != nil {
		return fmt.Errorf("save appointment %s: %w", m.agg.ID(), err)
	}
	return nil
}

// announceVisit publishes a saved move. Call it after the write has committed.
func (s *Service) announceVisit(ctx context.Context, m *visitMove) {
	if m == nil {
		return
	}
	st := m.agg.State()
	if m.old != st.VisitStatus {
		s.metrics.VisitTransition(string(m.old), string(st.VisitStatus))
		s.publishVisitChange(ctx, st, m.old)
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.Tx == nil {
		return fn(ctx)
	}
	return s.Tx.InTx(ctx, fn)
}

// WaitingListUpdate is the payload of do_health_waiting_list_update
type WaitingListUpdate struct {
	DocType     string                  `json:"doctype"`
	Name        string                  `json:"name"`
	VisitStatus appointment.VisitStatus `json:"custom_visit_status"`
	OldStatus   appointment.VisitStatus `json:"old_status,omitempty"`
}

func (s *Service) publishVisitChange(ctx context.Context, st appointment.State, old appointment.VisitStatus) {
	s.publisher.Publish(ctx, realtime.EventWaitingListUpdate, WaitingListUpdate{
		DocType:     "Patient Appointment",
		Name:        st.ID,
		VisitStatus: st.VisitStatus,
		OldStatus:   old,
	})
	if st.VisitStatus != appointment.VisitArrived && old != appointment.VisitArrived {
		return
	}
	list, err := s.WaitingList(ctx)
	if err != nil {
		s.logger.Warn("waiting list refresh failed", zap.String("appointment_id", st.ID), zap.Error(err))
		return
	}
	s.publisher.Publish(ctx, realtime.EventWaitingList, list)
}

// WaitingList returns today's arrived patients.
func (s *Service) WaitingList(ctx context.Context) ([]appointment.WaitingEntry, error) {
	start, end := appointment.DayBounds(s.now(), s.cfg.Location)
	list, err := s.Appointments.WaitingList(ctx, start, end, s.cfg.WaitingListLimit)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []appointment.WaitingEntry{}
	}
	return list, nil
}

// SweepNoShows marks scheduled appointments that are past the grace period
// today as No Show and returns how many were marked.
func (s *Service) SweepNoShows(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.sweep_no_shows")
	defer span.End()

	from, to := appointment.NoShowWindow(s.now(), s.cfg.NoShowGrace, s.cfg.Location)
	if to.Before(from) {
		return 0, nil
	}
	ids, err := s.Appointments.DueForNoShow(ctx, from, to)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, id := range ids {
		agg, err := s.Appointments.Get(ctx, id)
		if err != nil {
			return marked, fmt.Errorf("load %s: %w", id, err)
		}
		// the row may have moved since the query
		if agg.VisitStatus() != appointment.VisitScheduled {
			continue
		}
		if _, err := s.moveVisit(ctx, agg, appointment.VisitNoShow); err != nil {
			return marked, fmt.Errorf("mark %s no show: %w", id, err)
		}
		marked++
	}

	span.SetAttributes(attribute.Int("marked", marked))
	if marked > 0 {
		s.metrics.NoShows(marked)
		s.logger.Info("no-show sweep", zap.Int("marked", marked))
	}
	return marked, nil
}

// Document kinds accepted by NotifyUpdated
const (
	DocPatient           = "Patient"
	DocMedicationRequest = "Medication Request"
	DocClinicalProcedure = "Clinical Procedure"
)

var notifyEvents = map[string]string{
	DocPatient:           realtime.EventPatientUpdated,
	DocMedicationRequest: realtime.EventMedicationRequestUpdated,
	DocClinicalProcedure: realtime.EventProcedureUpdated,
}

// NotifyUpdated tells the desks a patient document changed. It reports
// false for document kinds that have no realtime event.
func (s *Service) NotifyUpdated(ctx context.Context, docType string, doc interface{}) bool {
	event, ok := notifyEvents[docType]
	if !ok {
		return false
	}
	s.publisher.Publish(ctx, event, doc)
	return true
}
