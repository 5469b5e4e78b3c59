// Package overview assembles read models for the patient desk: the patient
// overview card and the visit log of an appointment.
package overview

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/relationship"
)

// PatientStore loads patients
type PatientStore interface {
	Get(ctx context.Context, id string) (*patient.Patient, error)
}

// AppointmentStore loads appointments
type AppointmentStore interface {
	Get(ctx context.Context, id string) (*appointment.Aggregate, error)
	FindByPatient(ctx context.Context, patientID string) ([]appointment.State, error)
}

// EncounterStore reads a patient's encounters
type EncounterStore interface {
	LastForPatient(ctx context.Context, patientID string) (*encounter.Encounter, error)
	CountForPatient(ctx context.Context, patientID string) (int, error)
}

// RelationStore lists the relations of a patient
type RelationStore interface {
	ForPatient(ctx context.Context, patientID string, on time.Time) ([]relationship.Relation, error)
}

// InvoiceStore reads invoices and their payments
type InvoiceStore interface {
	Find(ctx context.Context, id string) (*invoice.SalesInvoice, error)
	PaymentsFor(ctx context.Context, invoices []string) ([]invoice.PaymentRow, error)
}

// Deps are the stores the service reads from
type Deps struct {
	Patients     PatientStore
	Appointments AppointmentStore
	Encounters   EncounterStore
	Relations    RelationStore
	Invoices     InvoiceStore
}

// Service builds patient overviews and visit logs
type Service struct {
	deps   Deps
	loc    *time.Location
	tracer trace.Tracer
	now    func() time.Time
}

// NewService creates the service. Dates are shown in loc.
func NewService(deps Deps, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{deps: deps, loc: loc, tracer: otel.Tracer("overview"), now: time.Now}
}

// Header identifies the patient
type Header struct {
	Name        string     `json:"name"`
	PatientName string     `json:"patient_name"`
	Image       string     `json:"patient_image,omitempty"`
	Gender      string     `json:"gender,omitempty"`
	Age         *int       `json:"age"`
	DOB         *time.Time `json:"dob,omitempty"`
	FileNumber  string     `json:"file_number,omitempty"`
	CPR         string     `json:"cpr,omitempty"`
	BloodGroup  string     `json:"blood_group,omitempty"`
	Customer    string     `json:"customer,omitempty"`
}

// Contact holds the patient's own contact details
type Contact struct {
	Email          string `json:"email,omitempty"`
	Phone          string `json:"phone,omitempty"`
	SecondaryPhone string `json:"secondary_phone,omitempty"`
	Address        string `json:"address,omitempty"`
	Language       string `json:"language,omitempty"`
}

// EmergencyContact is who to call for the patient
type EmergencyContact struct {
	Name     string `json:"name,omitempty"`
	Relation string `json:"relation,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

// AppointmentCard summarizes one appointment
type AppointmentCard struct {
	Name             string `json:"name"`
	Status           string `json:"status"`
	VisitStatus      string `json:"custom_visit_status"`
	AppointmentType  string `json:"appointment_type,omitempty"`
	Date             string `json:"appointment_date"`
	Time             string `json:"appointment_time"`
	Duration         int    `json:"duration"`
	Practitioner     string `json:"practitioner,omitempty"`
	PractitionerName string `json:"practitioner_name,omitempty"`
	Department       string `json:"department,omitempty"`
	ServiceUnit      string `json:"service_unit,omitempty"`
	VisitReason      string `json:"custom_visit_reason,omitempty"`
	Notes            string `json:"notes,omitempty"`
}

// EncounterCard summarizes the latest encounter
type EncounterCard struct {
	Name             string `json:"name"`
	Status           string `json:"status"`
	Date             string `json:"encounter_date"`
	Time             string `json:"encounter_time"`
	Practitioner     string `json:"practitioner,omitempty"`
	PractitionerName string `json:"practitioner_name,omitempty"`
	Department       string `json:"medical_department,omitempty"`
	Appointment      string `json:"appointment,omitempty"`
	AppointmentType  string `json:"appointment_type,omitempty"`
}

// Counts are the patient's record totals
type Counts struct {
	Appointments int `json:"appointments"`
	Encounters   int `json:"encounters"`
}

// PatientOverview is the overview card of a patient
type PatientOverview struct {
	Patient   Header                  `json:"patient"`
	Contact   Contact                 `json:"contact"`
	Emergency EmergencyContact        `json:"emergency_contact"`
	Upcoming  *AppointmentCard        `json:"upcoming_appointment"`
	Encounter *EncounterCard          `json:"last_encounter"`
	Counts    Counts                  `json:"counts"`
	Relations []relationship.Relation `json:"relations"`
}

// Patient builds the overview of patientID. A non-empty appointmentID is
// shown as the upcoming appointment when it exists.
func (s *Service) Patient(ctx context.Context, patientID, appointmentID string) (*PatientOverview, error) {
	ctx, span := s.tracer.Start(ctx, "overview.patient",
		trace.WithAttributes(attribute.String("patient", patientID)))
	defer span.End()

	if patientID == "" {
		return nil, apperr.MissingFields("patient")
	}
	p, err := s.deps.Patients.Get(ctx, patientID)
	if err != nil {
		return nil, err
	}
	now := s.now().In(s.loc)

	appts, err := s.deps.Appointments.FindByPatient(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	upcoming, err := s.upcoming(ctx, appts, appointmentID, now)
	if err != nil {
		return nil, err
	}

	last, err := s.deps.Encounters.LastForPatient(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	encounters, err := s.deps.Encounters.CountForPatient(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	relations, err := s.deps.Relations.ForPatient(ctx, p.ID, now)
	if err != nil {
		return nil, err
	}
	if relations == nil {
		relations = []relationship.Relation{}
	}

	return &PatientOverview{
		Patient:   header(*p, now),
		Contact:   contact(*p),
		Emergency: emergency(*p),
		Upcoming:  upcoming,
		Encounter: s.encounterCard(last),
		Counts:    Counts{Appointments: len(appts), Encounters: encounters},
		Relations: relations,
	}, nil
}

func header(p patient.Patient, now time.Time) Header {
	return Header{
		Name:        p.ID,
		PatientName: p.DisplayName(),
		Image:       p.Image,
		Gender:      p.Sex,
		Age:         patient.AgeYears(p.DOB, now),
		DOB:         p.DOB,
		FileNumber:  p.FileNumber,
		CPR:         p.CPR,
		BloodGroup:  p.BloodGroup,
		Customer:    p.Customer,
	}
}

func contact(p patient.Patient) Contact {
	c := Contact{Email: p.Email, Address: p.Address, Language: p.PreferredLanguage}
	c.Phone = firstNonEmpty(p.Mobile, p.Phone)
	if c.Phone != p.Phone {
		c.SecondaryPhone = p.Phone
	}
	return c
}

func emergency(p patient.Patient) EmergencyContact {
	return EmergencyContact{
		Name:     p.EmergencyContactName,
		Relation: p.EmergencyRelation,
		Phone:    firstNonEmpty(p.EmergencyPhone, p.Mobile),
		Email:    p.EmergencyEmail,
	}
}

// upcoming picks the explicit appointment, else the next one from today,
// else the latest one.
func (s *Service) upcoming(ctx context.Context, appts []appointment.State, explicit string, now time.Time) (*AppointmentCard, error) {
	if explicit != "" {
		agg, err := s.deps.Appointments.Get(ctx, explicit)
		switch {
		case err == nil:
			st := agg.State()
			return s.appointmentCard(&st), nil
		case !apperr.IsNotFound(err):
			return nil, err
		}
	}

	dayStart, _ := appointment.DayBounds(now, s.loc)
	var next, latest *appointment.State
	for i := range appts {
		a := &appts[i]
		if !a.StartsAt.Before(dayStart) && (next == nil || a.StartsAt.Before(next.StartsAt)) {
			next = a
		}
		if latest == nil || a.StartsAt.After(latest.StartsAt) {
			latest = a
		}
	}
	if next != nil {
		return s.appointmentCard(next), nil
	}
	return s.appointmentCard(latest), nil
}

func (s *Service) appointmentCard(a *appointment.State) *AppointmentCard {
	if a == nil {
		return nil
	}
	at := a.StartsAt.In(s.loc)
	return &AppointmentCard{
		Name:             a.ID,
		Status:           string(a.BookingStatus),
		VisitStatus:      string(a.VisitStatus),
		AppointmentType:  a.AppointmentType,
		Date:             at.Format(time.DateOnly),
		Time:             at.Format("15:04"),
		Duration:         a.DurationMinutes,
		Practitioner:     a.Practitioner,
		PractitionerName: a.PractitionerName,
		Department:       a.Department,
		ServiceUnit:      a.ServiceUnit,
		VisitReason:      a.VisitReason,
		Notes:            a.Notes,
	}
}

func (s *Service) encounterCard(e *encounter.Encounter) *EncounterCard {
	if e == nil {
		return nil
	}
	at := e.EncounterAt.In(s.loc)
	return &EncounterCard{
		Name:             e.ID,
		Status:           string(e.Status),
		Date:             at.Format(time.DateOnly),
		Time:             at.Format("15:04"),
		Practitioner:     e.Practitioner,
		PractitionerName: e.PractitionerName,
		Department:       e.Department,
		Appointment:      e.Appointment,
		AppointmentType:  e.AppointmentType,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
