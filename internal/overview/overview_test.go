package overview

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/relationship"
)

var today = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type fakePatients map[string]patient.Patient

func (f fakePatients) Get(ctx context.Context, id string) (*patient.Patient, error) {
	p, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("Patient", id)
	}
	return &p, nil
}

type fakeAppointments []appointment.State

func (f fakeAppointments) Get(ctx context.Context, id string) (*appointment.Aggregate, error) {
	for _, s := range f {
		if s.ID == id {
			return appointment.Rehydrate(s), nil
		}
	}
	return nil, apperr.NotFound("Patient Appointment", id)
}

func (f fakeAppointments) FindByPatient(ctx context.Context, patientID string) ([]appointment.State, error) {
	var out []appointment.State
	for _, s := range f {
		if s.Patient == patientID {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeEncounters struct{ last *encounter.Encounter }

func (f fakeEncounters) LastForPatient(ctx context.Context, patientID string) (*encounter.Encounter, error) {
	return f.last, nil
}

func (f fakeEncounters) CountForPatient(ctx context.Context, patientID string) (int, error) {
	if f.last == nil {
		return 0, nil
	}
	return 1, nil
}

type fakeRelations struct{}

func (fakeRelations) ForPatient(ctx context.Context, patientID string, on time.Time) ([]relationship.Relation, error) {
	return nil, nil
}

type fakeInvoices struct {
	invoices map[string]*invoice.SalesInvoice
	payments []invoice.PaymentRow
}

func (f fakeInvoices) Find(ctx context.Context, id string) (*invoice.SalesInvoice, error) {
	return f.invoices[id], nil
}

func (f fakeInvoices) PaymentsFor(ctx context.Context, invoices []string) ([]invoice.PaymentRow, error) {
	return f.payments, nil
}

func newService(appts fakeAppointments, enc fakeEncounters, inv fakeInvoices) *Service {
	dob := time.Date(1988, 3, 11, 0, 0, 0, 0, time.UTC)
	s := NewService(Deps{
		Patients: fakePatients{"PAT-1": {
			ID: "PAT-1", PatientName: "Sara Ali", DOB: &dob,
			Mobile: "3900 1111", Phone: "1700 2222", EmergencyContactName: "Omar Ali",
		}},
		Appointments: appts,
		Encounters:   enc,
		Relations:    fakeRelations{},
		Invoices:     inv,
	}, time.UTC)
	s.now = func() time.Time { return today }
	return s
}

func TestPatientOverview(t *testing.T) {
	appts := fakeAppointments{
		{ID: "APT-OLD", Patient: "PAT-1", StartsAt: today.AddDate(0, -1, 0)},
		{ID: "APT-LATER", Patient: "PAT-1", StartsAt: today.AddDate(0, 0, 7)},
		{ID: "APT-TODAY", Patient: "PAT-1", StartsAt: today.Add(-2 * time.Hour), DurationMinutes: 30},
	}
	enc := fakeEncounters{last: &encounter.Encounter{ID: "ENC-1", Status: encounter.StatusOpen, EncounterAt: today}}
	svc := newService(appts, enc, fakeInvoices{})

	got, err := svc.Patient(context.Background(), "PAT-1", "")
	if err != nil {
		t.Fatalf("Patient() error = %v", err)
	}
	if got.Patient.Age == nil || *got.Patient.Age != 37 {
		t.Errorf("age = %v, want 37 (birthday tomorrow)", got.Patient.Age)
	}
	wantContact := Contact{Phone: "3900 1111", SecondaryPhone: "1700 2222"}
	if diff := cmp.Diff(wantContact, got.Contact); diff != "" {
		t.Errorf("contact mismatch (-want +got):\n%s", diff)
	}
	if got.Emergency.Phone != "3900 1111" || got.Emergency.Name != "Omar Ali" {
		t.Errorf("emergency contact = %+v, want mobile fallback", got.Emergency)
	}
	if got.Upcoming == nil || got.Upcoming.Name != "APT-TODAY" || got.Upcoming.Time != "08:00" {
		t.Errorf("upcoming = %+v, want APT-TODAY", got.Upcoming)
	}
	if got.Counts != (Counts{Appointments: 3, Encounters: 1}) {
		t.Errorf("counts = %+v", got.Counts)
	}
	if got.Encounter == nil || got.Encounter.Name != "ENC-1" {
		t.Errorf("last encounter = %+v", got.Encounter)
	}
	if got.Relations == nil {
		t.Error("relations should be an empty list, not null")
	}

	got, err = svc.Patient(context.Background(), "PAT-1", "APT-OLD")
	if err != nil {
		t.Fatal(err)
	}
	if got.Upcoming.Name != "APT-OLD" {
		t.Errorf("explicit appointment ignored: %+v", got.Upcoming)
	}
}

func TestPatientOverviewFallsBackToLatest(t *testing.T) {
	appts := fakeAppointments{
		{ID: "APT-1", Patient: "PAT-1", StartsAt: today.AddDate(0, -2, 0)},
		{ID: "APT-2", Patient: "PAT-1", StartsAt: today.AddDate(0, -1, 0)},
	}
	got, err := newService(appts, fakeEncounters{}, fakeInvoices{}).Patient(context.Background(), "PAT-1", "APT-404")
	if err != nil {
		t.Fatal(err)
	}
	if got.Upcoming == nil || got.Upcoming.Name != "APT-2" {
		t.Errorf("upcoming = %+v, want latest APT-2", got.Upcoming)
	}
	if got.Encounter != nil {
		t.Errorf("last encounter = %+v, want nil", got.Encounter)
	}
}

func TestPatientOverviewErrors(t *testing.T) {
	svc := newService(nil, fakeEncounters{}, fakeInvoices{})
	if _, err := svc.Patient(context.Background(), "", ""); !apperr.IsValidation(err) {
		t.Errorf("empty patient error = %v, want validation", err)
	}
	if _, err := svc.Patient(context.Background(), "PAT-404", ""); !apperr.IsNotFound(err) {
		t.Errorf("unknown patient error = %v, want not found", err)
	}
}

func TestVisitLog(t *testing.T) {
	d := decimal.RequireFromString
	appts := fakeAppointments{{
		ID: "APT-1", Patient: "PAT-1", VisitStatus: appointment.VisitCompleted,
		PatientInvoice: "SINV-1", InsuranceInvoice: "SINV-2",
		TimeLogs: []appointment.TimeLog{
			{Status: appointment.VisitArrived, Time: today},
			{Status: appointment.VisitCompleted, Time: today.Add(time.Hour)},
		},
	}}
	inv := fakeInvoices{
		invoices: map[string]*invoice.SalesInvoice{
			"SINV-1": {ID: "SINV-1", Currency: "BHD", PostingDate: today.Add(90 * time.Minute), GrandTotal: d("10"), PaidAmount: d("4"), Outstanding: d("6"), Status: invoice.StatusPartlyPaid},
			"SINV-2": {ID: "SINV-2", Currency: "BHD", PostingDate: today.Add(90 * time.Minute), GrandTotal: d("30"), Outstanding: d("30"), Status: invoice.StatusUnpaid},
		},
		payments: []invoice.PaymentRow{{
			Invoice: "SINV-1", Currency: "BHD", CreatedAt: today.Add(2 * time.Hour),
			Payment: invoice.Payment{Mode: "Card", Amount: d("4"), ReferenceNo: "R-9"},
		}},
	}
	got, err := newService(appts, fakeEncounters{}, inv).VisitLog(context.Background(), "APT-1")
	if err != nil {
		t.Fatalf("VisitLog() error = %v", err)
	}

	var titles []string
	for _, e := range got.Entries {
		titles = append(titles, e.Title)
	}
	want := []string{
		"Status updated to Arrived",
		"Status updated to Completed",
		"Patient Invoice SINV-1",
		"Insurance Invoice SINV-2",
		"Payment on SINV-1",
	}
	if diff := cmp.Diff(want, titles); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if desc := got.Entries[2].Description; desc != "Total BHD 10.00 | Paid BHD 4.00 | Outstanding BHD 6.00" {
		t.Errorf("invoice description = %q", desc)
	}
	if len(got.FinancialSummary) != 1 {
		t.Fatalf("financial summary = %+v, want one currency", got.FinancialSummary)
	}
	fs := got.FinancialSummary[0]
	if !fs.TotalBilled.Equal(d("40")) || !fs.TotalPaid.Equal(d("4")) || !fs.TotalOutstanding.Equal(d("36")) {
		t.Errorf("financial summary = %+v", fs)
	}
	if got.LatestStatus != "Completed" {
		t.Errorf("latest status = %q", got.LatestStatus)
	}
}

func TestVisitLogWithoutTimeLogs(t *testing.T) {
	appts := fakeAppointments{{ID: "APT-1", Patient: "PAT-1", VisitStatus: appointment.VisitScheduled, UpdatedAt: today}}
	got, err := newService(appts, fakeEncounters{}, fakeInvoices{}).VisitLog(context.Background(), "APT-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Entries) != 1 || got.Entries[0].Title != "Current status: Scheduled" || got.Entries[0].Time != "10:00" {
		t.Errorf("entries = %+v, want a single current status entry", got.Entries)
	}
	if len(got.FinancialSummary) != 0 {
		t.Errorf("financial summary = %+v, want empty", got.FinancialSummary)
	}
}
