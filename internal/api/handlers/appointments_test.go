package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/billing"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/overview"
)

type fakeWorkflow struct {
	created  *appointment.CreatedData
	states   map[string]*appointment.State
	qty      decimal.Decimal
	waiting  []appointment.WaitingEntry
	statusTo appointment.VisitStatus
}

func (f *fakeWorkflow) AppointmentInserted(ctx context.Context, data *appointment.CreatedData) (*appointment.State, error) {
	f.created = data
	return &appointment.State{ID: "APT-1", Patient: data.Patient, StartsAt: data.StartsAt, DurationMinutes: data.DurationMinutes}, nil
}

func (f *fakeWorkflow) Appointment(ctx context.Context, id string) (*appointment.State, error) {
	st, ok := f.states[id]
	if !ok {
		return nil, apperr.NotFound("Patient Appointment", id)
	}
	return st, nil
}

func (f *fakeWorkflow) ChangeVisitStatus(ctx context.Context, id string, status appointment.VisitStatus) (*appointment.State, error) {
	if !status.Valid() {
		return nil, apperr.Validation("Invalid visit status", map[string]string{"status": "unknown"})
	}
	f.statusTo = status
	return &appointment.State{ID: id, VisitStatus: status}, nil
}

func (f *fakeWorkflow) AddBillingItem(ctx context.Context, id, itemCode, itemName string, qty decimal.Decimal) (*appointment.State, error) {
	f.qty = qty
	return &appointment.State{ID: id, BillingItems: []appointment.BillingItem{{ID: "row-1", ItemCode: itemCode, Qty: qty}}}, nil
}

func (f *fakeWorkflow) UpdateBillingItemQty(ctx context.Context, id, itemID string, qty decimal.Decimal) (*appointment.State, error) {
	f.qty = qty
	return &appointment.State{ID: id}, nil
}

func (f *fakeWorkflow) RemoveBillingItem(ctx context.Context, id, itemID string) (*appointment.State, error) {
	return nil, apperr.NotFound("Appointment Billing Item", itemID)
}

func (f *fakeWorkflow) WaitingList(ctx context.Context) ([]appointment.WaitingEntry, error) {
	return f.waiting, nil
}

type fakeBilling struct {
	submit    bool
	user      string
	overrider *auth.User
}

func (f *fakeBilling) Snapshot(ctx context.Context, id string) (*billing.Snapshot, error) {
	return &billing.Snapshot{Currency: "BHD", Rows: []billing.SnapshotRow{}}, nil
}

func (f *fakeBilling) CreateInvoices(ctx context.Context, id string, submit bool, user string) (*billing.InvoiceResult, error) {
	f.submit, f.user = submit, user
	return &billing.InvoiceResult{PatientInvoice: "SINV-1", PatientInvoiceUpdated: true}, nil
}

func (f *fakeBilling) OverrideRate(ctx context.Context, itemID string, rate decimal.Decimal, reason string, user *auth.User) (string, error) {
	f.overrider = user
	if !user.HasAnyRole(auth.RoleSystemManager) {
		return "", apperr.Forbidden("You are not allowed to override billing rates.")
	}
	return "APT-1", nil
}

func (f *fakeBilling) CreateOrUpdateClaim(ctx context.Context, apptID, invoiceID string) (*billing.ClaimResult, error) {
	return &billing.ClaimResult{Claim: "CLM-1", Created: invoiceID == "SINV-NEW"}, nil
}

type fakeCalendar struct {
	start, end    time.Time
	showCancelled bool
}

func (f *fakeCalendar) Events(ctx context.Context, start, end time.Time, showCancelled bool) ([]appointment.CalendarEvent, error) {
	f.start, f.end, f.showCancelled = start, end, showCancelled
	return []appointment.CalendarEvent{{Name: "APT-1"}}, nil
}

func (f *fakeCalendar) MonthCounts(ctx context.Context, start, end time.Time) (map[string]int, error) {
	return map[string]int{"2026-03-10": 4}, nil
}

func (f *fakeCalendar) Location() *time.Location { return time.UTC }

type fakeVisits struct{}

func (fakeVisits) VisitLog(ctx context.Context, id string) (*overview.VisitLog, error) {
	return &overview.VisitLog{LatestStatus: "Arrived"}, nil
}

var receptionist = &auth.User{ID: "desk@clinic", Roles: []string{auth.RoleReceptionist}}

func serve(t *testing.T, h http.Handler, method, target, body string, u *auth.User) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if u != nil {
		req = req.WithContext(auth.WithUser(req.Context(), u))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

func newAppointmentHandler() (*AppointmentHandler, *fakeWorkflow, *fakeBilling, *fakeCalendar) {
	wf := &fakeWorkflow{states: map[string]*appointment.State{"APT-1": {ID: "APT-1"}}}
	b := &fakeBilling{}
	cal := &fakeCalendar{}
	return NewAppointmentHandler(wf, b, cal, fakeVisits{}, nil), wf, b, cal
}

func TestCreateAppointment(t *testing.T) {
	h, wf, _, _ := newAppointmentHandler()
	routes := h.Routes()

	rec := serve(t, routes, http.MethodPost, "/", `{"patient":"PAT-1"}`, receptionist)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	var errBody errorBody
	decodeBody(t, rec, &errBody)
	keys := make([]string, 0, len(errBody.Details))
	for k := range errBody.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if diff := cmp.Diff([]string{"appointment_date", "appointment_time", "duration", "practitioner"}, keys); diff != "" {
		t.Errorf("missing fields mismatch (-want +got):\n%s", diff)
	}

	body := `{"patient":"PAT-1","practitioner":"HP-1","appointment_date":"2026-03-10","appointment_time":"09:30:00","duration":15,"status":"Walked In"}`
	rec = serve(t, routes, http.MethodPost, "/", body, receptionist)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	want := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
	if !wf.created.StartsAt.Equal(want) || wf.created.BookingStatus != appointment.BookingWalkedIn {
		t.Errorf("created = %+v", wf.created)
	}
}

func TestAppointmentStatusAndItems(t *testing.T) {
	h, wf, _, _ := newAppointmentHandler()
	routes := h.Routes()

	if rec := serve(t, routes, http.MethodPost, "/APT-1/status", `{"status":"Arrived"}`, receptionist); rec.Code != http.StatusOK {
		t.Errorf("status change = %d", rec.Code)
	}
	if wf.statusTo != appointment.VisitArrived {
		t.Errorf("status = %q", wf.statusTo)
	}
	if rec := serve(t, routes, http.MethodPost, "/APT-1/status", `{"status":"Dancing"}`, receptionist); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unknown status = %d, want 422", rec.Code)
	}

	rec := serve(t, routes, http.MethodPost, "/APT-1/items", `{"item_code":"CONS-01","qty":"2"}`, receptionist)
	if rec.Code != http.StatusCreated || !wf.qty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("add item = %d qty %s", rec.Code, wf.qty)
	}
	if rec := serve(t, routes, http.MethodDelete, "/APT-1/items/nope", "", receptionist); rec.Code != http.StatusNotFound {
		t.Errorf("remove missing item = %d, want 404", rec.Code)
	}
	if rec := serve(t, routes, http.MethodGet, "/APT-404", "", receptionist); rec.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", rec.Code)
	}
}

func TestAppointmentBillingEndpoints(t *testing.T) {
	h, _, b, _ := newAppointmentHandler()
	routes := h.Routes()

	rec := serve(t, routes, http.MethodPost, "/APT-1/invoices", `{"submit":true}`, receptionist)
	if rec.Code != http.StatusOK || !b.submit || b.user != receptionist.ID {
		t.Errorf("invoices = %d submit=%v user=%q", rec.Code, b.submit, b.user)
	}

	if rec := serve(t, routes, http.MethodPost, "/APT-1/items/row-1/override", `{"rate":"12.5"}`, receptionist); rec.Code != http.StatusForbidden {
		t.Errorf("override by receptionist = %d, want 403", rec.Code)
	}
	admin := &auth.User{ID: "admin", Roles: []string{auth.RoleSystemManager}}
	if rec := serve(t, routes, http.MethodPost, "/APT-1/items/row-1/override", `{"rate":"12.5","reason":"promo"}`, admin); rec.Code != http.StatusOK {
		t.Errorf("override by admin = %d", rec.Code)
	}

	if rec := serve(t, routes, http.MethodPost, "/APT-1/claims", `{}`, receptionist); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("claim without invoice = %d, want 422", rec.Code)
	}
	if rec := serve(t, routes, http.MethodPost, "/APT-1/claims", `{"invoice":"SINV-NEW"}`, receptionist); rec.Code != http.StatusCreated {
		t.Errorf("new claim = %d, want 201", rec.Code)
	}
	if rec := serve(t, routes, http.MethodPost, "/APT-1/claims", `{"invoice":"SINV-OLD"}`, receptionist); rec.Code != http.StatusOK {
		t.Errorf("existing claim = %d, want 200", rec.Code)
	}
	if rec := serve(t, routes, http.MethodGet, "/APT-1/billing", "", receptionist); rec.Code != http.StatusOK {
		t.Errorf("billing = %d", rec.Code)
	}
	var log overview.VisitLog
	rec = serve(t, routes, http.MethodGet, "/APT-1/visit-log", "", receptionist)
	decodeBody(t, rec, &log)
	if log.LatestStatus != "Arrived" {
		t.Errorf("visit log = %+v", log)
	}
}

func TestCalendarEndpoints(t *testing.T) {
	h, _, _, cal := newAppointmentHandler()
	routes := h.Routes()

	if rec := serve(t, routes, http.MethodGet, "/calendar?start=2026-03-10", "", receptionist); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing end = %d, want 422", rec.Code)
	}
	rec := serve(t, routes, http.MethodGet, "/calendar?start=2026-03-10&end=2026-03-11&show_cancelled=1", "", receptionist)
	if rec.Code != http.StatusOK {
		t.Fatalf("calendar = %d", rec.Code)
	}
	if !cal.showCancelled || !cal.end.Equal(time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("calendar args = %+v", cal)
	}

	var counts map[string]int
	rec = serve(t, routes, http.MethodGet, "/counts?start=2026-03-01&end=2026-04-01", "", receptionist)
	decodeBody(t, rec, &counts)
	if counts["2026-03-10"] != 4 {
		t.Errorf("counts = %v", counts)
	}

	rec = serve(t, routes, http.MethodGet, "/waiting-list", "", receptionist)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("empty waiting list body = %s", rec.Body)
	}
}
