package billing

import (
	"context"
	"maps"
	"slices"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/settings"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakeAppointments struct {
	states  map[string]appointment.State
	saveErr error
}

func (f *fakeAppointments) Get(ctx context.Context, id string) (*appointment.Aggregate, error) {
	st, ok := f.states[id]
	if !ok {
		return nil, apperr.NotFound("Patient Appointment", id)
	}
	return appointment.Rehydrate(st), nil
}

func (f *fakeAppointments) GetByBillingItem(ctx context.Context, itemID string) (*appointment.Aggregate, error) {
	for _, st := range f.states {
		if _, ok := st.Item(itemID); ok {
			return appointment.Rehydrate(st), nil
		}
	}
	return nil, apperr.NotFound("Appointment Billing Item", itemID)
}

func (f *fakeAppointments) Save(ctx context.Context, agg *appointment.Aggregate) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.states[agg.ID()] = agg.State()
	agg.ClearChanges()
	return nil
}

func (f *fakeAppointments) FindByInvoice(ctx context.Context, inv string) ([]appointment.State, error) {
	var out []appointment.State
	for _, st := range f.states {
		if st.PatientInvoice == inv || st.InsuranceInvoice == inv {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeAppointments) FindByPatient(ctx context.Context, p string) ([]appointment.State, error) {
	var out []appointment.State
	for _, st := range f.states {
		if st.Patient == p {
			out = append(out, st)
		}
	}
	return out, nil
}

type fakePatients map[string]patient.Patient

func (f fakePatients) Get(ctx context.Context, id string) (*patient.Patient, error) {
	p, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("Patient", id)
	}
	return &p, nil
}

type fakeInsurance struct {
	policies      map[string]insurance.Policy
	payors        map[string]insurance.Payor
	plans         map[string]insurance.Plan
	eligibilities map[string]insurance.Eligibility
}

func (f *fakeInsurance) ActivePolicy(ctx context.Context, patientID, company string, on time.Time) (*insurance.Policy, error) {
	p, ok := f.policies[patientID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeInsurance) Payor(ctx context.Context, name string) (*insurance.Payor, error) {
	p, ok := f.payors[name]
	if !ok {
		return nil, apperr.NotFound("Insurance Payor", name)
	}
	return &p, nil
}

func (f *fakeInsurance) Plan(ctx context.Context, name string) (*insurance.Plan, error) {
	p, ok := f.plans[name]
	if !ok {
		return nil, apperr.NotFound("Insurance Payor Eligibility Plan", name)
	}
	return &p, nil
}

func (f *fakeInsurance) Eligibility(ctx context.Context, plan, itemCode string, on time.Time) (*insurance.Eligibility, error) {
	e, ok := f.eligibilities[plan+"|"+itemCode]
	if !ok || !e.ValidOn(on) {
		return nil, nil
	}
	return &e, nil
}

type fakeInvoices struct {
	invoices map[string]invoice.SalesInvoice
	claims   map[string]invoice.Claim
	saved    []invoice.EventType
	claimErr error
}

func copyInvoice(inv invoice.SalesInvoice) invoice.SalesInvoice {
	inv.Items = append([]invoice.Item(nil), inv.Items...)
	inv.Payments = append([]invoice.Payment(nil), inv.Payments...)
	return inv
}

func (f *fakeInvoices) Get(ctx context.Context, id string) (*invoice.SalesInvoice, error) {
	inv, ok := f.invoices[id]
	if !ok {
		return nil, apperr.NotFound("Sales Invoice", id)
	}
	cp := copyInvoice(inv)
	return &cp, nil
}

func (f *fakeInvoices) Find(ctx context.Context, id string) (*invoice.SalesInvoice, error) {
	if id == "" {
		return nil, nil
	}
	if _, ok := f.invoices[id]; !ok {
		return nil, nil
	}
	return f.Get(ctx, id)
}

func (f *fakeInvoices) Save(ctx context.Context, inv *invoice.SalesInvoice, eventType invoice.EventType) error {
	f.invoices[inv.ID] = copyInvoice(*inv)
	f.saved = append(f.saved, eventType)
	return nil
}

func (f *fakeInvoices) ClaimForInvoice(ctx context.Context, invoiceID string) (string, error) {
	for id, c := range f.claims {
		for _, cov := range c.Coverages {
			if cov.Invoice == invoiceID {
				return id, nil
			}
		}
	}
	return "", nil
}

func (f *fakeInvoices) CreateClaim(ctx context.Context, c *invoice.Claim) error {
	if f.claimErr != nil {
		return f.claimErr
	}
	f.claims[c.ID] = *c
	return nil
}

func (f *fakeInvoices) GetClaim(ctx context.Context, id string) (*invoice.Claim, error) {
	c, ok := f.claims[id]
	if !ok {
		return nil, apperr.NotFound("Insurance Claim", id)
	}
	return &c, nil
}

func (f *fakeInvoices) SetClaimStatus(ctx context.Context, c *invoice.Claim, status string) error {
	c.Status = status
	f.claims[c.ID] = *c
	return nil
}

// fakeTx restores the appointment and invoice stores when the unit of work fails.
type fakeTx struct {
	appointments *fakeAppointments
	invoices     *fakeInvoices
	calls        int
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	states := maps.Clone(f.appointments.states)
	invoices := maps.Clone(f.invoices.invoices)
	claims := maps.Clone(f.invoices.claims)
	saved := slices.Clone(f.invoices.saved)
	if err := fn(ctx); err != nil {
		f.appointments.states = states
		f.invoices.invoices, f.invoices.claims, f.invoices.saved = invoices, claims, saved
		return err
	}
	return nil
}

type fakePrices struct {
	lists map[string]bool
	rates map[string]decimal.Decimal
}

func (f *fakePrices) PriceListExists(ctx context.Context, name string) (bool, error) {
	return f.lists[name], nil
}

func (f *fakePrices) ItemRate(ctx context.Context, priceList, itemCode string) (decimal.Decimal, error) {
	return f.rates[priceList+"|"+itemCode], nil
}

func (f *fakePrices) ItemName(ctx context.Context, itemCode string) (string, error) {
	return itemCode + " name", nil
}

type staticSettings struct{ s *settings.Settings }

func (s staticSettings) Get(ctx context.Context) (*settings.Settings, error) {
	return s.s, nil
}

var visitDay = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc          *Service
	appointments *fakeAppointments
	insurance    *fakeInsurance
	invoices     *fakeInvoices
	prices       *fakePrices
	tx           *fakeTx
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		appointments: &fakeAppointments{states: map[string]appointment.State{}},
		insurance: &fakeInsurance{
			policies: map[string]insurance.Policy{},
			payors:   map[string]insurance.Payor{},
			plans:    map[string]insurance.Plan{},
			eligibilities: map[string]insurance.Eligibility{},
		},
		invoices: &fakeInvoices{invoices: map[string]invoice.SalesInvoice{}, claims: map[string]invoice.Claim{}},
		prices: &fakePrices{
			lists: map[string]bool{settings.DefaultPriceList: true},
			rates: map[string]decimal.Decimal{
				settings.DefaultPriceList + "|CONS": dec("20"),
				settings.DefaultPriceList + "|LAB":  dec("5.5"),
			},
		},
	}
	f.tx = &fakeTx{appointments: f.appointments, invoices: f.invoices}
	patients := fakePatients{
		"PAT-1": {ID: "PAT-1", PatientName: "Sara Ali", Customer: "CUST-1"},
		"PAT-2": {ID: "PAT-2", PatientName: "No Customer"},
	}
	f.svc = NewService(Deps{
		Appointments: f.appointments,
		Patients:     patients,
		Insurance:    f.insurance,
		Invoices:     f.invoices,
		Prices:       f.prices,
		Settings:     staticSettings{s: &settings.Settings{Currency: "BHD"}},
		Tx:           f.tx,
	}, Config{}, nil, nil)
	f.svc.now = func() time.Time { return visitDay.Add(2 * time.Hour) }
	return f
}

// book stores an appointment with one billing row per item code.
func (f *fixture) book(t *testing.T, id, patientID string, pt appointment.PaymentType, items map[string]string) appointment.State {
	t.Helper()
	agg := appointment.NewAggregate(id)
	err := agg.Create(&appointment.CreatedData{
		Patient:         patientID,
		Practitioner:    "HP-1",
		Company:         "Do Health",
		AppointmentType: "Consultation",
		StartsAt:        visitDay,
		DurationMinutes: 15,
		PaymentType:     pt,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, code := range []string{"CONS", "LAB"} {
		qty, ok := items[code]
		if !ok {
			continue
		}
		if _, err := agg.AddBillingItem(code, "", dec(qty)); err != nil {
			t.Fatalf("AddBillingItem() error = %v", err)
		}
	}
	if err := f.appointments.Save(context.Background(), agg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return f.appointments.states[id]
}

// insure gives PAT-1 an 80% plan with a co-pay eligibility on LAB.
func (f *fixture) insure() {
	f.insurance.payors["Gulf Insurance"] = insurance.Payor{Name: "Gulf Insurance", Customer: "INS-CUST"}
	f.insurance.plans["Gold"] = insurance.Plan{
		Name:            "Gold",
		Payor:           "Gulf Insurance",
		PriceList:       "Insurance Selling",
		CoverageType:    insurance.CoveragePercentage,
		CoveragePercent: dec("80"),
	}
	f.insurance.eligibilities["Gold|LAB"] = insurance.Eligibility{
		Plan:         "Gold",
		ItemCode:     "LAB",
		CoverageType: insurance.CoverageCoPay,
		CoPayAmount:  dec("3"),
	}
	f.insurance.policies["PAT-1"] = insurance.Policy{
		ID:           "POL-1",
		Patient:      "PAT-1",
		Payor:        "Gulf Insurance",
		Plan:         "Gold",
		PolicyNumber: "GI-778",
		ExpiryDate:   visitDay.AddDate(1, 0, 0),
		DocStatus:    1,
	}
	f.prices.lists["Insurance Selling"] = true
	f.prices.rates["Insurance Selling|CONS"] = dec("40")
	f.prices.rates["Insurance Selling|LAB"] = dec("10")
}
