package billing

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name          string
		total         string
		rule          *insurance.Rule
		wantPatient   string
		wantInsurance string
	}{
		{"no rule", "100", nil, "100.00", "0.00"},
		{"percentage after discount", "100", &insurance.Rule{Type: insurance.CoveragePercentage, Discount: dec("10"), Coverage: dec("80")}, "18.00", "72.00"},
		{"percentage rounds", "10", &insurance.Rule{Type: insurance.CoveragePercentage, Coverage: dec("33.333")}, "6.67", "3.33"},
		{"fixed under total", "200", &insurance.Rule{Type: insurance.CoverageFixed, Discount: dec("10"), FixedAmount: dec("50")}, "130.00", "50.00"},
		{"fixed capped at total", "30", &insurance.Rule{Type: insurance.CoverageFixed, FixedAmount: dec("50")}, "0.00", "30.00"},
		{"co-pay", "100", &insurance.Rule{Type: insurance.CoverageCoPay, CoPay: dec("15")}, "15.00", "85.00"},
		{"co-pay above total", "100", &insurance.Rule{Type: insurance.CoverageCoPay, CoPay: dec("150")}, "100.00", "0.00"},
		{"unknown type", "40", &insurance.Rule{Type: "Other"}, "40.00", "0.00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(dec(tt.total), tt.rule)
			if got.Patient.StringFixed(2) != tt.wantPatient || got.Insurance.StringFixed(2) != tt.wantInsurance {
				t.Errorf("Split(%s) = %s / %s, want %s / %s", tt.total,
					got.Patient.StringFixed(2), got.Insurance.StringFixed(2), tt.wantPatient, tt.wantInsurance)
			}
		})
	}
}

func TestResolveRulePrefersEligibility(t *testing.T) {
	plan := &insurance.Plan{CoverageType: insurance.CoveragePercentage, CoveragePercent: dec("50")}
	elig := &insurance.Eligibility{CoverageType: insurance.CoverageFixed, FixedAmount: dec("5")}

	if r := resolveRule(plan, elig); r.Type != insurance.CoverageFixed {
		t.Errorf("rule type = %q, want eligibility terms", r.Type)
	}
	if r := resolveRule(plan, nil); r.Type != insurance.CoveragePercentage {
		t.Errorf("rule type = %q, want plan terms", r.Type)
	}
	if r := resolveRule(nil, nil); r != nil {
		t.Errorf("rule = %+v, want nil", r)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		inv  *invoice.SalesInvoice
		want appointment.BillingStatus
	}{
		{"no invoice", nil, appointment.BillingNotBilled},
		{"draft", &invoice.SalesInvoice{GrandTotal: dec("10"), Outstanding: dec("10")}, appointment.BillingNotPaid},
		{"cancelled", &invoice.SalesInvoice{DocStatus: 2}, appointment.BillingCancelled},
		{"paid", &invoice.SalesInvoice{DocStatus: 1, GrandTotal: dec("10"), Outstanding: decimal.Zero}, appointment.BillingPaid},
		{"partly paid", &invoice.SalesInvoice{DocStatus: 1, GrandTotal: dec("10"), Outstanding: dec("4")}, appointment.BillingPartiallyPaid},
		{"unpaid", &invoice.SalesInvoice{DocStatus: 1, GrandTotal: dec("10"), Outstanding: dec("10")}, appointment.BillingNotPaid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusFor(tt.inv); got != tt.want {
				t.Errorf("StatusFor() = %q, want %q", got, tt.want)
			}
		})
	}
}

func itemID(t *testing.T, st appointment.State, code string) string {
	t.Helper()
	for _, it := range st.BillingItems {
		if it.ItemCode == code {
			return it.ID
		}
	}
	t.Fatalf("no billing item %s", code)
	return ""
}

type line struct {
	Code string
	Qty  string
	Rate string
}

func lines(inv invoice.SalesInvoice) []line {
	out := make([]line, 0, len(inv.Items))
	for _, it := range inv.Items {
		out = append(out, line{it.ItemCode, it.Qty.String(), it.Rate.StringFixed(2)})
	}
	return out
}

func TestCreateInvoicesSelfPay(t *testing.T) {
	f := newFixture(t)
	st := f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1", "LAB": "2"})
	admin := &auth.User{ID: "admin@clinic", Roles: []string{auth.RoleSystemManager}}
	if _, err := f.svc.OverrideRate(context.Background(), itemID(t, st, "LAB"), dec("7"), "staff discount", admin); err != nil {
		t.Fatalf("OverrideRate() error = %v", err)
	}

	res, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "admin@clinic")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	if res.PatientInvoice == "" || res.InsuranceInvoice != "" {
		t.Fatalf("result = %+v, want only a patient invoice", res)
	}

	inv := f.invoices.invoices[res.PatientInvoice]
	want := []line{{"CONS", "1", "20.00"}, {"LAB", "2", "7.00"}}
	if diff := cmp.Diff(want, lines(inv)); diff != "" {
		t.Errorf("invoice lines mismatch (-want +got):\n%s", diff)
	}
	if inv.GrandTotal.StringFixed(2) != "34.00" || inv.Customer != "CUST-1" || inv.Currency != "BHD" {
		t.Errorf("invoice = total %s customer %q currency %q", inv.GrandTotal, inv.Customer, inv.Currency)
	}
	if inv.PriceList != "Standard Selling" || inv.DocStatus != 0 {
		t.Errorf("invoice price list %q docstatus %d", inv.PriceList, inv.DocStatus)
	}

	got := f.appointments.states["APT-1"]
	if got.PatientInvoice != res.PatientInvoice || got.BillingStatus != appointment.BillingNotPaid {
		t.Errorf("appointment invoice %q status %q", got.PatientInvoice, got.BillingStatus)
	}
}

func TestCreateInvoicesOverwritesDraft(t *testing.T) {
	f := newFixture(t)
	f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})

	first, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	f.prices.rates["Standard Selling|CONS"] = dec("25")
	second, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	if second.PatientInvoice != first.PatientInvoice || !second.PatientInvoiceUpdated {
		t.Errorf("second result = %+v, want draft %s updated", second, first.PatientInvoice)
	}
	if got := f.invoices.invoices[first.PatientInvoice].GrandTotal.StringFixed(2); got != "25.00" {
		t.Errorf("grand total = %s, want 25.00", got)
	}
	if len(f.invoices.invoices) != 1 {
		t.Errorf("invoices = %d, want 1", len(f.invoices.invoices))
	}
}

func TestCreateInvoicesInsuranceSplit(t *testing.T) {
	f := newFixture(t)
	f.insure()
	f.book(t, "APT-1", "PAT-1", appointment.PaymentInsurance, map[string]string{"CONS": "1", "LAB": "2"})

	snap, err := f.svc.Snapshot(context.Background(), "APT-1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if !snap.IsInsurance || snap.PriceList != "Insurance Selling" {
		t.Errorf("snapshot insurance=%v price list %q", snap.IsInsurance, snap.PriceList)
	}
	if snap.Totals.Patient.StringFixed(2) != "11.00" || snap.Totals.Insurance.StringFixed(2) != "49.00" ||
		snap.Totals.Grand.StringFixed(2) != "60.00" {
		t.Errorf("totals = %+v", snap.Totals)
	}

	res, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}

	patientInv := f.invoices.invoices[res.PatientInvoice]
	if diff := cmp.Diff([]line{{"CONS", "1", "8.00"}, {"LAB", "2", "1.50"}}, lines(patientInv)); diff != "" {
		t.Errorf("patient lines mismatch (-want +got):\n%s", diff)
	}
	insuranceInv := f.invoices.invoices[res.InsuranceInvoice]
	if diff := cmp.Diff([]line{{"CONS", "1", "32.00"}, {"LAB", "2", "8.50"}}, lines(insuranceInv)); diff != "" {
		t.Errorf("insurer lines mismatch (-want +got):\n%s", diff)
	}
	if insuranceInv.Customer != "INS-CUST" || insuranceInv.Kind != invoice.KindInsurance {
		t.Errorf("insurer invoice customer %q kind %q", insuranceInv.Customer, insuranceInv.Kind)
	}

	st := f.appointments.states["APT-1"]
	if st.PatientInvoice != res.PatientInvoice || st.InsuranceInvoice != res.InsuranceInvoice {
		t.Errorf("appointment links %q / %q", st.PatientInvoice, st.InsuranceInvoice)
	}
}

func TestCreateInvoicesInsuranceWithoutPolicyBillsPatient(t *testing.T) {
	f := newFixture(t)
	f.book(t, "APT-1", "PAT-1", appointment.PaymentInsurance, map[string]string{"CONS": "1"})

	res, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	if res.InsuranceInvoice != "" {
		t.Errorf("insurance invoice = %q, want none", res.InsuranceInvoice)
	}
	if got := f.invoices.invoices[res.PatientInvoice].GrandTotal.StringFixed(2); got != "20.00" {
		t.Errorf("grand total = %s, want 20.00", got)
	}
}

func TestCreateInvoicesErrors(t *testing.T) {
	t.Run("no items", func(t *testing.T) {
		f := newFixture(t)
		f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, nil)
		_, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
		if !apperr.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("patient without customer", func(t *testing.T) {
		f := newFixture(t)
		f.book(t, "APT-1", "PAT-2", appointment.PaymentSelf, map[string]string{"CONS": "1"})
		_, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
		if !apperr.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("no price list", func(t *testing.T) {
		f := newFixture(t)
		f.prices.lists = map[string]bool{}
		f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})
		_, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
		if !apperr.IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("submitted invoice", func(t *testing.T) {
		f := newFixture(t)
		f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})
		res, err := f.svc.CreateInvoices(context.Background(), "APT-1", true, "u")
		if err != nil {
			t.Fatalf("CreateInvoices() error = %v", err)
		}
		_, err = f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
		if !apperr.IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		want := "Sales Invoice " + res.PatientInvoice + " is submitted. Cancel or amend it before regenerating billing."
		if got := apperr.As(err).Message; got != want {
			t.Errorf("message = %q, want %q", got, want)
		}
	})
}

func TestCreateInvoicesReplacesCancelled(t *testing.T) {
	f := newFixture(t)
	f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})
	first, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	inv := f.invoices.invoices[first.PatientInvoice]
	inv.DocStatus = 2
	f.invoices.invoices[inv.ID] = inv

	second, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	if second.PatientInvoice == first.PatientInvoice || second.PatientInvoiceUpdated {
		t.Errorf("second result = %+v, want a new invoice", second)
	}
}

func TestRecordPayment(t *testing.T) {
	f := newFixture(t)
	f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1", "LAB": "2"})
	res, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}

	_, err = f.svc.RecordPayment(context.Background(), PaymentRequest{
		Invoice:  res.PatientInvoice,
		Payments: []invoice.Payment{{Amount: decimal.Zero}},
	}, "u")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error for zero payment, got %v", err)
	}

	pay, err := f.svc.RecordPayment(context.Background(), PaymentRequest{
		Invoice:  res.PatientInvoice,
		Payments: []invoice.Payment{{Amount: dec("20")}, {Mode: "Card", Amount: dec("-1")}},
		Submit:   true,
	}, "u")
	if err != nil {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if !pay.Submitted || pay.Outstanding.StringFixed(2) != "11.00" || pay.TotalPaid.StringFixed(2) != "20.00" {
		t.Errorf("payment result = %+v", pay)
	}
	inv := f.invoices.invoices[res.PatientInvoice]
	if len(inv.Payments) != 1 || inv.Payments[0].Mode != invoice.DefaultModeOfPayment || !inv.IsPOS {
		t.Errorf("payments = %+v pos=%v", inv.Payments, inv.IsPOS)
	}
	if got := f.appointments.states["APT-1"].BillingStatus; got != appointment.BillingPartiallyPaid {
		t.Errorf("billing status = %q, want %q", got, appointment.BillingPartiallyPaid)
	}

	_, err = f.svc.RecordPayment(context.Background(), PaymentRequest{
		Invoice:  res.PatientInvoice,
		Payments: []invoice.Payment{{Amount: dec("11")}},
	}, "u")
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict on submitted invoice, got %v", err)
	}
}

func TestRecordPaymentFullySettles(t *testing.T) {
	f := newFixture(t)
	f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})
	res, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	if _, err := f.svc.RecordPayment(context.Background(), PaymentRequest{
		Invoice:  res.PatientInvoice,
		Payments: []invoice.Payment{{Mode: "Card", Amount: dec("20")}},
		Submit:   true,
	}, "u"); err != nil {
		t.Fatalf("RecordPayment() error = %v", err)
	}
	if got := f.appointments.states["APT-1"].BillingStatus; got != appointment.BillingPaid {
		t.Errorf("billing status = %q, want %q", got, appointment.BillingPaid)
	}
}

func TestOverrideRateRequiresRole(t *testing.T) {
	f := newFixture(t)
	st := f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})
	id := itemID(t, st, "CONS")

	nurse := &auth.User{ID: "nurse@clinic", Roles: []string{"Nursing User"}}
	_, err := f.svc.OverrideRate(context.Background(), id, dec("12"), "promo", nurse)
	if apperr.HTTPStatus(err) != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}

	biller := &auth.User{ID: "biller@clinic", Roles: []string{auth.RoleOverrideBillingRate}}
	apptID, err := f.svc.OverrideRate(context.Background(), id, dec("12"), " promo ", biller)
	if err != nil {
		t.Fatalf("OverrideRate() error = %v", err)
	}
	if apptID != "APT-1" {
		t.Errorf("appointment = %q, want APT-1", apptID)
	}
	item, _ := f.appointments.states["APT-1"].Item(id)
	if item.OverrideRate.StringFixed(2) != "12.00" || item.OverrideReason != "promo" || item.OverrideBy != "biller@clinic" {
		t.Errorf("item = %+v", item)
	}

	if _, err := f.svc.OverrideRate(context.Background(), id, decimal.Zero, "", biller); err != nil {
		t.Fatalf("clear override error = %v", err)
	}
	item, _ = f.appointments.states["APT-1"].Item(id)
	if item.HasOverride() || item.OverrideReason != "" {
		t.Errorf("override not cleared: %+v", item)
	}
}

func TestCreateOrUpdateClaim(t *testing.T) {
	f := newFixture(t)
	f.insure()
	f.book(t, "APT-1", "PAT-1", appointment.PaymentInsurance, map[string]string{"CONS": "1", "LAB": "2"})
	res, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}

	claim, err := f.svc.CreateOrUpdateClaim(context.Background(), "APT-1", res.InsuranceInvoice)
	if err != nil {
		t.Fatalf("CreateOrUpdateClaim() error = %v", err)
	}
	if !claim.Created {
		t.Errorf("claim not created: %+v", claim)
	}
	if got := f.invoices.invoices[res.InsuranceInvoice].DocStatus; got != 1 {
		t.Errorf("insurer invoice docstatus = %d, want submitted", got)
	}

	stored := f.invoices.claims[claim.Claim]
	type cov struct {
		Code, Amount, Template string
	}
	var got []cov
	for _, c := range stored.Coverages {
		got = append(got, cov{c.ItemCode, c.CoverageAmount.StringFixed(2), c.TemplateDocType + "/" + c.TemplateName})
	}
	want := []cov{{"CONS", "32.00", "Appointment Type/Consultation"}, {"LAB", "17.00", "Appointment Type/Consultation"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("coverages mismatch (-want +got):\n%s", diff)
	}
	if stored.Customer != "INS-CUST" || stored.Status != invoice.ClaimDraft || !stored.FromDate.Equal(time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("claim = %+v", stored)
	}
	if got := f.appointments.states["APT-1"].InsuranceStatus; got != InsuranceClaimed {
		t.Errorf("insurance status = %q, want %q", got, InsuranceClaimed)
	}

	again, err := f.svc.CreateOrUpdateClaim(context.Background(), "APT-1", res.InsuranceInvoice)
	if err != nil {
		t.Fatalf("second CreateOrUpdateClaim() error = %v", err)
	}
	if again.Claim != claim.Claim || again.Created {
		t.Errorf("second result = %+v, want existing %s", again, claim.Claim)
	}
	if len(f.invoices.claims) != 1 {
		t.Errorf("claims = %d, want 1", len(f.invoices.claims))
	}
}

func TestCreateOrUpdateClaimNeedsPolicy(t *testing.T) {
	f := newFixture(t)
	f.book(t, "APT-1", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})
	_, err := f.svc.CreateOrUpdateClaim(context.Background(), "APT-1", "INV-X")
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateClaimStatusSyncsAppointments(t *testing.T) {
	f := newFixture(t)
	f.insure()
	f.book(t, "APT-1", "PAT-1", appointment.PaymentInsurance, map[string]string{"CONS": "1"})
	f.book(t, "APT-2", "PAT-1", appointment.PaymentSelf, map[string]string{"CONS": "1"})
	res, err := f.svc.CreateInvoices(context.Background(), "APT-1", false, "u")
	if err != nil {
		t.Fatalf("CreateInvoices() error = %v", err)
	}
	claim, err := f.svc.CreateOrUpdateClaim(context.Background(), "APT-1", res.InsuranceInvoice)
	if err != nil {
		t.Fatalf("CreateOrUpdateClaim() error = %v", err)
	}

	updated, err := f.svc.UpdateClaimStatus(context.Background(), claim.Claim, "Approved")
	if err != nil {
		t.Fatalf("UpdateClaimStatus() error = %v", err)
	}
	if updated.Status != "Approved" {
		t.Errorf("claim status = %q", updated.Status)
	}
	if got := f.appointments.states["APT-1"].InsuranceStatus; got != "Approved" {
		t.Errorf("APT-1 insurance status = %q, want Approved", got)
	}
	if got := f.appointments.states["APT-2"].InsuranceStatus; got != "" {
		t.Errorf("APT-2 insurance status = %q, want untouched", got)
	}

	n, err := f.svc.SyncClaimStatus(context.Background(), updated)
	if err != nil || n != 0 {
		t.Errorf("SyncClaimStatus() = %d, %v; want 0 once in sync", n, err)
	}
}
