package insurance

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dohealth/clinicflow/internal/apperr"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestSelectActive(t *testing.T) {
	on := day(2026, 3, 10)
	payors := map[string]Payor{
		"GIG":    {Name: "GIG", Customer: "CUST-GIG"},
		"Old Co": {Name: "Old Co", Disabled: true},
	}

	tests := []struct {
		name     string
		policies []Policy
		company  string
		want     string
	}{
		{
			name: "earliest expiry wins",
			policies: []Policy{
				{ID: "late", Payor: "GIG", DocStatus: 1, ExpiryDate: day(2027, 1, 1)},
				{ID: "soon", Payor: "GIG", DocStatus: 1, ExpiryDate: day(2026, 4, 1)},
			},
			want: "soon",
		},
		{
			name: "expiring today is active",
			policies: []Policy{
				{ID: "today", Payor: "GIG", DocStatus: 1, ExpiryDate: on.Add(6 * time.Hour)},
			},
			want: "today",
		},
		{
			name: "skips expired draft and disabled payor",
			policies: []Policy{
				{ID: "expired", Payor: "GIG", DocStatus: 1, ExpiryDate: day(2026, 3, 9)},
				{ID: "draft", Payor: "GIG", DocStatus: 0, ExpiryDate: day(2026, 5, 1)},
				{ID: "disabled", Payor: "Old Co", DocStatus: 1, ExpiryDate: day(2026, 5, 1)},
				{ID: "ok", Payor: "GIG", DocStatus: 1, ExpiryDate: day(2026, 9, 1)},
			},
			want: "ok",
		},
		{
			name: "company mismatch",
			policies: []Policy{
				{ID: "other", Payor: "GIG", DocStatus: 1, ExpiryDate: day(2026, 5, 1), Company: "Branch B"},
				{ID: "mine", Payor: "GIG", DocStatus: 1, ExpiryDate: day(2026, 6, 1), Company: "Branch A"},
			},
			company: "Branch A",
			want:    "mine",
		},
		{name: "none", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectActive(tt.policies, payors, tt.company, on)
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tt.want {
				t.Errorf("SelectActive() = %q, want %q", gotID, tt.want)
			}
		})
	}
}

func TestEligibilityValidOn(t *testing.T) {
	from, to := day(2026, 1, 1), day(2026, 12, 31)
	e := Eligibility{ValidFrom: &from, ValidTo: &to}
	if !e.ValidOn(day(2026, 12, 31).Add(20 * time.Hour)) {
		t.Error("last day should be valid")
	}
	if e.ValidOn(day(2025, 12, 31)) || e.ValidOn(day(2027, 1, 1)) {
		t.Error("dates outside range should be invalid")
	}
	if !(Eligibility{}).ValidOn(day(2030, 1, 1)) {
		t.Error("open-ended eligibility should always be valid")
	}
}

func TestPolicyUpdateApply(t *testing.T) {
	p := Policy{ID: "POL-1", Payor: "GIG", Plan: "Gold", PolicyNumber: "A1", ExpiryDate: day(2026, 1, 1)}
	if (PolicyUpdate{}).Apply(&p) {
		t.Error("empty update reported a change")
	}

	plan, number := "", "B2"
	if !(PolicyUpdate{Plan: &plan, PolicyNumber: &number}).Apply(&p) {
		t.Fatal("expected change")
	}
	want := Policy{ID: "POL-1", Payor: "GIG", Plan: "", PolicyNumber: "B2", ExpiryDate: day(2026, 1, 1)}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}
}

func TestNewPolicyValidate(t *testing.T) {
	err := NewPolicy{Patient: "P1"}.Validate()
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	want := "Missing required fields: Insurance Payor, Policy Number, Policy Expiry Date"
	if got := apperr.As(err).Message; got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}
