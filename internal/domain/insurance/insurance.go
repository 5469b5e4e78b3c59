// Package insurance holds patient insurance policies, payors, plans and item eligibility.
package insurance

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// CoverageType selects how the insurer share is computed
type CoverageType string

const (
	CoveragePercentage CoverageType = "Percentage"
	CoverageFixed      CoverageType = "Fixed Amount"
	CoverageCoPay      CoverageType = "Co-Pay"
)

// Policy is a submitted insurance policy held by a patient
type Policy struct {
	ID           string    `json:"name"`
	Patient      string    `json:"patient"`
	Payor        string    `json:"insurance_payor"`
	Plan         string    `json:"insurance_plan,omitempty"`
	PolicyNumber string    `json:"policy_number,omitempty"`
	ExpiryDate   time.Time `json:"policy_expiry_date"`
	DocStatus    int       `json:"docstatus"`
	Company      string    `json:"company,omitempty"`
	CreatedAt    time.Time `json:"creation"`
	UpdatedAt    time.Time `json:"modified"`
}

// Payor is an insurance company billed through a linked customer
type Payor struct {
	Name     string `json:"name"`
	Customer string `json:"customer,omitempty"`
	Company  string `json:"company,omitempty"`
	Disabled bool   `json:"disabled"`
}

// Plan carries the payor's default price list and coverage terms
type Plan struct {
	Name            string          `json:"name"`
	Payor           string          `json:"insurance_payor"`
	PriceList       string          `json:"price_list,omitempty"`
	DiscountPercent decimal.Decimal `json:"discount_percentage"`
	CoverageType    CoverageType    `json:"coverage_type"`
	CoveragePercent decimal.Decimal `json:"coverage_percentage"`
	FixedAmount     decimal.Decimal `json:"fixed_amount"`
	CoPayAmount     decimal.Decimal `json:"copay_amount"`
}

// Rule returns the plan-wide coverage terms.
func (p Plan) Rule() Rule {
	return Rule{
		Discount:    p.DiscountPercent,
		Type:        p.CoverageType,
		Coverage:    p.CoveragePercent,
		FixedAmount: p.FixedAmount,
		CoPay:       p.CoPayAmount,
	}
}

// Eligibility overrides the plan terms for one item
type Eligibility struct {
	ID              string          `json:"name"`
	Plan            string          `json:"insurance_plan"`
	ItemCode        string          `json:"item_code"`
	TemplateDocType string          `json:"template_dt,omitempty"`
	TemplateName    string          `json:"template_dn,omitempty"`
	Discount        decimal.Decimal `json:"discount"`
	CoverageType    CoverageType    `json:"coverage_type"`
	Coverage        decimal.Decimal `json:"coverage"`
	FixedAmount     decimal.Decimal `json:"fixed_amount"`
	CoPayAmount     decimal.Decimal `json:"copay_amount"`
	ValidFrom       *time.Time      `json:"valid_from,omitempty"`
	ValidTo         *time.Time      `json:"valid_to,omitempty"`
}

// Rule returns the item coverage terms.
func (e Eligibility) Rule() Rule {
	return Rule{
		Discount:    e.Discount,
		Type:        e.CoverageType,
		Coverage:    e.Coverage,
		FixedAmount: e.FixedAmount,
		CoPay:       e.CoPayAmount,
	}
}

// ValidOn reports whether the eligibility applies on the given day.
func (e Eligibility) ValidOn(on time.Time) bool {
	day := truncateDay(on)
	if e.ValidFrom != nil && day.Before(truncateDay(*e.ValidFrom)) {
		return false
	}
	if e.ValidTo != nil && day.After(truncateDay(*e.ValidTo)) {
		return false
	}
	return true
}

// Rule is a set of coverage terms; percentages are 0-100
type Rule struct {
	Discount    decimal.Decimal
	Type        CoverageType
	Coverage    decimal.Decimal
	FixedAmount decimal.Decimal
	CoPay       decimal.Decimal
}

// SelectActive picks the active policy: submitted, expiring on or after on,
// earliest expiry first, whose payor is enabled and whose company matches
// when both are set.
func SelectActive(policies []Policy, payors map[string]Payor, company string, on time.Time) *Policy {
	day := truncateDay(on)
	var best *Policy
	for i := range policies {
		p := policies[i]
		if p.DocStatus != 1 || truncateDay(p.ExpiryDate).Before(day) {
			continue
		}
		payor, ok := payors[p.Payor]
		if !ok || payor.Disabled {
			continue
		}
		if company != "" && p.Company != "" && p.Company != company {
			continue
		}
		if best == nil || p.ExpiryDate.Before(best.ExpiryDate) {
			best = &policies[i]
		}
	}
	return best
}

// Summary is the active policy as shown in the UI
type Summary struct {
	Name         string    `json:"name"`
	Payor        string    `json:"insurance_payor"`
	Plan         string    `json:"insurance_plan,omitempty"`
	PolicyNumber string    `json:"policy_number,omitempty"`
	ExpiryDate   time.Time `json:"policy_expiry_date"`
}

// Summarize returns the UI summary of p.
func Summarize(p Policy) Summary {
	return Summary{Name: p.ID, Payor: p.Payor, Plan: p.Plan, PolicyNumber: p.PolicyNumber, ExpiryDate: p.ExpiryDate}
}

// NewPolicy holds the fields needed to register a policy
type NewPolicy struct {
	Patient      string    `json:"patient" validate:"required"`
	Payor        string    `json:"insurance_payor" validate:"required"`
	Plan         string    `json:"insurance_plan"`
	PolicyNumber string    `json:"policy_number" validate:"required"`
	ExpiryDate   time.Time `json:"policy_expiry_date" validate:"required"`
	Company      string    `json:"company"`
}

// Validate checks required fields.
func (n NewPolicy) Validate() error {
	var missing []string
	if strings.TrimSpace(n.Patient) == "" {
		missing = append(missing, "Patient")
	}
	if strings.TrimSpace(n.Payor) == "" {
		missing = append(missing, "Insurance Payor")
	}
	if strings.TrimSpace(n.PolicyNumber) == "" {
		missing = append(missing, "Policy Number")
	}
	if n.ExpiryDate.IsZero() {
		missing = append(missing, "Policy Expiry Date")
	}
	if len(missing) > 0 {
		return apperr.MissingFields(missing...)
	}
	return nil
}

// PolicyUpdate changes only the fields that are set
type PolicyUpdate struct {
	Payor        *string    `json:"insurance_payor"`
	Plan         *string    `json:"insurance_plan"`
	PolicyNumber *string    `json:"policy_number"`
	ExpiryDate   *time.Time `json:"policy_expiry_date"`
}

// Apply copies the set fields onto p and reports whether anything changed.
func (u PolicyUpdate) Apply(p *Policy) bool {
	changed := false
	if u.Payor != nil {
		p.Payor = *u.Payor
		changed = true
	}
	if u.Plan != nil {
		p.Plan = *u.Plan
		changed = true
	}
	if u.PolicyNumber != nil {
		p.PolicyNumber = *u.PolicyNumber
		changed = true
	}
	if u.ExpiryDate != nil {
		p.ExpiryDate = *u.ExpiryDate
		changed = true
	}
	return changed
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
