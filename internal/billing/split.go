package billing

import (
	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/domain/insurance"
)

var hundred = decimal.NewFromInt(100)

// Shares is how one row total divides between the patient and the insurer
type Shares struct {
	Patient   decimal.Decimal
	Insurance decimal.Decimal
}

// Total is the sum of both shares.
func (s Shares) Total() decimal.Decimal {
	return s.Patient.Add(s.Insurance)
}

// Split divides total under rule. A nil rule leaves everything to the patient.
// Amounts round half away from zero to 2 places.
func Split(total decimal.Decimal, rule *insurance.Rule) Shares {
	if rule == nil {
		return Shares{Patient: total.Round(2), Insurance: decimal.Zero}
	}

	discounted := total.Sub(total.Mul(rule.Discount).Div(hundred))
	insurer := decimal.Zero
	switch rule.Type {
	case insurance.CoverageFixed:
		insurer = decimal.Min(rule.FixedAmount, discounted)
	case insurance.CoveragePercentage:
		insurer = discounted.Mul(rule.Coverage).Div(hundred).Round(2)
	case insurance.CoverageCoPay:
		insurer = discounted.Sub(decimal.Min(rule.CoPay, discounted))
	}
	if insurer.IsNegative() {
		insurer = decimal.Zero
	}

	return Shares{
		Patient:   discounted.Sub(insurer).Round(2),
		Insurance: insurer.Round(2),
	}
}

// unitRate spreads a share over qty at 6 decimal places.
func unitRate(share, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return share.Round(6)
	}
	return share.Div(qty).Round(6)
}

// resolveRule picks the item eligibility terms when present, else the plan terms.
func resolveRule(plan *insurance.Plan, elig *insurance.Eligibility) *insurance.Rule {
	if elig != nil {
		r := elig.Rule()
		return &r
	}
	if plan != nil {
		r := plan.Rule()
		return &r
	}
	return nil
}
