// Package invoice models sales invoices, their payments and insurance claims.
package invoice

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Kind distinguishes the patient and insurer invoices of a visit
type Kind string

const (
	KindPatient   Kind = "Patient"
	KindInsurance Kind = "Insurance"
)

// Label is the name used in user-facing messages.
func (k Kind) Label() string {
	if k == KindInsurance {
		return "Insurance Sales Invoice"
	}
	return "Sales Invoice"
}

// Invoice statuses
const (
	StatusDraft      = "Draft"
	StatusUnpaid     = "Unpaid"
	StatusPartlyPaid = "Partly Paid"
	StatusPaid       = "Paid"
	StatusCancelled  = "Cancelled"
)

// DefaultModeOfPayment is used when a payment row has no mode.
const DefaultModeOfPayment = "Cash"

// Item is an invoice line
type Item struct {
	ItemCode string          `json:"item_code"`
	ItemName string          `json:"item_name,omitempty"`
	Qty      decimal.Decimal `json:"qty"`
	Rate     decimal.Decimal `json:"rate"`
	Amount   decimal.Decimal `json:"amount"`
}

// Payment is a POS payment row
type Payment struct {
	Mode        string          `json:"mode_of_payment"`
	Amount      decimal.Decimal `json:"amount"`
	ReferenceNo string          `json:"reference_no,omitempty"`
}

// SalesInvoice is a customer invoice
type SalesInvoice struct {
	ID          string          `json:"name"`
	Kind        Kind            `json:"kind"`
	Customer    string          `json:"customer"`
	Patient     string          `json:"patient,omitempty"`
	Company     string          `json:"company,omitempty"`
	Currency    string          `json:"currency"`
	PostingDate time.Time       `json:"posting_date"`
	DueDate     time.Time       `json:"due_date"`
	PriceList   string          `json:"selling_price_list,omitempty"`
	IsPOS       bool            `json:"is_pos"`
	DocStatus   int             `json:"docstatus"`
	Items       []Item          `json:"items"`
	Payments    []Payment       `json:"payments"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
	PaidAmount  decimal.Decimal `json:"paid_amount"`
	Outstanding decimal.Decimal `json:"outstanding_amount"`
	Status      string          `json:"status"`
	CreatedBy   string          `json:"owner,omitempty"`
	CreatedAt   time.Time       `json:"creation"`
	UpdatedAt   time.Time       `json:"modified"`
}

// SetItems replaces the lines and recomputes totals.
func (inv *SalesInvoice) SetItems(items []Item) {
	inv.Items = make([]Item, 0, len(items))
	for _, it := range items {
		it.Amount = it.Qty.Mul(it.Rate).Round(2)
		inv.Items = append(inv.Items, it)
	}
	inv.CalculateTotals()
}

// SetPayments replaces the payment rows, skipping non-positive amounts and
// defaulting the mode, and marks the invoice as POS.
func (inv *SalesInvoice) SetPayments(rows []Payment) {
	inv.IsPOS = true
	inv.Payments = make([]Payment, 0, len(rows))
	for _, p := range rows {
		if !p.Amount.IsPositive() {
			continue
		}
		if p.Mode == "" {
			p.Mode = DefaultModeOfPayment
		}
		inv.Payments = append(inv.Payments, p)
	}
	inv.CalculateTotals()
}

// TotalPaid sums the payment rows.
func (inv *SalesInvoice) TotalPaid() decimal.Decimal {
	total := decimal.Zero
	for _, p := range inv.Payments {
		total = total.Add(p.Amount)
	}
	return total
}

// CalculateTotals recomputes grand total, paid amount, outstanding and status.
func (inv *SalesInvoice) CalculateTotals() {
	grand := decimal.Zero
	for _, it := range inv.Items {
		grand = grand.Add(it.Amount)
	}
	inv.GrandTotal = grand.Round(2)
	inv.PaidAmount = inv.TotalPaid().Round(2)

	outstanding := inv.GrandTotal.Sub(inv.PaidAmount)
	if outstanding.IsNegative() {
		outstanding = decimal.Zero
	}
	inv.Outstanding = outstanding

	switch {
	case inv.DocStatus == 0:
		inv.Status = StatusDraft
	case inv.DocStatus == 2:
		inv.Status = StatusCancelled
	case inv.Outstanding.IsZero():
		inv.Status = StatusPaid
	case inv.Outstanding.LessThan(inv.GrandTotal):
		inv.Status = StatusPartlyPaid
	default:
		inv.Status = StatusUnpaid
	}
}

// Submit posts the invoice.
func (inv *SalesInvoice) Submit() error {
	if inv.DocStatus != 0 {
		return apperr.Conflict(fmt.Sprintf("%s %s is not a draft", inv.Kind.Label(), inv.ID))
	}
	if len(inv.Items) == 0 {
		return apperr.Validation(fmt.Sprintf("%s %s has no items", inv.Kind.Label(), inv.ID), map[string]string{"items": "required"})
	}
	inv.DocStatus = 1
	inv.CalculateTotals()
	return nil
}

// Claim statuses
const (
	ClaimDraft = "Draft"
)

// Coverage is one insured invoice line of a claim
type Coverage struct {
	Invoice         string          `json:"sales_invoice"`
	ItemCode        string          `json:"item_code"`
	TemplateDocType string          `json:"template_dt,omitempty"`
	TemplateName    string          `json:"template_dn,omitempty"`
	Qty             decimal.Decimal `json:"qty"`
	InvoiceAmount   decimal.Decimal `json:"sales_invoice_item_amount"`
	Discount        decimal.Decimal `json:"discount"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	Coverage        decimal.Decimal `json:"coverage"`
	CoverageAmount  decimal.Decimal `json:"coverage_amount"`
}

// Claim is an insurance claim raised against insurer invoices
type Claim struct {
	ID           string     `json:"name"`
	Patient      string     `json:"patient"`
	Company      string     `json:"company,omitempty"`
	Payor        string     `json:"insurance_payor"`
	Customer     string     `json:"customer"`
	Policy       string     `json:"insurance_policy"`
	Plan         string     `json:"insurance_plan,omitempty"`
	PolicyNumber string     `json:"policy_number,omitempty"`
	PostingDate  time.Time  `json:"posting_date"`
	FromDate     time.Time  `json:"from_date"`
	ToDate       time.Time  `json:"to_date"`
	Status       string     `json:"status"`
	Coverages    []Coverage `json:"coverages"`
	CreatedAt    time.Time  `json:"creation"`
	UpdatedAt    time.Time  `json:"modified"`
}

// Invoices returns the distinct invoices referenced by the claim.
func (c Claim) Invoices() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cov := range c.Coverages {
		if cov.Invoice != "" && !seen[cov.Invoice] {
			seen[cov.Invoice] = true
			out = append(out, cov.Invoice)
		}
	}
	return out
}

// EffectiveStatus defaults an empty status to Draft.
func (c Claim) EffectiveStatus() string {
	if c.Status == "" {
		return ClaimDraft
	}
	return c.Status
}
