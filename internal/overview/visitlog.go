package overview

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
)

// Visit log entry types
const (
	EntryStatus  = "status"
	EntryBilling = "billing"
	EntryPayment = "payment"
)

// DocRef links an entry to a document
type DocRef struct {
	DocType string `json:"doctype"`
	Name    string `json:"name"`
	Label   string `json:"label"`
}

// Extra is a labelled detail shown under an entry
type Extra struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Entry is one line of the visit timeline
type Entry struct {
	Type        string    `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Badge       string    `json:"badge,omitempty"`
	Doc         *DocRef   `json:"doc,omitempty"`
	Reference   *DocRef   `json:"reference,omitempty"`
	Extra       []Extra   `json:"extra,omitempty"`
	Tag         string    `json:"tag,omitempty"`
	User        string    `json:"user,omitempty"`
}

// CurrencyTotals sums the visit's invoices in one currency
type CurrencyTotals struct {
	Currency         string          `json:"currency"`
	TotalBilled      decimal.Decimal `json:"total_billed"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
}

// VisitLog is the timeline of an appointment
type VisitLog struct {
	Entries          []Entry          `json:"entries"`
	FinancialSummary []CurrencyTotals `json:"financial_summary"`
	LatestStatus     string           `json:"latest_status"`
}

// VisitLog builds the status, billing and payment timeline of an appointment.
func (s *Service) VisitLog(ctx context.Context, appointmentID string) (*VisitLog, error) {
	ctx, span := s.tracer.Start(ctx, "overview.visit_log",
		trace.WithAttributes(attribute.String("appointment_id", appointmentID)))
	defer span.End()

	if appointmentID == "" {
		return nil, apperr.MissingFields("appointment")
	}
	agg, err := s.deps.Appointments.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	appt := agg.State()

	var entries []Entry
	add := func(e Entry) {
		if e.Timestamp.IsZero() {
			e.Timestamp = appt.CreatedAt
		}
		at := e.Timestamp.In(s.loc)
		e.Date = at.Format(time.DateOnly)
		e.Time = at.Format("15:04")
		entries = append(entries, e)
	}

	current := string(appt.VisitStatus)
	if current == "" {
		current = string(appt.BookingStatus)
	}
	for _, l := range appt.TimeLogs {
		add(Entry{
			Type:      EntryStatus,
			Timestamp: l.Time,
			Title:     fmt.Sprintf("Status updated to %s", l.Status),
			Badge:     string(l.Status),
		})
	}
	if len(appt.TimeLogs) == 0 {
		status := current
		if status == "" {
			status = "Unknown"
		}
		add(Entry{
			Type:      EntryStatus,
			Timestamp: appt.UpdatedAt,
			Title:     fmt.Sprintf("Current status: %s", status),
			Badge:     status,
		})
	}

	labels := map[string]string{}
	var names []string
	if appt.PatientInvoice != "" {
		labels[appt.PatientInvoice] = "Patient Invoice"
		names = append(names, appt.PatientInvoice)
	}
	if appt.InsuranceInvoice != "" {
		if _, ok := labels[appt.InsuranceInvoice]; !ok {
			labels[appt.InsuranceInvoice] = "Insurance Invoice"
			names = append(names, appt.InsuranceInvoice)
		}
	}

	var summary []CurrencyTotals
	totals := map[string]int{}
	invoices := map[string]*invoice.SalesInvoice{}
	for _, name := range names {
		inv, err := s.deps.Invoices.Find(ctx, name)
		if err != nil {
			return nil, err
		}
		if inv == nil {
			continue
		}
		invoices[name] = inv
		label := labels[name]

		parts := []string{"Total " + money(inv.GrandTotal, inv.Currency)}
		if !inv.PaidAmount.IsZero() {
			parts = append(parts, "Paid "+money(inv.PaidAmount, inv.Currency))
		}
		if !inv.Outstanding.IsZero() {
			parts = append(parts, "Outstanding "+money(inv.Outstanding, inv.Currency))
		}
		ts := inv.PostingDate
		if ts.IsZero() {
			ts = inv.CreatedAt
		}
		add(Entry{
			Type:        EntryBilling,
			Timestamp:   ts,
			Title:       label + " " + inv.ID,
			Description: strings.Join(parts, " | "),
			Badge:       inv.Status,
			Doc:         &DocRef{DocType: "Sales Invoice", Name: inv.ID, Label: inv.ID},
			Tag:         label,
			User:        inv.CreatedBy,
		})

		i, ok := totals[inv.Currency]
		if !ok {
			i = len(summary)
			totals[inv.Currency] = i
			summary = append(summary, CurrencyTotals{Currency: inv.Currency})
		}
		summary[i].TotalBilled = summary[i].TotalBilled.Add(inv.GrandTotal)
		summary[i].TotalPaid = summary[i].TotalPaid.Add(inv.PaidAmount)
		summary[i].TotalOutstanding = summary[i].TotalOutstanding.Add(inv.Outstanding)
	}

	if len(invoices) > 0 {
		payments, err := s.deps.Invoices.PaymentsFor(ctx, names)
		if err != nil {
			return nil, err
		}
		for _, p := range payments {
			extra := []Extra{{Label: "Invoice Type", Value: labels[p.Invoice]}}
			if p.Payment.Mode != "" {
				extra = append(extra, Extra{Label: "Mode", Value: p.Payment.Mode})
			}
			if p.Payment.ReferenceNo != "" {
				extra = append(extra, Extra{Label: "Reference No.", Value: p.Payment.ReferenceNo})
			}
			add(Entry{
				Type:        EntryPayment,
				Timestamp:   p.CreatedAt,
				Title:       fmt.Sprintf("Payment on %s", p.Invoice),
				Description: fmt.Sprintf("Applied %s to %s", money(p.Payment.Amount, p.Currency), p.Invoice),
				Badge:       "Paid",
				Reference:   &DocRef{DocType: "Sales Invoice", Name: p.Invoice, Label: p.Invoice},
				Extra:       extra,
				User:        p.CreatedBy,
			})
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if summary == nil {
		summary = []CurrencyTotals{}
	}
	return &VisitLog{Entries: entries, FinancialSummary: summary, LatestStatus: current}, nil
}

func money(d decimal.Decimal, currency string) string {
	if currency == "" {
		return d.StringFixed(2)
	}
	return currency + " " + d.StringFixed(2)
}
