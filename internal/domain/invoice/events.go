package invoice

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a billing event relayed to Kafka
type EventType string

const (
	EventInvoiceSaved     EventType = "InvoiceSaved"
	EventInvoiceSubmitted EventType = "InvoiceSubmitted"
	EventPaymentRecorded  EventType = "PaymentRecorded"
	EventClaimCreated     EventType = "ClaimCreated"
	EventClaimUpdated     EventType = "ClaimUpdated"
)

// Outbox aggregate types.
const (
	AggregateInvoice = "SalesInvoice"
	AggregateClaim   = "InsuranceClaim"
)

// Event is the message body for billing events
type Event struct {
	ID          string          `json:"id"`
	EventType   EventType       `json:"event_type"`
	Reference   string          `json:"reference"`
	Kind        Kind            `json:"kind,omitempty"`
	Patient     string          `json:"patient,omitempty"`
	Status      string          `json:"status"`
	GrandTotal  decimal.Decimal `json:"grand_total"`
	Outstanding decimal.Decimal `json:"outstanding_amount"`
	Timestamp   time.Time       `json:"timestamp"`
}

func invoiceEvent(inv *SalesInvoice, t EventType) *Event {
	return &Event{
		ID:          uuid.New().String(),
		EventType:   t,
		Reference:   inv.ID,
		Kind:        inv.Kind,
		Patient:     inv.Patient,
		Status:      inv.Status,
		GrandTotal:  inv.GrandTotal,
		Outstanding: inv.Outstanding,
		Timestamp:   time.Now().UTC(),
	}
}

func claimEvent(c *Claim, t EventType) *Event {
	total := decimal.Zero
	for _, cov := range c.Coverages {
		total = total.Add(cov.CoverageAmount)
	}
	return &Event{
		ID:         uuid.New().String(),
		EventType:  t,
		Reference:  c.ID,
		Patient:    c.Patient,
		Status:     c.EffectiveStatus(),
		GrandTotal: total,
		Timestamp:  time.Now().UTC(),
	}
}
