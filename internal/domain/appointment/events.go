// Package appointment implements the patient appointment aggregate and its domain events.
package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType represents the type of domain event
type EventType string

const (
	EventAppointmentCreated     EventType = "AppointmentCreated"
	EventVisitStatusChanged     EventType = "VisitStatusChanged"
	EventAppointmentCancelled   EventType = "AppointmentCancelled"
	EventBillingItemAdded       EventType = "BillingItemAdded"
	EventBillingItemRemoved     EventType = "BillingItemRemoved"
	EventBillingItemQtyChanged  EventType = "BillingItemQtyChanged"
	EventBillingRateOverridden  EventType = "BillingRateOverridden"
	EventInvoicesLinked         EventType = "InvoicesLinked"
	EventBillingStatusChanged   EventType = "BillingStatusChanged"
	EventInsuranceStatusChanged EventType = "InsuranceStatusChanged"
	EventInsurancePolicyChanged EventType = "InsurancePolicyChanged"
)

// AggregateType is the outbox aggregate type for appointments.
const AggregateType = "PatientAppointment"

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Actor         string          `json:"actor,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: AggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// CreatedData contains appointment booking details
type CreatedData struct {
	Patient          string        `json:"patient"`
	PatientName      string        `json:"patient_name"`
	Practitioner     string        `json:"practitioner"`
	PractitionerName string        `json:"practitioner_name"`
	Company          string        `json:"company"`
	AppointmentType  string        `json:"appointment_type"`
	Department       string        `json:"department,omitempty"`
	ServiceUnit      string        `json:"service_unit,omitempty"`
	StartsAt         time.Time     `json:"starts_at"`
	DurationMinutes  int           `json:"duration"`
	BookingStatus    BookingStatus `json:"status"`
	PaymentType      PaymentType   `json:"payment_type"`
	InsurancePolicy  string        `json:"insurance_policy,omitempty"`
	VisitReason      string        `json:"visit_reason,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// VisitStatusChangedData records a visit status transition
type VisitStatusChangedData struct {
	Old VisitStatus `json:"old_status"`
	New VisitStatus `json:"new_status"`
	At  time.Time   `json:"time"`
}

// CancelledData records a booking cancellation
type CancelledData struct {
	At time.Time `json:"time"`
}

// BillingItemAddedData carries the added row
type BillingItemAddedData struct {
	Item BillingItem `json:"item"`
}

// BillingItemRemovedData identifies the removed row
type BillingItemRemovedData struct {
	ItemID string `json:"item_id"`
}

// BillingItemQtyChangedData carries the new quantity
type BillingItemQtyChangedData struct {
	ItemID string          `json:"item_id"`
	Qty    decimal.Decimal `json:"qty"`
}

// BillingRateOverriddenData carries an override; a zero rate clears it
type BillingRateOverriddenData struct {
	ItemID string          `json:"item_id"`
	Rate   decimal.Decimal `json:"rate"`
	Reason string          `json:"reason,omitempty"`
	By     string          `json:"by,omitempty"`
}

// InvoicesLinkedData links generated invoices
type InvoicesLinkedData struct {
	PatientInvoice   string `json:"patient_invoice,omitempty"`
	InsuranceInvoice string `json:"insurance_invoice,omitempty"`
}

// BillingStatusChangedData records a billing status transition
type BillingStatusChangedData struct {
	Old BillingStatus `json:"old_status"`
	New BillingStatus `json:"new_status"`
}

// InsuranceStatusChangedData records the claim status mirrored on the appointment
type InsuranceStatusChangedData struct {
	Status string `json:"status"`
}

// InsurancePolicyChangedData records a policy switch
type InsurancePolicyChangedData struct {
	Old string `json:"old_policy,omitempty"`
	New string `json:"new_policy,omitempty"`
}

// eventPayload is the outbox message body for an event
func eventPayload(e *Event) ([]byte, error) {
	return json.Marshal(e)
}
