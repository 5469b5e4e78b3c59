package appointment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// VisitStatus tracks where the patient is in the clinic
type VisitStatus string

const (
	VisitScheduled VisitStatus = "Scheduled"
	VisitArrived   VisitStatus = "Arrived"
	VisitInRoom    VisitStatus = "In Room"
	VisitCompleted VisitStatus = "Completed"
	VisitNoShow    VisitStatus = "No Show"
	VisitCancelled VisitStatus = "Cancelled"
)

// VisitStatuses lists the accepted visit statuses.
var VisitStatuses = []VisitStatus{VisitScheduled, VisitArrived, VisitInRoom, VisitCompleted, VisitNoShow, VisitCancelled}

// Valid reports whether s is a known visit status
func (s VisitStatus) Valid() bool {
	for _, v := range VisitStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// BookingStatus is the booking state of the appointment
type BookingStatus string

const (
	BookingScheduled BookingStatus = "Scheduled"
	BookingOpen      BookingStatus = "Open"
	BookingWalkedIn  BookingStatus = "Walked In"
	BookingConfirmed BookingStatus = "Confirmed"
	BookingClosed    BookingStatus = "Closed"
	BookingCancelled BookingStatus = "Cancelled"
)

// PaymentType decides which price list and invoices apply
type PaymentType string

const (
	PaymentSelf      PaymentType = "Self Payment"
	PaymentInsurance PaymentType = "Insurance"
)

// IsInsurance reports whether the payment type routes through insurance.
func (p PaymentType) IsInsurance() bool {
	return strings.Contains(strings.ToLower(string(p)), "insur")
}

// BillingStatus summarises the patient invoice state
type BillingStatus string

const (
	BillingNotBilled     BillingStatus = "Not Billed"
	BillingNotPaid       BillingStatus = "Not Paid"
	BillingPartiallyPaid BillingStatus = "Partially Paid"
	BillingPaid          BillingStatus = "Paid"
	BillingCancelled     BillingStatus = "Cancelled"
)

// TimeLog is one visit status transition
type TimeLog struct {
	Status VisitStatus `json:"status"`
	Time   time.Time   `json:"time"`
}

// BillingItem is a billable row attached to the appointment
type BillingItem struct {
	ID             string          `json:"id"`
	ItemCode       string          `json:"item_code"`
	ItemName       string          `json:"item_name,omitempty"`
	Qty            decimal.Decimal `json:"qty"`
	OverrideRate   decimal.Decimal `json:"override_rate"`
	OverrideReason string          `json:"override_reason,omitempty"`
	OverrideBy     string          `json:"override_by,omitempty"`
}

// HasOverride reports whether a positive override rate is set.
func (b BillingItem) HasOverride() bool {
	return b.OverrideRate.IsPositive()
}

// State is the persisted appointment state
type State struct {
	ID               string        `json:"name"`
	Patient          string        `json:"patient"`
	PatientName      string        `json:"patient_name"`
	Practitioner     string        `json:"practitioner"`
	PractitionerName string        `json:"practitioner_name"`
	Company          string        `json:"company"`
	AppointmentType  string        `json:"appointment_type"`
	Department       string        `json:"department,omitempty"`
	ServiceUnit      string        `json:"service_unit,omitempty"`
	StartsAt         time.Time     `json:"appointment_datetime"`
	DurationMinutes  int           `json:"duration"`
	BookingStatus    BookingStatus `json:"status"`
	VisitStatus      VisitStatus   `json:"custom_visit_status"`
	PaymentType      PaymentType   `json:"custom_payment_type"`
	InsurancePolicy  string        `json:"insurance_policy,omitempty"`
	BillingStatus    BillingStatus `json:"custom_billing_status"`
	PatientInvoice   string        `json:"ref_sales_invoice,omitempty"`
	InsuranceInvoice string        `json:"custom_insurance_sales_invoice,omitempty"`
	InsuranceStatus  string        `json:"custom_insurance_status,omitempty"`
	VisitReason      string        `json:"custom_visit_reason,omitempty"`
	Notes            string        `json:"notes,omitempty"`
	TimeLogs         []TimeLog     `json:"custom_appointment_time_logs"`
	BillingItems     []BillingItem `json:"custom_billing_items"`
	Version          int           `json:"version"`
	CreatedAt        time.Time     `json:"creation"`
	UpdatedAt        time.Time     `json:"modified"`
}

// EndsAt returns the end of the booked slot.
func (s State) EndsAt() time.Time {
	return s.StartsAt.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// LastArrival returns the latest Arrived time log, if any.
func (s State) LastArrival() (time.Time, bool) {
	var last time.Time
	found := false
	for _, l := range s.TimeLogs {
		if l.Status == VisitArrived && (!found || l.Time.After(last)) {
			last = l.Time
			found = true
		}
	}
	return last, found
}

// Item returns the billing row with the given id.
func (s State) Item(id string) (BillingItem, bool) {
	for _, it := range s.BillingItems {
		if it.ID == id {
			return it, true
		}
	}
	return BillingItem{}, false
}

// Aggregate represents the appointment aggregate root
type Aggregate struct {
	state   State
	changes []*Event
}

// NewAggregate creates a new appointment aggregate
func NewAggregate(id string) *Aggregate {
	return &Aggregate{
		state: State{
			ID:            id,
			VisitStatus:   VisitScheduled,
			BillingStatus: BillingNotBilled,
		},
		changes: make([]*Event, 0),
	}
}

// Rehydrate rebuilds an aggregate from persisted state
func Rehydrate(state State) *Aggregate {
	return &Aggregate{state: state, changes: make([]*Event, 0)}
}

// ID returns the aggregate ID
func (a *Aggregate) ID() string { return a.state.ID }

// Version returns the current version
func (a *Aggregate) Version() int { return a.state.Version }

// VisitStatus returns the current visit status
func (a *Aggregate) VisitStatus() VisitStatus { return a.state.VisitStatus }

// State returns a copy of the current state
func (a *Aggregate) State() State {
	s := a.state
	s.TimeLogs = append([]TimeLog(nil), a.state.TimeLogs...)
	s.BillingItems = append([]BillingItem(nil), a.state.BillingItems...)
	return s
}

// Changes returns uncommitted events
func (a *Aggregate) Changes() []*Event { return a.changes }

// ClearChanges clears uncommitted events
func (a *Aggregate) ClearChanges() { a.changes = make([]*Event, 0) }

// Create books the appointment. Walk-ins are marked Arrived immediately.
func (a *Aggregate) Create(data *CreatedData) error {
	if a.state.Version != 0 {
		return apperr.Conflict("appointment already created")
	}

	var missing []string
	if strings.TrimSpace(data.Patient) == "" {
		missing = append(missing, "Patient")
	}
	if strings.TrimSpace(data.Practitioner) == "" {
		missing = append(missing, "Practitioner")
	}
	if data.StartsAt.IsZero() {
		missing = append(missing, "Appointment Date")
	}
	if len(missing) > 0 {
		return apperr.MissingFields(missing...)
	}
	if data.DurationMinutes <= 0 {
		return apperr.Validation("Duration must be greater than zero", map[string]string{"duration": "positive"})
	}
	if data.BookingStatus == "" {
		data.BookingStatus = BookingScheduled
	}
	if data.PaymentType == "" {
		data.PaymentType = PaymentSelf
	}
	if data.CreatedAt.IsZero() {
		data.CreatedAt = time.Now().UTC()
	}

	if err := a.record(EventAppointmentCreated, data); err != nil {
		return err
	}

	if data.BookingStatus == BookingWalkedIn {
		return a.ChangeVisitStatus(VisitArrived, data.CreatedAt)
	}
	return nil
}

// ChangeVisitStatus moves the visit to status and appends a time log.
// Setting the current status again is a no-op.
func (a *Aggregate) ChangeVisitStatus(status VisitStatus, at time.Time) error {
	if !status.Valid() {
		return apperr.Validation(fmt.Sprintf("unknown visit status %q", status), map[string]string{"status": "invalid"})
	}
	if status == a.state.VisitStatus {
		return nil
	}
	return a.record(EventVisitStatusChanged, &VisitStatusChangedData{
		Old: a.state.VisitStatus,
		New: status,
		At:  at.UTC(),
	})
}

// Cancel cancels the booking and the visit.
func (a *Aggregate) Cancel(at time.Time) error {
	if a.state.BookingStatus == BookingCancelled {
		return nil
	}
	if err := a.record(EventAppointmentCancelled, &CancelledData{At: at.UTC()}); err != nil {
		return err
	}
	return a.ChangeVisitStatus(VisitCancelled, at)
}

// AddBillingItem appends a billing row. Non-positive quantities become 1.
func (a *Aggregate) AddBillingItem(itemCode, itemName string, qty decimal.Decimal) (BillingItem, error) {
	itemCode = strings.TrimSpace(itemCode)
	if itemCode == "" {
		return BillingItem{}, apperr.MissingFields("Item Code")
	}
	if !qty.IsPositive() {
		qty = decimal.NewFromInt(1)
	}
	item := BillingItem{
		ID:       uuid.New().String(),
		ItemCode: itemCode,
		ItemName: itemName,
		Qty:      qty,
	}
	if err := a.record(EventBillingItemAdded, &BillingItemAddedData{Item: item}); err != nil {
		return BillingItem{}, err
	}
	return item, nil
}

// RemoveBillingItem deletes a billing row.
func (a *Aggregate) RemoveBillingItem(itemID string) error {
	if _, ok := a.state.Item(itemID); !ok {
		return apperr.NotFound("Appointment Billing Item", itemID)
	}
	return a.record(EventBillingItemRemoved, &BillingItemRemovedData{ItemID: itemID})
}

// UpdateBillingItemQty changes a row quantity. Non-positive quantities become 1.
func (a *Aggregate) UpdateBillingItemQty(itemID string, qty decimal.Decimal) error {
	if _, ok := a.state.Item(itemID); !ok {
		return apperr.NotFound("Appointment Billing Item", itemID)
	}
	if !qty.IsPositive() {
		qty = decimal.NewFromInt(1)
	}
	return a.record(EventBillingItemQtyChanged, &BillingItemQtyChangedData{ItemID: itemID, Qty: qty})
}

// OverrideBillingItemRate sets a manual rate on a row. A non-positive rate
// clears the override together with its reason and author.
func (a *Aggregate) OverrideBillingItemRate(itemID string, rate decimal.Decimal, reason, by string) error {
	if _, ok := a.state.Item(itemID); !ok {
		return apperr.NotFound("Appointment Billing Item", itemID)
	}
	data := &BillingRateOverriddenData{ItemID: itemID}
	if rate.IsPositive() {
		data.Rate = rate
		data.Reason = strings.TrimSpace(reason)
		data.By = by
	}
	return a.record(EventBillingRateOverridden, data)
}

// LinkInvoices stores the generated invoice references.
func (a *Aggregate) LinkInvoices(patientInvoice, insuranceInvoice string) error {
	if patientInvoice == a.state.PatientInvoice && insuranceInvoice == a.state.InsuranceInvoice {
		return nil
	}
	return a.record(EventInvoicesLinked, &InvoicesLinkedData{
		PatientInvoice:   patientInvoice,
		InsuranceInvoice: insuranceInvoice,
	})
}

// SetBillingStatus records a billing status change.
func (a *Aggregate) SetBillingStatus(status BillingStatus) error {
	if status == a.state.BillingStatus {
		return nil
	}
	return a.record(EventBillingStatusChanged, &BillingStatusChangedData{Old: a.state.BillingStatus, New: status})
}

// SetInsuranceStatus mirrors the insurance claim status.
func (a *Aggregate) SetInsuranceStatus(status string) error {
	if status == a.state.InsuranceStatus {
		return nil
	}
	return a.record(EventInsuranceStatusChanged, &InsuranceStatusChangedData{Status: status})
}

// ChangeInsurancePolicy switches the policy used for coverage.
func (a *Aggregate) ChangeInsurancePolicy(policy string) error {
	if policy == a.state.InsurancePolicy {
		return nil
	}
	return a.record(EventInsurancePolicyChanged, &InsurancePolicyChangedData{Old: a.state.InsurancePolicy, New: policy})
}

func (a *Aggregate) record(eventType EventType, data interface{}) error {
	event, err := NewEvent(a.state.ID, eventType, data)
	if err != nil {
		return err
	}
	if err := a.apply(event); err != nil {
		return err
	}
	a.changes = append(a.changes, event)
	return nil
}

// apply applies an event to update state
func (a *Aggregate) apply(event *Event) error {
	switch event.EventType {
	case EventAppointmentCreated:
		var data CreatedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.applyCreated(data)
	case EventVisitStatusChanged:
		var data VisitStatusChangedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.state.VisitStatus = data.New
		a.state.TimeLogs = append(a.state.TimeLogs, TimeLog{Status: data.New, Time: data.At})
	case EventAppointmentCancelled:
		a.state.BookingStatus = BookingCancelled
	case EventBillingItemAdded:
		var data BillingItemAddedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.state.BillingItems = append(a.state.BillingItems, data.Item)
	case EventBillingItemRemoved:
		var data BillingItemRemovedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		kept := make([]BillingItem, 0, len(a.state.BillingItems))
		for _, it := range a.state.BillingItems {
			if it.ID != data.ItemID {
				kept = append(kept, it)
			}
		}
		a.state.BillingItems = kept
	case EventBillingItemQtyChanged:
		var data BillingItemQtyChangedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.updateItem(data.ItemID, func(it *BillingItem) { it.Qty = data.Qty })
	case EventBillingRateOverridden:
		var data BillingRateOverriddenData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.updateItem(data.ItemID, func(it *BillingItem) {
			it.OverrideRate = data.Rate
			it.OverrideReason = data.Reason
			it.OverrideBy = data.By
		})
	case EventInvoicesLinked:
		var data InvoicesLinkedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.state.PatientInvoice = data.PatientInvoice
		a.state.InsuranceInvoice = data.InsuranceInvoice
	case EventBillingStatusChanged:
		var data BillingStatusChangedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.state.BillingStatus = data.New
	case EventInsuranceStatusChanged:
		var data InsuranceStatusChangedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.state.InsuranceStatus = data.Status
	case EventInsurancePolicyChanged:
		var data InsurancePolicyChangedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		a.state.InsurancePolicy = data.New
	default:
		return errors.New("unknown appointment event " + string(event.EventType))
	}

	a.state.Version++
	event.Version = a.state.Version
	a.state.UpdatedAt = event.Timestamp
	return nil
}

func (a *Aggregate) applyCreated(data CreatedData) {
	a.state.Patient = data.Patient
	a.state.PatientName = data.PatientName
	a.state.Practitioner = data.Practitioner
	a.state.PractitionerName = data.PractitionerName
	a.state.Company = data.Company
	a.state.AppointmentType = data.AppointmentType
	a.state.Department = data.Department
	a.state.ServiceUnit = data.ServiceUnit
	a.state.StartsAt = data.StartsAt
	a.state.DurationMinutes = data.DurationMinutes
	a.state.BookingStatus = data.BookingStatus
	a.state.VisitStatus = VisitScheduled
	a.state.PaymentType = data.PaymentType
	a.state.InsurancePolicy = data.InsurancePolicy
	a.state.BillingStatus = BillingNotBilled
	a.state.VisitReason = data.VisitReason
	a.state.Notes = data.Notes
	a.state.CreatedAt = data.CreatedAt
}

func (a *Aggregate) updateItem(id string, fn func(*BillingItem)) {
	for i := range a.state.BillingItems {
		if a.state.BillingItems[i].ID == id {
			fn(&a.state.BillingItems[i])
			return
		}
	}
}
