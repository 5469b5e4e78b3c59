// Package encounter models clinical encounters and the therapy plans they order.
package encounter

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Status of an encounter
type Status string

const (
	StatusOpen      Status = "Open"
	StatusOrdered   Status = "Ordered"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// Therapy plan statuses
const (
	TherapyNotStarted = "Not Started"
	TherapyInProgress = "In Progress"
	TherapyCompleted  = "Completed"
	TherapyCancelled  = "Cancelled"
)

// Encounter is a clinical visit record, usually linked to an appointment
type Encounter struct {
	ID               string    `json:"name"`
	Patient          string    `json:"patient"`
	Appointment      string    `json:"appointment,omitempty"`
	Practitioner     string    `json:"practitioner,omitempty"`
	PractitionerName string    `json:"practitioner_name,omitempty"`
	Company          string    `json:"company,omitempty"`
	Department       string    `json:"medical_department,omitempty"`
	AppointmentType  string    `json:"appointment_type,omitempty"`
	EncounterAt      time.Time `json:"encounter_datetime"`
	Status           Status    `json:"status"`
	DocStatus        int       `json:"docstatus"`
	Notes            string    `json:"notes,omitempty"`
	TherapyPlan      string    `json:"therapy_plan,omitempty"`
	CreatedAt        time.Time `json:"creation"`
	UpdatedAt        time.Time `json:"modified"`
}

// TherapyPlan is ordered from an encounter
type TherapyPlan struct {
	ID        string `json:"name"`
	Patient   string `json:"patient"`
	Encounter string `json:"encounter"`
	Status    string `json:"status"`
}

// Validate fills defaults and checks required fields for a new encounter.
func (e *Encounter) Validate(now time.Time) error {
	if strings.TrimSpace(e.Patient) == "" {
		return apperr.MissingFields("Patient")
	}
	if e.EncounterAt.IsZero() {
		e.EncounterAt = now.UTC()
	}
	if e.Status == "" {
		e.Status = StatusOpen
	}
	return nil
}

// Submit finalizes the encounter.
func (e *Encounter) Submit() error {
	if e.DocStatus != 0 {
		return apperr.Conflict(fmt.Sprintf("Patient Encounter %s is already submitted", e.ID))
	}
	e.DocStatus = 1
	e.Status = StatusCompleted
	return nil
}

// Cancel cancels a submitted encounter. A therapy plan that already started
// blocks cancellation; otherwise it is cancelled along with the encounter.
func (e *Encounter) Cancel(plan *TherapyPlan) error {
	if e.DocStatus != 1 {
		return apperr.Conflict(fmt.Sprintf("Patient Encounter %s must be submitted before it can be cancelled", e.ID))
	}
	if plan != nil {
		if plan.Status == TherapyInProgress || plan.Status == TherapyCompleted {
			return apperr.Conflict(fmt.Sprintf("Cannot cancel encounter with %s therapy plan %s", plan.Status, plan.ID))
		}
		plan.Status = TherapyCancelled
	}
	e.DocStatus = 2
	e.Status = StatusCancelled
	return nil
}

// EventType names an encounter lifecycle event published to Kafka
type EventType string

const (
	EventCreated   EventType = "EncounterCreated"
	EventUpdated   EventType = "EncounterUpdated"
	EventSubmitted EventType = "EncounterSubmitted"
	EventCancelled EventType = "EncounterCancelled"
)

// AggregateType is the outbox aggregate type for encounters.
const AggregateType = "PatientEncounter"

// Event is the message body relayed for encounter lifecycle changes
type Event struct {
	ID          string    `json:"id"`
	EventType   EventType `json:"event_type"`
	EncounterID string    `json:"encounter"`
	Appointment string    `json:"appointment,omitempty"`
	Patient     string    `json:"patient"`
	Company     string    `json:"company,omitempty"`
	Status      Status    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewEvent snapshots e for eventType.
func NewEvent(e *Encounter, eventType EventType) *Event {
	return &Event{
		ID:          uuid.New().String(),
		EventType:   eventType,
		EncounterID: e.ID,
		Appointment: e.Appointment,
		Patient:     e.Patient,
		Company:     e.Company,
		Status:      e.Status,
		Timestamp:   time.Now().UTC(),
	}
}

// Key partitions events by appointment so a visit's events stay ordered.
func (ev *Event) Key() string {
	if ev.Appointment != "" {
		return ev.Appointment
	}
	return ev.EncounterID
}

// ParseEvent decodes an encounter event from a Kafka message body.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode encounter event: %w", err)
	}
	if ev.EventType == "" || ev.EncounterID == "" {
		return nil, fmt.Errorf("decode encounter event: missing type or encounter")
	}
	return &ev, nil
}
