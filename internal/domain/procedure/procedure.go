// Package procedure models clinical procedures and their consent requirement.
package procedure

import (
	"fmt"
	"strings"
	"time"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Status of a clinical procedure
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In Progress"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
)

// Procedure is a clinical procedure performed on a patient
type Procedure struct {
	ID           string     `json:"name"`
	Patient      string     `json:"patient"`
	PatientName  string     `json:"patient_name,omitempty"`
	Appointment  string     `json:"appointment,omitempty"`
	Encounter    string     `json:"encounter,omitempty"`
	Template     string     `json:"procedure_template"`
	Practitioner string     `json:"practitioner,omitempty"`
	Company      string     `json:"company,omitempty"`
	Status       Status     `json:"status"`
	DocStatus    int        `json:"docstatus"`
	ConsentForm  string     `json:"consent_form,omitempty"`
	StartAt      *time.Time `json:"start_time,omitempty"`
	CreatedAt    time.Time  `json:"creation"`
	UpdatedAt    time.Time  `json:"modified"`
}

// Template describes a procedure type: what it bills and whether it needs consent
type Template struct {
	Name            string `json:"name"`
	ItemCode        string `json:"item_code,omitempty"`
	ItemName        string `json:"item_name,omitempty"`
	RequiresConsent bool   `json:"custom_requires_consent"`
	ConsentTemplate string `json:"custom_consent_form_template,omitempty"`
}

// ConsentCheck holds what is known about a procedure's consent at check time.
type ConsentCheck struct {
	Template  Template
	HasSigned bool
	// Fallback is the suggested consent template when the procedure
	// template does not name one.
	Fallback string
}

// ConsentRequiredError builds the error shown when a signed consent is missing.
func ConsentRequiredError(hint string) error {
	suffix := ""
	if hint != "" {
		suffix = fmt.Sprintf(" (suggested template: %s)", hint)
	}
	msg := "A signed consent form is required before continuing. Create one from the Consent Form button" + suffix + "."
	return apperr.Validation(msg, map[string]string{"consent_form": "required"})
}

// RequireSignedConsent fails when the template needs consent and none is submitted.
func RequireSignedConsent(c ConsentCheck) error {
	if !c.Template.RequiresConsent || c.HasSigned {
		return nil
	}
	hint := c.Template.ConsentTemplate
	if hint == "" {
		hint = c.Fallback
	}
	return ConsentRequiredError(hint)
}

// Validate checks the fields needed to save a procedure.
func (p *Procedure) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Patient) == "" {
		missing = append(missing, "Patient")
	}
	if strings.TrimSpace(p.Template) == "" {
		missing = append(missing, "Procedure Template")
	}
	if len(missing) > 0 {
		return apperr.MissingFields(missing...)
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	return nil
}

// Start begins the procedure once consent is satisfied.
func (p *Procedure) Start(c ConsentCheck, at time.Time) error {
	if p.DocStatus == 2 || p.Status == StatusCancelled {
		return apperr.Conflict("Cannot start a cancelled procedure")
	}
	if err := RequireSignedConsent(c); err != nil {
		return err
	}
	at = at.UTC()
	p.Status = StatusInProgress
	p.StartAt = &at
	return nil
}

// Submit completes the procedure once consent is satisfied.
func (p *Procedure) Submit(c ConsentCheck) error {
	if p.DocStatus != 0 {
		return apperr.Conflict(fmt.Sprintf("Clinical Procedure %s is already submitted", p.ID))
	}
	if err := RequireSignedConsent(c); err != nil {
		return err
	}
	p.Status = StatusCompleted
	p.DocStatus = 1
	return nil
}
