// Package consent implements consent forms collected before clinical procedures.
package consent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"time"

	"github.com/Masterminds/sprig/v3"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Form statuses
const (
	StatusDraft  = "Draft"
	StatusSigned = "Signed"
)

// Form is a patient consent form, optionally tied to a clinical procedure
type Form struct {
	ID                string     `json:"name"`
	Patient           string     `json:"patient"`
	PatientName       string     `json:"patient_name,omitempty"`
	Encounter         string     `json:"encounter,omitempty"`
	Company           string     `json:"company,omitempty"`
	ClinicalProcedure string     `json:"clinical_procedure,omitempty"`
	ProcedureTemplate string     `json:"procedure_template,omitempty"`
	Template          string     `json:"consent_form_template,omitempty"`
	RenderedHTML      string     `json:"rendered_html,omitempty"`
	Signature         string     `json:"signature,omitempty"`
	SignedBy          string     `json:"signed_by,omitempty"`
	SignedByUser      string     `json:"signed_by_user,omitempty"`
	SignedOn          *time.Time `json:"signed_on,omitempty"`
	Status            string     `json:"status"`
	DocStatus         int        `json:"docstatus"`
	CreatedAt         time.Time  `json:"creation"`
	UpdatedAt         time.Time  `json:"modified"`
}

// Template is a reusable consent text
type Template struct {
	Name              string    `json:"name"`
	Title             string    `json:"title"`
	ProcedureTemplate string    `json:"procedure_template,omitempty"`
	IsDefault         bool      `json:"is_default"`
	HTML              string    `json:"template_html,omitempty"`
	UpdatedAt         time.Time `json:"modified"`
}

// Validate normalizes the status and checks signature fields when the form
// is signed or submitted.
func (f *Form) Validate() error {
	if f.DocStatus == 0 {
		f.Status = StatusDraft
	}
	if f.Signature != "" && f.Status == StatusDraft {
		f.Status = StatusSigned
	}
	if f.DocStatus == 1 || f.Status == StatusSigned {
		return f.requireSignature()
	}
	return nil
}

// Submit signs and submits the form on behalf of user.
func (f *Form) Submit(user string, now time.Time) error {
	if f.DocStatus != 0 {
		return apperr.Conflict(fmt.Sprintf("Consent Form %s is already submitted", f.ID))
	}
	if err := f.requireSignature(); err != nil {
		return err
	}
	f.Status = StatusSigned
	if f.SignedOn == nil {
		at := now.UTC()
		f.SignedOn = &at
	}
	if f.SignedByUser == "" {
		f.SignedByUser = user
	}
	f.DocStatus = 1
	return nil
}

func (f *Form) requireSignature() error {
	var missing []string
	if f.Signature == "" {
		missing = append(missing, "Signature")
	}
	if f.SignedBy == "" {
		missing = append(missing, "Signed By")
	}
	if len(missing) > 0 {
		return apperr.MissingFields(missing...)
	}
	return nil
}

// RenderContext builds the variables available to consent templates.
// The patient is exposed with its JSON field names.
func RenderContext(patient any, patientName, procedureTemplate, company string, now time.Time) (map[string]any, error) {
	fields := map[string]any{}
	if patient != nil {
		raw, err := json.Marshal(patient)
		if err != nil {
			return nil, fmt.Errorf("encode patient: %w", err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("decode patient: %w", err)
		}
	}
	return map[string]any{
		"patient":        fields,
		"patient_name":   patientName,
		"procedure_name": procedureTemplate,
		"procedure":      procedureTemplate,
		"date":           now,
		"company":        company,
	}, nil
}

// Render executes the template HTML against ctx and stores the result on the form.
func (f *Form) Render(t Template, ctx map[string]any) error {
	tmpl, err := template.New(t.Name).Funcs(sprig.FuncMap()).Parse(t.HTML)
	if err != nil {
		return apperr.Validation(fmt.Sprintf("Consent Form Template %s is invalid: %v", t.Name, err),
			map[string]string{"consent_form_template": "invalid"})
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return apperr.Validation(fmt.Sprintf("Failed to render Consent Form Template %s: %v", t.Name, err),
			map[string]string{"consent_form_template": "render"})
	}
	f.RenderedHTML = buf.String()
	if f.ProcedureTemplate == "" {
		f.ProcedureTemplate = t.ProcedureTemplate
	}
	return nil
}

// NeedsRender reports whether the form should be rendered before insert.
func (f *Form) NeedsRender() bool {
	return f.RenderedHTML == "" && f.Template != ""
}

// PickTemplate selects the consent template for a procedure template:
// the preferred one named by the procedure template, else the default
// scoped template, else any scoped template.
func PickTemplate(preferred string, scoped []Template) string {
	if preferred != "" {
		return preferred
	}
	for _, t := range scoped {
		if t.IsDefault {
			return t.Name
		}
	}
	if len(scoped) > 0 {
		return scoped[0].Name
	}
	return ""
}

// Summary is an existing consent listed in the procedure options.
type Summary struct {
	Name      string `json:"name"`
	Template  string `json:"consent_form_template,omitempty"`
	SignedBy  string `json:"signed_by,omitempty"`
	Status    string `json:"status"`
	DocStatus int    `json:"docstatus"`
}

// TemplateOption is a consent template offered for a procedure.
type TemplateOption struct {
	Name              string `json:"name"`
	Title             string `json:"title"`
	ProcedureTemplate string `json:"procedure_template,omitempty"`
}

// Options lists the templates and existing consents for a procedure.
type Options struct {
	Templates []TemplateOption `json:"templates"`
	Consents  []Summary        `json:"consents"`
}
