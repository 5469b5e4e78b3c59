// Package relationship maintains the bidirectional patient relationship graph.
package relationship

import (
	"fmt"
	"strings"
	"time"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/patient"
)

var inverseLabels = map[string]string{
	"father":   "Child",
	"mother":   "Child",
	"parent":   "Child",
	"child":    "Parent",
	"son":      "Parent",
	"daughter": "Parent",
	"husband":  "Wife",
	"wife":     "Husband",
	"spouse":   "Spouse",
	"partner":  "Partner",
	"sibling":  "Sibling",
	"brother":  "Sibling",
	"sister":   "Sibling",
	"guardian": "Ward",
	"ward":     "Guardian",
	"other":    "Other",
}

// InverseOf returns the label seen from the related patient's side.
// Unknown labels are their own inverse.
func InverseOf(relation string) string {
	label := strings.TrimSpace(relation)
	if label == "" {
		return ""
	}
	if inv, ok := inverseLabels[strings.ToLower(label)]; ok {
		return inv
	}
	return label
}

// Relationship is one directed edge from Patient to RelatedPatient.
type Relationship struct {
	ID              string    `json:"name"`
	Patient         string    `json:"patient"`
	RelatedPatient  string    `json:"related_patient"`
	Relation        string    `json:"relation"`
	InverseRelation string    `json:"inverse_relation"`
	Notes           string    `json:"notes,omitempty"`
	CreatedAt       time.Time `json:"creation"`
	UpdatedAt       time.Time `json:"modified"`
}

// Normalize trims labels, checks required fields and self references and
// sets the inverse label.
func (r *Relationship) Normalize() error {
	r.Patient = strings.TrimSpace(r.Patient)
	r.RelatedPatient = strings.TrimSpace(r.RelatedPatient)
	r.Relation = strings.TrimSpace(r.Relation)

	if r.Patient == "" || r.RelatedPatient == "" {
		return apperr.Validation("Patient and related patient are required", map[string]string{"related_patient": "required"})
	}
	if r.Patient == r.RelatedPatient {
		return apperr.Validation("You cannot relate a patient to themselves.", map[string]string{"related_patient": "self"})
	}
	if r.Relation == "" {
		return apperr.Validation("Relation is required", map[string]string{"relation": "required"})
	}
	r.InverseRelation = InverseOf(r.Relation)
	return nil
}

// Reciprocal returns the mirrored edge expected for r. Like any edge, the
// mirror's inverse label is derived from its own relation, so a Mother edge
// mirrors as Child with inverse Parent.
func (r Relationship) Reciprocal() Relationship {
	relation := InverseOf(r.Relation)
	return Relationship{
		Patient:         r.RelatedPatient,
		RelatedPatient:  r.Patient,
		Relation:        relation,
		InverseRelation: InverseOf(relation),
		Notes:           r.Notes,
	}
}

// InSyncWith reports whether other already mirrors r.
func (r Relationship) InSyncWith(other Relationship) bool {
	want := r.Reciprocal()
	return other.Relation == want.Relation && other.InverseRelation == want.InverseRelation
}

// DuplicateError is returned when the pair already has a relationship.
func DuplicateError(patientID, related, existing string) error {
	return apperr.Conflict(fmt.Sprintf("A relationship between %s and %s already exists (record: %s).",
		patientID, related, existing))
}

// Relation is a relationship as seen from one patient, enriched with the
// other patient's details.
type Relation struct {
	Source       string     `json:"source"`
	Patient      string     `json:"patient"`
	Relation     string     `json:"relation"`
	Description  string     `json:"description,omitempty"`
	PatientName  string     `json:"patient_name"`
	Gender       string     `json:"gender,omitempty"`
	DOB          *time.Time `json:"dob,omitempty"`
	Age          *int       `json:"age"`
	PatientImage string     `json:"patient_image,omitempty"`
	FileNumber   string     `json:"file_number,omitempty"`
	CPR          string     `json:"cpr,omitempty"`
}

// Combine merges edges where the patient is the source (forward) and the
// target (reverse). Reverse edges use the stored inverse label. Rows are
// deduplicated on other patient and label.
func Combine(forward, reverse []Relationship, details map[string]patient.Patient, on time.Time) []Relation {
	out := make([]Relation, 0, len(forward)+len(reverse))
	seen := make(map[[2]string]bool)

	add := func(source, other, label, notes string) {
		if other == "" {
			return
		}
		key := [2]string{other, label}
		if seen[key] {
			return
		}
		seen[key] = true

		rel := Relation{Source: source, Patient: other, Relation: label, Description: notes, PatientName: other}
		if p, ok := details[other]; ok {
			s := patient.Summarize(p, on)
			rel.PatientName = s.PatientName
			rel.Gender = s.Gender
			rel.DOB = s.DOB
			rel.Age = s.Age
			rel.PatientImage = s.Image
			rel.FileNumber = s.FileNumber
			rel.CPR = s.CPR
		}
		out = append(out, rel)
	}

	for _, r := range forward {
		add(r.Patient, r.RelatedPatient, r.Relation, r.Notes)
	}
	for _, r := range reverse {
		label := r.InverseRelation
		if label == "" {
			label = InverseOf(r.Relation)
		}
		add(r.RelatedPatient, r.Patient, label, r.Notes)
	}
	return out
}
