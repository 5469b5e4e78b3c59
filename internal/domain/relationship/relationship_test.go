package relationship

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/patient"
)

func TestInverseOf(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Father", "Child"},
		{"mother", "Child"},
		{" DAUGHTER ", "Parent"},
		{"Husband", "Wife"},
		{"wife", "Husband"},
		{"Spouse", "Spouse"},
		{"brother", "Sibling"},
		{"Guardian", "Ward"},
		{"ward", "Guardian"},
		{"  Cousin ", "Cousin"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := InverseOf(tt.in); got != tt.want {
			t.Errorf("InverseOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	r := Relationship{Patient: " P1 ", RelatedPatient: "P2", Relation: " Father "}
	if err := r.Normalize(); err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if r.Patient != "P1" || r.Relation != "Father" || r.InverseRelation != "Child" {
		t.Errorf("unexpected normalized relationship: %+v", r)
	}

	self := Relationship{Patient: "P1", RelatedPatient: "P1", Relation: "Other"}
	err := self.Normalize()
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := apperr.As(err).Message; got != "You cannot relate a patient to themselves." {
		t.Errorf("message = %q", got)
	}

	missing := Relationship{Patient: "P1", RelatedPatient: "P2", Relation: "  "}
	if err := missing.Normalize(); !apperr.IsValidation(err) {
		t.Errorf("expected validation error for blank relation, got %v", err)
	}
}

func TestReciprocal(t *testing.T) {
	r := Relationship{Patient: "P1", RelatedPatient: "P2", Relation: "Mother", Notes: "n"}
	got := r.Reciprocal()
	want := Relationship{Patient: "P2", RelatedPatient: "P1", Relation: "Child", InverseRelation: "Parent", Notes: "n"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Reciprocal() mismatch (-want +got):\n%s", diff)
	}
	if !r.InSyncWith(got) {
		t.Error("expected reciprocal to be in sync")
	}
	// rows mirrored with the source label as their inverse are rewritten
	if r.InSyncWith(Relationship{Relation: "Child", InverseRelation: "Mother"}) {
		t.Error("source-labelled reciprocal reported in sync")
	}
	if r.InSyncWith(Relationship{Relation: "Parent", InverseRelation: "Child"}) {
		t.Error("stale reciprocal reported in sync")
	}
}

func TestReciprocalMatchesNormalizedMirror(t *testing.T) {
	for _, label := range []string{"Father", "Daughter", "Husband", "Guardian", "Cousin"} {
		r := Relationship{Patient: "P1", RelatedPatient: "P2", Relation: label}
		mirror := r.Reciprocal()
		normalized := mirror
		if err := normalized.Normalize(); err != nil {
			t.Fatalf("%s: Normalize() error = %v", label, err)
		}
		if diff := cmp.Diff(normalized, mirror); diff != "" {
			t.Errorf("%s: mirror differs from its normalized form (-want +got):\n%s", label, diff)
		}
	}
}

func TestDuplicateError(t *testing.T) {
	err := DuplicateError("P1", "P2", "REL-1")
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	want := "A relationship between P1 and P2 already exists (record: REL-1)."
	if got := apperr.As(err).Message; got != want {
		t.Errorf("message = %q, want %q", got, want)
	}
}

func TestCombine(t *testing.T) {
	on := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	dob := time.Date(2016, 8, 1, 0, 0, 0, 0, time.UTC)
	age := 9

	forward := []Relationship{
		{Patient: "P1", RelatedPatient: "P2", Relation: "Father", Notes: "primary"},
	}
	reverse := []Relationship{
		// mirror of the forward row, deduplicated
		{Patient: "P2", RelatedPatient: "P1", Relation: "Child", InverseRelation: "Parent"},
		// legacy row without stored inverse
		{Patient: "P3", RelatedPatient: "P1", Relation: "Wife"},
	}
	details := map[string]patient.Patient{
		"P2": {ID: "P2", PatientName: "Sara", Sex: "Female", DOB: &dob, FileNumber: "F-2"},
	}

	got := Combine(forward, reverse, details, on)
	want := []Relation{
		{Source: "P1", Patient: "P2", Relation: "Father", Description: "primary", PatientName: "Sara",
			Gender: "Female", DOB: &dob, Age: &age, FileNumber: "F-2"},
		{Source: "P1", Patient: "P3", Relation: "Husband", PatientName: "P3"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Combine() mismatch (-want +got):\n%s", diff)
	}
}
