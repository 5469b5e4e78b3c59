package handlers

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/documents"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/relationship"
	"github.com/dohealth/clinicflow/internal/overview"
)

type fakeOverview struct{ appointment string }

func (f *fakeOverview) Patient(ctx context.Context, patientID, appointmentID string) (*overview.PatientOverview, error) {
	f.appointment = appointmentID
	return &overview.PatientOverview{Relations: []relationship.Relation{}}, nil
}

type fakeRelationships struct{ created relationship.Relationship }

func (f *fakeRelationships) Create(ctx context.Context, rel relationship.Relationship) (*relationship.Relationship, error) {
	if err := rel.Normalize(); err != nil {
		return nil, err
	}
	f.created = rel
	return &rel, nil
}

func (f *fakeRelationships) Update(ctx context.Context, id, relation string, notes *string) (*relationship.Relationship, error) {
	return &relationship.Relationship{ID: id, Relation: relation}, nil
}

func (f *fakeRelationships) Delete(ctx context.Context, id string) error {
	return apperr.NotFound("Patient Relationship", id)
}

func (f *fakeRelationships) ForPatient(ctx context.Context, patientID string, on time.Time) ([]relationship.Relation, error) {
	return nil, nil
}

type fakePolicies struct{ created insurance.NewPolicy }

func (f *fakePolicies) ActivePolicy(ctx context.Context, patientID, company string, on time.Time) (*insurance.Policy, error) {
	if patientID != "PAT-1" {
		return nil, nil
	}
	return &insurance.Policy{ID: "POL-1", Payor: "GIG", PolicyNumber: "A1"}, nil
}

func (f *fakePolicies) ListPolicies(ctx context.Context, patientID string) ([]insurance.Policy, error) {
	return nil, nil
}

func (f *fakePolicies) CreatePolicy(ctx context.Context, n insurance.NewPolicy) (*insurance.Policy, error) {
	f.created = n
	return &insurance.Policy{ID: "POL-2", Patient: n.Patient}, nil
}

func (f *fakePolicies) UpdatePolicy(ctx context.Context, id string, u insurance.PolicyUpdate) (*insurance.Policy, error) {
	return &insurance.Policy{ID: id}, nil
}

type fakeDocuments struct {
	uploaded documents.UploadRequest
	body     string
	owner    string
}

func (f *fakeDocuments) List(ctx context.Context, patientID string) (*documents.Listing, error) {
	return &documents.Listing{Documents: []documents.Group{}}, nil
}

func (f *fakeDocuments) Upload(ctx context.Context, req documents.UploadRequest, owner string) (*documents.File, error) {
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.uploaded, f.body, f.owner = req, string(b), owner
	return &documents.File{ID: "F-1", FileName: req.FileName}, nil
}

func (f *fakeDocuments) DownloadURL(ctx context.Context, fileID string) (string, error) {
	if fileID != "F-1" {
		return "", apperr.NotFound("File", fileID)
	}
	return "https://files.example/F-1?sig=abc", nil
}

func (f *fakeDocuments) Delete(ctx context.Context, fileID string) error { return nil }

type fakeNotifier struct{ docType string }

func (f *fakeNotifier) NotifyUpdated(ctx context.Context, docType string, doc interface{}) bool {
	f.docType = docType
	return docType == "Patient"
}

type patientFixture struct {
	h        *PatientHandler
	overview *fakeOverview
	rels     *fakeRelationships
	policies *fakePolicies
	docs     *fakeDocuments
	notifier *fakeNotifier
}

func newPatientFixture() *patientFixture {
	f := &patientFixture{
		overview: &fakeOverview{},
		rels:     &fakeRelationships{},
		policies: &fakePolicies{},
		docs:     &fakeDocuments{},
		notifier: &fakeNotifier{},
	}
	f.h = NewPatientHandler(PatientDeps{
		Overview:      f.overview,
		Relationships: f.rels,
		Policies:      f.policies,
		Documents:     f.docs,
		Notifier:      f.notifier,
	}, nil)
	return f
}

func TestPatientOverviewAndRelationships(t *testing.T) {
	f := newPatientFixture()
	routes := f.h.Routes()

	if rec := serve(t, routes, http.MethodGet, "/PAT-1/overview?appointment=APT-9", "", receptionist); rec.Code != http.StatusOK {
		t.Errorf("overview = %d", rec.Code)
	}
	if f.overview.appointment != "APT-9" {
		t.Errorf("appointment = %q", f.overview.appointment)
	}

	rec := serve(t, routes, http.MethodGet, "/PAT-1/relationships", "", receptionist)
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("relationships body = %s", rec.Body)
	}

	rec = serve(t, routes, http.MethodPost, "/PAT-1/relationships", `{"related_patient":"PAT-1","relation":"Father"}`, receptionist)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("self relation = %d, want 422", rec.Code)
	}
	rec = serve(t, routes, http.MethodPost, "/PAT-1/relationships", `{"related_patient":"PAT-2","relation":"Father"}`, receptionist)
	if rec.Code != http.StatusCreated || f.rels.created.InverseRelation != "Child" {
		t.Errorf("create relation = %d %+v", rec.Code, f.rels.created)
	}

	if rec := serve(t, f.h.RelationshipRoutes(), http.MethodDelete, "/REL-404", "", receptionist); rec.Code != http.StatusNotFound {
		t.Errorf("delete missing = %d, want 404", rec.Code)
	}
}

func TestPatientInsuranceEndpoints(t *testing.T) {
	f := newPatientFixture()
	routes := f.h.Routes()

	body := `{"insurance_payor":"GIG","policy_number":"A1","policy_expiry_date":"2027-01-31T00:00:00Z"}`
	rec := serve(t, routes, http.MethodPost, "/PAT-7/insurance-policies", body, receptionist)
	if rec.Code != http.StatusCreated || f.policies.created.Patient != "PAT-7" {
		t.Errorf("create policy = %d %+v", rec.Code, f.policies.created)
	}
	if rec := serve(t, routes, http.MethodPost, "/PAT-7/insurance-policies", `{"insurance_payor":"GIG"}`, receptionist); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("incomplete policy = %d, want 422", rec.Code)
	}

	var summary insurance.Summary
	decodeBody(t, serve(t, routes, http.MethodGet, "/PAT-1/insurance-policies/active", "", receptionist), &summary)
	if summary.Name != "POL-1" || summary.Payor != "GIG" {
		t.Errorf("active = %+v", summary)
	}
	rec = serve(t, routes, http.MethodGet, "/PAT-2/insurance-policies/active", "", receptionist)
	if strings.TrimSpace(rec.Body.String()) != "null" {
		t.Errorf("no active policy body = %s", rec.Body)
	}
}

func TestDocumentUploadAndDownload(t *testing.T) {
	f := newPatientFixture()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("doctype", documents.DocAppointment)
	mw.WriteField("docname", "APT-1")
	part, err := mw.CreateFormFile("file", "referral.pdf")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("%PDF"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/PAT-1/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = req.WithContext(auth.WithUser(req.Context(), receptionist))
	rec := httptest.NewRecorder()
	f.h.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("upload = %d %s", rec.Code, rec.Body)
	}
	up := f.docs.uploaded
	if up.Patient != "PAT-1" || up.DocType != documents.DocAppointment || up.FileName != "referral.pdf" || f.docs.body != "%PDF" {
		t.Errorf("uploaded = %+v body %q", up, f.docs.body)
	}
	if f.docs.owner != receptionist.ID {
		t.Errorf("owner = %q", f.docs.owner)
	}

	rec = serve(t, f.h.DocumentRoutes(), http.MethodGet, "/F-1/download", "", receptionist)
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "https://files.example/F-1?sig=abc" {
		t.Errorf("download = %d location %q", rec.Code, rec.Header().Get("Location"))
	}
	if rec := serve(t, f.h.DocumentRoutes(), http.MethodGet, "/F-9/download", "", receptionist); rec.Code != http.StatusNotFound {
		t.Errorf("download missing = %d", rec.Code)
	}
}

func TestPatientNotify(t *testing.T) {
	f := newPatientFixture()
	routes := f.h.Routes()

	if rec := serve(t, routes, http.MethodPost, "/PAT-1/events", `{"doctype":"Patient","name":"PAT-1"}`, receptionist); rec.Code != http.StatusAccepted {
		t.Errorf("notify = %d", rec.Code)
	}
	if rec := serve(t, routes, http.MethodPost, "/PAT-1/events", `{"doctype":"Lab Test","name":"LT-1"}`, receptionist); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("unsupported doctype = %d, want 422", rec.Code)
	}
}
