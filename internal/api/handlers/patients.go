package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/documents"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/relationship"
	"github.com/dohealth/clinicflow/internal/overview"
)

// OverviewReader builds the patient overview
type OverviewReader interface {
	Patient(ctx context.Context, patientID, appointmentID string) (*overview.PatientOverview, error)
}

// RelationshipStore maintains the relationship graph
type RelationshipStore interface {
	Create(ctx context.Context, rel relationship.Relationship) (*relationship.Relationship, error)
	Update(ctx context.Context, id, relation string, notes *string) (*relationship.Relationship, error)
	Delete(ctx context.Context, id string) error
	ForPatient(ctx context.Context, patientID string, on time.Time) ([]relationship.Relation, error)
}

// PolicyStore reads and writes insurance policies
type PolicyStore interface {
	ActivePolicy(ctx context.Context, patientID, company string, on time.Time) (*insurance.Policy, error)
	ListPolicies(ctx context.Context, patientID string) ([]insurance.Policy, error)
	CreatePolicy(ctx context.Context, n insurance.NewPolicy) (*insurance.Policy, error)
	UpdatePolicy(ctx context.Context, id string, u insurance.PolicyUpdate) (*insurance.Policy, error)
}

// DocumentService stores patient files
type DocumentService interface {
	List(ctx context.Context, patientID string) (*documents.Listing, error)
	Upload(ctx context.Context, req documents.UploadRequest, owner string) (*documents.File, error)
	DownloadURL(ctx context.Context, fileID string) (string, error)
	Delete(ctx context.Context, fileID string) error
}

// Notifier pushes document change notifications to the desks
type Notifier interface {
	NotifyUpdated(ctx context.Context, docType string, doc interface{}) bool
}

// MaxUploadSize bounds a document upload
const MaxUploadSize = 25 << 20

// PatientHandler handles patient endpoints
type PatientHandler struct {
	overview      OverviewReader
	relationships RelationshipStore
	policies      PolicyStore
	documents     DocumentService
	notifier      Notifier
	logger        *zap.Logger
	now           func() time.Time
}

// PatientDeps groups the services behind the patient endpoints
type PatientDeps struct {
	Overview      OverviewReader
	Relationships RelationshipStore
	Policies      PolicyStore
	Documents     DocumentService
	Notifier      Notifier
}

// NewPatientHandler creates a new handler
func NewPatientHandler(deps PatientDeps, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{
		overview:      deps.Overview,
		relationships: deps.Relationships,
		policies:      deps.Policies,
		documents:     deps.Documents,
		notifier:      deps.Notifier,
		logger:        nopIfNil(logger),
		now:           time.Now,
	}
}

// Routes returns the /patients routes
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/overview", h.Overview)
		r.Get("/relationships", h.Relationships)
		r.Post("/relationships", h.CreateRelationship)
		r.Get("/insurance-policies", h.Policies)
		r.Post("/insurance-policies", h.CreatePolicy)
		r.Get("/insurance-policies/active", h.ActivePolicy)
		r.Get("/documents", h.Documents)
		r.Post("/documents", h.Upload)
		r.Post("/events", h.Notify)
	})
	return r
}

// RelationshipRoutes returns the /relationships routes
func (h *PatientHandler) RelationshipRoutes() chi.Router {
	r := chi.NewRouter()
	r.Patch("/{id}", h.UpdateRelationship)
	r.Delete("/{id}", h.DeleteRelationship)
	return r
}

// PolicyRoutes returns the /insurance-policies routes
func (h *PatientHandler) PolicyRoutes() chi.Router {
	r := chi.NewRouter()
	r.Patch("/{id}", h.UpdatePolicy)
	return r
}

// DocumentRoutes returns the /documents routes
func (h *PatientHandler) DocumentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/download", h.Download)
	r.Delete("/{id}", h.DeleteDocument)
	return r
}

// Overview handles GET /patients/{id}/overview?appointment=
func (h *PatientHandler) Overview(w http.ResponseWriter, r *http.Request) {
	out, err := h.overview.Patient(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("appointment"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Relationships handles GET /patients/{id}/relationships
func (h *PatientHandler) Relationships(w http.ResponseWriter, r *http.Request) {
	rels, err := h.relationships.ForPatient(r.Context(), chi.URLParam(r, "id"), h.now())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if rels == nil {
		rels = []relationship.Relation{}
	}
	respondJSON(w, http.StatusOK, rels)
}

// RelationshipRequest is the body of POST /patients/{id}/relationships
type RelationshipRequest struct {
	RelatedPatient string `json:"related_patient" validate:"required"`
	Relation       string `json:"relation" validate:"required"`
	Notes          string `json:"notes"`
}

// CreateRelationship handles POST /patients/{id}/relationships
func (h *PatientHandler) CreateRelationship(w http.ResponseWriter, r *http.Request) {
	var req RelationshipRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	rel, err := h.relationships.Create(r.Context(), relationship.Relationship{
		Patient:        chi.URLParam(r, "id"),
		RelatedPatient: req.RelatedPatient,
		Relation:       req.Relation,
		Notes:          req.Notes,
	})
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, rel)
}

// RelationshipUpdate is the body of PATCH /relationships/{id}
type RelationshipUpdate struct {
	Relation string  `json:"relation"`
	Notes    *string `json:"notes"`
}

// UpdateRelationship handles PATCH /relationships/{id}
func (h *PatientHandler) UpdateRelationship(w http.ResponseWriter, r *http.Request) {
	var req RelationshipUpdate
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	rel, err := h.relationships.Update(r.Context(), chi.URLParam(r, "id"), req.Relation, req.Notes)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, rel)
}

// DeleteRelationship handles DELETE /relationships/{id}
func (h *PatientHandler) DeleteRelationship(w http.ResponseWriter, r *http.Request) {
	if err := h.relationships.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Policies handles GET /patients/{id}/insurance-policies
func (h *PatientHandler) Policies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policies.ListPolicies(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if policies == nil {
		policies = []insurance.Policy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

// CreatePolicy handles POST /patients/{id}/insurance-policies
func (h *PatientHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req insurance.NewPolicy
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	req.Patient = chi.URLParam(r, "id")
	if err := check(&req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	p, err := h.policies.CreatePolicy(r.Context(), req)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// UpdatePolicy handles PATCH /insurance-policies/{id}
func (h *PatientHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req insurance.PolicyUpdate
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	p, err := h.policies.UpdatePolicy(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ActivePolicy handles GET /patients/{id}/insurance-policies/active?company=
// and answers null when the patient has no active policy.
func (h *PatientHandler) ActivePolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policies.ActivePolicy(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("company"), h.now())
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if p == nil {
		respondJSON(w, http.StatusOK, nil)
		return
	}
	respondJSON(w, http.StatusOK, insurance.Summarize(*p))
}

// Documents handles GET /patients/{id}/documents
func (h *PatientHandler) Documents(w http.ResponseWriter, r *http.Request) {
	out, err := h.documents.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Upload handles POST /patients/{id}/documents as multipart form data with
// a "file" part and optional doctype, docname and is_private fields.
func (h *PatientHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		respondError(w, r, h.logger, apperr.BadRequest("invalid multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, h.logger, apperr.MissingFields("file"))
		return
	}
	defer file.Close()

	private, _ := strconv.ParseBool(r.FormValue("is_private"))
	f, err := h.documents.Upload(r.Context(), documents.UploadRequest{
		Patient:     chi.URLParam(r, "id"),
		DocType:     r.FormValue("doctype"),
		DocName:     r.FormValue("docname"),
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Private:     private,
		Body:        file,
	}, auth.FromContext(r.Context()).ID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, f)
}

// Download handles GET /documents/{id}/download by redirecting to a
// short-lived presigned link.
func (h *PatientHandler) Download(w http.ResponseWriter, r *http.Request) {
	url, err := h.documents.DownloadURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// DeleteDocument handles DELETE /documents/{id}
func (h *PatientHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.documents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotifyRequest is the body of POST /patients/{id}/events
type NotifyRequest struct {
	DocType string `json:"doctype" validate:"required"`
	Name    string `json:"name" validate:"required"`
}

// Notify handles POST /patients/{id}/events. Systems that change a patient,
// medication request or clinical procedure elsewhere call it so the desks refresh.
func (h *PatientHandler) Notify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	doc := map[string]string{"doctype": req.DocType, "name": req.Name, "patient": chi.URLParam(r, "id")}
	if !h.notifier.NotifyUpdated(r.Context(), req.DocType, doc) {
		respondError(w, r, h.logger, apperr.Validation("No realtime event for "+req.DocType,
			map[string]string{"doctype": "unsupported"}))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
