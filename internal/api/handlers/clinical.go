package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
	"github.com/dohealth/clinicflow/internal/workflow"
)

// ClinicalWorkflow drives encounters, procedures and consent forms
type ClinicalWorkflow interface {
	EncounterInserted(ctx context.Context, e *encounter.Encounter) (*encounter.Encounter, error)
	EncounterUpdated(ctx context.Context, id string, upd workflow.EncounterUpdate) (*encounter.Encounter, error)
	SubmitEncounter(ctx context.Context, id string) (*encounter.Encounter, error)
	CancelEncounter(ctx context.Context, id string) (*encounter.Encounter, error)

	ProcedureInserted(ctx context.Context, p *procedure.Procedure) (*procedure.Procedure, error)
	StartProcedure(ctx context.Context, id string) (*procedure.Procedure, error)
	SubmitProcedure(ctx context.Context, id string) (*procedure.Procedure, error)
	ConsentOptions(ctx context.Context, procedureID string) (*consent.Options, error)
	MakeConsentFromProcedure(ctx context.Context, procedureID, templateName string) (*consent.Form, error)

	CreateConsent(ctx context.Context, f *consent.Form) (*consent.Form, error)
	Consent(ctx context.Context, id string) (*consent.Form, error)
	SubmitConsent(ctx context.Context, id, user string) (*consent.Form, error)
}

// ClinicalHandler handles encounter, procedure and consent form endpoints
type ClinicalHandler struct {
	workflow ClinicalWorkflow
	logger   *zap.Logger
}

// NewClinicalHandler creates a new handler
func NewClinicalHandler(wf ClinicalWorkflow, logger *zap.Logger) *ClinicalHandler {
	return &ClinicalHandler{workflow: wf, logger: nopIfNil(logger)}
}

// EncounterRoutes returns the /encounters routes
func (h *ClinicalHandler) EncounterRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateEncounter)
	r.Put("/{id}", h.UpdateEncounter)
	r.Post("/{id}/submit", h.SubmitEncounter)
	r.Post("/{id}/cancel", h.CancelEncounter)
	return r
}

// ProcedureRoutes returns the /procedures routes
func (h *ClinicalHandler) ProcedureRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateProcedure)
	r.Post("/{id}/start", h.StartProcedure)
	r.Post("/{id}/submit", h.SubmitProcedure)
	r.Get("/{id}/consent-options", h.ConsentOptions)
	r.Post("/{id}/consent-forms", h.ConsentFromProcedure)
	return r
}

// ConsentRoutes returns the /consent-forms routes
func (h *ClinicalHandler) ConsentRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateConsent)
	r.Get("/{id}", h.GetConsent)
	r.Post("/{id}/submit", h.SubmitConsent)
	return r
}

// CreateEncounter handles POST /encounters
func (h *ClinicalHandler) CreateEncounter(w http.ResponseWriter, r *http.Request) {
	var e encounter.Encounter
	if err := decode(r, &e); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out, err := h.workflow.EncounterInserted(r.Context(), &e)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

// UpdateEncounter handles PUT /encounters/{id}
func (h *ClinicalHandler) UpdateEncounter(w http.ResponseWriter, r *http.Request) {
	var upd workflow.EncounterUpdate
	if err := decode(r, &upd); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out, err := h.workflow.EncounterUpdated(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// SubmitEncounter handles POST /encounters/{id}/submit
func (h *ClinicalHandler) SubmitEncounter(w http.ResponseWriter, r *http.Request) {
	h.encounterStep(w, r, h.workflow.SubmitEncounter)
}

// CancelEncounter handles POST /encounters/{id}/cancel
func (h *ClinicalHandler) CancelEncounter(w http.ResponseWriter, r *http.Request) {
	h.encounterStep(w, r, h.workflow.CancelEncounter)
}

func (h *ClinicalHandler) encounterStep(w http.ResponseWriter, r *http.Request, step func(context.Context, string) (*encounter.Encounter, error)) {
	out, err := step(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// CreateProcedure handles POST /procedures
func (h *ClinicalHandler) CreateProcedure(w http.ResponseWriter, r *http.Request) {
	var p procedure.Procedure
	if err := decode(r, &p); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out, err := h.workflow.ProcedureInserted(r.Context(), &p)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

// StartProcedure handles POST /procedures/{id}/start
func (h *ClinicalHandler) StartProcedure(w http.ResponseWriter, r *http.Request) {
	h.procedureStep(w, r, h.workflow.StartProcedure)
}

// SubmitProcedure handles POST /procedures/{id}/submit
func (h *ClinicalHandler) SubmitProcedure(w http.ResponseWriter, r *http.Request) {
	h.procedureStep(w, r, h.workflow.SubmitProcedure)
}

func (h *ClinicalHandler) procedureStep(w http.ResponseWriter, r *http.Request, step func(context.Context, string) (*procedure.Procedure, error)) {
	out, err := step(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// ConsentOptions handles GET /procedures/{id}/consent-options
func (h *ClinicalHandler) ConsentOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := h.workflow.ConsentOptions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, opts)
}

// ConsentDraftRequest is the body of POST /procedures/{id}/consent-forms
type ConsentDraftRequest struct {
	Template string `json:"template"`
	Save     bool   `json:"save"`
}

// ConsentFromProcedure handles POST /procedures/{id}/consent-forms. The
// rendered draft is returned unsaved unless save is set.
func (h *ClinicalHandler) ConsentFromProcedure(w http.ResponseWriter, r *http.Request) {
	var req ConsentDraftRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	form, err := h.workflow.MakeConsentFromProcedure(r.Context(), chi.URLParam(r, "id"), req.Template)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	if !req.Save {
		respondJSON(w, http.StatusOK, form)
		return
	}
	saved, err := h.workflow.CreateConsent(r.Context(), form)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, saved)
}

// CreateConsent handles POST /consent-forms
func (h *ClinicalHandler) CreateConsent(w http.ResponseWriter, r *http.Request) {
	var f consent.Form
	if err := decode(r, &f); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	out, err := h.workflow.CreateConsent(r.Context(), &f)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}

// GetConsent handles GET /consent-forms/{id}
func (h *ClinicalHandler) GetConsent(w http.ResponseWriter, r *http.Request) {
	f, err := h.workflow.Consent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, f)
}

// SubmitConsent handles POST /consent-forms/{id}/submit
func (h *ClinicalHandler) SubmitConsent(w http.ResponseWriter, r *http.Request) {
	f, err := h.workflow.SubmitConsent(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()).ID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.logger.Info("consent form signed", zap.String("consent_form", f.ID), zap.String("procedure", f.ClinicalProcedure))
	respondJSON(w, http.StatusOK, f)
}
