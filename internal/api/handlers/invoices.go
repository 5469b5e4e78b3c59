package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/billing"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
)

// PaymentBilling records payments and claim updates
type PaymentBilling interface {
	RecordPayment(ctx context.Context, req billing.PaymentRequest, user string) (*billing.PaymentResult, error)
	UpdateClaimStatus(ctx context.Context, claimID, status string) (*invoice.Claim, error)
}

// InvoiceHandler handles invoice and claim endpoints
type InvoiceHandler struct {
	billing PaymentBilling
	loc     *time.Location
	logger  *zap.Logger
}

// NewInvoiceHandler creates a new handler. Posting dates are read in loc.
func NewInvoiceHandler(b PaymentBilling, loc *time.Location, logger *zap.Logger) *InvoiceHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &InvoiceHandler{billing: b, loc: loc, logger: nopIfNil(logger)}
}

// InvoiceRoutes returns the /invoices routes
func (h *InvoiceHandler) InvoiceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/payments", h.RecordPayment)
	return r
}

// ClaimRoutes returns the /claims routes
func (h *InvoiceHandler) ClaimRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{id}/status", h.UpdateClaimStatus)
	return r
}

// PaymentRequest is the body of POST /invoices/{id}/payments
type PaymentRequest struct {
	Payments    []invoice.Payment `json:"payments" validate:"required,min=1"`
	PostingDate string            `json:"posting_date" validate:"omitempty,datetime=2006-01-02"`
	Submit      bool              `json:"submit"`
}

// RecordPayment handles POST /invoices/{id}/payments
func (h *InvoiceHandler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	pr := billing.PaymentRequest{
		Invoice:  chi.URLParam(r, "id"),
		Payments: req.Payments,
		Submit:   req.Submit,
	}
	if req.PostingDate != "" {
		d, err := time.ParseInLocation(time.DateOnly, req.PostingDate, h.loc)
		if err != nil {
			respondError(w, r, h.logger, apperr.Validation("Invalid posting date", map[string]string{"posting_date": "format"}))
			return
		}
		pr.PostingDate = &d
	}

	res, err := h.billing.RecordPayment(r.Context(), pr, auth.FromContext(r.Context()).ID)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	h.logger.Info("payment recorded",
		zap.String("invoice_id", res.Invoice),
		zap.Bool("submitted", res.Submitted),
		zap.String("outstanding", res.Outstanding.String()))
	respondJSON(w, http.StatusOK, res)
}

// ClaimStatusRequest is the body of POST /claims/{id}/status
type ClaimStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// UpdateClaimStatus handles POST /claims/{id}/status
func (h *InvoiceHandler) UpdateClaimStatus(w http.ResponseWriter, r *http.Request) {
	var req ClaimStatusRequest
	if err := decode(r, &req); err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	claim, err := h.billing.UpdateClaimStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, claim)
}
