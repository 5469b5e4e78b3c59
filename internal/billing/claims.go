package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
)

// ClaimResult names the claim covering an invoice
type ClaimResult struct {
	Claim   string `json:"claim"`
	Created bool   `json:"created"`
}

// CreateOrUpdateClaim raises an insurance claim for an invoice of the
// appointment, or returns the claim that already covers it.
func (s *Service) CreateOrUpdateClaim(ctx context.Context, appointmentID, invoiceID string) (*ClaimResult, error) {
	ctx, span := s.tracer.Start(ctx, "billing.create_claim",
		trace.WithAttributes(
			attribute.String("appointment_id", appointmentID),
			attribute.String("invoice_id", invoiceID),
		))
	defer span.End()

	agg, err := s.Appointments.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	st := agg.State()
	on := s.day(st.StartsAt)

	policy, err := s.Insurance.ActivePolicy(ctx, st.Patient, st.Company, on)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return nil, apperr.Validation("Cannot create an insurance claim because the patient has no active insurance policy.",
			map[string]string{"insurance_policy": "required"})
	}
	payor, err := s.Insurance.Payor(ctx, policy.Payor)
	if err != nil {
		return nil, err
	}
	if payor.Customer == "" {
		return nil, apperr.Validation(
			fmt.Sprintf("Insurance Payor %s is missing a linked Customer and cannot be used for claims.", payor.Name),
			map[string]string{"customer": "required"})
	}

	inv, err := s.Invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if inv.DocStatus > 1 {
		return nil, apperr.Validation(
			fmt.Sprintf("Sales Invoice %s must be submitted before creating an insurance claim.", inv.ID),
			map[string]string{"invoice": "submitted"})
	}
	draft := inv.DocStatus == 0
	if draft {
		if err := inv.Submit(); err != nil {
			return nil, err
		}
	}

	existing, err := s.Invoices.ClaimForInvoice(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		err := s.inTx(ctx, func(ctx context.Context) error {
			if err := s.submitDraft(ctx, inv, draft); err != nil {
				return err
			}
			return s.markClaimed(ctx, agg)
		})
		if err != nil {
			return nil, err
		}
		return &ClaimResult{Claim: existing}, nil
	}

	var plan *insurance.Plan
	if policy.Plan != "" {
		if plan, err = s.Insurance.Plan(ctx, policy.Plan); err != nil {
			return nil, err
		}
	}

	var coverages []invoice.Coverage
	for _, item := range inv.Items {
		var elig *insurance.Eligibility
		if plan != nil {
			if elig, err = s.Insurance.Eligibility(ctx, plan.Name, item.ItemCode, inv.PostingDate); err != nil {
				return nil, err
			}
		}
		rule := resolveRule(plan, elig)
		if rule == nil {
			continue
		}
		cov, ok := coverageLine(inv, item, *rule)
		if !ok {
			continue
		}
		if elig != nil {
			cov.TemplateDocType, cov.TemplateName = elig.TemplateDocType, elig.TemplateName
		}
		if cov.TemplateDocType == "" && st.AppointmentType != "" {
			cov.TemplateDocType, cov.TemplateName = "Appointment Type", st.AppointmentType
		}
		coverages = append(coverages, cov)
	}
	// nothing is written until the claim has coverage
	if len(coverages) == 0 {
		return nil, apperr.Validation(
			"Unable to create insurance coverage for the invoice items. Please verify insurance eligibility setup.",
			map[string]string{"coverages": "empty"})
	}

	claim := &invoice.Claim{
		ID:           uuid.New().String(),
		Patient:      st.Patient,
		Company:      st.Company,
		Payor:        policy.Payor,
		Customer:     payor.Customer,
		Policy:       policy.ID,
		Plan:         policy.Plan,
		PolicyNumber: policy.PolicyNumber,
		PostingDate:  s.day(s.now()),
		FromDate:     on,
		ToDate:       on,
		Status:       invoice.ClaimDraft,
		Coverages:    coverages,
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.submitDraft(ctx, inv, draft); err != nil {
			return err
		}
		if err := s.Invoices.CreateClaim(ctx, claim); err != nil {
			return err
		}
		return s.markClaimed(ctx, agg)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.ClaimCreated()

	s.logger.Info("insurance claim created",
		zap.String("claim_id", claim.ID),
		zap.String("invoice_id", inv.ID),
		zap.Int("coverages", len(coverages)))
	return &ClaimResult{Claim: claim.ID, Created: true}, nil
}

func (s *Service) submitDraft(ctx context.Context, inv *invoice.SalesInvoice, draft bool) error {
	if !draft {
		return nil
	}
	return s.Invoices.Save(ctx, inv, invoice.EventInvoiceSubmitted)
}

func (s *Service) markClaimed(ctx context.Context, agg *appointment.Aggregate) error {
	if err := agg.SetInsuranceStatus(InsuranceClaimed); err != nil {
		return err
	}
	return s.Appointments.Save(ctx, agg)
}

// coverageLine builds the claim coverage of one invoice line. Insurer
// invoice lines already carry the insurer share, so they are covered in
// full; patient invoice lines are split under rule.
func coverageLine(inv *invoice.SalesInvoice, item invoice.Item, rule insurance.Rule) (invoice.Coverage, bool) {
	cov := invoice.Coverage{
		Invoice:       inv.ID,
		ItemCode:      item.ItemCode,
		Qty:           item.Qty,
		InvoiceAmount: item.Amount,
	}
	if !item.Amount.IsPositive() {
		return cov, false
	}

	if inv.Kind == invoice.KindInsurance {
		cov.Coverage = hundred
		cov.CoverageAmount = item.Amount
		return cov, true
	}

	shares := Split(item.Amount, &rule)
	if !shares.Insurance.IsPositive() {
		return cov, false
	}
	cov.Discount = rule.Discount
	cov.DiscountAmount = item.Amount.Mul(rule.Discount).Div(hundred).Round(2)
	cov.CoverageAmount = shares.Insurance
	if base := item.Amount.Sub(cov.DiscountAmount); base.IsPositive() {
		cov.Coverage = shares.Insurance.Div(base).Mul(hundred).Round(2)
	} else {
		cov.Coverage = decimal.Zero
	}
	return cov, true
}

// UpdateClaimStatus changes a claim's status and mirrors it onto the appointments it covers.
func (s *Service) UpdateClaimStatus(ctx context.Context, claimID, status string) (*invoice.Claim, error) {
	claim, err := s.Invoices.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if err := s.Invoices.SetClaimStatus(ctx, claim, status); err != nil {
		return nil, err
	}
	if _, err := s.SyncClaimStatus(ctx, claim); err != nil {
		return nil, err
	}
	return claim, nil
}

// SyncClaimStatus copies the claim status to the patient's appointments whose
// insurer invoice is part of the claim. It returns how many were updated.
func (s *Service) SyncClaimStatus(ctx context.Context, claim *invoice.Claim) (int, error) {
	if claim.Patient == "" {
		return 0, nil
	}
	covered := make(map[string]bool)
	for _, id := range claim.Invoices() {
		covered[id] = true
	}

	appts, err := s.Appointments.FindByPatient(ctx, claim.Patient)
	if err != nil {
		return 0, err
	}
	status := claim.EffectiveStatus()
	updated := 0
	for _, st := range appts {
		if st.InsuranceInvoice == "" || !covered[st.InsuranceInvoice] || st.InsuranceStatus == status {
			continue
		}
		agg, err := s.Appointments.Get(ctx, st.ID)
		if err != nil {
			return updated, err
		}
		if err := agg.SetInsuranceStatus(status); err != nil {
			return updated, err
		}
		if err := s.Appointments.Save(ctx, agg); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
