// Package billing prices appointment billing items, splits them between
// patient and insurer, and generates the invoices, payments and claims.
package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/insurance"
	"github.com/dohealth/clinicflow/internal/domain/invoice"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/observability/metrics"
	"github.com/dohealth/clinicflow/internal/settings"
)

// AppointmentStore loads and saves appointment aggregates
type AppointmentStore interface {
	Get(ctx context.Context, id string) (*appointment.Aggregate, error)
	GetByBillingItem(ctx context.Context, itemID string) (*appointment.Aggregate, error)
	Save(ctx context.Context, agg *appointment.Aggregate) error
	FindByInvoice(ctx context.Context, invoice string) ([]appointment.State, error)
	FindByPatient(ctx context.Context, patient string) ([]appointment.State, error)
}

// PatientStore loads patients
type PatientStore interface {
	Get(ctx context.Context, id string) (*patient.Patient, error)
}

// InsuranceStore reads policies, payors, plans and eligibility
type InsuranceStore interface {
	ActivePolicy(ctx context.Context, patientID, company string, on time.Time) (*insurance.Policy, error)
	Payor(ctx context.Context, name string) (*insurance.Payor, error)
	Plan(ctx context.Context, name string) (*insurance.Plan, error)
	Eligibility(ctx context.Context, plan, itemCode string, on time.Time) (*insurance.Eligibility, error)
}

// InvoiceStore persists invoices and claims
type InvoiceStore interface {
	Get(ctx context.Context, id string) (*invoice.SalesInvoice, error)
	Find(ctx context.Context, id string) (*invoice.SalesInvoice, error)
	Save(ctx context.Context, inv *invoice.SalesInvoice, eventType invoice.EventType) error
	ClaimForInvoice(ctx context.Context, invoiceID string) (string, error)
	CreateClaim(ctx context.Context, c *invoice.Claim) error
	GetClaim(ctx context.Context, id string) (*invoice.Claim, error)
	SetClaimStatus(ctx context.Context, c *invoice.Claim, status string) error
}

// PriceStore reads price lists
type PriceStore interface {
	PriceListExists(ctx context.Context, name string) (bool, error)
	ItemRate(ctx context.Context, priceList, itemCode string) (decimal.Decimal, error)
	ItemName(ctx context.Context, itemCode string) (string, error)
}

// SettingsSource returns the current clinic settings
type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Transactor runs fn so that its store writes commit or roll back together
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deps groups the stores the service needs. A nil Tx writes without a
// shared transaction.
type Deps struct {
	Appointments AppointmentStore
	Patients     PatientStore
	Insurance    InsuranceStore
	Invoices     InvoiceStore
	Prices       PriceStore
	Settings     SettingsSource
	Tx           Transactor
}

// Config holds billing defaults
type Config struct {
	DefaultCurrency string
	Location        *time.Location
}

// InsuranceClaimed is the appointment insurance status once a claim exists.
const InsuranceClaimed = "Claimed"

// Service implements appointment billing
type Service struct {
	Deps
	cfg     Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewService creates the billing service
func NewService(deps Deps, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "BHD"
	}
	return &Service{
		Deps:    deps,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("billing"),
		now:     time.Now,
	}
}

// day returns the calendar date of t in the clinic time zone.
func (s *Service) day(t time.Time) time.Time {
	lt := t.In(s.cfg.Location)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, time.UTC)
}

func (s *Service) currency(ctx context.Context) string {
	st, err := s.Settings.Get(ctx)
	if err != nil {
		s.logger.Warn("settings unavailable, using default currency", zap.Error(err))
		return s.cfg.DefaultCurrency
	}
	return st.CurrencyOr(s.cfg.DefaultCurrency)
}

// DefaultPriceList returns the configured selling price list, else Standard Selling.
func (s *Service) DefaultPriceList(ctx context.Context) (string, error) {
	st, err := s.Settings.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	for _, name := range st.PriceListCandidates() {
		ok, err := s.Prices.PriceListExists(ctx, name)
		if err != nil {
			return "", err
		}
		if ok {
			return name, nil
		}
	}
	return "", apperr.Validation("No selling price list configured. Please create one in Selling Settings.",
		map[string]string{"selling_price_list": "required"})
}

// pricing is the resolved price list and coverage context of an appointment
type pricing struct {
	priceList   string
	isInsurance bool
	policy      *insurance.Policy
	plan        *insurance.Plan
	on          time.Time
}

// ResolvePriceList returns the price list for the appointment and whether
// its rows are split with an insurer.
func (s *Service) ResolvePriceList(ctx context.Context, st appointment.State) (string, bool, error) {
	p, err := s.resolvePricing(ctx, st)
	if err != nil {
		return "", false, err
	}
	return p.priceList, p.isInsurance, nil
}

func (s *Service) resolvePricing(ctx context.Context, st appointment.State) (*pricing, error) {
	def, err := s.DefaultPriceList(ctx)
	if err != nil {
		return nil, err
	}
	p := &pricing{priceList: def, on: s.day(st.StartsAt)}
	if !st.PaymentType.IsInsurance() {
		return p, nil
	}

	policy, err := s.Insurance.ActivePolicy(ctx, st.Patient, st.Company, p.on)
	if err != nil {
		return nil, err
	}
	if policy == nil {
		return p, nil
	}
	p.isInsurance = true
	p.policy = policy

	if policy.Plan != "" {
		plan, err := s.Insurance.Plan(ctx, policy.Plan)
		if err != nil {
			return nil, err
		}
		p.plan = plan
		if plan.PriceList != "" {
			ok, err := s.Prices.PriceListExists(ctx, plan.PriceList)
			if err != nil {
				return nil, err
			}
			if ok {
				p.priceList = plan.PriceList
			}
		}
	}
	return p, nil
}

// ItemRate returns the list price of an item rounded to 2 places.
func (s *Service) ItemRate(ctx context.Context, itemCode, priceList string) (decimal.Decimal, error) {
	rate, err := s.Prices.ItemRate(ctx, priceList, itemCode)
	if err != nil {
		return decimal.Zero, err
	}
	return rate.Round(2), nil
}

// split applies the active coverage terms of p to one row.
func (s *Service) split(ctx context.Context, p *pricing, itemCode string, total decimal.Decimal) (Shares, error) {
	if !p.isInsurance {
		return Split(total, nil), nil
	}
	var elig *insurance.Eligibility
	if p.plan != nil {
		var err error
		elig, err = s.Insurance.Eligibility(ctx, p.plan.Name, itemCode, p.on)
		if err != nil {
			return Shares{}, err
		}
	}
	return Split(total, resolveRule(p.plan, elig)), nil
}

// SnapshotRow is one priced billing row
type SnapshotRow struct {
	ID             string          `json:"name"`
	ItemCode       string          `json:"item_code"`
	ItemName       string          `json:"item_name"`
	Qty            decimal.Decimal `json:"qty"`
	Rate           decimal.Decimal `json:"rate"`
	BaseRate       decimal.Decimal `json:"base_rate"`
	OverrideRate   decimal.Decimal `json:"override_rate"`
	OverrideReason string          `json:"override_reason,omitempty"`
	OverrideBy     string          `json:"override_by,omitempty"`
	PatientShare   decimal.Decimal `json:"patient_share"`
	InsuranceShare decimal.Decimal `json:"insurance_share"`
	Amount         decimal.Decimal `json:"amount"`
}

// Totals sums the shares of a snapshot
type Totals struct {
	Patient   decimal.Decimal `json:"patient"`
	Insurance decimal.Decimal `json:"insurance"`
	Grand     decimal.Decimal `json:"grand"`
}

// Snapshot is the priced view of an appointment's billing items
type Snapshot struct {
	Rows        []SnapshotRow `json:"rows"`
	Currency    string        `json:"currency"`
	PriceList   string        `json:"price_list"`
	IsInsurance bool          `json:"is_insurance"`
	Totals      Totals        `json:"totals"`
}

func (s *Service) price(ctx context.Context, st appointment.State) (*Snapshot, *pricing, error) {
	p, err := s.resolvePricing(ctx, st)
	if err != nil {
		return nil, nil, err
	}

	snap := &Snapshot{
		Rows:        make([]SnapshotRow, 0, len(st.BillingItems)),
		Currency:    s.currency(ctx),
		PriceList:   p.priceList,
		IsInsurance: p.isInsurance,
	}
	patientTotal, insuranceTotal := decimal.Zero, decimal.Zero

	for _, it := range st.BillingItems {
		base, err := s.ItemRate(ctx, it.ItemCode, p.priceList)
		if err != nil {
			return nil, nil, err
		}
		rate := base
		if it.HasOverride() {
			rate = it.OverrideRate
		}
		qty := it.Qty
		if !qty.IsPositive() {
			qty = decimal.NewFromInt(1)
		}

		shares, err := s.split(ctx, p, it.ItemCode, rate.Mul(qty))
		if err != nil {
			return nil, nil, err
		}

		name := it.ItemName
		if name == "" {
			if name, err = s.Prices.ItemName(ctx, it.ItemCode); err != nil {
				return nil, nil, err
			}
		}

		snap.Rows = append(snap.Rows, SnapshotRow{
			ID:             it.ID,
			ItemCode:       it.ItemCode,
			ItemName:       name,
			Qty:            qty,
			Rate:           rate,
			BaseRate:       base,
			OverrideRate:   it.OverrideRate,
			OverrideReason: it.OverrideReason,
			OverrideBy:     it.OverrideBy,
			PatientShare:   shares.Patient,
			InsuranceShare: shares.Insurance,
			Amount:         shares.Total().Round(2),
		})
		patientTotal = patientTotal.Add(shares.Patient)
		insuranceTotal = insuranceTotal.Add(shares.Insurance)
	}

	snap.Totals = Totals{
		Patient:   patientTotal.Round(2),
		Insurance: insuranceTotal.Round(2),
		Grand:     patientTotal.Add(insuranceTotal).Round(2),
	}
	return snap, p, nil
}

// Snapshot prices the appointment's billing items.
func (s *Service) Snapshot(ctx context.Context, appointmentID string) (*Snapshot, error) {
	agg, err := s.Appointments.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	snap, _, err := s.price(ctx, agg.State())
	return snap, err
}

// StatusFor derives the appointment billing status from its patient invoice.
func StatusFor(inv *invoice.SalesInvoice) appointment.BillingStatus {
	switch {
	case inv == nil:
		return appointment.BillingNotBilled
	case inv.DocStatus == 2:
		return appointment.BillingCancelled
	case inv.DocStatus == 1 && inv.Outstanding.IsZero():
		return appointment.BillingPaid
	case inv.DocStatus == 1 && inv.Outstanding.IsPositive() && inv.Outstanding.LessThan(inv.GrandTotal):
		return appointment.BillingPartiallyPaid
	default:
		return appointment.BillingNotPaid
	}
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.Tx == nil {
		return fn(ctx)
	}
	return s.Tx.InTx(ctx, fn)
}

// InvoiceResult reports the invoices linked to an appointment
type InvoiceResult struct {
	PatientInvoice          string `json:"patient_invoice"`
	InsuranceInvoice        string `json:"insurance_invoice"`
	PatientInvoiceUpdated   bool   `json:"patient_invoice_updated"`
	InsuranceInvoiceUpdated bool   `json:"insurance_invoice_updated"`
}

// CreateInvoices generates the patient and insurer invoices for an
// appointment. Draft invoices are overwritten, submitted ones block regeneration.
func (s *Service) CreateInvoices(ctx context.Context, appointmentID string, submit bool, user string) (*InvoiceResult, error) {
	ctx, span := s.tracer.Start(ctx, "billing.create_invoices",
		trace.WithAttributes(attribute.String("appointment_id", appointmentID)))
	defer span.End()

	agg, err := s.Appointments.Get(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	st := agg.State()
	if len(st.BillingItems) == 0 {
		return nil, apperr.Validation("Please add at least one item to bill.", map[string]string{"custom_billing_items": "required"})
	}

	pat, err := s.Patients.Get(ctx, st.Patient)
	if err != nil {
		return nil, err
	}
	snap, p, err := s.price(ctx, st)
	if err != nil {
		return nil, err
	}

	var patientItems, insuranceItems []invoice.Item
	for _, row := range snap.Rows {
		if !p.isInsurance {
			patientItems = append(patientItems, invoice.Item{ItemCode: row.ItemCode, ItemName: row.ItemName, Qty: row.Qty, Rate: row.Rate})
			continue
		}
		if row.PatientShare.IsPositive() {
			patientItems = append(patientItems, invoice.Item{
				ItemCode: row.ItemCode, ItemName: row.ItemName, Qty: row.Qty, Rate: unitRate(row.PatientShare, row.Qty),
			})
		}
		if row.InsuranceShare.IsPositive() {
			insuranceItems = append(insuranceItems, invoice.Item{
				ItemCode: row.ItemCode, ItemName: row.ItemName, Qty: row.Qty, Rate: unitRate(row.InsuranceShare, row.Qty),
			})
		}
	}

	existingPatient, err := s.Invoices.Find(ctx, st.PatientInvoice)
	if err != nil {
		return nil, err
	}
	existingInsurance, err := s.Invoices.Find(ctx, st.InsuranceInvoice)
	if err != nil {
		return nil, err
	}

	// every prerequisite is checked before the first write
	var insurerCustomer string
	if len(patientItems) > 0 {
		if pat.Customer == "" {
			return nil, apperr.Validation("Patient is not linked to a Customer.", map[string]string{"customer": "required"})
		}
		if err := regenerable(existingPatient, invoice.KindPatient); err != nil {
			return nil, err
		}
	}
	if len(insuranceItems) > 0 {
		if insurerCustomer, err = s.insurerCustomer(ctx, st, p.on); err != nil {
			return nil, err
		}
		if err := regenerable(existingInsurance, invoice.KindInsurance); err != nil {
			return nil, err
		}
	}

	result := &InvoiceResult{}
	var written []invoice.Kind
	err = s.inTx(ctx, func(ctx context.Context) error {
		patientInv := existingPatient
		if len(patientItems) > 0 {
			inv, updated, err := s.writeInvoice(ctx, existingPatient, invoice.KindPatient, pat.Customer, st, patientItems, snap, submit, user)
			if err != nil {
				return err
			}
			patientInv = inv
			result.PatientInvoiceUpdated = updated
			written = append(written, invoice.KindPatient)
		}
		if patientInv != nil {
			result.PatientInvoice = patientInv.ID
		}

		if len(insuranceItems) > 0 {
			inv, updated, err := s.writeInvoice(ctx, existingInsurance, invoice.KindInsurance, insurerCustomer, st, insuranceItems, snap, submit, user)
			if err != nil {
				return err
			}
			result.InsuranceInvoice = inv.ID
			result.InsuranceInvoiceUpdated = updated
			written = append(written, invoice.KindInsurance)
		} else if existingInsurance != nil {
			result.InsuranceInvoice = existingInsurance.ID
		}

		if err := agg.LinkInvoices(result.PatientInvoice, result.InsuranceInvoice); err != nil {
			return err
		}
		if err := agg.SetBillingStatus(StatusFor(patientInv)); err != nil {
			return err
		}
		return s.Appointments.Save(ctx, agg)
	})
	if err != nil {
		return nil, err
	}
	for _, kind := range written {
		s.metrics.InvoiceGenerated(string(kind))
	}

	s.logger.Info("appointment invoices generated",
		zap.String("appointment_id", appointmentID),
		zap.String("patient_invoice", result.PatientInvoice),
		zap.String("insurance_invoice", result.InsuranceInvoice))
	return result, nil
}

// insurerCustomer resolves the customer billed for the insurer share.
func (s *Service) insurerCustomer(ctx context.Context, st appointment.State, on time.Time) (string, error) {
	policy, err := s.Insurance.ActivePolicy(ctx, st.Patient, st.Company, on)
	if err != nil {
		return "", err
	}
	if policy == nil {
		return "", apperr.Validation("Cannot create insurance invoice without an active Patient Insurance Policy.",
			map[string]string{"insurance_policy": "required"})
	}
	payor, err := s.Insurance.Payor(ctx, policy.Payor)
	if err != nil {
		return "", err
	}
	if payor.Customer == "" {
		return "", apperr.Validation(
			fmt.Sprintf("Insurance Payor %s is missing a linked Customer. Please update the payor record.", payor.Name),
			map[string]string{"customer": "required"})
	}
	return payor.Customer, nil
}

// regenerable rejects overwriting a submitted invoice.
func regenerable(existing *invoice.SalesInvoice, kind invoice.Kind) error {
	if existing != nil && existing.DocStatus == 1 {
		return apperr.Conflict(fmt.Sprintf(
			"%s %s is submitted. Cancel or amend it before regenerating billing.", kind.Label(), existing.ID))
	}
	return nil
}

// writeInvoice overwrites a draft invoice or creates a new one.
func (s *Service) writeInvoice(ctx context.Context, existing *invoice.SalesInvoice, kind invoice.Kind, customer string,
	st appointment.State, items []invoice.Item, snap *Snapshot, submit bool, user string) (*invoice.SalesInvoice, bool, error) {
	inv := existing
	updated := false
	if err := regenerable(inv, kind); err != nil {
		return nil, false, err
	}
	if inv != nil && inv.DocStatus == 2 {
		inv = nil
	}
	if inv != nil {
		updated = true
	} else {
		inv = &invoice.SalesInvoice{ID: uuid.New().String(), Kind: kind, CreatedBy: user}
	}

	today := s.day(s.now())
	inv.Customer = customer
	inv.Patient = st.Patient
	inv.Company = st.Company
	inv.Currency = snap.Currency
	inv.PriceList = snap.PriceList
	inv.PostingDate = today
	inv.DueDate = today
	if !updated {
		inv.IsPOS = false
	}
	inv.SetItems(items)

	eventType := invoice.EventInvoiceSaved
	if submit {
		if err := inv.Submit(); err != nil {
			return nil, false, err
		}
		eventType = invoice.EventInvoiceSubmitted
	}
	if err := s.Invoices.Save(ctx, inv, eventType); err != nil {
		return nil, false, err
	}
	return inv, updated, nil
}

// PaymentRequest records POS payments on a draft invoice
type PaymentRequest struct {
	Invoice     string
	Payments    []invoice.Payment
	PostingDate *time.Time
	Submit      bool
}

// PaymentResult reports the invoice after recording payments
type PaymentResult struct {
	Invoice     string          `json:"invoice"`
	Submitted   bool            `json:"submitted"`
	Outstanding decimal.Decimal `json:"outstanding"`
	TotalPaid   decimal.Decimal `json:"total_paid"`
}

// RecordPayment stores payment rows on a draft invoice, optionally submits
// it, and re-syncs the billing status of linked appointments.
func (s *Service) RecordPayment(ctx context.Context, req PaymentRequest, user string) (*PaymentResult, error) {
	total := decimal.Zero
	for _, p := range req.Payments {
		total = total.Add(p.Amount)
	}
	if !total.IsPositive() {
		return nil, apperr.Validation("Payment amount must be greater than zero.", map[string]string{"amount": "positive"})
	}

	inv, err := s.Invoices.Get(ctx, req.Invoice)
	if err != nil {
		return nil, err
	}
	if inv.DocStatus == 1 {
		return nil, apperr.Conflict(fmt.Sprintf(
			"Sales Invoice %s is already submitted. Please amend it or create a Payment Entry.", inv.ID))
	}
	if inv.DocStatus == 2 {
		return nil, apperr.Conflict(fmt.Sprintf("Sales Invoice %s is cancelled.", inv.ID))
	}

	if req.PostingDate != nil {
		inv.PostingDate = s.day(*req.PostingDate)
		inv.DueDate = inv.PostingDate
	} else if inv.DueDate.IsZero() {
		inv.DueDate = inv.PostingDate
	}
	if inv.CreatedBy == "" {
		inv.CreatedBy = user
	}
	inv.SetPayments(req.Payments)

	if req.Submit {
		if err := inv.Submit(); err != nil {
			return nil, err
		}
	}
	if err := s.Invoices.Save(ctx, inv, invoice.EventPaymentRecorded); err != nil {
		return nil, err
	}
	s.metrics.PaymentRecorded()

	if err := s.SyncBillingStatus(ctx, inv); err != nil {
		return nil, err
	}

	return &PaymentResult{
		Invoice:     inv.ID,
		Submitted:   inv.DocStatus == 1,
		Outstanding: inv.Outstanding,
		TotalPaid:   inv.TotalPaid(),
	}, nil
}

// SyncBillingStatus updates every appointment whose patient invoice is inv.
func (s *Service) SyncBillingStatus(ctx context.Context, inv *invoice.SalesInvoice) error {
	if inv.Patient == "" {
		return nil
	}
	linked, err := s.Appointments.FindByInvoice(ctx, inv.ID)
	if err != nil {
		return err
	}
	status := StatusFor(inv)
	for _, st := range linked {
		if st.PatientInvoice != inv.ID || st.BillingStatus == status {
			continue
		}
		agg, err := s.Appointments.Get(ctx, st.ID)
		if err != nil {
			return err
		}
		if err := agg.SetBillingStatus(status); err != nil {
			return err
		}
		if err := s.Appointments.Save(ctx, agg); err != nil {
			return err
		}
	}
	return nil
}

// OverrideRate sets or clears a manual rate on a billing row. The caller
// needs one of the configured override roles.
func (s *Service) OverrideRate(ctx context.Context, itemID string, rate decimal.Decimal, reason string, user *auth.User) (string, error) {
	st, err := s.Settings.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load settings: %w", err)
	}
	if !user.HasAnyRole(st.BillingOverrideRoles()...) {
		return "", apperr.Forbidden("You are not allowed to override billing rates.")
	}

	agg, err := s.Appointments.GetByBillingItem(ctx, itemID)
	if err != nil {
		return "", err
	}
	if err := agg.OverrideBillingItemRate(itemID, rate, reason, user.ID); err != nil {
		return "", err
	}
	if err := s.Appointments.Save(ctx, agg); err != nil {
		return "", err
	}
	return agg.ID(), nil
}
