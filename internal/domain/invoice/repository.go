package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
	"github.com/dohealth/clinicflow/internal/infrastructure/redpanda"
)

// Repository persists invoices and claims, recording billing events in the outbox
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const invoiceColumns = `id, kind, customer, patient, company, currency, posting_date, due_date, price_list,
	is_pos, docstatus, grand_total, paid_amount, outstanding, status, created_by, created_at, updated_at`

// Get loads an invoice with its items and payments
func (r *Repository) Get(ctx context.Context, id string) (*SalesInvoice, error) {
	var inv SalesInvoice
	err := r.pool.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM sales_invoices WHERE id = $1`, id).Scan(
		&inv.ID, &inv.Kind, &inv.Customer, &inv.Patient, &inv.Company, &inv.Currency, &inv.PostingDate,
		&inv.DueDate, &inv.PriceList, &inv.IsPOS, &inv.DocStatus, &inv.GrandTotal, &inv.PaidAmount,
		&inv.Outstanding, &inv.Status, &inv.CreatedBy, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Sales Invoice", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT item_code, item_name, qty, rate, amount FROM sales_invoice_items
		WHERE invoice = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("query invoice items: %w", err)
	}
	if inv.Items, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Item]); err != nil {
		return nil, fmt.Errorf("scan invoice items: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT mode, amount, reference_no FROM sales_invoice_payments
		WHERE invoice = $1 ORDER BY idx`, id)
	if err != nil {
		return nil, fmt.Errorf("query invoice payments: %w", err)
	}
	if inv.Payments, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Payment]); err != nil {
		return nil, fmt.Errorf("scan invoice payments: %w", err)
	}
	return &inv, nil
}

// Find loads an invoice, returning nil when it does not exist
func (r *Repository) Find(ctx context.Context, id string) (*SalesInvoice, error) {
	if id == "" {
		return nil, nil
	}
	inv, err := r.Get(ctx, id)
	if apperr.IsNotFound(err) {
		return nil, nil
	}
	return inv, err
}

// Save upserts the invoice with its child rows and records eventType
func (r *Repository) Save(ctx context.Context, inv *SalesInvoice, eventType EventType) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = now
	}
	inv.UpdatedAt = now

	_, err = tx.Exec(ctx, `INSERT INTO sales_invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO UPDATE SET
			customer = EXCLUDED.customer, patient = EXCLUDED.patient, company = EXCLUDED.company,
			currency = EXCLUDED.currency, posting_date = EXCLUDED.posting_date, due_date = EXCLUDED.due_date,
			price_list = EXCLUDED.price_list, is_pos = EXCLUDED.is_pos, docstatus = EXCLUDED.docstatus,
			grand_total = EXCLUDED.grand_total, paid_amount = EXCLUDED.paid_amount,
			outstanding = EXCLUDED.outstanding, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		inv.ID, inv.Kind, inv.Customer, inv.Patient, inv.Company, inv.Currency, inv.PostingDate, inv.DueDate,
		inv.PriceList, inv.IsPOS, inv.DocStatus, inv.GrandTotal, inv.PaidAmount, inv.Outstanding, inv.Status,
		inv.CreatedBy, inv.CreatedAt, inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert invoice: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sales_invoice_items WHERE invoice = $1`, inv.ID); err != nil {
		return fmt.Errorf("clear invoice items: %w", err)
	}
	for i, it := range inv.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sales_invoice_items (invoice, idx, item_code, item_name, qty, rate, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			inv.ID, i+1, it.ItemCode, it.ItemName, it.Qty, it.Rate, it.Amount); err != nil {
			return fmt.Errorf("insert invoice item: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sales_invoice_payments WHERE invoice = $1`, inv.ID); err != nil {
		return fmt.Errorf("clear invoice payments: %w", err)
	}
	for i, p := range inv.Payments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO sales_invoice_payments (invoice, idx, mode, amount, reference_no, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			inv.ID, i+1, p.Mode, p.Amount, p.ReferenceNo, inv.CreatedBy, now); err != nil {
			return fmt.Errorf("insert invoice payment: %w", err)
		}
	}

	if err := writeEvent(ctx, tx, AggregateInvoice, invoiceEvent(inv, eventType)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PaymentRow is a payment joined with its invoice, used by the visit log
type PaymentRow struct {
	Invoice   string
	Kind      Kind
	Currency  string
	Payment   Payment
	CreatedBy string
	CreatedAt time.Time
}

// PaymentsFor lists payments recorded on the given invoices, oldest first
func (r *Repository) PaymentsFor(ctx context.Context, invoices []string) ([]PaymentRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.invoice, i.kind, i.currency, p.mode, p.amount, p.reference_no, p.created_by, p.created_at
		FROM sales_invoice_payments p JOIN sales_invoices i ON i.id = p.invoice
		WHERE p.invoice = ANY($1) ORDER BY p.created_at, p.idx`, invoices)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (PaymentRow, error) {
		var p PaymentRow
		err := row.Scan(&p.Invoice, &p.Kind, &p.Currency, &p.Payment.Mode, &p.Payment.Amount,
			&p.Payment.ReferenceNo, &p.CreatedBy, &p.CreatedAt)
		return p, err
	})
}

// ClaimForInvoice returns the claim already covering an invoice, or ""
func (r *Repository) ClaimForInvoice(ctx context.Context, invoiceID string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `SELECT claim FROM insurance_claim_coverages WHERE invoice = $1 LIMIT 1`, invoiceID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("find claim: %w", err)
	}
	return id, nil
}

// CreateClaim inserts a claim with its coverages
func (r *Repository) CreateClaim(ctx context.Context, c *Claim) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	_, err = tx.Exec(ctx, `
		INSERT INTO insurance_claims
		(id, patient, company, payor, customer, policy, plan, policy_number, posting_date, from_date, to_date,
		 status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		c.ID, c.Patient, c.Company, c.Payor, c.Customer, c.Policy, c.Plan, c.PolicyNumber, c.PostingDate,
		c.FromDate, c.ToDate, c.EffectiveStatus(), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	for _, cov := range c.Coverages {
		_, err := tx.Exec(ctx, `
			INSERT INTO insurance_claim_coverages
			(claim, invoice, item_code, template_doctype, template_name, qty, invoice_amount, discount,
			 discount_amount, coverage, coverage_amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			c.ID, cov.Invoice, cov.ItemCode, cov.TemplateDocType, cov.TemplateName, cov.Qty, cov.InvoiceAmount,
			cov.Discount, cov.DiscountAmount, cov.Coverage, cov.CoverageAmount)
		if err != nil {
			return fmt.Errorf("insert claim coverage: %w", err)
		}
	}

	if err := writeEvent(ctx, tx, AggregateClaim, claimEvent(c, EventClaimCreated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// GetClaim loads a claim with its coverages
func (r *Repository) GetClaim(ctx context.Context, id string) (*Claim, error) {
	var c Claim
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient, company, payor, customer, policy, plan, policy_number, posting_date, from_date,
		       to_date, status, created_at, updated_at
		FROM insurance_claims WHERE id = $1`, id).Scan(
		&c.ID, &c.Patient, &c.Company, &c.Payor, &c.Customer, &c.Policy, &c.Plan, &c.PolicyNumber,
		&c.PostingDate, &c.FromDate, &c.ToDate, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Insurance Claim", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT invoice, item_code, template_doctype, template_name, qty, invoice_amount, discount,
		       discount_amount, coverage, coverage_amount
		FROM insurance_claim_coverages WHERE claim = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query claim coverages: %w", err)
	}
	if c.Coverages, err = pgx.CollectRows(rows, pgx.RowToStructByPos[Coverage]); err != nil {
		return nil, fmt.Errorf("scan claim coverages: %w", err)
	}
	return &c, nil
}

// SetClaimStatus updates the claim status and records ClaimUpdated
func (r *Repository) SetClaimStatus(ctx context.Context, c *Claim, status string) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	tag, err := tx.Exec(ctx, `UPDATE insurance_claims SET status = $2, updated_at = $3 WHERE id = $1`,
		c.ID, c.Status, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Insurance Claim", c.ID)
	}
	if err := writeEvent(ctx, tx, AggregateClaim, claimEvent(c, EventClaimUpdated)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func writeEvent(ctx context.Context, tx pgx.Tx, aggregateType string, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal billing event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   ev.Reference,
		AggregateType: aggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicBillingEvents,
		KafkaKey:      ev.Reference,
	})
}
