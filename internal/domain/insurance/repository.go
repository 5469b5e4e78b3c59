package insurance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Repository reads and writes insurance records
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const policyColumns = `id, patient, payor, plan, policy_number, expiry_date, docstatus, company, created_at, updated_at`

func scanPolicy(row pgx.Row) (Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.Patient, &p.Payor, &p.Plan, &p.PolicyNumber, &p.ExpiryDate, &p.DocStatus,
		&p.Company, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func collectPolicies(rows pgx.Rows) ([]Policy, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Policy, error) { return scanPolicy(row) })
}

// ActivePolicy returns the patient's active policy on a day, or nil
func (r *Repository) ActivePolicy(ctx context.Context, patientID, company string, on time.Time) (*Policy, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+policyColumns+` FROM insurance_policies
		WHERE patient = $1 AND docstatus = 1 AND expiry_date >= $2
		ORDER BY expiry_date ASC`, patientID, truncateDay(on))
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	policies, err := collectPolicies(rows)
	if err != nil {
		return nil, fmt.Errorf("scan policies: %w", err)
	}
	if len(policies) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(policies))
	for _, p := range policies {
		names = append(names, p.Payor)
	}
	rows, err = r.pool.Query(ctx, `SELECT name, customer, company, disabled FROM insurance_payors WHERE name = ANY($1)`, names)
	if err != nil {
		return nil, fmt.Errorf("query payors: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Payor])
	if err != nil {
		return nil, fmt.Errorf("scan payors: %w", err)
	}
	payors := make(map[string]Payor, len(list))
	for _, p := range list {
		payors[p.Name] = p
	}

	return SelectActive(policies, payors, company, on), nil
}

// GetPolicy loads a policy
func (r *Repository) GetPolicy(ctx context.Context, id string) (*Policy, error) {
	p, err := scanPolicy(r.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM insurance_policies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Patient Insurance Policy", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return &p, nil
}

// ListPolicies returns all policies of a patient, latest expiry first
func (r *Repository) ListPolicies(ctx context.Context, patientID string) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+policyColumns+` FROM insurance_policies
		WHERE patient = $1 ORDER BY expiry_date DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	return collectPolicies(rows)
}

// CreatePolicy inserts a submitted policy
func (r *Repository) CreatePolicy(ctx context.Context, n NewPolicy) (*Policy, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	p := Policy{
		ID:           uuid.New().String(),
		Patient:      n.Patient,
		Payor:        n.Payor,
		Plan:         n.Plan,
		PolicyNumber: n.PolicyNumber,
		ExpiryDate:   truncateDay(n.ExpiryDate),
		DocStatus:    1,
		Company:      n.Company,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO insurance_policies (`+policyColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.Patient, p.Payor, p.Plan, p.PolicyNumber, p.ExpiryDate, p.DocStatus, p.Company, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert policy: %w", err)
	}
	return &p, nil
}

// UpdatePolicy applies the set fields of u to a policy
func (r *Repository) UpdatePolicy(ctx context.Context, id string, u PolicyUpdate) (*Policy, error) {
	p, err := r.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Apply(p) {
		return p, nil
	}
	p.UpdatedAt = time.Now().UTC()
	_, err = r.pool.Exec(ctx, `
		UPDATE insurance_policies SET payor = $2, plan = $3, policy_number = $4, expiry_date = $5, updated_at = $6
		WHERE id = $1`, p.ID, p.Payor, p.Plan, p.PolicyNumber, truncateDay(p.ExpiryDate), p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update policy: %w", err)
	}
	return p, nil
}

// Payor loads an insurance payor
func (r *Repository) Payor(ctx context.Context, name string) (*Payor, error) {
	var p Payor
	err := r.pool.QueryRow(ctx, `SELECT name, customer, company, disabled FROM insurance_payors WHERE name = $1`, name).
		Scan(&p.Name, &p.Customer, &p.Company, &p.Disabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Insurance Payor", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get payor: %w", err)
	}
	return &p, nil
}

// Plan loads an insurance plan
func (r *Repository) Plan(ctx context.Context, name string) (*Plan, error) {
	var p Plan
	err := r.pool.QueryRow(ctx, `
		SELECT name, payor, price_list, discount_percent, coverage_type, coverage_percent, fixed_amount, copay_amount
		FROM insurance_plans WHERE name = $1`, name).
		Scan(&p.Name, &p.Payor, &p.PriceList, &p.DiscountPercent, &p.CoverageType, &p.CoveragePercent,
			&p.FixedAmount, &p.CoPayAmount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Insurance Payor Eligibility Plan", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &p, nil
}

// Eligibility returns the enabled item eligibility of a plan valid on a day, or nil
func (r *Repository) Eligibility(ctx context.Context, plan, itemCode string, on time.Time) (*Eligibility, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, plan, item_code, template_doctype, template_name, discount, coverage_type, coverage,
		       fixed_amount, copay_amount, valid_from, valid_to
		FROM insurance_eligibilities
		WHERE plan = $1 AND item_code = $2 AND NOT disabled
		ORDER BY valid_from DESC NULLS LAST`, plan, itemCode)
	if err != nil {
		return nil, fmt.Errorf("query eligibility: %w", err)
	}
	list, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Eligibility])
	if err != nil {
		return nil, fmt.Errorf("scan eligibility: %w", err)
	}
	for i := range list {
		if list[i].ValidOn(on) {
			return &list[i], nil
		}
	}
	return nil, nil
}
