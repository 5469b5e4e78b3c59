package procedure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
)

// Repository persists procedures and reads procedure templates
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, patient, patient_name, appointment, encounter, template, practitioner, company,
	status, docstatus, consent_form, start_at, created_at, updated_at`

func scan(row pgx.Row) (Procedure, error) {
	var p Procedure
	err := row.Scan(&p.ID, &p.Patient, &p.PatientName, &p.Appointment, &p.Encounter, &p.Template,
		&p.Practitioner, &p.Company, &p.Status, &p.DocStatus, &p.ConsentForm, &p.StartAt,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Create inserts a new procedure
func (r *Repository) Create(ctx context.Context, p *Procedure) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := postgres.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO procedures (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.Patient, p.PatientName, p.Appointment, p.Encounter, p.Template, p.Practitioner,
		p.Company, p.Status, p.DocStatus, p.ConsentForm, p.StartAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert procedure: %w", err)
	}
	return nil
}

// Get loads a procedure
func (r *Repository) Get(ctx context.Context, id string) (*Procedure, error) {
	p, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM procedures WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Clinical Procedure", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get procedure: %w", err)
	}
	return &p, nil
}

// Save writes the mutable fields of a procedure
func (r *Repository) Save(ctx context.Context, p *Procedure) error {
	p.UpdatedAt = time.Now().UTC()
	tag, err := postgres.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE procedures SET status = $2, docstatus = $3, consent_form = $4, start_at = $5, updated_at = $6
		WHERE id = $1`, p.ID, p.Status, p.DocStatus, p.ConsentForm, p.StartAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update procedure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Clinical Procedure", p.ID)
	}
	return nil
}

// ForPatient returns the patient's procedures, newest first
func (r *Repository) ForPatient(ctx context.Context, patientID string) ([]Procedure, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM procedures WHERE patient = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query procedures: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Procedure, error) { return scan(row) })
}

// Template loads a procedure template
func (r *Repository) Template(ctx context.Context, name string) (*Template, error) {
	var t Template
	err := r.pool.QueryRow(ctx, `
		SELECT name, item_code, item_name, requires_consent, consent_template
		FROM procedure_templates WHERE name = $1`, name).
		Scan(&t.Name, &t.ItemCode, &t.ItemName, &t.RequiresConsent, &t.ConsentTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Clinical Procedure Template", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get procedure template: %w", err)
	}
	return &t, nil
}

// HasSignedConsent reports whether a submitted consent form references the procedure
func (r *Repository) HasSignedConsent(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM consent_forms WHERE clinical_procedure = $1 AND docstatus = 1)`, id).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check consent: %w", err)
	}
	return exists, nil
}
