package consent

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

// Repository persists consent forms and reads consent templates
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, patient, patient_name, encounter, company, clinical_procedure, procedure_template,
	template, rendered_html, signature, signed_by, signed_by_user, signed_on, status, docstatus,
	created_at, updated_at`

func scan(row pgx.Row) (Form, error) {
	var f Form
	err := row.Scan(&f.ID, &f.Patient, &f.PatientName, &f.Encounter, &f.Company, &f.ClinicalProcedure,
		&f.ProcedureTemplate, &f.Template, &f.RenderedHTML, &f.Signature, &f.SignedBy, &f.SignedByUser,
		&f.SignedOn, &f.Status, &f.DocStatus, &f.CreatedAt, &f.UpdatedAt)
	return f, err
}

// Create inserts a consent form
func (r *Repository) Create(ctx context.Context, f *Form) error {
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	_, err := r.pool.Exec(ctx, `INSERT INTO consent_forms (`+columns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		f.ID, f.Patient, f.PatientName, f.Encounter, f.Company, f.ClinicalProcedure, f.ProcedureTemplate,
		f.Template, f.RenderedHTML, f.Signature, f.SignedBy, f.SignedByUser, f.SignedOn, f.Status,
		f.DocStatus, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert consent form: %w", err)
	}
	return nil
}

// Get loads a consent form
func (r *Repository) Get(ctx context.Context, id string) (*Form, error) {
	f, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM consent_forms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Consent Form", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get consent form: %w", err)
	}
	return &f, nil
}

// SaveSubmitted stores a submitted form and links it on its procedure in one transaction
func (r *Repository) SaveSubmitted(ctx context.Context, f *Form) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	f.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE consent_forms SET signature = $2, signed_by = $3, signed_by_user = $4, signed_on = $5,
			status = $6, docstatus = $7, rendered_html = $8, procedure_template = $9, updated_at = $10
		WHERE id = $1`,
		f.ID, f.Signature, f.SignedBy, f.SignedByUser, f.SignedOn, f.Status, f.DocStatus,
		f.RenderedHTML, f.ProcedureTemplate, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update consent form: %w", err)
	}

	if f.ClinicalProcedure != "" {
		if _, err := tx.Exec(ctx,
			`UPDATE procedures SET consent_form = $2, updated_at = $3 WHERE id = $1`,
			f.ClinicalProcedure, f.ID, f.UpdatedAt); err != nil {
			return fmt.Errorf("link consent form: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ForPatient returns a patient's consent forms, newest first
func (r *Repository) ForPatient(ctx context.Context, patientID string) ([]Form, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM consent_forms WHERE patient = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query consent forms: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Form, error) { return scan(row) })
}

// Template loads a consent template
func (r *Repository) Template(ctx context.Context, name string) (*Template, error) {
	var t Template
	err := r.pool.QueryRow(ctx, `
		SELECT name, title, procedure_template, is_default, html, updated_at
		FROM consent_templates WHERE name = $1`, name).
		Scan(&t.Name, &t.Title, &t.ProcedureTemplate, &t.IsDefault, &t.HTML, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Consent Form Template", name)
	}
	if err != nil {
		return nil, fmt.Errorf("get consent template: %w", err)
	}
	return &t, nil
}

// TemplateForProcedure returns the preferred consent template for a procedure template, or ""
func (r *Repository) TemplateForProcedure(ctx context.Context, procedureTemplate string) (string, error) {
	if procedureTemplate == "" {
		return "", nil
	}

	var preferred string
	err := r.pool.QueryRow(ctx,
		`SELECT consent_template FROM procedure_templates WHERE name = $1`, procedureTemplate).Scan(&preferred)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("get preferred consent template: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT name, title, procedure_template, is_default, '' AS html, updated_at
		FROM consent_templates WHERE procedure_template = $1
		ORDER BY is_default DESC, updated_at DESC`, procedureTemplate)
	if err != nil {
		return "", fmt.Errorf("query consent templates: %w", err)
	}
	scoped, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Template])
	if err != nil {
		return "", fmt.Errorf("scan consent templates: %w", err)
	}
	return PickTemplate(preferred, scoped), nil
}

// Options lists templates scoped to the procedure template or unscoped,
// most recently modified first, and the procedure's consents, newest first.
func (r *Repository) Options(ctx context.Context, procedureID, procedureTemplate string) (*Options, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT name, title, procedure_template FROM consent_templates
		WHERE procedure_template = $1 OR procedure_template = ''
		ORDER BY updated_at DESC`, procedureTemplate)
	if err != nil {
		return nil, fmt.Errorf("query consent templates: %w", err)
	}
	templates, err := pgx.CollectRows(rows, pgx.RowToStructByPos[TemplateOption])
	if err != nil {
		return nil, fmt.Errorf("scan consent templates: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT id, template, signed_by, status, docstatus FROM consent_forms
		WHERE clinical_procedure = $1 ORDER BY created_at DESC`, procedureID)
	if err != nil {
		return nil, fmt.Errorf("query consent forms: %w", err)
	}
	consents, err := pgx.CollectRows(rows, pgx.RowToStructByPos[Summary])
	if err != nil {
		return nil, fmt.Errorf("scan consent forms: %w", err)
	}

	return &Options{Templates: templates, Consents: consents}, nil
}
