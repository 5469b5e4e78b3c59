package patient

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Repository reads patients from PostgreSQL
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, first_name, last_name, patient_name, sex, dob, mobile, phone, email, cpr,
	file_number, image, blood_group, address, preferred_language, customer,
	emergency_contact_name, emergency_relation, emergency_phone, emergency_email,
	created_at, updated_at`

func scan(row pgx.Row) (Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.FirstName, &p.LastName, &p.PatientName, &p.Sex, &p.DOB, &p.Mobile,
		&p.Phone, &p.Email, &p.CPR, &p.FileNumber, &p.Image, &p.BloodGroup, &p.Address,
		&p.PreferredLanguage, &p.Customer, &p.EmergencyContactName, &p.EmergencyRelation,
		&p.EmergencyPhone, &p.EmergencyEmail, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// Get loads a patient by id
func (r *Repository) Get(ctx context.Context, id string) (*Patient, error) {
	p, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM patients WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Patient", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return &p, nil
}

// GetMany loads the patients with the given ids, keyed by id
func (r *Repository) GetMany(ctx context.Context, ids []string) (map[string]Patient, error) {
	out := make(map[string]Patient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM patients WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query patients: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Patient, error) { return scan(row) })
	if err != nil {
		return nil, fmt.Errorf("scan patients: %w", err)
	}
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}
