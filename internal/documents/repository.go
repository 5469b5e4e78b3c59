package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Repository stores file metadata in patient_files
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `id, patient, attached_to_doctype, attached_to_name, file_name, object_key,
	content_type, file_size, content_hash, is_private, owner, created_at`

func scan(row pgx.Row) (File, error) {
	var f File
	err := row.Scan(&f.ID, &f.Patient, &f.DocType, &f.DocName, &f.FileName, &f.ObjectKey,
		&f.ContentType, &f.Size, &f.ContentHash, &f.IsPrivate, &f.Owner, &f.CreatedAt)
	return f, err
}

// Insert records an uploaded file
func (r *Repository) Insert(ctx context.Context, f *File) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patient_files (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.Patient, f.DocType, f.DocName, f.FileName, f.ObjectKey,
		f.ContentType, f.Size, f.ContentHash, f.IsPrivate, f.Owner, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// Get loads one file
func (r *Repository) Get(ctx context.Context, id string) (*File, error) {
	f, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM patient_files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("File", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return &f, nil
}

// ForPatient lists the files of a patient and its records, newest first
func (r *Repository) ForPatient(ctx context.Context, patientID string) ([]File, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM patient_files
		WHERE patient = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (File, error) { return scan(row) })
}

// Delete removes the metadata row
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM patient_files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("File", id)
	}
	return nil
}
