package relationship

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
)

// Repository stores relationships and keeps reciprocal rows in sync
type Repository struct {
	pool     *pgxpool.Pool
	patients *patient.Repository
	logger   *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, patients *patient.Repository, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, patients: patients, logger: logger}
}

const columns = `id, patient, related_patient, relation, inverse_relation, notes, created_at, updated_at`

func scan(row pgx.Row) (Relationship, error) {
	var r Relationship
	err := row.Scan(&r.ID, &r.Patient, &r.RelatedPatient, &r.Relation, &r.InverseRelation, &r.Notes, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func collect(rows pgx.Rows) ([]Relationship, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Relationship, error) { return scan(row) })
}

// Create inserts a relationship and its reciprocal
func (r *Repository) Create(ctx context.Context, rel Relationship) (*Relationship, error) {
	if err := rel.Normalize(); err != nil {
		return nil, err
	}

	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := guardDuplicate(ctx, tx, rel); err != nil {
		return nil, err
	}

	rel.ID = uuid.New().String()
	now := time.Now().UTC()
	rel.CreatedAt, rel.UpdatedAt = now, now
	if err := insert(ctx, tx, rel); err != nil {
		return nil, err
	}
	if err := syncReciprocal(ctx, tx, rel); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	r.logger.Info("relationship created",
		zap.String("patient", rel.Patient),
		zap.String("related_patient", rel.RelatedPatient),
		zap.String("relation", rel.Relation))
	return &rel, nil
}

// Update changes the label or notes of a relationship and resyncs its reciprocal
func (r *Repository) Update(ctx context.Context, id, relation string, notes *string) (*Relationship, error) {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rel, err := scan(tx.QueryRow(ctx, `SELECT `+columns+` FROM patient_relationships WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Patient Relationship", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship: %w", err)
	}

	if relation != "" {
		rel.Relation = relation
	}
	if notes != nil {
		rel.Notes = *notes
	}
	if err := rel.Normalize(); err != nil {
		return nil, err
	}
	rel.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE patient_relationships SET relation = $2, inverse_relation = $3, notes = $4, updated_at = $5
		WHERE id = $1`, rel.ID, rel.Relation, rel.InverseRelation, rel.Notes, rel.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update relationship: %w", err)
	}
	if err := syncReciprocal(ctx, tx, rel); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &rel, nil
}

// Delete removes a relationship and its reciprocal
func (r *Repository) Delete(ctx context.Context, id string) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var p, related string
	err = tx.QueryRow(ctx, `DELETE FROM patient_relationships WHERE id = $1 RETURNING patient, related_patient`, id).
		Scan(&p, &related)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("Patient Relationship", id)
	}
	if err != nil {
		return fmt.Errorf("delete relationship: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM patient_relationships WHERE patient = $1 AND related_patient = $2`, related, p); err != nil {
		return fmt.Errorf("delete reciprocal: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ForPatient lists relations seen from patientID
func (r *Repository) ForPatient(ctx context.Context, patientID string, on time.Time) ([]Relation, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM patient_relationships WHERE patient = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	forward, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("scan relationships: %w", err)
	}

	rows, err = r.pool.Query(ctx, `SELECT `+columns+` FROM patient_relationships WHERE related_patient = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query reverse relationships: %w", err)
	}
	reverse, err := collect(rows)
	if err != nil {
		return nil, fmt.Errorf("scan reverse relationships: %w", err)
	}

	ids := make([]string, 0, len(forward)+len(reverse))
	for _, rel := range forward {
		ids = append(ids, rel.RelatedPatient)
	}
	for _, rel := range reverse {
		ids = append(ids, rel.Patient)
	}
	details, err := r.patients.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	return Combine(forward, reverse, details, on), nil
}

func guardDuplicate(ctx context.Context, tx pgx.Tx, rel Relationship) error {
	var existing string
	err := tx.QueryRow(ctx, `
		SELECT id FROM patient_relationships
		WHERE patient = $1 AND related_patient = $2 AND id <> $3
		LIMIT 1`, rel.Patient, rel.RelatedPatient, rel.ID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check duplicate relationship: %w", err)
	}
	return DuplicateError(rel.Patient, rel.RelatedPatient, existing)
}

func insert(ctx context.Context, tx pgx.Tx, rel Relationship) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO patient_relationships (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rel.ID, rel.Patient, rel.RelatedPatient, rel.Relation, rel.InverseRelation, rel.Notes, rel.CreatedAt, rel.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert relationship: %w", err)
	}
	return nil
}

// syncReciprocal inserts the mirrored row or corrects its labels. It writes
// the row directly, so the mirror never triggers a sync of its own.
func syncReciprocal(ctx context.Context, tx pgx.Tx, rel Relationship) error {
	existing, err := scan(tx.QueryRow(ctx, `
		SELECT `+columns+` FROM patient_relationships
		WHERE patient = $1 AND related_patient = $2 LIMIT 1`, rel.RelatedPatient, rel.Patient))
	if errors.Is(err, pgx.ErrNoRows) {
		mirror := rel.Reciprocal()
		mirror.ID = uuid.New().String()
		mirror.CreatedAt, mirror.UpdatedAt = rel.UpdatedAt, rel.UpdatedAt
		return insert(ctx, tx, mirror)
	}
	if err != nil {
		return fmt.Errorf("find reciprocal: %w", err)
	}
	if rel.InSyncWith(existing) {
		return nil
	}
	mirror := rel.Reciprocal()
	_, err = tx.Exec(ctx, `
		UPDATE patient_relationships SET relation = $2, inverse_relation = $3, updated_at = $4
		WHERE id = $1`, existing.ID, mirror.Relation, mirror.InverseRelation, rel.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update reciprocal: %w", err)
	}
	return nil
}
