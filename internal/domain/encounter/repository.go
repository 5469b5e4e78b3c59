package encounter

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

// Repository persists encounters and publishes their lifecycle events through the outbox
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const columns = `e.id, e.patient, e.appointment, e.practitioner, e.practitioner_name, e.company,
	e.department, e.appointment_type, e.encounter_at, e.status, e.docstatus, e.notes,
	COALESCE((SELECT tp.id FROM therapy_plans tp WHERE tp.encounter = e.id LIMIT 1), ''),
	e.created_at, e.updated_at`

func scan(row pgx.Row) (Encounter, error) {
	var e Encounter
	err := row.Scan(&e.ID, &e.Patient, &e.Appointment, &e.Practitioner, &e.PractitionerName, &e.Company,
		&e.Department, &e.AppointmentType, &e.EncounterAt, &e.Status, &e.DocStatus, &e.Notes,
		&e.TherapyPlan, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// Create inserts an encounter and records EncounterCreated
func (r *Repository) Create(ctx context.Context, e *Encounter) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	_, err = tx.Exec(ctx, `
		INSERT INTO encounters
		(id, patient, appointment, practitioner, practitioner_name, company, department,
		 appointment_type, encounter_at, status, docstatus, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		e.ID, e.Patient, e.Appointment, e.Practitioner, e.PractitionerName, e.Company, e.Department,
		e.AppointmentType, e.EncounterAt, e.Status, e.DocStatus, e.Notes, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert encounter: %w", err)
	}
	if err := writeEvent(ctx, tx, NewEvent(e, EventCreated)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Save updates an encounter, its therapy plan when given, and records eventType
func (r *Repository) Save(ctx context.Context, e *Encounter, plan *TherapyPlan, eventType EventType) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e.UpdatedAt = time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE encounters SET practitioner = $2, practitioner_name = $3, department = $4,
			appointment_type = $5, status = $6, docstatus = $7, notes = $8, updated_at = $9
		WHERE id = $1`,
		e.ID, e.Practitioner, e.PractitionerName, e.Department, e.AppointmentType, e.Status,
		e.DocStatus, e.Notes, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update encounter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Patient Encounter", e.ID)
	}

	if plan != nil {
		if err := setTherapyPlanStatus(ctx, tx, plan.ID, plan.Status); err != nil {
			return err
		}
	}
	if err := writeEvent(ctx, tx, NewEvent(e, eventType)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get loads an encounter
func (r *Repository) Get(ctx context.Context, id string) (*Encounter, error) {
	e, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM encounters e WHERE e.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Patient Encounter", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get encounter: %w", err)
	}
	return &e, nil
}

// LastForPatient returns the most recent encounter of a patient, or nil
func (r *Repository) LastForPatient(ctx context.Context, patientID string) (*Encounter, error) {
	e, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM encounters e
		WHERE e.patient = $1 AND e.docstatus < 2
		ORDER BY e.encounter_at DESC LIMIT 1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last encounter: %w", err)
	}
	return &e, nil
}

// CountForPatient counts a patient's encounters
func (r *Repository) CountForPatient(ctx context.Context, patientID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM encounters WHERE patient = $1`, patientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count encounters: %w", err)
	}
	return n, nil
}

// ForPatient returns a patient's encounters, newest first
func (r *Repository) ForPatient(ctx context.Context, patientID string) ([]Encounter, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM encounters e
		WHERE e.patient = $1 ORDER BY e.encounter_at DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query encounters: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Encounter, error) { return scan(row) })
}

// TherapyPlanFor returns the therapy plan ordered by an encounter, or nil
func (r *Repository) TherapyPlanFor(ctx context.Context, encounterID string) (*TherapyPlan, error) {
	var p TherapyPlan
	err := r.pool.QueryRow(ctx, `
		SELECT id, patient, encounter, status FROM therapy_plans WHERE encounter = $1 LIMIT 1`, encounterID).
		Scan(&p.ID, &p.Patient, &p.Encounter, &p.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get therapy plan: %w", err)
	}
	return &p, nil
}

// SetTherapyPlanStatus updates a therapy plan status
func (r *Repository) SetTherapyPlanStatus(ctx context.Context, id, status string) error {
	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)
	if err := setTherapyPlanStatus(ctx, tx, id, status); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func setTherapyPlanStatus(ctx context.Context, tx pgx.Tx, id, status string) error {
	tag, err := tx.Exec(ctx, `UPDATE therapy_plans SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update therapy plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("Therapy Plan", id)
	}
	return nil
}

func writeEvent(ctx context.Context, tx pgx.Tx, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal encounter event: %w", err)
	}
	return postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
		AggregateID:   ev.EncounterID,
		AggregateType: AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicEncounterEvents,
		KafkaKey:      ev.Key(),
	})
}
