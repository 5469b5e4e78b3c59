package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/infrastructure/postgres"
	"github.com/dohealth/clinicflow/internal/infrastructure/redpanda"
)

// ErrConcurrentUpdate is returned when the stored version moved underneath a save
var ErrConcurrentUpdate = errors.New("appointment was modified concurrently")

// Repository persists appointments and writes their events to the outbox
type Repository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{pool: pool, logger: logger}
}

const selectColumns = `
	a.id, a.patient, a.patient_name, a.practitioner, a.practitioner_name, a.company,
	a.appointment_type, a.department, a.service_unit, a.starts_at, a.duration_minutes,
	a.booking_status, a.visit_status, a.payment_type, a.insurance_policy, a.billing_status,
	a.patient_invoice, a.insurance_invoice, a.insurance_status, a.visit_reason, a.notes,
	a.version, a.created_at, a.updated_at`

func scanState(row pgx.Row, s *State, extra ...any) error {
	dest := []any{
		&s.ID, &s.Patient, &s.PatientName, &s.Practitioner, &s.PractitionerName, &s.Company,
		&s.AppointmentType, &s.Department, &s.ServiceUnit, &s.StartsAt, &s.DurationMinutes,
		&s.BookingStatus, &s.VisitStatus, &s.PaymentType, &s.InsurancePolicy, &s.BillingStatus,
		&s.PatientInvoice, &s.InsuranceInvoice, &s.InsuranceStatus, &s.VisitReason, &s.Notes,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	}
	return row.Scan(append(dest, extra...)...)
}

// Save persists the aggregate state and its uncommitted events in one transaction
func (r *Repository) Save(ctx context.Context, agg *Aggregate) error {
	changes := agg.Changes()
	if len(changes) == 0 {
		return nil
	}

	tx, err := postgres.Begin(ctx, r.pool)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	s := agg.State()
	prevVersion := s.Version - len(changes)

	if prevVersion == 0 {
		if err := r.insertRow(ctx, tx, s); err != nil {
			return err
		}
	} else if err := r.updateRow(ctx, tx, s, prevVersion); err != nil {
		return err
	}

	if err := r.appendTimeLogs(ctx, tx, s.ID, changes); err != nil {
		return err
	}
	if err := r.replaceBillingItems(ctx, tx, s); err != nil {
		return err
	}

	for _, event := range changes {
		payload, err := eventPayload(event)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := postgres.WriteEntry(ctx, tx, &postgres.OutboxEntry{
			AggregateID:   event.AggregateID,
			AggregateType: event.AggregateType,
			EventType:     string(event.EventType),
			Payload:       payload,
			KafkaTopic:    redpanda.TopicAppointmentEvents,
			KafkaKey:      event.AggregateID,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	agg.ClearChanges()
	return nil
}

func (r *Repository) insertRow(ctx context.Context, tx pgx.Tx, s State) error {
	query := `
		INSERT INTO appointments
		(id, patient, patient_name, practitioner, practitioner_name, company, appointment_type,
		 department, service_unit, starts_at, duration_minutes, booking_status, visit_status,
		 payment_type, insurance_policy, billing_status, patient_invoice, insurance_invoice,
		 insurance_status, visit_reason, notes, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
	`
	_, err := tx.Exec(ctx, query,
		s.ID, s.Patient, s.PatientName, s.Practitioner, s.PractitionerName, s.Company, s.AppointmentType,
		s.Department, s.ServiceUnit, s.StartsAt, s.DurationMinutes, s.BookingStatus, s.VisitStatus,
		s.PaymentType, s.InsurancePolicy, s.BillingStatus, s.PatientInvoice, s.InsuranceInvoice,
		s.InsuranceStatus, s.VisitReason, s.Notes, s.Version, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *Repository) updateRow(ctx context.Context, tx pgx.Tx, s State, prevVersion int) error {
	query := `
		UPDATE appointments SET
			booking_status = $3, visit_status = $4, payment_type = $5, insurance_policy = $6,
			billing_status = $7, patient_invoice = $8, insurance_invoice = $9,
			insurance_status = $10, notes = $11, version = $12, updated_at = $13
		WHERE id = $1 AND version = $2
	`
	tag, err := tx.Exec(ctx, query,
		s.ID, prevVersion, s.BookingStatus, s.VisitStatus, s.PaymentType, s.InsurancePolicy,
		s.BillingStatus, s.PatientInvoice, s.InsuranceInvoice, s.InsuranceStatus, s.Notes,
		s.Version, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (r *Repository) appendTimeLogs(ctx context.Context, tx pgx.Tx, id string, changes []*Event) error {
	for _, event := range changes {
		if event.EventType != EventVisitStatusChanged {
			continue
		}
		var data VisitStatusChangedData
		if err := json.Unmarshal(event.EventData, &data); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO appointment_time_logs (appointment_id, status, time) VALUES ($1, $2, $3)`,
			id, data.New, data.At)
		if err != nil {
			return fmt.Errorf("insert time log: %w", err)
		}
	}
	return nil
}

func (r *Repository) replaceBillingItems(ctx context.Context, tx pgx.Tx, s State) error {
	if _, err := tx.Exec(ctx, `DELETE FROM appointment_billing_items WHERE appointment_id = $1`, s.ID); err != nil {
		return fmt.Errorf("clear billing items: %w", err)
	}
	for i, it := range s.BillingItems {
		_, err := tx.Exec(ctx, `
			INSERT INTO appointment_billing_items
			(id, appointment_id, idx, item_code, item_name, qty, override_rate, override_reason, override_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			it.ID, s.ID, i+1, it.ItemCode, it.ItemName, it.Qty, it.OverrideRate, it.OverrideReason, it.OverrideBy)
		if err != nil {
			return fmt.Errorf("insert billing item: %w", err)
		}
	}
	return nil
}

// Get loads an appointment with its time logs and billing items
func (r *Repository) Get(ctx context.Context, id string) (*Aggregate, error) {
	var s State
	err := scanState(r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM appointments a WHERE a.id = $1`, id), &s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Patient Appointment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if err := r.loadChildren(ctx, &s); err != nil {
		return nil, err
	}
	return Rehydrate(s), nil
}

// GetByBillingItem loads the appointment owning a billing row
func (r *Repository) GetByBillingItem(ctx context.Context, itemID string) (*Aggregate, error) {
	var id string
	err := r.pool.QueryRow(ctx, `SELECT appointment_id FROM appointment_billing_items WHERE id = $1`, itemID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Appointment Billing Item", itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("find billing item: %w", err)
	}
	return r.Get(ctx, id)
}

func (r *Repository) loadChildren(ctx context.Context, s *State) error {
	rows, err := r.pool.Query(ctx,
		`SELECT status, time FROM appointment_time_logs WHERE appointment_id = $1 ORDER BY id ASC`, s.ID)
	if err != nil {
		return fmt.Errorf("query time logs: %w", err)
	}
	s.TimeLogs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (TimeLog, error) {
		var l TimeLog
		err := row.Scan(&l.Status, &l.Time)
		return l, err
	})
	if err != nil {
		return fmt.Errorf("scan time logs: %w", err)
	}

	rows, err = r.pool.Query(ctx, `
		SELECT id, item_code, item_name, qty, override_rate, override_reason, override_by
		FROM appointment_billing_items WHERE appointment_id = $1 ORDER BY idx ASC`, s.ID)
	if err != nil {
		return fmt.Errorf("query billing items: %w", err)
	}
	s.BillingItems, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (BillingItem, error) {
		var it BillingItem
		err := row.Scan(&it.ID, &it.ItemCode, &it.ItemName, &it.Qty, &it.OverrideRate, &it.OverrideReason, &it.OverrideBy)
		return it, err
	})
	if err != nil {
		return fmt.Errorf("scan billing items: %w", err)
	}
	return nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]State, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	states, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (State, error) {
		var s State
		err := scanState(row, &s)
		return s, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan appointments: %w", err)
	}
	for i := range states {
		if err := r.loadChildren(ctx, &states[i]); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// FindByInvoice returns appointments referencing invoice as patient or insurance invoice
func (r *Repository) FindByInvoice(ctx context.Context, invoice string) ([]State, error) {
	return r.list(ctx, `SELECT `+selectColumns+` FROM appointments a
		WHERE a.patient_invoice = $1 OR a.insurance_invoice = $1`, invoice)
}

// FindByPatient returns a patient's appointments, newest first
func (r *Repository) FindByPatient(ctx context.Context, patient string) ([]State, error) {
	return r.list(ctx, `SELECT `+selectColumns+` FROM appointments a
		WHERE a.patient = $1 ORDER BY a.starts_at DESC`, patient)
}

// DueForNoShow returns scheduled appointments starting within [from, to]
func (r *Repository) DueForNoShow(ctx context.Context, from, to time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM appointments
		WHERE visit_status = $1 AND starts_at BETWEEN $2 AND $3
		ORDER BY starts_at`, VisitScheduled, from, to)
	if err != nil {
		return nil, fmt.Errorf("query no-show candidates: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// WaitingList returns today's arrived patients ordered by practitioner then arrival
func (r *Repository) WaitingList(ctx context.Context, dayStart, dayEnd time.Time, limit int) ([]WaitingEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.appointment_type, a.patient, a.patient_name, p.mobile, p.dob, p.cpr,
		       p.file_number, p.image, p.sex, a.practitioner, a.practitioner_name,
		       a.visit_status, at.arrival_time, a.starts_at
		FROM appointments a
		LEFT JOIN (
			SELECT appointment_id, MAX(time) AS arrival_time
			FROM appointment_time_logs WHERE status = $1 GROUP BY appointment_id
		) at ON at.appointment_id = a.id
		LEFT JOIN patients p ON p.id = a.patient
		WHERE a.visit_status = $1 AND a.starts_at >= $2 AND a.starts_at < $3
		ORDER BY a.practitioner_name, at.arrival_time ASC
		LIMIT $4`, VisitArrived, dayStart, dayEnd, limit)
	if err != nil {
		return nil, fmt.Errorf("query waiting list: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (WaitingEntry, error) {
		var e WaitingEntry
		var mobile, cpr, fileNo, image, sex *string
		err := row.Scan(&e.Name, &e.AppointmentType, &e.Patient, &e.PatientName, &mobile, &e.BirthDate,
			&cpr, &fileNo, &image, &sex, &e.Practitioner, &e.PractitionerName, &e.VisitStatus,
			&e.ArrivalTime, &e.StartsAt)
		e.Mobile, e.CPR, e.FileNumber, e.PatientImage, e.Gender = deref(mobile), deref(cpr), deref(fileNo), deref(image), deref(sex)
		return e, err
	})
}

// CalendarRows returns appointments starting in [start, end) with joined details
func (r *Repository) CalendarRows(ctx context.Context, start, end time.Time, excludeCancelled bool) ([]CalendarRow, error) {
	query := `SELECT ` + selectColumns + `,
		COALESCE(pr.background_color, ''), COALESCE(pr.text_color, ''), COALESCE(su.name, ''),
		COALESCE(p.image, ''), COALESCE(p.file_number, ''), COALESCE(p.mobile, ''), p.dob,
		COALESCE(p.cpr, ''), COALESCE(p.sex, ''),
		(SELECT MAX(l.time) FROM appointment_time_logs l WHERE l.appointment_id = a.id AND l.status = $3)
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient
		LEFT JOIN practitioners pr ON pr.id = a.practitioner
		LEFT JOIN service_units su ON su.id = a.service_unit
		WHERE a.starts_at >= $1 AND a.starts_at < $2`
	if excludeCancelled {
		query += ` AND a.booking_status <> 'Cancelled'`
	}
	query += ` ORDER BY a.starts_at`

	rows, err := r.pool.Query(ctx, query, start, end, VisitArrived)
	if err != nil {
		return nil, fmt.Errorf("query calendar: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (CalendarRow, error) {
		var c CalendarRow
		var arrival *time.Time
		err := scanState(row, &c.State,
			&c.PractitionerBackground, &c.PractitionerText, &c.RoomName, &c.PatientImage,
			&c.FileNumber, &c.Mobile, &c.BirthDate, &c.CPR, &c.Gender, &arrival)
		if arrival != nil {
			c.TimeLogs = []TimeLog{{Status: VisitArrived, Time: *arrival}}
		}
		return c, err
	})
}

// CountsByDay counts non-cancelled appointments per local day in [start, end)
func (r *Repository) CountsByDay(ctx context.Context, start, end time.Time, loc *time.Location) (map[string]int, error) {
	if loc == nil {
		loc = time.UTC
	}
	rows, err := r.pool.Query(ctx, `
		SELECT to_char((starts_at AT TIME ZONE $3)::date, 'YYYY-MM-DD') AS day, COUNT(*)
		FROM appointments
		WHERE starts_at >= $1 AND starts_at < $2 AND booking_status <> 'Cancelled'
		GROUP BY day`, start, end, loc.String())
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan counts: %w", err)
		}
		counts[day] = n
	}
	return counts, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
