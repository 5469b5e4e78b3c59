package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Repository reads scheduling data from Postgres
type Repository struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewRepository creates a repository. Booking times are reported in loc.
func NewRepository(pool *pgxpool.Pool, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{pool: pool, loc: loc}
}

func offset(t pgtype.Time) time.Duration {
	return time.Duration(t.Microseconds) * time.Microsecond
}

// Practitioner loads a practitioner
func (r *Repository) Practitioner(ctx context.Context, id string) (*Practitioner, error) {
	var p Practitioner
	err := r.pool.QueryRow(ctx,
		`SELECT id, practitioner_name, department FROM practitioners WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Department)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("Healthcare Practitioner", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get practitioner: %w", err)
	}
	return &p, nil
}

// Schedules returns the enabled weekly schedules linked to a practitioner
func (r *Repository) Schedules(ctx context.Context, practitioner string) ([]Schedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT l.schedule, l.service_unit, COALESCE(u.allow_overlap, FALSE), COALESCE(u.capacity, 0),
			s.allow_video, t.day, t.from_time, t.to_time
		FROM practitioner_schedule_links l
		JOIN practitioner_schedules s ON s.name = l.schedule AND NOT s.disabled
		JOIN practitioner_schedule_slots t ON t.schedule = s.name
		LEFT JOIN service_units u ON u.id = l.service_unit
		WHERE l.practitioner = $1
		ORDER BY l.schedule, l.service_unit, t.from_time`, practitioner)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	index := map[string]int{}
	for rows.Next() {
		var (
			sch      Schedule
			day      string
			from, to pgtype.Time
		)
		if err := rows.Scan(&sch.Name, &sch.ServiceUnit, &sch.AllowOverlap, &sch.Capacity, &sch.TeleConf, &day, &from, &to); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		key := sch.Name + "\x00" + sch.ServiceUnit
		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, sch)
		}
		out[i].Slots = append(out[i].Slots, ScheduleSlot{Day: day, From: offset(from), To: offset(to)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedules: %w", err)
	}
	return out, nil
}

// Windows returns active, submitted "Available" windows covering date
func (r *Repository) Windows(ctx context.Context, practitioner string, date time.Time) ([]Window, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.scope, a.service_unit, a.display, a.start_date, a.end_date, a.start_time, a.end_time,
			a.repeat, a.sunday, a.monday, a.tuesday, a.wednesday, a.thursday, a.friday, a.saturday,
			COALESCE(u.allow_overlap, FALSE), COALESCE(u.capacity, 0)
		FROM practitioner_availabilities a
		LEFT JOIN service_units u ON u.id = a.service_unit
		WHERE a.type = 'Available' AND a.status = 'Active' AND a.docstatus = 1
			AND a.scope = $1 AND a.start_date <= $2 AND a.end_date >= $2
		ORDER BY a.start_time`, practitioner, civil(date))
	if err != nil {
		return nil, fmt.Errorf("query availability: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var (
			w          Window
			start, end pgtype.Time
		)
		if err := rows.Scan(&w.ID, &w.Scope, &w.ServiceUnit, &w.Display, &w.StartDate, &w.EndDate, &start, &end,
			&w.Repeat, &w.Weekdays[time.Sunday], &w.Weekdays[time.Monday], &w.Weekdays[time.Tuesday],
			&w.Weekdays[time.Wednesday], &w.Weekdays[time.Thursday], &w.Weekdays[time.Friday],
			&w.Weekdays[time.Saturday], &w.AllowOverlap, &w.Capacity); err != nil {
			return nil, fmt.Errorf("scan availability: %w", err)
		}
		w.StartTime, w.EndTime = offset(start), offset(end)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate availability: %w", err)
	}
	return out, nil
}

// Unavailability returns the "Unavailable" blocks covering date for any of scopes
func (r *Repository) Unavailability(ctx context.Context, date time.Time, scopes []string) ([]Booking, error) {
	if len(scopes) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, start_date, start_time, duration, type, reason, note
		FROM practitioner_availabilities
		WHERE type = 'Unavailable' AND docstatus = 1
			AND start_date <= $1 AND end_date >= $1 AND scope = ANY($2)
		ORDER BY start_time`, civil(date), scopes)
	if err != nil {
		return nil, fmt.Errorf("query unavailability: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var (
			b     Booking
			start time.Time
			at    pgtype.Time
		)
		if err := rows.Scan(&b.Name, &start, &at, &b.Duration, &b.Type, &b.Reason, &b.Note); err != nil {
			return nil, fmt.Errorf("scan unavailability: %w", err)
		}
		b.Date = start.Format(time.DateOnly)
		b.Time = clock(offset(at))
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unavailability: %w", err)
	}
	return out, nil
}

// Bookings returns the non-cancelled appointments matching f
func (r *Repository) Bookings(ctx context.Context, f BookingFilter) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, starts_at, duration_minutes, booking_status
		FROM appointments
		WHERE starts_at >= $1 AND starts_at < $2 AND booking_status <> 'Cancelled'
			AND ($3 = '' OR practitioner = $3)
			AND ($4 = '' OR service_unit = $4)
		ORDER BY starts_at`, f.DayStart, f.DayEnd, f.Practitioner, f.ServiceUnit)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var (
			b  Booking
			at time.Time
		)
		if err := rows.Scan(&b.Name, &at, &b.Duration, &b.Status); err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		lt := at.In(r.loc)
		b.Date = lt.Format(time.DateOnly)
		b.Time = lt.Format(time.TimeOnly)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bookings: %w", err)
	}
	return out, nil
}
