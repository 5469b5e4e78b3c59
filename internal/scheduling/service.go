package scheduling

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dohealth/clinicflow/internal/apperr"
)

// Practitioner is the subset of practitioner data needed for scheduling
type Practitioner struct {
	ID         string
	Name       string
	Department string
}

// BookingFilter selects the non-cancelled appointments of a day. An empty
// Practitioner matches every practitioner of the service unit.
type BookingFilter struct {
	Practitioner string
	ServiceUnit  string
	DayStart     time.Time
	DayEnd       time.Time
}

// Store reads schedules, availability windows and bookings
type Store interface {
	Practitioner(ctx context.Context, id string) (*Practitioner, error)
	Schedules(ctx context.Context, practitioner string) ([]Schedule, error)
	Windows(ctx context.Context, practitioner string, date time.Time) ([]Window, error)
	Unavailability(ctx context.Context, date time.Time, scopes []string) ([]Booking, error)
	Bookings(ctx context.Context, f BookingFilter) ([]Booking, error)
}

// Availability is the answer to an availability query
type Availability struct {
	Practitioner string      `json:"practitioner"`
	Date         string      `json:"date"`
	SlotDetails  []SlotGroup `json:"slot_details"`
}

// Service answers availability queries
type Service struct {
	store  Store
	loc    *time.Location
	tracer trace.Tracer
}

// NewService creates the scheduling service. Dates are interpreted in loc.
func NewService(store Store, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{store: store, loc: loc, tracer: otel.Tracer("scheduling")}
}

// ParseDate parses a YYYY-MM-DD day in the clinic time zone
func (s *Service) ParseDate(v string) (time.Time, error) {
	d, err := time.ParseInLocation(time.DateOnly, v, s.loc)
	if err != nil {
		return time.Time{}, apperr.Validation(fmt.Sprintf("invalid date %q", v), map[string]string{"date": "YYYY-MM-DD"})
	}
	return d, nil
}

// Availability lists the slot groups of a practitioner on date for
// appointments of the given length in minutes.
func (s *Service) Availability(ctx context.Context, practitionerID string, date time.Time, minutes int) (*Availability, error) {
	ctx, span := s.tracer.Start(ctx, "scheduling.availability",
		trace.WithAttributes(
			attribute.String("practitioner", practitionerID),
			attribute.Int("duration", minutes),
		))
	defer span.End()

	if minutes <= 0 {
		return nil, apperr.Validation("Duration must be greater than zero", map[string]string{"duration": "positive"})
	}
	pr, err := s.store.Practitioner(ctx, practitionerID)
	if err != nil {
		return nil, err
	}

	lt := date.In(s.loc)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)
	next := day.AddDate(0, 0, 1)

	schedules, err := s.store.Schedules(ctx, pr.ID)
	if err != nil {
		return nil, err
	}
	windows, err := s.store.Windows(ctx, pr.ID, day)
	if err != nil {
		return nil, err
	}
	if len(schedules) == 0 && len(windows) == 0 {
		return nil, apperr.Validation(
			fmt.Sprintf("%s does not have a Practitioner Schedule or Availability", pr.ID),
			map[string]string{"practitioner": "no_schedule"})
	}

	out := &Availability{Practitioner: pr.ID, Date: day.Format(time.DateOnly), SlotDetails: []SlotGroup{}}

	for _, sch := range schedules {
		f := BookingFilter{Practitioner: pr.ID, ServiceUnit: sch.ServiceUnit, DayStart: day, DayEnd: next}
		// a unit that does not allow overlap is booked by anyone's appointments
		if sch.ServiceUnit != "" && !sch.AllowOverlap {
			f.Practitioner = ""
		}
		booked, err := s.occupied(ctx, f, day, pr.ID, pr.Department, sch.ServiceUnit)
		if err != nil {
			return nil, err
		}
		if g := BuildSchedule(sch, day, booked); g != nil {
			out.SlotDetails = append(out.SlotDetails, *g)
		}
	}

	for _, w := range windows {
		if !w.OccursOn(day) {
			continue
		}
		booked, err := s.occupied(ctx, BookingFilter{Practitioner: pr.ID, DayStart: day, DayEnd: next}, day, pr.ID, pr.Department)
		if err != nil {
			return nil, err
		}
		if g := BuildWindow(w, day, minutes, booked); g != nil {
			out.SlotDetails = append(out.SlotDetails, *g)
		}
	}

	span.SetAttributes(attribute.Int("groups", len(out.SlotDetails)))
	return out, nil
}

// occupied returns the day's bookings followed by the unavailability blocks
// of the given scopes.
func (s *Service) occupied(ctx context.Context, f BookingFilter, day time.Time, scopes ...string) ([]Booking, error) {
	booked, err := s.store.Bookings(ctx, f)
	if err != nil {
		return nil, err
	}
	var nonEmpty []string
	for _, sc := range scopes {
		if sc != "" {
			nonEmpty = append(nonEmpty, sc)
		}
	}
	blocks, err := s.store.Unavailability(ctx, day, nonEmpty)
	if err != nil {
		return nil, err
	}
	return append(booked, blocks...), nil
}
