package workflow

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
)

// Appointment returns the current state of an appointment.
func (s *Service) Appointment(ctx context.Context, id string) (*appointment.State, error) {
	agg, err := s.Appointments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	st := agg.State()
	return &st, nil
}

func (s *Service) editItems(ctx context.Context, id, op string, fn func(*appointment.Aggregate) error) (*appointment.State, error) {
	ctx, span := s.tracer.Start(ctx, "workflow."+op,
		trace.WithAttributes(attribute.String("appointment_id", id)))
	defer span.End()

	agg, err := s.Appointments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(agg); err != nil {
		return nil, err
	}
	if err := s.Appointments.Save(ctx, agg); err != nil {
		return nil, err
	}
	st := agg.State()
	return &st, nil
}

// AddBillingItem appends a billing row to an appointment.
func (s *Service) AddBillingItem(ctx context.Context, id, itemCode, itemName string, qty decimal.Decimal) (*appointment.State, error) {
	return s.editItems(ctx, id, "add_billing_item", func(agg *appointment.Aggregate) error {
		_, err := agg.AddBillingItem(itemCode, itemName, qty)
		return err
	})
}

// UpdateBillingItemQty changes the quantity of a billing row.
func (s *Service) UpdateBillingItemQty(ctx context.Context, id, itemID string, qty decimal.Decimal) (*appointment.State, error) {
	return s.editItems(ctx, id, "update_billing_item", func(agg *appointment.Aggregate) error {
		return agg.UpdateBillingItemQty(itemID, qty)
	})
}

// RemoveBillingItem deletes a billing row.
func (s *Service) RemoveBillingItem(ctx context.Context, id, itemID string) (*appointment.State, error) {
	return s.editItems(ctx, id, "remove_billing_item", func(agg *appointment.Aggregate) error {
		return agg.RemoveBillingItem(itemID)
	})
}

// CalendarStore reads the calendar views of appointments
type CalendarStore interface {
	CalendarRows(ctx context.Context, start, end time.Time, excludeCancelled bool) ([]appointment.CalendarRow, error)
	CountsByDay(ctx context.Context, start, end time.Time, loc *time.Location) (map[string]int, error)
}

// Calendar serves the appointment calendar
type Calendar struct {
	store CalendarStore
	loc   *time.Location
}

// NewCalendar creates the calendar reader. Day boundaries use loc.
func NewCalendar(store CalendarStore, loc *time.Location) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{store: store, loc: loc}
}

// Events returns the appointments starting in [start, end). Cancelled
// bookings are left out unless showCancelled is set.
func (c *Calendar) Events(ctx context.Context, start, end time.Time, showCancelled bool) ([]appointment.CalendarEvent, error) {
	if !end.After(start) {
		return nil, apperr.Validation("end must be after start", map[string]string{"end": "after_start"})
	}
	rows, err := c.store.CalendarRows(ctx, start, end, !showCancelled)
	if err != nil {
		return nil, err
	}
	out := make([]appointment.CalendarEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, appointment.ToCalendarEvent(row))
	}
	return out, nil
}

// MonthCounts returns the number of non-cancelled appointments per day.
func (c *Calendar) MonthCounts(ctx context.Context, start, end time.Time) (map[string]int, error) {
	if !end.After(start) {
		return nil, apperr.Validation("end must be after start", map[string]string{"end": "after_start"})
	}
	return c.store.CountsByDay(ctx, start, end, c.loc)
}

// Location is the clinic time zone used for day boundaries
func (c *Calendar) Location() *time.Location { return c.loc }
