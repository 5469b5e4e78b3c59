package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/realtime"
	"github.com/dohealth/clinicflow/internal/scheduling"
	"github.com/dohealth/clinicflow/internal/settings"
	"github.com/dohealth/clinicflow/internal/uiconfig"
)

type fakeAvailability struct{ minutes int }

func (f *fakeAvailability) ParseDate(v string) (time.Time, error) {
	return time.Parse(time.DateOnly, v)
}

func (f *fakeAvailability) Availability(ctx context.Context, practitionerID string, date time.Time, minutes int) (*scheduling.Availability, error) {
	f.minutes = minutes
	return &scheduling.Availability{Practitioner: practitionerID, Date: date.Format(time.DateOnly)}, nil
}

type unreachableSettings struct{}

func (unreachableSettings) Get(ctx context.Context) (*settings.Settings, error) {
	return nil, errors.New("settings unavailable")
}

type fakeSubscriber struct {
	event string
	msgs  chan []byte
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, event string) (<-chan []byte, error) {
	f.event = event
	return f.msgs, nil
}

func newDeskHandler(sub realtime.Subscriber) (*DeskHandler, *fakeAvailability) {
	avail := &fakeAvailability{}
	return NewDeskHandler(avail, uiconfig.NewService(unreachableSettings{}), sub, nil), avail
}

func TestDeskAvailability(t *testing.T) {
	h, avail := newDeskHandler(nil)
	routes := h.PractitionerRoutes()

	var out scheduling.Availability
	decodeBody(t, serve(t, routes, http.MethodGet, "/HLC-PRAC-1/availability?date=2026-03-10&duration=20", "", receptionist), &out)
	if out.Practitioner != "HLC-PRAC-1" || out.Date != "2026-03-10" || avail.minutes != 20 {
		t.Errorf("availability = %+v minutes %d", out, avail.minutes)
	}

	if rec := serve(t, routes, http.MethodGet, "/HLC-PRAC-1/availability?date=2026-03-10&duration=half", "", receptionist); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("bad duration = %d, want 422", rec.Code)
	}
}

func TestDeskGuestConfig(t *testing.T) {
	h, _ := newDeskHandler(nil)

	rec := serve(t, http.HandlerFunc(h.Boot), http.MethodGet, "/boot", "", auth.Guest())
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "{}" {
		t.Errorf("guest boot = %d %s", rec.Code, rec.Body)
	}

	var cal uiconfig.CalendarPreferences
	decodeBody(t, serve(t, h.UIRoutes(), http.MethodGet, "/calendar", "", auth.Guest()), &cal)
	if len(cal.Config) == 0 {
		t.Error("guest calendar has no defaults")
	}

	// Signed-in users need settings
	if rec := serve(t, http.HandlerFunc(h.Boot), http.MethodGet, "/boot", "", receptionist); rec.Code != http.StatusInternalServerError {
		t.Errorf("boot without settings = %d, want 500", rec.Code)
	}
}

func TestDeskStream(t *testing.T) {
	sub := &fakeSubscriber{msgs: make(chan []byte, 1)}
	h, _ := newDeskHandler(sub)

	r := chi.NewRouter()
	r.Get("/realtime/{event}", h.Stream)

	if rec := serve(t, r, http.MethodGet, "/realtime/unknown", "", receptionist); rec.Code != http.StatusNotFound {
		t.Errorf("unknown event = %d, want 404", rec.Code)
	}

	sub.msgs <- []byte(`{"name":"APT-1"}`)
	close(sub.msgs)

	req := httptest.NewRequest(http.MethodGet, "/realtime/"+realtime.EventAppointmentCreated, nil)
	req = req.WithContext(auth.WithUser(req.Context(), receptionist))
	out := httptest.NewRecorder()
	r.ServeHTTP(out, req)

	if sub.event != realtime.EventAppointmentCreated {
		t.Errorf("subscribed to %q", sub.event)
	}
	if ct := out.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	want := "event: appointment_created\ndata: {\"name\":\"APT-1\"}\n\n"
	if out.Body.String() != want {
		t.Errorf("stream body = %q, want %q", out.Body.String(), want)
	}
}
