package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/realtime"
	"github.com/dohealth/clinicflow/internal/scheduling"
	"github.com/dohealth/clinicflow/internal/uiconfig"
)

// AvailabilityService answers practitioner availability
type AvailabilityService interface {
	ParseDate(v string) (time.Time, error)
	Availability(ctx context.Context, practitionerID string, date time.Time, minutes int) (*scheduling.Availability, error)
}

// UIConfig serves desk preferences
type UIConfig interface {
	Calendar(ctx context.Context, u *auth.User) (*uiconfig.CalendarPreferences, error)
	Sidebar(ctx context.Context, u *auth.User) (*uiconfig.Sidebar, error)
	Boot(ctx context.Context, u *auth.User) (*uiconfig.Boot, error)
}

// DeskHandler handles availability, UI configuration and the event stream
type DeskHandler struct {
	availability AvailabilityService
	ui           UIConfig
	subscriber   realtime.Subscriber
	keepAlive    time.Duration
	logger       *zap.Logger
}

// NewDeskHandler creates a new handler
func NewDeskHandler(avail AvailabilityService, ui UIConfig, sub realtime.Subscriber, logger *zap.Logger) *DeskHandler {
	return &DeskHandler{
		availability: avail,
		ui:           ui,
		subscriber:   sub,
		keepAlive:    25 * time.Second,
		logger:       nopIfNil(logger),
	}
}

// PractitionerRoutes returns the /practitioners routes
func (h *DeskHandler) PractitionerRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/availability", h.Availability)
	return r
}

// UIRoutes returns the /ui routes
func (h *DeskHandler) UIRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/sidebar", h.Sidebar)
	r.Get("/calendar", h.CalendarPreferences)
	return r
}

// Availability handles GET /practitioners/{id}/availability?date=&duration=
func (h *DeskHandler) Availability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := h.availability.ParseDate(q.Get("date"))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	minutes := 0
	if v := q.Get("duration"); v != "" {
		if minutes, err = strconv.Atoi(v); err != nil {
			respondError(w, r, h.logger, apperr.Validation("Invalid duration", map[string]string{"duration": "integer"}))
			return
		}
	}
	out, err := h.availability.Availability(r.Context(), chi.URLParam(r, "id"), date, minutes)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Boot handles GET /boot
func (h *DeskHandler) Boot(w http.ResponseWriter, r *http.Request) {
	out, err := h.ui.Boot(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Sidebar handles GET /ui/sidebar
func (h *DeskHandler) Sidebar(w http.ResponseWriter, r *http.Request) {
	out, err := h.ui.Sidebar(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// CalendarPreferences handles GET /ui/calendar
func (h *DeskHandler) CalendarPreferences(w http.ResponseWriter, r *http.Request) {
	out, err := h.ui.Calendar(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// Stream handles GET /realtime/{event} as a server-sent event stream.
func (h *DeskHandler) Stream(w http.ResponseWriter, r *http.Request) {
	event := chi.URLParam(r, "event")
	if !realtime.Known(event) {
		respondError(w, r, h.logger, apperr.NotFound("Realtime event", event))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, h.logger, apperr.Internal(fmt.Errorf("streaming unsupported")))
		return
	}

	ctx := r.Context()
	msgs, err := h.subscriber.Subscribe(ctx, event)
	if err != nil {
		respondError(w, r, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, msg)
			flusher.Flush()
		}
	}
}
