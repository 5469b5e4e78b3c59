package encounter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dohealth/clinicflow/internal/apperr"
)

func TestValidateDefaults(t *testing.T) {
	now := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	e := &Encounter{Patient: "P1"}
	if err := e.Validate(now); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if e.Status != StatusOpen || !e.EncounterAt.Equal(now) {
		t.Errorf("unexpected defaults: %+v", e)
	}
	if err := (&Encounter{}).Validate(now); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSubmit(t *testing.T) {
	e := &Encounter{ID: "ENC-1", Status: StatusOpen}
	if err := e.Submit(); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if e.DocStatus != 1 || e.Status != StatusCompleted {
		t.Errorf("unexpected state: %+v", e)
	}
	if err := e.Submit(); !apperr.IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	tests := []struct {
		name        string
		docStatus   int
		plan        *TherapyPlan
		wantErr     string
		wantPlanSt  string
		wantEncStat Status
	}{
		{name: "no plan", docStatus: 1, wantEncStat: StatusCancelled},
		{name: "plan not started", docStatus: 1, plan: &TherapyPlan{ID: "TP-1", Status: TherapyNotStarted},
			wantPlanSt: TherapyCancelled, wantEncStat: StatusCancelled},
		{name: "plan in progress", docStatus: 1, plan: &TherapyPlan{ID: "TP-2", Status: TherapyInProgress},
			wantErr: "Cannot cancel encounter with In Progress therapy plan TP-2", wantPlanSt: TherapyInProgress},
		{name: "plan completed", docStatus: 1, plan: &TherapyPlan{ID: "TP-3", Status: TherapyCompleted},
			wantErr: "Cannot cancel encounter with Completed therapy plan TP-3", wantPlanSt: TherapyCompleted},
		{name: "draft", docStatus: 0, wantErr: "Patient Encounter ENC-1 must be submitted before it can be cancelled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Encounter{ID: "ENC-1", DocStatus: tt.docStatus, Status: StatusCompleted}
			err := e.Cancel(tt.plan)
			if tt.wantErr != "" {
				if !apperr.IsConflict(err) {
					t.Fatalf("expected conflict, got %v", err)
				}
				if got := apperr.As(err).Message; got != tt.wantErr {
					t.Errorf("message = %q, want %q", got, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			} else if e.Status != tt.wantEncStat || e.DocStatus != 2 {
				t.Errorf("unexpected encounter state: %+v", e)
			}
			if tt.plan != nil && tt.plan.Status != tt.wantPlanSt {
				t.Errorf("plan status = %q, want %q", tt.plan.Status, tt.wantPlanSt)
			}
		})
	}
}

func TestEventRoundTripAndKey(t *testing.T) {
	e := &Encounter{ID: "ENC-9", Patient: "P1", Appointment: "APT-3", Status: StatusCompleted}
	ev := NewEvent(e, EventSubmitted)
	if ev.Key() != "APT-3" {
		t.Errorf("Key() = %q, want appointment id", ev.Key())
	}

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseEvent(data)
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	if parsed.EventType != EventSubmitted || parsed.Appointment != "APT-3" {
		t.Errorf("unexpected parsed event: %+v", parsed)
	}

	if _, err := ParseEvent([]byte(`{"event_type":""}`)); err == nil {
		t.Error("expected error for incomplete event")
	}

	walkIn := NewEvent(&Encounter{ID: "ENC-10"}, EventCreated)
	if walkIn.Key() != "ENC-10" {
		t.Errorf("Key() = %q, want encounter id", walkIn.Key())
	}
}
