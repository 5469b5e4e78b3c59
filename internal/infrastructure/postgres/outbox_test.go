package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestOutboxEntryHeaders(t *testing.T) {
	e := &OutboxEntry{
		ID:            42,
		AggregateID:   "APT-0001",
		AggregateType: "Patient Appointment",
		EventType:     "appointment.checked_in",
	}
	want := map[string]string{
		"event_type":     "appointment.checked_in",
		"aggregate_type": "Patient Appointment",
		"aggregate_id":   "APT-0001",
		"outbox_id":      "42",
	}
	if diff := cmp.Diff(want, e.Headers()); diff != "" {
		t.Errorf("headers mismatch (-want +got):\n%s", diff)
	}
}

func TestNewOutboxFillsDefaults(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{PollInterval: time.Second, MaxRetries: 3}, nil)
	def := DefaultOutboxConfig()
	if o.config.DeadLetterTopic != def.DeadLetterTopic {
		t.Errorf("DeadLetterTopic = %q, want %q", o.config.DeadLetterTopic, def.DeadLetterTopic)
	}
	if o.config.BatchSize != def.BatchSize {
		t.Errorf("BatchSize = %d, want %d", o.config.BatchSize, def.BatchSize)
	}
	if o.config.MaintenanceInterval != def.MaintenanceInterval {
		t.Errorf("MaintenanceInterval = %v, want %v", o.config.MaintenanceInterval, def.MaintenanceInterval)
	}
	if o.config.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", o.config.MaxRetries)
	}
}

func TestTxFromWithoutUnitOfWork(t *testing.T) {
	if _, ok := TxFrom(context.Background()); ok {
		t.Error("TxFrom() found a transaction in a bare context")
	}
}
