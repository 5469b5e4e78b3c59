// Package worker holds the background jobs of the clinic-worker process:
// auto-invoicing submitted encounters and sweeping no-shows.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/billing"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/infrastructure/redpanda"
	"github.com/dohealth/clinicflow/internal/observability/metrics"
	"github.com/dohealth/clinicflow/internal/settings"
	"github.com/dohealth/clinicflow/pkg/idempotency"
	"github.com/dohealth/clinicflow/pkg/workerpool"
)

// AutoInvoiceHandler names the inbox handler for auto-invoicing
const AutoInvoiceHandler = "auto-invoice"

// SystemUser is recorded on documents created by background jobs
const SystemUser = "system"

var errMalformed = errors.New("malformed message")

// Invoicer generates appointment invoices
type Invoicer interface {
	CreateInvoices(ctx context.Context, appointmentID string, submit bool, user string) (*billing.InvoiceResult, error)
}

// SettingsSource returns the current clinic settings
type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Deduper runs a handler at most once per key
type Deduper interface {
	Process(ctx context.Context, key, handler string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// AutoInvoicer drafts invoices for appointments whose encounter was submitted,
// when the clinic settings enable it.
type AutoInvoicer struct {
	invoices Invoicer
	settings SettingsSource
	inbox    Deduper
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewAutoInvoicer creates the auto-invoice job
func NewAutoInvoicer(invoices Invoicer, src SettingsSource, inbox Deduper, m *metrics.Metrics, logger *zap.Logger) *AutoInvoicer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoInvoicer{
		invoices: invoices,
		settings: src,
		inbox:    inbox,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("worker"),
	}
}

// Handle processes one encounter event. Events other than a submission with
// a linked appointment are acknowledged without work.
func (a *AutoInvoicer) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ev, err := encounter.ParseEvent(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	if ev.EventType != encounter.EventSubmitted || ev.Appointment == "" {
		return nil
	}

	ctx, span := a.tracer.Start(ctx, "worker.auto_invoice",
		trace.WithAttributes(
			attribute.String("encounter_id", ev.EncounterID),
			attribute.String("appointment_id", ev.Appointment),
		))
	defer span.End()

	cfg, err := a.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if !cfg.AutoInvoice {
		return nil
	}

	key := idempotency.GenerateKey(AutoInvoiceHandler, ev.EncounterID, string(ev.EventType), ev.ID)
	res, err := a.inbox.Process(ctx, key, AutoInvoiceHandler, msg.Value, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := a.invoices.CreateInvoices(ctx, ev.Appointment, false, SystemUser)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed), errors.Is(err, idempotency.ErrDuplicateMessage):
		a.logger.Info("auto-invoice skipped",
			zap.String("appointment_id", ev.Appointment),
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return nil
	case err != nil:
		span.RecordError(err)
		return err
	}

	if res.IsNew || res.WasRecovered {
		a.logger.Info("appointment auto-invoiced",
			zap.String("appointment_id", ev.Appointment),
			zap.String("encounter_id", ev.EncounterID),
			zap.ByteString("result", res.Result))
	}
	return nil
}

// Run adapts Handle to the worker pool; the task payload is the consumed message.
func (a *AutoInvoicer) Run(ctx context.Context, task *workerpool.Task) error {
	msg, ok := task.Payload.(*redpanda.ConsumedMessage)
	if !ok {
		return fmt.Errorf("%w: task %s carries %T", errMalformed, task.ID, task.Payload)
	}
	return a.Handle(ctx, msg)
}

// Retryable reports whether a failed event is worth another attempt.
// Business rule failures and malformed messages never succeed on retry.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, errMalformed),
		apperr.IsValidation(err),
		apperr.IsNotFound(err),
		apperr.IsConflict(err):
		return false
	}
	return true
}

// Terminal is the inverse of Retryable, for the inbox.
func Terminal(err error) bool { return !Retryable(err) }

// Dispatch is the consumer handler for encounter events. It runs each record
// on pool and returns only once the work is settled, so the record's offset
// is committed after auto-invoicing, never before. Retryable failures go back
// to the consumer, which redelivers the same record; final failures are
// logged and acknowledged.
func Dispatch(pool *workerpool.Pool, logger *zap.Logger) redpanda.MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		res, err := pool.Do(ctx, &workerpool.Task{
			ID:      fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset),
			Payload: msg,
		})
		if err != nil {
			return err
		}
		if res.Err == nil {
			return nil
		}
		if Retryable(res.Err) {
			return res.Err
		}
		logger.Error("encounter event dropped",
			zap.String("task_id", res.TaskID),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err))
		return nil
	}
}
