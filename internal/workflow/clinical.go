package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
	"github.com/dohealth/clinicflow/internal/realtime"
)

// EncounterInserted records a new encounter and puts its appointment in the room.
func (s *Service) EncounterInserted(ctx context.Context, e *encounter.Encounter) (*encounter.Encounter, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.encounter_inserted")
	defer span.End()

	if err := e.Validate(s.now()); err != nil {
		return nil, err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("encounter_id", e.ID))

	move, err := s.stageLinked(ctx, e.Appointment, appointment.VisitInRoom)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.saveVisit(ctx, move); err != nil {
			return err
		}
		return s.Encounters.Create(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	s.announceVisit(ctx, move)
	s.publisher.Publish(ctx, realtime.EventEncounterUpdated, e)
	return e, nil
}

// EncounterUpdate carries the editable fields of an encounter. Nil fields are left alone.
type EncounterUpdate struct {
	Practitioner     *string `json:"practitioner"`
	PractitionerName *string `json:"practitioner_name"`
	Department       *string `json:"medical_department"`
	AppointmentType  *string `json:"appointment_type"`
	Notes            *string `json:"notes"`
}

// EncounterUpdated applies edits to a draft encounter.
func (s *Service) EncounterUpdated(ctx context.Context, id string, upd EncounterUpdate) (*encounter.Encounter, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.encounter_updated",
		trace.WithAttributes(attribute.String("encounter_id", id)))
	defer span.End()

	e, err := s.Encounters.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.DocStatus != 0 {
		return nil, apperr.Conflict(fmt.Sprintf("Patient Encounter %s is submitted and cannot be edited", id))
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&e.Practitioner, upd.Practitioner)
	set(&e.PractitionerName, upd.PractitionerName)
	set(&e.Department, upd.Department)
	set(&e.AppointmentType, upd.AppointmentType)
	set(&e.Notes, upd.Notes)

	if err := s.Encounters.Save(ctx, e, nil, encounter.EventUpdated); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, realtime.EventEncounterUpdated, e)
	return e, nil
}

// SubmitEncounter completes the encounter and its appointment. The
// EncounterSubmitted outbox event drives auto-invoicing in the worker.
// The appointment is written first: completing it again on a retry is a no-op.
func (s *Service) SubmitEncounter(ctx context.Context, id string) (*encounter.Encounter, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.submit_encounter",
		trace.WithAttributes(attribute.String("encounter_id", id)))
	defer span.End()

	e, err := s.Encounters.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Submit(); err != nil {
		return nil, err
	}
	move, err := s.stageLinked(ctx, e.Appointment, appointment.VisitCompleted)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.saveVisit(ctx, move); err != nil {
			return err
		}
		return s.Encounters.Save(ctx, e, nil, encounter.EventSubmitted)
	})
	if err != nil {
		return nil, err
	}
	s.announceVisit(ctx, move)

	s.logger.Info("encounter submitted",
		zap.String("encounter_id", e.ID),
		zap.String("appointment_id", e.Appointment))
	s.publisher.Publish(ctx, realtime.EventEncounterUpdated, e)
	return e, nil
}

// CancelEncounter cancels a submitted encounter with its unstarted therapy
// plan and sends the patient back to the waiting list.
func (s *Service) CancelEncounter(ctx context.Context, id string) (*encounter.Encounter, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.cancel_encounter",
		trace.WithAttributes(attribute.String("encounter_id", id)))
	defer span.End()

	e, err := s.Encounters.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	plan, err := s.Encounters.TherapyPlanFor(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Cancel(plan); err != nil {
		return nil, err
	}
	move, err := s.stageLinked(ctx, e.Appointment, appointment.VisitArrived)
	if err != nil {
		return nil, err
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.saveVisit(ctx, move); err != nil {
			return err
		}
		return s.Encounters.Save(ctx, e, plan, encounter.EventCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.announceVisit(ctx, move)
	s.publisher.Publish(ctx, realtime.EventEncounterUpdated, e)
	return e, nil
}

// ProcedureInserted records a procedure, puts its appointment in the room and
// bills the template's item on the appointment.
func (s *Service) ProcedureInserted(ctx context.Context, p *procedure.Procedure) (*procedure.Procedure, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.procedure_inserted")
	defer span.End()

	if err := p.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := s.Procedures.Template(ctx, p.Template)
	if err != nil {
		return nil, err
	}
	if p.PatientName == "" {
		if pat, err := s.Patients.Get(ctx, p.Patient); err == nil {
			p.PatientName = pat.DisplayName()
		} else if !apperr.IsNotFound(err) {
			return nil, err
		}
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("procedure_id", p.ID))

	move, err := s.stageLinked(ctx, p.Appointment, appointment.VisitInRoom)
	if err != nil {
		return nil, err
	}
	if move != nil && tmpl.ItemCode != "" {
		if _, err := move.agg.AddBillingItem(tmpl.ItemCode, tmpl.ItemName, decimal.NewFromInt(1)); err != nil {
			return nil, err
		}
	}
	err = s.inTx(ctx, func(ctx context.Context) error {
		if err := s.Procedures.Create(ctx, p); err != nil {
			return err
		}
		return s.saveVisit(ctx, move)
	})
	if err != nil {
		return nil, err
	}
	s.announceVisit(ctx, move)

	s.publisher.Publish(ctx, realtime.EventProcedureUpdated, p)
	return p, nil
}

// consentCheck gathers the template and signed consent state of a procedure.
func (s *Service) consentCheck(ctx context.Context, p *procedure.Procedure) (procedure.ConsentCheck, error) {
	tmpl, err := s.Procedures.Template(ctx, p.Template)
	if err != nil {
		return procedure.ConsentCheck{}, err
	}
	c := procedure.ConsentCheck{Template: *tmpl}
	if !tmpl.RequiresConsent {
		return c, nil
	}
	if c.HasSigned, err = s.Procedures.HasSignedConsent(ctx, p.ID); err != nil {
		return c, err
	}
	if !c.HasSigned && tmpl.ConsentTemplate == "" {
		if c.Fallback, err = s.Consents.TemplateForProcedure(ctx, p.Template); err != nil {
			return c, err
		}
	}
	return c, nil
}

// StartProcedure begins a procedure once its consent requirement is met.
func (s *Service) StartProcedure(ctx context.Context, id string) (*procedure.Procedure, error) {
	return s.advanceProcedure(ctx, "workflow.start_procedure", id, func(p *procedure.Procedure, c procedure.ConsentCheck) error {
		return p.Start(c, s.now())
	})
}

// SubmitProcedure completes a procedure once its consent requirement is met.
func (s *Service) SubmitProcedure(ctx context.Context, id string) (*procedure.Procedure, error) {
	return s.advanceProcedure(ctx, "workflow.submit_procedure", id, func(p *procedure.Procedure, c procedure.ConsentCheck) error {
		return p.Submit(c)
	})
}

func (s *Service) advanceProcedure(ctx context.Context, spanName, id string, step func(*procedure.Procedure, procedure.ConsentCheck) error) (*procedure.Procedure, error) {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("procedure_id", id)))
	defer span.End()

	p, err := s.Procedures.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c, err := s.consentCheck(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := step(p, c); err != nil {
		return nil, err
	}
	if err := s.Procedures.Save(ctx, p); err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, realtime.EventProcedureUpdated, p)
	return p, nil
}

// CreateConsent inserts a consent form. Fields missing on a procedure-linked
// form are copied from the procedure, and the form is rendered when no HTML was given.
func (s *Service) CreateConsent(ctx context.Context, f *consent.Form) (*consent.Form, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.create_consent")
	defer span.End()

	if f.ClinicalProcedure != "" {
		p, err := s.Procedures.Get(ctx, f.ClinicalProcedure)
		if err != nil {
			return nil, err
		}
		fillFromProcedure(f, p)
	}
	if strings.TrimSpace(f.Patient) == "" {
		return nil, apperr.MissingFields("Patient")
	}
	if f.Template == "" && f.ProcedureTemplate != "" {
		name, err := s.Consents.TemplateForProcedure(ctx, f.ProcedureTemplate)
		if err != nil {
			return nil, err
		}
		f.Template = name
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.NeedsRender() {
		if err := s.render(ctx, f); err != nil {
			return nil, err
		}
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	span.SetAttributes(attribute.String("consent_form_id", f.ID))

	if err := s.Consents.Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// MakeConsentFromProcedure builds an unsaved, rendered consent form for a procedure.
func (s *Service) MakeConsentFromProcedure(ctx context.Context, procedureID, templateName string) (*consent.Form, error) {
	p, err := s.Procedures.Get(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	f := &consent.Form{ClinicalProcedure: p.ID, Template: templateName, Status: consent.StatusDraft}
	fillFromProcedure(f, p)
	if f.Template == "" {
		if f.Template, err = s.Consents.TemplateForProcedure(ctx, p.Template); err != nil {
			return nil, err
		}
	}
	if f.NeedsRender() {
		if err := s.render(ctx, f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func fillFromProcedure(f *consent.Form, p *procedure.Procedure) {
	if f.Patient == "" {
		f.Patient = p.Patient
	}
	if f.PatientName == "" {
		f.PatientName = p.PatientName
	}
	if f.Encounter == "" {
		f.Encounter = p.Encounter
	}
	if f.Company == "" {
		f.Company = p.Company
	}
	if f.ProcedureTemplate == "" {
		f.ProcedureTemplate = p.Template
	}
}

func (s *Service) render(ctx context.Context, f *consent.Form) error {
	tmpl, err := s.Consents.Template(ctx, f.Template)
	if err != nil {
		return err
	}
	var patient interface{}
	name := f.PatientName
	if pat, err := s.Patients.Get(ctx, f.Patient); err == nil {
		patient = pat
		if name == "" {
			name = pat.DisplayName()
			f.PatientName = name
		}
	} else if !apperr.IsNotFound(err) {
		return err
	}

	procName := f.ProcedureTemplate
	if procName == "" {
		procName = tmpl.ProcedureTemplate
	}
	vars, err := consent.RenderContext(patient, name, procName, f.Company, s.now().In(s.cfg.Location))
	if err != nil {
		return err
	}
	return f.Render(*tmpl, vars)
}

// SubmitConsent signs off a consent form and links it on its procedure.
func (s *Service) SubmitConsent(ctx context.Context, id, user string) (*consent.Form, error) {
	ctx, span := s.tracer.Start(ctx, "workflow.submit_consent",
		trace.WithAttributes(attribute.String("consent_form_id", id)))
	defer span.End()

	f, err := s.Consents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := f.Submit(user, s.now()); err != nil {
		return nil, err
	}
	if err := s.Consents.SaveSubmitted(ctx, f); err != nil {
		return nil, err
	}
	s.metrics.ConsentSigned()
	s.logger.Info("consent form signed",
		zap.String("consent_form_id", f.ID),
		zap.String("clinical_procedure", f.ClinicalProcedure))

	if f.ClinicalProcedure != "" {
		s.publisher.Publish(ctx, realtime.EventProcedureUpdated, map[string]string{
			"name":         f.ClinicalProcedure,
			"consent_form": f.ID,
		})
	}
	return f, nil
}

// ConsentOptions lists the consent templates and existing forms for a procedure.
func (s *Service) ConsentOptions(ctx context.Context, procedureID string) (*consent.Options, error) {
	p, err := s.Procedures.Get(ctx, procedureID)
	if err != nil {
		return nil, err
	}
	opts, err := s.Consents.Options(ctx, p.ID, p.Template)
	if err != nil {
		return nil, err
	}
	if opts.Templates == nil {
		opts.Templates = []consent.TemplateOption{}
	}
	if opts.Consents == nil {
		opts.Consents = []consent.Summary{}
	}
	return opts, nil
}

// Consent returns a consent form.
func (s *Service) Consent(ctx context.Context, id string) (*consent.Form, error) {
	return s.Consents.Get(ctx, id)
}
