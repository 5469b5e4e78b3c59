package workflow

import (
	"context"
	"maps"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/dohealth/clinicflow/internal/apperr"
	"github.com/dohealth/clinicflow/internal/domain/appointment"
	"github.com/dohealth/clinicflow/internal/domain/consent"
	"github.com/dohealth/clinicflow/internal/domain/encounter"
	"github.com/dohealth/clinicflow/internal/domain/patient"
	"github.com/dohealth/clinicflow/internal/domain/procedure"
	"github.com/dohealth/clinicflow/internal/realtime"
)

type fakeAppointments struct {
	states map[string]appointment.State
	saves  int
	// saveErr fails every Save when set
	saveErr error
}

func (f *fakeAppointments) Get(ctx context.Context, id string) (*appointment.Aggregate, error) {
	st, ok := f.states[id]
	if !ok {
		return nil, apperr.NotFound("Patient Appointment", id)
	}
	return appointment.Rehydrate(st), nil
}

func (f *fakeAppointments) Save(ctx context.Context, agg *appointment.Aggregate) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.states[agg.ID()] = agg.State()
	agg.ClearChanges()
	f.saves++
	return nil
}

func (f *fakeAppointments) DueForNoShow(ctx context.Context, from, to time.Time) ([]string, error) {
	var ids []string
	for id, st := range f.states {
		if st.VisitStatus == appointment.VisitScheduled && !st.StartsAt.Before(from) && !st.StartsAt.After(to) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeAppointments) WaitingList(ctx context.Context, dayStart, dayEnd time.Time, limit int) ([]appointment.WaitingEntry, error) {
	var out []appointment.WaitingEntry
	for _, st := range f.states {
		if st.VisitStatus != appointment.VisitArrived || st.StartsAt.Before(dayStart) || !st.StartsAt.Before(dayEnd) {
			continue
		}
		out = append(out, appointment.WaitingEntry{Name: st.ID, Patient: st.Patient, VisitStatus: st.VisitStatus})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeEncounters struct {
	encounters map[string]encounter.Encounter
	plans      map[string]encounter.TherapyPlan
	events     []encounter.EventType
	saveErr    error
}

func (f *fakeEncounters) Create(ctx context.Context, e *encounter.Encounter) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.encounters[e.ID] = *e
	f.events = append(f.events, encounter.EventCreated)
	return nil
}

func (f *fakeEncounters) Get(ctx context.Context, id string) (*encounter.Encounter, error) {
	e, ok := f.encounters[id]
	if !ok {
		return nil, apperr.NotFound("Patient Encounter", id)
	}
	return &e, nil
}

func (f *fakeEncounters) Save(ctx context.Context, e *encounter.Encounter, plan *encounter.TherapyPlan, eventType encounter.EventType) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.encounters[e.ID] = *e
	if plan != nil {
		f.plans[e.ID] = *plan
	}
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeEncounters) TherapyPlanFor(ctx context.Context, encounterID string) (*encounter.TherapyPlan, error) {
	p, ok := f.plans[encounterID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

type fakeProcedures struct {
	procedures map[string]procedure.Procedure
	templates  map[string]procedure.Template
	consents   *fakeConsents
}

func (f *fakeProcedures) Create(ctx context.Context, p *procedure.Procedure) error {
	f.procedures[p.ID] = *p
	return nil
}

func (f *fakeProcedures) Get(ctx context.Context, id string) (*procedure.Procedure, error) {
	p, ok := f.procedures[id]
	if !ok {
		return nil, apperr.NotFound("Clinical Procedure", id)
	}
	return &p, nil
}

func (f *fakeProcedures) Save(ctx context.Context, p *procedure.Procedure) error {
	f.procedures[p.ID] = *p
	return nil
}

func (f *fakeProcedures) Template(ctx context.Context, name string) (*procedure.Template, error) {
	t, ok := f.templates[name]
	if !ok {
		return nil, apperr.NotFound("Clinical Procedure Template", name)
	}
	return &t, nil
}

func (f *fakeProcedures) HasSignedConsent(ctx context.Context, id string) (bool, error) {
	for _, c := range f.consents.forms {
		if c.ClinicalProcedure == id && c.DocStatus == 1 {
			return true, nil
		}
	}
	return false, nil
}

type fakeConsents struct {
	forms     map[string]consent.Form
	templates map[string]consent.Template
	preferred map[string]string
	procs     *fakeProcedures
}

func (f *fakeConsents) Create(ctx context.Context, c *consent.Form) error {
	f.forms[c.ID] = *c
	return nil
}

func (f *fakeConsents) Get(ctx context.Context, id string) (*consent.Form, error) {
	c, ok := f.forms[id]
	if !ok {
		return nil, apperr.NotFound("Consent Form", id)
	}
	return &c, nil
}

func (f *fakeConsents) SaveSubmitted(ctx context.Context, c *consent.Form) error {
	f.forms[c.ID] = *c
	if p, ok := f.procs.procedures[c.ClinicalProcedure]; ok {
		p.ConsentForm = c.ID
		f.procs.procedures[p.ID] = p
	}
	return nil
}

func (f *fakeConsents) Template(ctx context.Context, name string) (*consent.Template, error) {
	t, ok := f.templates[name]
	if !ok {
		return nil, apperr.NotFound("Consent Form Template", name)
	}
	return &t, nil
}

func (f *fakeConsents) TemplateForProcedure(ctx context.Context, procedureTemplate string) (string, error) {
	var scoped []consent.Template
	for _, t := range f.templates {
		if t.ProcedureTemplate == procedureTemplate {
			scoped = append(scoped, t)
		}
	}
	sort.Slice(scoped, func(i, j int) bool { return scoped[i].Name < scoped[j].Name })
	return consent.PickTemplate(f.preferred[procedureTemplate], scoped), nil
}

func (f *fakeConsents) Options(ctx context.Context, procedureID, procedureTemplate string) (*consent.Options, error) {
	opts := &consent.Options{}
	for _, t := range f.templates {
		if t.ProcedureTemplate == procedureTemplate || t.ProcedureTemplate == "" {
			opts.Templates = append(opts.Templates, consent.TemplateOption{Name: t.Name, Title: t.Title, ProcedureTemplate: t.ProcedureTemplate})
		}
	}
	for _, c := range f.forms {
		if c.ClinicalProcedure == procedureID {
			opts.Consents = append(opts.Consents, consent.Summary{Name: c.ID, Template: c.Template, SignedBy: c.SignedBy, Status: c.Status, DocStatus: c.DocStatus})
		}
	}
	return opts, nil
}

// fakeTx restores the stores it guards when the unit of work fails.
type fakeTx struct {
	appts      *fakeAppointments
	encounters *fakeEncounters
	procs      *fakeProcedures
	calls      int
}

func (f *fakeTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.calls++
	states := maps.Clone(f.appts.states)
	encs := maps.Clone(f.encounters.encounters)
	plans := maps.Clone(f.encounters.plans)
	events := slices.Clone(f.encounters.events)
	procs := maps.Clone(f.procs.procedures)
	if err := fn(ctx); err != nil {
		f.appts.states = states
		f.encounters.encounters, f.encounters.plans, f.encounters.events = encs, plans, events
		f.procs.procedures = procs
		return err
	}
	return nil
}

type fakePatients map[string]patient.Patient

func (f fakePatients) Get(ctx context.Context, id string) (*patient.Patient, error) {
	p, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("Patient", id)
	}
	return &p, nil
}

// clinicDay is 10:00 on a weekday in UTC
var clinicDay = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc        *Service
	appts      *fakeAppointments
	encounters *fakeEncounters
	procs      *fakeProcedures
	consents   *fakeConsents
	events     *realtime.Recorder
	tx         *fakeTx
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	appts := &fakeAppointments{states: map[string]appointment.State{}}
	encs := &fakeEncounters{encounters: map[string]encounter.Encounter{}, plans: map[string]encounter.TherapyPlan{}}
	procs := &fakeProcedures{
		procedures: map[string]procedure.Procedure{},
		templates: map[string]procedure.Template{
			"Dental Extraction": {Name: "Dental Extraction", ItemCode: "PROC-EXT", ItemName: "Extraction", RequiresConsent: true},
			"Dressing":          {Name: "Dressing", ItemCode: "PROC-DRS", ItemName: "Dressing"},
		},
	}
	consents := &fakeConsents{
		forms: map[string]consent.Form{},
		templates: map[string]consent.Template{
			"Extraction Consent": {
				Name: "Extraction Consent", Title: "Extraction", ProcedureTemplate: "Dental Extraction", IsDefault: true,
				HTML: `<p>{{ .patient_name }} consents to {{ .procedure }} on {{ .date | date "2006-01-02" }}</p>`,
			},
			"General Consent": {Name: "General Consent", Title: "General", HTML: "<p>{{ .patient.custom_cpr }}</p>"},
		},
		preferred: map[string]string{},
		procs:     procs,
	}
	procs.consents = consents
	patients := fakePatients{"PAT-1": {ID: "PAT-1", PatientName: "Sara Ali", CPR: "880101234"}}
	rec := &realtime.Recorder{}
	tx := &fakeTx{appts: appts, encounters: encs, procs: procs}

	svc := NewService(Deps{
		Appointments: appts,
		Encounters:   encs,
		Procedures:   procs,
		Consents:     consents,
		Patients:     patients,
		Publisher:    rec,
		Tx:           tx,
	}, DefaultConfig(), nil, nil)
	svc.now = func() time.Time { return clinicDay }

	return &fixture{svc: svc, appts: appts, encounters: encs, procs: procs, consents: consents, events: rec, tx: tx}
}

// book stores an appointment with the given visit status
func (f *fixture) book(id string, at time.Time, status appointment.VisitStatus) {
	agg := appointment.NewAggregate(id)
	if err := agg.Create(&appointment.CreatedData{
		Patient: "PAT-1", Practitioner: "HP-1", StartsAt: at, DurationMinutes: 15,
		AppointmentType: "Consultation", CreatedAt: at.Add(-24 * time.Hour),
	}); err != nil {
		panic(err)
	}
	if status != appointment.VisitScheduled {
		if err := agg.ChangeVisitStatus(status, at); err != nil {
			panic(err)
		}
	}
	f.appts.states[id] = agg.State()
}

func (f *fixture) visit(t *testing.T, id string) appointment.VisitStatus {
	t.Helper()
	st, ok := f.appts.states[id]
	if !ok {
		t.Fatalf("appointment %s not stored", id)
	}
	return st.VisitStatus
}
