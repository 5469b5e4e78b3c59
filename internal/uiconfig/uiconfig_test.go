package uiconfig

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/settings"
)

type staticSettings struct{ s *settings.Settings }

func (s staticSettings) Get(ctx context.Context) (*settings.Settings, error) { return s.s, nil }

var doctor = &auth.User{ID: "dr@clinic", Roles: []string{auth.RoleHealthcarePractitioner}}

func TestCalendarOverrides(t *testing.T) {
	off := false
	svc := NewService(staticSettings{&settings.Settings{
		SlotDuration: " 00:30:00 ",
		SlotHeight:   "  ",
		ActionMenu: []settings.ActionMenuRow{
			{Action: "reschedule", Label: "Reschedule", Sequence: 20},
			{Action: "arrive", Label: "Mark Arrived", Icon: "fa-check", Sequence: 10},
			{Action: "bill", Label: "Billing", Sequence: 20},
			{Action: "hidden", Label: "Hidden", IsEnabled: &off},
			{Action: "", Label: "No action"},
		},
	}})

	got, err := svc.Calendar(context.Background(), doctor)
	if err != nil {
		t.Fatalf("Calendar() error = %v", err)
	}
	if got.Config["SLOT_DURATION"] != "00:30:00" {
		t.Errorf("SLOT_DURATION = %q, want override", got.Config["SLOT_DURATION"])
	}
	if got.Config["SLOT_HEIGHT"] != "1rem" {
		t.Errorf("SLOT_HEIGHT = %q, blank override must keep default", got.Config["SLOT_HEIGHT"])
	}
	want := []ActionItem{
		{Action: "arrive", Label: "Mark Arrived", Icon: "fa-check"},
		{Action: "bill", Label: "Billing", Icon: DefaultActionIcon},
		{Action: "reschedule", Label: "Reschedule", Icon: DefaultActionIcon},
	}
	if diff := cmp.Diff(want, got.ActionItems); diff != "" {
		t.Errorf("action items mismatch (-want +got):\n%s", diff)
	}
}

func TestCalendarGuestGetsDefaults(t *testing.T) {
	svc := NewService(staticSettings{&settings.Settings{SlotDuration: "00:30:00"}})
	got, err := svc.Calendar(context.Background(), auth.Guest())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(DefaultCalendarConfig, got.Config); diff != "" {
		t.Errorf("guest config mismatch (-want +got):\n%s", diff)
	}
	if len(got.ActionItems) != 0 {
		t.Errorf("guest action items = %v", got.ActionItems)
	}
}

func labels(es []SidebarEntry) []string {
	out := []string{}
	for _, e := range es {
		out = append(out, e.Label)
	}
	return out
}

func TestSidebarDefaults(t *testing.T) {
	svc := NewService(staticSettings{&settings.Settings{
		SidebarItems: []settings.SidebarItem{{Section: SectionPrimaryNav, Label: "Inactive"}},
	}})
	got, err := svc.Sidebar(context.Background(), doctor)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Dashboard", "Inbox", "Patients"}, labels(got.PrimaryNav)); diff != "" {
		t.Errorf("primary nav mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Overview", "Documents", "Encounter"}, labels(got.PatientActions)); diff != "" {
		t.Errorf("patient actions mismatch (-want +got):\n%s", diff)
	}
	if got.PatientActions[0].RequiresPatient != 1 {
		t.Error("patient actions should require a patient")
	}
}

func TestSidebarRoleFilter(t *testing.T) {
	svc := NewService(staticSettings{&settings.Settings{
		SidebarItems: []settings.SidebarItem{
			{Section: SectionPrimaryNav, Label: "Reports", Sequence: 20, IsActive: true, Roles: []string{auth.RoleSystemManager}},
			{Section: SectionPrimaryNav, Label: "Calendar", Sequence: 10, IsActive: true},
			{Section: SectionPrimaryNav, Label: "Agenda", Sequence: 10, IsActive: true, Roles: []string{auth.RoleHealthcarePractitioner}},
			{Section: SectionPatientActions, Label: "Vitals", RouteType: "Page", IsActive: true},
		},
	}})
	got, err := svc.Sidebar(context.Background(), doctor)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Agenda", "Calendar"}, labels(got.PrimaryNav)); diff != "" {
		t.Errorf("primary nav mismatch (-want +got):\n%s", diff)
	}
	if got.PrimaryNav[0].RouteType != "Workspace" {
		t.Errorf("route type = %q, want Workspace default", got.PrimaryNav[0].RouteType)
	}
	if diff := cmp.Diff([]string{"Vitals"}, labels(got.PatientActions)); diff != "" {
		t.Errorf("patient actions mismatch (-want +got):\n%s", diff)
	}
}

func TestBoot(t *testing.T) {
	svc := NewService(staticSettings{&settings.Settings{}})

	b, err := svc.Boot(context.Background(), auth.Guest())
	if err != nil {
		t.Fatal(err)
	}
	if b.Sidebar != nil || b.Calendar != nil {
		t.Errorf("guest boot = %+v, want empty", b)
	}

	b, err = svc.Boot(context.Background(), doctor)
	if err != nil {
		t.Fatal(err)
	}
	if b.Sidebar == nil || b.Calendar == nil || len(b.Sidebar.PrimaryNav) != 3 {
		t.Errorf("boot = %+v, want sidebar and calendar", b)
	}

	sb, err := svc.Sidebar(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(sb.PrimaryNav) != 0 || len(sb.PatientActions) != 0 {
		t.Errorf("anonymous sidebar = %+v, want empty groups", sb)
	}
}
