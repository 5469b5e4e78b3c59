// Package uiconfig builds the desk configuration payloads: calendar
// preferences, the role filtered health sidebar and the boot payload.
package uiconfig

import (
	"context"
	"sort"
	"strings"

	"github.com/dohealth/clinicflow/internal/auth"
	"github.com/dohealth/clinicflow/internal/settings"
)

// DefaultCalendarConfig is used for every key without a non-blank override.
var DefaultCalendarConfig = map[string]string{
	"LICENSE_KEY":         "CC-Attribution-NonCommercial-NoDerivatives",
	"DEFAULT_VIEW":        "resourceTimeGridDay",
	"SLOT_DURATION":       "00:15:00",
	"SLOT_MIN_TIME":       "08:00:00",
	"SLOT_MAX_TIME":       "20:00:00",
	"SLOT_LABEL_INTERVAL": "01:00:00",
	"RESOURCE_AREA_WIDTH": "75px",
	"SLOT_HEIGHT":         "1rem",
}

// DefaultActionIcon is shown for action menu rows without an icon
const DefaultActionIcon = "fa-cog"

// Sidebar sections
const (
	SectionPrimaryNav     = "Primary Nav"
	SectionPatientActions = "Patient Actions"
)

// DefaultSidebarItems is served when no active sidebar item is configured.
var DefaultSidebarItems = []settings.SidebarItem{
	{Section: SectionPrimaryNav, Label: "Dashboard", Icon: "es-dashboard", RouteType: "Workspace", RouteValue: "health-dashboard", Sequence: 10, IsActive: true},
	{Section: SectionPrimaryNav, Label: "Inbox", Icon: "es-mail", RouteType: "Page", RouteValue: "health-inbox", Sequence: 20, IsActive: true},
	{Section: SectionPrimaryNav, Label: "Patients", Icon: "es-users", RouteType: "Workspace", RouteValue: "patients", Sequence: 30, IsActive: true},
	{Section: SectionPatientActions, Label: "Overview", Icon: "es-layout", RouteType: "Form", RouteValue: "Patient", RequiresPatient: true, Sequence: 10, IsActive: true},
	{Section: SectionPatientActions, Label: "Documents", Icon: "es-file", RouteType: "Page", RouteValue: "patient-documents", RequiresPatient: true, Sequence: 20, IsActive: true},
	{Section: SectionPatientActions, Label: "Encounter", Icon: "es-stethoscope", RouteType: "Form", RouteValue: "Patient Encounter", RequiresPatient: true, Sequence: 30, IsActive: true},
}

// ActionItem is an enabled appointment action menu entry
type ActionItem struct {
	Action string `json:"action"`
	Label  string `json:"label"`
	Icon   string `json:"icon"`
}

// CalendarPreferences configures the appointment calendar
type CalendarPreferences struct {
	Config      map[string]string `json:"config"`
	ActionItems []ActionItem      `json:"action_menu_items"`
}

// SidebarEntry is a sidebar item as served to the desk
type SidebarEntry struct {
	Name            string `json:"name,omitempty"`
	Section         string `json:"section"`
	Label           string `json:"label"`
	Description     string `json:"description,omitempty"`
	Icon            string `json:"icon,omitempty"`
	RouteType       string `json:"route_type"`
	RouteValue      string `json:"route_value,omitempty"`
	RouteParams     string `json:"route_params,omitempty"`
	RequiresPatient int    `json:"requires_patient"`
	Sequence        int    `json:"sequence"`
	BadgeMethod     string `json:"badge_method,omitempty"`
	CSSClass        string `json:"css_class,omitempty"`
}

// Sidebar groups visible items by section
type Sidebar struct {
	PrimaryNav     []SidebarEntry `json:"primary_nav"`
	PatientActions []SidebarEntry `json:"patient_actions"`
}

// Boot is attached to the desk boot payload of signed-in users
type Boot struct {
	Sidebar  *Sidebar             `json:"health_sidebar_config,omitempty"`
	Calendar *CalendarPreferences `json:"do_health_calendar,omitempty"`
}

// SettingsSource returns the current clinic settings
type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

// Service builds UI configuration from settings
type Service struct {
	settings SettingsSource
}

// NewService creates the service
func NewService(src SettingsSource) *Service {
	return &Service{settings: src}
}

// Calendar returns the calendar preferences for u. Guests get the defaults.
func (s *Service) Calendar(ctx context.Context, u *auth.User) (*CalendarPreferences, error) {
	if u.IsGuest() {
		return &CalendarPreferences{Config: calendarConfig(nil), ActionItems: []ActionItem{}}, nil
	}
	st, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return &CalendarPreferences{Config: calendarConfig(st), ActionItems: actionItems(st)}, nil
}

// Sidebar returns the sidebar visible to u. Guests get empty groups.
func (s *Service) Sidebar(ctx context.Context, u *auth.User) (*Sidebar, error) {
	if u.IsGuest() {
		return group(nil), nil
	}
	st, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	return group(visibleItems(st, u.Roles)), nil
}

// Boot returns the boot payload; empty for guests.
func (s *Service) Boot(ctx context.Context, u *auth.User) (*Boot, error) {
	if u.IsGuest() {
		return &Boot{}, nil
	}
	sb, err := s.Sidebar(ctx, u)
	if err != nil {
		return nil, err
	}
	cal, err := s.Calendar(ctx, u)
	if err != nil {
		return nil, err
	}
	return &Boot{Sidebar: sb, Calendar: cal}, nil
}

func calendarConfig(st *settings.Settings) map[string]string {
	out := make(map[string]string, len(DefaultCalendarConfig))
	for k, v := range DefaultCalendarConfig {
		out[k] = v
	}
	if st == nil {
		return out
	}
	overrides := map[string]string{
		"LICENSE_KEY":         st.SchedulerLicenseKey,
		"DEFAULT_VIEW":        st.DefaultCalendarView,
		"SLOT_DURATION":       st.SlotDuration,
		"SLOT_MIN_TIME":       st.SlotMinTime,
		"SLOT_MAX_TIME":       st.SlotMaxTime,
		"SLOT_LABEL_INTERVAL": st.SlotLabelInterval,
		"RESOURCE_AREA_WIDTH": st.ResourceAreaWidth,
		"SLOT_HEIGHT":         st.SlotHeight,
	}
	for k, v := range overrides {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	return out
}

func actionItems(st *settings.Settings) []ActionItem {
	type row struct {
		ActionItem
		seq int
	}
	var rows []row
	for _, r := range st.ActionMenu {
		if !r.Enabled() || strings.TrimSpace(r.Action) == "" || r.Label == "" {
			continue
		}
		icon := strings.TrimSpace(r.Icon)
		if icon == "" {
			icon = DefaultActionIcon
		}
		rows = append(rows, row{ActionItem{Action: strings.TrimSpace(r.Action), Label: r.Label, Icon: icon}, r.Sequence})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].seq != rows[j].seq {
			return rows[i].seq < rows[j].seq
		}
		return rows[i].Label < rows[j].Label
	})

	out := make([]ActionItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.ActionItem)
	}
	return out
}

// visibleItems returns the active items whose roles intersect roles. Items
// without roles are visible to everyone.
func visibleItems(st *settings.Settings, roles []string) []SidebarEntry {
	var active []settings.SidebarItem
	for _, it := range st.SidebarItems {
		if it.IsActive {
			active = append(active, it)
		}
	}
	if len(active) == 0 {
		active = DefaultSidebarItems
	}

	var out []SidebarEntry
	for _, it := range active {
		if len(it.Roles) > 0 && !auth.Intersects(roles, it.Roles) {
			continue
		}
		out = append(out, entry(it))
	}
	return out
}

func entry(it settings.SidebarItem) SidebarEntry {
	e := SidebarEntry{
		Name:        it.Name,
		Section:     it.Section,
		Label:       it.Label,
		Description: it.Description,
		Icon:        it.Icon,
		RouteType:   it.RouteType,
		RouteValue:  it.RouteValue,
		RouteParams: it.RouteParams,
		Sequence:    it.Sequence,
		BadgeMethod: it.BadgeMethod,
		CSSClass:    it.CSSClass,
	}
	if e.RouteType == "" {
		e.RouteType = "Workspace"
	}
	if it.RequiresPatient {
		e.RequiresPatient = 1
	}
	return e
}

func group(items []SidebarEntry) *Sidebar {
	sb := &Sidebar{PrimaryNav: []SidebarEntry{}, PatientActions: []SidebarEntry{}}
	for _, it := range items {
		if it.Section == SectionPrimaryNav {
			sb.PrimaryNav = append(sb.PrimaryNav, it)
		} else {
			sb.PatientActions = append(sb.PatientActions, it)
		}
	}
	bySeq := func(s []SidebarEntry) {
		sort.SliceStable(s, func(i, j int) bool {
			if s[i].Sequence != s[j].Sequence {
				return s[i].Sequence < s[j].Sequence
			}
			return s[i].Label < s[j].Label
		})
	}
	bySeq(sb.PrimaryNav)
	bySeq(sb.PatientActions)
	return sb
}
