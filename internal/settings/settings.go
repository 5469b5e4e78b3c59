// Package settings holds the clinic-wide configuration document edited by
// administrators: calendar overrides, action menu, sidebar and billing options.
package settings

import (
	"strings"
	"time"
)

// DefaultOverrideRoles may override billing rates when none are configured.
var DefaultOverrideRoles = []string{"Can Override Billing Rate", "System Manager", "Healthcare Practitioner"}

// DefaultPriceList is tried when no selling price list is configured.
const DefaultPriceList = "Standard Selling"

// ActionMenuRow is one entry of the appointment context menu
type ActionMenuRow struct {
	Action    string `json:"action"`
	Label     string `json:"label"`
	Icon      string `json:"icon,omitempty"`
	Sequence  int    `json:"sequence"`
	IsEnabled *bool  `json:"is_enabled,omitempty"`
}

// Enabled treats a missing flag as enabled.
func (r ActionMenuRow) Enabled() bool {
	return r.IsEnabled == nil || *r.IsEnabled
}

// SidebarItem is a configurable navigation entry
type SidebarItem struct {
	Name            string   `json:"name"`
	Section         string   `json:"section"`
	Label           string   `json:"label"`
	Description     string   `json:"description,omitempty"`
	Icon            string   `json:"icon,omitempty"`
	RouteType       string   `json:"route_type,omitempty"`
	RouteValue      string   `json:"route_value,omitempty"`
	RouteParams     string   `json:"route_params,omitempty"`
	RequiresPatient bool     `json:"requires_patient"`
	Sequence        int      `json:"sequence"`
	BadgeMethod     string   `json:"badge_method,omitempty"`
	CSSClass        string   `json:"css_class,omitempty"`
	IsActive        bool     `json:"is_active"`
	Roles           []string `json:"roles,omitempty"`
}

// Settings is the single clinic settings document
type Settings struct {
	SchedulerLicenseKey string `json:"scheduler_license_key,omitempty"`
	DefaultCalendarView string `json:"default_calendar_view,omitempty"`
	SlotDuration        string `json:"slot_duration,omitempty"`
	SlotMinTime         string `json:"slot_min_time,omitempty"`
	SlotMaxTime         string `json:"slot_max_time,omitempty"`
	SlotLabelInterval   string `json:"slot_label_interval,omitempty"`
	ResourceAreaWidth   string `json:"resource_area_width,omitempty"`
	SlotHeight          string `json:"slot_height,omitempty"`

	ActionMenu   []ActionMenuRow `json:"appointment_action_menu,omitempty"`
	SidebarItems []SidebarItem   `json:"sidebar_items,omitempty"`

	OverrideRoles    []string `json:"billing_override_roles,omitempty"`
	SellingPriceList string   `json:"selling_price_list,omitempty"`
	Currency         string   `json:"currency,omitempty"`
	AutoInvoice      bool     `json:"auto_invoice_on_submit"`

	UpdatedAt time.Time `json:"modified"`
}

// BillingOverrideRoles returns the configured roles, or the defaults.
func (s *Settings) BillingOverrideRoles() []string {
	var roles []string
	if s != nil {
		for _, r := range s.OverrideRoles {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
	}
	if len(roles) == 0 {
		return append([]string(nil), DefaultOverrideRoles...)
	}
	return roles
}

// PriceListCandidates lists the selling price lists to try, in order.
func (s *Settings) PriceListCandidates() []string {
	var out []string
	if s != nil && strings.TrimSpace(s.SellingPriceList) != "" {
		out = append(out, strings.TrimSpace(s.SellingPriceList))
	}
	return append(out, DefaultPriceList)
}

// CurrencyOr returns the configured currency or fallback.
func (s *Settings) CurrencyOr(fallback string) string {
	if s != nil && s.Currency != "" {
		return s.Currency
	}
	return fallback
}
