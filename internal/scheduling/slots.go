// Package scheduling computes the bookable slots of a practitioner on a day
// from weekly schedules and dated availability windows.
package scheduling

import (
	"fmt"
	"time"
)

// Repeat controls on which days an availability window applies
type Repeat string

const (
	RepeatNever   Repeat = "Never"
	RepeatWeekly  Repeat = "Weekly"
	RepeatMonthly Repeat = "Monthly"
)

// Window is a dated "Available" practitioner availability
type Window struct {
	ID           string
	Scope        string
	ServiceUnit  string
	Display      string
	StartDate    time.Time
	EndDate      time.Time
	StartTime    time.Duration
	EndTime      time.Duration
	Repeat       Repeat
	Weekdays     [7]bool // indexed by time.Weekday
	AllowOverlap bool
	Capacity     int
}

// OccursOn reports whether the window applies on date.
func (w Window) OccursOn(date time.Time) bool {
	d := civil(date)
	if d.Before(civil(w.StartDate)) || d.After(civil(w.EndDate)) {
		return false
	}
	switch w.Repeat {
	case RepeatWeekly:
		return w.Weekdays[d.Weekday()]
	case RepeatMonthly:
		return d.Day() == w.StartDate.Day()
	default:
		return true
	}
}

// ScheduleSlot is one weekday range of a practitioner schedule
type ScheduleSlot struct {
	Day  string // English weekday name
	From time.Duration
	To   time.Duration
}

// Schedule is a weekly practitioner schedule linked to an optional service unit
type Schedule struct {
	Name         string
	ServiceUnit  string
	AllowOverlap bool
	Capacity     int
	TeleConf     bool
	Slots        []ScheduleSlot
}

// Slot is a bookable time range
type Slot struct {
	From string `json:"from_time"`
	To   string `json:"to_time"`
}

// Booking is an appointment or unavailability block occupying time on the day
type Booking struct {
	Name     string `json:"name"`
	Date     string `json:"appointment_date"`
	Time     string `json:"appointment_time"`
	Duration int    `json:"duration"`
	Status   string `json:"status,omitempty"`
	Type     string `json:"type,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Note     string `json:"note,omitempty"`
}

// SlotGroup is the availability of one schedule or window
type SlotGroup struct {
	SlotName     string    `json:"slot_name"`
	Display      string    `json:"display,omitempty"`
	ServiceUnit  string    `json:"service_unit,omitempty"`
	Slots        []Slot    `json:"avail_slot"`
	Appointments []Booking `json:"appointments"`
	AllowOverlap bool      `json:"allow_overlap"`
	Capacity     int       `json:"service_unit_capacity"`
	TeleConf     bool      `json:"tele_conf"`
}

// WindowSlotName labels slot groups built from availability windows
const WindowSlotName = "Practitioner Availability"

// Split cuts [start, end) into back-to-back slots of minutes length.
// A trailing remainder shorter than a slot is dropped.
func Split(start, end time.Duration, minutes int) []Slot {
	if minutes <= 0 {
		return nil
	}
	step := time.Duration(minutes) * time.Minute
	var out []Slot
	for cur := start; cur+step <= end; cur += step {
		out = append(out, Slot{From: clock(cur), To: clock(cur + step)})
	}
	return out
}

// BuildWindow returns the slot group of w on date, or nil when the window
// does not apply or has no room for a slot.
func BuildWindow(w Window, date time.Time, minutes int, booked []Booking) *SlotGroup {
	if !w.OccursOn(date) {
		return nil
	}
	slots := Split(w.StartTime, w.EndTime, minutes)
	if len(slots) == 0 {
		return nil
	}
	return &SlotGroup{
		SlotName:     WindowSlotName,
		Display:      w.Display,
		ServiceUnit:  w.ServiceUnit,
		Slots:        slots,
		Appointments: nonNil(booked),
		AllowOverlap: w.AllowOverlap,
		Capacity:     w.Capacity,
	}
}

// BuildSchedule returns the slot group of s on date, or nil when it has no
// time slots on that weekday.
func BuildSchedule(s Schedule, date time.Time, booked []Booking) *SlotGroup {
	day := date.Weekday().String()
	var slots []Slot
	for _, ts := range s.Slots {
		if ts.Day == day {
			slots = append(slots, Slot{From: clock(ts.From), To: clock(ts.To)})
		}
	}
	if len(slots) == 0 {
		return nil
	}
	return &SlotGroup{
		SlotName:     s.Name,
		ServiceUnit:  s.ServiceUnit,
		Slots:        slots,
		Appointments: nonNil(booked),
		AllowOverlap: s.AllowOverlap,
		Capacity:     s.Capacity,
		TeleConf:     s.TeleConf,
	}
}

func nonNil(b []Booking) []Booking {
	if b == nil {
		return []Booking{}
	}
	return b
}

func civil(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// clock formats an offset from midnight as HH:MM:SS
func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// SinceMidnight converts a wall clock time to an offset from midnight
func SinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}
