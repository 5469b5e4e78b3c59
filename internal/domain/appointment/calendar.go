package appointment

import "time"

// CompletedColor is the background used for finished visits on the calendar.
const CompletedColor = "#008000"

// CalendarRow is an appointment joined with patient, practitioner and room details
type CalendarRow struct {
	State
	PractitionerBackground string
	PractitionerText       string
	RoomName               string
	PatientImage           string
	FileNumber             string
	Mobile                 string
	BirthDate              *time.Time
	CPR                    string
	Gender                 string
}

// CalendarEvent is the resource-timeline representation of an appointment
type CalendarEvent struct {
	Name             string        `json:"name"`
	Resource         string        `json:"resource"`
	PractitionerName string        `json:"practitioner_name"`
	Patient          string        `json:"patient"`
	PatientName      string        `json:"patient_name"`
	Status           VisitStatus   `json:"status"`
	BookingType      BookingStatus `json:"booking_type"`
	Note             string        `json:"note,omitempty"`
	PaymentType      PaymentType   `json:"payment_type"`
	BillingStatus    BillingStatus `json:"billing_status"`
	SalesInvoice     string        `json:"sales_invoice,omitempty"`
	InsuranceInvoice string        `json:"insurance_invoice,omitempty"`
	InsuranceStatus  string        `json:"insurance_status,omitempty"`
	ArrivalTime      *time.Time    `json:"arrival_time,omitempty"`
	StartsAt         time.Time     `json:"starts_at"`
	EndsAt           time.Time     `json:"ends_at"`
	AppointmentType  string        `json:"appointment_type"`
	VisitReason      string        `json:"visit_reason,omitempty"`
	RoomID           string        `json:"room_id,omitempty"`
	Room             string        `json:"room,omitempty"`
	AllDay           int           `json:"allDay"`
	BackgroundColor  string        `json:"background_color,omitempty"`
	TextColor        string        `json:"text_color,omitempty"`
	Image            string        `json:"image,omitempty"`
	FileNumber       string        `json:"file_number,omitempty"`
	Mobile           string        `json:"mobile,omitempty"`
	BirthDate        *time.Time    `json:"birthdate,omitempty"`
	CPR              string        `json:"cpr,omitempty"`
	Gender           string        `json:"gender,omitempty"`
	Modified         time.Time     `json:"modified"`
}

// ToCalendarEvent renders a calendar row.
func ToCalendarEvent(row CalendarRow) CalendarEvent {
	ev := CalendarEvent{
		Name:             row.ID,
		Resource:         row.Practitioner,
		PractitionerName: row.PractitionerName,
		Patient:          row.Patient,
		PatientName:      row.PatientName,
		Status:           row.VisitStatus,
		BookingType:      row.BookingStatus,
		Note:             row.Notes,
		PaymentType:      row.PaymentType,
		BillingStatus:    row.BillingStatus,
		SalesInvoice:     row.PatientInvoice,
		InsuranceInvoice: row.InsuranceInvoice,
		InsuranceStatus:  row.InsuranceStatus,
		StartsAt:         row.StartsAt,
		EndsAt:           row.EndsAt(),
		AppointmentType:  row.AppointmentType,
		VisitReason:      row.VisitReason,
		RoomID:           row.ServiceUnit,
		Room:             row.ServiceUnit,
		BackgroundColor:  row.PractitionerBackground,
		TextColor:        row.PractitionerText,
		Image:            row.PatientImage,
		FileNumber:       row.FileNumber,
		Mobile:           row.Mobile,
		BirthDate:        row.BirthDate,
		CPR:              row.CPR,
		Gender:           row.Gender,
		Modified:         row.UpdatedAt,
	}
	if row.RoomName != "" {
		ev.Room = row.RoomName
	}
	if t, ok := row.LastArrival(); ok {
		ev.ArrivalTime = &t
	}
	if row.VisitStatus == VisitCompleted || string(row.VisitStatus) == "Done" {
		ev.BackgroundColor = CompletedColor
	}
	return ev
}

// WaitingEntry is a patient waiting to be seen today
type WaitingEntry struct {
	Name             string      `json:"name"`
	AppointmentType  string      `json:"appointment_type"`
	Patient          string      `json:"patient"`
	PatientName      string      `json:"patient_name"`
	Mobile           string      `json:"mobile,omitempty"`
	BirthDate        *time.Time  `json:"dob,omitempty"`
	CPR              string      `json:"custom_cpr,omitempty"`
	FileNumber       string      `json:"custom_file_number,omitempty"`
	PatientImage     string      `json:"patient_image,omitempty"`
	Gender           string      `json:"gender,omitempty"`
	Practitioner     string      `json:"practitioner"`
	PractitionerName string      `json:"practitioner_name"`
	VisitStatus      VisitStatus `json:"custom_visit_status"`
	ArrivalTime      *time.Time  `json:"arrival_time,omitempty"`
	StartsAt         time.Time   `json:"appointment_datetime"`
}

// DayBounds returns [start of day, start of next day) for t in loc.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	start := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

// NoShowWindow returns the start datetimes eligible for the no-show sweep:
// from the start of now's day up to now minus grace.
func NoShowWindow(now time.Time, grace time.Duration, loc *time.Location) (time.Time, time.Time) {
	start, _ := DayBounds(now, loc)
	return start, now.Add(-grace)
}
