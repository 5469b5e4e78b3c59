// Package patient holds the patient master record used across clinic workflows.
package patient

import "time"

// Patient is a registered patient
type Patient struct {
	ID                   string     `json:"name"`
	FirstName            string     `json:"first_name,omitempty"`
	LastName             string     `json:"last_name,omitempty"`
	PatientName          string     `json:"patient_name"`
	Sex                  string     `json:"sex,omitempty"`
	DOB                  *time.Time `json:"dob,omitempty"`
	Mobile               string     `json:"mobile,omitempty"`
	Phone                string     `json:"phone,omitempty"`
	Email                string     `json:"email,omitempty"`
	CPR                  string     `json:"custom_cpr,omitempty"`
	FileNumber           string     `json:"custom_file_number,omitempty"`
	Image                string     `json:"image,omitempty"`
	BloodGroup           string     `json:"blood_group,omitempty"`
	Address              string     `json:"address,omitempty"`
	PreferredLanguage    string     `json:"language,omitempty"`
	Customer             string     `json:"customer,omitempty"`
	EmergencyContactName string     `json:"emergency_contact_name,omitempty"`
	EmergencyRelation    string     `json:"emergency_contact_relation,omitempty"`
	EmergencyPhone       string     `json:"emergency_contact_phone,omitempty"`
	EmergencyEmail       string     `json:"emergency_contact_email,omitempty"`
	CreatedAt            time.Time  `json:"creation"`
	UpdatedAt            time.Time  `json:"modified"`
}

// DisplayName falls back to the id when no name is recorded.
func (p Patient) DisplayName() string {
	if p.PatientName != "" {
		return p.PatientName
	}
	return p.ID
}

// AgeYears returns the completed years between dob and on, or nil without a dob.
func AgeYears(dob *time.Time, on time.Time) *int {
	if dob == nil || dob.IsZero() {
		return nil
	}
	years := on.Year() - dob.Year()
	if on.Month() < dob.Month() || (on.Month() == dob.Month() && on.Day() < dob.Day()) {
		years--
	}
	return &years
}

// Summary is the short patient card shown next to relations and lists
type Summary struct {
	ID          string     `json:"patient"`
	PatientName string     `json:"patient_name"`
	Gender      string     `json:"gender,omitempty"`
	DOB         *time.Time `json:"dob,omitempty"`
	Age         *int       `json:"age"`
	Image       string     `json:"patient_image,omitempty"`
	FileNumber  string     `json:"file_number,omitempty"`
	CPR         string     `json:"cpr,omitempty"`
}

// Summarize builds the card for p as of on.
func Summarize(p Patient, on time.Time) Summary {
	return Summary{
		ID:          p.ID,
		PatientName: p.DisplayName(),
		Gender:      p.Sex,
		DOB:         p.DOB,
		Age:         AgeYears(p.DOB, on),
		Image:       p.Image,
		FileNumber:  p.FileNumber,
		CPR:         p.CPR,
	}
}
