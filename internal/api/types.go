package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/opclinic/surgical-scheduling/internal/schedule"
)

type AvailableSlotsRequest struct {
	Date         string `json:"date"`
	DoctorID     string `json:"doctorId,omitempty"`
	StartHour    *int   `json:"startHour,omitempty"`
	EndHour      *int   `json:"endHour,omitempty"`
	SlotDuration *int   `json:"slotDuration,omitempty"`
}

type AvailableSlotsResponse struct {
	Slots      []schedule.TimeSlot     `json:"slots"`
	Statistics schedule.SlotStatistics `json:"statistics"`
	Config     SlotWindowConfig        `json:"config"`
}

type SlotWindowConfig struct {
	Date         string `json:"date"`
	StartHour    int    `json:"startHour"`
	EndHour      int    `json:"endHour"`
	SlotDuration int    `json:"slotDuration"`
}

type CheckAvailabilityRequest struct {
	Date      string `json:"date"`
	StartTime string `json:"startTime"`
	EndTime   string `json:"endTime"`
	DoctorID  string `json:"doctorId,omitempty"`
}

type CheckAvailabilityResponse struct {
	Available bool                   `json:"available"`
	Conflicts []schedule.OverlapInfo `json:"conflicts"`
	Message   string                 `json:"message"`
}

// AppointmentRequest is the create/update payload a doctor submits.
// BirthDate uses DD/MM/YYYY, phone the canonical (XX) XXXXX-XXXX format.
type AppointmentRequest struct {
	SelectedDate     string `json:"selectedDate"`
	SelectedTime     string `json:"selectedTime"`
	PatientName      string `json:"patientName"`
	BirthDate        string `json:"birthDate"`
	PatientPhone     string `json:"patientPhone"`
	Procedure        string `json:"procedure"`
	SpecialNeeds     string `json:"specialNeeds"`
	Insurance        string `json:"insurance"`
	EstimatedEndTime string `json:"estimatedEndTime,omitempty"`
}

type StatusUpdateRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

type PatientResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	BirthDate string    `json:"birth_date"`
	Phone     string    `json:"phone"`
	CPF       *string   `json:"cpf,omitempty"`
}

type DoctorResponse struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Email          string    `json:"email"`
	MedicalLicense *string   `json:"medical_license,omitempty"`
}

type AppointmentResponse struct {
	ID              uuid.UUID        `json:"id"`
	DoctorID        uuid.UUID        `json:"doctor_id"`
	PatientID       uuid.UUID        `json:"patient_id"`
	Procedure       string           `json:"procedure"`
	StartDateTime   time.Time        `json:"start_date_time"`
	EndDateTime     time.Time        `json:"end_date_time"`
	Status          string           `json:"status"`
	Insurance       string           `json:"insurance"`
	SpecialNeeds    *string          `json:"special_needs,omitempty"`
	RejectionReason *string          `json:"rejection_reason,omitempty"`
	ApprovedBy      *uuid.UUID       `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time       `json:"approved_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Patient         *PatientResponse `json:"patient,omitempty"`
	Doctor          *DoctorResponse  `json:"doctor,omitempty"`
}

type HistoryResponse struct {
	ID            int64     `json:"id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	ChangedBy     uuid.UUID `json:"changed_by"`
	Action        string    `json:"action"`
	OldStatus     string    `json:"old_status"`
	NewStatus     string    `json:"new_status"`
	Notes         string    `json:"notes"`
	CreatedAt     time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error     string                 `json:"error"`
	Details   string                 `json:"details,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Conflicts []schedule.OverlapInfo `json:"conflicts,omitempty"`
}

func toAppointmentResponse(a schedule.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:              a.ID,
		DoctorID:        a.DoctorID,
		PatientID:       a.PatientID,
		Procedure:       a.Procedure,
		StartDateTime:   a.StartDateTime,
		EndDateTime:     a.EndDateTime,
		Status:          string(a.Status),
		Insurance:       string(a.Insurance),
		SpecialNeeds:    a.SpecialNeeds,
		RejectionReason: a.RejectionReason,
		ApprovedBy:      a.ApprovedBy,
		ApprovedAt:      a.ApprovedAt,
		CreatedAt:       a.CreatedAt,
		UpdatedAt:       a.UpdatedAt,
	}
}

func toDetailResponse(d *schedule.AppointmentDetail) AppointmentResponse {
	resp := toAppointmentResponse(d.Appointment)
	if d.Patient != nil {
		resp.Patient = &PatientResponse{
			ID:        d.Patient.ID,
			Name:      d.Patient.Name,
			BirthDate: d.Patient.BirthDate.Format("2006-01-02"),
			Phone:     d.Patient.Phone,
			CPF:       d.Patient.CPF,
		}
	}
	if d.Doctor != nil {
		resp.Doctor = &DoctorResponse{
			ID:             d.Doctor.ID,
			Name:           d.Doctor.Name,
			Email:          d.Doctor.Email,
			MedicalLicense: d.Doctor.MedicalLicense,
		}
	}
	return resp
}

func toHistoryResponse(h schedule.AppointmentHistory) HistoryResponse {
	return HistoryResponse{
		ID:            h.ID,
		AppointmentID: h.AppointmentID,
		ChangedBy:     h.ChangedBy,
		Action:        string(h.Action),
		OldStatus:     string(h.OldStatus),
		NewStatus:     string(h.NewStatus),
		Notes:         h.Notes,
		CreatedAt:     h.CreatedAt,
	}
}
