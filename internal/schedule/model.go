package schedule

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "PENDING"
	StatusConfirmed AppointmentStatus = "CONFIRMADO"
	StatusRejected  AppointmentStatus = "REJEITADO"
	StatusCancelled AppointmentStatus = "CANCELADO"
	StatusCompleted AppointmentStatus = "CONCLUIDO"
)

// transitions is the legal from -> to adjacency of the appointment
// lifecycle. REJEITADO, CANCELADO and CONCLUIDO are terminal.
var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusConfirmed, StatusRejected, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusCompleted},
	StatusRejected:  {},
	StatusCancelled: {},
	StatusCompleted: {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTargetStatus reports whether s is one of the four admin-settable
// statuses. PENDING is only ever entered through creation.
func ValidTargetStatus(s AppointmentStatus) bool {
	switch s {
	case StatusConfirmed, StatusRejected, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

type Insurance string

const (
	InsuranceBradescoSaude Insurance = "BRADESCO_SAUDE"
	InsuranceMedSenior     Insurance = "MEDSENIOR"
	InsuranceCabergsSaude  Insurance = "CABERGS_SAUDE"
	InsurancePostalSaude   Insurance = "POSTAL_SAUDE"
	InsuranceUnimed        Insurance = "UNIMED"
	InsuranceDanamed       Insurance = "DANAMED"
	InsuranceSulAmerica    Insurance = "SUL_AMERICA"
)

var insurances = map[Insurance]bool{
	InsuranceBradescoSaude: true,
	InsuranceMedSenior:     true,
	InsuranceCabergsSaude:  true,
	InsurancePostalSaude:   true,
	InsuranceUnimed:        true,
	InsuranceDanamed:       true,
	InsuranceSulAmerica:    true,
}

func ValidInsurance(i Insurance) bool {
	return insurances[i]
}

// HistoryAction tags an appointment_history row.
type HistoryAction string

const (
	ActionCreated       HistoryAction = "CREATED"
	ActionUpdated       HistoryAction = "UPDATED"
	ActionStatusChanged HistoryAction = "STATUS_CHANGED"
	ActionCancelled     HistoryAction = "CANCELLED"
	ActionCompleted     HistoryAction = "COMPLETED"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	BirthDate time.Time
	Phone     string // canonical (XX) XXXXX-XXXX, natural dedup key
	CPF       *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Doctor is the summary the scheduling core needs; identity itself lives
// with the external session provider.
type Doctor struct {
	ID             uuid.UUID
	Name           string
	Email          string
	MedicalLicense *string
}

type Appointment struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	Procedure       string
	StartDateTime   time.Time
	EndDateTime     time.Time
	Status          AppointmentStatus
	Insurance       Insurance
	SpecialNeeds    *string
	RejectionReason *string
	ApprovedBy      *uuid.UUID
	ApprovedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AppointmentHistory struct {
	ID            int64
	AppointmentID uuid.UUID
	ChangedBy     uuid.UUID
	Action        HistoryAction
	OldStatus     AppointmentStatus
	NewStatus     AppointmentStatus
	Notes         string
	CreatedAt     time.Time
}

// AppointmentDetail is an appointment joined with its patient and doctor
// summaries, the shape handed back to API callers.
type AppointmentDetail struct {
	Appointment
	Patient *Patient
	Doctor  *Doctor
}

// TimeSlot is a derived view model, never persisted.
type TimeSlot struct {
	Time      string `json:"time_slot"`
	Available bool   `json:"is_available"`
}

// SlotStatistics aggregates a resolved availability window.
type SlotStatistics struct {
	Total         int `json:"total"`
	Available     int `json:"available"`
	Occupied      int `json:"occupied"`
	OccupancyRate int `json:"occupancyRate"`
}

// OverlapInfo describes one existing appointment colliding with a proposed
// interval, with times rendered as HH:MM for display.
type OverlapInfo struct {
	Start     string            `json:"start"`
	End       string            `json:"end"`
	Procedure string            `json:"procedure"`
	Status    AppointmentStatus `json:"status"`
}
