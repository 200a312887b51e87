package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicatePhone is returned by CreatePatient when the phone unique
	// constraint fires; the resolver re-reads and adopts the winner.
	ErrDuplicatePhone = errors.New("patient phone already registered")

	// ErrOverlapConstraint is returned by appointment writes when the
	// database-side exclusion constraint on (doctor, time range) fires. It is
	// the authoritative double-booking signal; the in-application conflict
	// check is only a user-friendly pre-check.
	ErrOverlapConstraint = errors.New("appointment overlaps an existing booking")
)

// StatusUpdate carries the column set written by a lifecycle transition.
type StatusUpdate struct {
	Status          AppointmentStatus
	ApprovedBy      *uuid.UUID
	ApprovedAt      *time.Time
	RejectionReason *string
}

// AdminFilter narrows the administrative appointment listing.
type AdminFilter struct {
	Status        *AppointmentStatus
	DateFrom      *time.Time
	DateTo        *time.Time
	DoctorID      *uuid.UUID
	PatientSearch string // case-insensitive substring on patient name
}

// Repository contains all row-store interactions needed by the service.
type Repository interface {
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)

	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByPhone(ctx context.Context, phone string) (*Patient, error)
	CreatePatient(ctx context.Context, name string, birthDate time.Time, phone string) (*Patient, error)
	UpdatePatient(ctx context.Context, id uuid.UUID, name string, birthDate time.Time, phone string) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)

	// ListOverlapping returns every non-cancelled, non-rejected appointment of
	// the doctor whose [start,end) interval intersects the given one, oldest
	// first. excludeID skips one appointment (edit-in-place against itself).
	ListOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]Appointment, error)

	// ListActiveForDoctorBetween returns the doctor's non-cancelled,
	// non-rejected appointments starting within [from, to), ordered by start.
	ListActiveForDoctorBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error)

	InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	ListAppointmentsBetween(ctx context.Context, from, to time.Time, limit int) ([]Appointment, error)
	ListAppointmentsAdmin(ctx context.Context, f AdminFilter) ([]AppointmentDetail, error)

	InsertHistory(ctx context.Context, h AppointmentHistory) error
	ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]AppointmentHistory, error)
}
