package schedule

import (
	"errors"
	"fmt"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrDoctorNotFound      = errors.New("doctor not found")

	ErrInvalidSlotWindow = errors.New("end hour must be after start hour")
	ErrEndBeforeStart    = errors.New("end time must be after start time")
	ErrMinDuration       = errors.New("appointment must last at least 30 minutes")
	ErrPastStartTime     = errors.New("appointment cannot start in the past")
	ErrInvalidStatus     = errors.New("invalid target status")

	ErrForbidden  = errors.New("actor does not own this appointment")
	ErrAgendaBusy = errors.New("doctor agenda is being modified, please retry")
)

// ConflictError reports a double-booking attempt with every colliding
// appointment so callers can render why the request was refused.
type ConflictError struct {
	Overlaps []OverlapInfo
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("scheduling conflict with %d appointment(s)", len(e.Overlaps))
}

// StateError reports an operation refused because of the appointment's
// current status (editing a non-pending row, illegal transition).
type StateError struct {
	Current AppointmentStatus
	Target  AppointmentStatus // zero value when not a transition
	Reason  string
}

func (e *StateError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("cannot transition from %s to %s", e.Current, e.Target)
	}
	return fmt.Sprintf("%s (current status %s)", e.Reason, e.Current)
}
