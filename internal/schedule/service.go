// Package schedule implements the surgical-block scheduling core: slot
// generation, availability resolution, conflict detection and the
// appointment lifecycle. All persistence goes through Repository; the
// per-doctor Locker closes the conflict check-then-insert race at the
// application layer, backed by the exclusion constraint in the schema.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/opclinic/surgical-scheduling/internal/redis"
)

const (
	MinDuration     = 30 * time.Minute
	DefaultDuration = 2 * time.Hour

	defaultRejectionReason = "Rejeitado pelo administrador sem motivo especificado"
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
	log    zerolog.Logger

	// now is injectable so current-day slot filtering is testable.
	now func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		log:    log,
		now:    time.Now,
	}
}

// AvailabilityResult is the resolved calendar for one doctor and day.
type AvailabilityResult struct {
	Slots      []TimeSlot
	Statistics SlotStatistics
}

// ResolveAvailability computes the free/occupied slot view for a doctor on a
// given day. Read-only; reuses the same overlap semantics as CheckConflict
// through the repository's status filter.
func (s *Service) ResolveAvailability(ctx context.Context, doctorID uuid.UUID, date time.Time, startHour, endHour, intervalMinutes int) (*AvailabilityResult, error) {
	if startHour < 0 || endHour > 24 || endHour <= startHour {
		return nil, ErrInvalidSlotWindow
	}

	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	booked, err := s.repo.ListActiveForDoctorBetween(ctx, doctorID, dayStart, dayEnd)
	if err != nil {
		return nil, fmt.Errorf("fetch appointments for availability: %w", err)
	}

	now := s.now()
	today := now.Year() == dayStart.Year() && now.YearDay() == dayStart.YearDay()

	var slots []TimeSlot
	for _, hm := range GenerateSlots(startHour, endHour, intervalMinutes) {
		var hour, minute int
		fmt.Sscanf(hm, "%02d:%02d", &hour, &minute)

		// A slot exactly at the current minute counts as past.
		if today && !(hour > now.Hour() || (hour == now.Hour() && minute > now.Minute())) {
			continue
		}

		instant := dayStart.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)

		available := true
		for _, apt := range booked {
			if !instant.Before(apt.StartDateTime) && instant.Before(apt.EndDateTime) {
				available = false
				break
			}
		}

		slots = append(slots, TimeSlot{Time: hm, Available: available})
	}

	stats := SlotStatistics{Total: len(slots)}
	for _, sl := range slots {
		if sl.Available {
			stats.Available++
		}
	}
	stats.Occupied = stats.Total - stats.Available
	if stats.Total > 0 {
		stats.OccupancyRate = int(math.Round(float64(stats.Occupied) / float64(stats.Total) * 100))
	}

	return &AvailabilityResult{Slots: slots, Statistics: stats}, nil
}

// ConflictReport is the answer to "is this doctor free for [start,end)?",
// listing every collision so callers can render why.
type ConflictReport struct {
	Available bool
	Conflicts []OverlapInfo
	Message   string
}

// CheckConflict is the single source of truth for busy semantics: an
// existing [s,e) overlaps the proposed [start,end) iff s < end && e > start.
func (s *Service) CheckConflict(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (*ConflictReport, error) {
	if !end.After(start) {
		return nil, ErrEndBeforeStart
	}
	if start.Before(s.now()) {
		return nil, ErrPastStartTime
	}

	overlaps, err := s.findOverlaps(ctx, doctorID, start, end, excludeID)
	if err != nil {
		return nil, err
	}

	report := &ConflictReport{
		Available: len(overlaps) == 0,
		Conflicts: overlaps,
		Message:   "Horário disponível",
	}
	if !report.Available {
		report.Message = fmt.Sprintf("Conflito encontrado: %d agendamento(s) neste período", len(overlaps))
	}
	return report, nil
}

func (s *Service) findOverlaps(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]OverlapInfo, error) {
	existing, err := s.repo.ListOverlapping(ctx, doctorID, start, end, excludeID)
	if err != nil {
		return nil, fmt.Errorf("check conflicts: %w", err)
	}

	var overlaps []OverlapInfo
	for _, apt := range existing {
		overlaps = append(overlaps, OverlapInfo{
			Start:     apt.StartDateTime.Format("15:04"),
			End:       apt.EndDateTime.Format("15:04"),
			Procedure: apt.Procedure,
			Status:    apt.Status,
		})
	}
	return overlaps, nil
}

// CreateInput is a doctor's request for a surgical block.
type CreateInput struct {
	DoctorID     uuid.UUID
	PatientName  string
	PatientPhone string
	BirthDate    time.Time
	Procedure    string
	Start        time.Time
	End          time.Time // zero value defaults to Start + 2h
	Insurance    Insurance
	SpecialNeeds string
}

// CreateAppointment validates the request, resolves the patient, and inserts
// a PENDING appointment under the doctor's agenda lock so the conflict check
// and the insert are not interleaved by a concurrent request.
func (s *Service) CreateAppointment(ctx context.Context, in CreateInput) (*AppointmentDetail, error) {
	start, end := in.Start, in.End
	if end.IsZero() {
		end = start.Add(DefaultDuration)
	}

	if err := validateInterval(start, end); err != nil {
		return nil, err
	}
	if start.Before(s.now()) {
		return nil, ErrPastStartTime
	}

	if _, err := s.repo.GetDoctorByID(ctx, in.DoctorID); err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}

	var created *Appointment

	err := s.locker.WithDoctorLock(ctx, in.DoctorID, func(lockCtx context.Context) error {
		patient, err := s.resolvePatient(lockCtx, in.PatientPhone, in.PatientName, in.BirthDate)
		if err != nil {
			return err
		}

		overlaps, err := s.findOverlaps(lockCtx, in.DoctorID, start, end, nil)
		if err != nil {
			return err
		}
		if len(overlaps) > 0 {
			return &ConflictError{Overlaps: overlaps}
		}

		appt, err := s.repo.InsertAppointment(lockCtx, Appointment{
			DoctorID:      in.DoctorID,
			PatientID:     patient.ID,
			Procedure:     in.Procedure,
			StartDateTime: start,
			EndDateTime:   end,
			Insurance:     in.Insurance,
			SpecialNeeds:  optional(in.SpecialNeeds),
		})
		if err != nil {
			if errors.Is(err, ErrOverlapConstraint) {
				// The store-side exclusion constraint is authoritative.
				return s.constraintConflict(lockCtx, in.DoctorID, start, end, nil)
			}
			return fmt.Errorf("create appointment: %w", err)
		}

		created = appt

		s.appendHistory(lockCtx, AppointmentHistory{
			AppointmentID: appt.ID,
			ChangedBy:     in.DoctorID,
			Action:        ActionCreated,
			OldStatus:     StatusPending,
			NewStatus:     StatusPending,
			Notes:         "Agendamento solicitado pelo médico",
		})

		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrAgendaBusy
		}
		return nil, err
	}

	detail, err := s.repo.GetAppointmentDetail(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("load created appointment: %w", err)
	}
	return detail, nil
}

// UpdateInput carries the editable fields of a pending appointment,
// including patient-identity corrections that propagate to the patient row.
type UpdateInput struct {
	PatientName  string
	PatientPhone string
	BirthDate    time.Time
	Procedure    string
	Start        time.Time
	End          time.Time // zero value defaults to Start + 2h
	Insurance    Insurance
	SpecialNeeds string
}

// UpdateAppointment lets the owning doctor rework a still-pending request.
// The conflict check excludes the appointment itself so moving a block does
// not collide with its own old interval.
func (s *Service) UpdateAppointment(ctx context.Context, id, actorID uuid.UUID, in UpdateInput) (*AppointmentDetail, error) {
	existing, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if existing.DoctorID != actorID {
		return nil, ErrForbidden
	}
	if existing.Status != StatusPending {
		return nil, &StateError{Current: existing.Status, Reason: "only pending appointments can be edited"}
	}

	start, end := in.Start, in.End
	if end.IsZero() {
		end = start.Add(DefaultDuration)
	}
	if err := validateInterval(start, end); err != nil {
		return nil, err
	}

	err = s.locker.WithDoctorLock(ctx, existing.DoctorID, func(lockCtx context.Context) error {
		overlaps, err := s.findOverlaps(lockCtx, existing.DoctorID, start, end, &existing.ID)
		if err != nil {
			return err
		}
		if len(overlaps) > 0 {
			return &ConflictError{Overlaps: overlaps}
		}

		if err := s.repo.UpdatePatient(lockCtx, existing.PatientID, in.PatientName, in.BirthDate, in.PatientPhone); err != nil {
			if errors.Is(err, ErrDuplicatePhone) {
				return ErrDuplicatePhone
			}
			return fmt.Errorf("update patient: %w", err)
		}

		_, err = s.repo.UpdateAppointment(lockCtx, Appointment{
			ID:            existing.ID,
			Procedure:     in.Procedure,
			StartDateTime: start,
			EndDateTime:   end,
			Insurance:     in.Insurance,
			SpecialNeeds:  optional(in.SpecialNeeds),
		})
		if err != nil {
			if errors.Is(err, ErrOverlapConstraint) {
				return s.constraintConflict(lockCtx, existing.DoctorID, start, end, &existing.ID)
			}
			return fmt.Errorf("update appointment: %w", err)
		}

		s.appendHistory(lockCtx, AppointmentHistory{
			AppointmentID: existing.ID,
			ChangedBy:     actorID,
			Action:        ActionUpdated,
			OldStatus:     existing.Status,
			NewStatus:     existing.Status,
			Notes:         "Agendamento editado pelo médico",
		})

		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrAgendaBusy
		}
		return nil, err
	}

	detail, err := s.repo.GetAppointmentDetail(ctx, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("load updated appointment: %w", err)
	}
	return detail, nil
}

// DeleteAppointment hard-deletes a pending appointment owned by the actor.
// History rows go with the appointment (FK cascade); no audit trail is kept
// for deletions.
func (s *Service) DeleteAppointment(ctx context.Context, id, actorID uuid.UUID) error {
	existing, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return err
		}
		return fmt.Errorf("load appointment: %w", err)
	}

	if existing.DoctorID != actorID {
		return ErrForbidden
	}
	if existing.Status != StatusPending {
		return &StateError{Current: existing.Status, Reason: "only pending appointments can be deleted"}
	}

	if err := s.repo.DeleteAppointment(ctx, id); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	return nil
}

// Transition applies an admin status change. The caller has already verified
// the actor holds the admin capability; this method enforces the lifecycle
// adjacency, stamps approval fields, and appends exactly one history row.
func (s *Service) Transition(ctx context.Context, id, actorID uuid.UUID, newStatus AppointmentStatus, notes string) (*Appointment, error) {
	if !ValidTargetStatus(newStatus) {
		return nil, ErrInvalidStatus
	}

	existing, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if !CanTransition(existing.Status, newStatus) {
		return nil, &StateError{Current: existing.Status, Target: newStatus}
	}

	upd := StatusUpdate{Status: newStatus}
	if newStatus == StatusConfirmed || newStatus == StatusRejected {
		now := s.now()
		actor := actorID
		upd.ApprovedBy = &actor
		upd.ApprovedAt = &now
	}
	if newStatus == StatusRejected {
		reason := notes
		if reason == "" {
			reason = defaultRejectionReason
		}
		upd.RejectionReason = &reason
	}

	updated, err := s.repo.UpdateAppointmentStatus(ctx, id, upd)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	action := ActionStatusChanged
	switch newStatus {
	case StatusCancelled:
		action = ActionCancelled
	case StatusCompleted:
		action = ActionCompleted
	}

	note := notes
	if note == "" {
		note = fmt.Sprintf("Status alterado para %s pelo administrador", newStatus)
	}

	// Best effort: the committed status change is the primary effect, a
	// failed history append is logged and never rolls it back.
	s.appendHistory(ctx, AppointmentHistory{
		AppointmentID: id,
		ChangedBy:     actorID,
		Action:        action,
		OldStatus:     existing.Status,
		NewStatus:     newStatus,
		Notes:         note,
	})

	return updated, nil
}

// GetAppointment retrieves a fully hydrated appointment by ID.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return detail, nil
}

// ListAppointments returns appointments starting within [from, to],
// ascending, capped at limit.
func (s *Service) ListAppointments(ctx context.Context, from, to time.Time, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 50 // default
	}
	if limit > 200 {
		limit = 200 // max
	}

	appointments, err := s.repo.ListAppointmentsBetween(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

// ListAdmin returns the filtered administrative listing, newest first.
func (s *Service) ListAdmin(ctx context.Context, f AdminFilter) ([]AppointmentDetail, error) {
	appointments, err := s.repo.ListAppointmentsAdmin(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list appointments for admin: %w", err)
	}
	return appointments, nil
}

// History returns the append-only audit trail of one appointment.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]AppointmentHistory, error) {
	records, err := s.repo.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list appointment history: %w", err)
	}
	return records, nil
}

// resolvePatient is the idempotent find-or-create keyed by phone. Identity
// fields are first-write-wins: an existing patient is returned untouched even
// when name or birth date differ. The unique constraint on phone settles the
// create/create race; the loser re-reads and adopts the winner.
func (s *Service) resolvePatient(ctx context.Context, phone, name string, birthDate time.Time) (*Patient, error) {
	patient, err := s.repo.GetPatientByPhone(ctx, phone)
	if err == nil {
		return patient, nil
	}
	if !errors.Is(err, ErrPatientNotFound) {
		return nil, fmt.Errorf("lookup patient: %w", err)
	}

	patient, err = s.repo.CreatePatient(ctx, name, birthDate, phone)
	if err != nil {
		if errors.Is(err, ErrDuplicatePhone) {
			patient, err = s.repo.GetPatientByPhone(ctx, phone)
			if err != nil {
				return nil, fmt.Errorf("re-read patient after duplicate phone: %w", err)
			}
			return patient, nil
		}
		return nil, fmt.Errorf("create patient: %w", err)
	}
	return patient, nil
}

// constraintConflict turns a store-side exclusion violation into the same
// ConflictError the pre-check produces, re-reading the colliding rows for
// the caller's benefit.
func (s *Service) constraintConflict(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) error {
	overlaps, err := s.findOverlaps(ctx, doctorID, start, end, excludeID)
	if err != nil || len(overlaps) == 0 {
		return &ConflictError{}
	}
	return &ConflictError{Overlaps: overlaps}
}

func (s *Service) appendHistory(ctx context.Context, h AppointmentHistory) {
	if err := s.repo.InsertHistory(ctx, h); err != nil {
		s.log.Warn().
			Err(err).
			Str("appointment_id", h.AppointmentID.String()).
			Str("action", string(h.Action)).
			Msg("failed to append appointment history")
	}
}

func validateInterval(start, end time.Time) error {
	if !end.After(start) {
		return ErrEndBeforeStart
	}
	if end.Sub(start) < MinDuration {
		return ErrMinDuration
	}
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
