package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opclinic/surgical-scheduling/internal/config"
	"github.com/opclinic/surgical-scheduling/internal/schedule"
)

var (
	dateRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeRe  = regexp.MustCompile(`^\d{2}:\d{2}$`)
	phoneRe = regexp.MustCompile(`^\(\d{2}\) \d{5}-\d{4}$`)
)

func availableSlotsHandler(svc *schedule.Service, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())

		var req AvailableSlotsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if !dateRe.MatchString(req.Date) {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be in YYYY-MM-DD format")
			return
		}
		date, err := time.ParseInLocation("2006-01-02", req.Date, time.Local)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date is not a valid calendar day")
			return
		}

		doctorID := actor.ID
		if req.DoctorID != "" {
			doctorID, err = uuid.Parse(req.DoctorID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
				return
			}
		}

		startHour := cfg.DefaultStartHour
		if req.StartHour != nil {
			startHour = *req.StartHour
		}
		endHour := cfg.DefaultEndHour
		if req.EndHour != nil {
			endHour = *req.EndHour
		}
		slotDuration := cfg.DefaultSlotDuration
		if req.SlotDuration != nil {
			slotDuration = *req.SlotDuration
		}

		if startHour < 0 || startHour > 23 || endHour < 0 || endHour > 24 {
			writeError(w, http.StatusBadRequest, "invalid_hour_window", "hours must be within 0-23")
			return
		}
		if slotDuration < 15 || slotDuration > 240 {
			writeError(w, http.StatusBadRequest, "invalid_slot_duration", "slot duration must be between 15 and 240 minutes")
			return
		}

		result, err := svc.ResolveAvailability(r.Context(), doctorID, date, startHour, endHour, slotDuration)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		slots := result.Slots
		if slots == nil {
			slots = []schedule.TimeSlot{}
		}

		writeJSON(w, http.StatusOK, AvailableSlotsResponse{
			Slots:      slots,
			Statistics: result.Statistics,
			Config: SlotWindowConfig{
				Date:         req.Date,
				StartHour:    startHour,
				EndHour:      endHour,
				SlotDuration: slotDuration,
			},
		})
	}
}

func checkAvailabilityHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())

		var req CheckAvailabilityRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		if !dateRe.MatchString(req.Date) {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be in YYYY-MM-DD format")
			return
		}
		if !timeRe.MatchString(req.StartTime) || !timeRe.MatchString(req.EndTime) {
			writeError(w, http.StatusBadRequest, "invalid_time", "startTime and endTime must be in HH:MM format")
			return
		}

		start, err := combineDateTime(req.Date, req.StartTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
			return
		}
		end, err := combineDateTime(req.Date, req.EndTime)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_time", err.Error())
			return
		}

		doctorID := actor.ID
		if req.DoctorID != "" {
			doctorID, err = uuid.Parse(req.DoctorID)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
				return
			}
		}

		report, err := svc.CheckConflict(r.Context(), doctorID, start, end, nil)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		conflicts := report.Conflicts
		if conflicts == nil {
			conflicts = []schedule.OverlapInfo{}
		}

		writeJSON(w, http.StatusOK, CheckAvailabilityResponse{
			Available: report.Available,
			Conflicts: conflicts,
			Message:   report.Message,
		})
	}
}

func createAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())
		if !actor.IsDoctor() {
			writeError(w, http.StatusForbidden, "doctor_only", "only doctors can request appointments")
			return
		}

		var req AppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		parsed, errCode, errMsg := parseAppointmentRequest(req)
		if errCode != "" {
			writeError(w, http.StatusBadRequest, errCode, errMsg)
			return
		}

		detail, err := svc.CreateAppointment(r.Context(), schedule.CreateInput{
			DoctorID:     actor.ID,
			PatientName:  req.PatientName,
			PatientPhone: req.PatientPhone,
			BirthDate:    parsed.birthDate,
			Procedure:    req.Procedure,
			Start:        parsed.start,
			End:          parsed.end,
			Insurance:    schedule.Insurance(req.Insurance),
			SpecialNeeds: req.SpecialNeeds,
		})
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"appointment": toDetailResponse(detail),
			"message":     "Solicitação enviada com sucesso!",
		})
	}
}

func updateAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())
		if !actor.IsDoctor() {
			writeError(w, http.StatusForbidden, "doctor_only", "only doctors can edit appointments")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req AppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		parsed, errCode, errMsg := parseAppointmentRequest(req)
		if errCode != "" {
			writeError(w, http.StatusBadRequest, errCode, errMsg)
			return
		}

		detail, err := svc.UpdateAppointment(r.Context(), id, actor.ID, schedule.UpdateInput{
			PatientName:  req.PatientName,
			PatientPhone: req.PatientPhone,
			BirthDate:    parsed.birthDate,
			Procedure:    req.Procedure,
			Start:        parsed.start,
			End:          parsed.end,
			Insurance:    schedule.Insurance(req.Insurance),
			SpecialNeeds: req.SpecialNeeds,
		})
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"appointment": toDetailResponse(detail),
			"message":     "Agendamento atualizado com sucesso!",
		})
	}
}

func deleteAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())
		if !actor.IsDoctor() {
			writeError(w, http.StatusForbidden, "doctor_only", "only doctors can delete appointments")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		if err := svc.DeleteAppointment(r.Context(), id, actor.ID); err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Agendamento excluído com sucesso!",
		})
	}
}

func getAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"appointment": toDetailResponse(detail),
		})
	}
}

func listAppointmentsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		date := q.Get("date")
		startDate := q.Get("startDate")
		endDate := q.Get("endDate")

		limit := 50
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be an integer")
				return
			}
			limit = n
		}

		var from, to time.Time
		var err error
		switch {
		case date != "":
			if !dateRe.MatchString(date) {
				writeError(w, http.StatusBadRequest, "invalid_date", "date must be in YYYY-MM-DD format")
				return
			}
			from, err = time.ParseInLocation("2006-01-02", date, time.Local)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date is not a valid calendar day")
				return
			}
			to = from.AddDate(0, 0, 1).Add(-time.Second)
		case startDate != "" && endDate != "":
			if !dateRe.MatchString(startDate) || !dateRe.MatchString(endDate) {
				writeError(w, http.StatusBadRequest, "invalid_date", "startDate and endDate must be in YYYY-MM-DD format")
				return
			}
			from, err = time.ParseInLocation("2006-01-02", startDate, time.Local)
			if err == nil {
				to, err = time.ParseInLocation("2006-01-02", endDate, time.Local)
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "date is not a valid calendar day")
				return
			}
			to = to.AddDate(0, 0, 1).Add(-time.Second)
		default:
			writeError(w, http.StatusBadRequest, "missing_date_filter", "date or date range (startDate and endDate) is required")
			return
		}

		appointments, err := svc.ListAppointments(r.Context(), from, to, limit)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appointments))
		for _, a := range appointments {
			resp = append(resp, toAppointmentResponse(a))
		}
		writeJSON(w, http.StatusOK, map[string]any{"appointments": resp})
	}
}

func adminListAppointmentsHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())
		if !actor.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin_only", "access restricted to administrators")
			return
		}

		q := r.URL.Query()
		var f schedule.AdminFilter

		if v := q.Get("status"); v != "" && v != "ALL" {
			st := schedule.AppointmentStatus(v)
			if st != schedule.StatusPending && !schedule.ValidTargetStatus(st) {
				writeError(w, http.StatusBadRequest, "invalid_status", "unknown status filter")
				return
			}
			f.Status = &st
		}
		if v := q.Get("dateFrom"); v != "" {
			t, err := time.ParseInLocation("2006-01-02", v, time.Local)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "dateFrom must be in YYYY-MM-DD format")
				return
			}
			f.DateFrom = &t
		}
		if v := q.Get("dateTo"); v != "" {
			t, err := time.ParseInLocation("2006-01-02", v, time.Local)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_date", "dateTo must be in YYYY-MM-DD format")
				return
			}
			end := t.AddDate(0, 0, 1).Add(-time.Second)
			f.DateTo = &end
		}
		if v := q.Get("doctorId"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_doctor_id", "doctorId must be a valid UUID")
				return
			}
			f.DoctorID = &id
		}
		f.PatientSearch = q.Get("patientSearch")

		details, err := svc.ListAdmin(r.Context(), f)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(details))
		for i := range details {
			resp = append(resp, toDetailResponse(&details[i]))
		}
		writeJSON(w, http.StatusOK, map[string]any{"appointments": resp})
	}
}

func adminGetAppointmentHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())
		if !actor.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin_only", "access restricted to administrators")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		history, err := svc.History(r.Context(), id)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		histResp := make([]HistoryResponse, 0, len(history))
		for _, h := range history {
			histResp = append(histResp, toHistoryResponse(h))
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"appointment": toDetailResponse(detail),
			"history":     histResp,
		})
	}
}

func transitionHandler(svc *schedule.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := GetActor(r.Context())
		if !actor.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin_only", "access restricted to administrators")
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		var req StatusUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Status == "" {
			writeError(w, http.StatusBadRequest, "missing_status", "status is required")
			return
		}

		updated, err := svc.Transition(r.Context(), id, actor.ID, schedule.AppointmentStatus(req.Status), req.Notes)
		if err != nil {
			handleScheduleError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"appointment": toAppointmentResponse(*updated),
			"message":     fmt.Sprintf("Status atualizado para %s", updated.Status),
		})
	}
}

// parsedTimes carries the request times after validation.
type parsedTimes struct {
	start     time.Time
	end       time.Time // zero when no estimated end was given
	birthDate time.Time
}

func parseAppointmentRequest(req AppointmentRequest) (parsedTimes, string, string) {
	var out parsedTimes

	if req.SelectedDate == "" || req.SelectedTime == "" {
		return out, "missing_schedule", "selectedDate and selectedTime are required"
	}
	if len(req.PatientName) < 3 {
		return out, "invalid_patient_name", "patient name must have at least 3 characters"
	}
	if len(req.Procedure) < 5 {
		return out, "invalid_procedure", "procedure must have at least 5 characters"
	}
	if req.SpecialNeeds == "" {
		return out, "invalid_special_needs", "describe the special needs or state there are none"
	}
	if !phoneRe.MatchString(req.PatientPhone) {
		return out, "invalid_phone", "phone must be in (XX) XXXXX-XXXX format"
	}
	if !schedule.ValidInsurance(schedule.Insurance(req.Insurance)) {
		return out, "invalid_insurance", "unknown insurance category"
	}

	birthDate, err := time.ParseInLocation("02/01/2006", req.BirthDate, time.Local)
	if err != nil {
		return out, "invalid_birth_date", "birth date must be in DD/MM/YYYY format"
	}
	out.birthDate = birthDate

	// selectedDate may arrive as a full ISO timestamp; only the day matters.
	dateOnly := req.SelectedDate
	if len(dateOnly) > 10 {
		dateOnly = dateOnly[:10]
	}
	if !dateRe.MatchString(dateOnly) {
		return out, "invalid_date", "selectedDate must be in YYYY-MM-DD format"
	}
	if !timeRe.MatchString(req.SelectedTime) {
		return out, "invalid_time", "selectedTime must be in HH:MM format"
	}

	out.start, err = combineDateTime(dateOnly, req.SelectedTime)
	if err != nil {
		return out, "invalid_time", err.Error()
	}

	if req.EstimatedEndTime != "" {
		if !timeRe.MatchString(req.EstimatedEndTime) {
			return out, "invalid_time", "estimatedEndTime must be in HH:MM format"
		}
		out.end, err = combineDateTime(dateOnly, req.EstimatedEndTime)
		if err != nil {
			return out, "invalid_time", err.Error()
		}
	}

	return out, "", ""
}

func combineDateTime(date, hm string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02 15:04", date+" "+hm, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date/time %s %s", date, hm)
	}
	return t, nil
}

func handleScheduleError(w http.ResponseWriter, err error) {
	var conflictErr *schedule.ConflictError
	var stateErr *schedule.StateError

	switch {
	case errors.Is(err, schedule.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", "Agendamento não encontrado")
	case errors.Is(err, schedule.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", "Médico não encontrado")
	case errors.Is(err, schedule.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", "Paciente não encontrado")
	case errors.Is(err, schedule.ErrInvalidSlotWindow):
		writeError(w, http.StatusBadRequest, "invalid_hour_window", "Hora de término deve ser posterior à hora de início")
	case errors.Is(err, schedule.ErrEndBeforeStart):
		writeError(w, http.StatusBadRequest, "end_before_start", "Hora de término deve ser posterior à hora de início")
	case errors.Is(err, schedule.ErrMinDuration):
		writeError(w, http.StatusBadRequest, "below_min_duration", "Duração mínima de 30 minutos")
	case errors.Is(err, schedule.ErrPastStartTime):
		writeError(w, http.StatusBadRequest, "past_start_time", "Não é possível agendar no passado")
	case errors.Is(err, schedule.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, "invalid_status", "Status inválido")
	case errors.Is(err, schedule.ErrForbidden):
		writeError(w, http.StatusForbidden, "not_owner", "Você não tem permissão para alterar este agendamento")
	case errors.Is(err, schedule.ErrDuplicatePhone):
		writeError(w, http.StatusConflict, "duplicate_phone", "Telefone já cadastrado para outro paciente")
	case errors.Is(err, schedule.ErrAgendaBusy):
		writeError(w, http.StatusConflict, "agenda_busy", "Agenda sendo modificada, tente novamente")
	case errors.As(err, &conflictErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:     "scheduling_conflict",
			Details:   "Você já possui um agendamento neste horário",
			Conflicts: conflictErr.Overlaps,
		})
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "invalid_state",
			Details: stateErr.Error(),
			Status:  string(stateErr.Current),
		})
	default:
		// Data-access failures stay generic; storage internals never leak.
		writeError(w, http.StatusInternalServerError, "internal_error", "Erro interno do servidor")
	}
}
