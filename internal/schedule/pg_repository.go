package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation    = "23505"
	pgExclusionViolation = "23P01"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	var license *string

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Email,
		&license,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	d.MedicalLicense = license
	return &d, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var cpf *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.BirthDate,
		&p.Phone,
		&cpf,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.CPF = cpf
	return &p, nil
}

const appointmentColumns = `id, doctor_id, patient_id, procedure, start_date_time, end_date_time,
	status, insurance, special_needs, rejection_reason, approved_by, approved_at,
	created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.DoctorID,
		&a.PatientID,
		&a.Procedure,
		&a.StartDateTime,
		&a.EndDateTime,
		&a.Status,
		&a.Insurance,
		&a.SpecialNeeds,
		&a.RejectionReason,
		&a.ApprovedBy,
		&a.ApprovedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, medical_license
		FROM users
		WHERE id = $1
	`, id)
	return scanDoctor(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, birth_date, phone, cpf, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetPatientByPhone(ctx context.Context, phone string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, birth_date, phone, cpf, created_at, updated_at
		FROM patients
		WHERE phone = $1
	`, phone)
	return scanPatient(row)
}

func (r *PgRepository) CreatePatient(ctx context.Context, name string, birthDate time.Time, phone string) (*Patient, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, name, birth_date, phone, cpf, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULL, now(), now())
		RETURNING id, name, birth_date, phone, cpf, created_at, updated_at
	`, id, name, birthDate, phone)

	p, err := scanPatient(row)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return nil, ErrDuplicatePhone
		}
		return nil, err
	}
	return p, nil
}

func (r *PgRepository) UpdatePatient(ctx context.Context, id uuid.UUID, name string, birthDate time.Time, phone string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE patients
		SET name = $2,
		    birth_date = $3,
		    phone = $4,
		    updated_at = now()
		WHERE id = $1
	`, id, name, birthDate, phone)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return ErrDuplicatePhone
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPatientNotFound
	}
	return nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	a, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, a)
}

func (r *PgRepository) hydrate(ctx context.Context, a *Appointment) (*AppointmentDetail, error) {
	patient, err := r.GetPatientByID(ctx, a.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient for appointment %s: %w", a.ID, err)
	}

	doctor, err := r.GetDoctorByID(ctx, a.DoctorID)
	if err != nil {
		return nil, fmt.Errorf("load doctor for appointment %s: %w", a.ID, err)
	}

	return &AppointmentDetail{
		Appointment: *a,
		Patient:     patient,
		Doctor:      doctor,
	}, nil
}

func (r *PgRepository) ListOverlapping(ctx context.Context, doctorID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]Appointment, error) {
	// Half-open interval intersection: touching endpoints are not conflicts.
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status NOT IN ('CANCELADO', 'REJEITADO')
		  AND start_date_time < $3
		  AND end_date_time > $2
		  AND ($4::uuid IS NULL OR id <> $4)
		ORDER BY start_date_time ASC
	`, doctorID, start, end, excludeID)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListActiveForDoctorBetween(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE doctor_id = $1
		  AND status NOT IN ('CANCELADO', 'REJEITADO')
		  AND start_date_time >= $2
		  AND start_date_time < $3
		ORDER BY start_date_time ASC
	`, doctorID, from, to)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InsertAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, doctor_id, patient_id, procedure, start_date_time, end_date_time,
			status, insurance, special_needs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'PENDING', $7, $8, now(), now())
		RETURNING `+appointmentColumns+`
	`, id, a.DoctorID, a.PatientID, a.Procedure, a.StartDateTime, a.EndDateTime, a.Insurance, a.SpecialNeeds)

	created, err := scanAppointment(row)
	if err != nil {
		if isPgCode(err, pgExclusionViolation) {
			return nil, ErrOverlapConstraint
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET procedure = $2,
		    start_date_time = $3,
		    end_date_time = $4,
		    insurance = $5,
		    special_needs = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, a.ID, a.Procedure, a.StartDateTime, a.EndDateTime, a.Insurance, a.SpecialNeeds)

	updated, err := scanAppointment(row)
	if err != nil {
		if isPgCode(err, pgExclusionViolation) {
			return nil, ErrOverlapConstraint
		}
		return nil, err
	}
	return updated, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, upd StatusUpdate) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    approved_by = COALESCE($3, approved_by),
		    approved_at = COALESCE($4, approved_at),
		    rejection_reason = COALESCE($5, rejection_reason),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+appointmentColumns+`
	`, id, upd.Status, upd.ApprovedBy, upd.ApprovedAt, upd.RejectionReason)

	return scanAppointment(row)
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM appointments
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (r *PgRepository) ListAppointmentsBetween(ctx context.Context, from, to time.Time, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE start_date_time >= $1
		  AND start_date_time <= $2
		ORDER BY start_date_time ASC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListAppointmentsAdmin(ctx context.Context, f AdminFilter) ([]AppointmentDetail, error) {
	var (
		conds []string
		args  []any
	)

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Status != nil {
		add("a.status = $%d", *f.Status)
	}
	if f.DateFrom != nil {
		add("a.start_date_time >= $%d", *f.DateFrom)
	}
	if f.DateTo != nil {
		add("a.start_date_time <= $%d", *f.DateTo)
	}
	if f.DoctorID != nil {
		add("a.doctor_id = $%d", *f.DoctorID)
	}
	if s := strings.TrimSpace(f.PatientSearch); s != "" {
		add("p.name ILIKE $%d", "%"+s+"%")
	}

	query := `
		SELECT a.id, a.doctor_id, a.patient_id, a.procedure, a.start_date_time, a.end_date_time,
		       a.status, a.insurance, a.special_needs, a.rejection_reason, a.approved_by, a.approved_at,
		       a.created_at, a.updated_at,
		       p.id, p.name, p.birth_date, p.phone, p.cpf, p.created_at, p.updated_at,
		       u.id, u.name, u.email, u.medical_license
		FROM appointments a
		JOIN patients p ON p.id = a.patient_id
		JOIN users u ON u.id = a.doctor_id
	`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY a.start_date_time DESC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		var (
			a Appointment
			p Patient
			d Doctor
		)
		err := rows.Scan(
			&a.ID, &a.DoctorID, &a.PatientID, &a.Procedure, &a.StartDateTime, &a.EndDateTime,
			&a.Status, &a.Insurance, &a.SpecialNeeds, &a.RejectionReason, &a.ApprovedBy, &a.ApprovedAt,
			&a.CreatedAt, &a.UpdatedAt,
			&p.ID, &p.Name, &p.BirthDate, &p.Phone, &p.CPF, &p.CreatedAt, &p.UpdatedAt,
			&d.ID, &d.Name, &d.Email, &d.MedicalLicense,
		)
		if err != nil {
			return nil, err
		}
		patient := p
		doctor := d
		result = append(result, AppointmentDetail{
			Appointment: a,
			Patient:     &patient,
			Doctor:      &doctor,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertHistory(ctx context.Context, h AppointmentHistory) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_history (appointment_id, changed_by, action, old_status, new_status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	`, h.AppointmentID, h.ChangedBy, h.Action, h.OldStatus, h.NewStatus, h.Notes, nullableTime(h.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert appointment history: %w", err)
	}

	return nil
}

func (r *PgRepository) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]AppointmentHistory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, changed_by, action, old_status, new_status, notes, created_at
		FROM appointment_history
		WHERE appointment_id = $1
		ORDER BY created_at ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentHistory
	for rows.Next() {
		var h AppointmentHistory
		err := rows.Scan(&h.ID, &h.AppointmentID, &h.ChangedBy, &h.Action, &h.OldStatus, &h.NewStatus, &h.Notes, &h.CreatedAt)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
