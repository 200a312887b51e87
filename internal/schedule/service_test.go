package schedule

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/opclinic/surgical-scheduling/internal/redis"
)

// ----- Fakes -----

// fakeRepo is an in-memory Repository with the same filtering semantics as
// the SQL implementation, plus error injection knobs.
type fakeRepo struct {
	doctors      map[uuid.UUID]*Doctor
	patients     map[uuid.UUID]*Patient
	appointments map[uuid.UUID]*Appointment
	history      []AppointmentHistory

	listErr          error
	insertErr        error
	historyErr       error
	createPatientErr error
	phoneLookupMiss  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		doctors:      make(map[uuid.UUID]*Doctor),
		patients:     make(map[uuid.UUID]*Patient),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (r *fakeRepo) addDoctor(name string) uuid.UUID {
	id := uuid.New()
	r.doctors[id] = &Doctor{ID: id, Name: name, Email: name + "@clinic.test"}
	return id
}

func (r *fakeRepo) addPatient(name, phone string) uuid.UUID {
	id := uuid.New()
	r.patients[id] = &Patient{ID: id, Name: name, Phone: phone, BirthDate: time.Date(1980, 3, 15, 0, 0, 0, 0, time.Local)}
	return id
}

func (r *fakeRepo) addAppointment(doctorID, patientID uuid.UUID, start, end time.Time, status AppointmentStatus) uuid.UUID {
	id := uuid.New()
	r.appointments[id] = &Appointment{
		ID:            id,
		DoctorID:      doctorID,
		PatientID:     patientID,
		Procedure:     "Procedimento de teste",
		StartDateTime: start,
		EndDateTime:   end,
		Status:        status,
		Insurance:     InsuranceUnimed,
	}
	return id
}

func (r *fakeRepo) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	if d, ok := r.doctors[id]; ok {
		return d, nil
	}
	return nil, ErrDoctorNotFound
}

func (r *fakeRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	if p, ok := r.patients[id]; ok {
		return p, nil
	}
	return nil, ErrPatientNotFound
}

func (r *fakeRepo) GetPatientByPhone(_ context.Context, phone string) (*Patient, error) {
	if r.phoneLookupMiss > 0 {
		r.phoneLookupMiss--
		return nil, ErrPatientNotFound
	}
	for _, p := range r.patients {
		if p.Phone == phone {
			return p, nil
		}
	}
	return nil, ErrPatientNotFound
}

func (r *fakeRepo) CreatePatient(_ context.Context, name string, birthDate time.Time, phone string) (*Patient, error) {
	if r.createPatientErr != nil {
		err := r.createPatientErr
		r.createPatientErr = nil
		return nil, err
	}
	for _, p := range r.patients {
		if p.Phone == phone {
			return nil, ErrDuplicatePhone
		}
	}
	p := &Patient{ID: uuid.New(), Name: name, BirthDate: birthDate, Phone: phone}
	r.patients[p.ID] = p
	return p, nil
}

func (r *fakeRepo) UpdatePatient(_ context.Context, id uuid.UUID, name string, birthDate time.Time, phone string) error {
	p, ok := r.patients[id]
	if !ok {
		return ErrPatientNotFound
	}
	p.Name, p.BirthDate, p.Phone = name, birthDate, phone
	return nil
}

func (r *fakeRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	if a, ok := r.appointments[id]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, ErrAppointmentNotFound
}

func (r *fakeRepo) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	a, err := r.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AppointmentDetail{
		Appointment: *a,
		Patient:     r.patients[a.PatientID],
		Doctor:      r.doctors[a.DoctorID],
	}, nil
}

func activeStatus(s AppointmentStatus) bool {
	return s != StatusCancelled && s != StatusRejected
}

func (r *fakeRepo) ListOverlapping(_ context.Context, doctorID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]Appointment, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var result []Appointment
	for _, a := range r.appointments {
		if a.DoctorID != doctorID || !activeStatus(a.Status) {
			continue
		}
		if excludeID != nil && a.ID == *excludeID {
			continue
		}
		if a.StartDateTime.Before(end) && a.EndDateTime.After(start) {
			result = append(result, *a)
		}
	}
	sortByStart(result)
	return result, nil
}

func (r *fakeRepo) ListActiveForDoctorBetween(_ context.Context, doctorID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	var result []Appointment
	for _, a := range r.appointments {
		if a.DoctorID != doctorID || !activeStatus(a.Status) {
			continue
		}
		if !a.StartDateTime.Before(from) && a.StartDateTime.Before(to) {
			result = append(result, *a)
		}
	}
	sortByStart(result)
	return result, nil
}

func (r *fakeRepo) InsertAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	a.ID = uuid.New()
	a.Status = StatusPending
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	r.appointments[a.ID] = &a
	cp := a
	return &cp, nil
}

func (r *fakeRepo) UpdateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	existing, ok := r.appointments[a.ID]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	existing.Procedure = a.Procedure
	existing.StartDateTime = a.StartDateTime
	existing.EndDateTime = a.EndDateTime
	existing.Insurance = a.Insurance
	existing.SpecialNeeds = a.SpecialNeeds
	existing.UpdatedAt = time.Now()
	cp := *existing
	return &cp, nil
}

func (r *fakeRepo) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, upd StatusUpdate) (*Appointment, error) {
	existing, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	existing.Status = upd.Status
	if upd.ApprovedBy != nil {
		existing.ApprovedBy = upd.ApprovedBy
	}
	if upd.ApprovedAt != nil {
		existing.ApprovedAt = upd.ApprovedAt
	}
	if upd.RejectionReason != nil {
		existing.RejectionReason = upd.RejectionReason
	}
	existing.UpdatedAt = time.Now()
	cp := *existing
	return &cp, nil
}

func (r *fakeRepo) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	if _, ok := r.appointments[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(r.appointments, id)
	return nil
}

func (r *fakeRepo) ListAppointmentsBetween(_ context.Context, from, to time.Time, limit int) ([]Appointment, error) {
	var result []Appointment
	for _, a := range r.appointments {
		if !a.StartDateTime.Before(from) && !a.StartDateTime.After(to) {
			result = append(result, *a)
		}
	}
	sortByStart(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *fakeRepo) ListAppointmentsAdmin(_ context.Context, f AdminFilter) ([]AppointmentDetail, error) {
	var result []AppointmentDetail
	for _, a := range r.appointments {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.DateFrom != nil && a.StartDateTime.Before(*f.DateFrom) {
			continue
		}
		if f.DateTo != nil && a.StartDateTime.After(*f.DateTo) {
			continue
		}
		patient := r.patients[a.PatientID]
		if f.PatientSearch != "" {
			if patient == nil || !strings.Contains(strings.ToLower(patient.Name), strings.ToLower(f.PatientSearch)) {
				continue
			}
		}
		result = append(result, AppointmentDetail{
			Appointment: *a,
			Patient:     patient,
			Doctor:      r.doctors[a.DoctorID],
		})
	}
	return result, nil
}

func (r *fakeRepo) InsertHistory(_ context.Context, h AppointmentHistory) error {
	if r.historyErr != nil {
		return r.historyErr
	}
	h.ID = int64(len(r.history) + 1)
	h.CreatedAt = time.Now()
	r.history = append(r.history, h)
	return nil
}

func (r *fakeRepo) ListHistory(_ context.Context, appointmentID uuid.UUID) ([]AppointmentHistory, error) {
	var result []AppointmentHistory
	for _, h := range r.history {
		if h.AppointmentID == appointmentID {
			result = append(result, h)
		}
	}
	return result, nil
}

func sortByStart(a []Appointment) {
	sort.Slice(a, func(i, j int) bool { return a[i].StartDateTime.Before(a[j].StartDateTime) })
}

// fakeLocker runs the critical section inline.
type fakeLocker struct {
	held int
	fail bool
}

func (l *fakeLocker) WithDoctorLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	if l.fail {
		return redisclient.ErrLockNotAcquired
	}
	l.held++
	return fn(ctx)
}

// ----- Helpers -----

var testNow = time.Date(2025, 6, 2, 8, 0, 0, 0, time.Local) // a Monday

func newTestService(repo *fakeRepo, locker *fakeLocker) *Service {
	svc := NewService(repo, locker, zerolog.Nop())
	svc.now = func() time.Time { return testNow }
	return svc
}

func at(day time.Time, hour, minute int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, day.Location())
}

func validCreate(doctorID uuid.UUID, start, end time.Time) CreateInput {
	return CreateInput{
		DoctorID:     doctorID,
		PatientName:  "Maria Souza",
		PatientPhone: "(51) 99999-0001",
		BirthDate:    time.Date(1985, 7, 1, 0, 0, 0, 0, time.Local),
		Procedure:    "Colecistectomia videolaparoscópica",
		Start:        start,
		End:          end,
		Insurance:    InsuranceUnimed,
		SpecialNeeds: "Nenhuma",
	}
}

// ----- Create -----

func TestCreateAppointmentPending(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	locker := &fakeLocker{}
	svc := newTestService(repo, locker)

	day := testNow.AddDate(0, 0, 1)
	detail, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), at(day, 11, 0)))

	require.NoError(t, err)
	assert.Equal(t, 1, locker.held)
	assert.Equal(t, StatusPending, detail.Status)
	assert.Equal(t, doctor, detail.DoctorID)
	require.NotNil(t, detail.Patient)
	assert.Equal(t, "Maria Souza", detail.Patient.Name)
	require.NotNil(t, detail.Doctor)
	assert.Equal(t, "Dr. Prado", detail.Doctor.Name)
}

func TestCreateAppointmentConflict(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 30), at(day, 11, 30)))

	var conflictErr *ConflictError
	require.ErrorAs(t, err, &conflictErr)
	require.Len(t, conflictErr.Overlaps, 1)
	assert.Equal(t, "10:00", conflictErr.Overlaps[0].Start)
	assert.Equal(t, "11:00", conflictErr.Overlaps[0].End)
}

func TestCreateTouchingIntervalsAllowed(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusConfirmed)

	svc := newTestService(repo, &fakeLocker{})

	// Half-open intervals: 11:00-12:00 touches but does not overlap.
	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 11, 0), at(day, 12, 0)))
	assert.NoError(t, err)
}

func TestCreateIgnoresCancelledAndRejected(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusCancelled)
	repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusRejected)

	svc := newTestService(repo, &fakeLocker{})

	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), at(day, 11, 0)))
	assert.NoError(t, err)
}

func TestCreateBelowMinDuration(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), at(day, 10, 20)))
	assert.ErrorIs(t, err, ErrMinDuration)
}

func TestCreateEndBeforeStart(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 11, 0), at(day, 10, 0)))
	assert.ErrorIs(t, err, ErrEndBeforeStart)
}

func TestCreatePastStart(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, -1)
	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), at(day, 11, 0)))
	assert.ErrorIs(t, err, ErrPastStartTime)
}

func TestCreateDefaultsEndToTwoHours(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	detail, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), time.Time{}))

	require.NoError(t, err)
	assert.Equal(t, at(day, 12, 0), detail.EndDateTime)
}

func TestCreateAgendaBusy(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{fail: true})

	day := testNow.AddDate(0, 0, 1)
	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), at(day, 11, 0)))
	assert.ErrorIs(t, err, ErrAgendaBusy)
}

func TestCreateEmitsCreatedHistory(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	detail, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), at(day, 11, 0)))
	require.NoError(t, err)

	require.Len(t, repo.history, 1)
	assert.Equal(t, ActionCreated, repo.history[0].Action)
	assert.Equal(t, detail.ID, repo.history[0].AppointmentID)
	assert.Equal(t, doctor, repo.history[0].ChangedBy)
}

func TestCreateExclusionConstraintMapsToConflict(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")

	// The pre-check sees nothing, but the store-side exclusion constraint
	// fires anyway (a concurrent insert on another node).
	repo.insertErr = ErrOverlapConstraint
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	_, err := svc.CreateAppointment(context.Background(), validCreate(doctor, at(day, 10, 0), at(day, 11, 0)))

	var conflictErr *ConflictError
	assert.ErrorAs(t, err, &conflictErr)
}

// ----- Patient resolution -----

func TestPatientDedupByPhoneFirstWriteWins(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})
	day := testNow.AddDate(0, 0, 1)

	first := validCreate(doctor, at(day, 9, 0), at(day, 10, 0))
	first.PatientName = "Maria Souza"
	d1, err := svc.CreateAppointment(context.Background(), first)
	require.NoError(t, err)

	second := validCreate(doctor, at(day, 11, 0), at(day, 12, 0))
	second.PatientName = "Maria S. de Souza" // same phone, different name
	d2, err := svc.CreateAppointment(context.Background(), second)
	require.NoError(t, err)

	assert.Equal(t, d1.PatientID, d2.PatientID)
	assert.Equal(t, "Maria Souza", d2.Patient.Name)
}

func TestPatientCreateRaceAdoptsWinner(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	winner := repo.addPatient("Maria Souza", "(51) 97777-0003")

	// Simulate losing the create/create race: the initial lookup misses,
	// the insert hits the unique phone constraint, and the re-read finds
	// the concurrently committed row.
	repo.phoneLookupMiss = 1
	repo.createPatientErr = ErrDuplicatePhone

	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	in := validCreate(doctor, at(day, 10, 0), at(day, 11, 0))
	in.PatientPhone = "(51) 97777-0003"

	detail, err := svc.CreateAppointment(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, winner, detail.PatientID)
}

// ----- Update / Delete -----

func TestUpdateRequiresOwnership(t *testing.T) {
	repo := newFakeRepo()
	owner := repo.addDoctor("Dr. Prado")
	other := repo.addDoctor("Dr. Nunes")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(owner, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	in := UpdateInput{
		PatientName:  "João Lima",
		PatientPhone: "(51) 98888-0002",
		BirthDate:    time.Date(1970, 1, 1, 0, 0, 0, 0, time.Local),
		Procedure:    "Herniorrafia inguinal",
		Start:        at(day, 13, 0),
		End:          at(day, 14, 0),
		Insurance:    InsuranceUnimed,
	}

	_, err := svc.UpdateAppointment(context.Background(), id, other, in)
	assert.ErrorIs(t, err, ErrForbidden)

	err = svc.DeleteAppointment(context.Background(), id, other)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestUpdateOnlyPending(t *testing.T) {
	repo := newFakeRepo()
	owner := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(owner, patient, at(day, 10, 0), at(day, 11, 0), StatusConfirmed)

	svc := newTestService(repo, &fakeLocker{})

	_, err := svc.UpdateAppointment(context.Background(), id, owner, UpdateInput{
		Start: at(day, 13, 0), End: at(day, 14, 0),
	})

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, StatusConfirmed, stateErr.Current)
}

func TestUpdateExcludesOwnInterval(t *testing.T) {
	repo := newFakeRepo()
	owner := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(owner, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	// Shifting inside its own old interval must not conflict with itself.
	detail, err := svc.UpdateAppointment(context.Background(), id, owner, UpdateInput{
		PatientName:  "João Lima",
		PatientPhone: "(51) 98888-0002",
		BirthDate:    time.Date(1970, 1, 1, 0, 0, 0, 0, time.Local),
		Procedure:    "Herniorrafia inguinal",
		Start:        at(day, 10, 30),
		End:          at(day, 11, 30),
		Insurance:    InsuranceUnimed,
	})

	require.NoError(t, err)
	assert.Equal(t, at(day, 10, 30), detail.StartDateTime)
}

func TestUpdatePropagatesPatientEdits(t *testing.T) {
	repo := newFakeRepo()
	owner := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(owner, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	_, err := svc.UpdateAppointment(context.Background(), id, owner, UpdateInput{
		PatientName:  "João de Lima",
		PatientPhone: "(51) 98888-0099",
		BirthDate:    time.Date(1970, 1, 1, 0, 0, 0, 0, time.Local),
		Procedure:    "Herniorrafia inguinal",
		Start:        at(day, 10, 0),
		End:          at(day, 11, 0),
		Insurance:    InsuranceUnimed,
	})
	require.NoError(t, err)

	assert.Equal(t, "João de Lima", repo.patients[patient].Name)
	assert.Equal(t, "(51) 98888-0099", repo.patients[patient].Phone)
}

func TestDeletePendingOnly(t *testing.T) {
	repo := newFakeRepo()
	owner := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)

	confirmed := repo.addAppointment(owner, patient, at(day, 10, 0), at(day, 11, 0), StatusConfirmed)
	err := svcDelete(repo, confirmed, owner)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)

	pending := repo.addAppointment(owner, patient, at(day, 13, 0), at(day, 14, 0), StatusPending)
	err = svcDelete(repo, pending, owner)
	require.NoError(t, err)
	_, ok := repo.appointments[pending]
	assert.False(t, ok)
}

func svcDelete(repo *fakeRepo, id, actor uuid.UUID) error {
	svc := newTestService(repo, &fakeLocker{})
	return svc.DeleteAppointment(context.Background(), id, actor)
}

// ----- Transitions -----

func TestTransitionConfirmStampsApproval(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	admin := repo.addDoctor("Admin")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	updated, err := svc.Transition(context.Background(), id, admin, StatusConfirmed, "")
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, updated.Status)
	require.NotNil(t, updated.ApprovedBy)
	assert.Equal(t, admin, *updated.ApprovedBy)
	require.NotNil(t, updated.ApprovedAt)
	assert.Equal(t, testNow, *updated.ApprovedAt)

	require.Len(t, repo.history, 1)
	assert.Equal(t, ActionStatusChanged, repo.history[0].Action)
	assert.Equal(t, StatusPending, repo.history[0].OldStatus)
	assert.Equal(t, StatusConfirmed, repo.history[0].NewStatus)
	assert.Equal(t, "Status alterado para CONFIRMADO pelo administrador", repo.history[0].Notes)
}

func TestTransitionRejectDefaultsReason(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	admin := repo.addDoctor("Admin")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	updated, err := svc.Transition(context.Background(), id, admin, StatusRejected, "")
	require.NoError(t, err)

	require.NotNil(t, updated.RejectionReason)
	assert.Equal(t, "Rejeitado pelo administrador sem motivo especificado", *updated.RejectionReason)
}

func TestTransitionRejectKeepsGivenReason(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	admin := repo.addDoctor("Admin")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	updated, err := svc.Transition(context.Background(), id, admin, StatusRejected, "Sala indisponível")
	require.NoError(t, err)

	require.NotNil(t, updated.RejectionReason)
	assert.Equal(t, "Sala indisponível", *updated.RejectionReason)
	require.Len(t, repo.history, 1)
	assert.Equal(t, "Sala indisponível", repo.history[0].Notes)
}

func TestTransitionActionTags(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	admin := repo.addDoctor("Admin")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)

	cancelTarget := repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)
	completeTarget := repo.addAppointment(doctor, patient, at(day, 13, 0), at(day, 14, 0), StatusConfirmed)

	svc := newTestService(repo, &fakeLocker{})

	_, err := svc.Transition(context.Background(), cancelTarget, admin, StatusCancelled, "")
	require.NoError(t, err)
	_, err = svc.Transition(context.Background(), completeTarget, admin, StatusCompleted, "")
	require.NoError(t, err)

	require.Len(t, repo.history, 2)
	assert.Equal(t, ActionCancelled, repo.history[0].Action)
	assert.Equal(t, ActionCompleted, repo.history[1].Action)
}

func TestTransitionTerminalStatesAreFinal(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	admin := repo.addDoctor("Admin")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)

	for _, terminal := range []AppointmentStatus{StatusCancelled, StatusRejected, StatusCompleted} {
		id := repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), terminal)
		svc := newTestService(repo, &fakeLocker{})

		_, err := svc.Transition(context.Background(), id, admin, StatusConfirmed, "")

		var stateErr *StateError
		require.ErrorAs(t, err, &stateErr, "terminal status %s must not be transitionable", terminal)
		assert.Equal(t, terminal, stateErr.Current)
		delete(repo.appointments, id)
	}
}

func TestTransitionPendingCannotComplete(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	admin := repo.addDoctor("Admin")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	svc := newTestService(repo, &fakeLocker{})

	_, err := svc.Transition(context.Background(), id, admin, StatusCompleted, "")

	var stateErr *StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestTransitionRejectsUnknownStatus(t *testing.T) {
	repo := newFakeRepo()
	admin := repo.addDoctor("Admin")
	svc := newTestService(repo, &fakeLocker{})

	_, err := svc.Transition(context.Background(), uuid.New(), admin, AppointmentStatus("ARQUIVADO"), "")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.Transition(context.Background(), uuid.New(), admin, StatusPending, "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestTransitionSurvivesHistoryFailure(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	admin := repo.addDoctor("Admin")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	id := repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusPending)

	repo.historyErr = errors.New("history table unavailable")
	svc := newTestService(repo, &fakeLocker{})

	updated, err := svc.Transition(context.Background(), id, admin, StatusConfirmed, "")

	// The committed status change is the primary effect; a failed audit
	// append must not roll it back.
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
	assert.Empty(t, repo.history)
}

// ----- Availability -----

func TestResolveAvailabilityMarksOccupiedSlots(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	repo.addAppointment(doctor, patient, at(day, 9, 0), at(day, 10, 0), StatusConfirmed)

	svc := newTestService(repo, &fakeLocker{})

	result, err := svc.ResolveAvailability(context.Background(), doctor, day, 7, 14, 30)
	require.NoError(t, err)

	byTime := make(map[string]bool, len(result.Slots))
	for _, sl := range result.Slots {
		byTime[sl.Time] = sl.Available
	}

	assert.False(t, byTime["09:00"])
	assert.False(t, byTime["09:30"])
	// Half-open: the slot at the appointment's end is free again.
	assert.True(t, byTime["10:00"])
	assert.True(t, byTime["08:30"])

	assert.Equal(t, 14, result.Statistics.Total)
	assert.Equal(t, 12, result.Statistics.Available)
	assert.Equal(t, 2, result.Statistics.Occupied)
	assert.Equal(t, 14, result.Statistics.OccupancyRate)
}

func TestResolveAvailabilityIgnoresCancelled(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	repo.addAppointment(doctor, patient, at(day, 9, 0), at(day, 10, 0), StatusCancelled)

	svc := newTestService(repo, &fakeLocker{})

	result, err := svc.ResolveAvailability(context.Background(), doctor, day, 7, 14, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Statistics.Occupied)
}

func TestResolveAvailabilityFiltersTodayPastSlots(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{}) // clock fixed at 08:00

	result, err := svc.ResolveAvailability(context.Background(), doctor, testNow, 7, 14, 30)
	require.NoError(t, err)

	// 07:00, 07:30 and the 08:00 slot at the current minute are gone.
	require.NotEmpty(t, result.Slots)
	assert.Equal(t, "08:30", result.Slots[0].Time)
	assert.Equal(t, 11, result.Statistics.Total)
}

func TestResolveAvailabilityInvalidWindow(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	for _, w := range [][2]int{{-1, 14}, {14, 7}, {9, 9}, {7, 25}} {
		_, err := svc.ResolveAvailability(context.Background(), doctor, day, w[0], w[1], 30)
		assert.ErrorIs(t, err, ErrInvalidSlotWindow, "window %v must be rejected", w)
	}
}

// ----- Conflict check -----

func TestCheckConflictReportsAllOverlaps(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	patient := repo.addPatient("João Lima", "(51) 98888-0002")
	day := testNow.AddDate(0, 0, 1)
	repo.addAppointment(doctor, patient, at(day, 9, 0), at(day, 10, 0), StatusPending)
	repo.addAppointment(doctor, patient, at(day, 10, 0), at(day, 11, 0), StatusConfirmed)

	svc := newTestService(repo, &fakeLocker{})

	report, err := svc.CheckConflict(context.Background(), doctor, at(day, 9, 30), at(day, 10, 30), nil)
	require.NoError(t, err)

	assert.False(t, report.Available)
	assert.Len(t, report.Conflicts, 2)
	assert.Equal(t, "Conflito encontrado: 2 agendamento(s) neste período", report.Message)
}

func TestCheckConflictFreeSlot(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	report, err := svc.CheckConflict(context.Background(), doctor, at(day, 9, 0), at(day, 10, 0), nil)
	require.NoError(t, err)

	assert.True(t, report.Available)
	assert.Empty(t, report.Conflicts)
	assert.Equal(t, "Horário disponível", report.Message)
}

func TestCheckConflictRejectsPast(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, -1)
	_, err := svc.CheckConflict(context.Background(), doctor, at(day, 9, 0), at(day, 10, 0), nil)
	assert.ErrorIs(t, err, ErrPastStartTime)
}

func TestCheckConflictPropagatesStoreFailure(t *testing.T) {
	repo := newFakeRepo()
	doctor := repo.addDoctor("Dr. Prado")
	repo.listErr = errors.New("connection refused")
	svc := newTestService(repo, &fakeLocker{})

	day := testNow.AddDate(0, 0, 1)
	_, err := svc.CheckConflict(context.Background(), doctor, at(day, 9, 0), at(day, 10, 0), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPastStartTime)
}
