package appointment

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/clinic-queue/internal/config"
	redisclient "github.com/medidesk/clinic-queue/internal/redis"
)

// -- Mock repository --

type mockRepo struct {
	patients   map[uuid.UUID]*Patient
	appts      map[uuid.UUID]*Appointment
	events     []EventLog
	failStatus map[uuid.UUID]error // forced SetAppointmentStatus failures
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		patients:   make(map[uuid.UUID]*Patient),
		appts:      make(map[uuid.UUID]*Appointment),
		failStatus: make(map[uuid.UUID]error),
	}
}

func (m *mockRepo) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return p, nil
}

func (m *mockRepo) GetAppointmentDetail(_ context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return m.detail(a), nil
}

func (m *mockRepo) detail(a *Appointment) *AppointmentDetail {
	d := &AppointmentDetail{Appointment: *a}
	if p, ok := m.patients[a.PatientID]; ok {
		d.Patient = p
	}
	return d
}

func (m *mockRepo) ListAppointments(_ context.Context, from, to time.Time) ([]AppointmentDetail, error) {
	var result []AppointmentDetail
	for _, a := range m.appts {
		if !from.IsZero() && !to.IsZero() {
			if a.Date.Before(from) || !a.Date.Before(to) {
				continue
			}
		}
		result = append(result, *m.detail(a))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID.String() < result[j].ID.String()
	})
	return result, nil
}

func (m *mockRepo) CreateAppointment(_ context.Context, patientID uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error) {
	a := &Appointment{
		ID:        uuid.New(),
		PatientID: patientID,
		Date:      date,
		Type:      typ,
		Status:    StatusPending,
		Reason:    reason,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	m.appts[a.ID] = a
	return a, nil
}

func (m *mockRepo) UpdateAppointmentFields(_ context.Context, id uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error) {
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Date = date
	a.Type = typ
	a.Reason = reason
	a.UpdatedAt = time.Now()
	return a, nil
}

func (m *mockRepo) SetAppointmentStatus(_ context.Context, id uuid.UUID, from, to AppointmentStatus, queueNumber *int) (*Appointment, error) {
	if err, ok := m.failStatus[id]; ok {
		return nil, err
	}
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	if queueNumber != nil {
		n := *queueNumber
		a.QueueNumber = &n
	}
	a.UpdatedAt = time.Now()
	return a, nil
}

func (m *mockRepo) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	if _, ok := m.appts[id]; !ok {
		return ErrAppointmentNotFound
	}
	delete(m.appts, id)
	return nil
}

func (m *mockRepo) FindStalePending(_ context.Context, before time.Time) ([]Appointment, error) {
	var result []Appointment
	for _, a := range m.appts {
		if a.Status == StatusPending && a.Date.Before(before) {
			result = append(result, *a)
		}
	}
	return result, nil
}

func (m *mockRepo) InsertEvent(_ context.Context, ev EventLog) error {
	m.events = append(m.events, ev)
	return nil
}

// -- Lockers --

type noopLocker struct{}

func (noopLocker) WithQueueLock(ctx context.Context, _ string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithQueueLock(_ context.Context, _ string, _ func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

// -- Helpers --

func newTestService(repo *mockRepo) *Service {
	return NewService(repo, noopLocker{}, config.Config{FacilityTZ: time.UTC})
}

func (m *mockRepo) addPatient() uuid.UUID {
	p := &Patient{ID: uuid.New(), FirstName: "Dewi", LastName: "Santoso"}
	m.patients[p.ID] = p
	return p.ID
}

func (m *mockRepo) addAppt(patientID uuid.UUID, status AppointmentStatus, date, createdAt time.Time) uuid.UUID {
	a := &Appointment{
		ID:        uuid.New(),
		PatientID: patientID,
		Date:      date,
		Type:      TypeTelemedicine,
		Status:    status,
		Reason:    "check-up",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	m.appts[a.ID] = a
	return a.ID
}

// -- Accept --

func TestAccept_AssignsSequentialNumbers(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	first := repo.addAppt(patient, StatusPending, at("2024-05-01", 9), at("2024-05-01", 6))
	second := repo.addAppt(patient, StatusPending, at("2024-05-01", 10), at("2024-05-01", 7))

	_, n1, err := svc.Accept(context.Background(), first)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n1 != 1 {
		t.Errorf("expected queue number 1, got %d", n1)
	}

	accepted, n2, err := svc.Accept(context.Background(), second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n2 != 2 {
		t.Errorf("expected queue number 2, got %d", n2)
	}
	if accepted.QueueNumber == nil || *accepted.QueueNumber != 2 {
		t.Error("expected queue number to be persisted as fallback")
	}
}

func TestAccept_EarlierCreatedGetsLowerNumber(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	// Accepted out of creation order: the later-created one is accepted
	// first but still numbers behind the earlier one once both are in.
	late := repo.addAppt(patient, StatusPending, at("2024-05-01", 9), at("2024-05-01", 8))
	early := repo.addAppt(patient, StatusPending, at("2024-05-01", 10), at("2024-05-01", 6))

	_, nLate, err := svc.Accept(context.Background(), late)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nLate != 1 {
		t.Errorf("expected first acceptance to be number 1, got %d", nLate)
	}

	_, nEarly, err := svc.Accept(context.Background(), early)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if nEarly != 1 {
		t.Errorf("expected earlier-created appointment to take number 1, got %d", nEarly)
	}

	entries, err := svc.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, e := range entries {
		want := 1
		if e.ID == late {
			want = 2
		}
		if e.ComputedQueueNumber == nil || *e.ComputedQueueNumber != want {
			t.Errorf("appointment %s: expected recomputed number %d, got %v", e.ID, want, e.ComputedQueueNumber)
		}
	}
}

func TestAccept_NotPending(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	for _, status := range []AppointmentStatus{StatusAccepted, StatusServing, StatusCompleted, StatusDenied} {
		id := repo.addAppt(patient, status, at("2024-05-01", 9), at("2024-05-01", 6))
		_, _, err := svc.Accept(context.Background(), id)
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("status %s: expected ErrNotPending, got %v", status, err)
		}
		if repo.appts[id].Status != status {
			t.Errorf("status %s: expected no mutation, got %s", status, repo.appts[id].Status)
		}
	}
}

func TestAccept_QueueBusy(t *testing.T) {
	repo := newMockRepo()
	svc := NewService(repo, busyLocker{}, config.Config{FacilityTZ: time.UTC})
	patient := repo.addPatient()
	id := repo.addAppt(patient, StatusPending, at("2024-05-01", 9), at("2024-05-01", 6))

	_, _, err := svc.Accept(context.Background(), id)
	if !errors.Is(err, ErrQueueBusy) {
		t.Fatalf("expected ErrQueueBusy, got %v", err)
	}
	if repo.appts[id].Status != StatusPending {
		t.Error("expected appointment to stay pending when the lock is held")
	}
}

func TestAccept_MissingPatient(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)

	// Patient never registered: the appointment exists but its reference
	// dangles.
	id := repo.addAppt(uuid.New(), StatusPending, at("2024-05-01", 9), at("2024-05-01", 6))

	_, _, err := svc.Accept(context.Background(), id)
	if !errors.Is(err, ErrPatientRefMissing) {
		t.Fatalf("expected ErrPatientRefMissing, got %v", err)
	}
}

// -- Deny --

func TestDeny(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()
	id := repo.addAppt(patient, StatusPending, at("2024-05-01", 9), at("2024-05-01", 6))

	denied, err := svc.Deny(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if denied.Status != StatusDenied {
		t.Errorf("expected denied, got %s", denied.Status)
	}
	if denied.QueueNumber != nil {
		t.Error("denied appointment must not carry a queue number")
	}
}

func TestDeny_NotPending(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()
	id := repo.addAppt(patient, StatusServing, at("2024-05-01", 9), at("2024-05-01", 6))

	_, err := svc.Deny(context.Background(), id)
	if !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

// -- StartServing --

func TestStartServing_PicksLowestNumber(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	second := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 9), at("2024-05-01", 7))
	first := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 10), at("2024-05-01", 6))

	appt, n, err := svc.StartServing(context.Background(), at("2024-05-01", 12))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.ID != first {
		t.Error("expected the earliest-created accepted appointment to be served first")
	}
	if n != 1 {
		t.Errorf("expected queue number 1, got %d", n)
	}
	if repo.appts[second].Status != StatusAccepted {
		t.Error("expected the other appointment to stay accepted")
	}
}

func TestStartServing_RejectedWhileServing(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	repo.addAppt(patient, StatusServing, at("2024-05-01", 9), at("2024-05-01", 6))
	waiting := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 10), at("2024-05-01", 7))

	_, _, err := svc.StartServing(context.Background(), at("2024-05-01", 12))
	if !errors.Is(err, ErrAlreadyServing) {
		t.Fatalf("expected ErrAlreadyServing, got %v", err)
	}
	if repo.appts[waiting].Status != StatusAccepted {
		t.Error("expected no mutation while another appointment is serving")
	}
}

func TestStartServing_NothingToServe(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	repo.addAppt(patient, StatusPending, at("2024-05-01", 9), at("2024-05-01", 6))
	repo.addAppt(patient, StatusCompleted, at("2024-05-01", 10), at("2024-05-01", 7))

	_, _, err := svc.StartServing(context.Background(), at("2024-05-01", 12))
	if !errors.Is(err, ErrNothingToServe) {
		t.Fatalf("expected ErrNothingToServe, got %v", err)
	}
}

func TestStartServing_IgnoresOtherDays(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	repo.addAppt(patient, StatusAccepted, at("2024-05-02", 9), at("2024-05-01", 6))

	_, _, err := svc.StartServing(context.Background(), at("2024-05-01", 12))
	if !errors.Is(err, ErrNothingToServe) {
		t.Fatalf("expected ErrNothingToServe for a day with no queue, got %v", err)
	}
}

// -- MarkAsDone --

func TestMarkAsDone_PromotesNext(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	serving := repo.addAppt(patient, StatusServing, at("2024-05-01", 9), at("2024-05-01", 6))
	second := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 10), at("2024-05-01", 7))
	third := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 11), at("2024-05-01", 8))

	result, err := svc.MarkAsDone(context.Background(), serving)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.Completed == nil || result.Completed.Status != StatusCompleted {
		t.Fatal("expected the serving appointment to complete")
	}
	if result.Next == nil || result.Next.ID != second {
		t.Fatal("expected queue number 2 to be promoted")
	}
	if repo.appts[second].Status != StatusServing {
		t.Errorf("expected next appointment serving, got %s", repo.appts[second].Status)
	}
	if repo.appts[third].Status != StatusAccepted {
		t.Errorf("expected third appointment untouched, got %s", repo.appts[third].Status)
	}
	if result.NextNumber != 2 {
		t.Errorf("expected next queue number 2, got %d", result.NextNumber)
	}
}

func TestMarkAsDone_LastInQueue(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	serving := repo.addAppt(patient, StatusServing, at("2024-05-01", 9), at("2024-05-01", 6))

	result, err := svc.MarkAsDone(context.Background(), serving)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Completed.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", result.Completed.Status)
	}
	if result.Next != nil {
		t.Error("expected no promotion for the last appointment of the day")
	}
	if result.NextErr != nil {
		t.Errorf("finishing the day is plain success, got warning: %v", result.NextErr)
	}
}

func TestMarkAsDone_NotServing(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()
	id := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 9), at("2024-05-01", 6))

	_, err := svc.MarkAsDone(context.Background(), id)
	if !errors.Is(err, ErrNotServing) {
		t.Fatalf("expected ErrNotServing, got %v", err)
	}
	if repo.appts[id].Status != StatusAccepted {
		t.Error("expected no mutation on precondition failure")
	}
}

func TestMarkAsDone_PromotionFailureKeepsCompletion(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	serving := repo.addAppt(patient, StatusServing, at("2024-05-01", 9), at("2024-05-01", 6))
	next := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 10), at("2024-05-01", 7))
	repo.failStatus[next] = errors.New("connection reset")

	result, err := svc.MarkAsDone(context.Background(), serving)
	if err != nil {
		t.Fatalf("partial failure must not surface as a hard error, got %v", err)
	}
	if result.Completed == nil || repo.appts[serving].Status != StatusCompleted {
		t.Error("expected the completion to stand")
	}
	if result.NextErr == nil {
		t.Error("expected a promotion warning")
	}
	if repo.appts[next].Status != StatusAccepted {
		t.Error("expected the next appointment to remain accepted")
	}
}

// -- Lifecycle guards --

func TestNoSkipFromPendingToServing(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	// A pending appointment is invisible to serve-next even when it is the
	// only one of the day.
	repo.addAppt(patient, StatusPending, at("2024-05-01", 9), at("2024-05-01", 6))

	_, _, err := svc.StartServing(context.Background(), at("2024-05-01", 12))
	if !errors.Is(err, ErrNothingToServe) {
		t.Fatalf("expected ErrNothingToServe, got %v", err)
	}
}

// -- List / Get --

func TestList_AttachesComputedNumbers(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	accepted := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 9), at("2024-05-01", 6))
	pending := repo.addAppt(patient, StatusPending, at("2024-05-01", 10), at("2024-05-01", 7))

	entries, err := svc.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, e := range entries {
		switch e.ID {
		case accepted:
			if e.ComputedQueueNumber == nil || *e.ComputedQueueNumber != 1 {
				t.Errorf("expected accepted entry numbered 1, got %v", e.ComputedQueueNumber)
			}
		case pending:
			if e.ComputedQueueNumber != nil {
				t.Error("pending entry must not have a queue number")
			}
		}
	}
}

func TestGet_NumbersAgainstDayContext(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	repo.addAppt(patient, StatusAccepted, at("2024-05-01", 9), at("2024-05-01", 6))
	second := repo.addAppt(patient, StatusAccepted, at("2024-05-01", 10), at("2024-05-01", 7))

	entry, err := svc.Get(context.Background(), second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ComputedQueueNumber == nil || *entry.ComputedQueueNumber != 2 {
		t.Errorf("expected number 2 derived from the day, got %v", entry.ComputedQueueNumber)
	}
}

// -- Sweep --

func TestSweepStalePending(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	stale := repo.addAppt(patient, StatusPending, time.Now().AddDate(0, 0, -2), time.Now().AddDate(0, 0, -2))
	today := repo.addAppt(patient, StatusPending, time.Now().Add(2*time.Hour), time.Now())

	swept, err := svc.SweepStalePending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 swept appointment, got %d", swept)
	}
	if repo.appts[stale].Status != StatusDenied {
		t.Errorf("expected stale appointment denied, got %s", repo.appts[stale].Status)
	}
	if repo.appts[today].Status != StatusPending {
		t.Errorf("expected today's appointment untouched, got %s", repo.appts[today].Status)
	}
}

func TestSweepStalePending_SkipsLostRace(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	repo.addAppt(patient, StatusPending, time.Now().AddDate(0, 0, -2), time.Now().AddDate(0, 0, -2))
	lost := repo.addAppt(patient, StatusPending, time.Now().AddDate(0, 0, -1), time.Now().AddDate(0, 0, -1))
	repo.failStatus[lost] = ErrAppointmentNotFound

	swept, err := svc.SweepStalePending(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected only the uncontended appointment counted, got %d", swept)
	}
	for _, ev := range repo.events {
		if ev.AppointmentID != nil && *ev.AppointmentID == lost {
			t.Error("no deny event must be logged for an appointment another actor transitioned")
		}
	}
}

// -- Create / Delete --

func TestCreate(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	appt, err := svc.Create(context.Background(), patient, at("2024-05-01", 9), TypeTelemedicine, "fever")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.Status != StatusPending {
		t.Errorf("expected new appointment pending, got %s", appt.Status)
	}
	if appt.QueueNumber != nil {
		t.Error("new appointment must not have a queue number")
	}
}

func TestCreate_UnknownPatient(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)

	_, err := svc.Create(context.Background(), uuid.New(), at("2024-05-01", 9), TypeInPerson, "fever")
	if !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestCreate_InvalidType(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	_, err := svc.Create(context.Background(), patient, at("2024-05-01", 9), "house-call", "fever")
	if !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
}

func TestDelete_AnyStatus(t *testing.T) {
	repo := newMockRepo()
	svc := newTestService(repo)
	patient := repo.addPatient()

	for _, status := range []AppointmentStatus{StatusPending, StatusAccepted, StatusServing, StatusCompleted, StatusDenied} {
		id := repo.addAppt(patient, status, at("2024-05-01", 9), at("2024-05-01", 6))
		if err := svc.Delete(context.Background(), id); err != nil {
			t.Errorf("status %s: unexpected error: %v", status, err)
		}
		if _, ok := repo.appts[id]; ok {
			t.Errorf("status %s: expected appointment removed", status)
		}
	}
}
