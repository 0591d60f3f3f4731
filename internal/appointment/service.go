package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/clinic-queue/internal/config"
	redisclient "github.com/medidesk/clinic-queue/internal/redis"
)

const (
	EventAppointmentCreated  = "APPOINTMENT_CREATED"
	EventAppointmentAccepted = "APPOINTMENT_ACCEPTED"
	EventAppointmentDenied   = "APPOINTMENT_DENIED"
	EventServingStarted      = "SERVING_STARTED"
	EventAppointmentDone     = "APPOINTMENT_DONE"
	EventAppointmentDeleted  = "APPOINTMENT_DELETED"
)

var (
	ErrNotPending        = errors.New("appointment is not pending")
	ErrNotServing        = errors.New("appointment is not currently being served")
	ErrAlreadyServing    = errors.New("another appointment is already being served today")
	ErrNothingToServe    = errors.New("no accepted appointments are waiting today")
	ErrQueueBusy         = errors.New("queue is being updated, please retry")
	ErrInvalidType       = errors.New("invalid appointment type")
	ErrPatientRefMissing = errors.New("appointment has no patient on record")
	ErrStatusConflict    = errors.New("appointment status changed underneath, please refetch")
)

type Service struct {
	repo   Repository
	locker redisclient.Locker
	cfg    config.Config
}

func NewService(repo Repository, locker redisclient.Locker, cfg config.Config) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		cfg:    cfg,
	}
}

// QueueEntry is an appointment with its freshly computed queue position.
// ComputedQueueNumber is nil for pending/denied appointments and for records
// whose patient is gone.
type QueueEntry struct {
	AppointmentDetail
	ComputedQueueNumber *int
}

// List returns appointments with queue numbers recomputed from the fetched
// list. When day is non-nil only that facility-local calendar day is
// returned; numbers are identical either way because computation groups per
// day before numbering.
func (s *Service) List(ctx context.Context, day *time.Time) ([]QueueEntry, error) {
	var from, to time.Time
	if day != nil {
		from, to = DayBounds(*day, s.cfg.FacilityTZ)
	}

	appts, err := s.repo.ListAppointments(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	return s.toEntries(appts), nil
}

func (s *Service) toEntries(appts []AppointmentDetail) []QueueEntry {
	numbers := ComputeQueueNumbers(appts, s.cfg.FacilityTZ)

	entries := make([]QueueEntry, 0, len(appts))
	for _, a := range appts {
		e := QueueEntry{AppointmentDetail: a}
		if n, ok := numbers[a.ID]; ok {
			num := n
			e.ComputedQueueNumber = &num
		} else if a.QueueNumber != nil && a.Status.Queued() {
			// Fallback to the stored number when local computation has
			// nothing, e.g. a record fetched outside its day context.
			e.ComputedQueueNumber = a.QueueNumber
		}
		entries = append(entries, e)
	}
	return entries
}

// Get returns one appointment with its queue number derived from the full
// day it belongs to.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*QueueEntry, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}

	from, to := DayBounds(detail.Date, s.cfg.FacilityTZ)
	dayAppts, err := s.repo.ListAppointments(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list day appointments: %w", err)
	}

	for _, e := range s.toEntries(dayAppts) {
		if e.ID == id {
			return &e, nil
		}
	}

	// Not part of the day list (deleted patient, or stored outside the
	// range); return it without a computed number.
	return &QueueEntry{AppointmentDetail: *detail}, nil
}

// Create books a new pending appointment.
func (s *Service) Create(ctx context.Context, patientID uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error) {
	if !typ.Valid() {
		return nil, ErrInvalidType
	}
	if _, err := s.repo.GetPatientByID(ctx, patientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	appt, err := s.repo.CreateAppointment(ctx, patientID, date, typ, reason)
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.logEvent(ctx, appt.ID, EventAppointmentCreated, map[string]any{
		"patient_id": patientID.String(),
		"date":       date,
		"type":       string(typ),
	})

	return appt, nil
}

// Update changes the non-status fields of an appointment. Status only moves
// through Accept, Deny, StartServing and MarkAsDone.
func (s *Service) Update(ctx context.Context, id uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error) {
	if !typ.Valid() {
		return nil, ErrInvalidType
	}
	appt, err := s.repo.UpdateAppointmentFields(ctx, id, date, typ, reason)
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return appt, nil
}

// Accept moves a pending appointment into the day's queue and reports the
// queue number it lands on. Acceptances for one day are serialized by a
// distributed lock so two admins cannot both number against stale reads.
func (s *Service) Accept(ctx context.Context, id uuid.UUID) (*Appointment, int, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, 0, fmt.Errorf("load appointment: %w", err)
	}
	if detail.Patient == nil {
		return nil, 0, ErrPatientRefMissing
	}
	if detail.Status != StatusPending {
		return nil, 0, ErrNotPending
	}

	var accepted *Appointment
	var number int

	dayKey := DayKey(detail.Date, s.cfg.FacilityTZ)
	err = s.locker.WithQueueLock(ctx, dayKey, func(lockCtx context.Context) error {
		from, to := DayBounds(detail.Date, s.cfg.FacilityTZ)
		dayAppts, err := s.repo.ListAppointments(lockCtx, from, to)
		if err != nil {
			return fmt.Errorf("list day appointments: %w", err)
		}

		// Number the day as if this appointment were already accepted, so
		// the persisted fallback matches what the next recomputation will
		// derive.
		for i := range dayAppts {
			if dayAppts[i].ID == id {
				dayAppts[i].Status = StatusAccepted
			}
		}
		numbers := ComputeQueueNumbers(dayAppts, s.cfg.FacilityTZ)
		n, ok := numbers[id]
		if !ok {
			return ErrPatientRefMissing
		}

		appt, err := s.repo.SetAppointmentStatus(lockCtx, id, StatusPending, StatusAccepted, &n)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrStatusConflict
			}
			return fmt.Errorf("accept appointment: %w", err)
		}

		accepted = appt
		number = n

		s.logEvent(lockCtx, appt.ID, EventAppointmentAccepted, map[string]any{
			"queue_number": n,
			"day":          dayKey,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, 0, ErrQueueBusy
		}
		return nil, 0, err
	}

	return accepted, number, nil
}

// Deny marks a pending appointment as denied. Terminal; a denied appointment
// never gets a queue number.
func (s *Service) Deny(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if appt.Status != StatusPending {
		return nil, ErrNotPending
	}

	denied, err := s.repo.SetAppointmentStatus(ctx, id, StatusPending, StatusDenied, nil)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrStatusConflict
		}
		return nil, fmt.Errorf("deny appointment: %w", err)
	}

	s.logEvent(ctx, denied.ID, EventAppointmentDenied, map[string]any{})

	return denied, nil
}

// StartServing calls in the next patient for the given day: the accepted
// appointment with the lowest queue number. It refuses while another
// appointment is already being served that day.
func (s *Service) StartServing(ctx context.Context, day time.Time) (*Appointment, int, error) {
	var promoted *Appointment
	var number int

	dayKey := DayKey(day, s.cfg.FacilityTZ)
	err := s.locker.WithQueueLock(ctx, dayKey, func(lockCtx context.Context) error {
		next, n, err := s.pickNext(lockCtx, day, 0, true)
		if err != nil {
			return err
		}

		appt, err := s.repo.SetAppointmentStatus(lockCtx, next.ID, StatusAccepted, StatusServing, nil)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrStatusConflict
			}
			return fmt.Errorf("start serving: %w", err)
		}

		promoted = appt
		number = n

		s.logEvent(lockCtx, appt.ID, EventServingStarted, map[string]any{
			"queue_number": n,
			"day":          dayKey,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, 0, ErrQueueBusy
		}
		return nil, 0, err
	}

	return promoted, number, nil
}

// pickNext selects the accepted appointment with the lowest queue number
// strictly greater than after (pass 0 for "lowest overall"). When
// requireIdle is set it fails if anything is already serving that day.
func (s *Service) pickNext(ctx context.Context, day time.Time, after int, requireIdle bool) (*AppointmentDetail, int, error) {
	from, to := DayBounds(day, s.cfg.FacilityTZ)
	dayAppts, err := s.repo.ListAppointments(ctx, from, to)
	if err != nil {
		return nil, 0, fmt.Errorf("list day appointments: %w", err)
	}

	if requireIdle {
		for _, a := range dayAppts {
			if a.Status == StatusServing {
				return nil, 0, ErrAlreadyServing
			}
		}
	}

	numbers := ComputeQueueNumbers(dayAppts, s.cfg.FacilityTZ)

	var best *AppointmentDetail
	bestN := 0
	for i, a := range dayAppts {
		if a.Status != StatusAccepted {
			continue
		}
		n, ok := numbers[a.ID]
		if !ok || n <= after {
			continue
		}
		if best == nil || n < bestN {
			best = &dayAppts[i]
			bestN = n
		}
	}
	if best == nil {
		return nil, 0, ErrNothingToServe
	}
	return best, bestN, nil
}

// MarkDoneResult reports the two-step completion. NextErr is set when the
// completion itself succeeded but promoting the next patient failed; the
// completion stands either way.
type MarkDoneResult struct {
	Completed  *Appointment
	Next       *Appointment
	NextNumber int
	NextErr    error
}

// MarkAsDone completes the appointment currently being served and promotes
// the next accepted appointment in queue order, if any. Finishing the last
// patient of the day is plain success, not an error.
func (s *Service) MarkAsDone(ctx context.Context, id uuid.UUID) (*MarkDoneResult, error) {
	detail, err := s.repo.GetAppointmentDetail(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if detail.Status != StatusServing {
		return nil, ErrNotServing
	}

	var result MarkDoneResult

	dayKey := DayKey(detail.Date, s.cfg.FacilityTZ)
	err = s.locker.WithQueueLock(ctx, dayKey, func(lockCtx context.Context) error {
		completed, err := s.repo.SetAppointmentStatus(lockCtx, id, StatusServing, StatusCompleted, nil)
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrStatusConflict
			}
			return fmt.Errorf("complete appointment: %w", err)
		}
		result.Completed = completed
		s.logEvent(lockCtx, completed.ID, EventAppointmentDone, map[string]any{"day": dayKey})

		// The completed appointment keeps its number, so the recomputed map
		// still contains it and "strictly greater" selects its successor.
		current := 0
		from, to := DayBounds(detail.Date, s.cfg.FacilityTZ)
		dayAppts, listErr := s.repo.ListAppointments(lockCtx, from, to)
		if listErr != nil {
			result.NextErr = fmt.Errorf("list day appointments: %w", listErr)
			return nil
		}
		numbers := ComputeQueueNumbers(dayAppts, s.cfg.FacilityTZ)
		if n, ok := numbers[id]; ok {
			current = n
		} else if completed.QueueNumber != nil {
			current = *completed.QueueNumber
		}

		next, n, pickErr := s.pickNext(lockCtx, detail.Date, current, false)
		if pickErr != nil {
			if errors.Is(pickErr, ErrNothingToServe) {
				// Last patient of the day.
				return nil
			}
			result.NextErr = pickErr
			return nil
		}

		promoted, promErr := s.repo.SetAppointmentStatus(lockCtx, next.ID, StatusAccepted, StatusServing, nil)
		if promErr != nil {
			result.NextErr = fmt.Errorf("promote next patient: %w", promErr)
			return nil
		}
		result.Next = promoted
		result.NextNumber = n

		s.logEvent(lockCtx, promoted.ID, EventServingStarted, map[string]any{
			"queue_number": n,
			"day":          dayKey,
			"promoted_by":  completed.ID.String(),
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrQueueBusy
		}
		return nil, err
	}

	return &result, nil
}

// Delete removes an appointment outright, regardless of status.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteAppointment(ctx, id); err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}

	apptID := id
	s.logEvent(ctx, apptID, EventAppointmentDeleted, map[string]any{})

	return nil
}

// SweepStalePending denies pending appointments whose day has already passed.
// Intended to be called by the sweep worker periodically.
func (s *Service) SweepStalePending(ctx context.Context) (int, error) {
	todayStart, _ := DayBounds(time.Now(), s.cfg.FacilityTZ)

	stale, err := s.repo.FindStalePending(ctx, todayStart)
	if err != nil {
		return 0, fmt.Errorf("find stale pending appointments: %w", err)
	}

	swept := 0
	for _, appt := range stale {
		_, err := s.repo.SetAppointmentStatus(ctx, appt.ID, StatusPending, StatusDenied, nil)
		if errors.Is(err, ErrAppointmentNotFound) {
			// Someone else transitioned it between the list and the update.
			continue
		}
		if err != nil {
			log.Printf("failed to sweep appointment %s: %v", appt.ID, err)
			continue
		}
		swept++
		s.logEvent(ctx, appt.ID, EventAppointmentDenied, map[string]any{
			"reason": "stale_sweep",
		})
	}

	return swept, nil
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("failed to marshal event payload for %s: %v", eventType, err)
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		log.Printf("failed to insert event log %s for appointment %s: %v", eventType, appointmentID, err)
	}
}
