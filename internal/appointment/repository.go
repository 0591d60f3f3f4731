package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)

	// ListAppointments returns appointments with their patients. When from/to
	// are non-zero only appointments with from <= date < to are returned.
	// Patients that no longer exist come back nil, not as an error.
	ListAppointments(ctx context.Context, from, to time.Time) ([]AppointmentDetail, error)

	// Creation and updates
	CreateAppointment(ctx context.Context, patientID uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error)
	UpdateAppointmentFields(ctx context.Context, id uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error)

	// SetAppointmentStatus is a compare-and-swap: it only succeeds when the
	// stored status still equals from, otherwise ErrAppointmentNotFound.
	// queueNumber is persisted alongside when non-nil.
	SetAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, queueNumber *int) (*Appointment, error)

	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// Sweep worker
	FindStalePending(ctx context.Context, before time.Time) ([]Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
