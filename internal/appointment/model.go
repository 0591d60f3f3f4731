package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusAccepted  AppointmentStatus = "accepted"
	StatusServing   AppointmentStatus = "serving"
	StatusCompleted AppointmentStatus = "completed"
	StatusDenied    AppointmentStatus = "denied"
)

// Valid reports whether s is one of the five lifecycle states.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusServing, StatusCompleted, StatusDenied:
		return true
	}
	return false
}

// Queued reports whether appointments in this status carry a queue number.
// Pending and denied appointments are never numbered.
func (s AppointmentStatus) Queued() bool {
	return s == StatusAccepted || s == StatusServing || s == StatusCompleted
}

type AppointmentType string

const (
	TypeTelemedicine AppointmentType = "telemedicine"
	TypeInPerson     AppointmentType = "in-person"
)

func (t AppointmentType) Valid() bool {
	return t == TypeTelemedicine || t == TypeInPerson
}

type Patient struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID        uuid.UUID
	PatientID uuid.UUID
	Date      time.Time
	Type      AppointmentType
	Status    AppointmentStatus
	Reason    string
	// QueueNumber is the number persisted when the appointment was accepted.
	// It is a display fallback only; the authoritative number is recomputed
	// from the day's list on every read (see ComputeQueueNumbers).
	QueueNumber *int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AppointmentDetail carries an appointment together with its patient.
// Patient is nil when the patient row has been deleted; such records are
// excluded from queue computation and display rather than treated as errors.
type AppointmentDetail struct {
	Appointment
	Patient *Patient
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
