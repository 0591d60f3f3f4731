package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medidesk/clinic-queue/internal/appointment"
)

type CreateAppointmentRequest struct {
	PatientID string    `json:"patient_id"`
	Date      time.Time `json:"date"`
	Type      string    `json:"type"`
	Reason    string    `json:"reason"`
}

type UpdateAppointmentRequest struct {
	Date   time.Time `json:"date"`
	Type   string    `json:"type"`
	Reason string    `json:"reason"`
}

type ServeNextRequest struct {
	// Date selects the day's queue; empty means today.
	Date string `json:"date,omitempty"`
}

type PatientResponse struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
}

type AppointmentResponse struct {
	ID          uuid.UUID        `json:"id"`
	Patient     *PatientResponse `json:"patient"`
	Date        time.Time        `json:"date"`
	Type        string           `json:"type"`
	Status      string           `json:"status"`
	Reason      string           `json:"reason"`
	QueueNumber *int             `json:"queue_number,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// TransitionResponse is the outcome of a status transition: the affected
// appointment plus a human-readable message for the admin UI. Warning is set
// on partial success (completed but the next patient could not be promoted).
type TransitionResponse struct {
	Appointment AppointmentResponse  `json:"appointment"`
	QueueNumber *int                 `json:"queue_number,omitempty"`
	Next        *AppointmentResponse `json:"next,omitempty"`
	Message     string               `json:"message"`
	Warning     string               `json:"warning,omitempty"`
}

type QueueResponse struct {
	Day          string                `json:"day"`
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(e appointment.QueueEntry) AppointmentResponse {
	resp := AppointmentResponse{
		ID:          e.ID,
		Date:        e.Date,
		Type:        string(e.Type),
		Status:      string(e.Status),
		Reason:      e.Reason,
		QueueNumber: e.ComputedQueueNumber,
		CreatedAt:   e.CreatedAt,
	}
	if e.Patient != nil {
		resp.Patient = &PatientResponse{
			ID:        e.Patient.ID,
			FirstName: e.Patient.FirstName,
			LastName:  e.Patient.LastName,
		}
	}
	return resp
}

func toBareResponse(a *appointment.Appointment, queueNumber *int) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		Date:        a.Date,
		Type:        string(a.Type),
		Status:      string(a.Status),
		Reason:      a.Reason,
		QueueNumber: queueNumber,
		CreatedAt:   a.CreatedAt,
	}
}
