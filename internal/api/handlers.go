package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medidesk/clinic-queue/internal/appointment"
	redisclient "github.com/medidesk/clinic-queue/internal/redis"
	"github.com/medidesk/clinic-queue/internal/sse"
)

func listAppointmentsHandler(svc *appointment.Service, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day, ok, err := parseDayParam(r, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}

		var dayPtr *time.Time
		if ok {
			dayPtr = &day
		}

		entries, err := svc.List(r.Context(), dayPtr)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, toAppointmentResponse(e))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// queueHandler returns the day's queue view: every appointment of the day
// with freshly computed numbers, defaulting to today.
func queueHandler(svc *appointment.Service, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day, ok, err := parseDayParam(r, loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
			return
		}
		if !ok {
			day = time.Now()
		}

		entries, err := svc.List(r.Context(), &day)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		resp := QueueResponse{
			Day:          appointment.DayKey(day, loc),
			Appointments: make([]AppointmentResponse, 0, len(entries)),
		}
		for _, e := range entries {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(e))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		entry, err := svc.Get(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toAppointmentResponse(*entry))
	}
}

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		if req.Date.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_date", "date is required")
			return
		}

		appt, err := svc.Create(r.Context(), patientID, req.Date, appointment.AppointmentType(req.Type), req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toBareResponse(appt, nil))
	}
}

func updateAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Date.IsZero() {
			writeError(w, http.StatusBadRequest, "invalid_date", "date is required")
			return
		}

		appt, err := svc.Update(r.Context(), id, req.Date, appointment.AppointmentType(req.Type), req.Reason)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, toBareResponse(appt, appt.QueueNumber))
	}
}

func deleteAppointmentHandler(svc *appointment.Service, hub *sse.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		if err := svc.Delete(r.Context(), id); err != nil {
			handleServiceError(w, err)
			return
		}

		broadcastQueueUpdate(hub, id, "deleted", "")
		w.WriteHeader(http.StatusNoContent)
	}
}

func acceptAppointmentHandler(svc *appointment.Service, hub *sse.Hub, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, number, err := svc.Accept(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		broadcastQueueUpdate(hub, appt.ID, string(appt.Status), appointment.DayKey(appt.Date, loc))

		n := number
		writeJSON(w, http.StatusOK, TransitionResponse{
			Appointment: toBareResponse(appt, &n),
			QueueNumber: &n,
			Message:     fmt.Sprintf("appointment accepted, queue number %d", number),
		})
	}
}

func denyAppointmentHandler(svc *appointment.Service, hub *sse.Hub, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.Deny(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		broadcastQueueUpdate(hub, appt.ID, string(appt.Status), appointment.DayKey(appt.Date, loc))

		writeJSON(w, http.StatusOK, TransitionResponse{
			Appointment: toBareResponse(appt, nil),
			Message:     "appointment denied",
		})
	}
}

func serveNextHandler(svc *appointment.Service, hub *sse.Hub, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := time.Now()
		if r.Body != nil && r.ContentLength != 0 {
			var req ServeNextRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
				return
			}
			if req.Date != "" {
				parsed, err := time.ParseInLocation("2006-01-02", req.Date, loc)
				if err != nil {
					writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
					return
				}
				day = parsed
			}
		}

		appt, number, err := svc.StartServing(r.Context(), day)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		broadcastQueueUpdate(hub, appt.ID, string(appt.Status), appointment.DayKey(appt.Date, loc))

		n := number
		writeJSON(w, http.StatusOK, TransitionResponse{
			Appointment: toBareResponse(appt, &n),
			QueueNumber: &n,
			Message:     fmt.Sprintf("now serving queue number %d", number),
		})
	}
}

func markDoneHandler(svc *appointment.Service, hub *sse.Hub, loc *time.Location) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		result, err := svc.MarkAsDone(r.Context(), id)
		if err != nil {
			handleServiceError(w, err)
			return
		}

		broadcastQueueUpdate(hub, result.Completed.ID, string(result.Completed.Status),
			appointment.DayKey(result.Completed.Date, loc))

		resp := TransitionResponse{
			Appointment: toBareResponse(result.Completed, result.Completed.QueueNumber),
			Message:     "appointment marked as done",
		}

		switch {
		case result.Next != nil:
			broadcastQueueUpdate(hub, result.Next.ID, string(result.Next.Status),
				appointment.DayKey(result.Next.Date, loc))
			n := result.NextNumber
			next := toBareResponse(result.Next, &n)
			resp.Next = &next
			resp.Message = fmt.Sprintf("appointment marked as done, now serving queue number %d", result.NextNumber)
		case result.NextErr != nil:
			// Partial success: completion stands, promotion did not.
			resp.Warning = "marked as done, but failed to start serving the next patient"
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// Helpers

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDayParam(r *http.Request, loc *time.Location) (time.Time, bool, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return time.Time{}, false, nil
	}
	day, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return day, true, nil
}

func broadcastQueueUpdate(hub *sse.Hub, id uuid.UUID, status, day string) {
	if hub == nil {
		return
	}
	hub.Broadcast("queue_updated", map[string]any{
		"appointment_id": id.String(),
		"status":         status,
		"day":            day,
	})
}

func handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidType):
		writeError(w, http.StatusBadRequest, "invalid_type", err.Error())
	case errors.Is(err, appointment.ErrNotPending):
		writeError(w, http.StatusConflict, "not_pending", err.Error())
	case errors.Is(err, appointment.ErrNotServing):
		writeError(w, http.StatusConflict, "not_serving", err.Error())
	case errors.Is(err, appointment.ErrAlreadyServing):
		writeError(w, http.StatusConflict, "already_serving", err.Error())
	case errors.Is(err, appointment.ErrNothingToServe):
		writeError(w, http.StatusConflict, "nothing_to_serve", err.Error())
	case errors.Is(err, appointment.ErrStatusConflict):
		writeError(w, http.StatusConflict, "status_conflict", err.Error())
	case errors.Is(err, appointment.ErrPatientRefMissing):
		writeError(w, http.StatusConflict, "patient_missing", err.Error())
	case errors.Is(err, appointment.ErrQueueBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "queue_busy", "queue is being updated, please retry shortly")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
