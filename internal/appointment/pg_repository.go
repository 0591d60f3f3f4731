package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.FirstName,
		&p.LastName,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var queueNumber *int

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.Date,
		&a.Type,
		&a.Status,
		&a.Reason,
		&queueNumber,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.QueueNumber = queueNumber
	return &a, nil
}

// scanDetail scans an appointment row left-joined with its patient. A deleted
// patient surfaces as Patient == nil, never as an error.
func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var d AppointmentDetail
	var queueNumber *int
	var patientID *uuid.UUID
	var firstName, lastName, email *string
	var pCreated, pUpdated *time.Time

	err := row.Scan(
		&d.ID,
		&d.PatientID,
		&d.Date,
		&d.Type,
		&d.Status,
		&d.Reason,
		&queueNumber,
		&d.CreatedAt,
		&d.UpdatedAt,
		&patientID,
		&firstName,
		&lastName,
		&email,
		&pCreated,
		&pUpdated,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	d.QueueNumber = queueNumber
	if patientID != nil {
		d.Patient = &Patient{
			ID:        *patientID,
			FirstName: derefString(firstName),
			LastName:  derefString(lastName),
			Email:     email,
			CreatedAt: derefTime(pCreated),
			UpdatedAt: derefTime(pUpdated),
		}
	}
	return &d, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

const detailColumns = `
	a.id, a.patient_id, a.date, a.type, a.status, a.reason, a.queue_number, a.created_at, a.updated_at,
	p.id, p.first_name, p.last_name, p.email, p.created_at, p.updated_at
`

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+detailColumns+`
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		WHERE a.id = $1
	`, id)
	return scanDetail(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, from, to time.Time) ([]AppointmentDetail, error) {
	query := `
		SELECT ` + detailColumns + `
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
	`
	args := []any{}
	if !from.IsZero() && !to.IsZero() {
		query += ` WHERE a.date >= $1 AND a.date < $2`
		args = append(args, from, to)
	}
	query += ` ORDER BY a.created_at ASC, a.id ASC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, patientID uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error) {
	id := uuid.New()

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, date, type, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, now(), now())
		RETURNING id, patient_id, date, type, status, reason, queue_number, created_at, updated_at
	`, id, patientID, date, typ, reason)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateAppointmentFields(ctx context.Context, id uuid.UUID, date time.Time, typ AppointmentType, reason string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET date = $2,
		    type = $3,
		    reason = $4,
		    updated_at = now()
		WHERE id = $1
		RETURNING id, patient_id, date, type, status, reason, queue_number, created_at, updated_at
	`, id, date, typ, reason)

	return scanAppointment(row)
}

func (r *PgRepository) SetAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, queueNumber *int) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    queue_number = COALESCE($4, queue_number),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING id, patient_id, date, type, status, reason, queue_number, created_at, updated_at
	`, id, to, from, queueNumber)

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

func (r *PgRepository) FindStalePending(ctx context.Context, before time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, patient_id, date, type, status, reason, queue_number, created_at, updated_at
		FROM appointments
		WHERE status = 'pending'
		  AND date < $1
	`, before)
	if err != nil {
		return nil, err
	}
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

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
